// Command arena-verify replays a seed locally: the generator stream, the
// initial layout and its digest, and the simulated outcome.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/engine"
	"github.com/MJE43/rps-arena-replay/internal/sim"
)

type report struct {
	Seed           string             `json:"seed"`
	SeedHash       string             `json:"seed_hash"`
	NormalizedSeed uint64             `json:"normalized_seed"`
	Arena          arena.ArenaConfig  `json:"arena"`
	Floats         []float64          `json:"floats,omitempty"`
	Objects        []arena.GameObject `json:"objects"`
	Counts         arena.ObjectCounts `json:"counts"`
	LayoutDigest   string             `json:"layout_digest"`
	Sim            *sim.Options       `json:"sim,omitempty"`
	Outcome        *sim.Outcome       `json:"outcome,omitempty"`
	FinalDigest    string             `json:"final_digest,omitempty"`
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "arena-verify: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	def := arena.DefaultArenaConfig()
	simDef := sim.DefaultOptions()

	fs := flag.NewFlagSet("arena-verify", flag.ContinueOnError)
	seedFlag := fs.String("seed", "", "seed, decimal or 0x-prefixed hex (required)")
	width := fs.Float64("width", def.Width, "arena width")
	height := fs.Float64("height", def.Height, "arena height")
	radius := fs.Float64("radius", def.ObjectRadius, "object radius")
	perType := fs.Int("per-type", def.ObjectsPerType, "objects per type")
	ticks := fs.Int("ticks", simDef.MaxTicks, "simulation tick limit; 0 prints the layout only")
	tickRate := fs.Float64("tick-rate", simDef.TickRate, "simulation ticks per second")
	floats := fs.Int("floats", 0, "also print the first N generator values")
	asJSON := fs.Bool("json", false, "print a JSON report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *seedFlag == "" {
		return errors.New("-seed is required")
	}
	if *floats < 0 {
		return errors.New("-floats must not be negative")
	}
	if *ticks < 0 {
		return errors.New("-ticks must not be negative")
	}
	seed, err := engine.ParseSeed(*seedFlag)
	if err != nil {
		return err
	}

	cfg := arena.ArenaConfig{Width: *width, Height: *height, ObjectRadius: *radius, ObjectsPerType: *perType}
	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		return err
	}

	rep := report{
		Seed:           seed.String(),
		SeedHash:       engine.HashSeed(seed),
		NormalizedSeed: engine.NewSeededRNG(seed).State(),
		Arena:          cfg,
		Objects:        objects,
		Counts:         arena.GetObjectCounts(objects),
		LayoutDigest:   arena.Digest(objects),
	}
	if *floats > 0 {
		rep.Floats = engine.Floats(seed, *floats)
	}

	if *ticks > 0 {
		runner, err := sim.NewRunner(sim.Options{TickRate: *tickRate, MaxTicks: *ticks})
		if err != nil {
			return err
		}
		outcome, err := runner.Run(ctx, objects, cfg)
		if err != nil {
			return err
		}
		opts := runner.Options()
		rep.Sim = &opts
		rep.FinalDigest = arena.Digest(outcome.Objects)
		outcome.Objects = nil
		rep.Outcome = outcome
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return printReport(out, rep)
}

func printReport(out io.Writer, rep report) error {
	fmt.Fprintf(out, "seed            %s\n", rep.Seed)
	fmt.Fprintf(out, "seed sha256     %s\n", rep.SeedHash)
	fmt.Fprintf(out, "initial state   %s\n", humanize.Comma(int64(rep.NormalizedSeed)))
	fmt.Fprintf(out, "arena           %s x %s, radius %s, %d per type\n",
		humanize.Ftoa(rep.Arena.Width), humanize.Ftoa(rep.Arena.Height),
		humanize.Ftoa(rep.Arena.ObjectRadius), rep.Arena.ObjectsPerType)

	if len(rep.Floats) > 0 {
		fmt.Fprintf(out, "\nfirst %d generator values\n", len(rep.Floats))
		for i, f := range rep.Floats {
			fmt.Fprintf(out, "  %4d  %.17g\n", i+1, f)
		}
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "id\ttype\tx\ty\tvx\tvy\t")
	for _, o := range rep.Objects {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t\n", o.ID, o.Type, o.X, o.Y, o.VX, o.VY)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nlayout digest   %s\n", rep.LayoutDigest)

	if rep.Outcome == nil {
		return nil
	}
	winner := "none"
	if rep.Outcome.Winner != nil {
		winner = string(*rep.Outcome.Winner)
	}
	how := "elimination"
	if rep.Outcome.TimedOut {
		how = "majority at timeout"
	}
	seconds := float64(rep.Outcome.Ticks) / rep.Sim.TickRate
	fmt.Fprintf(out, "winner          %s (%s)\n", winner, how)
	fmt.Fprintf(out, "ticks           %s (%ss simulated)\n", humanize.Comma(int64(rep.Outcome.Ticks)), humanize.FtoaWithDigits(seconds, 2))
	fmt.Fprintf(out, "wall bounces    %s\n", humanize.Comma(int64(rep.Outcome.WallBounces)))
	fmt.Fprintf(out, "final counts    rock %d, paper %d, scissors %d\n",
		rep.Outcome.Counts.Rock, rep.Outcome.Counts.Paper, rep.Outcome.Counts.Scissors)
	fmt.Fprintf(out, "final digest    %s\n", rep.FinalDigest)
	return nil
}
