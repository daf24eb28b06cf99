// Package sim drives the arena engine with a fixed timestep so a whole run,
// not just the initial layout, is reproducible from a seed.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MJE43/rps-arena-replay/internal/arena"
)

const (
	DefaultTickRate = 60.0
	DefaultMaxTicks = 3600 // one minute at 60 ticks/s
)

var ErrInvalidOptions = errors.New("invalid simulation options")

// Options controls the fixed-step loop.
type Options struct {
	TickRate float64 `json:"tick_rate" mapstructure:"tickRate"` // ticks per simulated second
	MaxTicks int     `json:"max_ticks" mapstructure:"maxTicks"` // timeout, in ticks
}

// DefaultOptions returns 60 ticks/s with a one minute timeout.
func DefaultOptions() Options {
	return Options{TickRate: DefaultTickRate, MaxTicks: DefaultMaxTicks}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.TickRate == 0 {
		o.TickRate = d.TickRate
	}
	if o.MaxTicks == 0 {
		o.MaxTicks = d.MaxTicks
	}
	return o
}

// Validate rejects non-positive or non-finite values.
func (o Options) Validate() error {
	if math.IsNaN(o.TickRate) || math.IsInf(o.TickRate, 0) || o.TickRate <= 0 {
		return fmt.Errorf("%w: tick rate must be positive, got %v", ErrInvalidOptions, o.TickRate)
	}
	if o.MaxTicks <= 0 {
		return fmt.Errorf("%w: max ticks must be positive, got %d", ErrInvalidOptions, o.MaxTicks)
	}
	return nil
}

// Dt is the fixed step length in seconds.
func (o Options) Dt() float64 {
	return 1 / o.TickRate
}

// Collider resolves object-to-object interactions after each physics step.
// It may mutate or shrink the population and returns the slice to keep
// simulating. This repository ships no implementation.
type Collider interface {
	Resolve(objects []arena.GameObject, cfg arena.ArenaConfig) []arena.GameObject
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Winner      *arena.ObjectType  `json:"winner"`
	Ticks       int                `json:"ticks"`
	TimedOut    bool               `json:"timed_out"`
	Counts      arena.ObjectCounts `json:"counts"`
	WallBounces int                `json:"wall_bounces"`
	Objects     []arena.GameObject `json:"objects,omitempty"`
}

// Frame is a snapshot emitted while a run is in progress.
type Frame struct {
	Tick    int                `json:"tick"`
	Objects []arena.GameObject `json:"objects"`
	Counts  arena.ObjectCounts `json:"counts"`
	Done    bool               `json:"done"`
	Outcome *Outcome           `json:"outcome,omitempty"`
}

// Runner advances a population until a winner is determined.
type Runner struct {
	opts     Options
	collider Collider
}

// NewRunner validates opts (after defaults) and returns a runner without a collider.
func NewRunner(opts Options) (*Runner, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Runner{opts: opts}, nil
}

// WithCollider returns a copy of r that applies c after each step.
func (r *Runner) WithCollider(c Collider) *Runner {
	cp := *r
	cp.collider = c
	return &cp
}

// Options returns the effective options.
func (r *Runner) Options() Options {
	return r.opts
}

// Run simulates a copy of objects. The input slice is not modified.
func (r *Runner) Run(ctx context.Context, objects []arena.GameObject, cfg arena.ArenaConfig) (*Outcome, error) {
	return r.run(ctx, objects, cfg, 0, nil)
}

// Frames simulates like Run and calls fn every `every` ticks, plus once for
// the initial state and once with the final outcome. An error from fn stops
// the run and is returned.
func (r *Runner) Frames(ctx context.Context, objects []arena.GameObject, cfg arena.ArenaConfig, every int, fn func(Frame) error) (*Outcome, error) {
	if every <= 0 {
		every = 1
	}
	return r.run(ctx, objects, cfg, every, fn)
}

func (r *Runner) run(ctx context.Context, objects []arena.GameObject, cfg arena.ArenaConfig, every int, fn func(Frame) error) (*Outcome, error) {
	objs := arena.CloneObjects(objects)
	dt := r.opts.Dt()

	emit := func(tick int) error {
		if fn == nil {
			return nil
		}
		return fn(Frame{Tick: tick, Objects: arena.CloneObjects(objs), Counts: arena.GetObjectCounts(objs)})
	}

	if err := emit(0); err != nil {
		return nil, err
	}

	// A population that is already decided never needs stepping.
	if winner, ok := arena.DetermineWinner(objs, false); ok || len(objs) == 0 {
		out := r.outcome(objs, 0, false, 0, winner, ok)
		return out, r.finish(fn, out)
	}

	bounces := 0
	for tick := 1; ; tick++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bounces += arena.Step(objs, cfg, dt)
		if r.collider != nil {
			objs = r.collider.Resolve(objs, cfg)
		}

		timedOut := tick >= r.opts.MaxTicks
		if winner, ok := arena.DetermineWinner(objs, timedOut); ok || timedOut || len(objs) == 0 {
			complete := arena.CheckGameComplete(objs)
			out := r.outcome(objs, tick, timedOut && !complete, bounces, winner, ok)
			return out, r.finish(fn, out)
		}

		if fn != nil && tick%every == 0 {
			if err := emit(tick); err != nil {
				return nil, err
			}
		}
	}
}

func (r *Runner) outcome(objs []arena.GameObject, tick int, timedOut bool, bounces int, winner arena.ObjectType, ok bool) *Outcome {
	out := &Outcome{
		Ticks:       tick,
		TimedOut:    timedOut,
		Counts:      arena.GetObjectCounts(objs),
		WallBounces: bounces,
		Objects:     objs,
	}
	if ok {
		w := winner
		out.Winner = &w
	}
	return out
}

func (r *Runner) finish(fn func(Frame) error, out *Outcome) error {
	if fn == nil {
		return nil
	}
	return fn(Frame{
		Tick:    out.Ticks,
		Objects: arena.CloneObjects(out.Objects),
		Counts:  out.Counts,
		Done:    true,
		Outcome: out,
	})
}
