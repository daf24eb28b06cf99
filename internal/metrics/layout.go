package metrics

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/sim"
)

// MinGapMetric is the smallest edge-to-edge distance between any two objects
// in the initial layout. Zero means two objects touch.
type MinGapMetric struct{}

func (m *MinGapMetric) Spec() MetricSpec {
	return MetricSpec{
		ID:          "min_gap",
		Name:        "Minimum gap",
		MetricLabel: "gap",
		Description: "smallest edge-to-edge distance between two objects at start",
	}
}

func (m *MinGapMetric) Evaluate(seed *big.Int, cfg arena.ArenaConfig, params map[string]any) (Result, error) {
	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		return Result{}, err
	}

	gap := math.Inf(1)
	pair := [2]string{}
	for i := range objects {
		for j := i + 1; j < len(objects); j++ {
			a, b := objects[i], objects[j]
			dx, dy := a.X-b.X, a.Y-b.Y
			g := math.Sqrt(dx*dx+dy*dy) - a.Radius - b.Radius
			if g < gap {
				gap = g
				pair = [2]string{a.ID, b.ID}
			}
		}
	}
	if len(objects) < 2 {
		gap = 0
	}

	return Result{
		Metric:      gap,
		MetricLabel: "gap",
		Details: map[string]any{
			"closest_pair": pair,
			"objects":      len(objects),
		},
	}, nil
}

// MeanSpeedMetric is the mean initial speed over the population.
type MeanSpeedMetric struct{}

func (m *MeanSpeedMetric) Spec() MetricSpec {
	return MetricSpec{
		ID:          "mean_speed",
		Name:        "Mean speed",
		MetricLabel: "speed",
		Description: "mean initial speed in units per second",
	}
}

func (m *MeanSpeedMetric) Evaluate(seed *big.Int, cfg arena.ArenaConfig, params map[string]any) (Result, error) {
	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		return Result{}, err
	}

	sum := 0.0
	perType := map[arena.ObjectType]float64{}
	for _, o := range objects {
		s := o.Speed()
		sum += s
		perType[o.Type] += s
	}
	mean := sum / float64(len(objects))

	details := map[string]any{}
	for _, t := range arena.Types {
		details[string(t)] = perType[t] / float64(cfg.ObjectsPerType)
	}

	return Result{Metric: mean, MetricLabel: "speed", Details: details}, nil
}

// WallBouncesMetric counts object-wall bounces over a fixed number of ticks,
// one per object per step.
type WallBouncesMetric struct{}

const (
	defaultBounceTicks = 600
	maxBounceTicks     = 100_000
)

func (m *WallBouncesMetric) Spec() MetricSpec {
	return MetricSpec{
		ID:          "wall_bounces",
		Name:        "Wall bounces",
		MetricLabel: "bounces",
		Description: "objects bouncing off a wall per step, summed over params.ticks fixed steps (default 600 at params.tick_rate, default 60)",
	}
}

func (m *WallBouncesMetric) Evaluate(seed *big.Int, cfg arena.ArenaConfig, params map[string]any) (Result, error) {
	ticks := intParam(params, "ticks", defaultBounceTicks)
	if ticks <= 0 || ticks > maxBounceTicks {
		return Result{}, fmt.Errorf("ticks must be between 1 and %d, got %d", maxBounceTicks, ticks)
	}
	rate := sim.DefaultTickRate
	if v, ok := params["tick_rate"].(float64); ok && v > 0 {
		rate = v
	}

	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		return Result{}, err
	}

	dt := 1 / rate
	bounces := 0
	for i := 0; i < ticks; i++ {
		bounces += arena.Step(objects, cfg, dt)
	}

	return Result{
		Metric:      float64(bounces),
		MetricLabel: "bounces",
		Details: map[string]any{
			"ticks":     ticks,
			"tick_rate": rate,
		},
	}, nil
}

// PlacementFailedMetric is 1 when the seed cannot produce a layout for the
// configuration and 0 otherwise. Exhaustion is a result here, not an error.
type PlacementFailedMetric struct{}

func (m *PlacementFailedMetric) Spec() MetricSpec {
	return MetricSpec{
		ID:          "placement_failed",
		Name:        "Placement failed",
		MetricLabel: "failed",
		Description: "1 when placement exhausts its attempts for this seed, else 0",
	}
}

func (m *PlacementFailedMetric) Evaluate(seed *big.Int, cfg arena.ArenaConfig, params map[string]any) (Result, error) {
	_, err := arena.GenerateFromSeed(seed, cfg)

	var perr *arena.PlacementError
	switch {
	case err == nil:
		return Result{Metric: 0, MetricLabel: "failed"}, nil
	case errors.As(err, &perr):
		return Result{
			Metric:      1,
			MetricLabel: "failed",
			Details: map[string]any{
				"type":  perr.Type,
				"index": perr.Index,
			},
		}, nil
	default:
		return Result{}, err
	}
}
