package arena

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/MJE43/rps-arena-replay/internal/engine"
)

const (
	// MaxPlacementAttempts bounds the candidate draws per object.
	MaxPlacementAttempts = 100

	// Initial speed range in units per second.
	MinSpeed = 50.0
	MaxSpeed = 150.0

	idPrefix = "obj-"
)

// ErrPlacementExhausted is wrapped by PlacementError.
var ErrPlacementExhausted = errors.New("placement attempts exhausted")

// PlacementError reports which object could not be placed.
type PlacementError struct {
	Type     ObjectType
	Index    int // 0-based creation index across the whole run
	Attempts int
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("could not place %s object %d after %d attempts: arena too dense", e.Type, e.Index, e.Attempts)
}

func (e *PlacementError) Unwrap() error {
	return ErrPlacementExhausted
}

// GenerateFromSeed builds a fresh generator for seed and places the population.
func GenerateFromSeed(seed *big.Int, cfg ArenaConfig) ([]GameObject, error) {
	return GenerateObjects(engine.NewSeededRNG(seed), cfg)
}

// GenerateObjects deterministically places 3*ObjectsPerType objects. Types
// are visited in priority order and every draw comes from rng, so the result
// is a pure function of the generator state and cfg. On exhaustion no
// objects are returned.
func GenerateObjects(rng *engine.SeededRNG, cfg ArenaConfig) ([]GameObject, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	objects := make([]GameObject, 0, cfg.TotalObjects())
	for _, t := range Types {
		for i := 0; i < cfg.ObjectsPerType; i++ {
			index := len(objects)

			x, y, ok := findPosition(rng, cfg, objects)
			if !ok {
				return nil, &PlacementError{Type: t, Index: index, Attempts: MaxPlacementAttempts}
			}

			angle := rng.NextRange(0, 2*math.Pi)
			speed := rng.NextRange(MinSpeed, MaxSpeed)

			objects = append(objects, GameObject{
				ID:     idPrefix + strconv.Itoa(index),
				Type:   t,
				X:      x,
				Y:      y,
				VX:     math.Cos(angle) * speed,
				VY:     math.Sin(angle) * speed,
				Radius: cfg.ObjectRadius,
			})
		}
	}
	return objects, nil
}

// findPosition draws up to MaxPlacementAttempts candidates and returns the
// first that overlaps no placed object.
func findPosition(rng *engine.SeededRNG, cfg ArenaConfig, placed []GameObject) (x, y float64, ok bool) {
	r := cfg.ObjectRadius
	for attempt := 0; attempt < MaxPlacementAttempts; attempt++ {
		x = rng.NextRange(r, cfg.Width-r)
		y = rng.NextRange(r, cfg.Height-r)
		if !overlapsAny(x, y, r, placed) {
			return x, y, true
		}
	}
	return 0, 0, false
}

// overlapsAny is quadratic over the whole placement; fine for tens of objects.
func overlapsAny(x, y, r float64, placed []GameObject) bool {
	for i := range placed {
		o := &placed[i]
		dx, dy := x-o.X, y-o.Y
		if math.Sqrt(dx*dx+dy*dy) < r+o.Radius {
			return true
		}
	}
	return false
}
