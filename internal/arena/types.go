package arena

import (
	"errors"
	"fmt"
	"math"
)

// ObjectType is one of the three arena body types.
type ObjectType string

const (
	Rock     ObjectType = "rock"
	Paper    ObjectType = "paper"
	Scissors ObjectType = "scissors"
)

// Types lists the object types in tiebreak priority order. Placement and
// majority resolution both iterate this order.
var Types = [3]ObjectType{Rock, Paper, Scissors}

// Valid reports whether t is one of the three known types.
func (t ObjectType) Valid() bool {
	switch t {
	case Rock, Paper, Scissors:
		return true
	}
	return false
}

// ParseObjectType converts a string into an ObjectType.
func ParseObjectType(s string) (ObjectType, error) {
	t := ObjectType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown object type %q", s)
	}
	return t, nil
}

// GameObject is one moving body in the arena.
type GameObject struct {
	ID     string     `json:"id"`
	Type   ObjectType `json:"type"`
	X      float64    `json:"x"`
	Y      float64    `json:"y"`
	VX     float64    `json:"vx"`
	VY     float64    `json:"vy"`
	Radius float64    `json:"radius"`
}

// Speed returns the magnitude of the velocity vector.
func (o GameObject) Speed() float64 {
	return math.Hypot(o.VX, o.VY)
}

// InBounds reports whether the object satisfies the arena boundary invariant.
func (o GameObject) InBounds(cfg ArenaConfig) bool {
	return o.X >= o.Radius && o.X <= cfg.Width-o.Radius &&
		o.Y >= o.Radius && o.Y <= cfg.Height-o.Radius
}

// ArenaConfig is the immutable playfield configuration.
type ArenaConfig struct {
	Width          float64 `json:"width" mapstructure:"width"`
	Height         float64 `json:"height" mapstructure:"height"`
	ObjectRadius   float64 `json:"objectRadius" mapstructure:"objectRadius"`
	ObjectsPerType int     `json:"objectsPerType" mapstructure:"objectsPerType"`
}

// DefaultArenaConfig matches the browser client's playfield.
func DefaultArenaConfig() ArenaConfig {
	return ArenaConfig{
		Width:          800,
		Height:         600,
		ObjectRadius:   10,
		ObjectsPerType: 5,
	}
}

// ErrInvalidConfig is returned by Validate for unusable configurations.
var ErrInvalidConfig = errors.New("invalid arena config")

// Validate checks that every field is positive and finite and that at least
// one object fits on each axis.
func (c ArenaConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"width", c.Width},
		{"height", c.Height},
		{"objectRadius", c.ObjectRadius},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
			return fmt.Errorf("%w: %s must be a positive finite number, got %v", ErrInvalidConfig, f.name, f.v)
		}
	}
	if c.ObjectsPerType <= 0 {
		return fmt.Errorf("%w: objectsPerType must be positive, got %d", ErrInvalidConfig, c.ObjectsPerType)
	}
	if c.Width < 2*c.ObjectRadius || c.Height < 2*c.ObjectRadius {
		return fmt.Errorf("%w: arena %vx%v cannot hold an object of radius %v", ErrInvalidConfig, c.Width, c.Height, c.ObjectRadius)
	}
	return nil
}

// TotalObjects is the population size produced by placement.
func (c ArenaConfig) TotalObjects() int {
	return len(Types) * c.ObjectsPerType
}

// ObjectCounts tallies live objects per type. All three keys are always present.
type ObjectCounts struct {
	Rock     int `json:"rock"`
	Paper    int `json:"paper"`
	Scissors int `json:"scissors"`
}

// Of returns the count for t. Unknown types count zero.
func (c ObjectCounts) Of(t ObjectType) int {
	switch t {
	case Rock:
		return c.Rock
	case Paper:
		return c.Paper
	case Scissors:
		return c.Scissors
	}
	return 0
}

func (c *ObjectCounts) add(t ObjectType) {
	switch t {
	case Rock:
		c.Rock++
	case Paper:
		c.Paper++
	case Scissors:
		c.Scissors++
	}
}

// Total returns the sum over all types.
func (c ObjectCounts) Total() int {
	return c.Rock + c.Paper + c.Scissors
}

// CloneObjects returns a copy of objects that shares no memory with the input.
func CloneObjects(objects []GameObject) []GameObject {
	if objects == nil {
		return nil
	}
	out := make([]GameObject, len(objects))
	copy(out, objects)
	return out
}
