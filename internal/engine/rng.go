package engine

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// MINSTD parameters (Park–Miller, revised multiplier).
const (
	Multiplier uint64 = 48271
	Modulus    uint64 = 2147483647 // 2^31 - 1
)

// ErrInvalidSeed is returned when a seed string is not an integer.
var ErrInvalidSeed = errors.New("invalid seed")

var bigModulus = new(big.Int).SetUint64(Modulus)

// SeededRNG is a MINSTD linear-congruential generator. It is an owned value:
// every game instance constructs its own and passes it explicitly to callers.
// A SeededRNG is not safe for concurrent use.
type SeededRNG struct {
	state uint64
}

// NewSeededRNG creates a generator from an arbitrary-precision seed.
// The seed is reduced with a truncated remainder (sign follows the seed),
// negated when negative, and replaced with 1 when the result is zero.
func NewSeededRNG(seed *big.Int) *SeededRNG {
	return &SeededRNG{state: normalizeSeed(seed)}
}

// NewSeededRNGFromString parses seed with ParseSeed and creates a generator.
func NewSeededRNGFromString(seed string) (*SeededRNG, error) {
	n, err := ParseSeed(seed)
	if err != nil {
		return nil, err
	}
	return NewSeededRNG(n), nil
}

// ParseSeed parses a base-10 integer (optionally signed) or a 0x-prefixed
// hexadecimal integer. Surrounding whitespace is ignored.
func ParseSeed(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSeed)
	}

	n := new(big.Int)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "0x") {
		if _, ok := n.SetString(lower[2:], 16); !ok || len(lower) == 2 {
			return nil, fmt.Errorf("%w: %q is not a hex integer", ErrInvalidSeed, s)
		}
		return n, nil
	}

	// Base 10 rejects underscores and 0b/0o prefixes.
	if _, ok := n.SetString(trimmed, 10); !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidSeed, s)
	}
	return n, nil
}

func normalizeSeed(seed *big.Int) uint64 {
	if seed == nil {
		return 1
	}
	r := new(big.Int).Rem(seed, bigModulus)
	r.Abs(r)
	v := r.Uint64()
	if v == 0 {
		return 1
	}
	return v
}

// State returns the current internal state, always in [1, Modulus-1].
func (r *SeededRNG) State() uint64 {
	return r.state
}

// Next advances the generator and returns state/Modulus in [0, 1).
// 48271 * (2^31-2) < 2^47, so the product is exact in uint64.
func (r *SeededRNG) Next() float64 {
	r.state = (Multiplier * r.state) % Modulus
	return float64(r.state) / float64(Modulus)
}

// NextRange returns min + Next()*(max-min).
func (r *SeededRNG) NextRange(min, max float64) float64 {
	return min + r.Next()*(max-min)
}

// NextInt returns floor(NextRange(min, max)), an integer in [min, max).
func (r *SeededRNG) NextInt(min, max int) int {
	return int(math.Floor(r.NextRange(float64(min), float64(max))))
}

// Floats returns the first count values of the stream for seed.
func Floats(seed *big.Int, count int) []float64 {
	return FloatsInto(nil, seed, count)
}

// FloatsInto fills dst with the first count values of the stream for seed,
// allocating only when dst is too small.
func FloatsInto(dst []float64, seed *big.Int, count int) []float64 {
	if cap(dst) < count {
		dst = make([]float64, count)
	}
	dst = dst[:count]

	rng := NewSeededRNG(seed)
	for i := range dst {
		dst[i] = rng.Next()
	}
	return dst
}
