package metrics

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/rps-arena-replay/internal/arena"
)

func TestRegistry(t *testing.T) {
	expected := []string{"mean_speed", "min_gap", "placement_failed", "wall_bounces"}

	for _, id := range expected {
		m, ok := Get(id)
		require.True(t, ok, "metric %s not registered", id)
		assert.Equal(t, id, m.Spec().ID)
	}

	specs := List()
	require.Len(t, specs, len(expected))
	for i, s := range specs {
		assert.Equal(t, expected[i], s.ID)
		assert.NotEmpty(t, s.MetricLabel)
	}

	_, ok := Get("missing")
	assert.False(t, ok)
}

func TestMinGap(t *testing.T) {
	m, _ := Get("min_gap")
	cfg := arena.DefaultArenaConfig()

	res, err := m.Evaluate(big.NewInt(12), cfg, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Metric, 0.0)
	assert.Equal(t, "gap", res.MetricLabel)

	again, err := m.Evaluate(big.NewInt(12), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestMeanSpeed(t *testing.T) {
	m, _ := Get("mean_speed")
	res, err := m.Evaluate(big.NewInt(99), arena.DefaultArenaConfig(), nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Metric, arena.MinSpeed)
	assert.LessOrEqual(t, res.Metric, arena.MaxSpeed)
	assert.Contains(t, res.Details, "paper")
}

func TestWallBounces(t *testing.T) {
	m, _ := Get("wall_bounces")
	cfg := arena.DefaultArenaConfig()

	short, err := m.Evaluate(big.NewInt(5), cfg, map[string]any{"ticks": 1.0})
	require.NoError(t, err)
	long, err := m.Evaluate(big.NewInt(5), cfg, map[string]any{"ticks": 3000.0})
	require.NoError(t, err)

	assert.LessOrEqual(t, short.Metric, long.Metric)
	assert.Greater(t, long.Metric, 0.0)

	_, err = m.Evaluate(big.NewInt(5), cfg, map[string]any{"ticks": -1})
	assert.Error(t, err)
}

func TestPlacementFailed(t *testing.T) {
	m, _ := Get("placement_failed")

	ok, err := m.Evaluate(big.NewInt(5), arena.DefaultArenaConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ok.Metric)

	cramped := arena.ArenaConfig{Width: 20, Height: 20, ObjectRadius: 10, ObjectsPerType: 1}
	failed, err := m.Evaluate(big.NewInt(5), cramped, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, failed.Metric)
	assert.Equal(t, 1, failed.Details["index"])

	_, err = m.Evaluate(big.NewInt(5), arena.ArenaConfig{}, nil)
	assert.ErrorIs(t, err, arena.ErrInvalidConfig)
}

func TestLayoutMetricsPropagatePlacementErrors(t *testing.T) {
	cramped := arena.ArenaConfig{Width: 20, Height: 20, ObjectRadius: 10, ObjectsPerType: 1}
	for _, id := range []string{"min_gap", "mean_speed", "wall_bounces"} {
		m, _ := Get(id)
		_, err := m.Evaluate(big.NewInt(1), cramped, nil)
		assert.ErrorIs(t, err, arena.ErrPlacementExhausted, id)
	}
}
