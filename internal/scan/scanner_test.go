package scan

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/engine"
)

func TestTargetEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		op        TargetOp
		val1      float64
		val2      float64
		tolerance float64
		metric    float64
		want      bool
	}{
		{"eq exact", OpEqual, 5, 0, 1e-9, 5, true},
		{"eq within tolerance", OpEqual, 5, 0, 0.1, 5.05, true},
		{"eq outside tolerance", OpEqual, 5, 0, 0.01, 5.05, false},
		{"gt above", OpGreater, 5, 0, 1e-9, 6, true},
		{"gt at target", OpGreater, 5, 0, 1e-9, 5, false},
		{"ge at target", OpGreaterEqual, 5, 0, 1e-9, 5, true},
		{"ge just below within tolerance", OpGreaterEqual, 5, 0, 0.1, 4.95, true},
		{"ge below", OpGreaterEqual, 5, 0, 1e-9, 4, false},
		{"lt below", OpLess, 5, 0, 1e-9, 4, true},
		{"lt at target", OpLess, 5, 0, 1e-9, 5, false},
		{"le at target", OpLessEqual, 5, 0, 1e-9, 5, true},
		{"le above", OpLessEqual, 5, 0, 1e-9, 6, false},
		{"between inside", OpBetween, 2, 8, 1e-9, 5, true},
		{"between at bounds", OpBetween, 2, 8, 1e-9, 8, true},
		{"between outside", OpBetween, 2, 8, 1e-9, 9, false},
		{"outside below", OpOutside, 2, 8, 1e-9, 1, true},
		{"outside above", OpOutside, 2, 8, 1e-9, 9, true},
		{"outside inside", OpOutside, 2, 8, 1e-9, 5, false},
		{"unknown op", TargetOp("??"), 2, 8, 1e-9, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := NewTargetEvaluator(tt.op, tt.val1, tt.val2, tt.tolerance)
			assert.Equal(t, tt.want, te.Matches(tt.metric))
		})
	}
}

func TestParseTargetOp(t *testing.T) {
	aliases := map[string]TargetOp{
		"eq": OpEqual, "==": OpEqual, "=": OpEqual,
		"gt": OpGreater, ">": OpGreater,
		"ge": OpGreaterEqual, ">=": OpGreaterEqual,
		"lt": OpLess, "<": OpLess,
		"le": OpLessEqual, "<=": OpLessEqual,
		"between": OpBetween, "outside": OpOutside,
	}
	for in, want := range aliases {
		got, err := ParseTargetOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTargetOp("approx")
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func baseRequest() ScanRequest {
	return ScanRequest{
		Metric:    "min_gap",
		SeedStart: "1000",
		Count:     50,
		Arena:     arena.DefaultArenaConfig(),
		TargetOp:  OpGreaterEqual,
		TargetVal: 0,
	}
}

func newTestScanner() *Scanner {
	return NewScanner(zerolog.Nop()).WithWorkers(4)
}

func TestScanBasic(t *testing.T) {
	res, err := newTestScanner().Scan(context.Background(), baseRequest())
	require.NoError(t, err)

	// Placement never overlaps, so every gap is non-negative.
	require.Len(t, res.Hits, 50)
	assert.Equal(t, uint64(50), res.Summary.TotalEvaluated)
	assert.Equal(t, 50, res.Summary.HitsFound)
	assert.Zero(t, res.Summary.PlacementFails)
	assert.False(t, res.Summary.TimedOut)

	assert.True(t, sort.SliceIsSorted(res.Hits, func(i, j int) bool {
		return res.Hits[i].Offset < res.Hits[j].Offset
	}))
	for i, h := range res.Hits {
		assert.Equal(t, uint64(i), h.Offset)
		assert.Equal(t, big1000Plus(i), h.Seed)
		assert.GreaterOrEqual(t, h.Metric, res.Summary.MinMetric)
		assert.LessOrEqual(t, h.Metric, res.Summary.MaxMetric)
	}
	assert.GreaterOrEqual(t, res.Summary.MeanMetric, res.Summary.MinMetric)
	assert.LessOrEqual(t, res.Summary.MeanMetric, res.Summary.MaxMetric)
	assert.Equal(t, "min_gap", res.Echo.Metric)
}

func big1000Plus(i int) string {
	return strconv.Itoa(1000 + i)
}

func TestScanAppliesDefaults(t *testing.T) {
	req := baseRequest()
	req.TargetOp = ""
	req.Tolerance = 0
	req.Limit = 0

	res, err := newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OpGreaterEqual, res.Echo.TargetOp)
	assert.Equal(t, defaultTolerance, res.Echo.Tolerance)
	assert.Equal(t, defaultLimit, res.Echo.Limit)
}

func TestScanNormalizesOperatorAliases(t *testing.T) {
	baseline, err := newTestScanner().Scan(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotEmpty(t, baseline.Hits)
	target := baseline.Hits[len(baseline.Hits)/2].Metric

	offsets := func(hits []Hit) []uint64 {
		out := make([]uint64, len(hits))
		for i, h := range hits {
			out[i] = h.Offset
		}
		return out
	}

	tests := []struct {
		alias string
		op    TargetOp
	}{
		{">=", OpGreaterEqual},
		{">", OpGreater},
		{"<", OpLess},
		{"<=", OpLessEqual},
		{"==", OpEqual},
		{"=", OpEqual},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			req := baseRequest()
			req.TargetVal = target
			req.TargetOp = tt.op
			want, err := newTestScanner().Scan(context.Background(), req)
			require.NoError(t, err)

			req.TargetOp = TargetOp(tt.alias)
			got, err := newTestScanner().Scan(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, offsets(want.Hits), offsets(got.Hits))
			assert.Equal(t, want.Summary.HitsFound, got.Summary.HitsFound)
			assert.Equal(t, tt.op, got.Echo.TargetOp)
		})
	}

	req := baseRequest()
	req.TargetVal = target
	req.TargetOp = "=="
	res, err := newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hits)
}

func TestScanLimitKeepsLowestOffsets(t *testing.T) {
	req := baseRequest()
	req.Limit = 5

	res, err := newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Hits, 5)
	for i, h := range res.Hits {
		assert.Equal(t, uint64(i), h.Offset)
	}
	assert.Equal(t, 50, res.Summary.HitsFound)
}

func TestScanDeterministicAcrossWorkerCounts(t *testing.T) {
	req := baseRequest()
	req.Count = 200
	req.TargetOp = OpLess
	req.TargetVal = 40

	one, err := NewScanner(zerolog.Nop()).WithWorkers(1).Scan(context.Background(), req)
	require.NoError(t, err)
	many, err := NewScanner(zerolog.Nop()).WithWorkers(8).Scan(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, one.Hits, many.Hits)
	assert.Equal(t, one.Summary.HitsFound, many.Summary.HitsFound)
	assert.Equal(t, one.Summary.MinMetric, many.Summary.MinMetric)
	assert.Equal(t, one.Summary.MaxMetric, many.Summary.MaxMetric)
	assert.InDelta(t, one.Summary.MeanMetric, many.Summary.MeanMetric, 1e-9)
}

func TestScanRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ScanRequest)
		want   error
	}{
		{"unknown metric", func(r *ScanRequest) { r.Metric = "nope" }, ErrMetricNotFound},
		{"bad seed", func(r *ScanRequest) { r.SeedStart = "abc" }, engine.ErrInvalidSeed},
		{"zero count", func(r *ScanRequest) { r.Count = 0 }, ErrInvalidRange},
		{"bad arena", func(r *ScanRequest) { r.Arena.Width = -1 }, ErrInvalidParams},
		{"bad op", func(r *ScanRequest) { r.TargetOp = "approx" }, ErrInvalidParams},
		{"bad script", func(r *ScanRequest) { r.Script = "var x = 1" }, ErrInvalidParams},
		{"bad metric params", func(r *ScanRequest) {
			r.Metric = "wall_bounces"
			r.Params = map[string]any{"ticks": float64(-5)}
		}, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			_, err := newTestScanner().Scan(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestScanCountsPlacementFailures(t *testing.T) {
	// A 20x20 arena with radius 10 has a single legal position.
	cramped := arena.ArenaConfig{Width: 20, Height: 20, ObjectRadius: 10, ObjectsPerType: 2}

	req := baseRequest()
	req.Arena = cramped
	req.Count = 10

	res, err := newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.NotNil(t, res.Hits)
	assert.Equal(t, uint64(10), res.Summary.TotalEvaluated)
	assert.Equal(t, uint64(10), res.Summary.PlacementFails)
	assert.Zero(t, res.Summary.MinMetric)

	// The dedicated metric reports the same seeds as hits.
	req.Metric = "placement_failed"
	req.TargetOp = OpEqual
	req.TargetVal = 1
	res, err = newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 10)
	assert.Zero(t, res.Summary.PlacementFails)
	assert.Equal(t, arena.Rock, res.Hits[0].Details["type"])
}

func TestScanScriptFilter(t *testing.T) {
	req := baseRequest()
	req.Script = `function match(hit) { return hit.offset % 2 === 0 }`

	res, err := newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Hits, 25)
	for _, h := range res.Hits {
		assert.Zero(t, h.Offset%2)
	}
	assert.Equal(t, uint64(50), res.Summary.TotalEvaluated)
}

func TestScanScriptRuntimeErrorFails(t *testing.T) {
	req := baseRequest()
	req.Script = `function match(hit) { return hit.details.nothing.here }`

	_, err := newTestScanner().Scan(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestScanTimeoutReturnsPartialResults(t *testing.T) {
	req := baseRequest()
	req.Metric = "wall_bounces"
	req.Count = 1 << 40
	req.TimeoutMs = 50
	req.Limit = 10

	res, err := newTestScanner().Scan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Summary.TimedOut)
	assert.Less(t, res.Summary.TotalEvaluated, req.Count)
	assert.LessOrEqual(t, len(res.Hits), 10)
}

func TestScanParentCancellationIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestScanner().Scan(ctx, baseRequest())
	assert.ErrorIs(t, err, context.Canceled)
}
