package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/sim"
	"github.com/MJE43/rps-arena-replay/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	opts := DefaultOptions()
	opts.ScanMaxCount = 1000
	opts.ScanWorkers = 2
	return NewServer(db, zerolog.Nop(), opts)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, EngineVersion, w.Header().Get("X-Engine-Version"))

	resp := decodeBody[HealthCheckResponse](t, w)
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	for _, name := range []string{"engine", "metrics", "database"} {
		assert.Equal(t, HealthStatusHealthy, resp.Checks[name].Status, name)
	}

	w = do(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReportsClosedDatabase(t *testing.T) {
	db, err := store.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	s := NewServer(db, zerolog.Nop(), DefaultOptions())

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeBody[HealthCheckResponse](t, w)
	assert.Equal(t, HealthStatusUnhealthy, resp.Checks["database"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(t, newTestServer(t), http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[MetricsResponse](t, w)
	ids := make([]string, 0, len(resp.Metrics))
	for _, m := range resp.Metrics {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "min_gap")
	assert.Contains(t, ids, "placement_failed")
}

func TestLayoutEndpoint(t *testing.T) {
	s := newTestServer(t)

	// A bare number and a string decode to the same seed.
	w := do(t, s, http.MethodPost, "/api/v1/layout", `{"seed": 12345}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fromNumber := decodeBody[LayoutResponse](t, w)

	w = do(t, s, http.MethodPost, "/api/v1/layout", LayoutRequest{Seed: "12345"})
	require.Equal(t, http.StatusOK, w.Code)
	fromString := decodeBody[LayoutResponse](t, w)

	assert.Equal(t, fromNumber.Digest, fromString.Digest)
	assert.Equal(t, "12345", fromString.Seed)
	assert.Equal(t, uint64(12345), fromString.NormalizedSeed)
	assert.Len(t, fromString.Objects, 15)
	assert.Equal(t, 5, fromString.Counts.Rock)

	expected, err := arena.GenerateFromSeed(big.NewInt(12345), arena.DefaultArenaConfig())
	require.NoError(t, err)
	assert.Equal(t, arena.Digest(expected), fromString.Digest)

	// Seeds beyond 2^64 keep their precision.
	w = do(t, s, http.MethodPost, "/api/v1/layout", `{"seed": 123456789012345678901234567890}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "123456789012345678901234567890", decodeBody[LayoutResponse](t, w).Seed)
}

func TestSeedHashEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Hex and decimal spellings of one seed share a commitment.
	w := do(t, s, http.MethodPost, "/api/v1/seed/hash", SeedHashRequest{Seed: "0xff"})
	require.Equal(t, http.StatusOK, w.Code)
	hex := decodeBody[SeedHashResponse](t, w)

	w = do(t, s, http.MethodPost, "/api/v1/seed/hash", `{"seed": 255}`)
	require.Equal(t, http.StatusOK, w.Code)
	dec := decodeBody[SeedHashResponse](t, w)

	assert.Equal(t, hex.Hash, dec.Hash)
	assert.Len(t, dec.Hash, 64)
	assert.Equal(t, uint64(255), dec.NormalizedSeed)

	w = do(t, s, http.MethodPost, "/api/v1/seed/hash", SeedHashRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLayoutErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		body    any
		status  int
		errType string
	}{
		{"malformed json", `{"seed":`, http.StatusBadRequest, ErrTypeValidation},
		{"empty body", "", http.StatusBadRequest, ErrTypeValidation},
		{"bad seed", LayoutRequest{Seed: "abc"}, http.StatusBadRequest, ErrTypeInvalidSeed},
		{"fractional seed", `{"seed": 1.5}`, http.StatusBadRequest, ErrTypeInvalidSeed},
		{"bad arena", LayoutRequest{Seed: "1", Arena: &arena.ArenaConfig{Width: -1, Height: 10, ObjectRadius: 1, ObjectsPerType: 1}}, http.StatusBadRequest, ErrTypeInvalidConfig},
		{"placement exhausted", LayoutRequest{Seed: "1", Arena: &arena.ArenaConfig{Width: 20, Height: 20, ObjectRadius: 10, ObjectsPerType: 2}}, http.StatusUnprocessableEntity, ErrTypePlacementExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/v1/layout", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.errType, w.Header().Get("X-Error-Type"))

			e := decodeBody[EngineError](t, w)
			assert.Equal(t, tt.errType, e.Type)
			assert.NotEmpty(t, e.RequestID)
		})
	}
}

func TestVerifyPersistsAndLists(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{Seed: "42"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[VerifyResponse](t, w)

	assert.NotEmpty(t, resp.ID)
	assert.Nil(t, resp.Outcome.Objects)
	require.NotNil(t, resp.Outcome.Winner)
	// Without a collider every type survives until the timeout, so the
	// majority tie goes to rock.
	assert.Equal(t, arena.Rock, *resp.Outcome.Winner)
	assert.True(t, resp.Outcome.TimedOut)
	assert.Equal(t, 3600, resp.Outcome.Ticks)
	assert.NotEqual(t, resp.LayoutDigest, resp.FinalDigest)

	w = do(t, s, http.MethodGet, "/api/v1/verifications/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored := decodeBody[store.Verification](t, w)
	assert.Equal(t, resp.FinalDigest, stored.FinalDigest)
	assert.Equal(t, "rock", stored.Winner)
	assert.Equal(t, resp.SeedHash, stored.SeedHash)

	do(t, s, http.MethodPost, "/api/v1/verify", VerifyRequest{Seed: "43"})

	w = do(t, s, http.MethodGet, "/api/v1/verifications?seed=42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[VerificationsResponse](t, w)
	require.Len(t, list.Verifications, 1)
	assert.Equal(t, resp.ID, list.Verifications[0].ID)

	w = do(t, s, http.MethodGet, "/api/v1/verifications", nil)
	assert.Equal(t, 2, decodeBody[VerificationsResponse](t, w).TotalCount)

	w = do(t, s, http.MethodGet, "/api/v1/verifications/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifyReplaysIdentically(t *testing.T) {
	s := newTestServer(t)
	req := VerifyRequest{Seed: "0x1f", IncludeObjects: true}
	req.Sim = &sim.Options{MaxTicks: 120}

	first := decodeBody[VerifyResponse](t, do(t, s, http.MethodPost, "/api/v1/verify", req))
	second := decodeBody[VerifyResponse](t, do(t, s, http.MethodPost, "/api/v1/verify", req))

	assert.Equal(t, "31", first.Seed)
	assert.Equal(t, 120, first.Outcome.Ticks)
	assert.Len(t, first.Outcome.Objects, 15)
	assert.Equal(t, first.FinalDigest, second.FinalDigest)
	assert.Equal(t, first.Outcome.Objects, second.Outcome.Objects)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 60.0, first.Sim.TickRate)

	req.Sim = &sim.Options{MaxTicks: maxSimTicks + 1}
	w := do(t, s, http.MethodPost, "/api/v1/verify", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrTypeInvalidConfig, w.Header().Get("X-Error-Type"))
}

func TestScanPersistsRun(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/scan", ScanRequest{
		Metric:    "min_gap",
		SeedStart: "1000",
		Count:     20,
		TargetOp:  ">=",
		TargetVal: 0,
		Limit:     10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[ScanResponse](t, w)

	require.NotEmpty(t, resp.RunID)
	assert.Len(t, resp.Hits, 10)
	assert.Equal(t, 20, resp.Summary.HitsFound)
	assert.Equal(t, "ge", resp.Echo.TargetOp)
	assert.Equal(t, 10, resp.Echo.Limit)
	require.NotNil(t, resp.Echo.Arena)
	assert.Equal(t, arena.DefaultArenaConfig(), *resp.Echo.Arena)

	w = do(t, s, http.MethodGet, "/api/v1/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	run := decodeBody[store.Run](t, w)
	assert.Equal(t, 20, run.HitCount)
	assert.Equal(t, uint64(20), run.TotalEvaluated)
	assert.Equal(t, "1000", run.SeedStart)
	require.NotNil(t, run.SummaryMin)
	assert.Equal(t, resp.Summary.MinMetric, *run.SummaryMin)

	w = do(t, s, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/hits?perPage=4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hits := decodeBody[store.HitsPage](t, w)
	assert.Equal(t, 10, hits.TotalCount)
	assert.Equal(t, 3, hits.TotalPages)
	require.Len(t, hits.Hits, 4)
	assert.Equal(t, "1000", hits.Hits[0].Seed)
	require.NotNil(t, hits.Hits[1].DeltaOffset)
	assert.Equal(t, uint64(1), *hits.Hits[1].DeltaOffset)

	w = do(t, s, http.MethodGet, "/api/v1/runs?metric=min_gap", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[store.RunsList](t, w).TotalCount)

	w = do(t, s, http.MethodGet, "/api/v1/runs/missing/hits", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScanValidation(t *testing.T) {
	s := newTestServer(t)
	valid := func() ScanRequest {
		return ScanRequest{Metric: "min_gap", SeedStart: "1", Count: 10}
	}

	tests := []struct {
		name    string
		mutate  func(*ScanRequest)
		errType string
	}{
		{"missing metric", func(r *ScanRequest) { r.Metric = "" }, ErrTypeValidation},
		{"unknown metric", func(r *ScanRequest) { r.Metric = "luck" }, ErrTypeMetricNotFound},
		{"zero count", func(r *ScanRequest) { r.Count = 0 }, ErrTypeValidation},
		{"count above server limit", func(r *ScanRequest) { r.Count = 1001 }, ErrTypeValidation},
		{"bad seed", func(r *ScanRequest) { r.SeedStart = "one" }, ErrTypeInvalidSeed},
		{"bad op", func(r *ScanRequest) { r.TargetOp = "~" }, ErrTypeValidation},
		{"inverted range", func(r *ScanRequest) {
			r.TargetOp = "between"
			r.TargetVal = 5
			r.TargetVal2 = 1
		}, ErrTypeValidation},
		{"limit too large", func(r *ScanRequest) { r.Limit = maxScanLimit + 1 }, ErrTypeValidation},
		{"script too large", func(r *ScanRequest) { r.Script = strings.Repeat(" ", maxScriptBytes+1) }, ErrTypeValidation},
		{"script without match", func(r *ScanRequest) { r.Script = "var x = 1" }, ErrTypeValidation},
		{"bad arena", func(r *ScanRequest) { r.Arena = &arena.ArenaConfig{} }, ErrTypeInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			w := do(t, s, http.MethodPost, "/api/v1/scan", req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.errType, decodeBody[EngineError](t, w).Type)
		})
	}

	// Rejected scans leave no runs behind.
	w := do(t, s, http.MethodGet, "/api/v1/runs", nil)
	assert.Zero(t, decodeBody[store.RunsList](t, w).TotalCount)
}

type betJSON struct {
	Bettor string `json:"bettor"`
	Pick   string `json:"pick"`
	Amount string `json:"amount"`
}

func TestSettleEndpoint(t *testing.T) {
	s := newTestServer(t)
	paper := arena.Paper
	bets := []betJSON{
		{Bettor: "a", Pick: "rock", Amount: "20"},
		{Bettor: "b", Pick: "paper", Amount: "20"},
		{Bettor: "c", Pick: "paper", Amount: "60"},
	}

	w := do(t, s, http.MethodPost, "/api/v1/settle", map[string]any{"bets": bets, "fee_bps": 500, "winner": paper})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[SettleResponse](t, w)
	require.NotNil(t, resp.Settlement)
	assert.True(t, decimal.RequireFromString("5").Equal(resp.Fee))
	assert.True(t, resp.Payouts[0].Payout.IsZero())
	assert.True(t, decimal.RequireFromString("23.75").Equal(resp.Payouts[1].Payout))
	assert.True(t, decimal.RequireFromString("71.25").Equal(resp.Payouts[2].Payout))
	assert.True(t, resp.Pool.Equal(resp.Fee.Add(resp.Total())))
	assert.Nil(t, resp.Outcome)

	// Settling on a seed uses the simulated winner.
	w = do(t, s, http.MethodPost, "/api/v1/settle", map[string]any{
		"bets": bets, "fee_bps": 0, "seed": "7", "sim": map[string]any{"max_ticks": 10},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeBody[SettleResponse](t, w)
	require.NotNil(t, resp.Outcome)
	require.NotNil(t, resp.Winner)
	assert.Equal(t, *resp.Outcome.Winner, *resp.Winner)
	assert.Equal(t, 10, resp.Outcome.Ticks)

	// No winner refunds.
	w = do(t, s, http.MethodPost, "/api/v1/settle", map[string]any{"bets": bets, "fee_bps": 500})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[SettleResponse](t, w).Refunded)

	w = do(t, s, http.MethodPost, "/api/v1/settle", map[string]any{"bets": bets, "winner": "rock", "seed": "7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/settle", map[string]any{"bets": []betJSON{}, "fee_bps": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/settle", map[string]any{"bets": bets, "fee_bps": 20_000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutingErrors(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrTypeNotFound, decodeBody[EngineError](t, w).Type)

	w = do(t, s, http.MethodDelete, "/api/v1/metrics", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/verify", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	s.opts.AllowedOrigins = []string{"https://arena.example"}
	assert.False(t, s.originAllowed("http://localhost:5173"))
	assert.True(t, s.originAllowed("https://arena.example"))
	assert.True(t, s.originAllowed(""))
}

func TestStream(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream?seed=99&max_ticks=30&every=10"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msgs []streamMessage
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		msgs = append(msgs, msg)
	}

	// Ticks 0, 10 and 20, then the final state at 30.
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, "frame", m.Type)
		assert.Equal(t, "99", m.Seed)
		require.NotNil(t, m.Frame)
		assert.Equal(t, i*10, m.Frame.Tick)
		assert.Len(t, m.Frame.Objects, 15)
	}
	last := msgs[len(msgs)-1].Frame
	assert.True(t, last.Done)
	require.NotNil(t, last.Outcome)
	assert.True(t, last.Outcome.TimedOut)
}

func TestStreamRejectsBadSeedBeforeUpgrade(t *testing.T) {
	w := do(t, newTestServer(t), http.MethodGet, "/api/v1/stream?seed=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrTypeInvalidSeed, decodeBody[EngineError](t, w).Type)
}
