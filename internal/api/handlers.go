package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/engine"
	"github.com/MJE43/rps-arena-replay/internal/metrics"
	"github.com/MJE43/rps-arena-replay/internal/scan"
	"github.com/MJE43/rps-arena-replay/internal/settle"
	"github.com/MJE43/rps-arena-replay/internal/sim"
	"github.com/MJE43/rps-arena-replay/internal/store"
)

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, MetricsResponse{
		Metrics:       metrics.List(),
		EngineVersion: EngineVersion,
	})
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	var req LayoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	seed, err := engine.ParseSeed(string(req.Seed))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.resolveArena(req.Arena)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, LayoutResponse{
		Seed:           seed.String(),
		SeedHash:       engine.HashSeed(seed),
		NormalizedSeed: engine.NewSeededRNG(seed).State(),
		Arena:          cfg,
		Objects:        objects,
		Counts:         arena.GetObjectCounts(objects),
		Digest:         arena.Digest(objects),
		EngineVersion:  EngineVersion,
	})
}

// handleSeedHash returns the commitment for a seed. Only the hash is logged.
func (s *Server) handleSeedHash(w http.ResponseWriter, r *http.Request) {
	var req SeedHashRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	seed, err := engine.ParseSeed(string(req.Seed))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	hash := engine.HashSeed(seed)
	s.logger.Debug().Str("seed_hash", hash).Msg("seed hash computed")

	s.writeJSON(w, http.StatusOK, SeedHashResponse{
		Hash:           hash,
		NormalizedSeed: engine.NewSeededRNG(seed).State(),
		EngineVersion:  EngineVersion,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	seed, err := engine.ParseSeed(string(req.Seed))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.resolveArena(req.Arena)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := s.resolveSim(req.Sim)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runner, err := sim.NewRunner(opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	objects, err := arena.GenerateFromSeed(seed, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := runner.Run(r.Context(), objects, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	arenaJSON, err := marshalString(cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	v := &store.Verification{
		Seed:          seed.String(),
		SeedHash:      engine.HashSeed(seed),
		ArenaJSON:     arenaJSON,
		TickRate:      opts.TickRate,
		MaxTicks:      opts.MaxTicks,
		LayoutDigest:  arena.Digest(objects),
		FinalDigest:   arena.Digest(out.Objects),
		Winner:        winnerName(out.Winner),
		Ticks:         out.Ticks,
		TimedOut:      out.TimedOut,
		EngineVersion: EngineVersion,
	}
	if err := s.db.SaveVerification(r.Context(), v); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info().
		Str("verification_id", v.ID).
		Str("seed_hash", v.SeedHash).
		Str("winner", v.Winner).
		Int("ticks", out.Ticks).
		Bool("timed_out", out.TimedOut).
		Msg("verification completed")

	if !req.IncludeObjects {
		out.Objects = nil
	}
	s.writeJSON(w, http.StatusOK, VerifyResponse{
		ID:            v.ID,
		Seed:          v.Seed,
		SeedHash:      v.SeedHash,
		Arena:         cfg,
		Sim:           opts,
		LayoutDigest:  v.LayoutDigest,
		FinalDigest:   v.FinalDigest,
		InitialCounts: arena.GetObjectCounts(objects),
		Outcome:       *out,
		EngineVersion: EngineVersion,
	})
}

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	v, err := s.db.GetVerification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

// handleListVerifications pages stored verifications. ?seed= filters by the
// hash of the given seed, so the seed itself is never matched in SQL.
func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	query := store.VerificationsQuery{
		Page:    clampInt(qInt(r, "page", 1), 1, 1_000_000),
		PerPage: clampInt(qInt(r, "perPage", 50), 1, 500),
	}
	if raw := r.URL.Query().Get("seed"); raw != "" {
		seed, err := engine.ParseSeed(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		query.SeedHash = engine.HashSeed(seed)
	}

	list, err := s.db.ListVerifications(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, VerificationsResponse{VerificationsList: list, EngineVersion: EngineVersion})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	scanReq, err := s.scanRequest(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seedStart, err := engine.ParseSeed(scanReq.SeedStart)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seedHash := engine.HashSeed(seedStart)

	started := time.Now()
	result, err := s.scanner.Scan(r.Context(), scanReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.persistRun(r, scanReq, seedStart.String(), seedHash, result.Hits, result.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("metric", scanReq.Metric).
		Str("seed_hash", seedHash).
		Uint64("count", scanReq.Count).
		Uint64("evaluated", result.Summary.TotalEvaluated).
		Int("hits", result.Summary.HitsFound).
		Bool("timed_out", result.Summary.TimedOut).
		Dur("duration", time.Since(started)).
		Msg("scan completed")

	echo := req
	echo.TargetOp = string(result.Echo.TargetOp)
	echo.Tolerance = result.Echo.Tolerance
	echo.Limit = result.Echo.Limit
	echo.TimeoutMs = result.Echo.TimeoutMs
	echo.Arena = &result.Echo.Arena

	s.writeJSON(w, http.StatusOK, ScanResponse{
		RunID:         run.ID,
		Hits:          result.Hits,
		Summary:       result.Summary,
		EngineVersion: EngineVersion,
		Echo:          echo,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(r.Context(), store.RunsQuery{
		Metric:  r.URL.Query().Get("metric"),
		Page:    clampInt(qInt(r, "page", 1), 1, 1_000_000),
		PerPage: clampInt(qInt(r, "perPage", 50), 1, 500),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunHits(w http.ResponseWriter, r *http.Request) {
	page, err := s.db.GetRunHits(r.Context(), chi.URLParam(r, "id"),
		clampInt(qInt(r, "page", 1), 1, 1_000_000),
		clampInt(qInt(r, "perPage", 100), 1, 500),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

// handleSettle previews a pari-mutuel settlement. Nothing is persisted.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Bets) > maxBets {
		s.writeError(w, r, invalidField("bets", "must not exceed %d entries", maxBets))
		return
	}
	if req.Winner != nil && req.Seed != "" {
		s.writeError(w, r, invalidField("winner", "cannot be combined with seed"))
		return
	}

	winner := req.Winner
	var outcome *sim.Outcome
	if req.Seed != "" {
		seed, err := engine.ParseSeed(string(req.Seed))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cfg, err := s.resolveArena(req.Arena)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts, err := s.resolveSim(req.Sim)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		runner, err := sim.NewRunner(opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		objects, err := arena.GenerateFromSeed(seed, cfg)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if outcome, err = runner.Run(r.Context(), objects, cfg); err != nil {
			s.writeError(w, r, err)
			return
		}
		outcome.Objects = nil
		winner = outcome.Winner
	}

	settlement, err := settle.Settle(req.Bets, winner, req.FeeBps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SettleResponse{
		Settlement:    settlement,
		Outcome:       outcome,
		EngineVersion: EngineVersion,
	})
}

func winnerName(w *arena.ObjectType) string {
	if w == nil {
		return ""
	}
	return string(*w)
}

// persistRun stores a finished scan and its returned hits.
func (s *Server) persistRun(r *http.Request, req scan.ScanRequest, seedStart, seedHash string, hits []scan.Hit, summary scan.Summary) (*store.Run, error) {
	arenaJSON, err := marshalString(req.Arena)
	if err != nil {
		return nil, err
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := marshalString(params)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		Metric:         req.Metric,
		SeedStart:      seedStart,
		SeedStartHash:  seedHash,
		Count:          req.Count,
		ArenaJSON:      arenaJSON,
		ParamsJSON:     paramsJSON,
		TargetOp:       string(req.TargetOp),
		TargetVal:      req.TargetVal,
		TargetVal2:     req.TargetVal2,
		Tolerance:      req.Tolerance,
		HitLimit:       req.Limit,
		Script:         req.Script,
		TimedOut:       summary.TimedOut,
		HitCount:       summary.HitsFound,
		TotalEvaluated: summary.TotalEvaluated,
		PlacementFails: summary.PlacementFails,
		EngineVersion:  EngineVersion,
	}
	if summary.HitsFound > 0 {
		run.SummaryMin = &summary.MinMetric
		run.SummaryMax = &summary.MaxMetric
		run.SummaryMean = &summary.MeanMetric
	}

	stored := make([]store.Hit, len(hits))
	for i, h := range hits {
		details, err := marshalString(h.Details)
		if err != nil {
			return nil, err
		}
		stored[i] = store.Hit{Seed: h.Seed, Offset: h.Offset, Metric: h.Metric, Details: details}
	}
	if err := s.db.SaveRunWithHits(r.Context(), run, stored); err != nil {
		return nil, err
	}
	return run, nil
}

func marshalString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return string(b), nil
}
