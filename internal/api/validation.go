package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/scan"
	"github.com/MJE43/rps-arena-replay/internal/sim"
)

const (
	maxBodyBytes   = 1 << 20
	maxScriptBytes = 16 << 10
	maxScanLimit   = 100_000
	maxSimTicks    = 1_000_000
	maxBets        = 10_000
)

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return invalidField("body", "request body exceeds %d bytes", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return invalidField("body", "request body is empty")
		default:
			return invalidField("body", "invalid JSON: %v", err)
		}
	}
	if dec.More() {
		return invalidField("body", "unexpected data after JSON object")
	}
	return nil
}

// resolveArena falls back to the server default and validates the result.
func (s *Server) resolveArena(cfg *arena.ArenaConfig) (arena.ArenaConfig, error) {
	c := s.opts.Arena
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return arena.ArenaConfig{}, err
	}
	return c, nil
}

// resolveSim fills zero fields from the server default.
func (s *Server) resolveSim(opts *sim.Options) (sim.Options, error) {
	o := s.opts.Sim
	if opts != nil {
		o = *opts
		if o.TickRate == 0 {
			o.TickRate = s.opts.Sim.TickRate
		}
		if o.MaxTicks == 0 {
			o.MaxTicks = s.opts.Sim.MaxTicks
		}
	}
	o = o.WithDefaults()
	if err := o.Validate(); err != nil {
		return sim.Options{}, err
	}
	if o.MaxTicks > maxSimTicks {
		return sim.Options{}, fmt.Errorf("%w: max ticks %d exceeds %d", sim.ErrInvalidOptions, o.MaxTicks, maxSimTicks)
	}
	return o, nil
}

// scanRequest validates the wire request against server limits and converts
// it for the scanner.
func (s *Server) scanRequest(req ScanRequest) (scan.ScanRequest, error) {
	if req.Metric == "" {
		return scan.ScanRequest{}, invalidField("metric", "is required")
	}
	if req.Count == 0 {
		return scan.ScanRequest{}, invalidField("count", "must be positive")
	}
	if s.opts.ScanMaxCount > 0 && req.Count > s.opts.ScanMaxCount {
		return scan.ScanRequest{}, invalidField("count", "must not exceed %d", s.opts.ScanMaxCount)
	}
	if req.Limit < 0 || req.Limit > maxScanLimit {
		return scan.ScanRequest{}, invalidField("limit", "must be between 0 and %d", maxScanLimit)
	}
	if req.Tolerance < 0 {
		return scan.ScanRequest{}, invalidField("tolerance", "must not be negative")
	}
	if req.TimeoutMs < 0 {
		return scan.ScanRequest{}, invalidField("timeout_ms", "must not be negative")
	}
	if len(req.Script) > maxScriptBytes {
		return scan.ScanRequest{}, invalidField("script", "must not exceed %d bytes", maxScriptBytes)
	}

	op := scan.OpGreaterEqual
	if req.TargetOp != "" {
		var err error
		if op, err = scan.ParseTargetOp(req.TargetOp); err != nil {
			return scan.ScanRequest{}, invalidField("target_op", "unknown operator %q", req.TargetOp)
		}
	}
	if (op == scan.OpBetween || op == scan.OpOutside) && req.TargetVal2 < req.TargetVal {
		return scan.ScanRequest{}, invalidField("target_val2", "must not be less than target_val")
	}

	cfg, err := s.resolveArena(req.Arena)
	if err != nil {
		return scan.ScanRequest{}, err
	}

	timeout := s.opts.ScanTimeout
	if req.TimeoutMs > 0 {
		requested := time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout <= 0 || requested < timeout {
			timeout = requested
		}
	}

	return scan.ScanRequest{
		Metric:     req.Metric,
		SeedStart:  string(req.SeedStart),
		Count:      req.Count,
		Arena:      cfg,
		Params:     req.Params,
		TargetOp:   op,
		TargetVal:  req.TargetVal,
		TargetVal2: req.TargetVal2,
		Tolerance:  req.Tolerance,
		Limit:      req.Limit,
		TimeoutMs:  int(timeout / time.Millisecond),
		Script:     req.Script,
	}, nil
}

// qInt reads an integer query parameter, returning def when absent or malformed.
func qInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
