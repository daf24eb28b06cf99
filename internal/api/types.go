package api

import (
	"bytes"
	"encoding/json"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/metrics"
	"github.com/MJE43/rps-arena-replay/internal/scan"
	"github.com/MJE43/rps-arena-replay/internal/settle"
	"github.com/MJE43/rps-arena-replay/internal/sim"
	"github.com/MJE43/rps-arena-replay/internal/store"
)

// SeedParam accepts a seed as a JSON string or a bare JSON number. Numbers
// are kept as their literal text so integers beyond 2^53 survive decoding.
type SeedParam string

func (s *SeedParam) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = SeedParam(str)
		return nil
	}
	*s = SeedParam(b)
	return nil
}

// LayoutRequest asks for the initial placement of a seed.
type LayoutRequest struct {
	Seed  SeedParam          `json:"seed"`
	Arena *arena.ArenaConfig `json:"arena,omitempty"`
}

// LayoutResponse is the placement a client must reproduce.
type LayoutResponse struct {
	Seed           string             `json:"seed"`
	SeedHash       string             `json:"seed_hash"`
	NormalizedSeed uint64             `json:"normalized_seed"`
	Arena          arena.ArenaConfig  `json:"arena"`
	Objects        []arena.GameObject `json:"objects"`
	Counts         arena.ObjectCounts `json:"counts"`
	Digest         string             `json:"digest"`
	EngineVersion  string             `json:"engine_version"`
}

// VerifyRequest replays a seed through placement and simulation.
type VerifyRequest struct {
	Seed           SeedParam          `json:"seed"`
	Arena          *arena.ArenaConfig `json:"arena,omitempty"`
	Sim            *sim.Options       `json:"sim,omitempty"`
	IncludeObjects bool               `json:"include_objects,omitempty"`
}

// VerifyResponse is a persisted verification.
type VerifyResponse struct {
	ID            string             `json:"id"`
	Seed          string             `json:"seed"`
	SeedHash      string             `json:"seed_hash"`
	Arena         arena.ArenaConfig  `json:"arena"`
	Sim           sim.Options        `json:"sim"`
	LayoutDigest  string             `json:"layout_digest"`
	FinalDigest   string             `json:"final_digest"`
	InitialCounts arena.ObjectCounts `json:"initial_counts"`
	Outcome       sim.Outcome        `json:"outcome"`
	EngineVersion string             `json:"engine_version"`
}

// ScanRequest is the wire form of a scan.
type ScanRequest struct {
	Metric     string             `json:"metric"`
	SeedStart  SeedParam          `json:"seed_start"`
	Count      uint64             `json:"count"`
	Arena      *arena.ArenaConfig `json:"arena,omitempty"`
	Params     map[string]any     `json:"params,omitempty"`
	TargetOp   string             `json:"target_op"`
	TargetVal  float64            `json:"target_val"`
	TargetVal2 float64            `json:"target_val2,omitempty"`
	Tolerance  float64            `json:"tolerance"`
	Limit      int                `json:"limit,omitempty"`
	TimeoutMs  int                `json:"timeout_ms,omitempty"`
	Script     string             `json:"script,omitempty"`
}

// ScanResponse is the scan result plus the id of the stored run.
type ScanResponse struct {
	RunID         string       `json:"run_id"`
	Hits          []scan.Hit   `json:"hits"`
	Summary       scan.Summary `json:"summary"`
	EngineVersion string       `json:"engine_version"`
	Echo          ScanRequest  `json:"echo"`
}

// MetricsResponse lists the scannable metrics.
type MetricsResponse struct {
	Metrics       []metrics.MetricSpec `json:"metrics"`
	EngineVersion string               `json:"engine_version"`
}

// SettleRequest settles bets either on an explicit winner or on the
// simulated outcome of Seed. Exactly one of Winner and Seed may be set;
// neither means no winner.
type SettleRequest struct {
	Bets   []settle.Bet       `json:"bets"`
	FeeBps int64              `json:"fee_bps"`
	Winner *arena.ObjectType  `json:"winner,omitempty"`
	Seed   SeedParam          `json:"seed,omitempty"`
	Arena  *arena.ArenaConfig `json:"arena,omitempty"`
	Sim    *sim.Options       `json:"sim,omitempty"`
}

// SettleResponse is a settlement preview.
type SettleResponse struct {
	*settle.Settlement
	Outcome       *sim.Outcome `json:"outcome,omitempty"`
	EngineVersion string       `json:"engine_version"`
}

// VerificationsResponse wraps a verification listing.
type VerificationsResponse struct {
	*store.VerificationsList
	EngineVersion string `json:"engine_version"`
}

// SeedHashRequest asks for the published commitment of a seed.
type SeedHashRequest struct {
	Seed SeedParam `json:"seed"`
}

// SeedHashResponse carries the SHA-256 of the seed's canonical decimal form.
type SeedHashResponse struct {
	Hash           string `json:"hash"`
	NormalizedSeed uint64 `json:"normalized_seed"`
	EngineVersion  string `json:"engine_version"`
}
