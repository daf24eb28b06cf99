package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB represents the persistence interface used by the API.
type DB interface {
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	SaveVerification(ctx context.Context, v *Verification) error
	GetVerification(ctx context.Context, id string) (*Verification, error)
	ListVerifications(ctx context.Context, query VerificationsQuery) (*VerificationsList, error)

	SaveRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	SaveHits(ctx context.Context, runID string, hits []Hit) error
	SaveRunWithHits(ctx context.Context, run *Run, hits []Hit) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, query RunsQuery) (*RunsList, error)
	GetRunHits(ctx context.Context, runID string, page, perPage int) (*HitsPage, error)
}

const (
	defaultRunsPerPage = 50
	defaultHitsPerPage = 100
	maxPerPage         = 500
)

// Verification is a persisted replay of one seed: its layout digest and the
// simulated outcome.
type Verification struct {
	ID            string    `json:"id"`
	Seed          string    `json:"seed"`
	SeedHash      string    `json:"seed_hash"`
	ArenaJSON     string    `json:"arena_json"`
	TickRate      float64   `json:"tick_rate"`
	MaxTicks      int       `json:"max_ticks"`
	LayoutDigest  string    `json:"layout_digest"`
	FinalDigest   string    `json:"final_digest"`
	Winner        string    `json:"winner,omitempty"` // empty when there is no winner
	Ticks         int       `json:"ticks"`
	TimedOut      bool      `json:"timed_out"`
	EngineVersion string    `json:"engine_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerificationsQuery filters and pages verifications.
type VerificationsQuery struct {
	SeedHash string `json:"seed_hash,omitempty"`
	Page     int    `json:"page"`
	PerPage  int    `json:"perPage"`
}

// VerificationsList is a page of verifications, newest first.
type VerificationsList struct {
	Verifications []Verification `json:"verifications"`
	TotalCount    int            `json:"totalCount"`
	Page          int            `json:"page"`
	PerPage       int            `json:"perPage"`
	TotalPages    int            `json:"totalPages"`
}

// Run represents a scan run.
type Run struct {
	ID             string    `json:"id"`
	Metric         string    `json:"metric"`
	SeedStart      string    `json:"seed_start"`
	SeedStartHash  string    `json:"seed_start_hash"`
	Count          uint64    `json:"count"`
	ArenaJSON      string    `json:"arena_json"`
	ParamsJSON     string    `json:"params_json"`
	TargetOp       string    `json:"target_op"`
	TargetVal      float64   `json:"target_val"`
	TargetVal2     float64   `json:"target_val2"`
	Tolerance      float64   `json:"tolerance"`
	HitLimit       int       `json:"hit_limit"`
	Script         string    `json:"script,omitempty"`
	TimedOut       bool      `json:"timed_out"`
	HitCount       int       `json:"hit_count"`
	TotalEvaluated uint64    `json:"total_evaluated"`
	PlacementFails uint64    `json:"placement_fails"`
	SummaryMin     *float64  `json:"summary_min"`
	SummaryMax     *float64  `json:"summary_max"`
	SummaryMean    *float64  `json:"summary_mean"`
	EngineVersion  string    `json:"engine_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunsQuery represents query parameters for listing runs.
type RunsQuery struct {
	Metric  string `json:"metric,omitempty"`
	Page    int    `json:"page"`
	PerPage int    `json:"perPage"`
}

// RunsList represents a paginated runs response.
type RunsList struct {
	Runs       []Run `json:"runs"`
	TotalCount int   `json:"totalCount"`
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	TotalPages int   `json:"totalPages"`
}

// Hit represents a single matching seed of a run.
type Hit struct {
	ID      int64   `json:"id"`
	RunID   string  `json:"run_id"`
	Seed    string  `json:"seed"`
	Offset  uint64  `json:"offset"`
	Metric  float64 `json:"metric"`
	Details string  `json:"details"` // JSON string
}

// HitWithDelta is a hit plus the offset distance to the previous hit of the
// same run. DeltaOffset is nil for the run's first hit.
type HitWithDelta struct {
	Hit
	DeltaOffset *uint64 `json:"delta_offset,omitempty"`
}

// HitsPage represents a paginated hits response.
type HitsPage struct {
	Hits       []HitWithDelta `json:"hits"`
	TotalCount int            `json:"totalCount"`
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalPages int            `json:"totalPages"`
}

// paginate clamps page and perPage and returns the row offset and page count.
func paginate(total, page, perPage, def int) (int, int, int, int) {
	if perPage <= 0 {
		perPage = def
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if page <= 0 {
		page = 1
	}
	totalPages := (total + perPage - 1) / perPage
	return page, perPage, (page - 1) * perPage, totalPages
}
