package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteDB implements DB on SQLite.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path. ":memory:" gives a private
// in-memory database.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite is not concurrent for writes, and :memory: is per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending embedded migrations.
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	provider, err := s.provider()
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration version.
func (s *SQLiteDB) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := s.provider()
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

func (s *SQLiteDB) provider() (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return provider, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --------- Verifications ---------

const verificationColumns = `id, seed, seed_hash, arena_json, tick_rate, max_ticks,
	layout_digest, final_digest, winner, ticks, timed_out, engine_version, created_at`

// SaveVerification inserts v, assigning ID and CreatedAt when unset.
func (s *SQLiteDB) SaveVerification(ctx context.Context, v *Verification) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	var winner sql.NullString
	if v.Winner != "" {
		winner = sql.NullString{String: v.Winner, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO verifications (`+verificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Seed, v.SeedHash, v.ArenaJSON, v.TickRate, v.MaxTicks,
		v.LayoutDigest, v.FinalDigest, winner, v.Ticks, v.TimedOut, v.EngineVersion, v.CreatedAt,
	)
	return err
}

// GetVerification retrieves a verification by ID.
func (s *SQLiteDB) GetVerification(ctx context.Context, id string) (*Verification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE id = ?`, id)
	v, err := scanVerification(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// ListVerifications returns verifications newest first.
func (s *SQLiteDB) ListVerifications(ctx context.Context, query VerificationsQuery) (*VerificationsList, error) {
	where := ""
	args := []any{}
	if query.SeedHash != "" {
		where = "WHERE seed_hash = ?"
		args = append(args, query.SeedHash)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM verifications "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}
	page, perPage, offset, totalPages := paginate(total, query.Page, query.PerPage, defaultRunsPerPage)

	rows, err := s.db.QueryContext(ctx, `SELECT `+verificationColumns+` FROM verifications `+where+`
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, perPage, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer rows.Close()

	list := []Verification{}
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		list = append(list, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verifications: %w", err)
	}

	return &VerificationsList{
		Verifications: list,
		TotalCount:    total,
		Page:          page,
		PerPage:       perPage,
		TotalPages:    totalPages,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(r rowScanner) (*Verification, error) {
	var v Verification
	var winner sql.NullString
	err := r.Scan(&v.ID, &v.Seed, &v.SeedHash, &v.ArenaJSON, &v.TickRate, &v.MaxTicks,
		&v.LayoutDigest, &v.FinalDigest, &winner, &v.Ticks, &v.TimedOut, &v.EngineVersion, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Winner = winner.String
	return &v, nil
}

// --------- Scan runs ---------

const runColumns = `id, metric, seed_start, seed_start_hash, seed_count, arena_json, params_json,
	target_op, target_val, target_val2, tolerance, hit_limit, script, timed_out,
	hit_count, total_evaluated, placement_fails, summary_min, summary_max, summary_mean,
	engine_version, created_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// SaveRun inserts run, assigning ID and CreatedAt when unset.
func (s *SQLiteDB) SaveRun(ctx context.Context, run *Run) error {
	return insertRun(ctx, s.db, run)
}

// SaveRunWithHits inserts run and its hits in one transaction, so a failed
// write leaves neither behind.
func (s *SQLiteDB) SaveRunWithHits(ctx context.Context, run *Run, hits []Hit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := insertHits(ctx, tx, run.ID, hits); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRun(ctx context.Context, ex execer, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.ParamsJSON == "" {
		run.ParamsJSON = "{}"
	}

	_, err := ex.ExecContext(ctx, `INSERT INTO scan_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Metric, run.SeedStart, run.SeedStartHash, run.Count, run.ArenaJSON, run.ParamsJSON,
		run.TargetOp, run.TargetVal, run.TargetVal2, run.Tolerance, run.HitLimit, run.Script, run.TimedOut,
		run.HitCount, run.TotalEvaluated, run.PlacementFails, run.SummaryMin, run.SummaryMax, run.SummaryMean,
		run.EngineVersion, run.CreatedAt,
	)
	return err
}

// UpdateRun overwrites the result columns of an existing run.
func (s *SQLiteDB) UpdateRun(ctx context.Context, run *Run) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scan_runs SET
		timed_out = ?, hit_count = ?, total_evaluated = ?, placement_fails = ?,
		summary_min = ?, summary_max = ?, summary_mean = ?
		WHERE id = ?`,
		run.TimedOut, run.HitCount, run.TotalEvaluated, run.PlacementFails,
		run.SummaryMin, run.SummaryMax, run.SummaryMean, run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveHits saves hits for runID in one transaction.
func (s *SQLiteDB) SaveHits(ctx context.Context, runID string, hits []Hit) error {
	if len(hits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertHits(ctx, tx, runID, hits); err != nil {
		return err
	}
	return tx.Commit()
}

func insertHits(ctx context.Context, ex execer, runID string, hits []Hit) error {
	if len(hits) == 0 {
		return nil
	}

	stmt, err := ex.PrepareContext(ctx, "INSERT INTO scan_hits (run_id, seed, seed_offset, metric, details) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, hit := range hits {
		var details sql.NullString
		if hit.Details != "" {
			details = sql.NullString{String: hit.Details, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, runID, hit.Seed, hit.Offset, hit.Metric, details); err != nil {
			return err
		}
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteDB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by metric.
func (s *SQLiteDB) ListRuns(ctx context.Context, query RunsQuery) (*RunsList, error) {
	where := ""
	args := []any{}
	if query.Metric != "" {
		where = "WHERE metric = ?"
		args = append(args, query.Metric)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_runs "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}
	page, perPage, offset, totalPages := paginate(total, query.Page, query.PerPage, defaultRunsPerPage)

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM scan_runs `+where+`
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, perPage, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return &RunsList{
		Runs:       runs,
		TotalCount: total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
	}, nil
}

func scanRun(r rowScanner) (*Run, error) {
	var run Run
	var summaryMin, summaryMax, summaryMean sql.NullFloat64
	err := r.Scan(
		&run.ID, &run.Metric, &run.SeedStart, &run.SeedStartHash, &run.Count, &run.ArenaJSON, &run.ParamsJSON,
		&run.TargetOp, &run.TargetVal, &run.TargetVal2, &run.Tolerance, &run.HitLimit, &run.Script, &run.TimedOut,
		&run.HitCount, &run.TotalEvaluated, &run.PlacementFails, &summaryMin, &summaryMax, &summaryMean,
		&run.EngineVersion, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if summaryMin.Valid {
		run.SummaryMin = &summaryMin.Float64
	}
	if summaryMax.Valid {
		run.SummaryMax = &summaryMax.Float64
	}
	if summaryMean.Valid {
		run.SummaryMean = &summaryMean.Float64
	}
	return &run, nil
}

// GetRunHits retrieves a page of hits ordered by offset, with the distance
// from each hit to the one before it.
func (s *SQLiteDB) GetRunHits(ctx context.Context, runID string, page, perPage int) (*HitsPage, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM scan_runs WHERE id = ?", runID).Scan(&exists); err != nil {
		return nil, notFound(err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_hits WHERE run_id = ?", runID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get hits count: %w", err)
	}
	page, perPage, offset, totalPages := paginate(total, page, perPage, defaultHitsPerPage)

	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, seed, seed_offset, metric, details
		FROM scan_hits WHERE run_id = ?
		ORDER BY seed_offset
		LIMIT ? OFFSET ?`, runID, perPage, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query hits: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var details sql.NullString
		if err := rows.Scan(&hit.ID, &hit.RunID, &hit.Seed, &hit.Offset, &hit.Metric, &details); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hit.Details = details.String
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hits: %w", err)
	}

	withDelta := make([]HitWithDelta, len(hits))
	for i, hit := range hits {
		withDelta[i] = HitWithDelta{Hit: hit}
		if i > 0 {
			delta := hit.Offset - hits[i-1].Offset
			withDelta[i].DeltaOffset = &delta
			continue
		}
		if page == 1 {
			continue
		}
		// First hit of a later page: measure from the last hit of the previous page.
		var prev uint64
		err := s.db.QueryRowContext(ctx,
			`SELECT seed_offset FROM scan_hits WHERE run_id = ? AND seed_offset < ? ORDER BY seed_offset DESC LIMIT 1`,
			runID, hit.Offset).Scan(&prev)
		switch {
		case err == nil:
			delta := hit.Offset - prev
			withDelta[i].DeltaOffset = &delta
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to query previous hit: %w", err)
		}
	}

	return &HitsPage{
		Hits:       withDelta,
		TotalCount: total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
	}, nil
}
