package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/engine"
	"github.com/MJE43/rps-arena-replay/internal/metrics"
	"github.com/MJE43/rps-arena-replay/internal/scripting"
)

const (
	defaultTolerance = 1e-9
	defaultLimit     = 1000
	batchSize        = 512
)

// ScanRequest describes a scan over seeds SeedStart .. SeedStart+Count-1.
type ScanRequest struct {
	Metric     string            `json:"metric"`
	SeedStart  string            `json:"seed_start"`
	Count      uint64            `json:"count"`
	Arena      arena.ArenaConfig `json:"arena"`
	Params     map[string]any    `json:"params,omitempty"`
	TargetOp   TargetOp          `json:"target_op"`
	TargetVal  float64           `json:"target_val"`
	TargetVal2 float64           `json:"target_val2,omitempty"`
	Tolerance  float64           `json:"tolerance"`
	Limit      int               `json:"limit,omitempty"`
	TimeoutMs  int               `json:"timeout_ms,omitempty"`
	Script     string            `json:"script,omitempty"`
}

// Hit is a seed whose metric matched.
type Hit struct {
	Seed    string         `json:"seed"`
	Offset  uint64         `json:"offset"`
	Metric  float64        `json:"metric"`
	Details map[string]any `json:"details,omitempty"`
}

// Summary aggregates over every matching seed, including hits beyond Limit.
type Summary struct {
	TotalEvaluated uint64  `json:"total_evaluated"`
	PlacementFails uint64  `json:"placement_fails"`
	HitsFound      int     `json:"hits_found"`
	MinMetric      float64 `json:"min_metric"`
	MaxMetric      float64 `json:"max_metric"`
	MeanMetric     float64 `json:"mean_metric"`
	TimedOut       bool    `json:"timed_out,omitempty"`
}

// ScanResult holds the lowest-offset hits up to Limit.
type ScanResult struct {
	Hits    []Hit       `json:"hits"`
	Summary Summary     `json:"summary"`
	Echo    ScanRequest `json:"echo"`
}

type scanJob struct {
	start, end uint64 // inclusive offsets
}

// Scanner evaluates a metric over seed ranges with a worker pool.
type Scanner struct {
	workerCount int
	logger      zerolog.Logger
}

// NewScanner creates a scanner with one worker per GOMAXPROCS.
func NewScanner(logger zerolog.Logger) *Scanner {
	return &Scanner{
		workerCount: runtime.GOMAXPROCS(0),
		logger:      logger.With().Str("component", "scan").Logger(),
	}
}

// WithWorkers overrides the worker count; n <= 0 keeps the default.
func (s *Scanner) WithWorkers(n int) *Scanner {
	if n > 0 {
		s.workerCount = n
	}
	return s
}

// Scan runs the request. A timeout is not an error: partial results are
// returned with Summary.TimedOut set. Hits are ordered by offset.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	metric, ok := metrics.Get(req.Metric)
	if !ok {
		return nil, ErrMetricNotFound
	}
	base, err := engine.ParseSeed(req.SeedStart)
	if err != nil {
		return nil, err
	}
	if req.Count == 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrInvalidRange)
	}
	if err := req.Arena.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if req.TargetOp == "" {
		req.TargetOp = OpGreaterEqual
	}
	op, err := ParseTargetOp(string(req.TargetOp))
	if err != nil {
		return nil, err
	}
	req.TargetOp = op
	if req.Tolerance == 0 {
		req.Tolerance = defaultTolerance
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	var filter *scripting.Filter
	if req.Script != "" {
		if filter, err = scripting.NewFilter(req.Script); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	evaluator := NewTargetEvaluator(req.TargetOp, req.TargetVal, req.TargetVal2, req.Tolerance)
	jobs := make(chan scanJob, s.workerCount*2)
	hits := make(chan Hit, 256)
	var evaluated, fails uint64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		generateJobs(gctx, jobs, req.Count)
		return nil
	})
	for i := 0; i < s.workerCount; i++ {
		w := &worker{
			metric:    metric,
			base:      base,
			cfg:       req.Arena,
			params:    req.Params,
			evaluator: evaluator,
			filter:    filter,
			jobs:      jobs,
			hits:      hits,
			evaluated: &evaluated,
			fails:     &fails,
		}
		g.Go(func() error { return w.run(gctx) })
	}

	collector := newCollector(req.Limit)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for h := range hits {
			collector.add(h)
		}
	}()

	werr := g.Wait()
	close(hits)
	<-collected

	timedOut := false
	if werr != nil {
		if !errors.Is(werr, context.DeadlineExceeded) && !errors.Is(werr, context.Canceled) {
			return nil, werr
		}
	}
	if err := ctx.Err(); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		timedOut = true
	}

	result := &ScanResult{
		Hits:    collector.result(),
		Summary: collector.summary(atomic.LoadUint64(&evaluated), atomic.LoadUint64(&fails), timedOut),
		Echo:    req,
	}

	s.logger.Debug().
		Str("metric", req.Metric).
		Uint64("count", req.Count).
		Uint64("evaluated", result.Summary.TotalEvaluated).
		Int("hits", result.Summary.HitsFound).
		Bool("timed_out", timedOut).
		Dur("elapsed", time.Since(started)).
		Msg("scan finished")

	return result, nil
}

type worker struct {
	metric    metrics.Metric
	base      *big.Int
	cfg       arena.ArenaConfig
	params    map[string]any
	evaluator *TargetEvaluator
	filter    *scripting.Filter
	jobs      <-chan scanJob
	hits      chan<- Hit
	evaluated *uint64
	fails     *uint64
}

func (w *worker) run(ctx context.Context) error {
	var script *scripting.Instance
	if w.filter != nil {
		var err error
		if script, err = w.filter.Instance(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	seed := new(big.Int)
	offset := new(big.Int)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-w.jobs:
			if !ok {
				return nil
			}
			for o := job.start; o <= job.end; o++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				seed.Add(w.base, offset.SetUint64(o))
				if err := w.evaluate(ctx, seed, o, script); err != nil {
					return err
				}
			}
		}
	}
}

func (w *worker) evaluate(ctx context.Context, seed *big.Int, offset uint64, script *scripting.Instance) error {
	res, err := w.metric.Evaluate(seed, w.cfg, w.params)
	atomic.AddUint64(w.evaluated, 1)
	if err != nil {
		if errors.Is(err, arena.ErrPlacementExhausted) {
			atomic.AddUint64(w.fails, 1)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !w.evaluator.Matches(res.Metric) {
		return nil
	}

	hit := Hit{Seed: seed.String(), Offset: offset, Metric: res.Metric, Details: res.Details}
	if script != nil {
		ok, err := script.Match(scripting.Hit{Seed: hit.Seed, Offset: offset, Metric: hit.Metric, Details: hit.Details})
		if err != nil {
			return fmt.Errorf("%w: seed %s: %v", ErrInvalidParams, hit.Seed, err)
		}
		if !ok {
			return nil
		}
	}

	select {
	case w.hits <- hit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// generateJobs splits [0, count) into batches.
func generateJobs(ctx context.Context, jobs chan<- scanJob, count uint64) {
	defer close(jobs)
	last := count - 1
	for start := uint64(0); start <= last; {
		end := start + batchSize - 1
		if end > last || end < start {
			end = last
		}
		select {
		case jobs <- scanJob{start: start, end: end}:
		case <-ctx.Done():
			return
		}
		if end == last {
			return
		}
		start = end + 1
	}
}

// collector keeps the limit lowest-offset hits, so the returned set does not
// depend on worker scheduling, plus running statistics over every hit.
type collector struct {
	limit int
	hits  []Hit
	found int
	min   float64
	max   float64
	sum   float64
}

func newCollector(limit int) *collector {
	return &collector{limit: limit, min: math.Inf(1), max: math.Inf(-1)}
}

func (c *collector) add(h Hit) {
	c.found++
	c.min = math.Min(c.min, h.Metric)
	c.max = math.Max(c.max, h.Metric)
	c.sum += h.Metric

	c.hits = append(c.hits, h)
	if len(c.hits) >= 2*c.limit {
		c.trim()
	}
}

func (c *collector) trim() {
	sort.Slice(c.hits, func(i, j int) bool { return c.hits[i].Offset < c.hits[j].Offset })
	if len(c.hits) > c.limit {
		c.hits = c.hits[:c.limit]
	}
}

func (c *collector) result() []Hit {
	c.trim()
	if c.hits == nil {
		return []Hit{}
	}
	return c.hits
}

func (c *collector) summary(evaluated, fails uint64, timedOut bool) Summary {
	s := Summary{
		TotalEvaluated: evaluated,
		PlacementFails: fails,
		HitsFound:      c.found,
		TimedOut:       timedOut,
	}
	if c.found > 0 {
		s.MinMetric = c.min
		s.MaxMetric = c.max
		s.MeanMetric = c.sum / float64(c.found)
	}
	return s
}
