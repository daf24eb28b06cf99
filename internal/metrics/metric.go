package metrics

import (
	"math/big"
	"sort"

	"github.com/MJE43/rps-arena-replay/internal/arena"
)

// Metric evaluates one number for a seed's layout. Metrics must be pure
// functions of (seed, config, params) and safe for concurrent use.
type Metric interface {
	Spec() MetricSpec
	Evaluate(seed *big.Int, cfg arena.ArenaConfig, params map[string]any) (Result, error)
}

// MetricSpec describes a registered metric.
type MetricSpec struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MetricLabel string `json:"metric_label"`
	Description string `json:"description"`
}

// Result is a metric value plus optional detail for display.
type Result struct {
	Metric      float64        `json:"metric"`
	MetricLabel string         `json:"metric_label"`
	Details     map[string]any `json:"details,omitempty"`
}

var registry = map[string]Metric{}

func register(m Metric) {
	registry[m.Spec().ID] = m
}

func init() {
	register(&MinGapMetric{})
	register(&MeanSpeedMetric{})
	register(&WallBouncesMetric{})
	register(&PlacementFailedMetric{})
}

// Get returns the metric registered under id.
func Get(id string) (Metric, bool) {
	m, ok := registry[id]
	return m, ok
}

// List returns all metric specs ordered by id.
func List() []MetricSpec {
	specs := make([]MetricSpec, 0, len(registry))
	for _, m := range registry {
		specs = append(specs, m.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// intParam reads an integer parameter that may arrive as a JSON number.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
