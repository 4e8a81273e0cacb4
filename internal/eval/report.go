package eval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Failure classes counted in a report.
const (
	FailureDecode   = "decode_failure"
	FailureTool     = "tool_failure"
	FailureBudget   = "budget_exceeded"
	FailureProvider = "provider_failure"
	FailureMetric   = "metric_mismatch"
	FailureOther    = "error"
)

// Key uniquely identifies a report. Re-evaluation with an identical key is
// a cache hit, never a recomputation.
type Key struct {
	SignatureID string `json:"signature_id"`
	CompiledID  string `json:"compiled_id"`
	DatasetHash string `json:"dataset_hash"`
	Split       Split  `json:"split"`
	MetricID    string `json:"metric_id"`
}

// ExampleResult is one example's outcome, kept sorted by example id.
type ExampleResult struct {
	ExampleID string  `json:"example_id"`
	Score     float64 `json:"score"`
	Failure   string  `json:"failure,omitempty"`
	ReceiptID string  `json:"receipt_id,omitempty"`
}

// Distribution summarizes per-example scores.
type Distribution struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Report is the reproducible result of one evaluation.
type Report struct {
	Key        Key             `json:"key"`
	Aggregate  float64         `json:"aggregate"`
	Count      int             `json:"count"`
	Scores     Distribution    `json:"scores"`
	Failures   map[string]int  `json:"failures"`
	PerExample []ExampleResult `json:"per_example"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Cache stores reports by key.
type Cache interface {
	Get(ctx context.Context, key Key) (*Report, bool, error)
	Put(ctx context.Context, report *Report) error
}

// MemCache is the in-memory report cache.
type MemCache struct {
	mu    sync.RWMutex
	items map[Key]*Report
}

// NewMemCache returns an empty cache.
func NewMemCache() *MemCache {
	return &MemCache{items: make(map[Key]*Report)}
}

// Get implements Cache.
func (c *MemCache) Get(_ context.Context, key Key) (*Report, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.items[key]
	return r, ok, nil
}

// Put implements Cache.
func (c *MemCache) Put(_ context.Context, report *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[report.Key] = report
	return nil
}

// aggregate reduces sorted per-example results into the report summary.
// Results must already be ordered by example id so any processing order
// yields an identical report.
func aggregate(key Key, results []ExampleResult) *Report {
	report := &Report{
		Key:        key,
		Count:      len(results),
		Failures:   make(map[string]int),
		PerExample: results,
		CreatedAt:  time.Now().UTC(),
	}
	if len(results) == 0 {
		return report
	}

	scores := make([]float64, 0, len(results))
	var sum float64
	for _, r := range results {
		sum += r.Score
		scores = append(scores, r.Score)
		if r.Failure != "" {
			report.Failures[r.Failure]++
		}
	}
	sort.Float64s(scores)

	report.Aggregate = sum / float64(len(results))
	report.Scores = Distribution{
		Mean:   report.Aggregate,
		Min:    scores[0],
		Max:    scores[len(scores)-1],
		Median: scores[len(scores)/2],
	}
	return report
}
