// Package usage records per-request token counts, cost, and latency for
// later aggregation. Records are immutable once written and live in a
// bounded in-memory ring; durable persistence is a caller concern.
package usage

import (
	"sync"
	"time"

	"github.com/jonesrussell/llm-gateway/internal/selection"
)

// DefaultCapacity is the maximum number of records retained.
const DefaultCapacity = 1000

// TokenUsage holds the token counts for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Record is one request's usage entry.
type Record struct {
	Model     string             `json:"model"`
	TaskType  selection.TaskType `json:"task_type"`
	Timestamp time.Time          `json:"timestamp"`
	Usage     TokenUsage         `json:"usage"`
	Cost      float64            `json:"cost"`
	UserID    string             `json:"user_id,omitempty"`
	// ResponseTime is nil for records without a measured latency.
	ResponseTime *time.Duration `json:"response_time_ms,omitempty"`
}

// ModelStats aggregates usage for one model or task type.
type ModelStats struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Stats is the aggregation returned by Ledger.Stats.
type Stats struct {
	TotalCost   float64                           `json:"total_cost"`
	TotalTokens int                               `json:"total_tokens"`
	ByModel     map[string]ModelStats             `json:"by_model"`
	ByTaskType  map[selection.TaskType]ModelStats `json:"by_task_type"`
}

// Config configures a Ledger.
type Config struct {
	// Enabled turns recording on. A disabled ledger ignores Record calls.
	Enabled bool `yaml:"enabled" env:"USAGE_TRACKING_ENABLED"`
	// Capacity bounds retained records; oldest are trimmed first.
	Capacity int `yaml:"capacity"`
	// CostPerToken is the rate used to price a record when the caller
	// does not supply a cost.
	CostPerToken float64 `yaml:"cost_per_token"`
}

// Ledger is the in-memory usage store.
type Ledger struct {
	mu       sync.RWMutex
	records  []Record
	enabled  bool
	capacity int
	rate     float64
	now      func() time.Time
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Ledger{
		enabled:  cfg.Enabled,
		capacity: cfg.Capacity,
		rate:     cfg.CostPerToken,
		now:      time.Now,
	}
}

// Record appends a usage record, stamping it with the current time and
// pricing it at the configured rate. No-op when the ledger is disabled.
func (l *Ledger) Record(rec Record) {
	if !l.enabled {
		return
	}

	rec.Timestamp = l.now()
	if rec.Cost == 0 && l.rate > 0 {
		rec.Cost = float64(rec.Usage.TotalTokens) * l.rate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if over := len(l.records) - l.capacity; over > 0 {
		l.records = l.records[over:]
	}
}

// Stats aggregates records within [start, end] inclusive, optionally
// filtered to one user.
func (l *Ledger) Stats(start, end time.Time, userID string) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		ByModel:    make(map[string]ModelStats),
		ByTaskType: make(map[selection.TaskType]ModelStats),
	}
	for _, r := range l.records {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		stats.TotalCost += r.Cost
		stats.TotalTokens += r.Usage.TotalTokens

		m := stats.ByModel[r.Model]
		m.Requests++
		m.Tokens += r.Usage.TotalTokens
		m.Cost += r.Cost
		stats.ByModel[r.Model] = m

		tt := stats.ByTaskType[r.TaskType]
		tt.Requests++
		tt.Tokens += r.Usage.TotalTokens
		tt.Cost += r.Cost
		stats.ByTaskType[r.TaskType] = tt
	}
	return stats
}

// Recent returns up to limit records, newest first.
func (l *Ledger) Recent(limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]Record, 0, limit)
	for i := len(l.records) - 1; i >= len(l.records)-limit; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// AverageResponseTime averages the measured latencies for model. The
// second return is false when no record for model carries a latency.
func (l *Ledger) AverageResponseTime(model string) (time.Duration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total time.Duration
	count := 0
	for _, r := range l.records {
		if r.Model != model || r.ResponseTime == nil {
			continue
		}
		total += *r.ResponseTime
		count++
	}
	if count == 0 {
		return 0, false
	}
	return total / time.Duration(count), true
}

// Len returns the number of retained records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
