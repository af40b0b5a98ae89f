// Package scraper implements a priority job queue with per-domain rate
// limiting for fetching web pages ahead of analysis. Scraping many sites
// without per-domain throttling trips target-site defenses; the limiter
// keeps each domain under a request budget while a global ceiling bounds
// total concurrency.
package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue; lower values run first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "normal"
	}
}

// ParsePriority converts a priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority %q", s)
	}
}

// Status is a job's state-machine position.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one scrape request moving through the queue.
type Job struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Domain      string     `json:"domain"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Err         string     `json:"error,omitempty"`

	// seq breaks priority ties in strict enqueue order, independent of
	// clock resolution.
	seq uint64
}

// ErrMissingURL is returned when a job is enqueued without a URL.
var ErrMissingURL = errors.New("job url is required")

// newJob validates rawURL and builds a queued job.
func newJob(rawURL string, priority Priority, maxRetries int, now time.Time) (*Job, error) {
	if rawURL == "" {
		return nil, ErrMissingURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return nil, fmt.Errorf("invalid job url %q", rawURL)
	}

	return &Job{
		ID:         uuid.New().String(),
		URL:        rawURL,
		Domain:     parsed.Hostname(),
		Priority:   priority,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}, nil
}

// clone returns a copy safe to hand to callers and event handlers.
func (j *Job) clone() *Job {
	c := *j
	return &c
}
