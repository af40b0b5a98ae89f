// Package backoff provides exponential backoff delay sequences with jitter
// for retrying transient upstream failures.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Jitter bounds: each delay is scaled by a uniform factor in this range
// so that synchronized retries from independent callers fan out.
const (
	jitterMin = 0.8
	jitterMax = 1.2
)

// Config configures a backoff policy.
type Config struct {
	// InitialDelay is the delay returned by the first NextDelay call.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Factor is the exponential growth multiplier between attempts.
	Factor float64 `yaml:"factor"`
	// Jitter enables random scaling of each delay within [0.8, 1.2].
	Jitter bool `yaml:"jitter"`
}

// DefaultConfig returns the backoff configuration used by the gateway.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Policy generates a growing sequence of retry delays. It tracks how many
// delays it has handed out; callers own the retry cap and decide when to
// stop asking.
type Policy struct {
	mu       sync.Mutex
	config   Config
	attempts int
}

// New creates a backoff policy with the given configuration.
// Zero or negative config values fall back to defaults.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Factor <= 1 {
		cfg.Factor = def.Factor
	}
	return &Policy{config: cfg}
}

// NextDelay returns the delay to wait before the next attempt and advances
// the internal attempt counter.
func (p *Policy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.Factor, float64(p.attempts-1))
	if p.config.Jitter {
		delay *= jitterMin + rand.Float64()*(jitterMax-jitterMin)
	}
	if capped := float64(p.config.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// Reset zeroes the attempt counter so the sequence starts over.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Attempts returns how many delays have been handed out since the last reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
