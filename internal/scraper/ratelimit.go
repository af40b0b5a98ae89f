package scraper

import (
	"sync"
	"time"
)

// Per-domain limiter defaults.
const (
	DefaultRequestsPerMinute  = 10
	DefaultConcurrentRequests = 2

	rateWindow = time.Minute
)

// DomainLimit is the politeness budget for one domain.
type DomainLimit struct {
	// RequestsPerMinute caps dispatches within a sliding one-minute window.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// ConcurrentRequests caps simultaneous in-flight fetches.
	ConcurrentRequests int `yaml:"concurrent_requests" json:"concurrent_requests"`
}

// DefaultDomainLimit returns the budget applied to domains without an
// override.
func DefaultDomainLimit() DomainLimit {
	return DomainLimit{
		RequestsPerMinute:  DefaultRequestsPerMinute,
		ConcurrentRequests: DefaultConcurrentRequests,
	}
}

// domainState tracks one domain's recent dispatches. Created lazily and
// kept for the process lifetime.
type domainState struct {
	requestTimes []time.Time
	inflight     int
}

// rateLimiter enforces per-domain budgets with runtime-adjustable
// overrides.
type rateLimiter struct {
	mu        sync.Mutex
	defaults  DomainLimit
	overrides map[string]DomainLimit
	states    map[string]*domainState
	now       func() time.Time
}

func newRateLimiter(defaults DomainLimit, now func() time.Time) *rateLimiter {
	if defaults.RequestsPerMinute <= 0 {
		defaults.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if defaults.ConcurrentRequests <= 0 {
		defaults.ConcurrentRequests = DefaultConcurrentRequests
	}
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		defaults:  defaults,
		overrides: make(map[string]DomainLimit),
		states:    make(map[string]*domainState),
		now:       now,
	}
}

func (r *rateLimiter) limitFor(domain string) DomainLimit {
	if l, ok := r.overrides[domain]; ok {
		return l
	}
	return r.defaults
}

func (r *rateLimiter) state(domain string) *domainState {
	s, ok := r.states[domain]
	if !ok {
		s = &domainState{}
		r.states[domain] = s
	}
	return s
}

// allow reports whether domain may dispatch another request right now.
func (r *rateLimiter) allow(domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.limitFor(domain)
	s := r.state(domain)
	r.prune(s)

	return s.inflight < limit.ConcurrentRequests &&
		len(s.requestTimes) < limit.RequestsPerMinute
}

// onStart records a dispatch for domain.
func (r *rateLimiter) onStart(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state(domain)
	s.requestTimes = append(s.requestTimes, r.now())
	s.inflight++
}

// onFinish records a completed fetch for domain.
func (r *rateLimiter) onFinish(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state(domain)
	if s.inflight > 0 {
		s.inflight--
	}
}

// prune drops request timestamps outside the sliding window. Caller
// holds the lock.
func (r *rateLimiter) prune(s *domainState) {
	cutoff := r.now().Add(-rateWindow)
	i := 0
	for i < len(s.requestTimes) && !s.requestTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.requestTimes = s.requestTimes[i:]
	}
}

// setOverride replaces domain's budget.
func (r *rateLimiter) setOverride(domain string, limit DomainLimit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit.RequestsPerMinute <= 0 {
		limit.RequestsPerMinute = r.defaults.RequestsPerMinute
	}
	if limit.ConcurrentRequests <= 0 {
		limit.ConcurrentRequests = r.defaults.ConcurrentRequests
	}
	r.overrides[domain] = limit
}

// removeOverride restores domain to the default budget.
func (r *rateLimiter) removeOverride(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, domain)
}
