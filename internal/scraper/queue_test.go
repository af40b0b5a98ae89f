package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock mirrors the cache package's test clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects event callbacks.
type recorder struct {
	mu        sync.Mutex
	completed []*Job
	failed    []*Job
	retrying  []*Job
	cancelled []*Job
}

func (r *recorder) events() Events {
	return Events{
		OnCompleted: func(j *Job) { r.mu.Lock(); r.completed = append(r.completed, j); r.mu.Unlock() },
		OnFailed:    func(j *Job) { r.mu.Lock(); r.failed = append(r.failed, j); r.mu.Unlock() },
		OnRetrying:  func(j *Job) { r.mu.Lock(); r.retrying = append(r.retrying, j); r.mu.Unlock() },
		OnCancelled: func(j *Job) { r.mu.Lock(); r.cancelled = append(r.cancelled, j); r.mu.Unlock() },
	}
}

func (r *recorder) counts() (completed, failed, retrying, cancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.failed), len(r.retrying), len(r.cancelled)
}

func succeedExec(ctx context.Context, job *Job) (any, error) {
	return "content of " + job.URL, nil
}

func newTestQueue(t *testing.T, clock *fakeClock, cfg Config, exec Executor, events Events) *Queue {
	t.Helper()
	cfg.Now = clock.Now
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	q := NewQueue(cfg, exec, events, nil, nil)
	t.Cleanup(q.Stop)
	return q
}

func TestEnqueueValidatesURL(t *testing.T) {
	q := newTestQueue(t, newFakeClock(), Config{}, succeedExec, Events{})

	_, err := q.Enqueue("", PriorityNormal)
	assert.ErrorIs(t, err, ErrMissingURL)

	_, err = q.Enqueue("not a url", PriorityNormal)
	assert.Error(t, err)
}

func TestEnqueueDerivesDomain(t *testing.T) {
	q := newTestQueue(t, newFakeClock(), Config{}, succeedExec, Events{})

	job, err := q.Enqueue("https://example.com/products?page=2", PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "example.com", job.Domain)
	assert.Equal(t, StatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)
}

func TestDispatchOrderFollowsPriorityThenFIFO(t *testing.T) {
	clock := newFakeClock()
	var order []string
	var mu sync.Mutex
	exec := func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		order = append(order, job.URL)
		mu.Unlock()
		return nil, nil
	}
	// One domain, one slot: each tick dispatches exactly one job.
	q := newTestQueue(t, clock, Config{
		DomainDefaults: DomainLimit{RequestsPerMinute: 100, ConcurrentRequests: 1},
	}, exec, Events{})

	_, err := q.Enqueue("https://example.com/low", PriorityLow)
	require.NoError(t, err)
	_, err = q.Enqueue("https://example.com/urgent", PriorityUrgent)
	require.NoError(t, err)
	_, err = q.Enqueue("https://example.com/normal-1", PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue("https://example.com/normal-2", PriorityNormal)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		q.tick()
		require.Eventually(t, func() bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			return q.inflight == 0
		}, time.Second, time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"https://example.com/urgent",
		"https://example.com/normal-1",
		"https://example.com/normal-2",
		"https://example.com/low",
	}, order)
}

func TestDomainRateLimitBoundsDispatchesPerWindow(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	q := newTestQueue(t, clock, Config{
		DomainDefaults: DomainLimit{RequestsPerMinute: 2, ConcurrentRequests: 10},
	}, succeedExec, rec.events())

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("https://example.com/page", PriorityNormal)
		require.NoError(t, err)
	}

	// Ticks within one window: at most 2 dispatches, one per tick.
	for i := 0; i < 4; i++ {
		q.tick()
	}
	require.Eventually(t, func() bool {
		c, _, _, _ := rec.counts()
		return c == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, q.Len(), "remaining jobs wait for the window to slide")

	// Slide the window; two more may go.
	clock.Advance(61 * time.Second)
	for i := 0; i < 4; i++ {
		q.tick()
	}
	require.Eventually(t, func() bool {
		c, _, _, _ := rec.counts()
		return c == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, q.Len())
}

func TestGlobalConcurrencyCeiling(t *testing.T) {
	clock := newFakeClock()
	started := make(chan string, 10)
	release := make(chan struct{})
	exec := func(ctx context.Context, job *Job) (any, error) {
		started <- job.Domain
		<-release
		return nil, nil
	}
	q := newTestQueue(t, clock, Config{
		MaxConcurrentJobs: 2,
		DomainDefaults:    DomainLimit{RequestsPerMinute: 100, ConcurrentRequests: 10},
	}, exec, Events{})

	for _, host := range []string{"a.com", "b.com", "c.com", "d.com"} {
		_, err := q.Enqueue("https://"+host+"/", PriorityNormal)
		require.NoError(t, err)
	}

	q.tick()
	assert.Equal(t, "a.com", <-started)
	assert.Equal(t, "b.com", <-started)

	// Ceiling reached: another tick dispatches nothing.
	q.tick()
	select {
	case d := <-started:
		t.Fatalf("dispatched %s beyond the global ceiling", d)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
}

func TestJobRetriesThenFailsPermanently(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	attempts := 0
	var mu sync.Mutex
	exec := func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}
	q := newTestQueue(t, clock, Config{MaxRetries: 2}, exec, rec.events())

	job, err := q.Enqueue("https://example.com/", PriorityNormal)
	require.NoError(t, err)

	// Drive ticks until the job exhausts its retries.
	require.Eventually(t, func() bool {
		q.tick()
		_, failed, _, _ := rec.counts()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	mu.Unlock()

	_, _, retrying, _ := rec.counts()
	assert.Equal(t, 2, retrying)

	final, ok := q.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Equal(t, "connection refused", final.Err)
}

func TestCompletedJobCarriesResult(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	q := newTestQueue(t, clock, Config{}, succeedExec, rec.events())

	job, err := q.Enqueue("https://example.com/", PriorityNormal)
	require.NoError(t, err)

	q.tick()
	require.Eventually(t, func() bool {
		c, _, _, _ := rec.counts()
		return c == 1
	}, time.Second, time.Millisecond)

	final, ok := q.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "content of https://example.com/", final.Result)
	assert.NotNil(t, final.CompletedAt)
}

func TestCancelQueuedJobNeverDispatches(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	dispatched := false
	exec := func(ctx context.Context, job *Job) (any, error) {
		dispatched = true
		return nil, nil
	}
	q := newTestQueue(t, clock, Config{}, exec, rec.events())

	job, err := q.Enqueue("https://example.com/", PriorityNormal)
	require.NoError(t, err)

	require.True(t, q.Cancel(job.ID))
	q.tick()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, dispatched)
	_, _, _, cancelled := rec.counts()
	assert.Equal(t, 1, cancelled)

	final, _ := q.Job(job.ID)
	assert.Equal(t, StatusCancelled, final.Status)

	// Cancelling a terminal job reports false.
	assert.False(t, q.Cancel(job.ID))
}

func TestCancelProcessingJobDiscardsResult(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, job *Job) (any, error) {
		close(started)
		<-release
		return "late result", nil
	}
	q := newTestQueue(t, clock, Config{}, exec, rec.events())

	job, err := q.Enqueue("https://example.com/", PriorityNormal)
	require.NoError(t, err)

	q.tick()
	<-started

	require.True(t, q.Cancel(job.ID))
	close(release)

	require.Eventually(t, func() bool {
		_, _, _, cancelled := rec.counts()
		return cancelled == 1
	}, time.Second, time.Millisecond)

	final, _ := q.Job(job.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Nil(t, final.Result, "in-flight result must be discarded")

	completed, _, _, _ := rec.counts()
	assert.Zero(t, completed)
}

func TestTerminalJobsPrunedAfterRetention(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	q := newTestQueue(t, clock, Config{
		CompletedJobTTL: time.Minute,
		DomainDefaults:  DomainLimit{RequestsPerMinute: 100, ConcurrentRequests: 10},
	}, succeedExec, rec.events())

	var ids []string
	for _, u := range []string{"https://alpha.example/a", "https://beta.example/b", "https://gamma.example/c"} {
		job, err := q.Enqueue(u, PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	q.tick()
	require.Eventually(t, func() bool {
		done, _, _, _ := rec.counts()
		return done == 3
	}, time.Second, time.Millisecond)

	// Inside the retention window, finished jobs stay queryable.
	clock.Advance(30 * time.Second)
	q.tick()
	for _, id := range ids {
		job, ok := q.Job(id)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, job.Status)
	}

	// A job finishing later gets its own retention window.
	late, err := q.Enqueue("https://delta.example/d", PriorityNormal)
	require.NoError(t, err)
	q.tick()
	require.Eventually(t, func() bool {
		done, _, _, _ := rec.counts()
		return done == 4
	}, time.Second, time.Millisecond)

	clock.Advance(45 * time.Second)
	q.tick()

	for _, id := range ids {
		_, ok := q.Job(id)
		assert.False(t, ok, "terminal job past retention must be removed")
	}
	kept, ok := q.Job(late.ID)
	require.True(t, ok, "recently finished job stays queryable")
	assert.Equal(t, StatusCompleted, kept.Status)
}

func TestCancelledJobPrunedAfterRetention(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, clock, Config{CompletedJobTTL: time.Minute}, succeedExec, Events{})

	job, err := q.Enqueue("https://example.com/a", PriorityNormal)
	require.NoError(t, err)
	require.True(t, q.Cancel(job.ID))

	clock.Advance(61 * time.Second)
	q.tick()

	_, ok := q.Job(job.ID)
	assert.False(t, ok)
}

func TestDomainLimitOverrideAndRemoval(t *testing.T) {
	clock := newFakeClock()
	limiter := newRateLimiter(DefaultDomainLimit(), clock.Now)

	limiter.setOverride("strict.com", DomainLimit{RequestsPerMinute: 1, ConcurrentRequests: 1})

	assert.True(t, limiter.allow("strict.com"))
	limiter.onStart("strict.com")
	limiter.onFinish("strict.com")
	assert.False(t, limiter.allow("strict.com"), "override budget exhausted")

	// Removal restores the default budget.
	limiter.removeOverride("strict.com")
	assert.True(t, limiter.allow("strict.com"))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)
}
