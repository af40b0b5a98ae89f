package scraper

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/llm-gateway/internal/logger"
	"github.com/jonesrussell/llm-gateway/internal/metrics"
)

// Queue defaults.
const (
	DefaultTick              = time.Second
	DefaultMaxConcurrentJobs = 5
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultJobTimeout        = 30 * time.Second
	DefaultCompletedJobTTL   = 15 * time.Minute
)

// Executor runs one job and returns its result payload. The default
// executor is a plain HTTP fetch; callers substitute their own to attach
// parsing or analysis.
type Executor func(ctx context.Context, job *Job) (any, error)

// Events carries the completion callbacks. Queueing is fire-and-forget,
// so failures surface here rather than as errors to the enqueuer. Any
// callback may be nil. Handlers receive a private copy of the job and
// run on the job's goroutine; they must not block for long.
type Events struct {
	OnCompleted func(*Job)
	OnFailed    func(*Job)
	OnRetrying  func(*Job)
	OnCancelled func(*Job)
}

// Config configures a Queue.
type Config struct {
	// Tick is the scheduler interval.
	Tick time.Duration `yaml:"tick"`
	// MaxConcurrentJobs is the global in-flight ceiling.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" env:"SCRAPER_MAX_CONCURRENT"`
	// MaxRetries is how many times a failed job re-enters the queue.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the fixed wait before a retry re-enters the queue.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// JobTimeout bounds one execution attempt.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// CompletedJobTTL is how long terminal jobs stay queryable before
	// the scheduler prunes them.
	CompletedJobTTL time.Duration `yaml:"completed_job_ttl"`
	// DomainDefaults is the politeness budget for unconfigured domains.
	DomainDefaults DomainLimit `yaml:"domain_defaults"`

	// Now overrides the clock, for tests.
	Now func() time.Time `yaml:"-"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.CompletedJobTTL <= 0 {
		c.CompletedJobTTL = DefaultCompletedJobTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Queue is the scraper job queue. Jobs are ordered by (priority,
// enqueue time); each scheduler tick dispatches at most one job per
// eligible domain under the global concurrency ceiling.
type Queue struct {
	config   Config
	executor Executor
	events   Events
	limiter  *rateLimiter
	metrics  *metrics.Metrics
	log      logger.Logger

	mu       sync.Mutex
	pending  jobHeap
	jobs     map[string]*Job
	inflight int
	stopped  bool
	nextSeq  uint64

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewQueue creates a Queue. A nil executor falls back to the default
// HTTP fetcher.
func NewQueue(cfg Config, executor Executor, events Events, m *metrics.Metrics, log logger.Logger) *Queue {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	if executor == nil {
		executor = NewFetcher(FetcherConfig{}).Execute
	}
	return &Queue{
		config:   cfg,
		executor: executor,
		events:   events,
		limiter:  newRateLimiter(cfg.DomainDefaults, cfg.Now),
		metrics:  m,
		log:      log,
		jobs:     make(map[string]*Job),
		done:     make(chan struct{}),
	}
}

// Start runs the scheduler until Stop is called.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.ticker != nil || q.stopped {
		q.mu.Unlock()
		return
	}
	q.ticker = time.NewTicker(q.config.Tick)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.done:
				return
			case <-q.ticker.C:
				q.tick()
			}
		}
	}()

	q.log.Info("scraper queue started",
		logger.Duration("tick", q.config.Tick),
		logger.Int("max_concurrent", q.config.MaxConcurrentJobs),
	)
}

// Stop halts the scheduler. In-flight jobs finish; queued jobs stay
// queued.
func (q *Queue) Stop() {
	q.once.Do(func() {
		q.mu.Lock()
		q.stopped = true
		if q.ticker != nil {
			q.ticker.Stop()
		}
		q.mu.Unlock()
		close(q.done)
		q.wg.Wait()
	})
}

// Enqueue validates the URL and adds a job at the given priority. The
// job is returned immediately; completion is reported via Events.
func (q *Queue) Enqueue(rawURL string, priority Priority) (*Job, error) {
	job, err := newJob(rawURL, priority, q.config.MaxRetries, q.config.Now())
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.nextSeq++
	job.seq = q.nextSeq
	q.jobs[job.ID] = job
	heap.Push(&q.pending, job)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.log.Debug("job enqueued",
		logger.String("job_id", job.ID),
		logger.String("domain", job.Domain),
		logger.String("priority", priority.String()),
	)
	return job.clone(), nil
}

// Job returns a snapshot of the job with the given ID.
func (q *Queue) Job(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Cancel cancels a job. A queued job will never dispatch; a processing
// job keeps running but its result is discarded when it finishes.
// Cancelling a terminal job reports false.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}

	wasQueued := job.Status == StatusQueued
	job.Status = StatusCancelled
	now := q.config.Now()
	job.CompletedAt = &now
	snapshot := job.clone()
	q.mu.Unlock()

	// A processing job's cancellation event fires when the in-flight
	// work returns and its result is discarded.
	if wasQueued {
		q.metrics.JobFinished(string(StatusCancelled))
		q.emit(q.events.OnCancelled, snapshot)
	}
	return true
}

// SetDomainLimit overrides the politeness budget for one domain.
func (q *Queue) SetDomainLimit(domain string, limit DomainLimit) {
	q.limiter.setOverride(domain, limit)
}

// RemoveDomainLimit restores the default budget for one domain.
func (q *Queue) RemoveDomainLimit(domain string) {
	q.limiter.removeOverride(domain)
}

// Len returns the number of queued (not in-flight) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// tick dispatches eligible jobs: at most one per domain per tick, up to
// the global concurrency ceiling.
func (q *Queue) tick() {
	q.mu.Lock()
	q.pruneTerminal()

	var skipped []*Job
	dispatched := make(map[string]bool)

	for q.inflight < q.config.MaxConcurrentJobs && q.pending.Len() > 0 {
		job := heap.Pop(&q.pending).(*Job)

		// Cancelled while queued; already terminal.
		if job.Status != StatusQueued {
			continue
		}
		if dispatched[job.Domain] || !q.limiter.allow(job.Domain) {
			skipped = append(skipped, job)
			continue
		}

		dispatched[job.Domain] = true
		now := q.config.Now()
		job.Status = StatusProcessing
		job.StartedAt = &now
		q.inflight++
		q.limiter.onStart(job.Domain)

		q.wg.Add(1)
		go q.run(job)
	}

	for _, job := range skipped {
		heap.Push(&q.pending, job)
	}
	depth := q.pending.Len()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
}

// pruneTerminal drops terminal jobs whose retention window has passed.
// Finished jobs stay queryable for status polling but not forever; the
// map would otherwise grow for the life of the process. Caller holds
// the lock.
func (q *Queue) pruneTerminal() {
	cutoff := q.config.Now().Add(-q.config.CompletedJobTTL)
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

// run executes one dispatched job and applies the outcome.
func (q *Queue) run(job *Job) {
	defer q.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), q.config.JobTimeout)
	result, err := q.executor(ctx, job.clone())
	cancel()

	q.mu.Lock()
	q.inflight--
	q.limiter.onFinish(job.Domain)

	// Cancelled mid-flight: the work finished but nobody wants it.
	if job.Status == StatusCancelled {
		snapshot := job.clone()
		q.mu.Unlock()
		q.metrics.JobFinished(string(StatusCancelled))
		q.emit(q.events.OnCancelled, snapshot)
		return
	}

	now := q.config.Now()
	if err == nil {
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.Result = result
		snapshot := job.clone()
		q.mu.Unlock()
		q.metrics.JobFinished(string(StatusCompleted))
		q.emit(q.events.OnCompleted, snapshot)
		return
	}

	job.Err = err.Error()
	if job.RetryCount < job.MaxRetries && !q.stopped {
		job.RetryCount++
		job.Status = StatusQueued
		job.StartedAt = nil
		snapshot := job.clone()
		q.mu.Unlock()

		q.log.Warn("job failed, scheduling retry",
			logger.String("job_id", job.ID),
			logger.String("domain", job.Domain),
			logger.Int("retry", snapshot.RetryCount),
			logger.Error(err),
		)
		q.emit(q.events.OnRetrying, snapshot)
		time.AfterFunc(q.config.RetryDelay, func() { q.requeue(job) })
		return
	}

	job.Status = StatusFailed
	job.CompletedAt = &now
	snapshot := job.clone()
	q.mu.Unlock()

	q.log.Error("job failed permanently",
		logger.String("job_id", job.ID),
		logger.String("domain", job.Domain),
		logger.Int("retries", snapshot.RetryCount),
		logger.Error(err),
	)
	q.metrics.JobFinished(string(StatusFailed))
	q.emit(q.events.OnFailed, snapshot)
}

// requeue puts a retrying job back in the pending heap at its original
// priority.
func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || job.Status != StatusQueued {
		return
	}
	heap.Push(&q.pending, job)
}

func (q *Queue) emit(fn func(*Job), job *Job) {
	if fn != nil {
		fn(job)
	}
}

// jobHeap orders jobs by priority, ties broken FIFO by enqueue
// sequence.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
