// Package gateway orchestrates completion requests: cache lookup, model
// selection, the upstream call with timeout/retry/fallback, cache write,
// and usage recording. It is the one component callers talk to; every
// fallback exists so a conversational caller gets some answer whenever
// any model can produce one.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/llm-gateway/internal/backoff"
	"github.com/jonesrussell/llm-gateway/internal/cache"
	"github.com/jonesrussell/llm-gateway/internal/logger"
	"github.com/jonesrussell/llm-gateway/internal/metrics"
	"github.com/jonesrussell/llm-gateway/internal/provider"
	"github.com/jonesrussell/llm-gateway/internal/selection"
	"github.com/jonesrussell/llm-gateway/internal/tokens"
	"github.com/jonesrussell/llm-gateway/internal/usage"
)

// Errors surfaced to callers after every recovery strategy is exhausted.
var (
	// ErrNoMessages is returned when a request carries no messages.
	ErrNoMessages = errors.New("at least one message is required")
	// ErrRateLimited is returned when the upstream throttled every retry.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrServiceUnavailable is returned when every model and retry failed.
	ErrServiceUnavailable = errors.New("llm service unavailable")
)

// Gateway defaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultHistoryLimit   = 10
	DefaultTemperature    = 0.7
)

// Cache is the subset of the cache tier the gateway needs. Satisfied by
// cache.RedisCache and cache.Migrator.
type Cache interface {
	GetWithSavings(ctx context.Context, key string, tokenSavings int) (string, bool)
	Set(ctx context.Context, key, value string, ct cache.ContentType)
}

// Config configures a Gateway.
type Config struct {
	// RequestTimeout bounds each upstream attempt.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"GATEWAY_REQUEST_TIMEOUT"`
	// MaxAttempts is the retry cap per attempt strategy.
	MaxAttempts int `yaml:"max_attempts"`
	// HistoryLimit caps the non-system messages sent upstream. System
	// messages are always retained. Zero disables trimming.
	HistoryLimit int `yaml:"history_limit"`
	// MaxTokens is the default completion budget per request.
	MaxTokens int `yaml:"max_tokens" env:"GATEWAY_MAX_TOKENS"`
	// CacheEnabled turns the response cache on.
	CacheEnabled bool `yaml:"cache_enabled" env:"GATEWAY_CACHE_ENABLED"`
	// Backoff tunes the retry delay sequence.
	Backoff backoff.Config `yaml:"backoff"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Options carries the per-request knobs for Complete.
type Options struct {
	// TaskType drives model selection and usage attribution.
	TaskType selection.TaskType
	// HasStructuredData reports whether the caller already holds parsed
	// structured data for this request.
	HasStructuredData bool
	// ContentType picks the cache TTL class. Empty means the default class.
	ContentType cache.ContentType
	// UserID attributes the usage record. Optional.
	UserID string
	// Temperature overrides the default sampling temperature when > 0.
	Temperature float64
	// MaxTokens overrides the configured completion budget when > 0.
	MaxTokens int
}

// Gateway is the request orchestrator.
type Gateway struct {
	config     Config
	provider   provider.Provider
	cache      Cache
	local      *cache.Memory[string]
	selector   *selection.Selector
	classifier *selection.Classifier
	ledger     *usage.Ledger
	metrics    *metrics.Metrics
	log        logger.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// New creates a Gateway. The cache may be nil, which disables caching
// regardless of config. local is an optional in-process tier consulted
// before the persistent cache; nil skips it.
func New(
	cfg Config,
	p provider.Provider,
	c Cache,
	local *cache.Memory[string],
	sel *selection.Selector,
	cls *selection.Classifier,
	ledger *usage.Ledger,
	m *metrics.Metrics,
	log logger.Logger,
) *Gateway {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Gateway{
		config:     cfg,
		provider:   p,
		cache:      c,
		local:      local,
		selector:   sel,
		classifier: cls,
		ledger:     ledger,
		metrics:    m,
		log:        log,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Complete runs one completion request through the cache and the
// upstream cascade, returning the response text.
func (g *Gateway) Complete(ctx context.Context, messages []provider.Message, opts Options) (string, error) {
	if len(messages) == 0 {
		return "", ErrNoMessages
	}

	key := cacheKey(messages, opts)
	promptEstimate := estimatePrompt(messages)

	if g.cacheEnabled() {
		if g.local != nil {
			if text, ok := g.local.Get(key); ok {
				g.recordCacheHit(text, promptEstimate, opts)
				g.metrics.CacheHit("memory")
				g.metrics.ObserveRequest("cached", metrics.OutcomeCacheHit, 0)
				return text, nil
			}
			g.metrics.CacheMiss("memory")
		}
		if text, ok := g.cache.GetWithSavings(ctx, key, promptEstimate); ok {
			if g.local != nil {
				g.local.Set(key, text, 0)
			}
			g.recordCacheHit(text, promptEstimate, opts)
			g.metrics.CacheHit("redis")
			g.metrics.ObserveRequest("cached", metrics.OutcomeCacheHit, 0)
			return text, nil
		}
		g.metrics.CacheMiss("redis")
	}

	model := g.selector.Select(opts.TaskType, opts.HasStructuredData)

	// The complexity verdict is logged for cost analysis but does not
	// steer selection; the per-task policy decides.
	complexity := g.classifier.Classify(lastUserContent(messages), opts.TaskType)
	g.log.Debug("model selected",
		logger.String("model", model),
		logger.String("task_type", string(opts.TaskType)),
		logger.String("complexity", complexity.String()),
	)

	trimmed := trimHistory(messages, g.config.HistoryLimit)

	text, err := g.runStrategies(ctx, trimmed, model, key, promptEstimate, opts)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *Gateway) cacheEnabled() bool {
	return g.config.CacheEnabled && g.cache != nil
}

// strategies returns the ordered models to attempt: the selected model,
// then the cheap fallback when they differ. An explicit list instead of
// recursion keeps the fallback depth bounded and testable.
func (g *Gateway) strategies(model string) []string {
	fallback := g.selector.Fallback()
	if fallback == "" || fallback == model {
		return []string{model}
	}
	return []string{model, fallback}
}

func (g *Gateway) runStrategies(
	ctx context.Context,
	messages []provider.Message,
	model, key string,
	promptEstimate int,
	opts Options,
) (string, error) {
	var lastErr error

	strategies := g.strategies(model)
	for i, attemptModel := range strategies {
		lastStrategy := i == len(strategies)-1

		text, err := g.attemptModel(ctx, messages, attemptModel, key, promptEstimate, opts)
		if err == nil {
			if i > 0 {
				g.metrics.ObserveRequest(attemptModel, metrics.OutcomeFallback, 0)
			}
			return text, nil
		}

		// Throttling is the one failure fallback cannot route around:
		// the cheap model shares the same provider limits.
		if errors.Is(err, ErrRateLimited) {
			g.metrics.ObserveRequest(attemptModel, metrics.OutcomeError, 0)
			return "", err
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}

		lastErr = err
		if !lastStrategy {
			g.log.Warn("model attempt failed, falling back",
				logger.String("model", attemptModel),
				logger.String("fallback", strategies[i+1]),
				logger.Error(err),
			)
		}
	}

	g.metrics.ObserveRequest(model, metrics.OutcomeError, 0)
	return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, lastErr)
}

// attemptModel runs the retry loop for one model. It returns
// ErrRateLimited when every attempt was throttled; any other exhaustion
// returns the last underlying error for the caller to wrap.
func (g *Gateway) attemptModel(
	ctx context.Context,
	messages []provider.Message,
	model, key string,
	promptEstimate int,
	opts Options,
) (string, error) {
	policy := backoff.New(g.config.Backoff)

	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.config.MaxTokens
	}

	req := provider.Request{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	var lastErr error
	allRateLimited := true

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := g.callOnce(ctx, req)
		elapsed := time.Since(start)

		if err == nil {
			g.onSuccess(ctx, resp, model, key, promptEstimate, elapsed, opts)
			g.metrics.ObserveRequest(model, metrics.OutcomeSuccess, elapsed)
			return resp.Text, nil
		}
		lastErr = err

		switch {
		case provider.IsRateLimit(err):
			g.log.Warn("upstream rate limited",
				logger.String("model", model),
				logger.Int("attempt", attempt),
			)
		case provider.IsTimeout(err), provider.IsServerError(err):
			allRateLimited = false
			g.log.Warn("upstream attempt failed",
				logger.String("model", model),
				logger.Int("attempt", attempt),
				logger.Duration("elapsed", elapsed),
				logger.Error(err),
			)
		default:
			// Not transient. Retrying cannot help; hand the error to the
			// strategy loop so the fallback model gets its chance.
			return "", err
		}

		if attempt < g.config.MaxAttempts {
			if err := g.sleep(ctx, policy.NextDelay()); err != nil {
				return "", err
			}
		}
	}

	if allRateLimited {
		return "", fmt.Errorf("%w: %w", ErrRateLimited, lastErr)
	}
	return "", lastErr
}

// callOnce performs a single upstream call bounded by the request
// timeout. A late response on the provider side is simply discarded.
func (g *Gateway) callOnce(ctx context.Context, req provider.Request) (*provider.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()
	return g.provider.Complete(callCtx, req)
}

func (g *Gateway) onSuccess(
	ctx context.Context,
	resp *provider.Response,
	model, key string,
	promptEstimate int,
	elapsed time.Duration,
	opts Options,
) {
	if g.cacheEnabled() {
		ct := opts.ContentType
		if ct == "" {
			ct = cache.ContentDefault
		}
		g.cache.Set(ctx, key, resp.Text, ct)
		if g.local != nil {
			g.local.Set(key, resp.Text, 0)
		}
	}

	used := resp.Usage
	if used.TotalTokens == 0 {
		used = estimatedUsage(promptEstimate, resp.Text)
	}
	if g.ledger != nil {
		rt := elapsed
		g.ledger.Record(usage.Record{
			Model:        model,
			TaskType:     opts.TaskType,
			UserID:       opts.UserID,
			ResponseTime: &rt,
			Usage: usage.TokenUsage{
				PromptTokens:     used.PromptTokens,
				CompletionTokens: used.CompletionTokens,
				TotalTokens:      used.TotalTokens,
			},
		})
	}
}

// recordCacheHit writes the zero-latency usage record for a cache hit.
// Token counts are estimates; no upstream call happened.
func (g *Gateway) recordCacheHit(text string, promptEstimate int, opts Options) {
	if g.ledger == nil {
		return
	}
	zero := time.Duration(0)
	used := estimatedUsage(promptEstimate, text)
	g.ledger.Record(usage.Record{
		Model:        "cached",
		TaskType:     opts.TaskType,
		UserID:       opts.UserID,
		ResponseTime: &zero,
		Usage: usage.TokenUsage{
			PromptTokens:     used.PromptTokens,
			CompletionTokens: used.CompletionTokens,
			TotalTokens:      used.TotalTokens,
		},
	})
}

func estimatedUsage(promptEstimate int, completion string) provider.Usage {
	completionEstimate := tokens.Estimate(completion)
	return provider.Usage{
		PromptTokens:     promptEstimate,
		CompletionTokens: completionEstimate,
		TotalTokens:      promptEstimate + completionEstimate,
	}
}

func estimatePrompt(messages []provider.Message) int {
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}
	return tokens.EstimateAll(texts...)
}

func lastUserContent(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleUser {
			return messages[i].Content
		}
	}
	return messages[len(messages)-1].Content
}

// trimHistory keeps every system message and the most recent limit
// non-system messages, preserving order.
func trimHistory(messages []provider.Message, limit int) []provider.Message {
	if limit <= 0 {
		return messages
	}
	nonSystem := 0
	for _, m := range messages {
		if m.Role != provider.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem <= limit {
		return messages
	}

	drop := nonSystem - limit
	out := make([]provider.Message, 0, len(messages)-drop)
	for _, m := range messages {
		if m.Role != provider.RoleSystem && drop > 0 {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}
