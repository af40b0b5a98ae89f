package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/llm-gateway/internal/logger"
)

// ContentType scopes a cached entry to a TTL class. Different kinds of
// generated content go stale at very different rates.
type ContentType string

const (
	ContentRegulatory      ContentType = "regulatory"
	ContentMarketTrends    ContentType = "market_trends"
	ContentCountryProfiles ContentType = "country_profiles"
	ContentProductInfo     ContentType = "product_info"
	ContentDefault         ContentType = "default"
)

// Namespace prefixes every key so the cache can share a Redis database
// with unrelated data.
const Namespace = "llmcache"

// DefaultCostPerToken is the reference rate used to estimate the dollar
// value of cache hits.
const DefaultCostPerToken = 0.000002

// DefaultTTLs returns the default TTL per content type.
func DefaultTTLs() map[ContentType]time.Duration {
	return map[ContentType]time.Duration{
		ContentRegulatory:      24 * time.Hour,
		ContentMarketTrends:    7 * 24 * time.Hour,
		ContentCountryProfiles: 30 * 24 * time.Hour,
		ContentProductInfo:     14 * 24 * time.Hour,
		ContentDefault:         24 * time.Hour,
	}
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	SavedCost float64 `json:"saved_cost"`
}

// RedisConfig configures a RedisCache.
type RedisConfig struct {
	// TTLs overrides the default TTL per content type. Missing types keep
	// their defaults.
	TTLs map[ContentType]time.Duration `yaml:"ttls"`
	// CostPerToken is the reference rate for savings estimation.
	CostPerToken float64 `yaml:"cost_per_token" env:"CACHE_COST_PER_TOKEN"`
}

// RedisCache is the persistent single-node cache. Backend failures are
// logged and absorbed: a failed read is a miss, a failed write a no-op.
// The cache is an optimization and must never fail a caller.
type RedisCache struct {
	client redis.UniversalClient
	ttls   map[ContentType]time.Duration
	rate   float64
	log    logger.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRedis creates a RedisCache on top of an existing Redis client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, log logger.Logger) *RedisCache {
	if log == nil {
		log = logger.NewNop()
	}
	ttls := DefaultTTLs()
	for ct, ttl := range cfg.TTLs {
		if ttl > 0 {
			ttls[ct] = ttl
		}
	}
	rate := cfg.CostPerToken
	if rate <= 0 {
		rate = DefaultCostPerToken
	}
	return &RedisCache{
		client: client,
		ttls:   ttls,
		rate:   rate,
		log:    log,
	}
}

func namespacedKey(key string) string {
	return fmt.Sprintf("%s:%s", Namespace, key)
}

// TTLFor returns the configured TTL for a content type, falling back to
// the default class for unknown types.
func (c *RedisCache) TTLFor(ct ContentType) time.Duration {
	if ttl, ok := c.ttls[ct]; ok {
		return ttl
	}
	return c.ttls[ContentDefault]
}

// Get returns the cached value for key. The second return is false on a
// miss or backend error.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	return c.GetWithSavings(ctx, key, 0)
}

// GetWithSavings is Get with a token-savings hint: on a hit, the hint
// times the reference rate is added to the savings counter.
func (c *RedisCache) GetWithSavings(ctx context.Context, key string, tokenSavings int) (string, bool) {
	val, err := c.client.Get(ctx, namespacedKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache get failed, treating as miss",
				logger.String("key", key),
				logger.Error(err),
			)
		}
		c.recordMiss()
		return "", false
	}
	c.recordHit(tokenSavings)
	return val, true
}

// Set stores value under key with the TTL class for ct. Errors are
// absorbed.
func (c *RedisCache) Set(ctx context.Context, key, value string, ct ContentType) {
	c.SetWithTTL(ctx, key, value, c.TTLFor(ct))
}

// SetWithTTL stores value under key with an explicit TTL. Used by the
// migrator to preserve remaining TTLs during bulk copy.
func (c *RedisCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, namespacedKey(key), value, ttl).Err(); err != nil {
		c.log.Warn("cache set failed, skipping",
			logger.String("key", key),
			logger.Duration("ttl", ttl),
			logger.Error(err),
		)
	}
}

// Delete removes key. Errors are absorbed.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, namespacedKey(key)).Err(); err != nil {
		c.log.Warn("cache delete failed, skipping",
			logger.String("key", key),
			logger.Error(err),
		)
	}
}

// Clear removes every key in the cache namespace.
func (c *RedisCache) Clear(ctx context.Context) {
	var cursor uint64
	pattern := Namespace + ":*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			c.log.Warn("cache clear scan failed", logger.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.Warn("cache clear delete failed", logger.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

const scanBatchSize = 100

// ForEachEntry iterates every live entry in the namespace, passing the
// un-namespaced key, value, and remaining TTL to fn. Iteration stops on
// the first fn error. Used for migration bulk copy.
func (c *RedisCache) ForEachEntry(ctx context.Context, fn func(key, value string, ttl time.Duration) error) error {
	var cursor uint64
	pattern := Namespace + ":*"
	prefixLen := len(Namespace) + 1
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan cache keys: %w", err)
		}
		for _, full := range keys {
			val, err := c.client.Get(ctx, full).Result()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", full, err)
			}
			ttl, err := c.client.TTL(ctx, full).Result()
			if err != nil {
				return fmt.Errorf("ttl %s: %w", full, err)
			}
			if ttl <= 0 {
				continue
			}
			if err := fn(full[prefixLen:], val, ttl); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// GetEntry returns the value and remaining TTL for key without touching
// the hit/miss counters. Used by the migrator for verification and
// self-heal writes.
func (c *RedisCache) GetEntry(ctx context.Context, key string) (string, time.Duration, bool) {
	full := namespacedKey(key)
	val, err := c.client.Get(ctx, full).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache entry fetch failed",
				logger.String("key", key),
				logger.Error(err),
			)
		}
		return "", 0, false
	}
	ttl, err := c.client.TTL(ctx, full).Result()
	if err != nil || ttl <= 0 {
		return val, 0, true
	}
	return val, ttl, true
}

func (c *RedisCache) recordHit(tokenSavings int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Hits++
	if tokenSavings > 0 {
		c.stats.SavedCost += float64(tokenSavings) * c.rate
	}
}

func (c *RedisCache) recordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Misses++
}

// Stats returns a snapshot of the hit/miss/savings counters.
func (c *RedisCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
