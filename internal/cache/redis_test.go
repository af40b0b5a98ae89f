package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/llm-gateway/internal/logger"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, RedisConfig{}, logger.NewNop()), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "analysis:za:textiles", "cached response", ContentDefault)

	got, ok := c.Get(ctx, "analysis:za:textiles")
	require.True(t, ok)
	assert.Equal(t, "cached response", got)
}

func TestRedisCacheKeysAreNamespaced(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k", "v", ContentDefault)

	assert.True(t, mr.Exists("llmcache:k"))
	assert.False(t, mr.Exists("k"))
}

func TestRedisCacheContentTypeTTLs(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "reg", "v", ContentRegulatory)
	c.Set(ctx, "country", "v", ContentCountryProfiles)

	assert.Equal(t, 24*time.Hour, mr.TTL("llmcache:reg"))
	assert.Equal(t, 30*24*time.Hour, mr.TTL("llmcache:country"))
}

func TestRedisCacheExpiry(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k", "v", ContentRegulatory)

	mr.FastForward(24*time.Hour + time.Second)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisCacheStats(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k", "v", ContentDefault)

	_, ok := c.GetWithSavings(ctx, "k", 500)
	require.True(t, ok)
	_, ok = c.Get(ctx, "absent")
	require.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 500*DefaultCostPerToken, stats.SavedCost, 1e-9)
}

func TestRedisCacheBackendErrorIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client, RedisConfig{}, logger.NewNop())
	ctx := context.Background()

	c.Set(ctx, "k", "v", ContentDefault)
	mr.Close()

	// A dead backend must read as a miss and write as a no-op, never an error.
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	c.Set(ctx, "k2", "v", ContentDefault)
	c.Delete(ctx, "k")
}

func TestRedisCacheDeleteAndClear(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "a", "1", ContentDefault)
	c.Set(ctx, "b", "2", ContentDefault)
	mr.Set("unrelated", "keepme")

	c.Delete(ctx, "a")
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Clear(ctx)
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	assert.True(t, mr.Exists("unrelated"), "clear must not touch keys outside the namespace")
}

func TestRedisCacheForEachEntryPreservesTTL(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "a", "1", ContentRegulatory)
	c.Set(ctx, "b", "2", ContentMarketTrends)

	seen := map[string]time.Duration{}
	err := c.ForEachEntry(ctx, func(key, value string, ttl time.Duration) error {
		seen[key] = ttl
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, 24*time.Hour, seen["a"])
	assert.Equal(t, 7*24*time.Hour, seen["b"])
}
