// Package cache implements the gateway's cache tier: an in-process TTL
// cache, a Redis-backed persistent cache with content-type-scoped TTLs,
// a sharded multi-node cluster, and a dual-write migrator for moving
// between the two Redis layouts without a cold-cache cutover.
package cache

import (
	"sync"
	"time"
)

// Default sizing for the in-process cache.
const (
	DefaultMemoryTTL     = time.Hour
	DefaultMaxEntries    = 100
	DefaultSweepInterval = 5 * time.Minute
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an in-process key-value cache with per-entry expiry and a
// capacity bound. When full, the entry closest to expiry is evicted
// rather than the least recently used one; tracking recency costs more
// than the accuracy is worth at this cache's size.
type Memory[V any] struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry[V]
	defaultTTL time.Duration
	maxEntries int

	now     func() time.Time
	sweeper *time.Ticker
	done    chan struct{}
	closed  bool
}

// MemoryConfig configures a Memory cache.
type MemoryConfig struct {
	// DefaultTTL applies to Set calls without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_MEMORY_TTL"`
	// MaxEntries bounds the cache size. Zero means DefaultMaxEntries.
	MaxEntries int `yaml:"max_entries" env:"CACHE_MEMORY_MAX_ENTRIES"`
	// SweepInterval is how often expired entries are removed in the
	// background. Zero means DefaultSweepInterval.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time `yaml:"-"`
}

// NewMemory creates a Memory cache and starts its background sweep.
// Call Close when done to stop the sweep goroutine.
func NewMemory[V any](cfg MemoryConfig) *Memory[V] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultMemoryTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Memory[V]{
		entries:    make(map[string]memoryEntry[V]),
		defaultTTL: cfg.DefaultTTL,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
		sweeper:    time.NewTicker(cfg.SweepInterval),
		done:       make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory[V]) sweep() {
	for {
		select {
		case <-m.done:
			return
		case <-m.sweeper.C:
			m.removeExpired()
		}
	}
}

func (m *Memory[V]) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// Get returns the value for key and whether it was present and unexpired.
// An expired entry is removed on access.
func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL. A zero or negative TTL
// uses the cache's default. At capacity the soonest-to-expire entry is
// evicted first.
func (m *Memory[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictSoonest()
	}
	m.entries[key] = memoryEntry[V]{
		value:     value,
		expiresAt: m.now().Add(ttl),
	}
}

// evictSoonest removes the entry with the earliest expiry. Caller holds the lock.
func (m *Memory[V]) evictSoonest() {
	var victim string
	var soonest time.Time
	for key, e := range m.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim = key
			soonest = e.expiresAt
		}
	}
	if victim != "" {
		delete(m.entries, victim)
	}
}

// Has reports whether key is present and unexpired.
func (m *Memory[V]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key. Removing an absent key is a no-op.
func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Clear removes all entries.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry[V])
}

// Len removes expired entries and returns the number remaining.
func (m *Memory[V]) Len() int {
	m.removeExpired()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the background sweep and clears all entries. The cache must
// not be used after Close.
func (m *Memory[V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.sweeper.Stop()
	close(m.done)
	m.entries = make(map[string]memoryEntry[V])
}
