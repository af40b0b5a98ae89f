package cache

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/llm-gateway/internal/logger"
)

// Phase is the migration state. Routing behavior is decided entirely by
// the current phase, never by ad hoc flags.
type Phase int32

const (
	// PhaseBulkCopy: existing entries are being copied to the cluster.
	// All reads serve from the single-node cache; writes go to both.
	PhaseBulkCopy Phase = iota
	// PhaseDualWrite: both backends receive writes; reads split between
	// them by ClusterReadPercent.
	PhaseDualWrite
	// PhaseFinalized: the cluster is authoritative; the single-node
	// cache is no longer touched.
	PhaseFinalized
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseBulkCopy:
		return "bulk_copy"
	case PhaseDualWrite:
		return "dual_write"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// MigratorConfig configures a Migrator.
type MigratorConfig struct {
	// ClusterReadPercent is the initial share of reads routed to the
	// cluster during the dual-write phase (0-100).
	ClusterReadPercent int `yaml:"cluster_read_percent"`
	// VerifyReads enables asynchronous comparison of cluster reads
	// against the single-node cache, with self-heal on mismatch.
	VerifyReads bool `yaml:"verify_reads"`
}

// Migrator moves a live cache from a single Redis node to a cluster
// without a cold cutover. During migration the single-node cache stays
// authoritative: cluster write failures are absorbed, and mismatches
// found by verification are healed from the single-node value.
type Migrator struct {
	single  *RedisCache
	cluster *Cluster
	log     logger.Logger

	phase      atomic.Int32
	readPct    atomic.Int32
	verify     bool
	mismatches atomic.Int64

	// intn is the randomness source for read routing, injectable in tests.
	intn func(int) int
}

// NewMigrator creates a Migrator in the bulk-copy phase.
func NewMigrator(single *RedisCache, cluster *Cluster, cfg MigratorConfig, log logger.Logger) *Migrator {
	if log == nil {
		log = logger.NewNop()
	}
	m := &Migrator{
		single:  single,
		cluster: cluster,
		log:     log,
		verify:  cfg.VerifyReads,
		intn:    rand.Intn,
	}
	m.readPct.Store(int32(clampPercent(cfg.ClusterReadPercent)))
	return m
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Phase returns the current migration phase.
func (m *Migrator) Phase() Phase {
	return Phase(m.phase.Load())
}

// ClusterReadPercent returns the current read split.
func (m *Migrator) ClusterReadPercent() int {
	return int(m.readPct.Load())
}

// SetClusterReadPercent adjusts the share of reads routed to the cluster.
// Operators raise this gradually through the dual-write window.
func (m *Migrator) SetClusterReadPercent(p int) {
	m.readPct.Store(int32(clampPercent(p)))
}

// Mismatches returns how many verification mismatches have been observed.
func (m *Migrator) Mismatches() int64 {
	return m.mismatches.Load()
}

// BulkCopy copies every live entry from the single-node cache to the
// cluster, preserving remaining TTLs, then advances to the dual-write
// phase. Returns the number of entries copied.
func (m *Migrator) BulkCopy(ctx context.Context) (int, error) {
	copied := 0
	err := m.single.ForEachEntry(ctx, func(key, value string, ttl time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.cluster.SetWithTTL(ctx, key, value, ttl)
		copied++
		return nil
	})
	if err != nil {
		return copied, fmt.Errorf("bulk copy: %w", err)
	}

	if m.phase.CompareAndSwap(int32(PhaseBulkCopy), int32(PhaseDualWrite)) {
		m.log.Info("cache migration entered dual-write phase",
			logger.Int("entries_copied", copied),
		)
	}
	return copied, nil
}

// Finalize reruns the bulk copy to catch entries written to the
// single-node cache since the first pass, then pins all traffic to the
// cluster.
func (m *Migrator) Finalize(ctx context.Context) error {
	copied := 0
	err := m.single.ForEachEntry(ctx, func(key, value string, ttl time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.cluster.SetWithTTL(ctx, key, value, ttl)
		copied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize catch-up copy: %w", err)
	}

	m.phase.Store(int32(PhaseFinalized))
	m.log.Info("cache migration finalized",
		logger.Int("entries_caught_up", copied),
	)
	return nil
}

// Get routes the read by phase: single-node before dual-write, a
// probabilistic split during it, cluster-only after finalize.
func (m *Migrator) Get(ctx context.Context, key string) (string, bool) {
	switch m.Phase() {
	case PhaseFinalized:
		return m.cluster.Get(ctx, key)
	case PhaseDualWrite:
		if m.intn(100) < m.ClusterReadPercent() {
			val, ok := m.cluster.Get(ctx, key)
			if ok && m.verify {
				go m.verifyRead(key, val)
			}
			if ok {
				return val, true
			}
			// Cluster miss during migration may just mean the entry
			// predates the copy; the single-node cache decides.
		}
		return m.single.Get(ctx, key)
	default:
		return m.single.Get(ctx, key)
	}
}

// GetWithSavings is Get with a token-savings hint. The hint only feeds
// the single-node cache's savings counter; cluster reads have no
// per-hit accounting.
func (m *Migrator) GetWithSavings(ctx context.Context, key string, tokenSavings int) (string, bool) {
	switch m.Phase() {
	case PhaseFinalized:
		return m.cluster.Get(ctx, key)
	case PhaseDualWrite:
		if m.intn(100) < m.ClusterReadPercent() {
			if val, ok := m.cluster.Get(ctx, key); ok {
				if m.verify {
					go m.verifyRead(key, val)
				}
				return val, true
			}
		}
		return m.single.GetWithSavings(ctx, key, tokenSavings)
	default:
		return m.single.GetWithSavings(ctx, key, tokenSavings)
	}
}

// verifyRead compares a cluster read against the authoritative
// single-node value and rewrites the cluster on mismatch.
func (m *Migrator) verifyRead(key, clusterVal string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	singleVal, ttl, ok := m.single.GetEntry(ctx, key)
	if !ok || singleVal == clusterVal {
		return
	}

	m.mismatches.Add(1)
	m.log.Warn("cache migration verification mismatch, healing from single-node",
		logger.String("key", key),
		logger.Int64("total_mismatches", m.mismatches.Load()),
	)
	if ttl <= 0 {
		ttl = DefaultTTLs()[ContentDefault]
	}
	m.cluster.SetWithTTL(ctx, key, singleVal, ttl)
}

// Set writes to both backends until finalized, single-node first since it
// stays authoritative through the migration.
func (m *Migrator) Set(ctx context.Context, key, value string, ct ContentType) {
	if m.Phase() == PhaseFinalized {
		m.cluster.Set(ctx, key, value, ct)
		return
	}
	m.single.Set(ctx, key, value, ct)
	m.cluster.Set(ctx, key, value, ct)
}

// Delete removes key from both backends until finalized.
func (m *Migrator) Delete(ctx context.Context, key string) {
	if m.Phase() == PhaseFinalized {
		m.cluster.Delete(ctx, key)
		return
	}
	m.single.Delete(ctx, key)
	m.cluster.Delete(ctx, key)
}
