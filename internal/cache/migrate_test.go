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

type migrationFixture struct {
	single      *RedisCache
	cluster     *Cluster
	migrator    *Migrator
	singleRedis *miniredis.Miniredis
	nodeRedis   []*miniredis.Miniredis
}

func newMigrationFixture(t *testing.T, cfg MigratorConfig) *migrationFixture {
	t.Helper()

	singleMR := miniredis.RunT(t)
	singleClient := redis.NewClient(&redis.Options{Addr: singleMR.Addr()})
	t.Cleanup(func() { singleClient.Close() })
	single := NewRedis(singleClient, RedisConfig{}, logger.NewNop())

	var nodes []Node
	var nodeMRs []*miniredis.Miniredis
	for _, name := range []string{"node-a", "node-b", "node-c"} {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		nodes = append(nodes, Node{Name: name, Client: client})
		nodeMRs = append(nodeMRs, mr)
	}
	cluster := NewCluster(nodes, ClusterConfig{HealthCheckInterval: time.Hour}, logger.NewNop())
	t.Cleanup(cluster.Close)

	return &migrationFixture{
		single:      single,
		cluster:     cluster,
		migrator:    NewMigrator(single, cluster, cfg, logger.NewNop()),
		singleRedis: singleMR,
		nodeRedis:   nodeMRs,
	}
}

func (f *migrationFixture) clusterHolds(key string) bool {
	for _, mr := range f.nodeRedis {
		if mr.Exists(namespacedKey(key)) {
			return true
		}
	}
	return false
}

func TestClusterShardingAndHealth(t *testing.T) {
	f := newMigrationFixture(t, MigratorConfig{})
	ctx := context.Background()

	f.cluster.Set(ctx, "k1", "v1", ContentDefault)
	got, ok := f.cluster.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", got)

	assert.True(t, f.cluster.IsHealthy())
	status := f.cluster.Status()
	assert.Len(t, status, 3)
	for _, s := range status {
		assert.True(t, s.Up)
	}
}

func TestBulkCopyMovesEntriesAndAdvancesPhase(t *testing.T) {
	f := newMigrationFixture(t, MigratorConfig{})
	ctx := context.Background()

	f.single.Set(ctx, "a", "1", ContentRegulatory)
	f.single.Set(ctx, "b", "2", ContentMarketTrends)

	require.Equal(t, PhaseBulkCopy, f.migrator.Phase())

	copied, err := f.migrator.BulkCopy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, copied)
	assert.Equal(t, PhaseDualWrite, f.migrator.Phase())

	assert.True(t, f.clusterHolds("a"))
	assert.True(t, f.clusterHolds("b"))
}

func TestDualWriteHitsBothBackends(t *testing.T) {
	f := newMigrationFixture(t, MigratorConfig{})
	ctx := context.Background()

	_, err := f.migrator.BulkCopy(ctx)
	require.NoError(t, err)

	f.migrator.Set(ctx, "k", "v", ContentDefault)

	_, ok := f.single.Get(ctx, "k")
	assert.True(t, ok, "single-node cache must receive the write")
	assert.True(t, f.clusterHolds("k"), "cluster must receive the write")

	f.migrator.Delete(ctx, "k")
	_, ok = f.single.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, f.clusterHolds("k"))
}

func TestReadRoutingFollowsClusterReadPercent(t *testing.T) {
	f := newMigrationFixture(t, MigratorConfig{ClusterReadPercent: 100})
	ctx := context.Background()

	// Seed only the single-node cache, then enter dual-write without
	// copying so the two backends are distinguishable.
	f.single.Set(ctx, "only-single", "from-single", ContentDefault)
	f.migrator.phase.Store(int32(PhaseDualWrite))

	// 100% cluster reads, but the entry predates the copy: the miss
	// falls back to the authoritative single-node cache.
	f.migrator.intn = func(int) int { return 0 }
	got, ok := f.migrator.Get(ctx, "only-single")
	require.True(t, ok)
	assert.Equal(t, "from-single", got)

	// 0% cluster reads always serves from the single node.
	f.migrator.SetClusterReadPercent(0)
	f.migrator.intn = func(int) int { return 99 }
	got, ok = f.migrator.Get(ctx, "only-single")
	require.True(t, ok)
	assert.Equal(t, "from-single", got)
}

func TestFinalizePinsTrafficToCluster(t *testing.T) {
	f := newMigrationFixture(t, MigratorConfig{})
	ctx := context.Background()

	f.single.Set(ctx, "old", "1", ContentDefault)
	_, err := f.migrator.BulkCopy(ctx)
	require.NoError(t, err)

	// Written after the first copy; the finalize catch-up must carry it.
	f.single.Set(ctx, "late", "2", ContentDefault)

	require.NoError(t, f.migrator.Finalize(ctx))
	assert.Equal(t, PhaseFinalized, f.migrator.Phase())
	assert.True(t, f.clusterHolds("late"))

	// Post-finalize writes must not touch the single-node cache.
	f.migrator.Set(ctx, "new", "3", ContentDefault)
	_, ok := f.single.Get(ctx, "new")
	assert.False(t, ok)
	assert.True(t, f.clusterHolds("new"))

	got, ok := f.migrator.Get(ctx, "new")
	require.True(t, ok)
	assert.Equal(t, "3", got)
}

func TestVerificationHealsClusterMismatch(t *testing.T) {
	f := newMigrationFixture(t, MigratorConfig{ClusterReadPercent: 100, VerifyReads: true})
	ctx := context.Background()

	f.migrator.phase.Store(int32(PhaseDualWrite))
	f.migrator.intn = func(int) int { return 0 }

	f.single.Set(ctx, "k", "correct", ContentDefault)
	f.cluster.Set(ctx, "k", "stale", ContentDefault)

	got, ok := f.migrator.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "stale", got, "cluster value is served as-is; verification is post-hoc")

	// Verification runs asynchronously; wait for the heal to land.
	require.Eventually(t, func() bool {
		val, ok := f.cluster.Get(ctx, "k")
		return ok && val == "correct"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), f.migrator.Mismatches())
}
