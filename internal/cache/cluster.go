package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/llm-gateway/internal/logger"
)

// Cluster defaults.
const (
	DefaultHealthCheckInterval = 10 * time.Second
	defaultPingTimeout         = 2 * time.Second
)

// Node is one member of the cache cluster.
type Node struct {
	Name   string
	Client redis.UniversalClient
}

// NodeStatus reports the last observed health of one node.
type NodeStatus struct {
	Name    string    `json:"name"`
	Up      bool      `json:"up"`
	Checked time.Time `json:"checked"`
}

// ClusterConfig configures a Cluster.
type ClusterConfig struct {
	// TTLs overrides the default TTL per content type.
	TTLs map[ContentType]time.Duration `yaml:"ttls"`
	// ReplicationFactor is how many nodes each entry is written to
	// (primary shard plus replicas). Minimum 1.
	ReplicationFactor int `yaml:"replication_factor"`
	// HealthCheckInterval is how often nodes are pinged.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// Cluster shards cache entries across multiple Redis nodes by key hash.
// A background loop pings every node and routing only considers nodes
// that answered their last ping. Like RedisCache, all backend errors are
// absorbed.
type Cluster struct {
	nodes  []Node
	ttls   map[ContentType]time.Duration
	factor int
	log    logger.Logger

	mu     sync.RWMutex
	health []NodeStatus

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

// NewCluster creates a Cluster over the given nodes and starts its health
// loop. Call Close to stop it. All nodes start as healthy; the first ping
// round corrects that if needed.
func NewCluster(nodes []Node, cfg ClusterConfig, log logger.Logger) *Cluster {
	if log == nil {
		log = logger.NewNop()
	}
	ttls := DefaultTTLs()
	for ct, ttl := range cfg.TTLs {
		if ttl > 0 {
			ttls[ct] = ttl
		}
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}

	health := make([]NodeStatus, len(nodes))
	for i, n := range nodes {
		health[i] = NodeStatus{Name: n.Name, Up: true, Checked: time.Now()}
	}

	c := &Cluster{
		nodes:  nodes,
		ttls:   ttls,
		factor: cfg.ReplicationFactor,
		log:    log,
		health: health,
		ticker: time.NewTicker(cfg.HealthCheckInterval),
		done:   make(chan struct{}),
	}
	go c.healthLoop()
	return c
}

func (c *Cluster) healthLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.checkNodes()
		}
	}
}

func (c *Cluster) checkNodes() {
	for i, n := range c.nodes {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
		err := n.Client.Ping(ctx).Err()
		cancel()

		up := err == nil
		c.mu.Lock()
		was := c.health[i].Up
		c.health[i] = NodeStatus{Name: n.Name, Up: up, Checked: time.Now()}
		c.mu.Unlock()

		if was != up {
			if up {
				c.log.Info("cluster node recovered", logger.String("node", n.Name))
			} else {
				c.log.Warn("cluster node down",
					logger.String("node", n.Name),
					logger.Error(err),
				)
			}
		}
	}
}

// healthyIndexes returns the indexes of nodes currently marked up.
func (c *Cluster) healthyIndexes() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := make([]int, 0, len(c.nodes))
	for i, s := range c.health {
		if s.Up {
			idx = append(idx, i)
		}
	}
	return idx
}

// shard returns up to factor healthy nodes for key, primary first.
func (c *Cluster) shard(key string) []Node {
	healthy := c.healthyIndexes()
	if len(healthy) == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	start := int(h.Sum32()) % len(healthy)
	if start < 0 {
		start += len(healthy)
	}

	count := c.factor
	if count > len(healthy) {
		count = len(healthy)
	}
	nodes := make([]Node, 0, count)
	for i := 0; i < count; i++ {
		nodes = append(nodes, c.nodes[healthy[(start+i)%len(healthy)]])
	}
	return nodes
}

// Get returns the cached value for key, trying the primary shard node
// first and then replicas.
func (c *Cluster) Get(ctx context.Context, key string) (string, bool) {
	for _, n := range c.shard(key) {
		val, err := n.Client.Get(ctx, namespacedKey(key)).Result()
		if err == nil {
			return val, true
		}
		if err != redis.Nil {
			c.log.Warn("cluster get failed on node",
				logger.String("node", n.Name),
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}
	return "", false
}

// Set stores value under key with the TTL class for ct on the primary
// shard node and its replicas.
func (c *Cluster) Set(ctx context.Context, key, value string, ct ContentType) {
	ttl, ok := c.ttls[ct]
	if !ok {
		ttl = c.ttls[ContentDefault]
	}
	c.SetWithTTL(ctx, key, value, ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (c *Cluster) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) {
	for _, n := range c.shard(key) {
		if err := n.Client.Set(ctx, namespacedKey(key), value, ttl).Err(); err != nil {
			c.log.Warn("cluster set failed on node",
				logger.String("node", n.Name),
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}
}

// Delete removes key from every node holding it.
func (c *Cluster) Delete(ctx context.Context, key string) {
	for _, n := range c.shard(key) {
		if err := n.Client.Del(ctx, namespacedKey(key)).Err(); err != nil {
			c.log.Warn("cluster delete failed on node",
				logger.String("node", n.Name),
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}
}

// IsHealthy reports whether a majority of nodes answered their last ping.
func (c *Cluster) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	up := 0
	for _, s := range c.health {
		if s.Up {
			up++
		}
	}
	return up*2 > len(c.health)
}

// Status returns a snapshot of per-node health.
func (c *Cluster) Status() []NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NodeStatus, len(c.health))
	copy(out, c.health)
	return out
}

// Close stops the health loop. Node clients are owned by the caller and
// are not closed here.
func (c *Cluster) Close() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.done)
	})
}
