package config

import (
	"fmt"
	"time"

	"github.com/jonesrussell/llm-gateway/internal/cache"
	"github.com/jonesrussell/llm-gateway/internal/gateway"
	"github.com/jonesrussell/llm-gateway/internal/logger"
	"github.com/jonesrussell/llm-gateway/internal/provider"
	"github.com/jonesrussell/llm-gateway/internal/scraper"
	"github.com/jonesrussell/llm-gateway/internal/selection"
	"github.com/jonesrussell/llm-gateway/internal/usage"
)

// Config is the full gateway service configuration.
type Config struct {
	Logging  logger.Config  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Cache    CacheConfig    `yaml:"cache"`
	Provider ProviderConfig `yaml:"provider"`
	Models   ModelsConfig   `yaml:"models"`
	Gateway  gateway.Config `yaml:"gateway"`
	Usage    usage.Config   `yaml:"usage"`
	Scraper  ScraperConfig  `yaml:"scraper"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Redis.SetDefaults()
	c.Cluster.SetDefaults()
	c.Gateway.SetDefaults()
	c.Scraper.Config.SetDefaults()
}

// Validate checks the loaded configuration for unusable values.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	return c.Cluster.Validate()
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"SERVER_HOST"`
	Port         int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetDefaults applies default values to unset fields.
func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Validate checks the server settings.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server.port: %d is not a valid port", c.Port)
	}
	return nil
}

// AuthConfig holds admin API authentication settings. An empty secret
// disables authentication on mutating routes.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// RedisConfig holds the single-node Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// SetDefaults applies default values to unset fields.
func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
}

// NodeConfig is one cluster cache node.
type NodeConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MigrationConfig tunes the single-node to cluster migration.
type MigrationConfig struct {
	// ClusterReadPercent is the initial share of reads served from the
	// cluster during dual-write (0-100).
	ClusterReadPercent int `yaml:"cluster_read_percent"`
	// VerifyReads enables async read verification with self-heal.
	VerifyReads bool `yaml:"verify_reads"`
	// BulkCopyOnStart runs the bulk copy as soon as the service starts.
	BulkCopyOnStart bool `yaml:"bulk_copy_on_start"`
}

// ClusterConfig holds the cluster cache topology. With Enabled false
// the service runs on the single node alone.
type ClusterConfig struct {
	Enabled             bool            `yaml:"enabled" env:"CACHE_CLUSTER_ENABLED"`
	Nodes               []NodeConfig    `yaml:"nodes"`
	ReplicationFactor   int             `yaml:"replication_factor"`
	HealthCheckInterval time.Duration   `yaml:"health_check_interval"`
	Migration           MigrationConfig `yaml:"migration"`
}

// SetDefaults applies default values to unset fields.
func (c *ClusterConfig) SetDefaults() {
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 1
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = cache.DefaultHealthCheckInterval
	}
	if c.Migration.ClusterReadPercent == 0 {
		c.Migration.ClusterReadPercent = 10
	}
}

// Validate checks the cluster topology.
func (c *ClusterConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("cluster.nodes: at least one node is required when the cluster is enabled")
	}
	for i, n := range c.Nodes {
		if n.Addr == "" {
			return fmt.Errorf("cluster.nodes[%d].addr: is required", i)
		}
	}
	if c.Migration.ClusterReadPercent < 0 || c.Migration.ClusterReadPercent > 100 {
		return fmt.Errorf("cluster.migration.cluster_read_percent: must be between 0 and 100")
	}
	return nil
}

// CacheConfig holds response cache tuning shared by the single node and
// the cluster.
type CacheConfig struct {
	// TTLs overrides the default TTL per content type.
	TTLs map[cache.ContentType]time.Duration `yaml:"ttls"`
	// CostPerToken is the reference rate for savings estimation.
	CostPerToken float64 `yaml:"cost_per_token" env:"CACHE_COST_PER_TOKEN"`
	// Memory tunes the in-process tier in front of Redis.
	Memory cache.MemoryConfig `yaml:"memory"`
}

// ProviderConfig picks and configures the upstream LLM provider.
type ProviderConfig struct {
	// Kind selects the provider: "openai" or "anthropic".
	Kind      string                   `yaml:"kind" env:"PROVIDER_KIND"`
	OpenAI    provider.OpenAIConfig    `yaml:"openai"`
	Anthropic provider.AnthropicConfig `yaml:"anthropic"`
}

// Validate checks the provider selection.
func (c *ProviderConfig) Validate() error {
	switch c.Kind {
	case "", "openai", "anthropic":
		return nil
	default:
		return fmt.Errorf("provider.kind: unknown provider %q", c.Kind)
	}
}

// ModelsConfig overrides the default model selection policy.
type ModelsConfig struct {
	// HighTier is the model for high-complexity task types.
	HighTier string `yaml:"high_tier" json:"high_tier" env:"MODEL_HIGH_TIER"`
	// Standard is the model for everything else.
	Standard string `yaml:"standard" json:"standard" env:"MODEL_STANDARD"`
	// TaskOverrides pins specific task types to specific models.
	TaskOverrides map[string]string `yaml:"task_overrides" json:"task_overrides"`
}

// Partial converts the section into a selection update. Empty fields
// leave the built-in policy untouched.
func (c *ModelsConfig) Partial() selection.Partial {
	var p selection.Partial
	if c.HighTier != "" || c.Standard != "" {
		high, standard := c.HighTier, c.Standard
		if high == "" {
			high = selection.NewConfig().Models().High
		}
		if standard == "" {
			standard = selection.NewConfig().Models().Medium
		}
		m := selection.ModelMapping{High: high, Medium: standard, Low: standard}
		p.Models = &m
	}
	if len(c.TaskOverrides) > 0 {
		p.Overrides = make(map[selection.TaskType]string, len(c.TaskOverrides))
		for task, model := range c.TaskOverrides {
			p.Overrides[selection.TaskType(task)] = model
		}
	}
	return p
}

// ScraperConfig wraps the queue settings with the fetcher settings.
type ScraperConfig struct {
	scraper.Config `yaml:",inline"`

	Fetcher scraper.FetcherConfig `yaml:"fetcher"`
}
