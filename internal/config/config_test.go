package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/llm-gateway/internal/cache"
	"github.com/jonesrussell/llm-gateway/internal/selection"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
server:
  port: 9090
redis:
  addr: redis.internal:6379
cache:
  cost_per_token: 0.000002
  ttls:
    regulatory: 24h
    market_trends: 168h
gateway:
  request_timeout: 10s
  cache_enabled: true
scraper:
  max_concurrent_jobs: 3
  domain_defaults:
    requests_per_minute: 5
`)

	cfg, err := Load[Config](path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTLs[cache.ContentRegulatory])
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTLs[cache.ContentMarketTrends])
	assert.Equal(t, 10*time.Second, cfg.Gateway.RequestTimeout)
	assert.True(t, cfg.Gateway.CacheEnabled)
	assert.Equal(t, 3, cfg.Scraper.MaxConcurrentJobs)
	assert.Equal(t, 5, cfg.Scraper.DomainDefaults.RequestsPerMinute)
}

func TestEnvOverridesWinOverFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
redis:
  addr: file.redis:6379
`)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("REDIS_ADDR", "env.redis:6379")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadWithDefaults[Config](path, func(c *Config) { c.SetDefaults() })
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env.redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSetDefaultsFillsUnsetFields(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Cluster.ReplicationFactor)
	assert.Equal(t, cache.DefaultHealthCheckInterval, cfg.Cluster.HealthCheckInterval)
	assert.NotZero(t, cfg.Gateway.RequestTimeout)
	assert.NotZero(t, cfg.Scraper.MaxConcurrentJobs)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"unknown provider", func(c *Config) { c.Provider.Kind = "cohere" }},
		{"cluster without nodes", func(c *Config) { c.Cluster.Enabled = true }},
		{"node without addr", func(c *Config) {
			c.Cluster.Enabled = true
			c.Cluster.Nodes = []NodeConfig{{Name: "cache-1"}}
		}},
		{"read percent out of range", func(c *Config) {
			c.Cluster.Enabled = true
			c.Cluster.Nodes = []NodeConfig{{Name: "cache-1", Addr: "localhost:7001"}}
			c.Cluster.Migration.ClusterReadPercent = 150
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidAfterDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
}

func TestModelsPartial(t *testing.T) {
	t.Run("empty section leaves policy untouched", func(t *testing.T) {
		var m ModelsConfig
		p := m.Partial()
		assert.Nil(t, p.Models)
		assert.Nil(t, p.Overrides)
	})

	t.Run("partial tier keeps built-in counterpart", func(t *testing.T) {
		m := ModelsConfig{HighTier: "gpt-4-turbo"}
		p := m.Partial()
		require.NotNil(t, p.Models)
		assert.Equal(t, "gpt-4-turbo", p.Models.High)
		assert.Equal(t, "gpt-3.5-turbo", p.Models.Medium)
	})

	t.Run("task overrides are converted", func(t *testing.T) {
		m := ModelsConfig{TaskOverrides: map[string]string{"summary": "gpt-3.5-turbo"}}
		p := m.Partial()
		assert.Equal(t, "gpt-3.5-turbo", p.Overrides[selection.TaskSummary])
	})
}
