// Package app wires the gateway's components together and manages the
// service lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/llm-gateway/internal/api"
	"github.com/jonesrussell/llm-gateway/internal/cache"
	"github.com/jonesrussell/llm-gateway/internal/config"
	"github.com/jonesrussell/llm-gateway/internal/gateway"
	"github.com/jonesrussell/llm-gateway/internal/logger"
	"github.com/jonesrussell/llm-gateway/internal/metrics"
	"github.com/jonesrussell/llm-gateway/internal/provider"
	"github.com/jonesrussell/llm-gateway/internal/scraper"
	"github.com/jonesrussell/llm-gateway/internal/selection"
	"github.com/jonesrussell/llm-gateway/internal/usage"
)

const pingTimeout = 5 * time.Second

// Options configures App construction.
type Options struct {
	ConfigPath string
	Version    string
	// Debug forces debug-level console logging regardless of config.
	Debug bool
}

// App holds the wired service.
type App struct {
	config   *config.Config
	log      logger.Logger
	redis    redis.UniversalClient
	nodes    []redis.UniversalClient
	cluster  *cache.Cluster
	migrator *cache.Migrator
	local    *cache.Memory[string]
	queue    *scraper.Queue
	server   *api.Server
}

// New loads configuration and wires every component. The returned App
// is ready to Run.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadWithDefaults[config.Config](opts.ConfigPath, func(c *config.Config) {
		c.SetDefaults()
	})
	if err != nil {
		return nil, err
	}
	if opts.Debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log = log.With(
		logger.String("service", "llm-gateway"),
		logger.String("version", opts.Version),
	)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	m := metrics.New()
	single := cache.NewRedis(client, cache.RedisConfig{
		TTLs:         cfg.Cache.TTLs,
		CostPerToken: cfg.Cache.CostPerToken,
	}, log)

	app := &App{config: cfg, log: log, redis: client}

	// The gateway sees one cache either way: the migrator when a
	// cluster is configured, the single node otherwise.
	var gwCache gateway.Cache = single
	if cfg.Cluster.Enabled {
		nodes := make([]cache.Node, len(cfg.Cluster.Nodes))
		for i, n := range cfg.Cluster.Nodes {
			nodeClient := redis.NewClient(&redis.Options{
				Addr:     n.Addr,
				Password: n.Password,
				DB:       n.DB,
			})
			app.nodes = append(app.nodes, nodeClient)
			nodes[i] = cache.Node{Name: n.Name, Client: nodeClient}
		}
		app.cluster = cache.NewCluster(nodes, cache.ClusterConfig{
			TTLs:                cfg.Cache.TTLs,
			ReplicationFactor:   cfg.Cluster.ReplicationFactor,
			HealthCheckInterval: cfg.Cluster.HealthCheckInterval,
		}, log)
		app.migrator = cache.NewMigrator(single, app.cluster, cache.MigratorConfig{
			ClusterReadPercent: cfg.Cluster.Migration.ClusterReadPercent,
			VerifyReads:        cfg.Cluster.Migration.VerifyReads,
		}, log)
		gwCache = app.migrator
	}

	selCfg := selection.NewConfig()
	selCfg.Update(cfg.Models.Partial())
	selector := selection.NewSelector(selCfg)
	classifier := selection.NewClassifier(selCfg)

	// First-tier cache in front of Redis; repeated prompts skip the
	// network round trip entirely.
	if cfg.Gateway.CacheEnabled {
		app.local = cache.NewMemory[string](cfg.Cache.Memory)
	}

	ledger := usage.New(cfg.Usage)
	prov := newProvider(cfg.Provider)
	gw := gateway.New(cfg.Gateway, prov, gwCache, app.local, selector, classifier, ledger, m, log)

	fetcher := scraper.NewFetcher(cfg.Scraper.Fetcher)
	app.queue = scraper.NewQueue(cfg.Scraper.Config, fetcher.Execute, scraper.Events{
		OnFailed: func(j *scraper.Job) {
			log.Warn("scrape job failed",
				logger.String("job_id", j.ID),
				logger.String("url", j.URL),
				logger.String("error", j.Err),
			)
		},
	}, m, log)

	handler := &api.Handler{
		Gateway:   gw,
		Cache:     single,
		Cluster:   app.cluster,
		Migrator:  app.migrator,
		Ledger:    ledger,
		Queue:     app.queue,
		Selection: selCfg,
		Log:       log,
	}
	router := api.NewRouter(handler, cfg.Auth.JWTSecret, m.Registry())
	app.server = api.NewServer(cfg.Server, router, log)

	return app, nil
}

func newProvider(cfg config.ProviderConfig) provider.Provider {
	if cfg.Kind == "anthropic" {
		return provider.NewAnthropic(cfg.Anthropic)
	}
	return provider.NewOpenAI(cfg.OpenAI)
}

// Run starts the queue and HTTP server and blocks until a shutdown
// signal or a server error.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start()

	if a.migrator != nil && a.config.Cluster.Migration.BulkCopyOnStart {
		go func() {
			copied, err := a.migrator.BulkCopy(context.Background())
			if err != nil {
				a.log.Error("startup bulk copy failed", logger.Error(err))
				return
			}
			a.log.Info("startup bulk copy finished", logger.Int("copied", copied))
		}()
	}

	serverErr := a.server.StartAsync()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.log.Info("shutting down", logger.String("signal", sig.String()))
		return a.shutdown(ctx)
	case <-ctx.Done():
		return a.shutdown(context.Background())
	case err := <-serverErr:
		if err != nil {
			a.log.Error("server error", logger.Error(err))
		}
		a.stopComponents()
		return err
	}
}

func (a *App) shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.stopComponents()
	return err
}

func (a *App) stopComponents() {
	a.queue.Stop()
	if a.cluster != nil {
		a.cluster.Close()
	}
	if a.local != nil {
		a.local.Close()
	}
}

// Close releases connections and flushes the logger.
func (a *App) Close() error {
	if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		a.log.Warn("failed to close Redis client", logger.Error(err))
	}
	for _, n := range a.nodes {
		if err := n.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.log.Warn("failed to close cluster node client", logger.Error(err))
		}
	}
	return a.log.Sync()
}
