package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/llm-gateway/internal/api"
	"github.com/jonesrussell/llm-gateway/internal/cache"
	"github.com/jonesrussell/llm-gateway/internal/gateway"
	"github.com/jonesrussell/llm-gateway/internal/logger"
	"github.com/jonesrussell/llm-gateway/internal/provider"
	"github.com/jonesrussell/llm-gateway/internal/scraper"
	"github.com/jonesrussell/llm-gateway/internal/selection"
	"github.com/jonesrussell/llm-gateway/internal/usage"
)

type fakeCompleter struct {
	text string
	err  error
	opts gateway.Options
}

func (f *fakeCompleter) Complete(_ context.Context, _ []provider.Message, opts gateway.Options) (string, error) {
	f.opts = opts
	return f.text, f.err
}

type fixture struct {
	router    *gin.Engine
	completer *fakeCompleter
	queue     *scraper.Queue
	migrator  *cache.Migrator
}

func newFixture(t *testing.T, authSecret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	single := cache.NewRedis(redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()}), cache.RedisConfig{}, nil)
	node := cache.Node{Name: "cache-1", Client: redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})}
	cluster := cache.NewCluster([]cache.Node{node}, cache.ClusterConfig{}, nil)
	t.Cleanup(cluster.Close)
	migrator := cache.NewMigrator(single, cluster, cache.MigratorConfig{}, nil)

	queue := scraper.NewQueue(scraper.Config{}, func(ctx context.Context, job *scraper.Job) (any, error) {
		return "ok", nil
	}, scraper.Events{}, nil, nil)
	t.Cleanup(queue.Stop)

	ledger := usage.New(usage.Config{Enabled: true})
	ledger.Record(usage.Record{
		Model:    "gpt-4",
		TaskType: selection.TaskRegulatory,
		Usage:    usage.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	})

	completer := &fakeCompleter{text: "hello"}
	h := &api.Handler{
		Gateway:   completer,
		Cache:     single,
		Cluster:   cluster,
		Migrator:  migrator,
		Ledger:    ledger,
		Queue:     queue,
		Selection: selection.NewConfig(),
		Log:       logger.NewNop(),
	}

	return &fixture{
		router:    api.NewRouter(h, authSecret, nil),
		completer: completer,
		queue:     queue,
		migrator:  migrator,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "bulk_copy", resp["migration_phase"])
}

func TestChat(t *testing.T) {
	t.Run("success passes options through", func(t *testing.T) {
		f := newFixture(t, "")
		w := f.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
			"messages":     []map[string]string{{"role": "user", "content": "tariffs for coffee"}},
			"task_type":    "regulatory_analysis",
			"content_type": "regulatory",
			"user_id":      "u-1",
		})

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.ChatResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "hello", resp.Text)
		assert.Equal(t, selection.TaskRegulatory, f.completer.opts.TaskType)
		assert.Equal(t, cache.ContentRegulatory, f.completer.opts.ContentType)
		assert.Equal(t, "u-1", f.completer.opts.UserID)
	})

	t.Run("missing messages is a 400", func(t *testing.T) {
		f := newFixture(t, "")
		w := f.do(t, http.MethodPost, "/api/v1/chat", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("gateway errors map to statuses", func(t *testing.T) {
		cases := []struct {
			err  error
			want int
		}{
			{gateway.ErrRateLimited, http.StatusTooManyRequests},
			{gateway.ErrServiceUnavailable, http.StatusServiceUnavailable},
			{errors.New("boom"), http.StatusBadGateway},
		}
		for _, tc := range cases {
			f := newFixture(t, "")
			f.completer.err = tc.err
			w := f.do(t, http.MethodPost, "/api/v1/chat", map[string]any{
				"messages": []map[string]string{{"role": "user", "content": "hi"}},
			})
			assert.Equal(t, tc.want, w.Code)
		}
	})
}

func TestCacheStatsIncludesMigration(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(t, http.MethodGet, "/api/v1/cache/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp api.CacheStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Migration)
	assert.Equal(t, "bulk_copy", resp.Migration.Phase)
	require.Len(t, resp.Cluster, 1)
	assert.Equal(t, "cache-1", resp.Cluster[0].Name)
}

func TestMigrationEndpoints(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/v1/cache/migration/bulk-copy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cache.PhaseDualWrite, f.migrator.Phase())

	w = f.do(t, http.MethodPut, "/api/v1/cache/migration/read-percent", api.ReadPercentRequest{Percent: 50})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, f.migrator.ClusterReadPercent())

	w = f.do(t, http.MethodPut, "/api/v1/cache/migration/read-percent", api.ReadPercentRequest{Percent: 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/cache/migration/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cache.PhaseFinalized, f.migrator.Phase())
}

func TestUsageEndpoints(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/api/v1/usage/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats usage.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 150, stats.TotalTokens)
	assert.Equal(t, 1, stats.ByModel["gpt-4"].Requests)

	w = f.do(t, http.MethodGet, "/api/v1/usage/stats?start=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/usage/recent?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/usage/recent?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScrapeLifecycle(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/v1/scrape", api.ScrapeRequest{
		URL:      "https://example.com/catalog",
		Priority: "high",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var job scraper.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "example.com", job.Domain)

	w = f.do(t, http.MethodGet, "/api/v1/scrape/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/scrape/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/scrape/"+job.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/scrape/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/scrape", api.ScrapeRequest{URL: "https://example.com/", Priority: "asap"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDomainLimitEndpoints(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPut, "/api/v1/domains/example.com/limit", scraper.DomainLimit{
		RequestsPerMinute:  3,
		ConcurrentRequests: 1,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/domains/example.com/limit", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateModels(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPut, "/api/v1/models", map[string]any{
		"high_tier": "gpt-4-turbo",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Models selection.ModelMapping `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gpt-4-turbo", resp.Models.High)
}

func TestAuthGuardsMutatingRoutes(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, secret)

	body := api.ScrapeRequest{URL: "https://example.com/"}

	w := f.do(t, http.MethodPost, "/api/v1/scrape", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/scrape", body, "Authorization", "Bearer nonsense")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		Sub: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	w = f.do(t, http.MethodPost, "/api/v1/scrape", body, "Authorization", "Bearer "+signed)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Read-only routes stay open.
	w = f.do(t, http.MethodGet, "/api/v1/usage/recent", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
