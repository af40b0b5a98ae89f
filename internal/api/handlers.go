// Package api exposes the gateway over HTTP: a completion endpoint,
// cache and usage introspection, scrape job management, and runtime
// tuning of model selection and domain limits.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/llm-gateway/internal/cache"
	"github.com/jonesrussell/llm-gateway/internal/config"
	"github.com/jonesrussell/llm-gateway/internal/gateway"
	"github.com/jonesrussell/llm-gateway/internal/logger"
	"github.com/jonesrussell/llm-gateway/internal/provider"
	"github.com/jonesrussell/llm-gateway/internal/scraper"
	"github.com/jonesrussell/llm-gateway/internal/selection"
	"github.com/jonesrussell/llm-gateway/internal/usage"
)

// Completer produces a completion for a message history.
type Completer interface {
	Complete(ctx context.Context, messages []provider.Message, opts gateway.Options) (string, error)
}

// Handler carries the service dependencies for all routes. Cluster and
// Migrator are nil when the service runs on a single cache node.
type Handler struct {
	Gateway   Completer
	Cache     *cache.RedisCache
	Cluster   *cache.Cluster
	Migrator  *cache.Migrator
	Ledger    *usage.Ledger
	Queue     *scraper.Queue
	Selection *selection.Config
	Log       logger.Logger
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}

// Health reports service liveness plus cluster and migration state.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.Cluster != nil {
		resp["cluster_healthy"] = h.Cluster.IsHealthy()
	}
	if h.Migrator != nil {
		resp["migration_phase"] = h.Migrator.Phase().String()
	}
	c.JSON(http.StatusOK, resp)
}

// ChatMessage is one turn of the inbound conversation.
type ChatMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

// ChatRequest is the completion request body.
type ChatRequest struct {
	Messages          []ChatMessage `json:"messages" binding:"required"`
	TaskType          string        `json:"task_type"`
	ContentType       string        `json:"content_type"`
	UserID            string        `json:"user_id"`
	HasStructuredData bool          `json:"has_structured_data"`
	Temperature       float64       `json:"temperature"`
	MaxTokens         int           `json:"max_tokens"`
}

// ChatResponse is the completion response body.
type ChatResponse struct {
	Text string `json:"text"`
}

// Chat runs a completion through the gateway.
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	messages := make([]provider.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}

	text, err := h.Gateway.Complete(c.Request.Context(), messages, gateway.Options{
		TaskType:          selection.TaskType(req.TaskType),
		HasStructuredData: req.HasStructuredData,
		ContentType:       cache.ContentType(req.ContentType),
		UserID:            req.UserID,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrNoMessages):
			abortError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, gateway.ErrRateLimited):
			abortError(c, http.StatusTooManyRequests, "upstream rate limit exhausted")
		case errors.Is(err, gateway.ErrServiceUnavailable):
			abortError(c, http.StatusServiceUnavailable, "all models unavailable")
		default:
			h.Log.Error("completion failed", logger.Error(err))
			abortError(c, http.StatusBadGateway, "completion failed")
		}
		return
	}

	c.JSON(http.StatusOK, ChatResponse{Text: text})
}

// CacheStatsResponse reports cache effectiveness and topology state.
type CacheStatsResponse struct {
	Stats     cache.Stats        `json:"stats"`
	Cluster   []cache.NodeStatus `json:"cluster,omitempty"`
	Migration *MigrationStatus   `json:"migration,omitempty"`
}

// MigrationStatus reports where the cache migration stands.
type MigrationStatus struct {
	Phase              string `json:"phase"`
	ClusterReadPercent int    `json:"cluster_read_percent"`
	Mismatches         int64  `json:"mismatches"`
}

// CacheStats reports hit/miss counters and estimated savings.
func (h *Handler) CacheStats(c *gin.Context) {
	resp := CacheStatsResponse{Stats: h.Cache.Stats()}
	if h.Cluster != nil {
		resp.Cluster = h.Cluster.Status()
	}
	if h.Migrator != nil {
		resp.Migration = &MigrationStatus{
			Phase:              h.Migrator.Phase().String(),
			ClusterReadPercent: h.Migrator.ClusterReadPercent(),
			Mismatches:         h.Migrator.Mismatches(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// BulkCopy seeds the cluster from the single node and advances the
// migration to dual-write.
func (h *Handler) BulkCopy(c *gin.Context) {
	if h.Migrator == nil {
		abortError(c, http.StatusConflict, "no migration configured")
		return
	}
	copied, err := h.Migrator.BulkCopy(c.Request.Context())
	if err != nil {
		h.Log.Error("bulk copy failed", logger.Error(err))
		abortError(c, http.StatusInternalServerError, "bulk copy failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"copied": copied, "phase": h.Migrator.Phase().String()})
}

// Finalize runs a catch-up copy and pins all traffic to the cluster.
func (h *Handler) Finalize(c *gin.Context) {
	if h.Migrator == nil {
		abortError(c, http.StatusConflict, "no migration configured")
		return
	}
	if err := h.Migrator.Finalize(c.Request.Context()); err != nil {
		h.Log.Error("migration finalize failed", logger.Error(err))
		abortError(c, http.StatusInternalServerError, "finalize failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": h.Migrator.Phase().String()})
}

// ReadPercentRequest adjusts the dual-write read split.
type ReadPercentRequest struct {
	Percent int `json:"percent"`
}

// SetReadPercent adjusts how many reads the cluster serves during
// dual-write.
func (h *Handler) SetReadPercent(c *gin.Context) {
	if h.Migrator == nil {
		abortError(c, http.StatusConflict, "no migration configured")
		return
	}
	var req ReadPercentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		abortError(c, http.StatusBadRequest, "percent must be between 0 and 100")
		return
	}
	h.Migrator.SetClusterReadPercent(req.Percent)
	c.JSON(http.StatusOK, gin.H{"cluster_read_percent": h.Migrator.ClusterReadPercent()})
}

// UsageStats aggregates usage over an optional time range and user.
func (h *Handler) UsageStats(c *gin.Context) {
	var start, end time.Time
	if s := c.Query("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			abortError(c, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		start = t
	}
	if s := c.Query("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			abortError(c, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		end = t
	} else {
		end = time.Now()
	}

	c.JSON(http.StatusOK, h.Ledger.Stats(start, end, c.Query("user_id")))
}

// UsageRecent returns the most recent usage records, newest first.
func (h *Handler) UsageRecent(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			abortError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"records": h.Ledger.Recent(limit)})
}

// ScrapeRequest queues a page fetch.
type ScrapeRequest struct {
	URL      string `json:"url" binding:"required"`
	Priority string `json:"priority"`
}

// CreateScrape enqueues a scrape job.
func (h *Handler) CreateScrape(c *gin.Context) {
	var req ScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := scraper.ParsePriority(req.Priority)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.Queue.Enqueue(req.URL, priority)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetScrape returns one job's current state.
func (h *Handler) GetScrape(c *gin.Context) {
	job, ok := h.Queue.Job(c.Param("id"))
	if !ok {
		abortError(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelScrape cancels a queued or in-flight job.
func (h *Handler) CancelScrape(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.Queue.Job(id); !ok {
		abortError(c, http.StatusNotFound, "job not found")
		return
	}
	if !h.Queue.Cancel(id) {
		abortError(c, http.StatusConflict, "job already finished")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(scraper.StatusCancelled)})
}

// SetDomainLimit overrides the politeness budget for one domain.
func (h *Handler) SetDomainLimit(c *gin.Context) {
	var limit scraper.DomainLimit
	if err := c.ShouldBindJSON(&limit); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	domain := c.Param("domain")
	h.Queue.SetDomainLimit(domain, limit)
	c.JSON(http.StatusOK, gin.H{"domain": domain, "limit": limit})
}

// RemoveDomainLimit restores the default budget for one domain.
func (h *Handler) RemoveDomainLimit(c *gin.Context) {
	domain := c.Param("domain")
	h.Queue.RemoveDomainLimit(domain)
	c.JSON(http.StatusOK, gin.H{"domain": domain})
}

// UpdateModels applies a runtime model-selection override.
func (h *Handler) UpdateModels(c *gin.Context) {
	var req config.ModelsConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.Selection.Update(req.Partial())
	c.JSON(http.StatusOK, gin.H{"models": h.Selection.Models()})
}
