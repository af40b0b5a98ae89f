package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/llm-gateway/internal/logger"
)

// NewRouter builds the gin engine with all routes and middleware. The
// registry may be nil, which omits the /metrics endpoint. Mutating
// routes require a Bearer JWT when authSecret is set.
func NewRouter(h *Handler, authSecret string, registry *prometheus.Registry) *gin.Engine {
	if h.Log == nil {
		h.Log = logger.NewNop()
	}

	router := gin.New()
	router.Use(recovery(h.Log))
	router.Use(requestLogger(h.Log))

	router.GET("/health", h.Health)
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.POST("/chat", h.Chat)
	v1.GET("/cache/stats", h.CacheStats)
	v1.GET("/usage/stats", h.UsageStats)
	v1.GET("/usage/recent", h.UsageRecent)
	v1.GET("/scrape/:id", h.GetScrape)

	admin := v1.Group("")
	admin.Use(authRequired(authSecret))
	admin.POST("/cache/migration/bulk-copy", h.BulkCopy)
	admin.POST("/cache/migration/finalize", h.Finalize)
	admin.PUT("/cache/migration/read-percent", h.SetReadPercent)
	admin.POST("/scrape", h.CreateScrape)
	admin.DELETE("/scrape/:id", h.CancelScrape)
	admin.PUT("/domains/:domain/limit", h.SetDomainLimit)
	admin.DELETE("/domains/:domain/limit", h.RemoveDomainLimit)
	admin.PUT("/models", h.UpdateModels)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	})

	return router
}
