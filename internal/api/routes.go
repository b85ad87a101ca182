package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/alerts"
	"github.com/rawblock/fraud-engine/internal/blacklist"
	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/internal/db"
	"github.com/rawblock/fraud-engine/internal/detector"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Handler carries the wired subsystems behind the HTTP surface. Store and
// dbStore may be nil when running without Postgres; the handlers degrade to
// the in-memory equivalents.
type Handler struct {
	detector *detector.Detector
	alerts   *alerts.Manager
	configs  *config.Store
	store    blacklist.Store
	dbStore  *db.PostgresStore
	wsHub    *Hub
	log      *zap.Logger
}

// SetupRouter builds the gin engine with all routes and middleware.
func SetupRouter(det *detector.Detector, am *alerts.Manager, cfgs *config.Store, store blacklist.Store, dbStore *db.PostgresStore, wsHub *Hub, registry *prometheus.Registry, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS is configurable via ALLOWED_ORIGINS; empty or "*" allows all.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &Handler{
		detector: det,
		alerts:   am,
		configs:  cfgs,
		store:    store,
		dbStore:  dbStore,
		wsHub:    wsHub,
		log:      log,
	}

	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/health", h.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		limiter := NewRateLimiter(300, 60)
		protected := api.Group("")
		protected.Use(AuthMiddleware(log), limiter.Middleware())
		{
			protected.POST("/analyze", h.handleAnalyze)
			protected.GET("/stats", h.handleStats)
			protected.GET("/rules", h.handleListRules)
			protected.POST("/rules/reload", h.handleReloadRules)
			protected.GET("/alerts", h.handleListAlerts)
			protected.GET("/blacklist", h.handleListBlacklist)
			protected.POST("/blacklist", h.handleAddBlacklist)
			protected.DELETE("/blacklist/:address", h.handleRemoveBlacklist)
		}
	}

	return r
}

// handleAnalyze runs one transaction through the pipeline and returns its
// assessment. POST /api/v1/analyze
func (h *Handler) handleAnalyze(c *gin.Context) {
	var tx models.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	assessment, err := h.detector.Analyze(c.Request.Context(), tx)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "transaction rejected", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, assessment)
}

// handleHealth reports engine status for service discovery and probes.
func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "operational",
		"engine":        "fraud-engine",
		"configVersion": h.detector.ConfigVersion(),
		"rules":         h.detector.RuleNames(),
		"dbConnected":   h.dbStore != nil,
	})
}

// handleStats returns pipeline counters and graph footprint.
func (h *Handler) handleStats(c *gin.Context) {
	nodes, edges := h.detector.GraphSize()
	payload := gin.H{
		"pipeline": h.detector.Stats(),
		"graph":    gin.H{"nodes": nodes, "edges": edges},
	}
	if h.dbStore != nil {
		if counts, err := h.dbStore.AssessmentCountsByLevel(c.Request.Context()); err == nil {
			payload["persistedByLevel"] = counts
		}
	}
	c.JSON(http.StatusOK, payload)
}

// handleListRules returns the active rule configuration snapshot.
func (h *Handler) handleListRules(c *gin.Context) {
	snap := h.configs.Current()
	c.JSON(http.StatusOK, gin.H{
		"version":  snap.Version,
		"loadedAt": snap.LoadedAt,
		"rules":    snap.Rules(),
	})
}

// handleReloadRules re-reads the rule file and atomically swaps the active
// snapshot. In-flight evaluations keep the snapshot they started with.
func (h *Handler) handleReloadRules(c *gin.Context) {
	snap, err := h.configs.Reload()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "reload failed, previous snapshot still active", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": snap.Version, "rules": len(snap.Rules())})
}

// handleListAlerts returns recent alerts, from Postgres when available and
// memory otherwise. GET /api/v1/alerts?page=1&limit=50
func (h *Handler) handleListAlerts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if h.dbStore != nil {
		list, total, err := h.dbStore.ListAlerts(c.Request.Context(), page, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alerts", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": list, "totalCount": total, "page": page, "limit": limit})
		return
	}

	list := h.alerts.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"data": list, "totalCount": len(list), "page": 1, "limit": limit})
}

// handleListBlacklist returns all active blacklist entries.
func (h *Handler) handleListBlacklist(c *gin.Context) {
	entries, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "blacklist store unavailable", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "totalCount": len(entries)})
}

// handleAddBlacklist upserts one entry. Requires Postgres; the in-memory
// store is seed-only.
func (h *Handler) handleAddBlacklist(c *gin.Context) {
	var entry models.BlacklistEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if entry.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	if entry.Severity.Rank() == 0 {
		entry.Severity = models.RiskHigh
	}
	entry.Active = true

	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "blacklist curation requires a database"})
		return
	}
	if err := h.dbStore.UpsertBlacklistEntry(c.Request.Context(), entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store entry", "details": err.Error()})
		return
	}
	h.invalidateCache(c, entry.Address)
	c.JSON(http.StatusOK, gin.H{"address": models.NormalizeAddress(entry.Address), "status": "listed"})
}

// handleRemoveBlacklist deactivates one entry.
func (h *Handler) handleRemoveBlacklist(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "blacklist curation requires a database"})
		return
	}
	address := c.Param("address")
	if err := h.dbStore.DeactivateBlacklistEntry(c.Request.Context(), address); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.invalidateCache(c, address)
	c.JSON(http.StatusOK, gin.H{"address": models.NormalizeAddress(address), "status": "deactivated"})
}

// invalidateCache drops the Redis entry for an address after curation.
func (h *Handler) invalidateCache(c *gin.Context, address string) {
	if cached, ok := h.store.(*blacklist.CachedStore); ok {
		cached.Invalidate(c.Request.Context(), address)
	}
}

// BroadcastAlert adapts the hub into the alert manager's fan-out callback.
func BroadcastAlert(wsHub *Hub, log *zap.Logger) func(alerts.Alert) {
	return func(alert alerts.Alert) {
		payload, err := json.Marshal(gin.H{"type": "fraud_alert", "alert": alert})
		if err != nil {
			log.Error("alert broadcast marshal failed", zap.Error(err))
			return
		}
		wsHub.Broadcast(payload)
	}
}
