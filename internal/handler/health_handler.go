// internal/handler/health_handler.go
package handler

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

// JournalStore is the database the journal writes to
type JournalStore interface {
	HealthCheck() error
	GetStats() sql.DBStats
}

// HealthHandler handles health check requests
type HealthHandler struct {
	agent     AgentView
	db        JournalStore
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler. db may be nil when the
// journal is disabled.
func NewHealthHandler(view AgentView, db JournalStore, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		agent:     view,
		db:        db,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/health/db", h.DatabaseHealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the agent loop, its device links and the journal
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.agent.Name(),
		Version:   h.agent.Cookie(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	if h.agent.Running() {
		health.Checks["agent"] = CheckResult{Status: "healthy", Message: "Agent loop running"}
	} else {
		health.Status = "unhealthy"
		health.Checks["agent"] = CheckResult{Status: "unhealthy", Message: "Agent loop stopped"}
	}

	devices := make(map[string]interface{})
	clients := 0
	for _, info := range h.agent.Connections() {
		if info.Role == model.ConnectionRoleClient {
			clients++
			continue
		}
		devices[info.Name] = info.State
	}
	health.Checks["devices"] = CheckResult{Status: "healthy", Data: devices}
	health.Checks["clients"] = CheckResult{Status: "healthy", Data: map[string]interface{}{"connected": clients}}

	if h.db != nil {
		if err := h.db.HealthCheck(); err != nil {
			health.Status = "unhealthy"
			health.Checks["journal"] = CheckResult{Status: "unhealthy", Message: err.Error()}
		} else {
			health.Checks["journal"] = CheckResult{Status: "healthy", Message: "Database connection OK"}
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// DatabaseHealthCheck checks journal database connectivity
func (h *HealthHandler) DatabaseHealthCheck(c *gin.Context) {
	if h.db == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Journal disabled", nil)
		return
	}

	startTime := time.Now()
	if err := h.db.HealthCheck(); err != nil {
		h.logger.Error("Database health check failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Database unhealthy", err)
		return
	}

	stats := h.db.GetStats()
	utils.SuccessResponse(c, http.StatusOK, "Database is healthy", gin.H{
		"status":           "healthy",
		"response_time_ms": time.Since(startTime).Milliseconds(),
		"stats": gin.H{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration":    stats.WaitDuration,
		},
	})
}

// ReadinessCheck succeeds once the agent loop is accepting clients
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.agent.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "agent not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck succeeds whenever the process can respond
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
