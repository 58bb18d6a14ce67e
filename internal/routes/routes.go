// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/config"
	"github.com/baileyji/M2FS-Control-sub000/internal/handler"
	"github.com/baileyji/M2FS-Control-sub000/internal/middleware"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config    *config.MonitorConfig
	logger    *zap.Logger
	agent     handler.AgentView
	db        handler.JournalStore
	journal   handler.JournalReader
	ports     handler.PortScanner
	websocket *handler.WebSocketHandler
}

// NewRouter creates a new router instance. db, journal, ports and
// websocket may be nil when the matching feature is disabled.
func NewRouter(
	config *config.MonitorConfig,
	logger *zap.Logger,
	agent handler.AgentView,
	db handler.JournalStore,
	journal handler.JournalReader,
	ports handler.PortScanner,
	websocket *handler.WebSocketHandler,
) *Router {
	return &Router{
		config:    config,
		logger:    logger,
		agent:     agent,
		db:        db,
		journal:   journal,
		ports:     ports,
		websocket: websocket,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	switch r.config.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(r.config.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(utils.NewServiceLogger(r.logger, "monitor")))
	router.Use(middleware.CORSMiddleware(r.config))
}

// addRoutes sets up all monitor routes
func (r *Router) addRoutes(router *gin.Engine) {
	handler.NewHealthHandler(r.agent, r.db, r.logger).RegisterRoutes(router.Group(""))

	apiV1 := router.Group("/api/v1")
	handler.NewAgentHandler(r.agent, r.logger).RegisterRoutes(apiV1)
	if r.journal != nil {
		handler.NewJournalHandler(r.journal, r.logger).RegisterRoutes(apiV1)
	}
	if r.ports != nil {
		handler.NewDiscoveryHandler(r.ports, r.logger).RegisterRoutes(apiV1)
	}

	if r.websocket != nil {
		r.websocket.RegisterRoutes(router.Group("/ws"))
	}

	r.logger.Debug("Monitor routes configured")
}
