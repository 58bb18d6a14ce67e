// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/discovery"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

const maxScanTimeout = time.Minute

// PortScanner runs the discovery scanners
type PortScanner interface {
	ScanAll(ctx context.Context) ([]*discovery.DiscoveredPort, error)
	ScanByType(ctx context.Context, scannerType string) ([]*discovery.DiscoveredPort, error)
	GetAvailableScanners() []string
}

// DiscoveryHandler lists links a device adapter could be opened on
type DiscoveryHandler struct {
	scanner PortScanner
	logger  *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanner PortScanner, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanner: scanner,
		logger:  utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discoveryGroup := router.Group("/discovery")
	{
		discoveryGroup.GET("/scanners", h.ListScanners)
		discoveryGroup.GET("/ports", h.ScanPorts)
	}
}

// ScanPorts scans for candidate device links. Query parameters: type
// (all or a scanner type) and timeout (Go duration, at most one minute).
func (h *DiscoveryHandler) ScanPorts(c *gin.Context) {
	scanType := c.DefaultQuery("type", "all")

	timeout, err := time.ParseDuration(c.DefaultQuery("timeout", "10s"))
	if err != nil || timeout <= 0 || timeout > maxScanTimeout {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid scan timeout", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	var ports []*discovery.DiscoveredPort
	if scanType == "all" {
		ports, err = h.scanner.ScanAll(ctx)
	} else {
		ports, err = h.scanner.ScanByType(ctx, scanType)
	}
	if err != nil {
		h.logger.Error("Failed to scan ports", zap.String("type", scanType), zap.Error(err))
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to scan ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Port scan completed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

// ListScanners returns the available scanner types
func (h *DiscoveryHandler) ListScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved", h.scanner.GetAvailableScanners())
}
