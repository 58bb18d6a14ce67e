// internal/handler/journal_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/repository"
	"github.com/baileyji/M2FS-Control-sub000/internal/service"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

// JournalReader is the read side of the command journal
type JournalReader interface {
	List(ctx context.Context, filter *repository.CommandFilter) ([]*model.CommandRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*model.CommandRecord, error)
	Stats() service.JournalStats
}

// JournalHandler serves journal records over HTTP
type JournalHandler struct {
	journal JournalReader
	logger  *utils.ServiceLogger
}

// NewJournalHandler creates a new journal handler
func NewJournalHandler(journal JournalReader, logger *zap.Logger) *JournalHandler {
	return &JournalHandler{
		journal: journal,
		logger:  utils.NewServiceLogger(logger, "journal-handler"),
	}
}

// RegisterRoutes registers journal routes
func (h *JournalHandler) RegisterRoutes(router *gin.RouterGroup) {
	journal := router.Group("/journal")
	{
		journal.GET("", h.ListRecords)
		journal.GET("/stats", h.GetStats)
		journal.GET("/:id", h.GetRecord)
	}
}

// ListRecords lists journal records. Supported filters: agent, name,
// source, failed, since (RFC3339) and limit (at most 1000).
func (h *JournalHandler) ListRecords(c *gin.Context) {
	filter := &repository.CommandFilter{
		Agent:  c.Query("agent"),
		Name:   c.Query("name"),
		Source: c.Query("source"),
	}

	if failed := c.Query("failed"); failed != "" {
		value, err := strconv.ParseBool(failed)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid failed filter", err)
			return
		}
		filter.Failed = &value
	}
	if since := c.Query("since"); since != "" {
		date, err := time.Parse(time.RFC3339, since)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid since filter", err)
			return
		}
		filter.Since = &date
	}
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 && l <= 1000 {
			filter.Limit = l
		}
	}

	records, err := h.journal.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list journal records", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list journal records", err)
		return
	}
	if records == nil {
		records = []*model.CommandRecord{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Journal records retrieved", records)
}

// GetRecord returns the journal record of one command
func (h *JournalHandler) GetRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid command ID", err)
		return
	}

	record, err := h.journal.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			utils.ErrorResponse(c, http.StatusNotFound, "Journal record not found", err)
			return
		}
		h.logger.Error("Failed to get journal record", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get journal record", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Journal record retrieved", record)
}

// GetStats returns journal throughput counters
func (h *JournalHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Journal stats retrieved", h.journal.Stats())
}
