// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// CommandRepository defines command journal data access operations
type CommandRepository interface {
	Create(ctx context.Context, record *model.CommandRecord) error
	CreateBatch(ctx context.Context, records []*model.CommandRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.CommandRecord, error)
	List(ctx context.Context, filter *CommandFilter) ([]*model.CommandRecord, error)
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// CommandFilter represents journal listing filters
type CommandFilter struct {
	Agent  string     `json:"agent,omitempty"`
	Name   string     `json:"name,omitempty"`
	Source string     `json:"source,omitempty"`
	Failed *bool      `json:"failed,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}
