// internal/repository/command_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/database"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// ErrRecordNotFound is returned when no journal row matches
var ErrRecordNotFound = errors.New("command record not found")

const commandColumns = `id, agent, source, name, text, reply, failed, discarded,
		received_at, replied_at, duration_ms, metadata, created_at`

// commandRepository implements CommandRepository on PostgreSQL
type commandRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewCommandRepository creates a new command repository
func NewCommandRepository(db *database.DB, logger *zap.Logger) CommandRepository {
	return &commandRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts one record
func (r *commandRepository) Create(ctx context.Context, record *model.CommandRecord) error {
	query := `
		INSERT INTO command_journal (
			id, agent, source, name, text, reply, failed, discarded,
			received_at, replied_at, duration_ms, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, recordArgs(record)...)
	if err != nil {
		r.logger.Error("Failed to journal command", zap.String("command_id", record.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to create command record: %w", err)
	}
	return nil
}

// CreateBatch inserts records in one transaction
func (r *commandRepository) CreateBatch(ctx context.Context, records []*model.CommandRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO command_journal (
			id, agent, source, name, text, reply, failed, discarded,
			received_at, replied_at, duration_ms, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, recordArgs(record)...); err != nil {
			return fmt.Errorf("failed to insert command record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit command records: %w", err)
	}
	return nil
}

// GetByID retrieves a record by command id
func (r *commandRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.CommandRecord, error) {
	query := `SELECT ` + commandColumns + ` FROM command_journal WHERE id = $1`

	record, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to get command record: %w", err)
	}
	return record, nil
}

// List returns records newest first
func (r *commandRepository) List(ctx context.Context, filter *CommandFilter) ([]*model.CommandRecord, error) {
	query, args := buildListQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list command records: %w", err)
	}
	defer rows.Close()

	var records []*model.CommandRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteOlderThan prunes records received before olderThan
func (r *commandRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM command_journal WHERE received_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune command records: %w", err)
	}
	return result.RowsAffected()
}

func buildListQuery(filter *CommandFilter) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	limit := 100
	if filter != nil {
		if filter.Agent != "" {
			add("agent = $%d", filter.Agent)
		}
		if filter.Name != "" {
			add("name = $%d", strings.ToUpper(filter.Name))
		}
		if filter.Source != "" {
			add("source = $%d", filter.Source)
		}
		if filter.Failed != nil {
			add("failed = $%d", *filter.Failed)
		}
		if filter.Since != nil {
			add("received_at >= $%d", *filter.Since)
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
	}

	query := `SELECT ` + commandColumns + ` FROM command_journal`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d", len(args))
	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.CommandRecord, error) {
	record := &model.CommandRecord{}
	err := row.Scan(
		&record.ID, &record.Agent, &record.Source, &record.Name, &record.Text,
		&record.Reply, &record.Failed, &record.Discarded, &record.ReceivedAt,
		&record.RepliedAt, &record.DurationMs, &record.Metadata, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func recordArgs(record *model.CommandRecord) []interface{} {
	return []interface{}{
		record.ID, record.Agent, record.Source, record.Name, record.Text,
		record.Reply, record.Failed, record.Discarded, record.ReceivedAt,
		record.RepliedAt, record.DurationMs, record.Metadata,
	}
}
