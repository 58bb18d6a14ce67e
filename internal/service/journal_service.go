// internal/service/journal_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/repository"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

const (
	journalBatchSize     = 32
	journalFlushInterval = 2 * time.Second
	journalWriteTimeout  = 5 * time.Second
	journalPruneInterval = time.Hour
)

// JournalStats reports journal throughput
type JournalStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pruned  int64 `json:"pruned"`
}

// JournalService records every replied or discarded command. It is an
// agent event sink: Publish only enqueues, Run does the writing.
type JournalService struct {
	repo      repository.CommandRepository
	events    chan model.Event
	retention time.Duration
	logger    *utils.ServiceLogger

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
	pruned  atomic.Int64
}

// NewJournalService creates a journal with a queue of queueSize events.
// Records older than retention are pruned hourly; zero keeps everything.
func NewJournalService(repo repository.CommandRepository, queueSize int, retention time.Duration, logger *zap.Logger) *JournalService {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &JournalService{
		repo:      repo,
		events:    make(chan model.Event, queueSize),
		retention: retention,
		logger:    utils.NewServiceLogger(logger, "journal-service"),
	}
}

// Publish enqueues command outcome events and ignores everything else
func (s *JournalService) Publish(event model.Event) {
	if event.Type != model.EventCommandReplied && event.Type != model.EventCommandDiscarded {
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Journal queue full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// Run writes queued events in batches until ctx is cancelled, then
// flushes whatever is still queued
func (s *JournalService) Run(ctx context.Context) {
	s.logger.LogServiceStart("journal", map[string]interface{}{
		"batch_size": journalBatchSize,
		"retention":  s.retention.String(),
	})
	defer s.logger.LogServiceStop("context cancelled")

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	var prune <-chan time.Time
	if s.retention > 0 {
		pruneTicker := time.NewTicker(journalPruneInterval)
		defer pruneTicker.Stop()
		prune = pruneTicker.C
	}

	batch := make([]*model.CommandRecord, 0, journalBatchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-s.events:
					batch = s.append(batch, event)
				default:
					s.flush(batch)
					return
				}
			}
		case event := <-s.events:
			batch = s.append(batch, event)
			if len(batch) >= journalBatchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-prune:
			s.Prune(ctx)
		}
	}
}

// List returns journal records matching filter, newest first
func (s *JournalService) List(ctx context.Context, filter *repository.CommandFilter) ([]*model.CommandRecord, error) {
	return s.repo.List(ctx, filter)
}

// Get returns the journal record of one command
func (s *JournalService) Get(ctx context.Context, id uuid.UUID) (*model.CommandRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// Prune deletes records older than the retention period
func (s *JournalService) Prune(ctx context.Context) {
	if s.retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune command journal", zap.Error(err))
		return
	}
	s.pruned.Add(deleted)
	if deleted > 0 {
		s.logger.Info("Pruned command journal",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}

// Stats returns journal counters
func (s *JournalService) Stats() JournalStats {
	return JournalStats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Pruned:  s.pruned.Load(),
	}
}

func (s *JournalService) append(batch []*model.CommandRecord, event model.Event) []*model.CommandRecord {
	record, err := RecordFromEvent(event)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("Skipping malformed command event", zap.Error(err))
		return batch
	}
	return append(batch, record)
}

func (s *JournalService) flush(batch []*model.CommandRecord) []*model.CommandRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	start := time.Now()
	err := s.repo.CreateBatch(ctx, batch)
	s.logger.LogDatabaseQuery("INSERT command_journal", []interface{}{len(batch)}, time.Since(start), err)
	if err != nil {
		s.failed.Add(int64(len(batch)))
	} else {
		s.written.Add(int64(len(batch)))
	}
	return batch[:0]
}

// RecordFromEvent converts a COMMAND_REPLIED or COMMAND_DISCARDED event
// into a journal record
func RecordFromEvent(event model.Event) (*model.CommandRecord, error) {
	rawID, _ := event.Data["command_id"].(string)
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid command_id %q: %w", rawID, err)
	}

	record := &model.CommandRecord{
		ID:        id,
		Agent:     event.Agent,
		Source:    event.Source,
		RepliedAt: event.Timestamp,
		Discarded: event.Type == model.EventCommandDiscarded,
		Metadata:  model.JSONObject{"event_id": event.ID.String()},
	}
	record.Name, _ = event.Data["name"].(string)
	record.Text, _ = event.Data["text"].(string)
	record.Reply, _ = event.Data["reply"].(string)
	record.Failed = strings.HasPrefix(record.Reply, "ERROR")

	if receivedAt, ok := event.Data["received_at"].(time.Time); ok {
		record.ReceivedAt = receivedAt
	} else {
		record.ReceivedAt = event.Timestamp
	}

	switch ms := event.Data["duration_ms"].(type) {
	case int64:
		record.DurationMs = int(ms)
	case int:
		record.DurationMs = ms
	case float64:
		record.DurationMs = int(ms)
	}

	return record, nil
}
