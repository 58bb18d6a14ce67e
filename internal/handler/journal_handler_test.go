package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/repository"
	"github.com/baileyji/M2FS-Control-sub000/internal/service"
)

type fakeJournal struct {
	records    []*model.CommandRecord
	lastFilter *repository.CommandFilter
	err        error
}

func (f *fakeJournal) List(_ context.Context, filter *repository.CommandFilter) ([]*model.CommandRecord, error) {
	f.lastFilter = filter
	return f.records, f.err
}

func (f *fakeJournal) Get(_ context.Context, id uuid.UUID) (*model.CommandRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, record := range f.records {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", repository.ErrRecordNotFound, id)
}

func (f *fakeJournal) Stats() service.JournalStats {
	return service.JournalStats{Written: 7, Dropped: 1}
}

func TestJournalHandler_ListRecords(t *testing.T) {
	journal := &fakeJournal{records: []*model.CommandRecord{{ID: uuid.New(), Name: "FOCUS", Reply: "OK"}}}
	engine := newTestEngine(t, NewJournalHandler(journal, zaptest.NewLogger(t)).RegisterRoutes)

	var records []model.CommandRecord
	recorder := get(t, engine, "/journal?name=focus&failed=true&since=2026-01-02T15:04:05Z&limit=5")
	require.Equal(t, http.StatusOK, recorder.Code)
	decode(t, recorder, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "OK", records[0].Reply)

	filter := journal.lastFilter
	require.NotNil(t, filter)
	assert.Equal(t, "focus", filter.Name)
	require.NotNil(t, filter.Failed)
	assert.True(t, *filter.Failed)
	require.NotNil(t, filter.Since)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), filter.Since.UTC())
	assert.Equal(t, 5, filter.Limit)
}

func TestJournalHandler_ListRecordsRejectsBadFilters(t *testing.T) {
	journal := &fakeJournal{}
	engine := newTestEngine(t, NewJournalHandler(journal, zaptest.NewLogger(t)).RegisterRoutes)

	assert.Equal(t, http.StatusBadRequest, get(t, engine, "/journal?failed=maybe").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, engine, "/journal?since=yesterday").Code)
	assert.Nil(t, journal.lastFilter)

	recorder := get(t, engine, "/journal?limit=5000")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Zero(t, journal.lastFilter.Limit, "out of range limits fall back to the default")
	assert.Contains(t, recorder.Body.String(), `"data":[]`)
}

func TestJournalHandler_GetRecord(t *testing.T) {
	id := uuid.New()
	journal := &fakeJournal{records: []*model.CommandRecord{{ID: id, Name: "GES"}}}
	engine := newTestEngine(t, NewJournalHandler(journal, zaptest.NewLogger(t)).RegisterRoutes)

	var record model.CommandRecord
	recorder := get(t, engine, "/journal/"+id.String())
	require.Equal(t, http.StatusOK, recorder.Code)
	decode(t, recorder, &record)
	assert.Equal(t, "GES", record.Name)

	assert.Equal(t, http.StatusNotFound, get(t, engine, "/journal/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, engine, "/journal/not-a-uuid").Code)

	journal.err = errors.New("connection reset")
	assert.Equal(t, http.StatusInternalServerError, get(t, engine, "/journal/"+id.String()).Code)
}

func TestJournalHandler_Stats(t *testing.T) {
	engine := newTestEngine(t, NewJournalHandler(&fakeJournal{}, zaptest.NewLogger(t)).RegisterRoutes)

	var stats service.JournalStats
	recorder := get(t, engine, "/journal/stats")
	require.Equal(t, http.StatusOK, recorder.Code)
	decode(t, recorder, &stats)
	assert.EqualValues(t, 7, stats.Written)
	assert.EqualValues(t, 1, stats.Dropped)
}
