package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

func TestBuildListQuery_Defaults(t *testing.T) {
	query, args := buildListQuery(nil)

	assert.NotContains(t, query, "WHERE")
	assert.True(t, strings.HasSuffix(query, "ORDER BY received_at DESC LIMIT $1"))
	assert.Equal(t, []interface{}{100}, args)
}

func TestBuildListQuery_Filters(t *testing.T) {
	failed := true
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	query, args := buildListQuery(&CommandFilter{
		Agent:  "GalilAgent",
		Name:   "focus",
		Failed: &failed,
		Since:  &since,
		Limit:  10,
	})

	assert.Contains(t, query, "WHERE agent = $1 AND name = $2 AND failed = $3 AND received_at >= $4")
	assert.True(t, strings.HasSuffix(query, "LIMIT $5"))
	assert.Equal(t, []interface{}{"GalilAgent", "FOCUS", true, since, 10}, args)
}

func TestBuildListQuery_Source(t *testing.T) {
	query, args := buildListQuery(&CommandFilter{Source: "client-3"})

	assert.Contains(t, query, "WHERE source = $1")
	assert.Equal(t, []interface{}{"client-3", 100}, args)
}

func TestRecordArgs_MatchInsertColumns(t *testing.T) {
	record := &model.CommandRecord{ID: uuid.New(), Name: "GES", Metadata: model.JSONObject{"event_id": "e"}}

	args := recordArgs(record)
	assert.Len(t, args, 12)
	assert.Equal(t, record.ID, args[0])
	assert.Equal(t, "GES", args[3])
	assert.Equal(t, record.Metadata, args[11])
}
