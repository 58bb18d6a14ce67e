// internal/model/command.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// CommandState represents the life-cycle state of a client command
type CommandState string

const (
	CommandStateReceived CommandState = "RECEIVED"
	CommandStatePending  CommandState = "PENDING"
	CommandStateComplete CommandState = "COMPLETE"
)

// CommandInfo is a point-in-time view of a tracked command
type CommandInfo struct {
	ID         uuid.UUID    `json:"id"`
	Name       string       `json:"name"`
	Text       string       `json:"text"`
	Source     string       `json:"source"`
	State      CommandState `json:"state"`
	Reply      string       `json:"reply,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// CommandRecord represents a replied command stored in the journal
type CommandRecord struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Agent      string     `json:"agent" db:"agent"`
	Source     string     `json:"source" db:"source"`
	Name       string     `json:"name" db:"name"`
	Text       string     `json:"text" db:"text"`
	Reply      string     `json:"reply" db:"reply"`
	Failed     bool       `json:"failed" db:"failed"`
	Discarded  bool       `json:"discarded" db:"discarded"`
	ReceivedAt time.Time  `json:"received_at" db:"received_at"`
	RepliedAt  time.Time  `json:"replied_at" db:"replied_at"`
	DurationMs int        `json:"duration_ms" db:"duration_ms"`
	Metadata   JSONObject `json:"metadata" db:"metadata"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
