// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventConnectionOpened EventType = "CONNECTION_OPENED"
	EventConnectionClosed EventType = "CONNECTION_CLOSED"
	EventClientRejected   EventType = "CLIENT_REJECTED"
	EventCommandReceived  EventType = "COMMAND_RECEIVED"
	EventCommandCompleted EventType = "COMMAND_COMPLETED"
	EventCommandReplied   EventType = "COMMAND_REPLIED"
	EventCommandDiscarded EventType = "COMMAND_DISCARDED"
)

// Event represents something an agent did, fanned out to observers
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Type      EventType  `json:"type"`
	Agent     string     `json:"agent"`
	Source    string     `json:"source"`
	Data      JSONObject `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewEvent creates an event stamped with a fresh id and the current time
func NewEvent(eventType EventType, agent, source string, data JSONObject) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Agent:     agent,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}
}
