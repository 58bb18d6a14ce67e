// internal/command/command.go
package command

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

var (
	// ErrAlreadyComplete is returned when a reply is assigned twice
	ErrAlreadyComplete = errors.New("command already complete")
	// ErrInvalidTransition is returned for any transition other than
	// RECEIVED -> PENDING -> COMPLETE
	ErrInvalidTransition = errors.New("invalid command state transition")
)

// Command is one client request and its eventual reply
type Command struct {
	ID         uuid.UUID
	Source     *connection.Connection
	Name       string
	Text       string
	Args       []string
	ReceivedAt time.Time

	mu          sync.Mutex
	state       model.CommandState
	reply       string
	completedAt time.Time
}

// New parses text received on source into a Command. The first token,
// upper-cased, is the command name.
func New(source *connection.Connection, text string) *Command {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)

	cmd := &Command{
		ID:         uuid.New(),
		Source:     source,
		Text:       text,
		ReceivedAt: time.Now(),
		state:      model.CommandStateReceived,
	}
	if len(fields) > 0 {
		cmd.Name = strings.ToUpper(fields[0])
		cmd.Args = fields[1:]
	}
	return cmd
}

// Arg returns the i-th argument or "" when absent
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// IsQuery reports whether the command is query style
func (c *Command) IsQuery() bool {
	return strings.Contains(c.Text, "?")
}

// State returns the current life-cycle state
func (c *Command) State() model.CommandState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPending marks a received command as awaiting background completion
func (c *Command) SetPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != model.CommandStateReceived {
		return ErrInvalidTransition
	}
	c.state = model.CommandStatePending
	return nil
}

// Complete assigns the reply. It succeeds exactly once.
func (c *Command) Complete(reply string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == model.CommandStateComplete {
		return ErrAlreadyComplete
	}
	c.state = model.CommandStateComplete
	c.reply = reply
	c.completedAt = time.Now()
	return nil
}

// IsComplete reports whether a reply has been assigned
func (c *Command) IsComplete() bool {
	return c.State() == model.CommandStateComplete
}

// Reply returns the reply, empty until complete
func (c *Command) Reply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

// Duration returns the time from receipt to completion, or to now while
// the command is outstanding
func (c *Command) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completedAt.IsZero() {
		return time.Since(c.ReceivedAt)
	}
	return c.completedAt.Sub(c.ReceivedAt)
}

// SourceName returns the name of the originating connection
func (c *Command) SourceName() string {
	if c.Source == nil {
		return ""
	}
	return c.Source.Name()
}

// Info returns a snapshot for monitoring
func (c *Command) Info() model.CommandInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CommandInfo{
		ID:         c.ID,
		Name:       c.Name,
		Text:       c.Text,
		Source:     c.SourceName(),
		State:      c.state,
		Reply:      c.reply,
		ReceivedAt: c.ReceivedAt,
	}
}
