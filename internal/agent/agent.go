// internal/agent/agent.go
package agent

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/command"
	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// Replies the agent produces on its own
const (
	ReplyUnrecognized = "ERROR: Unrecognized command."
	ReplyBusy         = "ERROR: Command already in progress."
	ReplyTooMany      = "ERROR: Too many clients."
	ReplyOK           = "OK"
)

// CommandName is the upper-cased leading token of a client request
type CommandName string

// CommandStatus is answered by every agent with its cookie
const CommandStatus CommandName = "STATUS"

// HandlerFunc handles one command. It either completes cmd before
// returning or hands it to Agent.Go. A returned error is treated as a
// transport fault and becomes an "ERROR: <reason>" reply.
type HandlerFunc func(ctx context.Context, a *Agent, cmd *command.Command) error

// Table maps command names to handlers
type Table map[CommandName]HandlerFunc

// Hook runs once per loop iteration on the loop goroutine
type Hook func(ctx context.Context, a *Agent)

// EventSink receives agent events. Publish must not block.
type EventSink interface {
	Publish(event model.Event)
}

// Settings are the constructor parameters of an Agent
type Settings struct {
	Name           string
	ListenAddr     string
	MaxClients     int
	Cookie         string
	PollInterval   time.Duration
	CommandTimeout time.Duration
}

// Option configures an Agent
type Option func(*Agent)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithListener supplies an already bound listener instead of ListenAddr
func WithListener(l net.Listener) Option {
	return func(a *Agent) {
		a.listener = l
	}
}

// WithDevice registers a device connection driven by the loop
func WithDevice(c *connection.Connection) Option {
	return func(a *Agent) {
		a.devices = append(a.devices, c)
	}
}

// WithHook adds a per-iteration hook
func WithHook(h Hook) Option {
	return func(a *Agent) {
		a.hooks = append(a.hooks, h)
	}
}

// WithEventSink adds an observer of agent events
func WithEventSink(sink EventSink) Option {
	return func(a *Agent) {
		a.sinks = append(a.sinks, sink)
	}
}

type result struct {
	cmd   *command.Command
	reply string
	err   error
}

// Agent is the reactor: one goroutine owns every connection's buffers,
// dispatches client commands by name and flushes their replies.
type Agent struct {
	settings Settings
	handlers Table
	logger   *zap.Logger
	listener net.Listener
	devices  []*connection.Connection
	hooks    []Hook
	sinks    []EventSink

	notify   chan *connection.Connection
	accepted chan net.Conn
	results  chan result
	stopped  chan struct{}

	// owned by the loop goroutine
	runCtx   context.Context
	clients  []*connection.Connection
	commands []*command.Command

	// read concurrently by the monitor
	registry *xsync.MapOf[string, *connection.Connection]
	tracked  *xsync.MapOf[uuid.UUID, *command.Command]

	clientSeq atomic.Uint64
	running   atomic.Bool
	workers   sync.WaitGroup
	stopOnce  sync.Once
}

// New creates an agent and binds its listener. Command names in handlers
// are matched case-insensitively; STATUS is provided unless overridden.
func New(settings Settings, handlers Table, opts ...Option) (*Agent, error) {
	if settings.MaxClients < 1 {
		settings.MaxClients = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Second
	}

	a := &Agent{
		settings: settings,
		handlers: make(Table, len(handlers)+1),
		logger:   zap.NewNop(),
		notify:   make(chan *connection.Connection, 64),
		accepted: make(chan net.Conn),
		results:  make(chan result, 16),
		stopped:  make(chan struct{}),
		registry: xsync.NewMapOf[string, *connection.Connection](),
		tracked:  xsync.NewMapOf[uuid.UUID, *command.Command](),
	}

	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(
		zap.String("agent", settings.Name),
		zap.String("component", "agent"),
	)

	a.handlers[CommandStatus] = statusHandler
	for name, handler := range handlers {
		key := CommandName(strings.ToUpper(strings.TrimSpace(string(name))))
		if key == "" || handler == nil {
			return nil, fmt.Errorf("invalid handler table entry %q", name)
		}
		a.handlers[key] = handler
	}

	for _, device := range a.devices {
		device.Attach(a.notify)
		a.registry.Store(device.Name(), device)
	}

	if a.listener == nil {
		listener, err := net.Listen("tcp", settings.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", settings.ListenAddr, err)
		}
		a.listener = listener
	}

	return a, nil
}

// Name returns the agent name
func (a *Agent) Name() string {
	return a.settings.Name
}

// Cookie returns the STATUS reply
func (a *Agent) Cookie() string {
	return a.settings.Cookie
}

// Addr returns the listener address
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

// Logger returns the agent logger
func (a *Agent) Logger() *zap.Logger {
	return a.logger
}

// Running reports whether the loop is active
func (a *Agent) Running() bool {
	return a.running.Load()
}

// Commands lists the names the agent dispatches
func (a *Agent) Commands() []CommandName {
	names := make([]CommandName, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	return names
}

// Connections returns a snapshot of device and client connections
func (a *Agent) Connections() []model.ConnectionInfo {
	infos := make([]model.ConnectionInfo, 0, a.registry.Size())
	a.registry.Range(func(_ string, c *connection.Connection) bool {
		infos = append(infos, c.Info())
		return true
	})
	return infos
}

// Connection returns one connection snapshot by name
func (a *Agent) Connection(name string) (model.ConnectionInfo, bool) {
	c, ok := a.registry.Load(name)
	if !ok {
		return model.ConnectionInfo{}, false
	}
	return c.Info(), true
}

// PendingCommands returns a snapshot of tracked, unreplied commands
func (a *Agent) PendingCommands() []model.CommandInfo {
	infos := make([]model.CommandInfo, 0, a.tracked.Size())
	a.tracked.Range(func(_ uuid.UUID, cmd *command.Command) bool {
		infos = append(infos, cmd.Info())
		return true
	})
	return infos
}

// ErrorReply formats err as a client reply
func ErrorReply(err error) string {
	return "ERROR: " + err.Error()
}

func statusHandler(_ context.Context, a *Agent, cmd *command.Command) error {
	return cmd.Complete(a.settings.Cookie)
}

func (a *Agent) publish(eventType model.EventType, source string, data model.JSONObject) {
	if len(a.sinks) == 0 {
		return
	}
	event := model.NewEvent(eventType, a.settings.Name, source, data)
	for _, sink := range a.sinks {
		sink.Publish(event)
	}
}
