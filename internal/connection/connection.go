// internal/connection/connection.go
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

const (
	defaultChunkSize   = 1024
	defaultOpenTimeout = 10 * time.Second
	defaultMaxInbound  = 4096

	// writeSlice bounds one reactor write on transports that take deadlines
	writeSlice          = 20 * time.Millisecond
	defaultWriteTimeout = 30 * time.Second
)

// Option configures a Connection
type Option func(*Connection)

// WithTerminator sets the message terminator (default "\n")
func WithTerminator(term string) Option {
	return func(c *Connection) {
		if term != "" {
			c.terminator = []byte(term)
		}
	}
}

// WithLogger sets the base logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithNotify registers the channel used to wake the reactor when the
// connection has something for it
func WithNotify(notify chan<- *Connection) Option {
	return func(c *Connection) {
		c.notify = notify
	}
}

// WithDefaultResponse sets the callback used when no one-shot response
// callback is registered
func WithDefaultResponse(fn ResponseFunc) Option {
	return func(c *Connection) {
		c.response.SetDefault(fn)
	}
}

// WithDefaultError sets the callback used when no one-shot error callback
// is registered
func WithDefaultError(fn ErrorFunc) Option {
	return func(c *Connection) {
		c.onErr.SetDefault(fn)
	}
}

// WithPostConnect installs a validation step run right after the transport
// opens. A failure closes the connection.
func WithPostConnect(fn func(ctx context.Context, c *Connection) error) Option {
	return func(c *Connection) {
		c.postConnect = fn
	}
}

// WithPreClose installs a teardown step run before the transport closes.
// Its error is logged, not returned.
func WithPreClose(fn func(c *Connection) error) Option {
	return func(c *Connection) {
		c.preClose = fn
	}
}

// WithChunkSize sets the transport read size
func WithChunkSize(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithOpenTimeout bounds the implicit open performed by SendAsync
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.openTimeout = d
		}
	}
}

// WithMaxInbound caps the unterminated bytes the connection buffers. A
// peer that exceeds it faults the connection.
func WithMaxInbound(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.maxInbound = n
		}
	}
}

// WithWriteTimeout sets how long queued output may go without progress
// before the connection faults
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithRole marks the connection as a device link or a client socket
func WithRole(role model.ConnectionRole) Option {
	return func(c *Connection) {
		c.role = role
	}
}

// Connection frames a line protocol on top of a Transport. It owns the
// inbound and outbound buffers and the one-shot callback slots, and is
// driven by a reactor through the Poll* predicates and On* handlers.
//
// A reader goroutine ("pump") moves bytes from the transport into the
// inbound buffer while the connection is open and wakes the reactor.
type Connection struct {
	name        string
	role        model.ConnectionRole
	transport   protocol.Transport
	terminator  []byte
	logger      *zap.Logger
	chunkSize    int
	maxInbound   int
	openTimeout  time.Duration
	writeTimeout time.Duration
	postConnect func(ctx context.Context, c *Connection) error
	preClose    func(c *Connection) error
	notify      chan<- *Connection

	openMu sync.Mutex

	mu        sync.Mutex
	state     model.ConnectionState
	inbound   []byte
	outbound  []byte
	response  Slot[ResponseFunc]
	sent      Slot[SentFunc]
	onErr     Slot[ErrorFunc]
	fault     error
	gen       uint64
	held      int
	dataReady chan struct{}
	// lastWrite is when outbound was queued or last made progress
	lastWrite time.Time
	// pumpDone is closed when the reader of the latest generation exits
	pumpDone chan struct{}
}

// New creates a new, unopened connection over transport
func New(name string, transport protocol.Transport, opts ...Option) *Connection {
	c := &Connection{
		name:        name,
		role:        model.ConnectionRoleDevice,
		transport:   transport,
		terminator:  []byte("\n"),
		logger:      zap.NewNop(),
		chunkSize:    defaultChunkSize,
		maxInbound:   defaultMaxInbound,
		openTimeout:  defaultOpenTimeout,
		writeTimeout: defaultWriteTimeout,
		state:        model.ConnectionStateUnopened,
		dataReady:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = utils.NewConnectionLogger(c.logger, name, transport.GetProtocolType(), transport.Address())
	return c
}

// Name returns the connection name
func (c *Connection) Name() string {
	return c.name
}

// Role returns whether this is a device link or a client socket
func (c *Connection) Role() model.ConnectionRole {
	return c.role
}

// Transport gives access to the underlying transport for
// transport-specific operations
func (c *Connection) Transport() protocol.Transport {
	return c.transport
}

// Terminator returns the message terminator
func (c *Connection) Terminator() string {
	return string(c.terminator)
}

// Logger returns the connection-scoped logger
func (c *Connection) Logger() *zap.Logger {
	return c.logger
}

// IsOpen reports whether the connection is open
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.ConnectionStateOpen
}

// State returns the lifecycle state
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open establishes the transport and runs the post-connect validation.
// Opening an open connection is a no-op. On failure the connection is
// closed and the error wraps ErrConnect.
func (c *Connection) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if c.IsOpen() {
		return nil
	}

	// the previous reader must be gone before the transport reopens, or it
	// could read from the new handle
	c.mu.Lock()
	previous := c.pumpDone
	c.mu.Unlock()
	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: previous reader still running: %w", ErrConnect, c.name, ctx.Err())
		}
	}

	if err := c.transport.Open(ctx); err != nil {
		c.disconnect()
		return fmt.Errorf("%w: %s: %w", ErrConnect, c.name, err)
	}

	c.mu.Lock()
	c.state = model.ConnectionStateOpen
	c.gen++
	gen := c.gen
	c.inbound = nil
	c.outbound = nil
	c.fault = nil
	done := make(chan struct{})
	c.pumpDone = done
	c.mu.Unlock()

	go c.pump(gen, done)

	if c.postConnect != nil {
		release := c.Hold()
		err := c.postConnect(ctx, c)
		release()
		if err != nil {
			c.logger.Error("Post-connect validation failed", zap.Error(err))
			c.disconnect()
			return fmt.Errorf("%w: %s: %w", ErrConnect, c.name, err)
		}
	}

	c.logger.Info("Connection opened")
	c.wake()
	return nil
}

// Close runs the pre-close teardown and closes the transport. Closing a
// closed connection is a no-op. Teardown failures are logged.
func (c *Connection) Close() {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if !c.IsOpen() {
		return
	}

	if c.preClose != nil {
		if err := c.preClose(c); err != nil {
			c.logger.Error("Pre-close teardown failed", zap.Error(err))
		}
	}

	c.disconnect()
}

// disconnect drops all buffered state and closes the transport without
// running teardown hooks
func (c *Connection) disconnect() {
	c.mu.Lock()
	wasOpen := c.state == model.ConnectionStateOpen
	c.state = model.ConnectionStateClosed
	c.gen++
	c.inbound = nil
	c.outbound = nil
	c.fault = nil
	c.response.Reset()
	c.sent.Reset()
	c.onErr.Reset()
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.logger.Error("Failed to close transport", zap.Error(err))
	}

	c.signalData()
	if wasOpen {
		c.logger.Info("Connection closed")
		c.wake()
	}
}

// pump copies transport reads into the inbound buffer until the
// connection generation changes or the transport faults
func (c *Connection) pump(gen uint64, done chan struct{}) {
	defer close(done)

	buf := make([]byte, c.chunkSize)
	for {
		if !c.current(gen) {
			return
		}

		n, err := c.transport.Read(buf)

		c.mu.Lock()
		if c.gen != gen || c.state != model.ConnectionStateOpen {
			c.mu.Unlock()
			return
		}
		if n > 0 {
			c.inbound = append(c.inbound, buf[:n]...)
			if err == nil && unterminated(c.inbound, c.terminator) > c.maxInbound {
				err = fmt.Errorf("%w: more than %d bytes without a terminator", ErrInboundOverflow, c.maxInbound)
			}
		}
		if err != nil {
			c.fault = fmt.Errorf("%w: %w", ErrRead, err)
		}
		c.mu.Unlock()

		if n > 0 || err != nil {
			c.signalData()
			c.wake()
		}
		if err != nil {
			return
		}
	}
}

// unterminated returns the length of the trailing partial message
func unterminated(buf, terminator []byte) int {
	idx := bytes.LastIndex(buf, terminator)
	if idx < 0 {
		return len(buf)
	}
	return len(buf) - idx - len(terminator)
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == model.ConnectionStateOpen
}

func (c *Connection) signalData() {
	select {
	case c.dataReady <- struct{}{}:
	default:
	}
}

func (c *Connection) wake() {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()

	if notify == nil {
		return
	}
	select {
	case notify <- c:
	default:
	}
}

// Attach routes wake-ups to a reactor's notify channel
func (c *Connection) Attach(notify chan<- *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = notify
}

// Info returns a snapshot for monitoring
func (c *Connection) Info() model.ConnectionInfo {
	c.mu.Lock()
	info := model.ConnectionInfo{
		Name:          c.name,
		Role:          c.role,
		Type:          c.transport.GetProtocolType(),
		Address:       c.transport.Address(),
		State:         c.state,
		InboundBytes:  len(c.inbound),
		OutboundBytes: len(c.outbound),
		Held:          c.held > 0,
	}
	c.mu.Unlock()

	info.Stats = c.transport.Stats()
	return info
}

// isPeerClose reports whether err is an orderly hang-up by the peer
func isPeerClose(err error) bool {
	return errors.Is(err, io.EOF)
}
