// internal/driver/galil/controller.go
package galil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
)

const (
	handshakeCommand = "\x12\x16"
	firmwareMarker   = "DMC"
	motorsOffCommand = "MO"
	abortCommand     = "AB"
)

// Config represents controller thread layout and timing
type Config struct {
	MotionThreads []int
	StatusThread  int
	ReplyTimeout  time.Duration
}

// DefaultConfig returns the stock layout: threads 2-5 for motion, 7 for
// status queries
func DefaultConfig() Config {
	return Config{
		MotionThreads: []int{2, 3, 4, 5},
		StatusThread:  7,
		ReplyTimeout:  2 * time.Second,
	}
}

// Controller speaks the Galil acknowledgment protocol over a Connection.
// Every round trip runs under mu with the connection held, so a status
// poll, the claim that follows it and the command send are one critical
// section.
type Controller struct {
	conn         *connection.Connection
	config       Config
	table        *ThreadTable
	logger       *zap.Logger
	mu           sync.Mutex
	firmware     atomic.Value
	lastPolledAt time.Time
}

// NewController creates a controller over transport. The connection is
// not opened until the first command or an explicit Open.
func NewController(name string, transport protocol.Transport, config Config, logger *zap.Logger) *Controller {
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = DefaultConfig().ReplyTimeout
	}

	c := &Controller{
		config: config,
		table:  NewThreadTable(config.MotionThreads),
		logger: logger.With(zap.String("controller", name), zap.String("component", "galil")),
	}
	c.conn = connection.New(name, transport,
		connection.WithTerminator(Terminator),
		connection.WithLogger(logger),
		connection.WithPostConnect(c.handshake),
		connection.WithPreClose(c.motorsOff),
	)
	return c
}

// Connection returns the device connection for registration with an agent
func (c *Controller) Connection() *connection.Connection {
	return c.conn
}

// Firmware returns the revision string reported at the last handshake
func (c *Controller) Firmware() string {
	firmware, _ := c.firmware.Load().(string)
	return firmware
}

// Open opens the connection and runs the firmware handshake
func (c *Controller) Open(ctx context.Context) error {
	return c.conn.Open(ctx)
}

// Close waits for any round trip in progress, then switches the motors
// off and closes the connection
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close()
}

// handshake asks for the firmware revision. It runs inside Open, with the
// connection already held, and must not take mu.
func (c *Controller) handshake(ctx context.Context, conn *connection.Connection) error {
	reply, err := c.exchange(ctx, handshakeCommand, 1)
	if err != nil {
		return fmt.Errorf("firmware handshake: %w", err)
	}
	if !strings.Contains(reply.Payload, firmwareMarker) {
		return fmt.Errorf("%w: unexpected firmware reply %q", ErrProtocolViolation, reply.Payload)
	}

	c.firmware.Store(reply.Payload)
	c.logger.Info("Controller handshake complete", zap.String("firmware", reply.Payload))
	return nil
}

// motorsOff runs before the connection closes. Close calls it with mu
// held; a direct Connection.Close must not race other controller users.
func (c *Controller) motorsOff(conn *connection.Connection) error {
	reply, err := c.exchange(context.Background(), motorsOffCommand, 1)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: %s", ErrNotAcknowledged, motorsOffCommand)
	}
	return nil
}

// exchange sends message and waits for one acknowledgment per
// sub-command. Callers hold the connection.
func (c *Controller) exchange(ctx context.Context, message string, acks int) (Reply, error) {
	if err := c.conn.SendBlocking(ctx, message, c.config.ReplyTimeout); err != nil {
		return Reply{}, err
	}

	token, err := c.conn.ReceiveBlockingFunc(ackSplit(acks), c.config.ReplyTimeout)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			c.conn.OnError(err)
		}
		return Reply{}, err
	}
	if token == nil {
		err := fmt.Errorf("%w: no reply to %q within %s", connection.ErrRead, message, c.config.ReplyTimeout)
		c.conn.OnError(err)
		return Reply{}, err
	}

	reply := parseReply(token)
	c.logger.Debug("Controller exchange",
		zap.String("command", message),
		zap.String("payload", reply.Payload),
		zap.String("acks", reply.Acks),
	)
	return reply, nil
}

// roundTrip serializes one exchange against every other controller user
func (c *Controller) roundTrip(ctx context.Context, message string, acks int) (Reply, error) {
	release := c.conn.Hold()
	defer release()
	return c.exchange(ctx, message, acks)
}

// pollThreads asks which threads are running. Callers hold mu.
func (c *Controller) pollThreads(ctx context.Context) ([]bool, error) {
	reply, err := c.roundTrip(ctx, ThreadStatusCommand(), 1)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, fmt.Errorf("%w: thread status poll", ErrNotAcknowledged)
	}

	running, err := ParseThreadStatus(reply.Payload)
	if err != nil {
		return nil, err
	}
	c.lastPolledAt = time.Now()
	return running, nil
}

// Motion starts subroutine on a free motion thread after a fresh status
// poll. The claimed thread stays marked for class even when the
// controller rejects the command.
func (c *Controller) Motion(ctx context.Context, class, subroutine string, vars []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running, err := c.pollThreads(ctx)
	if err != nil {
		return -1, err
	}
	c.table.Refresh(running)

	thread, err := c.table.Claim(class)
	if err != nil {
		return -1, err
	}

	message := Encode(vars, subroutine, thread)
	reply, err := c.roundTrip(ctx, message, SubCommands(message))
	if err != nil {
		return thread, err
	}
	if !reply.OK() {
		return thread, fmt.Errorf("%w: %s on thread %d", ErrNotAcknowledged, subroutine, thread)
	}
	if reply.Payload != "" {
		err := fmt.Errorf("%w: unexpected payload %q after %s", ErrProtocolViolation, reply.Payload, subroutine)
		c.conn.OnError(err)
		return thread, err
	}

	c.logger.Info("Motion started",
		zap.String("class", class),
		zap.String("subroutine", subroutine),
		zap.Int("thread", thread),
	)
	return thread, nil
}

// Query runs subroutine on the status thread and returns its payload.
// A rejected query is not retried. While a SHUTDOWN is recorded the table
// is re-polled first, and the query fails with ErrClassBusy if it is still
// running.
func (c *Controller) Query(ctx context.Context, subroutine string, vars []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.table.Holding(ClassShutdown); ok {
		running, err := c.pollThreads(ctx)
		if err != nil {
			return "", err
		}
		c.table.Refresh(running)
		if thread, ok := c.table.Holding(ClassShutdown); ok {
			return "", fmt.Errorf("%w: %s running on thread %d", ErrClassBusy, ClassShutdown, thread)
		}
	}

	message := Encode(vars, subroutine, c.config.StatusThread)
	reply, err := c.roundTrip(ctx, message, SubCommands(message))
	if err != nil {
		return "", err
	}
	if !reply.OK() {
		return "", fmt.Errorf("%w: %s", ErrNotAcknowledged, subroutine)
	}
	if reply.Payload == "" {
		err := fmt.Errorf("%w: %s returned no payload", ErrProtocolViolation, subroutine)
		c.conn.OnError(err)
		return "", err
	}
	return reply.Payload, nil
}

// Abort stops every running thread and motion
func (c *Controller) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(ctx, abortCommand, 1)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: %s", ErrNotAcknowledged, abortCommand)
	}
	c.logger.Warn("Controller aborted")
	return nil
}

// Threads polls the controller and returns the occupied threads
func (c *Controller) Threads(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running, err := c.pollThreads(ctx)
	if err != nil {
		return nil, err
	}
	c.table.Refresh(running)
	return c.table.Snapshot(), nil
}

// RefreshIfIdle re-polls thread status when the connection is open and no
// other round trip is in progress. It never opens the connection.
func (c *Controller) RefreshIfIdle(ctx context.Context) {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	if !c.conn.IsOpen() {
		return
	}

	running, err := c.pollThreads(ctx)
	if err != nil {
		c.logger.Warn("Periodic thread status poll failed", zap.Error(err))
		return
	}
	c.table.Refresh(running)
}

// LastPolledAt returns the time of the last successful status poll
func (c *Controller) LastPolledAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPolledAt
}
