// internal/connection/io.go
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
)

// PollReadReady reports read interest: open and not held by a blocking
// round trip
func (c *Connection) PollReadReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.ConnectionStateOpen && c.held == 0
}

// PollWriteReady reports write interest: open with unsent bytes
func (c *Connection) PollWriteReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.ConnectionStateOpen && len(c.outbound) > 0
}

// PollErrorReady reports error interest: open
func (c *Connection) PollErrorReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.ConnectionStateOpen
}

// Readable reports whether a complete message is buffered
func (c *Connection) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Contains(c.inbound, c.terminator)
}

// Faulted reports whether the reader has seen a transport fault
func (c *Connection) Faulted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault != nil
}

// Err returns the pending transport fault, if any
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// SentPending reports whether a sent callback is registered
func (c *Connection) SentPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent.Occupied()
}

// SetErrorCallback registers a one-shot error callback
func (c *Connection) SetErrorCallback(fn ErrorFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onErr.Set(fn)
}

// OnReadable delivers at most one delimited message to the response
// callback. Any bytes past the first terminator stay buffered.
func (c *Connection) OnReadable() {
	c.mu.Lock()
	idx := bytes.Index(c.inbound, c.terminator)
	if idx < 0 {
		c.mu.Unlock()
		return
	}

	message := strings.TrimSpace(string(c.inbound[:idx]))
	c.inbound = c.inbound[idx+len(c.terminator):]
	if len(c.inbound) == 0 {
		c.inbound = nil
	}
	backlog := bytes.Count(c.inbound, c.terminator)
	callback := c.response.Take()
	c.mu.Unlock()

	if backlog > 0 {
		c.logger.Warn("Inbound backlog", zap.Int("waiting_messages", backlog))
	}

	if callback == nil {
		c.logger.Debug("Discarding message with no response callback", zap.String("message", message))
		return
	}
	callback(c, message)
}

// OnWritable performs one transport write and fires the sent callback
// when the outbound buffer drains. On transports that take write deadlines
// the write is bounded by writeSlice; a timed-out write keeps the unsent
// remainder queued and faults only after writeTimeout without progress.
func (c *Connection) OnWritable() {
	c.mu.Lock()
	if c.state != model.ConnectionStateOpen || len(c.outbound) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.outbound
	gen := c.gen
	c.mu.Unlock()

	n, err := c.write(pending)
	stalled := err != nil && isTimeout(err)
	if err != nil && !stalled {
		c.OnError(fmt.Errorf("%w: %w", ErrWrite, err))
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	if n > 0 {
		c.lastWrite = now
	}
	idle := now.Sub(c.lastWrite)
	c.outbound = c.outbound[n:]
	var sent SentFunc
	if len(c.outbound) == 0 {
		c.outbound = nil
		sent = c.sent.Take()
	}
	c.mu.Unlock()

	if stalled && sent == nil {
		c.logger.Debug("Write timed out, remainder stays queued", zap.Int("bytes", n))
		if idle > c.writeTimeout {
			c.OnError(fmt.Errorf("%w: %w: no progress for %s", ErrWrite, ErrWriteStalled, idle.Round(time.Millisecond)))
		}
		return
	}

	c.logger.Debug("Wrote outbound bytes", zap.Int("bytes", n))
	if sent != nil {
		sent(c)
	}
}

func (c *Connection) write(p []byte) (int, error) {
	dw, ok := c.transport.(protocol.DeadlineWriter)
	if !ok {
		return c.transport.Write(p)
	}
	if err := dw.SetWriteDeadline(time.Now().Add(writeSlice)); err != nil {
		return c.transport.Write(p)
	}
	defer dw.SetWriteDeadline(time.Time{})
	return c.transport.Write(p)
}

// isTimeout reports whether err is a write deadline expiring
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// OnError logs reason, invokes the error callback once and disconnects
func (c *Connection) OnError(reason error) {
	if isPeerClose(reason) {
		c.logger.Info("Peer closed connection")
	} else {
		c.logger.Warn("Connection fault", zap.Error(reason))
	}

	c.mu.Lock()
	callback := c.onErr.Take()
	c.mu.Unlock()

	if callback != nil {
		callback(c, reason)
	}
	c.disconnect()
}

// SendAsync queues message for the reactor to write. It fails with
// ErrSendInFlight if a previous message is still unsent, and with
// ErrCallbackBusy if onReply is given while a response callback is
// already registered. A closed connection is opened first.
func (c *Connection) SendAsync(message string, onSent SentFunc, onReply ResponseFunc) error {
	if !c.IsOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), c.openTimeout)
		defer cancel()
		if err := c.Open(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if len(c.outbound) > 0 {
		callback := c.onErr.Take()
		c.mu.Unlock()
		if callback != nil {
			callback(c, ErrSendInFlight)
		}
		return ErrSendInFlight
	}

	if onReply != nil {
		if err := c.response.Set(onReply); err != nil {
			c.mu.Unlock()
			return err
		}
	}

	if onSent == nil {
		onSent = func(*Connection) {}
	}
	c.sent.Reset()
	c.sent.Set(onSent)
	c.outbound = c.terminate(message)
	c.lastWrite = time.Now()
	c.mu.Unlock()

	c.wake()
	return nil
}

func (c *Connection) terminate(message string) []byte {
	data := []byte(message)
	if !bytes.HasSuffix(data, c.terminator) {
		data = append(data, c.terminator...)
	}
	return data
}
