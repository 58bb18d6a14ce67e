// internal/connection/blocking.go
package connection

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
)

// Hold keeps the reactor from consuming inbound data until the returned
// release function is called. Holds nest.
func (c *Connection) Hold() func() {
	c.mu.Lock()
	c.held++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.held--
			c.mu.Unlock()
			c.wake()
		})
	}
}

// SendBlocking writes the terminated message synchronously, opening the
// connection first if needed. A transport fault or a short write
// disconnects the connection and returns an error wrapping ErrWrite.
func (c *Connection) SendBlocking(ctx context.Context, message string, timeout time.Duration) error {
	if !c.IsOpen() {
		if err := c.Open(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	inFlight := len(c.outbound) > 0
	c.mu.Unlock()
	if inFlight {
		return ErrSendInFlight
	}

	data := c.terminate(message)

	if dw, ok := c.transport.(protocol.DeadlineWriter); ok && timeout > 0 {
		if err := dw.SetWriteDeadline(time.Now().Add(timeout)); err == nil {
			defer dw.SetWriteDeadline(time.Time{})
		}
	}

	n, err := c.transport.Write(data)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrWrite, err)
		c.OnError(err)
		return err
	}
	if n < len(data) {
		err = fmt.Errorf("%w: short write (%d of %d bytes)", ErrWrite, n, len(data))
		c.OnError(err)
		return err
	}
	return nil
}

// ReceiveBlocking waits for the next terminated message, or maxBytes
// bytes when maxBytes > 0, and returns it with the terminator and
// surrounding whitespace stripped. It returns "" when timeout elapses;
// a timeout <= 0 waits indefinitely.
func (c *Connection) ReceiveBlocking(maxBytes int, timeout time.Duration) (string, error) {
	token, err := c.ReceiveBlockingFunc(LineSplit(c.terminator, maxBytes), timeout)
	if err != nil || token == nil {
		return "", err
	}
	return strings.TrimSpace(string(token)), nil
}

// ReceiveBlockingFunc waits until split yields a token from the inbound
// buffer. It is the accessor for devices whose replies are not framed by
// the line terminator. The connection is held for the duration so the
// reactor does not consume the reply. A nil token with a nil error means
// the timeout elapsed. Errors returned by split are passed through
// unwrapped and leave the buffer untouched.
func (c *Connection) ReceiveBlockingFunc(split bufio.SplitFunc, timeout time.Duration) ([]byte, error) {
	release := c.Hold()
	defer release()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		if c.state != model.ConnectionStateOpen {
			c.mu.Unlock()
			return nil, ErrClosed
		}

		if len(c.inbound) > 0 {
			advance, token, err := split(c.inbound, false)
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			if advance > 0 || token != nil {
				if token != nil {
					token = append([]byte{}, token...)
				}
				c.inbound = c.inbound[advance:]
				if len(c.inbound) == 0 {
					c.inbound = nil
				}
				if token != nil {
					c.mu.Unlock()
					return token, nil
				}
				c.mu.Unlock()
				continue
			}
		}

		if fault := c.fault; fault != nil {
			c.mu.Unlock()
			c.OnError(fault)
			return nil, fault
		}
		c.mu.Unlock()

		select {
		case <-c.dataReady:
		case <-deadline:
			return nil, nil
		}
	}
}

// LineSplit returns a split function yielding data up to term, without
// term, or the first maxBytes bytes when maxBytes > 0 and no terminator
// arrives first
func LineSplit(term []byte, maxBytes int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if idx := bytes.Index(data, term); idx >= 0 {
			if maxBytes <= 0 || idx <= maxBytes {
				return idx + len(term), data[:idx], nil
			}
		}
		if maxBytes > 0 && len(data) >= maxBytes {
			return maxBytes, data[:maxBytes], nil
		}
		return 0, nil, nil
	}
}
