// internal/protocol/protocol.go
package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// ErrNotOpen is returned by transport I/O on a closed transport
var ErrNotOpen = errors.New("transport not open")

// Transport is the primitive byte pipe underneath a connection. Framing,
// buffering and callbacks live above it; a transport only opens, moves
// chunks of bytes and closes.
type Transport interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Data communication. Read may return (0, nil) when a poll interval
	// elapses without data.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Protocol information
	GetProtocolType() model.ConnectionType
	Address() string

	// Health and diagnostics
	Stats() model.TransportStats
}

// DeadlineWriter is implemented by transports that can bound a single write
type DeadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// statsRecorder keeps transport statistics safe for concurrent readers
type statsRecorder struct {
	mu    sync.Mutex
	stats model.TransportStats
}

func (s *statsRecorder) recordRead(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesRead += int64(n)
	s.stats.ReadCount++
	s.stats.LastActivity = time.Now()
}

func (s *statsRecorder) recordWrite(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesWritten += int64(n)
	s.stats.WriteCount++
	s.stats.LastActivity = time.Now()
}

func (s *statsRecorder) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ErrorCount++
}

func (s *statsRecorder) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.IsConnected = connected
	s.stats.LastActivity = time.Now()
}

func (s *statsRecorder) snapshot() model.TransportStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
