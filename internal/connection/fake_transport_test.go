package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
)

// fakeTransport feeds Read from a channel and records writes
type fakeTransport struct {
	mu         sync.Mutex
	open       bool
	opens      int
	closes     int
	openErr    error
	writeErr   error
	shortWrite bool
	written    bytes.Buffer
	incoming   chan []byte
	done       chan struct{}
	pending    []byte
	// readGate, when set, holds every Read until it is closed
	readGate chan struct{}
}

var _ protocol.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16)}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	f.done = make(chan struct{})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.open {
		f.open = false
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if f.readGate != nil {
		<-f.readGate
	}

	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return 0, protocol.ErrNotOpen
	}
	done := f.done
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	if done == nil {
		return 0, protocol.ErrNotOpen
	}

	select {
	case data, ok := <-f.incoming:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		if n < len(data) {
			f.mu.Lock()
			f.pending = append(f.pending, data[n:]...)
			f.mu.Unlock()
		}
		return n, nil
	case <-done:
		return 0, protocol.ErrNotOpen
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.shortWrite && len(p) > 1 {
		f.written.Write(p[:1])
		return 1, nil
	}
	return f.written.Write(p)
}

func (f *fakeTransport) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeTCP
}

func (f *fakeTransport) Address() string {
	return "fake:0"
}

func (f *fakeTransport) Stats() model.TransportStats {
	return model.TransportStats{IsConnected: f.IsOpen()}
}

// feed delivers data as one transport read
func (f *fakeTransport) feed(data string) {
	f.incoming <- []byte(data)
}

// hangup makes the next read report io.EOF
func (f *fakeTransport) hangup() {
	close(f.incoming)
}

func (f *fakeTransport) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// slowPeerTransport takes write deadlines. While stalled each write
// accepts at most accept bytes and then times out.
type slowPeerTransport struct {
	*fakeTransport
	stalled   bool
	accept    int
	deadlines []time.Time
}

var _ protocol.DeadlineWriter = (*slowPeerTransport)(nil)

func newSlowPeerTransport() *slowPeerTransport {
	return &slowPeerTransport{fakeTransport: newFakeTransport()}
}

func (s *slowPeerTransport) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines = append(s.deadlines, t)
	return nil
}

func (s *slowPeerTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	stalled, accept := s.stalled, s.accept
	s.mu.Unlock()
	if !stalled {
		return s.fakeTransport.Write(p)
	}

	n := min(accept, len(p))
	s.mu.Lock()
	s.written.Write(p[:n])
	s.mu.Unlock()
	return n, fmt.Errorf("failed to write to TCP connection: %w", os.ErrDeadlineExceeded)
}

func (s *slowPeerTransport) stall(accept int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
	s.accept = accept
}

func (s *slowPeerTransport) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = false
}

func (s *slowPeerTransport) deadlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadlines)
}
