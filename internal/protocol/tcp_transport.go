// internal/protocol/tcp_transport.go
package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// DialFunc dials a network address
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TCPOption configures a TCPTransport
type TCPOption func(*TCPTransport)

// WithDialer replaces the default net.Dialer
func WithDialer(dial DialFunc) TCPOption {
	return func(tt *TCPTransport) {
		tt.dial = dial
	}
}

// TCPTransport implements Transport for TCP sockets. It is used both for
// dialled device relays and for accepted client sockets.
type TCPTransport struct {
	config   *TCPConfig
	conn     net.Conn
	dial     DialFunc
	accepted bool
	address  string
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    statsRecorder
}

// NewTCPTransport creates a transport that dials config.Host:config.Port on Open
func NewTCPTransport(config *TCPConfig, logger *zap.Logger, opts ...TCPOption) *TCPTransport {
	address := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	tt := &TCPTransport{
		config:  config,
		address: address,
		logger: logger.With(
			zap.String("protocol", "tcp"),
			zap.String("address", address),
		),
	}

	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: 30 * time.Second,
	}
	tt.dial = dialer.DialContext

	for _, opt := range opts {
		opt(tt)
	}
	return tt
}

// NewSocketTransport wraps an already accepted socket. It starts open and
// cannot be reopened once closed.
func NewSocketTransport(conn net.Conn, logger *zap.Logger) *TCPTransport {
	address := conn.RemoteAddr().String()
	tt := &TCPTransport{
		config:   &TCPConfig{},
		conn:     conn,
		accepted: true,
		address:  address,
		isOpen:   true,
		logger: logger.With(
			zap.String("protocol", "tcp"),
			zap.String("address", address),
		),
	}
	tt.stats.setConnected(true)
	return tt
}

// Open dials the TCP connection
func (tt *TCPTransport) Open(ctx context.Context) error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if tt.isOpen {
		return nil
	}
	if tt.accepted {
		return errors.New("accepted socket cannot be reopened")
	}

	tt.logger.Debug("Opening TCP connection", zap.Bool("ssl", tt.config.SSL))

	conn, err := tt.dial(ctx, "tcp", tt.address)
	if err != nil {
		tt.stats.recordError()
		return fmt.Errorf("failed to connect to %s: %w", tt.address, err)
	}

	if tt.config.SSL {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: tt.config.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake with %s failed: %w", tt.address, err)
		}
		conn = tlsConn
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok && tt.config.KeepAlive {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	tt.conn = conn
	tt.isOpen = true
	tt.stats.setConnected(true)

	tt.logger.Debug("TCP connection opened")
	return nil
}

// Close closes the TCP connection
func (tt *TCPTransport) Close() error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if !tt.isOpen || tt.conn == nil {
		return nil
	}

	err := tt.conn.Close()
	tt.conn = nil
	tt.isOpen = false
	tt.stats.setConnected(false)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close TCP connection: %w", err)
	}
	return nil
}

// IsOpen reports whether the socket is open
func (tt *TCPTransport) IsOpen() bool {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()
	return tt.isOpen && tt.conn != nil
}

// Read reads one chunk from the socket without holding the lock
func (tt *TCPTransport) Read(p []byte) (int, error) {
	conn := tt.handle()
	if conn == nil {
		return 0, ErrNotOpen
	}

	n, err := conn.Read(p)
	if n > 0 {
		tt.stats.recordRead(n)
	}
	if err != nil {
		tt.stats.recordError()
		return n, fmt.Errorf("failed to read from TCP connection: %w", err)
	}
	return n, nil
}

// Write writes data to the socket, bounded by the configured write timeout
func (tt *TCPTransport) Write(p []byte) (int, error) {
	conn := tt.handle()
	if conn == nil {
		return 0, ErrNotOpen
	}

	if tt.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(tt.config.WriteTimeout))
	}

	n, err := conn.Write(p)
	if n > 0 {
		tt.stats.recordWrite(n)
	}
	if err != nil {
		tt.stats.recordError()
		return n, fmt.Errorf("failed to write to TCP connection: %w", err)
	}
	return n, nil
}

// SetWriteDeadline bounds the next write
func (tt *TCPTransport) SetWriteDeadline(t time.Time) error {
	conn := tt.handle()
	if conn == nil {
		return ErrNotOpen
	}
	return conn.SetWriteDeadline(t)
}

// GetProtocolType returns the protocol type
func (tt *TCPTransport) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeTCP
}

// Address returns host:port of the peer
func (tt *TCPTransport) Address() string {
	return tt.address
}

// Stats returns transport statistics
func (tt *TCPTransport) Stats() model.TransportStats {
	return tt.stats.snapshot()
}

func (tt *TCPTransport) handle() net.Conn {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()
	if !tt.isOpen {
		return nil
	}
	return tt.conn
}
