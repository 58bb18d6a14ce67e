// internal/protocol/serial_transport.go
package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// openPort is overridden in tests
var openPort = func(name string, mode *serial.Mode) (portHandle, error) {
	return serial.Open(name, mode)
}

type portHandle interface {
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// SerialTransport implements Transport for serial lines
type SerialTransport struct {
	config *SerialConfig
	port   portHandle
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  statsRecorder
}

// NewSerialTransport creates a new serial transport
func NewSerialTransport(config *SerialConfig, logger *zap.Logger) *SerialTransport {
	return &SerialTransport{
		config: config,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// Open opens the serial port
func (st *SerialTransport) Open(ctx context.Context) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.isOpen {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	st.logger.Debug("Opening serial port",
		zap.Int("baud_rate", st.config.BaudRate),
	)

	mode := &serial.Mode{
		BaudRate: st.config.BaudRate,
		DataBits: st.config.DataBits,
		StopBits: stopBits(st.config.StopBits),
		Parity:   parity(st.config.Parity),
	}

	port, err := openPort(st.config.Port, mode)
	if err != nil {
		st.stats.recordError()
		return fmt.Errorf("failed to open serial port %s: %w", st.config.Port, err)
	}

	// Read returns (0, nil) every timeout so the reader can notice a close
	timeout := st.config.ReadTimeout
	if timeout <= 0 {
		timeout = serial.NoTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		st.logger.Warn("Failed to flush serial input buffer", zap.Error(err))
	}

	st.port = port
	st.isOpen = true
	st.stats.setConnected(true)

	st.logger.Debug("Serial port opened")
	return nil
}

// Close closes the serial port
func (st *SerialTransport) Close() error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if !st.isOpen || st.port == nil {
		return nil
	}

	err := st.port.Close()
	st.port = nil
	st.isOpen = false
	st.stats.setConnected(false)

	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// IsOpen reports whether the port is open
func (st *SerialTransport) IsOpen() bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.isOpen && st.port != nil
}

// Read reads one chunk from the port. The lock is not held while blocked
// so Close can interrupt the read.
func (st *SerialTransport) Read(p []byte) (int, error) {
	port := st.handle()
	if port == nil {
		return 0, ErrNotOpen
	}

	n, err := port.Read(p)
	if err != nil {
		st.stats.recordError()
		return n, fmt.Errorf("failed to read from serial port: %w", err)
	}
	if n > 0 {
		st.stats.recordRead(n)
	}
	return n, nil
}

// Write writes data to the port
func (st *SerialTransport) Write(p []byte) (int, error) {
	port := st.handle()
	if port == nil {
		return 0, ErrNotOpen
	}

	n, err := port.Write(p)
	if err != nil {
		st.stats.recordError()
		return n, fmt.Errorf("failed to write to serial port: %w", err)
	}
	st.stats.recordWrite(n)
	return n, nil
}

// GetProtocolType returns the protocol type
func (st *SerialTransport) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeSerial
}

// Address returns the device path and baud rate
func (st *SerialTransport) Address() string {
	return fmt.Sprintf("%s@%d", st.config.Port, st.config.BaudRate)
}

// Stats returns transport statistics
func (st *SerialTransport) Stats() model.TransportStats {
	return st.stats.snapshot()
}

func (st *SerialTransport) handle() portHandle {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	if !st.isOpen {
		return nil
	}
	return st.port
}

func parity(name string) serial.Parity {
	switch name {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func stopBits(bits int) serial.StopBits {
	if bits == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
