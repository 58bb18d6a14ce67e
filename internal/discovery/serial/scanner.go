// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/discovery"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// listPorts is replaced in tests
var listPorts = enumerator.GetDetailedPortsList

// Scanner lists local serial ports
type Scanner struct {
	logger *zap.Logger
	config *Config
}

// Config for serial scanner
type Config struct {
	PortPatterns []string `json:"port_patterns"`
	BaudRate     int      `json:"baud_rate"`
}

// NewScanner creates a new serial scanner. A nil config lists the usual
// USB and on-board port names at the controller's default baud rate.
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{
			PortPatterns: defaultPortPatterns(),
			BaudRate:     115200,
		}
	}

	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		config: config,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports true; every supported platform has serial ports
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan lists serial ports matching the configured patterns. Ports are not
// opened.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	discovered := []*discovery.DiscoveredPort{}
	for _, port := range ports {
		if !s.matches(port.Name) {
			continue
		}
		discovered = append(discovered, &discovery.DiscoveredPort{
			ConnectionType: model.ConnectionTypeSerial,
			ConnectionInfo: map[string]interface{}{
				"port":      port.Name,
				"baud_rate": s.config.BaudRate,
			},
			Description:  port.Product,
			USB:          port.IsUSB,
			VendorID:     port.VID,
			ProductID:    port.PID,
			SerialNumber: port.SerialNumber,
		})
	}

	s.logger.Debug("Serial scan completed",
		zap.Int("ports_listed", len(ports)),
		zap.Int("ports_matched", len(discovered)),
	)
	return discovered, nil
}

func (s *Scanner) matches(name string) bool {
	if len(s.config.PortPatterns) == 0 {
		return true
	}
	for _, pattern := range s.config.PortPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func defaultPortPatterns() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM*"}
	case "darwin":
		return []string{"/dev/cu.*", "/dev/tty.usb*"}
	default:
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*", "/dev/galil*"}
	}
}
