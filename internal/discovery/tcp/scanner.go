// internal/discovery/tcp/scanner.go
package tcp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/discovery"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

// Scanner probes known serial-over-ethernet relays
type Scanner struct {
	logger *zap.Logger
	config *Config
}

// Config for TCP scanner
type Config struct {
	Targets     []string      `json:"targets"`
	ConnTimeout time.Duration `json:"connection_timeout"`
}

// NewScanner creates a new TCP scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{}
	}
	if config.ConnTimeout <= 0 {
		config.ConnTimeout = 2 * time.Second
	}

	return &Scanner{
		logger: logger.With(zap.String("scanner", "tcp")),
		config: config,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether any targets are configured
func (s *Scanner) IsAvailable() bool {
	return len(s.config.Targets) > 0
}

// Scan dials every target concurrently and returns those accepting
// connections. The connection is closed without sending anything.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredPort, error) {
	reachable := make([]bool, len(s.config.Targets))

	var wg sync.WaitGroup
	for i, target := range s.config.Targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			reachable[i] = s.probe(ctx, target)
		}(i, target)
	}
	wg.Wait()

	discovered := []*discovery.DiscoveredPort{}
	for i, target := range s.config.Targets {
		if !reachable[i] {
			continue
		}
		host, portStr, _ := net.SplitHostPort(target)
		port, _ := strconv.Atoi(portStr)
		discovered = append(discovered, &discovery.DiscoveredPort{
			ConnectionType: model.ConnectionTypeTCP,
			ConnectionInfo: map[string]interface{}{
				"host": host,
				"port": port,
			},
			Description: "accepting connections",
		})
	}

	s.logger.Debug("TCP scan completed",
		zap.Int("targets", len(s.config.Targets)),
		zap.Int("reachable", len(discovered)),
	)
	return discovered, ctx.Err()
}

func (s *Scanner) probe(ctx context.Context, target string) bool {
	dialer := &net.Dialer{Timeout: s.config.ConnTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.logger.Debug("Target unreachable", zap.String("target", target), zap.Error(err))
		return false
	}
	conn.Close()
	return true
}
