// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

var validBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// CreateTransport creates a transport based on connection type and configuration
func CreateTransport(connectionType model.ConnectionType, config map[string]interface{}, logger *zap.Logger) (Transport, error) {
	if err := ValidateConfig(connectionType, config); err != nil {
		return nil, err
	}

	switch connectionType {
	case model.ConnectionTypeSerial:
		return NewSerialTransport(ParseSerialConfig(config), logger), nil
	case model.ConnectionTypeTCP:
		return NewTCPTransport(ParseTCPConfig(config), logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", connectionType)
	}
}

// ParseSerialConfig builds a SerialConfig, applying defaults for missing keys
func ParseSerialConfig(config map[string]interface{}) *SerialConfig {
	serialConfig := &SerialConfig{
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      "none",
		ReadTimeout: 100 * time.Millisecond,
	}

	if port, ok := config["port"].(string); ok {
		serialConfig.Port = port
	}
	if baudRate, ok := intValue(config["baud_rate"]); ok {
		serialConfig.BaudRate = baudRate
	}
	if dataBits, ok := intValue(config["data_bits"]); ok {
		serialConfig.DataBits = dataBits
	}
	if stopBits, ok := intValue(config["stop_bits"]); ok {
		serialConfig.StopBits = stopBits
	}
	if parity, ok := config["parity"].(string); ok {
		serialConfig.Parity = strings.ToLower(parity)
	}
	if timeout, ok := durationValue(config["read_timeout"]); ok {
		serialConfig.ReadTimeout = timeout
	}

	return serialConfig
}

// ParseTCPConfig builds a TCPConfig, applying defaults for missing keys
func ParseTCPConfig(config map[string]interface{}) *TCPConfig {
	tcpConfig := &TCPConfig{
		KeepAlive:    true,
		Timeout:      10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	if host, ok := config["host"].(string); ok {
		tcpConfig.Host = host
	}
	if port, ok := intValue(config["port"]); ok {
		tcpConfig.Port = port
	}
	if ssl, ok := config["ssl"].(bool); ok {
		tcpConfig.SSL = ssl
	}
	if keepAlive, ok := config["keep_alive"].(bool); ok {
		tcpConfig.KeepAlive = keepAlive
	}
	if timeout, ok := durationValue(config["timeout"]); ok {
		tcpConfig.Timeout = timeout
	}
	if writeTimeout, ok := durationValue(config["write_timeout"]); ok {
		tcpConfig.WriteTimeout = writeTimeout
	}

	return tcpConfig
}

// ValidateConfig validates configuration for a specific transport type
func ValidateConfig(connectionType model.ConnectionType, config map[string]interface{}) error {
	switch connectionType {
	case model.ConnectionTypeSerial:
		return validateSerialConfig(config)
	case model.ConnectionTypeTCP:
		return validateTCPConfig(config)
	default:
		return fmt.Errorf("unsupported connection type: %s", connectionType)
	}
}

// validateSerialConfig validates serial configuration
func validateSerialConfig(config map[string]interface{}) error {
	if port, ok := config["port"].(string); !ok || port == "" {
		return fmt.Errorf("serial port is required")
	}

	if baudRate, present := config["baud_rate"]; present {
		rate, ok := intValue(baudRate)
		if !ok {
			return fmt.Errorf("invalid baud_rate type")
		}

		valid := false
		for _, validRate := range validBaudRates {
			if rate == validRate {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid baud rate: %d", rate)
		}
	}

	if parity, ok := config["parity"].(string); ok {
		switch strings.ToLower(parity) {
		case "none", "odd", "even", "mark", "space":
		default:
			return fmt.Errorf("invalid parity: %s", parity)
		}
	}

	return nil
}

// validateTCPConfig validates TCP configuration
func validateTCPConfig(config map[string]interface{}) error {
	if host, ok := config["host"].(string); !ok || host == "" {
		return fmt.Errorf("TCP host is required")
	}

	port, present := config["port"]
	if !present {
		return fmt.Errorf("TCP port is required")
	}
	portNum, ok := intValue(port)
	if !ok {
		return fmt.Errorf("invalid port type")
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %d", portNum)
	}

	return nil
}

// intValue accepts the numeric shapes produced by YAML and JSON decoders
func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func durationValue(v interface{}) (time.Duration, bool) {
	switch d := v.(type) {
	case string:
		dur, err := time.ParseDuration(d)
		return dur, err == nil
	case time.Duration:
		return d, true
	default:
		return 0, false
	}
}
