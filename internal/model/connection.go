// internal/model/connection.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ConnectionType represents how a connection reaches its peer
type ConnectionType string

const (
	ConnectionTypeSerial ConnectionType = "SERIAL"
	ConnectionTypeTCP    ConnectionType = "TCP"
)

// ConnectionState represents the lifecycle state of a connection
type ConnectionState string

const (
	ConnectionStateUnopened ConnectionState = "UNOPENED"
	ConnectionStateOpen     ConnectionState = "OPEN"
	ConnectionStateClosed   ConnectionState = "CLOSED"
)

// ConnectionRole distinguishes device links from client sockets
type ConnectionRole string

const (
	ConnectionRoleDevice ConnectionRole = "DEVICE"
	ConnectionRoleClient ConnectionRole = "CLIENT"
)

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesWritten int64     `json:"bytes_written"`
	BytesRead    int64     `json:"bytes_read"`
	WriteCount   int64     `json:"write_count"`
	ReadCount    int64     `json:"read_count"`
	ErrorCount   int64     `json:"error_count"`
	LastActivity time.Time `json:"last_activity"`
	IsConnected  bool      `json:"is_connected"`
}

// ConnectionInfo is a point-in-time view of a connection for monitoring
type ConnectionInfo struct {
	Name          string          `json:"name"`
	Role          ConnectionRole  `json:"role"`
	Type          ConnectionType  `json:"type"`
	Address       string          `json:"address"`
	State         ConnectionState `json:"state"`
	InboundBytes  int             `json:"inbound_bytes"`
	OutboundBytes int             `json:"outbound_bytes"`
	Held          bool            `json:"held"`
	Stats         TransportStats  `json:"stats"`
}
