// internal/connection/errors.go
package connection

import "errors"

var (
	// ErrConnect is returned when the transport or the post-connect
	// validation fails. The connection is left closed.
	ErrConnect = errors.New("connect failed")
	// ErrRead wraps a transport fault seen while reading
	ErrRead = errors.New("read failed")
	// ErrWrite wraps a transport fault or a short write
	ErrWrite = errors.New("write failed")
	// ErrSendInFlight is returned when a send is queued while another is unsent
	ErrSendInFlight = errors.New("send already in flight")
	// ErrCallbackBusy is returned when a one-shot callback slot is already owned
	ErrCallbackBusy = errors.New("callback slot already occupied")
	// ErrInboundOverflow is the read fault of a peer that sends too much
	// without a terminator
	ErrInboundOverflow = errors.New("inbound buffer overflow")
	// ErrWriteStalled is the write fault of a peer that stopped reading
	ErrWriteStalled = errors.New("write stalled")
	// ErrClosed is returned by blocking calls on a closed connection
	ErrClosed = errors.New("connection closed")
)
