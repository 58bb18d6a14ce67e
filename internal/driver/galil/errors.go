// internal/driver/galil/errors.go
package galil

import "errors"

var (
	// ErrNotAcknowledged is returned when the controller answers '?'
	ErrNotAcknowledged = errors.New("command not acknowledged")
	// ErrProtocolViolation is returned for replies outside the documented
	// framing. The connection is dropped.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrStatusUncertain is returned when a thread status reply cannot be
	// parsed. It never means "nothing running".
	ErrStatusUncertain = errors.New("thread status uncertain")
	// ErrNoFreeThread is returned when every motion thread is occupied
	ErrNoFreeThread = errors.New("no free thread, try again later")
	// ErrClassBusy is returned when a conflicting command class is running
	ErrClassBusy = errors.New("command class busy")
)
