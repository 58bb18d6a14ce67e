// internal/connection/callbacks.go
package connection

// ResponseFunc receives one delimited message with its terminator and
// surrounding whitespace stripped
type ResponseFunc func(c *Connection, message string)

// SentFunc is invoked once the outbound buffer has drained
type SentFunc func(c *Connection)

// ErrorFunc is invoked once when the connection faults
type ErrorFunc func(c *Connection, err error)

// Slot holds a one-shot callback. A slot has a single owner: setting it
// while occupied fails with ErrCallbackBusy. Taking the callback empties
// the slot so the default applies again.
//
// Slots are not safe for concurrent use; Connection guards them with its mutex.
type Slot[T any] struct {
	def      T
	cur      T
	occupied bool
}

// NewSlot creates a slot that falls back to def
func NewSlot[T any](def T) Slot[T] {
	return Slot[T]{def: def}
}

// Set registers fn as the next callback
func (s *Slot[T]) Set(fn T) error {
	if s.occupied {
		return ErrCallbackBusy
	}
	s.cur = fn
	s.occupied = true
	return nil
}

// Take returns the registered callback, or the default when the slot is
// empty, and resets the slot
func (s *Slot[T]) Take() T {
	if !s.occupied {
		return s.def
	}
	fn := s.cur
	s.Reset()
	return fn
}

// Occupied reports whether a callback is registered
func (s *Slot[T]) Occupied() bool {
	return s.occupied
}

// Reset drops the registered callback
func (s *Slot[T]) Reset() {
	var zero T
	s.cur = zero
	s.occupied = false
}

// SetDefault replaces the fallback callback
func (s *Slot[T]) SetDefault(def T) {
	s.def = def
}
