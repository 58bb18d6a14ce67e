// internal/driver/galil/threads.go
package galil

import (
	"fmt"
	"sort"
)

const (
	// ClassUnknown marks a running thread this adapter did not start
	ClassUnknown = "UNKNOWN"
	// ClassShutdown blocks every other command while it runs
	ClassShutdown = "SHUTDOWN"
)

// ThreadTable records which command class occupies each controller
// thread. It is rebuilt against a fresh status poll before every claim and
// is not safe for concurrent use; Controller serializes access.
type ThreadTable struct {
	motion  []int
	classes map[int]string
}

// NewThreadTable creates a table allocating motion commands from the
// given thread ids, in order
func NewThreadTable(motion []int) *ThreadTable {
	return &ThreadTable{
		motion:  append([]int(nil), motion...),
		classes: make(map[int]string),
	}
}

// Refresh applies a status poll: idle threads are freed, running threads
// with no recorded class are marked ClassUnknown
func (t *ThreadTable) Refresh(running []bool) {
	for id, busy := range running {
		if !busy {
			delete(t.classes, id)
			continue
		}
		if _, ok := t.classes[id]; !ok {
			t.classes[id] = ClassUnknown
		}
	}
}

// Claim reserves the first free motion thread for class. The thread is
// marked occupied immediately, before the controller acknowledges.
func (t *ThreadTable) Claim(class string) (int, error) {
	for id, running := range t.classes {
		if running == class {
			return -1, fmt.Errorf("%w: %s running on thread %d", ErrClassBusy, class, id)
		}
		if running == ClassShutdown {
			return -1, fmt.Errorf("%w: %s running on thread %d", ErrClassBusy, ClassShutdown, id)
		}
	}

	for _, id := range t.motion {
		if _, busy := t.classes[id]; !busy {
			t.classes[id] = class
			return id, nil
		}
	}
	return -1, ErrNoFreeThread
}

// Occupied returns the class on thread id, if any
func (t *ThreadTable) Occupied(id int) (string, bool) {
	class, ok := t.classes[id]
	return class, ok
}

// Holding returns the lowest thread recorded for class, if any
func (t *ThreadTable) Holding(class string) (int, bool) {
	found := -1
	for id, running := range t.classes {
		if running == class && (found < 0 || id < found) {
			found = id
		}
	}
	return found, found >= 0
}

// Snapshot returns the occupied threads as "id:class" pairs in id order
func (t *ThreadTable) Snapshot() []string {
	ids := make([]int, 0, len(t.classes))
	for id := range t.classes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	pairs := make([]string, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, fmt.Sprintf("%d:%s", id, t.classes[id]))
	}
	return pairs
}
