// Package arena implements the shared-memory result arena: a fixed pool of
// fixed-size slots moving through an explicit per-slot state machine. The
// arena is the only memory shared across the trust boundary, so the slot
// states are the only locking discipline transport needs.
package arena

import (
	"sync"
	"time"

	appErr "boxd/pkg/errors"
)

// SlotState tracks ownership of one request/response slot pair.
type SlotState int

const (
	// SlotFree means the slot is unowned and may be reserved.
	SlotFree SlotState = iota
	// SlotReserved means a request owns the slot; the worker may write it.
	SlotReserved
	// SlotWritten means the worker finished writing the response payload.
	SlotWritten
	// SlotConsumed means the client read the response and must release it.
	SlotConsumed
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotReserved:
		return "reserved"
	case SlotWritten:
		return "written"
	case SlotConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

type slot struct {
	state      SlotState
	owner      string // correlation id holding the reservation
	reservedAt time.Time
}

// slotTable serializes slot transitions. Two unrelated requests never contend
// on payload memory, only on this index.
type slotTable struct {
	mu    sync.Mutex
	slots []slot
}

func newSlotTable(n int) *slotTable {
	return &slotTable{slots: make([]slot, n)}
}

// reserve claims the first free slot for the given correlation id.
func (t *slotTable) reserve(owner string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].state == SlotFree {
			t.slots[i] = slot{state: SlotReserved, owner: owner, reservedAt: time.Now()}
			return i, nil
		}
	}
	return -1, appErr.New(appErr.SlotUnavailable)
}

// transition moves a slot from one state to the next, checking ownership.
func (t *slotTable) transition(idx int, owner string, from, to SlotState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return appErr.Newf(appErr.SlotStateInvalid, "slot %d out of range", idx)
	}
	s := &t.slots[idx]
	if s.state != from {
		return appErr.Newf(appErr.SlotStateInvalid, "slot %d is %s, want %s", idx, s.state, from)
	}
	if owner != "" && s.owner != owner {
		return appErr.Newf(appErr.SlotStateInvalid, "slot %d owned by another request", idx)
	}
	s.state = to
	if to == SlotFree {
		s.owner = ""
		s.reservedAt = time.Time{}
	}
	return nil
}

// reclaim forces a slot back to free regardless of state. Used by the
// deadline monitor after the owning worker's termination is confirmed.
func (t *slotTable) reclaim(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return
	}
	t.slots[idx] = slot{}
}

func (t *slotTable) state(idx int) SlotState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return SlotFree
	}
	return t.slots[idx].state
}

func (t *slotTable) owner(idx int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return ""
	}
	return t.slots[idx].owner
}

func (t *slotTable) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].state != SlotFree {
			n++
		}
	}
	return n
}
