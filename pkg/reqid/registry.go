// Package reqid implements the daemon's request-id registry: a
// bidirectional mapping between a 32-bit request id and
// in-flight state, backed by a 16-bit slot index multiplexed with a
// wrapping generation counter. This yields up to ~65k simultaneously
// in-flight operations, cheap uniqueness, and early detection of stale
// replies.
package reqid

import (
	"fmt"
	"sync"
)

const slotBits = 16
const slotMask = 1<<slotBits - 1

// ID is the 32-bit request id carried on the wire: the low 16 bits are
// the slot index, the high 16 bits are that slot's generation at
// allocation time.
type ID uint32

func (id ID) slot() uint16 { return uint16(id & slotMask) }
func (id ID) gen() uint16  { return uint16(id >> slotBits) }

// Registry is a bounded, typed request-id table.
type Registry struct {
	mu    sync.Mutex
	slots []slotEntry
	free  []uint16
	next  uint16 // next free slot to try if free list is empty
	count int
}

type slotEntry struct {
	gen   uint16
	typ   string
	value interface{}
	inUse bool
}

// New creates a Registry with the maximum slot space (2^16).
func New() *Registry {
	return &Registry{
		slots: make([]slotEntry, 1<<slotBits),
	}
}

// Alloc reserves a new slot holding value, tagged with typ (the caller's
// name for the kind of state being stored — a lookup with a different
// typ is treated as a mismatch). Returns the fresh ID.
func (r *Registry) Alloc(typ string, value interface{}) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var slot uint16
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		// After the cursor wraps, skip slots still held by live requests.
		slot = r.next
		r.next++
		for r.slots[slot].inUse && r.count < len(r.slots) {
			slot = r.next
			r.next++
		}
	}

	e := &r.slots[slot]
	e.gen++
	e.typ = typ
	e.value = value
	e.inUse = true
	r.count++

	return ID(uint32(e.gen)<<slotBits | uint32(slot))
}

// Lookup returns the value stored under id if it is still live and typ
// matches, or ok=false otherwise (e.g. a late reply against a recycled
// or never-allocated slot).
func (r *Registry) Lookup(id ID, typ string) (value interface{}, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := id.slot()
	if int(slot) >= len(r.slots) {
		return nil, false
	}
	e := &r.slots[slot]
	if !e.inUse || e.gen != id.gen() {
		return nil, false
	}
	if e.typ != typ {
		return nil, false
	}
	return e.value, true
}

// Release frees id's slot so any further lookup with id fails; the
// slot's generation is bumped when Alloc next reuses it, so the old id
// never matches the slot's next holder.
func (r *Registry) Release(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := id.slot()
	if int(slot) >= len(r.slots) {
		return
	}
	e := &r.slots[slot]
	if !e.inUse || e.gen != id.gen() {
		return
	}
	e.inUse = false
	e.value = nil
	e.typ = ""
	r.free = append(r.free, slot)
	r.count--
}

// Len returns the number of currently occupied slots (used for the
// reqid-registry occupancy gauge in pkg/metrics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// String renders an ID for logs/diagnostics.
func (id ID) String() string {
	return fmt.Sprintf("reqid(slot=%d gen=%d)", id.slot(), id.gen())
}
