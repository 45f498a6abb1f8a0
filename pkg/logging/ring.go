package logging

import "sync"

// DefaultRingSize is how many log lines the ring retains.
const DefaultRingSize = 1000

// Ring is a fixed-capacity circular buffer of raw log lines. It
// satisfies io.Writer so it can be handed to zerolog as an additional
// output, and satisfies pkg/control's LogProvider directly.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRing creates a Ring holding at most size lines.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{lines: make([]string, size)}
}

// Write appends p as one log line, overwriting the oldest entry once the
// ring is full. It never returns an error: a logging sink must not be
// able to fail the log call itself.
func (r *Ring) Write(p []byte) (int, error) {
	line := string(p)
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// GetLog returns up to limit of the most recently written lines, oldest
// first, satisfying control.LogProvider.
func (r *Ring) GetLog(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// ClearLog empties the ring, satisfying control.LogProvider.
func (r *Ring) ClearLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = make([]string, len(r.lines))
	r.next = 0
	r.full = false
}
