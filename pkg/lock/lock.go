// Package lock coordinates record and whole-database lock acquisition.
// A lock may block indefinitely (a client sitting on a chain lock, a
// filesystem hiccup), and that must never stall the daemon, so each
// acquisition runs on its own goroutine and callers await it via a
// context-cancellable channel. Concurrent requests for the same
// (db, key, priority, type) tuple share one pending entry (counted by
// PendingCount) but each still makes its own Locker attempt; they are
// not coalesced onto a single acquisition. A self-re-arming diagnostic
// timer reports requests that stay stuck.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ctdbcore/ctdb/pkg/metrics"
	"github.com/rs/zerolog"
)

// Type distinguishes the kind of lock being coalesced under a tuple —
// carried through for bucketing/diagnostics even though the underlying
// primitive (a per-key mutex) is always exclusive.
type Type uint8

const (
	TypeRecord Type = iota
	TypeDatabase
)

func (t Type) String() string {
	if t == TypeDatabase {
		return "database"
	}
	return "record"
}

// DiagnosticInterval is how long a pending acquisition waits before its
// stack dump helper fires, re-arming indefinitely.
const DiagnosticInterval = 10 * time.Second

// Locker is the underlying blocking/non-blocking acquisition primitive a
// Coordinator drives — satisfied by *pkg/store.Store's chain lock.
type Locker interface {
	Lock(key []byte) func()
	TryLock(key []byte) (func(), bool)
}

// StackDumper is invoked by the diagnostic timer for a still-pending
// acquisition. Implementations typically fork a helper to dump the
// blocking process tree; the default is a no-op.
type StackDumper func(req Request)

// Request identifies a lock coordinates under.
type Request struct {
	DB       string
	Key      string
	Priority int
	Type     Type
}

func (r Request) tupleKey() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d", r.DB, r.Key, r.Priority, r.Type)
}

// Handle represents a held lock. Unlock releases it. Mark puts the
// handle in the auto_mark state for the duration of a callback (cleared
// automatically once it returns; see Marked). Acquire does not consult
// the flag: skipping re-acquisition of a held key is done with
// pkg/store's LockMark.
type Handle struct {
	req    Request
	unlock func()
	marked bool
}

// Marked reports whether this handle is currently in the auto_mark state.
func (h *Handle) Marked() bool { return h.marked }

// Mark enters the auto_mark state for the duration of fn, then clears it.
func (h *Handle) Mark(fn func()) {
	h.marked = true
	defer func() { h.marked = false }()
	fn()
}

// Unlock releases the underlying lock.
func (h *Handle) Unlock() { h.unlock() }

type pendingEntry struct {
	waiters int
}

// Coordinator serializes and instruments lock acquisition for a single
// daemon instance.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	dumper  StackDumper
	log     zerolog.Logger
}

// New creates a Coordinator. dumper may be nil, in which case the
// diagnostic timer fires but takes no action beyond a log line.
func New(log zerolog.Logger, dumper StackDumper) *Coordinator {
	if dumper == nil {
		dumper = func(Request) {}
	}
	return &Coordinator{
		pending: make(map[string]*pendingEntry),
		dumper:  dumper,
		log:     log,
	}
}

// Acquire blocks until req's lock is held or ctx is canceled. On success
// it returns a Handle the caller must Unlock.
func (c *Coordinator) Acquire(ctx context.Context, l Locker, req Request) (*Handle, error) {
	start := time.Now()
	tuple := req.tupleKey()

	c.mu.Lock()
	entry, ok := c.pending[tuple]
	if !ok {
		entry = &pendingEntry{}
		c.pending[tuple] = entry
	}
	entry.waiters++
	c.mu.Unlock()

	type result struct {
		unlock func()
	}
	resCh := make(chan result, 1)
	go func() {
		unlock := l.Lock([]byte(req.Key))
		resCh <- result{unlock: unlock}
	}()

	timer := time.NewTimer(DiagnosticInterval)
	defer timer.Stop()

	for {
		select {
		case res := <-resCh:
			metrics.LockAcquireDuration.WithLabelValues(req.Type.String()).Observe(time.Since(start).Seconds())
			c.finishPending(tuple)
			return &Handle{req: req, unlock: res.unlock}, nil
		case <-timer.C:
			c.dumper(req)
			c.log.Warn().Str("db", req.DB).Str("key", req.Key).Int("priority", req.Priority).
				Dur("waited", time.Since(start)).Msg("lock still pending, re-arming diagnostic timer")
			timer.Reset(DiagnosticInterval)
		case <-ctx.Done():
			c.finishPending(tuple)
			// The acquisition goroutine is still blocked in l.Lock and
			// will eventually succeed with nobody left to hand the
			// handle to; release it the moment it lands so the key
			// doesn't stay wedged for whoever asks next.
			go func() {
				res := <-resCh
				res.unlock()
			}()
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) finishPending(tuple string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pending[tuple]; ok {
		e.waiters--
		if e.waiters <= 0 {
			delete(c.pending, tuple)
		}
	}
}

// TryAcquire attempts req's lock without blocking (ctdb_chainlock_nonblock).
func (c *Coordinator) TryAcquire(l Locker, req Request) (*Handle, bool) {
	start := time.Now()
	unlock, ok := l.TryLock([]byte(req.Key))
	if !ok {
		return nil, false
	}
	metrics.LockAcquireDuration.WithLabelValues(req.Type.String()).Observe(time.Since(start).Seconds())
	return &Handle{req: req, unlock: unlock}, true
}

// PendingCount returns the number of distinct (db,key,priority,type)
// tuples currently awaiting acquisition, for diagnostics.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
