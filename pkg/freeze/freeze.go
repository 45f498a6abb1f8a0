// Package freeze implements the per-priority freeze/thaw engine: a
// whole-database write lock held across every database of a given
// priority, used to gate cluster-wide recovery transactions and to stop
// in-flight calls from completing while a recovery is underway.
//
// A freeze holds open a whole-database bbolt write transaction on every
// database at its priority — bbolt permits only one writer at a time, so
// an open write Tx blocks every other writer on that file for the
// duration.
package freeze

import (
	"fmt"
	"sync"
	"time"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/metrics"
	"github.com/ctdbcore/ctdb/pkg/store"
)

// Mode mirrors a priority's current freeze state.
type Mode int32

const (
	ModeThawed Mode = iota
	ModeFreezing
	ModeFrozen
)

func (m Mode) String() string {
	switch m {
	case ModeFreezing:
		return "FREEZING"
	case ModeFrozen:
		return "FROZEN"
	default:
		return "THAWED"
	}
}

// DBLister enumerates every database at a given priority, so Engine can
// discover the membership of a freeze without its own registry of it.
type DBLister interface {
	DatabasesAtPriority(priority int) []*calldb.DB
}

type priorityHandle struct {
	mode     Mode
	txns     []*txnHandle
	waiters  []chan error
	frozenAt time.Time
	mu       sync.Mutex
}

type txnHandle struct {
	db  *calldb.DB
	txn *store.Txn
}

// Engine holds, per priority, the set of open whole-database transactions
// that constitute a freeze.
type Engine struct {
	dbs DBLister

	mu       sync.Mutex
	handles  map[int]*priorityHandle
	numPrios int
}

// New constructs an Engine covering priorities 1..numPriorities.
func New(dbs DBLister, numPriorities int) *Engine {
	return &Engine{
		dbs:      dbs,
		handles:  make(map[int]*priorityHandle),
		numPrios: numPriorities,
	}
}

// IsFrozen reports whether priority is currently frozen.
func (e *Engine) IsFrozen(priority int) bool {
	e.mu.Lock()
	h, ok := e.handles[priority]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode == ModeFrozen
}

// AllFrozen reports whether every priority 1..numPriorities is frozen —
// the precondition for starting a cluster-wide recovery transaction.
func (e *Engine) AllFrozen() bool {
	for p := 1; p <= e.numPrios; p++ {
		if !e.IsFrozen(p) {
			return false
		}
	}
	return true
}

// Freeze acquires a whole-database write lock on every database at
// priority, blocking until held. Any number of subsequent Freeze calls
// on an already-frozen priority return success immediately.
func (e *Engine) Freeze(priority int) error {
	e.mu.Lock()
	h, ok := e.handles[priority]
	if !ok {
		h = &priorityHandle{mode: ModeThawed}
		e.handles[priority] = h
	}
	e.mu.Unlock()

	h.mu.Lock()
	if h.mode == ModeFrozen {
		h.mu.Unlock()
		return nil
	}
	if h.mode == ModeFreezing {
		wait := make(chan error, 1)
		h.waiters = append(h.waiters, wait)
		h.mu.Unlock()
		return <-wait
	}
	h.mode = ModeFreezing
	h.mu.Unlock()

	var txns []*txnHandle
	var err error
	for _, db := range e.dbs.DatabasesAtPriority(priority) {
		db.SetInTransaction(true)
		txn, terr := db.Store().TransactionStart()
		if terr != nil {
			err = fmt.Errorf("freeze: priority %d: %w", priority, terr)
			break
		}
		txns = append(txns, &txnHandle{db: db, txn: txn})
	}

	h.mu.Lock()
	if err != nil {
		for _, t := range txns {
			_ = t.txn.Cancel()
			t.db.SetInTransaction(false)
		}
		h.mode = ModeThawed
	} else {
		h.txns = txns
		h.mode = ModeFrozen
		h.frozenAt = time.Now()
	}
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
	return err
}

// Thaw releases priority's whole-database locks, committing each held
// transaction. Thaw is priority-scoped: it never touches another
// priority's transactions. A plain freeze/thaw with no intervening
// writes commits a no-op transaction; a recovery that wrote through
// Txn() has its pull/wipe/push sequence take effect at this point. A
// thaw of an already-thawed priority is a no-op.
func (e *Engine) Thaw(priority int) {
	e.mu.Lock()
	h, ok := e.handles[priority]
	e.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode != ModeFrozen {
		return
	}
	for _, t := range h.txns {
		_ = t.txn.Commit()
		t.db.SetInTransaction(false)
	}
	h.txns = nil
	h.mode = ModeThawed
	metrics.FreezeDuration.Observe(time.Since(h.frozenAt).Seconds())
}

// ThawAll releases every priority, used at the end of a recovery.
func (e *Engine) ThawAll() {
	for p := 1; p <= e.numPrios; p++ {
		e.Thaw(p)
	}
}

// Txn returns the whole-database transaction freeze is holding open for
// db, so the recovery coordinator can perform its pull/wipe/push/commit
// sequence against the same transaction that is already
// providing exclusion, rather than blocking forever trying to open a
// second bbolt writer on the same file.
func (e *Engine) Txn(priority int, db *calldb.DB) (*store.Txn, bool) {
	e.mu.Lock()
	h, ok := e.handles[priority]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode != ModeFrozen {
		return nil, false
	}
	for _, t := range h.txns {
		if t.db == db {
			return t.txn, true
		}
	}
	return nil, false
}

// Mode returns the current freeze mode for priority.
func (e *Engine) Mode(priority int) Mode {
	e.mu.Lock()
	h, ok := e.handles[priority]
	e.mu.Unlock()
	if !ok {
		return ModeThawed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}
