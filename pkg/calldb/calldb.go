// Package calldb implements the database context: the per-database
// metadata, registered call-function table, and vacuum delete-queue that
// sit on top of a pkg/store.Store handle.
package calldb

import (
	"hash/fnv"
	"sync"

	"github.com/ctdbcore/ctdb/pkg/store"
	"github.com/ctdbcore/ctdb/pkg/types"
)

// Health is a database's operational status, surfaced on CTDB_CONTROL_
// GET_DBMAP and used by the recovery coordinator to decide whether a
// database participates in a recovery.
type Health int32

const (
	HealthOK Health = iota
	HealthUnhealthy
)

func (h Health) String() string {
	if h == HealthUnhealthy {
		return "UNHEALTHY"
	}
	return "OK"
}

// CallFunc is a registered call function: given the
// current value (nil if the record did not previously exist) and the
// call data from the REQ_CALL, it returns the record's new value (nil to
// leave it unchanged) and whatever reply data should go back to the
// caller.
type CallFunc func(key, oldValue, callData []byte) (newValue, reply []byte, status types.CallStatus)

// ID derives a database's 32-bit identifier from its name, so every
// node computes the same id without coordination.
func ID(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// DB is one attached database: its store handle, metadata, registered
// call functions, and vacuum delete-queue.
type DB struct {
	id         uint32
	name       string
	path       string
	persistent bool
	priority   int

	store *store.Store

	mu     sync.RWMutex
	health Health
	inTxn  bool
	calls  map[uint32]CallFunc

	deleteQueue *deleteQueue
}

// Open attaches a database: opens its backing store (wiping it first if
// it is non-persistent) and returns a ready DB.
func Open(name, path string, persistent bool, priority int) (*DB, error) {
	s, err := store.Open(path, persistent)
	if err != nil {
		return nil, err
	}
	if !persistent {
		if err := s.WipeAll(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return &DB{
		id:          ID(name),
		name:        name,
		path:        path,
		persistent:  persistent,
		priority:    priority,
		store:       s,
		health:      HealthOK,
		calls:       make(map[uint32]CallFunc),
		deleteQueue: newDeleteQueue(),
	}, nil
}

func (d *DB) ID() uint32        { return d.id }
func (d *DB) Name() string      { return d.name }
func (d *DB) Path() string      { return d.path }
func (d *DB) Persistent() bool  { return d.persistent }
func (d *DB) Priority() int     { return d.priority }
func (d *DB) Store() *store.Store { return d.store }

func (d *DB) Health() Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *DB) SetHealth(h Health) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = h
}

// InTransaction reports whether this database is currently inside a
// recovery/freeze-driven whole-database transaction; migration never
// starts mid-transaction.
func (d *DB) InTransaction() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inTxn
}

// SetInTransaction is called by the freeze/recovery engines around a
// whole-database transaction's lifetime.
func (d *DB) SetInTransaction(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inTxn = v
}

// RegisterCall installs a call function under callID, as a client would
// via the attach/register sequence on the client socket.
func (d *DB) RegisterCall(callID uint32, fn CallFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[callID] = fn
}

// Call looks up a registered call function.
func (d *DB) Call(callID uint32) (CallFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.calls[callID]
	return fn, ok
}

// DeleteQueue exposes the vacuum candidate set for this database.
func (d *DB) DeleteQueue() *deleteQueue { return d.deleteQueue }

// Close releases the backing store.
func (d *DB) Close() error { return d.store.Close() }

// deleteQueue is the set of record keys vacuum has marked as empty-value
// candidates pending cross-cluster delete verification.
type deleteQueue struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newDeleteQueue() *deleteQueue {
	return &deleteQueue{keys: make(map[string]struct{})}
}

func (q *deleteQueue) Add(key []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys[string(key)] = struct{}{}
}

func (q *deleteQueue) Remove(key []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, string(key))
}

// Snapshot returns a point-in-time copy of the queued keys, for vacuum's
// scan pass to iterate without holding the lock.
func (q *deleteQueue) Snapshot() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.keys))
	for k := range q.keys {
		out = append(out, []byte(k))
	}
	return out
}

func (q *deleteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}
