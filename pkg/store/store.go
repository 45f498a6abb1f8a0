// Package store implements the local record store: a durable, byte-keyed
// (header, value) table per database, backed by go.etcd.io/bbolt, plus
// the chain-lock and whole-database transaction primitives the call
// engine, lock coordinator and recovery coordinator build on.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ctdbcore/ctdb/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// ErrNotFound is the "record not found" sentinel. No Store method returns
// it: Fetch reports a missing key as an empty header instead.
var ErrNotFound = errors.New("store: record not found")

// Store is the on-disk record table for a single database, persistent
// or volatile. One Store wraps one bbolt file.
type Store struct {
	db         *bolt.DB
	path       string
	persistent bool
	chain      *keyLock
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// the records bucket exists. If persistent is false the caller is
// expected to WipeAll() on daemon startup: non-persistent databases
// start empty on every node on every restart.
func Open(path string, persistent bool) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &Store{db: db, path: path, persistent: persistent, chain: newKeyLock()}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error { return s.db.Close() }

// Persistent reports whether this database survives a restart.
func (s *Store) Persistent() bool { return s.persistent }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Fetch reads the header and value stored for key. A missing key is not
// an error: it returns an empty header (types.EmptyHeader) and a nil
// value, so callers treat "record does not exist yet" and "record
// present" through the same path.
func (s *Store) Fetch(key []byte) (types.Header, []byte, error) {
	var hdr types.Header
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		raw := b.Get(key)
		if raw == nil {
			hdr = types.EmptyHeader()
			return nil
		}
		h, v, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		hdr = h
		val = append([]byte(nil), v...)
		return nil
	})
	return hdr, val, err
}

// Store writes header and value for key, replacing any prior record.
// Callers that want to clear a record's payload while retaining its
// header (e.g. a delete queued for vacuum on a non-persistent database
// rather than an outright bucket delete) pass an empty value rather
// than calling Delete.
func (s *Store) Store(key []byte, hdr types.Header, value []byte) error {
	raw := encodeRecord(hdr, value)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(key, raw)
	})
}

// Delete removes key outright. Used by vacuum once a record has been
// cross-cluster verified as safe to reclaim.
func (s *Store) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete(key)
	})
}

// WipeAll drops every record in the database (recreates the bucket),
// used for non-persistent databases at startup and by vacuum's repack.
func (s *Store) WipeAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(recordsBucket)
		return err
	})
}

// Traverse calls fn for every record in key order. Returning an error
// from fn stops the traversal and is returned to the caller. Used by
// recovery's pull and by vacuum's repack.
func (s *Store) Traverse(fn func(key []byte, hdr types.Header, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		return b.ForEach(func(k, raw []byte) error {
			hdr, val, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			return fn(append([]byte(nil), k...), hdr, val)
		})
	})
}

// Lock blocks until key's chain lock is free, then holds it. The
// returned func releases it. This is the in-process half of the
// per-record locking invariant; out-of-process
// serialization across the pulling client's request is pkg/lock's job.
func (s *Store) Lock(key []byte) func() {
	return s.chain.Lock(string(key))
}

// TryLock is the non-blocking chainlock variant (ctdb_chainlock_nonblock),
// driven by pkg/lock's Coordinator.TryAcquire.
func (s *Store) TryLock(key []byte) (unlock func(), ok bool) {
	return s.chain.TryLock(string(key))
}

// LockMark tells the store that key's chain lock is already logically
// held on its behalf — by the lock coordinator's acquisition goroutine —
// so nested code paths that re-enter Lock or TryLock for the same key
// succeed immediately instead of deadlocking against themselves. Every
// LockMark must be paired with a LockUnmark.
func (s *Store) LockMark(key []byte) { s.chain.Mark(string(key)) }

// LockUnmark reverses one LockMark.
func (s *Store) LockUnmark(key []byte) { s.chain.Unmark(string(key)) }

// Txn is a whole-database write transaction, used both for the recovery
// coordinator's pull/wipe/push/commit sequence (TransactionStart/Cancel/
// Commit) and, held open across a longer span, for freeze/thaw: bbolt
// permits only one writer at a time, so simply holding a write Tx open
// blocks every other writer for the duration.
type Txn struct {
	tx *bolt.Tx
}

// TransactionStart begins a whole-database write transaction. It blocks
// until any other in-flight write transaction completes.
func (s *Store) TransactionStart() (*Txn, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &Txn{tx: tx}, nil
}

// Commit finalizes the transaction's writes.
func (t *Txn) Commit() error { return t.tx.Commit() }

// Cancel discards the transaction's writes.
func (t *Txn) Cancel() error { return t.tx.Rollback() }

// Bucket exposes the records bucket within the transaction for callers
// that need direct Put/Delete/ForEach access without going through
// Store/Fetch/Delete (recovery's bulk pull/push).
func (t *Txn) Bucket() *bolt.Bucket { return t.tx.Bucket(recordsBucket) }

// EncodeRecord and DecodeRecord are exported for pkg/recovery's pull/push
// wire framing, which ships raw (header, value) pairs between nodes in
// the same layout used on disk.
func EncodeRecord(hdr types.Header, value []byte) []byte { return encodeRecord(hdr, value) }
func DecodeRecord(raw []byte) (types.Header, []byte, error) { return decodeRecord(raw) }

const headerEncodedLen = 8 + 4 + 4 + 4 + 4 // RSN + DMaster + Flags + LAccessor + LACount

func encodeRecord(hdr types.Header, value []byte) []byte {
	buf := make([]byte, headerEncodedLen+len(value))
	binary.LittleEndian.PutUint64(buf[0:8], hdr.RSN)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(hdr.DMaster))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(hdr.Flags))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(hdr.LAccessor))
	binary.LittleEndian.PutUint32(buf[20:24], hdr.LACount)
	copy(buf[headerEncodedLen:], value)
	return buf
}

func decodeRecord(raw []byte) (types.Header, []byte, error) {
	if len(raw) < headerEncodedLen {
		return types.Header{}, nil, fmt.Errorf("store: truncated record (%d bytes)", len(raw))
	}
	hdr := types.Header{
		RSN:       binary.LittleEndian.Uint64(raw[0:8]),
		DMaster:   types.PNN(binary.LittleEndian.Uint32(raw[8:12])),
		Flags:     types.RecordFlags(binary.LittleEndian.Uint32(raw[12:16])),
		LAccessor: types.PNN(binary.LittleEndian.Uint32(raw[16:20])),
		LACount:   binary.LittleEndian.Uint32(raw[20:24]),
	}
	return hdr, raw[headerEncodedLen:], nil
}
