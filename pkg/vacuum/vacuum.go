// Package vacuum implements the background empty-record reclamation
// pass: the lmaster for a key periodically looks for bare headers with a
// zero-length value, asks every node holding a copy to drop it, and only
// then deletes its own copy under a re-verified chain lock. Repacking is
// done by MaybeRepack when the tombstone count its caller passes exceeds
// the repack limit; this package does not track tombstone counts, and
// Run does not call MaybeRepack.
package vacuum

import (
	"context"
	"time"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/lock"
	"github.com/ctdbcore/ctdb/pkg/metrics"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultRepackLimit is the tombstone count past which a database is
// repacked.
const DefaultRepackLimit = 10000

// DefaultScanInterval is how often each database's delete queue is swept.
const DefaultScanInterval = 10 * time.Second

// ClusterView is the slice of cluster state vacuum needs: identity,
// current vnn_map membership, and key hashing.
type ClusterView interface {
	Self() types.PNN
	LMaster(bucket uint32) types.PNN
	ConnectedNodes() []types.PNN
}

// Broadcaster delivers CTDB_CONTROL_DELETE_RECORD to every node in nodes;
// implementations translate this into REQ_CONTROL traffic over the
// transport. Errors for individual nodes are not fatal to the vacuum
// pass — a node that is unreachable simply keeps its stale copy until
// the next pass or a recovery reconciles it.
type Broadcaster interface {
	BroadcastDelete(nodes []types.PNN, dbID uint32, key []byte, hdr types.Header, rsn uint64)
}

// KeyBucket matches callengine.KeyBucket's hash so vacuum and the call
// engine agree on which node is a key's lmaster.
type KeyBucket func(key []byte) uint32

// Engine runs the background vacuum pass for one daemon.
type Engine struct {
	cluster     ClusterView
	locks       *lock.Coordinator
	broadcaster Broadcaster
	bucketOf    KeyBucket
	repackLimit int
	log         zerolog.Logger
}

// New constructs an Engine.
func New(cluster ClusterView, locks *lock.Coordinator, broadcaster Broadcaster, bucketOf KeyBucket, log zerolog.Logger) *Engine {
	return &Engine{
		cluster:     cluster,
		locks:       locks,
		broadcaster: broadcaster,
		bucketOf:    bucketOf,
		repackLimit: DefaultRepackLimit,
		log:         log,
	}
}

// SetRepackLimit overrides DefaultRepackLimit.
func (e *Engine) SetRepackLimit(n int) { e.repackLimit = n }

// Run scans db's delete queue once. It is meant to be called periodically
// (by cmd/ctdbd's background loop) for every attached database; it is a
// no-op for a database whose priority is currently frozen, since the
// chain lock it needs would simply stack up behind the freeze.
func (e *Engine) Run(ctx context.Context, db *calldb.DB) {
	if db.InTransaction() {
		return
	}
	self := e.cluster.Self()
	for _, key := range db.DeleteQueue().Snapshot() {
		hdr, val, err := db.Store().Fetch(key)
		if err != nil || len(val) != 0 || !hdr.Exists() {
			db.DeleteQueue().Remove(key)
			continue
		}
		bucket := e.bucketOf(key)
		if e.cluster.LMaster(bucket) != self {
			// Ownership of this bucket moved since the record was queued;
			// only the current lmaster drives vacuum for it.
			db.DeleteQueue().Remove(key)
			continue
		}

		e.broadcaster.BroadcastDelete(e.cluster.ConnectedNodes(), db.ID(), key, hdr, hdr.RSN)
		e.reverifyAndDelete(ctx, db, key, hdr)
	}
}

// reverifyAndDelete re-fetches key under the chain lock after the
// broadcast and deletes locally only if nothing raced the vacuum pass —
// a concurrent write must win.
func (e *Engine) reverifyAndDelete(ctx context.Context, db *calldb.DB, key []byte, observed types.Header) {
	handle, err := e.locks.Acquire(ctx, db.Store(), lock.Request{
		DB: db.Name(), Key: string(key), Priority: db.Priority(), Type: lock.TypeRecord,
	})
	if err != nil {
		return
	}
	defer handle.Unlock()

	hdr, val, err := db.Store().Fetch(key)
	if err != nil || len(val) != 0 {
		db.DeleteQueue().Remove(key)
		return
	}
	if hdr.DMaster == e.cluster.Self() {
		// We became dmaster since queuing; never delete our own record.
		db.DeleteQueue().Remove(key)
		return
	}
	if hdr.RSN > observed.RSN {
		// A write raced the broadcast; leave the newer record alone.
		return
	}
	if err := db.Store().Delete(key); err == nil {
		db.DeleteQueue().Remove(key)
		metrics.VacuumDeletesTotal.Inc()
	}
}

// HandleDeleteRecord implements the receiving side of
// CTDB_CONTROL_DELETE_RECORD: a node drops its local copy
// only if it is not the dmaster, its rsn is no newer than advertised, and
// it is not the lmaster (the lmaster deletes only via its own
// re-verified path above).
func (e *Engine) HandleDeleteRecord(db *calldb.DB, key []byte, advertisedRSN uint64) {
	bucket := e.bucketOf(key)
	if e.cluster.LMaster(bucket) == e.cluster.Self() {
		return
	}
	hdr, _, err := db.Store().Fetch(key)
	if err != nil || !hdr.Exists() {
		return
	}
	if hdr.DMaster == e.cluster.Self() {
		return
	}
	if hdr.RSN > advertisedRSN {
		return
	}
	_ = db.Store().Delete(key)
}

// MaybeRepack rewrites db's backing store without its tombstones once
// the tombstones argument exceeds the configured limit: it reads every
// live record into memory, wipes the bucket, then stores the records back
// one Store call at a time. These are separate write transactions, not
// one: a concurrent reader can see the intermediate state, and while db's
// priority is frozen each write blocks until thaw.
func (e *Engine) MaybeRepack(db *calldb.DB, tombstones int) error {
	if tombstones <= e.repackLimit {
		return nil
	}
	e.log.Info().Str("db", db.Name()).Int("tombstones", tombstones).Msg("repacking database")

	type kv struct {
		key []byte
		hdr types.Header
		val []byte
	}
	var live []kv
	err := db.Store().Traverse(func(key []byte, hdr types.Header, value []byte) error {
		if len(value) == 0 && hdr.Exists() {
			return nil // tombstone, dropped by the repack
		}
		live = append(live, kv{key: key, hdr: hdr, val: value})
		return nil
	})
	if err != nil {
		return err
	}

	if err := db.Store().WipeAll(); err != nil {
		return err
	}
	for _, r := range live {
		if err := db.Store().Store(r.key, r.hdr, r.val); err != nil {
			return err
		}
	}
	return nil
}
