// Package callengine implements the dmaster/lmaster call protocol state
// machine: REQ_CALL, REPLY_CALL, REPLY_REDIRECT, REQ_DMASTER and
// REPLY_DMASTER, plus hop counting, redirect chase, and automatic
// migration of hot records to their reader.
//
// Each exported Handle* method is meant to run on its own goroutine, one
// per inbound packet, so blocking on the lock coordinator or on a reply
// never stalls any other request.
package callengine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/lock"
	"github.com/ctdbcore/ctdb/pkg/metrics"
	"github.com/ctdbcore/ctdb/pkg/reqid"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/ctdbcore/ctdb/pkg/wire"
	"github.com/rs/zerolog"
)

// ClusterView is the slice of cluster state the call engine needs: its
// own identity, the current generation, and the hash→lmaster mapping.
type ClusterView interface {
	Self() types.PNN
	Generation() types.Generation
	LMaster(bucket uint32) types.PNN
}

// DBLookup resolves a wire db_id to its attached database.
type DBLookup interface {
	GetDB(dbID uint32) (*calldb.DB, bool)
}

// Transport sends a fully-framed packet to whatever node its header's
// DestNode names. Engine never calls Transport for packets addressed to
// itself — those are dispatched in-process.
type Transport interface {
	Send(pkt []byte) error
}

// Config holds the call engine's tunables.
type Config struct {
	// MaxRedirectCount bounds how many hops a request may take between
	// non-lmaster nodes before being forced back to the lmaster.
	MaxRedirectCount int
	// MaxLACount is the consecutive-access threshold that triggers
	// automatic migration to a hot reader.
	MaxLACount uint32
}

// KeyBucket hashes a record key to a vnn_map bucket index.
func KeyBucket(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

type callState struct {
	reqID    reqid.ID
	dbID     uint32
	callID   uint32
	key      []byte
	callData []byte
	flags    wire.ReqCallFlags
	redirects int
	done     chan struct{}
	status   types.CallStatus
	reply    []byte
}

// Engine drives the call protocol for one node.
type Engine struct {
	self      types.PNN
	cluster   ClusterView
	dbs       DBLookup
	reqids    *reqid.Registry
	locks     *lock.Coordinator
	transport Transport
	cfg       Config
	log       zerolog.Logger

	maxHop uint64 // atomic
}

// New constructs an Engine. self must equal cluster.Self().
func New(cluster ClusterView, dbs DBLookup, reqids *reqid.Registry, locks *lock.Coordinator, transport Transport, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		self:      cluster.Self(),
		cluster:   cluster,
		dbs:       dbs,
		reqids:    reqids,
		locks:     locks,
		transport: transport,
		cfg:       cfg,
		log:       log,
	}
}

// MaxHopCount returns the highest hop count observed on any REQ_CALL so
// far, for the control-plane statistics surface.
func (e *Engine) MaxHopCount() uint64 { return atomic.LoadUint64(&e.maxHop) }

func (e *Engine) recordHop(hop uint32) {
	metrics.CallHopCount.Observe(float64(hop))
	for {
		cur := atomic.LoadUint64(&e.maxHop)
		if uint64(hop) <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&e.maxHop, cur, uint64(hop)) {
			return
		}
	}
}

// Call is the client-facing entry point:
// it originates a REQ_CALL addressed to this node and blocks until a
// REPLY_CALL resolves it or the context is canceled. A recovery does not
// reissue an in-flight call: one whose REQ_CALL was dropped for a stale
// generation ends only when ctx does.
func (e *Engine) Call(ctx context.Context, dbID, callID uint32, key, callData []byte, flags wire.ReqCallFlags) ([]byte, types.CallStatus, error) {
	st := &callState{
		dbID:     dbID,
		callID:   callID,
		key:      key,
		callData: callData,
		flags:    flags,
		done:     make(chan struct{}),
	}
	id := e.reqids.Alloc("call", st)
	defer e.reqids.Release(id)
	st.reqID = id

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CallDuration)

	b := &wire.ReqCall{Flags: flags, DBID: dbID, CallID: callID, Key: key, CallData: callData}
	e.sendReqCall(e.self, uint32(id), b)

	select {
	case <-st.done:
		return st.reply, st.status, nil
	case <-ctx.Done():
		return nil, types.StatusTimeout, ctx.Err()
	}
}

func (e *Engine) sendReqCall(dest types.PNN, reqID uint32, b *wire.ReqCall) {
	h := wire.Header{
		Operation:  wire.OpReqCall,
		Generation: e.cluster.Generation(),
		DestNode:   dest,
		SrcNode:    e.self,
		ReqID:      reqID,
	}
	if dest == e.self {
		e.HandleReqCall(h, b)
		return
	}
	_ = e.transport.Send(wire.Encode(h, b.Encode()))
}

// HandleReqCall is the REQ_CALL receiver: answer locally if this node
// is the dmaster, redirect toward a better guess, or start a migration.
func (e *Engine) HandleReqCall(h wire.Header, b *wire.ReqCall) {
	if h.Generation != e.cluster.Generation() {
		e.log.Debug().Uint32("reqid", h.ReqID).Msg("dropping REQ_CALL from stale generation")
		return
	}
	hop := b.HopCount + 1
	e.recordHop(hop)

	db, ok := e.dbs.GetDB(b.DBID)
	if !ok {
		e.deliverReplyCall(h, types.StatusError, nil)
		return
	}

	handle, err := e.locks.Acquire(context.Background(), db.Store(), lock.Request{
		DB: db.Name(), Key: string(b.Key), Priority: db.Priority(), Type: lock.TypeRecord,
	})
	if err != nil {
		e.deliverReplyCall(h, types.StatusError, nil)
		return
	}
	defer handle.Unlock()

	hdr, val, err := db.Store().Fetch(b.Key)
	if err != nil {
		e.deliverReplyCall(h, types.StatusError, nil)
		return
	}

	bucket := KeyBucket(b.Key)
	lmaster := e.cluster.LMaster(bucket)

	isDMaster := hdr.Exists() && hdr.DMaster == e.self
	if !hdr.Exists() && lmaster == e.self {
		isDMaster = true
		hdr = types.Header{DMaster: e.self}
	}

	if !isDMaster {
		target := hdr.DMaster
		if target == types.InvalidPNN || hop > uint32(e.cfg.MaxRedirectCount) {
			target = lmaster
		}
		e.redirect(h, b, hop, target)
		return
	}

	caller := h.SrcNode
	hotReader := hdr.LAccessor == caller && hdr.LACount >= e.cfg.MaxLACount
	wantsMigration := b.Flags&wire.ReqCallImmediateMigration != 0
	if caller != e.self && !db.InTransaction() && (hotReader || wantsMigration) {
		e.initiateMigration(h, b, hdr, val, db, caller)
		return
	}

	fn, ok := db.Call(b.CallID)
	if !ok {
		e.deliverReplyCall(h, types.StatusError, nil)
		return
	}
	newVal, reply, status := fn(b.Key, val, b.CallData)

	if hdr.LAccessor == caller {
		hdr.LACount++
	} else {
		hdr.LAccessor = caller
		hdr.LACount = 1
	}
	if newVal != nil {
		val = newVal
		hdr.RSN++
	}
	if caller != e.self || newVal != nil {
		if err := db.Store().Store(b.Key, hdr, val); err != nil {
			e.log.Error().Err(err).Msg("failed to persist record after local call")
		}
	}
	e.deliverReplyCall(h, status, reply)
}

// redirect answers a REQ_CALL whose local copy is not the dmaster. A
// locally-originated call (h.SrcNode == self) reissues directly without
// a wire round trip; a remotely-originated one gets a REPLY_REDIRECT so
// the true originator can chase it.
func (e *Engine) redirect(h wire.Header, b *wire.ReqCall, hop uint32, target types.PNN) {
	if h.SrcNode == e.self {
		nb := &wire.ReqCall{Flags: b.Flags, DBID: b.DBID, CallID: b.CallID, HopCount: hop, Key: b.Key, CallData: b.CallData}
		e.sendReqCall(target, h.ReqID, nb)
		return
	}
	body := (&wire.ReplyRedirect{DMaster: target}).Encode()
	reply := wire.Header{
		Operation: wire.OpReplyRedirect, Generation: e.cluster.Generation(),
		DestNode: h.SrcNode, SrcNode: e.self, ReqID: h.ReqID,
	}
	_ = e.transport.Send(wire.Encode(reply, body))
}

// HandleReplyRedirect resumes the chase for a locally-originated call
// that was told to try a different node.
func (e *Engine) HandleReplyRedirect(h wire.Header, b *wire.ReplyRedirect) {
	v, ok := e.reqids.Lookup(reqid.ID(h.ReqID), "call")
	if !ok {
		return
	}
	st := v.(*callState)
	st.redirects++

	target := b.DMaster
	if st.redirects > e.cfg.MaxRedirectCount {
		target = e.cluster.LMaster(KeyBucket(st.key))
	}
	nb := &wire.ReqCall{Flags: st.flags, DBID: st.dbID, CallID: st.callID, HopCount: uint32(st.redirects), Key: st.key, CallData: st.callData}
	e.sendReqCall(target, h.ReqID, nb)
}

// initiateMigration sends REQ_DMASTER to the key's lmaster proposing
// caller as the new dmaster.
func (e *Engine) initiateMigration(h wire.Header, b *wire.ReqCall, hdr types.Header, val []byte, db *calldb.DB, caller types.PNN) {
	lmaster := e.cluster.LMaster(KeyBucket(b.Key))
	// The record changes hands with its sequence number advanced, so the
	// receiver's first store is already newer than any stale copy.
	body := &wire.ReqDMaster{
		DBID: b.DBID, DMaster: caller, RSN: hdr.RSN + 1, Flags: hdr.Flags,
		OrigReqID: h.ReqID, Key: b.Key, Value: val,
	}
	dh := wire.Header{
		Operation: wire.OpReqDMaster, Generation: e.cluster.Generation(),
		DestNode: lmaster, SrcNode: e.self, ReqID: h.ReqID,
	}
	if lmaster == e.self {
		// HandleReqCall already holds this key's chain lock on this
		// goroutine; mark it so HandleReqDMaster's Acquire does not block on it.
		db.Store().LockMark(b.Key)
		defer db.Store().LockUnmark(b.Key)
		e.HandleReqDMaster(dh, body)
		return
	}
	// The old dmaster hands the role over locally too, so only the
	// proposed dmaster's copy claims it.
	hdr.DMaster = caller
	if err := db.Store().Store(b.Key, hdr, val); err != nil {
		e.log.Error().Err(err).Msg("failed to persist record handoff")
	}
	_ = e.transport.Send(wire.Encode(dh, body.Encode()))
}

// HandleReqDMaster implements the lmaster's side of migration.
func (e *Engine) HandleReqDMaster(h wire.Header, b *wire.ReqDMaster) {
	if h.Generation != e.cluster.Generation() {
		return
	}
	db, ok := e.dbs.GetDB(b.DBID)
	if !ok {
		return
	}

	handle, err := e.locks.Acquire(context.Background(), db.Store(), lock.Request{
		DB: db.Name(), Key: string(b.Key), Priority: db.Priority(), Type: lock.TypeRecord,
	})
	if err != nil {
		return
	}
	defer handle.Unlock()

	hdr, _, err := db.Store().Fetch(b.Key)
	if err != nil {
		return
	}
	if hdr.Exists() && hdr.RSN != 0 && hdr.DMaster != h.SrcNode {
		e.log.Fatal().
			Uint32("dbid", b.DBID).Int32("sender", int32(h.SrcNode)).Int32("recorded_dmaster", int32(hdr.DMaster)).
			Msg("REQ_DMASTER sender is not the recorded dmaster, protocol invariant violated")
		return
	}

	newHdr := types.Header{DMaster: b.DMaster, RSN: b.RSN, Flags: b.Flags}
	if err := db.Store().Store(b.Key, newHdr, b.Value); err != nil {
		e.log.Error().Err(err).Msg("failed to persist record during migration")
		return
	}

	if b.DMaster == e.self {
		if v, ok := e.reqids.Lookup(reqid.ID(b.OrigReqID), "call"); ok {
			e.runLocalCallAndComplete(db, b.Key, newHdr, b.Value, v.(*callState))
		}
		return
	}

	replyBody := &wire.ReplyDMaster{RSN: b.RSN, DBID: b.DBID, Flags: b.Flags, OrigReqID: b.OrigReqID, Key: b.Key, Value: b.Value}
	rh := wire.Header{
		Operation: wire.OpReplyDMaster, Generation: e.cluster.Generation(),
		DestNode: b.DMaster, SrcNode: e.self, ReqID: h.ReqID,
	}
	_ = e.transport.Send(wire.Encode(rh, replyBody.Encode()))
}

// HandleReplyDMaster implements the proposed dmaster's side of migration
//: it takes ownership, runs the call, and resolves its
// own pending Call via OrigReqID.
func (e *Engine) HandleReplyDMaster(h wire.Header, b *wire.ReplyDMaster) {
	if h.Generation != e.cluster.Generation() {
		return
	}
	db, ok := e.dbs.GetDB(b.DBID)
	if !ok {
		return
	}

	handle, err := e.locks.Acquire(context.Background(), db.Store(), lock.Request{
		DB: db.Name(), Key: string(b.Key), Priority: db.Priority(), Type: lock.TypeRecord,
	})
	if err != nil {
		return
	}
	defer handle.Unlock()

	newHdr := types.Header{DMaster: e.self, RSN: b.RSN, Flags: b.Flags}
	if err := db.Store().Store(b.Key, newHdr, b.Value); err != nil {
		e.log.Error().Err(err).Msg("failed to persist record after becoming dmaster")
		return
	}

	v, ok := e.reqids.Lookup(reqid.ID(b.OrigReqID), "call")
	if !ok {
		return
	}
	e.runLocalCallAndComplete(db, b.Key, newHdr, b.Value, v.(*callState))
}

func (e *Engine) runLocalCallAndComplete(db *calldb.DB, key []byte, hdr types.Header, val []byte, st *callState) {
	fn, ok := db.Call(st.callID)
	if !ok {
		st.status = types.StatusError
		close(st.done)
		return
	}
	newVal, reply, status := fn(key, val, st.callData)

	if hdr.LAccessor == e.self {
		hdr.LACount++
	} else {
		hdr.LAccessor = e.self
		hdr.LACount = 1
	}
	if newVal != nil {
		val = newVal
		hdr.RSN++
	}
	if err := db.Store().Store(key, hdr, val); err != nil {
		e.log.Error().Err(err).Msg("failed to persist record after local migration call")
	}

	st.status = status
	st.reply = reply
	close(st.done)
}

// HandleReplyCall completes an in-flight call answered directly, without
// migration.
func (e *Engine) HandleReplyCall(h wire.Header, b *wire.ReplyCall) {
	if h.Generation != e.cluster.Generation() {
		return
	}
	v, ok := e.reqids.Lookup(reqid.ID(h.ReqID), "call")
	if !ok {
		return
	}
	st := v.(*callState)
	st.status = b.Status
	st.reply = b.Data
	close(st.done)
}

func (e *Engine) deliverReplyCall(h wire.Header, status types.CallStatus, reply []byte) {
	if h.SrcNode == e.self {
		if v, ok := e.reqids.Lookup(reqid.ID(h.ReqID), "call"); ok {
			st := v.(*callState)
			st.status = status
			st.reply = reply
			close(st.done)
		}
		return
	}
	body := (&wire.ReplyCall{Status: status, Data: reply}).Encode()
	replyHeader := wire.Header{
		Operation: wire.OpReplyCall, Generation: e.cluster.Generation(),
		DestNode: h.SrcNode, SrcNode: e.self, ReqID: h.ReqID,
	}
	_ = e.transport.Send(wire.Encode(replyHeader, body))
}

// ErrNoSuchCall is returned by diagnostics when a reqid no longer
// resolves to an in-flight call (already completed, or stale).
var ErrNoSuchCall = fmt.Errorf("callengine: no in-flight call for reqid")
