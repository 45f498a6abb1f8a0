// Package recovery implements the cluster-wide recovery coordinator:
// freeze of every database, pull/merge/wipe/push of every database's
// contents, vnn_map regeneration, generation bump, and thaw. It does not
// elect a recovery master; whichever node calls Run drives the recovery.
package recovery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/freeze"
	"github.com/ctdbcore/ctdb/pkg/metrics"
	"github.com/ctdbcore/ctdb/pkg/store"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeyBucket matches callengine.KeyBucket's hash so recovery assigns the
// same post-recovery dmaster the call engine would redirect to.
type KeyBucket func(key []byte) uint32

// Transport sends a control request to dest (which may be the local
// node, in which case implementations are expected to dispatch
// in-process rather than round-trip over the wire) and returns its
// reply payload.
type Transport interface {
	SendControl(ctx context.Context, dest types.PNN, opcode control.Opcode, data []byte) ([]byte, error)
}

// ClusterView is the cluster membership/state surface recovery needs.
type ClusterView interface {
	Self() types.PNN
	ConnectedNodes() []types.PNN
	VNNMap() types.VNNMap
	InstallVNNMap(v types.VNNMap)
	SetRecoveryMode(types.RecoveryMode)
}

// DBLister enumerates every attached database, across all priorities.
type DBLister interface {
	Databases() []*calldb.DB
}

// Hooks is the external collaborator the recovery state machine calls
// out to: Run calls Recovered once after a successful recovery.
type Hooks interface {
	Recovered(ctx context.Context) error
}

// NoopHooks satisfies Hooks by doing nothing, for daemons run without
// eventscripts configured.
type NoopHooks struct{}

func (NoopHooks) Recovered(context.Context) error { return nil }

// Coordinator drives the recovery protocol. No recovery master is
// elected: cmd/ctdbd's recovery loop calls Run on any node that sees an
// invalid generation or ACTIVE recovery mode, and nothing stops several
// nodes from running it at once. Every node (including the one driving)
// answers the FREEZE/PULLDB/PUSHDB/WIPEDB/SETDMASTER/SETVNNMAP/THAW controls
// recovery issues (wired via pkg/control's handler groups).
type Coordinator struct {
	cluster   ClusterView
	dbs       DBLister
	freeze    *freeze.Engine
	transport Transport
	hooks     Hooks
	bucketOf  KeyBucket
	log       zerolog.Logger

	// RetryInterval is how long Run waits before retrying a failed
	// recovery attempt.
	RetryInterval time.Duration
}

// New constructs a Coordinator.
func New(cluster ClusterView, dbs DBLister, fe *freeze.Engine, transport Transport, hooks Hooks, bucketOf KeyBucket, log zerolog.Logger) *Coordinator {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Coordinator{
		cluster:       cluster,
		dbs:           dbs,
		freeze:        fe,
		transport:     transport,
		hooks:         hooks,
		bucketOf:      bucketOf,
		log:           log,
		RetryInterval: 2 * time.Second,
	}
}

// dbByID finds an attached database by its 32-bit id.
func (c *Coordinator) dbByID(id uint32) *calldb.DB {
	for _, db := range c.dbs.Databases() {
		if db.ID() == id {
			return db
		}
	}
	return nil
}

// numPriorities bounds the freeze loop. Kept local since only recovery
// and the freeze engine need to iterate every priority.
const numPriorities = 3

// Run executes one full recovery attempt. On failure it cancels every
// in-progress transaction, leaves the recovery mode ACTIVE, and returns
// an error; the caller (cmd/ctdbd's recovery loop) is expected to retry
// after RetryInterval.
func (c *Coordinator) Run(ctx context.Context) error {
	attemptID := uuid.New()
	log := c.log.With().Str("recovery_attempt", attemptID.String()).Logger()
	log.Info().Msg("starting recovery")

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)

	c.cluster.SetRecoveryMode(types.RecoveryModeActive)

	if err := c.runLocked(ctx, log); err != nil {
		log.Error().Err(err).Msg("recovery attempt failed, will retry")
		c.abort(ctx)
		return err
	}

	c.cluster.SetRecoveryMode(types.RecoveryModeNormal)
	metrics.RecoveriesTotal.Inc()
	if err := c.hooks.Recovered(ctx); err != nil {
		log.Warn().Err(err).Msg("recovered eventscript failed")
	}
	log.Info().Msg("recovery complete")
	return nil
}

func (c *Coordinator) runLocked(ctx context.Context, log zerolog.Logger) error {
	nodes := c.cluster.ConnectedNodes()
	if len(nodes) == 0 {
		return fmt.Errorf("recovery: no connected nodes")
	}

	// Step 1: freeze every priority on every node.
	if err := c.freezeAll(ctx, nodes); err != nil {
		return fmt.Errorf("freeze: %w", err)
	}

	// Step 2: elect a new generation.
	newGen, err := c.electGeneration(ctx, nodes)
	if err != nil {
		return fmt.Errorf("elect generation: %w", err)
	}
	log.Info().Uint32("generation", uint32(newGen)).Msg("elected generation")

	// Step 3: transactions are already open as a side effect of freeze
	// (pkg/freeze holds a whole-database write transaction per priority
	// for exactly this purpose).

	newMap := computeVNNMap(newGen, nodes, len(c.cluster.VNNMap().Map))

	// Step 4: per database, pull/merge/wipe/push/set-dmaster.
	for _, db := range c.dbs.Databases() {
		if err := c.recoverDatabase(ctx, nodes, db, newGen, newMap); err != nil {
			return fmt.Errorf("database %s: %w", db.Name(), err)
		}
	}

	// Step 5: commit — releasing freeze's transactions commits their
	// writes (see freeze.Engine.Thaw doc comment: thaw and commit are the
	// same action here since pkg/freeze's handle is the transaction).
	//
	// Step 6: install the new vnn_map everywhere.
	if err := c.broadcastControl(ctx, nodes, control.OpSetVNNMap, control.VNNMapDTO{
		Generation: uint32(newMap.Generation),
		Map:        pnnsToInt32(newMap.Map),
	}); err != nil {
		return fmt.Errorf("setvnnmap: %w", err)
	}
	c.cluster.InstallVNNMap(newMap)

	// Step 7: thaw all priorities everywhere.
	if err := c.thawAll(ctx, nodes); err != nil {
		return fmt.Errorf("thaw: %w", err)
	}

	return nil
}

func (c *Coordinator) freezeAll(ctx context.Context, nodes []types.PNN) error {
	for p := 1; p <= numPriorities; p++ {
		if err := c.broadcastControl(ctx, nodes, control.OpFreeze, struct {
			Priority int `json:"priority"`
		}{Priority: p}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) thawAll(ctx context.Context, nodes []types.PNN) error {
	var firstErr error
	for p := 1; p <= numPriorities; p++ {
		if err := c.broadcastControl(ctx, nodes, control.OpThaw, struct {
			Priority int `json:"priority"`
		}{Priority: p}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// abort cancels every open freeze transaction without installing a new
// vnn_map, leaving every node's databases as they were before this
// attempt: the recovery master cancels the transaction on all nodes and
// leaves the recovery mode ACTIVE").
func (c *Coordinator) abort(ctx context.Context) {
	nodes := c.cluster.ConnectedNodes()
	_ = c.thawAll(ctx, nodes)
}

// electGeneration asks every connected node for its current vnn_map
// generation and returns one greater than the maximum observed,
// skipping types.InvalidGeneration.
func (c *Coordinator) electGeneration(ctx context.Context, nodes []types.PNN) (types.Generation, error) {
	var maxGen types.Generation
	for _, n := range nodes {
		resp, err := c.transport.SendControl(ctx, n, control.OpGetVNNMap, nil)
		if err != nil {
			continue // an unreachable node simply doesn't vote
		}
		var dto control.VNNMapDTO
		if err := json.Unmarshal(resp, &dto); err != nil {
			continue
		}
		if types.Generation(dto.Generation) != types.InvalidGeneration && types.Generation(dto.Generation) > maxGen {
			maxGen = types.Generation(dto.Generation)
		}
	}
	newGen := maxGen + 1
	if newGen == types.InvalidGeneration {
		newGen++
	}
	return newGen, nil
}

// computeVNNMap assigns each hash bucket to a connected node in
// round-robin order, the simplest assignment every node can reproduce
// identically.
func computeVNNMap(gen types.Generation, nodes []types.PNN, size int) types.VNNMap {
	if size == 0 {
		size = len(nodes)
		if size == 0 {
			size = 1
		}
	}
	sorted := append([]types.PNN(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m := make([]types.PNN, size)
	for i := range m {
		m[i] = sorted[i%len(sorted)]
	}
	return types.VNNMap{Generation: gen, Map: m}
}

// recoverDatabase reconciles one database: pull every
// node's records, merge by highest rsn, wipe, push the merged set, and
// assign the post-recovery dmaster.
func (c *Coordinator) recoverDatabase(ctx context.Context, nodes []types.PNN, db *calldb.DB, gen types.Generation, newMap types.VNNMap) error {
	merged := map[string]Record{}
	mergeIn := func(recs []Record) {
		for _, r := range recs {
			k := string(r.Key)
			cur, ok := merged[k]
			if !ok || r.Header.RSN > cur.Header.RSN || (r.Header.RSN == cur.Header.RSN && r.Header.DMaster > cur.Header.DMaster) {
				if len(r.Value) == 0 && ok && len(cur.Value) > 0 {
					continue // a deleted record never displaces a live one
				}
				merged[k] = r
			}
		}
	}

	// Local records need no round trip.
	var local []Record
	_ = db.Store().Traverse(func(key []byte, hdr types.Header, value []byte) error {
		local = append(local, Record{Key: append([]byte(nil), key...), Header: hdr, Value: append([]byte(nil), value...)})
		return nil
	})
	mergeIn(local)

	for _, n := range nodes {
		if n == c.cluster.Self() {
			continue
		}
		resp, err := c.transport.SendControl(ctx, n, control.OpPullDB, mustJSON(struct {
			DBID       uint32 `json:"dbid"`
			ForLMaster int32  `json:"for_lmaster"`
		}{DBID: db.ID(), ForLMaster: int32(types.InvalidPNN)}))
		if err != nil {
			c.log.Warn().Err(err).Int32("node", int32(n)).Msg("pulldb failed, continuing without this node")
			continue
		}
		recs, err := DecodeBlob(resp)
		if err != nil {
			continue
		}
		mergeIn(recs)
	}

	final := make([]Record, 0, len(merged))
	for key, r := range merged {
		bucket := c.bucketOf([]byte(key))
		r.Header.DMaster = newMap.LMaster(bucket)
		final = append(final, r)
	}
	blob := EncodeBlob(final)

	if err := c.broadcastControl(ctx, nodes, control.OpWipeDB, struct {
		DBID       uint32 `json:"dbid"`
		Generation uint32 `json:"generation"`
	}{DBID: db.ID(), Generation: uint32(gen)}); err != nil {
		return err
	}

	return c.broadcastControl(ctx, nodes, control.OpPushDB, struct {
		DBID uint32 `json:"dbid"`
		Blob []byte `json:"blob"`
	}{DBID: db.ID(), Blob: blob})
}

func (c *Coordinator) broadcastControl(ctx context.Context, nodes []types.PNN, opcode control.Opcode, payload interface{}) error {
	data := mustJSON(payload)
	for _, n := range nodes {
		if _, err := c.transport.SendControl(ctx, n, opcode, data); err != nil {
			return fmt.Errorf("node %d: %w", n, err)
		}
	}
	return nil
}

// Record is one (key, header, value) tuple as carried on PULLDB/PUSHDB.
type Record struct {
	Key    []byte
	Header types.Header
	Value  []byte
}

// EncodeBlob marshals recs as a length-prefixed sequence of
// (keylen, reclen, key‖header‖value) entries — the blob format PULLDB
// replies and PUSHDB requests carry, also reused by the admin tool's
// backup files.
func EncodeBlob(recs []Record) []byte {
	var buf []byte
	for _, r := range recs {
		enc := store.EncodeRecord(r.Header, r.Value)
		var lens [8]byte
		binary.LittleEndian.PutUint32(lens[0:4], uint32(len(r.Key)))
		binary.LittleEndian.PutUint32(lens[4:8], uint32(len(enc)))
		buf = append(buf, lens[:]...)
		buf = append(buf, r.Key...)
		buf = append(buf, enc...)
	}
	return buf
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(buf []byte) ([]Record, error) {
	var out []Record
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, fmt.Errorf("recovery: truncated blob")
		}
		keylen := binary.LittleEndian.Uint32(buf[0:4])
		reclen := binary.LittleEndian.Uint32(buf[4:8])
		buf = buf[8:]
		if uint64(keylen)+uint64(reclen) > uint64(len(buf)) {
			return nil, fmt.Errorf("recovery: truncated blob entry")
		}
		key := buf[:keylen]
		enc := buf[keylen : keylen+reclen]
		buf = buf[keylen+reclen:]
		hdr, val, err := store.DecodeRecord(enc)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Key: append([]byte(nil), key...), Header: hdr, Value: append([]byte(nil), val...)})
	}
	return out, nil
}

func pnnsToInt32(pnns []types.PNN) []int32 {
	out := make([]int32, len(pnns))
	for i, p := range pnns {
		out[i] = int32(p)
	}
	return out
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("recovery: marshal %T: %v", v, err))
	}
	return b
}

// The methods below satisfy pkg/control's RecoveryDataProvider, answering
// PULLDB/PUSHDB/WIPEDB/SETDMASTER issued by whichever node is currently
// driving recovery (which may be this same node — Run calls its own
// transport, so these still go through the same code path uniformly).
//
// Because this design centralizes pulling at the recovery master
// (forLMaster is always types.InvalidPNN, meaning "everything") rather
// than having every node pull only the keys it will be lmaster for, and
// because the merged, dmaster-assigned result is shipped whole on PUSHDB,
// SETDMASTER never has anything left to do — see DESIGN.md.

// PullRecords marshals dbID's records whose lmaster under the current
// vnn_map is forLMaster into the wire blob format, or every record when
// forLMaster is types.InvalidPNN.
func (c *Coordinator) PullRecords(dbID uint32, forLMaster types.PNN) ([]byte, error) {
	db := c.dbByID(dbID)
	if db == nil {
		return nil, fmt.Errorf("recovery: unknown database %d", dbID)
	}
	var recs []Record
	vm := c.cluster.VNNMap()
	err := db.Store().Traverse(func(key []byte, hdr types.Header, value []byte) error {
		if forLMaster != types.InvalidPNN && vm.LMaster(c.bucketOf(key)) != forLMaster {
			return nil
		}
		recs = append(recs, Record{Key: append([]byte(nil), key...), Header: hdr, Value: append([]byte(nil), value...)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return EncodeBlob(recs), nil
}

// PushRecords replaces dbID's contents with blob, writing directly into
// the whole-database transaction freeze is already holding open for this
// database's priority (a second store.Store call would deadlock: bbolt
// allows only one open writer per file, and freeze's transaction is it).
func (c *Coordinator) PushRecords(dbID uint32, blob []byte) error {
	db := c.dbByID(dbID)
	if db == nil {
		return fmt.Errorf("recovery: unknown database %d", dbID)
	}
	recs, err := DecodeBlob(blob)
	if err != nil {
		return err
	}
	txn, ok := c.freeze.Txn(db.Priority(), db)
	if !ok {
		return fmt.Errorf("recovery: database %d is not frozen", dbID)
	}
	b := txn.Bucket()
	for _, r := range recs {
		if err := b.Put(r.Key, store.EncodeRecord(r.Header, r.Value)); err != nil {
			return err
		}
	}
	return nil
}

// WipeDatabase empties dbID, rejecting a wipe for a generation that is
// not newer than the one currently installed: a stale wipe left over
// from an aborted recovery must not be allowed to erase data a later
// recovery already committed.
func (c *Coordinator) WipeDatabase(dbID uint32, generation types.Generation) error {
	cur := c.cluster.VNNMap().Generation
	if cur != types.InvalidGeneration && generation <= cur {
		return fmt.Errorf("recovery: stale wipe for database %d: generation %d <= current %d", dbID, generation, cur)
	}
	db := c.dbByID(dbID)
	if db == nil {
		return fmt.Errorf("recovery: unknown database %d", dbID)
	}
	txn, ok := c.freeze.Txn(db.Priority(), db)
	if !ok {
		return fmt.Errorf("recovery: database %d is not frozen", dbID)
	}
	b := txn.Bucket()
	var keys [][]byte
	if err := b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SetDMasters is a no-op in this implementation: PushRecords already
// carries the post-recovery dmaster assignment computed by the recovery
// master, so there is nothing left for a separate SETDMASTER step to do.
func (c *Coordinator) SetDMasters(dbID uint32, blob []byte) error {
	return nil
}
