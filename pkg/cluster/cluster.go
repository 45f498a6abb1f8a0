// Package cluster wires the per-node subsystems (call engine, lock
// coordinator, freeze engine, recovery coordinator, vacuum engine,
// reqid registry, attached databases) into one daemon-wide context:
// one constructor and a single mutex-guarded membership view. Cluster has
// no Shutdown method; cmd/ctdbd's shutdown path closes the client socket
// and then the transport. Cluster agreement is a single
// generation counter installed by the recovery coordinator, not a
// replicated log — the vnn_map is plain state, rebuilt on every
// recovery.
package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/callengine"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/freeze"
	"github.com/ctdbcore/ctdb/pkg/lock"
	"github.com/ctdbcore/ctdb/pkg/reqid"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/rs/zerolog"
)

// NumPriorities is how many database priorities freeze and recovery
// iterate.
const NumPriorities = 3

// Transport is the inter-node link the cluster drives both call traffic
// and control requests over. Implementations (pkg/transport) dial every
// other node's listener and frame traffic with pkg/wire/pkg/queue; tests
// may substitute an in-process fake.
type Transport interface {
	callengine.Transport
	// SendControl performs a synchronous REQ_CONTROL/REPLY_CONTROL round
	// trip to dest, used by the recovery coordinator and by this node's
	// own admin-facing control dispatch when dest != Self().
	SendControl(ctx context.Context, dest types.PNN, opcode control.Opcode, data []byte) ([]byte, error)
}

// Config is a Cluster's static configuration: the node list and this
// node's own settings.
type Config struct {
	Self    types.PNN
	Nodes   []types.Node
	DataDir string
}

// Cluster is the daemon-wide context: node membership, the vnn_map,
// attached databases, and the subsystems built on top of them.
type Cluster struct {
	mu    sync.RWMutex
	self  types.PNN
	nodes []types.Node
	vnn   types.VNNMap
	mode  types.RecoveryMode

	dataDir string
	dbs     map[uint32]*calldb.DB

	tunables map[string]uint32

	reqids    *reqid.Registry
	locks     *lock.Coordinator
	freeze    *freeze.Engine
	call      *callengine.Engine
	transport Transport
	log       zerolog.Logger

	notifyMu sync.Mutex
	notify   map[uint64]struct{}

	servers    sync.Map // pid (uint32) -> srvID (uint64)
	recoveries uint64   // atomic
}

// New constructs a Cluster with no attached databases. Callers attach
// each database with Attach and set Transport separately via SetTransport
// once the inter-node link is ready (pkg/transport depends on the same
// Cluster for dispatch, so the two are wired after construction).
func New(cfg Config, log zerolog.Logger) *Cluster {
	c := &Cluster{
		self:     cfg.Self,
		nodes:    append([]types.Node(nil), cfg.Nodes...),
		vnn:      types.VNNMap{Generation: types.InvalidGeneration},
		mode:     types.RecoveryModeActive,
		dataDir:  cfg.DataDir,
		dbs:      make(map[uint32]*calldb.DB),
		tunables: defaultTunables(),
		reqids:   reqid.New(),
		locks:    lock.New(log.With().Str("component", "lock").Logger(), nil),
		notify:   make(map[uint64]struct{}),
		log:      log,
	}
	c.freeze = freeze.New(c, NumPriorities)
	return c
}

func defaultTunables() map[string]uint32 {
	return map[string]uint32{
		"MaxRedirectCount": 3,
		"MaxLACount":       5,
		"VacuumInterval":   10,
		"RepackLimit":      10000,
	}
}

// SetTransport installs the inter-node transport and constructs the call
// engine, which needs it. Must be called once, before the daemon starts
// serving traffic.
func (c *Cluster) SetTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
	c.call = callengine.New(c, c, c.reqids, c.locks, t, callengine.Config{
		MaxRedirectCount: int(c.tunables["MaxRedirectCount"]),
		MaxLACount:       c.tunables["MaxLACount"],
	}, c.log.With().Str("component", "callengine").Logger())
}

// CallEngine exposes the call protocol state machine.
func (c *Cluster) CallEngine() *callengine.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.call
}

// Locks exposes the lock coordinator, e.g. for pkg/metrics registration.
func (c *Cluster) Locks() *lock.Coordinator { return c.locks }

// FreezeEngine exposes the freeze engine directly, e.g. for wiring
// pkg/recovery.New. Named distinctly from the control.FreezeProvider
// method below, which Go's single-dispatch methods can't overload.
func (c *Cluster) FreezeEngine() *freeze.Engine { return c.freeze }

// ReqIDs exposes the reqid registry.
func (c *Cluster) ReqIDs() *reqid.Registry { return c.reqids }

// --- callengine.ClusterView / vacuum.ClusterView / recovery.ClusterView ---

func (c *Cluster) Self() types.PNN { return c.self }

func (c *Cluster) Generation() types.Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vnn.Generation
}

func (c *Cluster) LMaster(bucket uint32) types.PNN {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vnn.LMaster(bucket)
}

func (c *Cluster) VNNMap() types.VNNMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vnn
}

func (c *Cluster) InstallVNNMap(v types.VNNMap) {
	c.mu.Lock()
	c.vnn = v
	c.mu.Unlock()
}

func (c *Cluster) ConnectedNodes() []types.PNN {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.PNN
	for _, n := range c.nodes {
		if n.Flags.Connected() {
			out = append(out, n.PNN)
		}
	}
	return out
}

func (c *Cluster) SetRecoveryMode(m types.RecoveryMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Cluster) RecoveryMode() types.RecoveryMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// --- control.NodeMapProvider ---

func (c *Cluster) Nodes() []types.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.Node(nil), c.nodes...)
}

func (c *Cluster) SetVNNMap(v types.VNNMap) error {
	if c.RecoveryMode() != types.RecoveryModeActive {
		return fmt.Errorf("cluster: setvnnmap while not frozen/recovering")
	}
	c.InstallVNNMap(v)
	return nil
}

func (c *Cluster) SetNodeFlags(pnn types.PNN, flags types.NodeFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.nodes {
		if c.nodes[i].PNN == pnn {
			c.nodes[i].Flags = flags
			return
		}
	}
}

func (c *Cluster) RecoveryModeOf() types.RecoveryMode { return c.RecoveryMode() }

// --- callengine.DBLookup / control.DBProvider / recovery.DBLister / freeze.DBLister ---

func (c *Cluster) GetDB(dbID uint32) (*calldb.DB, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.dbs[dbID]
	return db, ok
}

func (c *Cluster) Databases() []*calldb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*calldb.DB, 0, len(c.dbs))
	for _, db := range c.dbs {
		out = append(out, db)
	}
	return out
}

func (c *Cluster) DatabasesAtPriority(priority int) []*calldb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*calldb.DB
	for _, db := range c.dbs {
		if db.Priority() == priority {
			out = append(out, db)
		}
	}
	return out
}

// Attach opens (or returns, if already open) the named database; its id
// is derived from the name, so every node agrees on it.
func (c *Cluster) Attach(name string, persistent bool, priority int) (*calldb.DB, error) {
	id := calldb.ID(name)

	c.mu.Lock()
	if db, ok := c.dbs[id]; ok {
		c.mu.Unlock()
		return db, nil
	}
	c.mu.Unlock()

	kind := "volatile"
	if persistent {
		kind = "persistent"
	}
	path := filepath.Join(c.dataDir, fmt.Sprintf("%s.%s.tdb", name, kind))
	db, err := calldb.Open(name, path, persistent, priority)
	if err != nil {
		return nil, fmt.Errorf("cluster: attach %s: %w", name, err)
	}

	c.mu.Lock()
	c.dbs[id] = db
	c.mu.Unlock()
	return db, nil
}

// --- control.FreezeProvider ---
// Freeze/Thaw are explicit pass-throughs to the held *freeze.Engine.

func (c *Cluster) Freeze(priority int) error { return c.freeze.Freeze(priority) }
func (c *Cluster) Thaw(priority int)         { c.freeze.Thaw(priority) }

// --- control.TunableProvider ---

func (c *Cluster) GetTunable(name string) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tunables[name]
	return v, ok
}

func (c *Cluster) SetTunable(name string, value uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tunables[name]; !ok {
		return false
	}
	c.tunables[name] = value
	return true
}

func (c *Cluster) ListTunables() map[string]uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint32, len(c.tunables))
	for k, v := range c.tunables {
		out[k] = v
	}
	return out
}

// --- control.NotifyProvider ---

func (c *Cluster) RegisterNotify(srvID uint64) {
	c.notifyMu.Lock()
	c.notify[srvID] = struct{}{}
	c.notifyMu.Unlock()
}

func (c *Cluster) DeregisterNotify(srvID uint64) {
	c.notifyMu.Lock()
	delete(c.notify, srvID)
	c.notifyMu.Unlock()
}

// NotifySubscribers returns a snapshot of registered srvids, for the
// daemon's REQ_MESSAGE fan-out on cluster events.
func (c *Cluster) NotifySubscribers() []uint64 {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	out := make([]uint64, 0, len(c.notify))
	for id := range c.notify {
		out = append(out, id)
	}
	return out
}

// --- control.ServerIDProvider ---

func (c *Cluster) RegisterServerID(pid uint32, srvID uint64) { c.servers.Store(pid, srvID) }

func (c *Cluster) ProcessExists(pid uint32) bool {
	_, ok := c.servers.Load(pid)
	return ok
}

// --- control.StatsProvider ---

// RecordRecovery increments the completed-recovery counter, called by
// cmd/ctdbd's recovery loop after each successful attempt.
func (c *Cluster) RecordRecovery() { atomic.AddUint64(&c.recoveries, 1) }

func (c *Cluster) Statistics() control.StatisticsDTO {
	var maxHop uint64
	if e := c.CallEngine(); e != nil {
		maxHop = e.MaxHopCount()
	}
	return control.StatisticsDTO{
		MaxHopCount:    maxHop,
		ReqIDsInFlight: c.reqids.Len(),
		LockPending:    c.locks.PendingCount(),
		RecoveryCount:  atomic.LoadUint64(&c.recoveries),
	}
}

// KeyBucket is callengine's hash, re-exported so cmd/ctdbd can hand the
// same bucket function to pkg/recovery.New without importing callengine
// itself twice under two names.
var KeyBucket = callengine.KeyBucket
