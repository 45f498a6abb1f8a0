package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/freeze"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// clusterState is a minimal in-memory stand-in satisfying both
// recovery.ClusterView and control.NodeMapProvider/RecModeProvider, one
// instance per simulated node.
type clusterState struct {
	mu    sync.Mutex
	self  types.PNN
	nodes []types.PNN
	vnn   types.VNNMap
	mode  types.RecoveryMode
}

func (c *clusterState) Self() types.PNN            { return c.self }
func (c *clusterState) ConnectedNodes() []types.PNN { return c.nodes }
func (c *clusterState) VNNMap() types.VNNMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vnn
}
func (c *clusterState) InstallVNNMap(v types.VNNMap) {
	c.mu.Lock()
	c.vnn = v
	c.mu.Unlock()
}
func (c *clusterState) SetRecoveryMode(m types.RecoveryMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}
func (c *clusterState) RecoveryMode() types.RecoveryMode   { return c.RecoveryModeOf() }
func (c *clusterState) RecoveryModeOf() types.RecoveryMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}
func (c *clusterState) Nodes() []types.Node {
	out := make([]types.Node, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = types.Node{PNN: n}
	}
	return out
}
func (c *clusterState) SetVNNMap(v types.VNNMap) error           { c.InstallVNNMap(v); return nil }
func (c *clusterState) SetNodeFlags(types.PNN, types.NodeFlags) {}

// singleDB wraps one attached database, satisfying both recovery.DBLister
// and freeze.DBLister for a node that has only one database.
type singleDB struct{ db *calldb.DB }

func (s *singleDB) Databases() []*calldb.DB { return []*calldb.DB{s.db} }
func (s *singleDB) DatabasesAtPriority(priority int) []*calldb.DB {
	if s.db.Priority() == priority {
		return []*calldb.DB{s.db}
	}
	return nil
}

// fakeTransport dispatches SendControl straight into the destination
// node's in-process control.Registry, standing in for the real inter-node
// queue (pkg/transport, not yet wired here).
type fakeTransport struct {
	registries map[types.PNN]*control.Registry
}

func (t *fakeTransport) SendControl(ctx context.Context, dest types.PNN, opcode control.Opcode, data []byte) ([]byte, error) {
	reg, ok := t.registries[dest]
	if !ok {
		return nil, fmt.Errorf("recovery test: no route to node %d", dest)
	}
	return reg.Dispatch(ctx, opcode, 0, data)
}

func bucketOf(key []byte) uint32 {
	var h uint32
	for _, b := range key {
		h = h*31 + uint32(b)
	}
	return h
}

func newNode(t *testing.T, pnn types.PNN, dbName string, nodes []types.PNN) (*clusterState, *calldb.DB, *freeze.Engine) {
	t.Helper()
	db, err := calldb.Open(dbName, filepath.Join(t.TempDir(), dbName+".tdb"), false, 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cs := &clusterState{self: pnn, nodes: nodes, vnn: types.VNNMap{Generation: 1, Map: []types.PNN{pnn}}}
	fe := freeze.New(&singleDB{db: db}, 1)
	return cs, db, fe
}

func TestRunMergesRecordsAcrossNodesByHighestRSN(t *testing.T) {
	nodes := []types.PNN{0, 1}
	cs0, db0, fe0 := newNode(t, 0, "people", nodes)
	cs1, db1, fe1 := newNode(t, 1, "people", nodes)

	require.NoError(t, db0.Store().Store([]byte("alice"), types.Header{RSN: 3, DMaster: 0}, []byte("v3")))
	require.NoError(t, db1.Store().Store([]byte("alice"), types.Header{RSN: 5, DMaster: 1}, []byte("v5")))
	require.NoError(t, db1.Store().Store([]byte("bob"), types.Header{RSN: 1, DMaster: 1}, []byte("bv")))

	transport := &fakeTransport{registries: map[types.PNN]*control.Registry{}}

	coord0 := New(cs0, &singleDB{db: db0}, fe0, transport, nil, bucketOf, zerolog.Nop())
	coord1 := New(cs1, &singleDB{db: db1}, fe1, transport, nil, bucketOf, zerolog.Nop())

	reg0 := control.NewRegistry()
	control.RegisterClusterControls(reg0, cs0)
	control.RegisterFreezeControls(reg0, fe0)
	control.RegisterRecoveryDataControls(reg0, coord0, cs0)

	reg1 := control.NewRegistry()
	control.RegisterClusterControls(reg1, cs1)
	control.RegisterFreezeControls(reg1, fe1)
	control.RegisterRecoveryDataControls(reg1, coord1, cs1)

	transport.registries[0] = reg0
	transport.registries[1] = reg1

	require.NoError(t, coord0.Run(context.Background()))

	hdrAlice, valAlice, err := db0.Store().Fetch([]byte("alice"))
	require.NoError(t, err)
	require.Equal(t, uint64(5), hdrAlice.RSN)
	require.Equal(t, []byte("v5"), valAlice)

	hdrBob, valBob, err := db0.Store().Fetch([]byte("bob"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), hdrBob.RSN)
	require.Equal(t, []byte("bv"), valBob)

	// The merged set is pushed to every node, not just the recovery master.
	hdrBobOnOther, _, err := db1.Store().Fetch([]byte("bob"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), hdrBobOnOther.RSN)

	require.Equal(t, types.RecoveryModeNormal, cs0.RecoveryModeOf())
	require.Equal(t, types.Generation(2), cs0.VNNMap().Generation)
	require.False(t, fe0.IsFrozen(1))
	require.False(t, fe1.IsFrozen(1))
}

func TestRunFailsWithNoConnectedNodes(t *testing.T) {
	cs, db, fe := newNode(t, 0, "empty", nil)
	transport := &fakeTransport{registries: map[types.PNN]*control.Registry{}}
	coord := New(cs, &singleDB{db: db}, fe, transport, nil, bucketOf, zerolog.Nop())

	err := coord.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, types.RecoveryModeActive, cs.RecoveryModeOf())
}

func TestWipeDatabaseRejectsStaleGeneration(t *testing.T) {
	cs, db, fe := newNode(t, 0, "stale", []types.PNN{0})
	cs.InstallVNNMap(types.VNNMap{Generation: 5, Map: []types.PNN{0}})
	transport := &fakeTransport{registries: map[types.PNN]*control.Registry{}}
	coord := New(cs, &singleDB{db: db}, fe, transport, nil, bucketOf, zerolog.Nop())

	err := coord.WipeDatabase(db.ID(), 3)
	require.Error(t, err)
}

func TestPullRecordsReturnsEncodedRecords(t *testing.T) {
	cs, db, fe := newNode(t, 0, "pullme", []types.PNN{0})
	require.NoError(t, db.Store().Store([]byte("k"), types.Header{RSN: 1, DMaster: 0}, []byte("v")))
	transport := &fakeTransport{registries: map[types.PNN]*control.Registry{}}
	coord := New(cs, &singleDB{db: db}, fe, transport, nil, bucketOf, zerolog.Nop())

	blob, err := coord.PullRecords(db.ID(), types.InvalidPNN)
	require.NoError(t, err)
	recs, err := DecodeBlob(blob)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, []byte("k"), recs[0].Key)
	require.Equal(t, []byte("v"), recs[0].Value)
}
