package callengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/lock"
	"github.com/ctdbcore/ctdb/pkg/reqid"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/ctdbcore/ctdb/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeCluster is a fixed, single-generation ClusterView whose lmaster
// assignment is supplied directly by the test rather than derived from
// a real hash.
type fakeCluster struct {
	self types.PNN
	gen  types.Generation
	lm   types.PNN
}

func (c *fakeCluster) Self() types.PNN               { return c.self }
func (c *fakeCluster) Generation() types.Generation  { return c.gen }
func (c *fakeCluster) LMaster(bucket uint32) types.PNN { return c.lm }

// dbSet is a one-database DBLookup.
type dbSet struct{ db *calldb.DB }

func (s *dbSet) GetDB(id uint32) (*calldb.DB, bool) {
	if id != s.db.ID() {
		return nil, false
	}
	return s.db, true
}

// bus wires several Engines together: Send decodes the header and
// dispatches straight into the addressed Engine's handler, standing in
// for pkg/cluster's real dispatcher.
type bus struct {
	engines map[types.PNN]*Engine
}

func (b *bus) transportFor(self types.PNN) Transport {
	return busTransport{bus: b, self: self}
}

type busTransport struct {
	bus  *bus
	self types.PNN
}

func (t busTransport) Send(pkt []byte) error {
	p, err := wire.Decode(pkt)
	if err != nil {
		return err
	}
	eng, ok := t.bus.engines[p.Header.DestNode]
	if !ok {
		return nil
	}
	switch p.Header.Operation {
	case wire.OpReqCall:
		b, err := wire.DecodeReqCall(p.Body)
		if err != nil {
			return err
		}
		go eng.HandleReqCall(p.Header, b)
	case wire.OpReplyCall:
		b, err := wire.DecodeReplyCall(p.Body)
		if err != nil {
			return err
		}
		go eng.HandleReplyCall(p.Header, b)
	case wire.OpReplyRedirect:
		b, err := wire.DecodeReplyRedirect(p.Body)
		if err != nil {
			return err
		}
		go eng.HandleReplyRedirect(p.Header, b)
	case wire.OpReqDMaster:
		b, err := wire.DecodeReqDMaster(p.Body)
		if err != nil {
			return err
		}
		go eng.HandleReqDMaster(p.Header, b)
	case wire.OpReplyDMaster:
		b, err := wire.DecodeReplyDMaster(p.Body)
		if err != nil {
			return err
		}
		go eng.HandleReplyDMaster(p.Header, b)
	}
	return nil
}

// echoCall writes callData as the record's new value and replies with
// whatever value was there before, so tests can observe both sides of a
// call in one round trip.
func echoCall(key, oldValue, callData []byte) (newValue, reply []byte, status types.CallStatus) {
	return callData, oldValue, types.StatusOK
}

func openDB(t *testing.T, name string) *calldb.DB {
	t.Helper()
	db, err := calldb.Open(name, filepath.Join(t.TempDir(), name+".db"), true, 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallFirstTouchBecomesLocalDMaster(t *testing.T) {
	db := openDB(t, "test.tdb")
	db.RegisterCall(1, echoCall)

	cluster := &fakeCluster{self: 0, gen: 1, lm: 0}
	eng := New(cluster, &dbSet{db: db}, reqid.New(), lock.New(zerolog.Nop(), nil), nil, Config{MaxRedirectCount: 2, MaxLACount: 3}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, status, err := eng.Call(ctx, db.ID(), 1, []byte("k"), []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, types.StatusOK, status)
	require.Empty(t, reply) // echoCall replies with the prior value, and there wasn't one

	hdr, val, err := db.Store().Fetch([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, types.PNN(0), hdr.DMaster)
	require.Equal(t, []byte("hello"), val)
}

func TestCallRedirectsToKnownDMaster(t *testing.T) {
	dbA := openDB(t, "test.tdb")
	dbC := openDB(t, "test.tdb")
	dbC.RegisterCall(1, echoCall)

	// Node C already holds the record as dmaster.
	require.NoError(t, dbC.Store().Store([]byte("k"), types.Header{DMaster: 2, RSN: 5}, []byte("value")))
	// Node A's local copy points at C as dmaster (a correct hint).
	require.NoError(t, dbA.Store().Store([]byte("k"), types.Header{DMaster: 2, RSN: 5}, []byte("value")))

	b := &bus{engines: map[types.PNN]*Engine{}}
	clusterA := &fakeCluster{self: 0, gen: 1, lm: 2}
	clusterC := &fakeCluster{self: 2, gen: 1, lm: 2}

	engA := New(clusterA, &dbSet{db: dbA}, reqid.New(), lock.New(zerolog.Nop(), nil), b.transportFor(0), Config{MaxRedirectCount: 2, MaxLACount: 100}, zerolog.Nop())
	engC := New(clusterC, &dbSet{db: dbC}, reqid.New(), lock.New(zerolog.Nop(), nil), b.transportFor(2), Config{MaxRedirectCount: 2, MaxLACount: 100}, zerolog.Nop())
	b.engines[0] = engA
	b.engines[2] = engC

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, status, err := engA.Call(ctx, dbA.ID(), 1, []byte("k"), []byte("ping"), 0)
	require.NoError(t, err)
	require.Equal(t, types.StatusOK, status)
	// echoCall replies with the value that was present before the call.
	require.Equal(t, []byte("value"), reply)

	// C stays dmaster and persisted the new value under an advanced rsn.
	hdr, val, err := dbC.Store().Fetch([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, types.PNN(2), hdr.DMaster)
	require.Equal(t, []byte("ping"), val)
	require.Greater(t, hdr.RSN, uint64(5))
}

func TestMigrationHandoffToLMasterThatIsAlsoProposedDMaster(t *testing.T) {
	dbA := openDB(t, "locking.tdb")
	dbC := openDB(t, "locking.tdb")
	dbA.RegisterCall(1, echoCall)
	dbC.RegisterCall(1, echoCall)

	// C is current dmaster; A is both the lmaster for this key and the
	// hot reader about to receive the dmaster role.
	require.NoError(t, dbC.Store().Store([]byte("k"), types.Header{DMaster: 2, RSN: 1, LAccessor: 0, LACount: 3}, []byte("v")))

	b := &bus{engines: map[types.PNN]*Engine{}}
	clusterA := &fakeCluster{self: 0, gen: 1, lm: 0}
	clusterC := &fakeCluster{self: 2, gen: 1, lm: 0}

	engA := New(clusterA, &dbSet{db: dbA}, reqid.New(), lock.New(zerolog.Nop(), nil), b.transportFor(0), Config{MaxRedirectCount: 2, MaxLACount: 3}, zerolog.Nop())
	engC := New(clusterC, &dbSet{db: dbC}, reqid.New(), lock.New(zerolog.Nop(), nil), b.transportFor(2), Config{MaxRedirectCount: 2, MaxLACount: 3}, zerolog.Nop())
	b.engines[0] = engA
	b.engines[2] = engC

	// Drive the REQ_CALL directly at C (simulating a call already routed
	// there) with srcnode=A to trigger the hot-reader migration path. The
	// in-flight state lives in A's own registry, since A is the original
	// caller.
	done := make(chan struct{})
	st := &callState{dbID: dbA.ID(), callID: 1, key: []byte("k"), callData: []byte("migrate"), done: done}
	id := engA.reqids.Alloc("call", st)
	h := wire.Header{Operation: wire.OpReqCall, Generation: 1, DestNode: 2, SrcNode: 0, ReqID: uint32(id)}
	body := &wire.ReqCall{DBID: dbC.ID(), CallID: 1, Key: []byte("k"), CallData: []byte("migrate")}
	engC.HandleReqCall(h, body)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for migration to complete")
	}
	require.Equal(t, types.StatusOK, st.status)
	require.Equal(t, []byte("v"), st.reply)

	hdr, val, err := dbA.Store().Fetch([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, types.PNN(0), hdr.DMaster)
	require.Equal(t, []byte("migrate"), val)
	require.Greater(t, hdr.RSN, uint64(1))
}
