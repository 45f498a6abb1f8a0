package vacuum

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/ctdbcore/ctdb/pkg/lock"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	self    types.PNN
	lmaster types.PNN
	nodes   []types.PNN
}

func (f *fakeCluster) Self() types.PNN                   { return f.self }
func (f *fakeCluster) LMaster(bucket uint32) types.PNN    { return f.lmaster }
func (f *fakeCluster) ConnectedNodes() []types.PNN        { return f.nodes }

type recordingBroadcaster struct {
	calls int
}

func (r *recordingBroadcaster) BroadcastDelete(nodes []types.PNN, dbID uint32, key []byte, hdr types.Header, rsn uint64) {
	r.calls++
}

func openDB(t *testing.T) *calldb.DB {
	t.Helper()
	db, err := calldb.Open("vac", filepath.Join(t.TempDir(), "vac.tdb"), false, 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunDeletesVerifiedEmptyRecord(t *testing.T) {
	db := openDB(t)
	key := []byte("k1")
	require.NoError(t, db.Store().Store(key, types.Header{DMaster: 2, RSN: 5}, nil))
	db.DeleteQueue().Add(key)

	cluster := &fakeCluster{self: 0, lmaster: 0, nodes: []types.PNN{0, 1, 2}}
	b := &recordingBroadcaster{}
	e := New(cluster, lock.New(zerolog.Nop(), nil), b, func(k []byte) uint32 { return 0 }, zerolog.Nop())

	e.Run(context.Background(), db)

	require.Equal(t, 1, b.calls)
	hdr, val, err := db.Store().Fetch(key)
	require.NoError(t, err)
	require.False(t, hdr.Exists())
	require.Empty(t, val)
	require.Equal(t, 0, db.DeleteQueue().Len())
}

func TestRunSkipsWhenNotLMaster(t *testing.T) {
	db := openDB(t)
	key := []byte("k1")
	require.NoError(t, db.Store().Store(key, types.Header{DMaster: 2, RSN: 5}, nil))
	db.DeleteQueue().Add(key)

	cluster := &fakeCluster{self: 0, lmaster: 9, nodes: []types.PNN{0, 1}}
	b := &recordingBroadcaster{}
	e := New(cluster, lock.New(zerolog.Nop(), nil), b, func(k []byte) uint32 { return 0 }, zerolog.Nop())

	e.Run(context.Background(), db)
	require.Equal(t, 0, b.calls)
}

func TestHandleDeleteRecordKeepsNewerCopy(t *testing.T) {
	db := openDB(t)
	key := []byte("k1")
	require.NoError(t, db.Store().Store(key, types.Header{DMaster: 1, RSN: 43}, nil))

	cluster := &fakeCluster{self: 2, lmaster: 9}
	e := New(cluster, lock.New(zerolog.Nop(), nil), nil, func(k []byte) uint32 { return 0 }, zerolog.Nop())

	e.HandleDeleteRecord(db, key, 42)

	hdr, _, err := db.Store().Fetch(key)
	require.NoError(t, err)
	require.True(t, hdr.Exists())
	require.Equal(t, uint64(43), hdr.RSN)
}

func TestMaybeRepackNoOpBelowLimit(t *testing.T) {
	db := openDB(t)
	e := New(&fakeCluster{}, lock.New(zerolog.Nop(), nil), nil, func(k []byte) uint32 { return 0 }, zerolog.Nop())
	require.NoError(t, e.MaybeRepack(db, 5))
}

func TestMaybeRepackPreservesLiveRecords(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.Store().Store([]byte("live"), types.Header{DMaster: 1, RSN: 1}, []byte("v")))
	require.NoError(t, db.Store().Store([]byte("dead"), types.Header{DMaster: 1, RSN: 2}, nil))

	e := New(&fakeCluster{}, lock.New(zerolog.Nop(), nil), nil, func(k []byte) uint32 { return 0 }, zerolog.Nop())
	e.SetRepackLimit(1)
	require.NoError(t, e.MaybeRepack(db, 2))

	_, val, err := db.Store().Fetch([]byte("live"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}
