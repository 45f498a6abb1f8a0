package freeze

import (
	"path/filepath"
	"testing"

	"github.com/ctdbcore/ctdb/pkg/calldb"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	dbs map[int][]*calldb.DB
}

func (f *fakeLister) DatabasesAtPriority(priority int) []*calldb.DB {
	return f.dbs[priority]
}

func openDB(t *testing.T, name string, priority int) *calldb.DB {
	t.Helper()
	db, err := calldb.Open(name, filepath.Join(t.TempDir(), name+".tdb"), false, priority)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFreezeThenThawReleasesLock(t *testing.T) {
	db := openDB(t, "a", 1)
	e := New(&fakeLister{dbs: map[int][]*calldb.DB{1: {db}}}, 1)

	require.NoError(t, e.Freeze(1))
	require.True(t, e.IsFrozen(1))
	require.True(t, db.InTransaction())

	e.Thaw(1)
	require.False(t, e.IsFrozen(1))
	require.False(t, db.InTransaction())
}

func TestFreezeAlreadyFrozenIsNoOp(t *testing.T) {
	db := openDB(t, "a", 1)
	e := New(&fakeLister{dbs: map[int][]*calldb.DB{1: {db}}}, 1)

	require.NoError(t, e.Freeze(1))
	require.NoError(t, e.Freeze(1))
	require.True(t, e.IsFrozen(1))
	e.Thaw(1)
}

func TestAllFrozenRequiresEveryPriority(t *testing.T) {
	db1 := openDB(t, "a", 1)
	db2 := openDB(t, "b", 2)
	e := New(&fakeLister{dbs: map[int][]*calldb.DB{1: {db1}, 2: {db2}}}, 2)

	require.NoError(t, e.Freeze(1))
	require.False(t, e.AllFrozen())
	require.NoError(t, e.Freeze(2))
	require.True(t, e.AllFrozen())

	e.ThawAll()
	require.False(t, e.AllFrozen())
}

func TestTxnExposesHeldTransaction(t *testing.T) {
	db := openDB(t, "a", 1)
	e := New(&fakeLister{dbs: map[int][]*calldb.DB{1: {db}}}, 1)

	_, ok := e.Txn(1, db)
	require.False(t, ok)

	require.NoError(t, e.Freeze(1))
	txn, ok := e.Txn(1, db)
	require.True(t, ok)
	require.NotNil(t, txn)
	e.Thaw(1)
}
