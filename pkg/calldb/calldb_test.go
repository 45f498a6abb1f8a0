package calldb

import (
	"path/filepath"
	"testing"

	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestOpenNonPersistentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("locking.tdb", filepath.Join(dir, "locking.tdb.db"), false, 1)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store().Store([]byte("k"), types.Header{RSN: 1}, []byte("v")))
	require.NoError(t, db.Store().WipeAll())

	hdr, _, err := db.Store().Fetch([]byte("k"))
	require.NoError(t, err)
	require.False(t, hdr.Exists())
}

func TestIDIsStableForSameName(t *testing.T) {
	require.Equal(t, ID("brlock.tdb"), ID("brlock.tdb"))
	require.NotEqual(t, ID("brlock.tdb"), ID("locking.tdb"))
}

func TestRegisterAndLookupCall(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("test.tdb", filepath.Join(dir, "test.tdb.db"), true, 1)
	require.NoError(t, err)
	defer db.Close()

	db.RegisterCall(1, func(key, oldValue, callData []byte) ([]byte, []byte, types.CallStatus) {
		return callData, []byte("ok"), types.StatusOK
	})

	fn, ok := db.Call(1)
	require.True(t, ok)
	newVal, reply, status := fn(nil, nil, []byte("data"))
	require.Equal(t, []byte("data"), newVal)
	require.Equal(t, []byte("ok"), reply)
	require.Equal(t, types.StatusOK, status)

	_, ok = db.Call(2)
	require.False(t, ok)
}

func TestHealthDefaultsToOK(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("test.tdb", filepath.Join(dir, "test.tdb.db"), true, 1)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, HealthOK, db.Health())
	db.SetHealth(HealthUnhealthy)
	require.Equal(t, HealthUnhealthy, db.Health())
}

func TestDeleteQueueAddRemoveSnapshot(t *testing.T) {
	q := newDeleteQueue()
	q.Add([]byte("a"))
	q.Add([]byte("b"))
	require.Equal(t, 2, q.Len())

	q.Remove([]byte("a"))
	snap := q.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "b", string(snap[0]))
}
