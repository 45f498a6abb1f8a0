package cluster

import (
	"testing"

	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newCluster(t *testing.T) *Cluster {
	t.Helper()
	return New(Config{
		Self: 0,
		Nodes: []types.Node{
			{PNN: 0, Address: "127.0.0.1:4379"},
			{PNN: 1, Address: "127.0.0.2:4379"},
		},
		DataDir: t.TempDir(),
	}, zerolog.Nop())
}

func TestAttachIsIdempotentPerName(t *testing.T) {
	c := newCluster(t)

	db1, err := c.Attach("locking", false, 1)
	require.NoError(t, err)
	db2, err := c.Attach("locking", false, 1)
	require.NoError(t, err)
	require.Same(t, db1, db2)

	got, ok := c.GetDB(db1.ID())
	require.True(t, ok)
	require.Same(t, db1, got)
}

func TestGenerationStartsInvalidUntilRecoveryInstallsMap(t *testing.T) {
	c := newCluster(t)
	require.Equal(t, types.InvalidGeneration, c.Generation())
	require.Equal(t, types.RecoveryModeActive, c.RecoveryMode())

	c.InstallVNNMap(types.VNNMap{Generation: 7, Map: []types.PNN{0, 1}})
	require.Equal(t, types.Generation(7), c.Generation())
	require.Equal(t, types.PNN(0), c.LMaster(0))
	require.Equal(t, types.PNN(1), c.LMaster(1))
}

func TestSetVNNMapRequiresRecoveryMode(t *testing.T) {
	c := newCluster(t)
	c.SetRecoveryMode(types.RecoveryModeNormal)
	require.Error(t, c.SetVNNMap(types.VNNMap{Generation: 2}))

	c.SetRecoveryMode(types.RecoveryModeActive)
	require.NoError(t, c.SetVNNMap(types.VNNMap{Generation: 2}))
}

func TestSetTunableRejectsUnknownName(t *testing.T) {
	c := newCluster(t)
	require.True(t, c.SetTunable("MaxRedirectCount", 9))
	v, ok := c.GetTunable("MaxRedirectCount")
	require.True(t, ok)
	require.Equal(t, uint32(9), v)

	require.False(t, c.SetTunable("NoSuchTunable", 1))
}

func TestConnectedNodesHonorsFlags(t *testing.T) {
	c := newCluster(t)
	require.Len(t, c.ConnectedNodes(), 2)

	c.SetNodeFlags(1, types.NodeFlagDisconnected)
	require.Equal(t, []types.PNN{0}, c.ConnectedNodes())
}
