package control

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeNodeMap struct {
	self  types.PNN
	vnn   types.VNNMap
	nodes []types.Node
	flags map[types.PNN]types.NodeFlags
	mode  types.RecoveryMode
}

func (f *fakeNodeMap) Self() types.PNN       { return f.self }
func (f *fakeNodeMap) Nodes() []types.Node   { return f.nodes }
func (f *fakeNodeMap) VNNMap() types.VNNMap  { return f.vnn }
func (f *fakeNodeMap) SetVNNMap(v types.VNNMap) error {
	f.vnn = v
	return nil
}
func (f *fakeNodeMap) SetNodeFlags(pnn types.PNN, flags types.NodeFlags) {
	if f.flags == nil {
		f.flags = map[types.PNN]types.NodeFlags{}
	}
	f.flags[pnn] = flags
}
func (f *fakeNodeMap) RecoveryModeOf() types.RecoveryMode { return f.mode }

func TestClusterControlsRoundTrip(t *testing.T) {
	reg := NewRegistry()
	fm := &fakeNodeMap{self: 0, vnn: types.VNNMap{Generation: 1, Map: []types.PNN{0, 1}}, nodes: []types.Node{{PNN: 0}, {PNN: 1}}}
	RegisterClusterControls(reg, fm)

	resp, err := reg.Dispatch(context.Background(), OpGetVNNMap, 0, nil)
	require.NoError(t, err)
	var dto VNNMapDTO
	require.NoError(t, json.Unmarshal(resp, &dto))
	require.Equal(t, uint32(1), dto.Generation)

	setReq, _ := json.Marshal(VNNMapDTO{Generation: 2, Map: []int32{1, 0}})
	_, err = reg.Dispatch(context.Background(), OpSetVNNMap, 0, setReq)
	require.NoError(t, err)
	require.Equal(t, types.Generation(2), fm.vnn.Generation)

	banReq, _ := json.Marshal(struct {
		PNN int32 `json:"pnn"`
	}{PNN: 1})
	_, err = reg.Dispatch(context.Background(), OpBan, 0, banReq)
	require.NoError(t, err)
	require.Equal(t, types.NodeFlagBanned, fm.flags[types.PNN(1)])
}

func TestDispatchUnknownOpcode(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Dispatch(context.Background(), OpPing, 0, nil)
	require.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestTickleListRoundTrip(t *testing.T) {
	reg := NewRegistry()
	ts := NewTickleStore()
	RegisterTickleControls(reg, ts)

	setReq, _ := json.Marshal(struct {
		Addr    string        `json:"addr"`
		Tickles []tickleEntry `json:"tickles"`
	}{Addr: "10.0.0.1", Tickles: []tickleEntry{{SrcAddr: "a", DstAddr: "b"}}})
	_, err := reg.Dispatch(context.Background(), OpSetTCPTickleList, 0, setReq)
	require.NoError(t, err)

	getReq, _ := json.Marshal(struct {
		Addr string `json:"addr"`
	}{Addr: "10.0.0.1"})
	resp, err := reg.Dispatch(context.Background(), OpGetTCPTickleList, 0, getReq)
	require.NoError(t, err)
	var got []tickleEntry
	require.NoError(t, json.Unmarshal(resp, &got))
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].SrcAddr)
}
