package control

import (
	"context"
	"fmt"

	"github.com/ctdbcore/ctdb/pkg/types"
)

// NodeMapProvider is the cluster state GETNODEMAP/GETVNNMAP/SETVNNMAP/
// STATUS/PING/BAN/UNBAN/STOP/CONTINUE need.
type NodeMapProvider interface {
	Self() types.PNN
	Nodes() []types.Node
	VNNMap() types.VNNMap
	SetVNNMap(v types.VNNMap) error
	SetNodeFlags(pnn types.PNN, flags types.NodeFlags)
	RecoveryModeOf() types.RecoveryMode
}

// VNNMapDTO is the wire-visible shape of a types.VNNMap.
type VNNMapDTO struct {
	Generation uint32 `json:"generation"`
	Map        []int32 `json:"map"`
}

func toDTO(v types.VNNMap) VNNMapDTO {
	m := make([]int32, len(v.Map))
	for i, pnn := range v.Map {
		m[i] = int32(pnn)
	}
	return VNNMapDTO{Generation: uint32(v.Generation), Map: m}
}

func fromDTO(d VNNMapDTO) types.VNNMap {
	m := make([]types.PNN, len(d.Map))
	for i, pnn := range d.Map {
		m[i] = types.PNN(pnn)
	}
	return types.VNNMap{Generation: types.Generation(d.Generation), Map: m}
}

// NodeDTO is the wire-visible shape of a types.Node.
type NodeDTO struct {
	PNN     int32  `json:"pnn"`
	Address string `json:"address"`
	Flags   uint32 `json:"flags"`
}

// StatusDTO answers CTDB_CONTROL_STATUS / the CLI's "status" verb.
type StatusDTO struct {
	PNN          int32  `json:"pnn"`
	RecoveryMode string `json:"recovery_mode"`
	Generation   uint32 `json:"generation"`
	NumNodes     int    `json:"num_nodes"`
}

// RegisterClusterControls installs GETVNNMAP, SETVNNMAP, GETNODEMAP,
// STATUS, PING, BAN, UNBAN, STOP and CONTINUE against np.
func RegisterClusterControls(reg *Registry, np NodeMapProvider) {
	reg.Register(OpGetVNNMap, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		return encode(toDTO(np.VNNMap()))
	})

	reg.Register(OpSetVNNMap, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var dto VNNMapDTO
		if err := decode(data, &dto); err != nil {
			return nil, fmt.Errorf("control: setvnnmap: %w", err)
		}
		if err := np.SetVNNMap(fromDTO(dto)); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.Register(OpGetNodeMap, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		nodes := np.Nodes()
		out := make([]NodeDTO, len(nodes))
		for i, n := range nodes {
			out[i] = NodeDTO{PNN: int32(n.PNN), Address: n.Address, Flags: uint32(n.Flags)}
		}
		return encode(out)
	})

	reg.Register(OpStatus, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		vm := np.VNNMap()
		return encode(StatusDTO{
			PNN:          int32(np.Self()),
			RecoveryMode: np.RecoveryModeOf().String(),
			Generation:   uint32(vm.Generation),
			NumNodes:     len(np.Nodes()),
		})
	})

	reg.Register(OpPing, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		return nil, nil
	})

	reg.Register(OpBan, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			PNN int32 `json:"pnn"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		np.SetNodeFlags(types.PNN(req.PNN), types.NodeFlagBanned)
		return nil, nil
	})

	reg.Register(OpUnban, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			PNN int32 `json:"pnn"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		np.SetNodeFlags(types.PNN(req.PNN), 0)
		return nil, nil
	})

	reg.Register(OpStop, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		np.SetNodeFlags(np.Self(), types.NodeFlagStopped)
		return nil, nil
	})

	reg.Register(OpContinue, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		np.SetNodeFlags(np.Self(), 0)
		return nil, nil
	})
}
