// Package types holds the data structures shared across the CTDB core:
// node identity, the cluster hash map, and the on-disk record header.
package types

import "fmt"

// PNN is a physical node number: a stable, small, 0-based integer
// identifying a node within the cluster membership.
type PNN int32

// InvalidPNN marks the absence of a node, e.g. an unset dmaster.
const InvalidPNN PNN = -1

// Special destination nodes used on REQ_* packets.
const (
	BroadcastAll       PNN = -1 - iota // all nodes, including disconnected
	BroadcastConnected                 // all CONNECTED nodes
	BroadcastVNNMap                    // all nodes currently acting as lmaster
	CurrentNode                        // local daemon, used on the client socket
)

// NodeFlags is a bitset of node health/membership flags.
type NodeFlags uint32

const (
	NodeFlagDisconnected NodeFlags = 1 << iota
	NodeFlagUnhealthy
	NodeFlagPermanentlyDisabled
	NodeFlagBanned
	NodeFlagStopped
	NodeFlagInactive
	NodeFlagDeleted
)

func (f NodeFlags) Connected() bool { return f&NodeFlagDisconnected == 0 }

// Node describes one member of the cluster.
type Node struct {
	PNN     PNN
	Address string
	Flags   NodeFlags
}

func (n *Node) String() string {
	return fmt.Sprintf("node(pnn=%d addr=%s flags=%#x)", n.PNN, n.Address, n.Flags)
}

// Generation is the cluster-wide epoch advanced by each recovery.
type Generation uint32

// InvalidGeneration marks an uninitialized or mid-recovery vnn_map.
const InvalidGeneration Generation = 0xFFFFFFFF

// VNNMap is the hash-bucket -> lmaster mapping, versioned by Generation
//. Instances are immutable once published: a recovery builds
// a new VNNMap and the daemon swaps its pointer to it.
type VNNMap struct {
	Generation Generation
	Map        []PNN // Map[bucket] = lmaster pnn
}

// Size is the number of hash buckets.
func (v *VNNMap) Size() int {
	if v == nil {
		return 0
	}
	return len(v.Map)
}

// LMaster returns the lmaster pnn for a given hash bucket, taken modulo
// the map's length, or InvalidPNN if the map is nil or empty.
func (v *VNNMap) LMaster(bucket uint32) PNN {
	if v == nil || len(v.Map) == 0 {
		return InvalidPNN
	}
	idx := int(bucket) % len(v.Map)
	return v.Map[idx]
}

// RecordFlags is a bitset stored in the record header.
type RecordFlags uint32

const (
	RecordFlagMigratedWithData RecordFlags = 1 << iota
	RecordFlagVacuumMigrated
)

// Header is the fixed structure prefixed to every stored value
//. rsn never decreases on a given node for a given key
// unless a recovery assigns a fresh header.
type Header struct {
	RSN       uint64
	DMaster   PNN
	Flags     RecordFlags
	LAccessor PNN
	LACount   uint32
}

// EmptyHeader is returned by Fetch for a key that does not exist, so
// callers can uniformly treat "missing" and "present" through one path.
func EmptyHeader() Header {
	return Header{DMaster: InvalidPNN}
}

// Exists reports whether this header represents a real stored record
// rather than the EmptyHeader sentinel.
func (h Header) Exists() bool {
	return h.DMaster != InvalidPNN || h.RSN != 0
}

// CallStatus is the outcome reported on a REPLY_CALL/REPLY_CONTROL.
type CallStatus int32

const (
	StatusOK CallStatus = iota
	StatusError
	StatusTimeout
	StatusRedirected
)

// RecoveryMode distinguishes normal service from an in-progress
// cluster-wide recovery.
type RecoveryMode int32

const (
	RecoveryModeNormal RecoveryMode = iota
	RecoveryModeActive
)

func (m RecoveryMode) String() string {
	if m == RecoveryModeActive {
		return "ACTIVE"
	}
	return "NORMAL"
}
