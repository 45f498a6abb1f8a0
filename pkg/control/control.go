// Package control implements the typed control-plane request/response
// RPC surface: a single opcode space carried as REQ_CONTROL/REPLY_CONTROL
// bodies over the same queue as call and recovery traffic. Dispatch is a
// map[Opcode]Handler table populated by per-subsystem handler groups —
// see control_cluster.go, control_db.go, control_recovery.go,
// control_misc.go.
package control

import (
	"context"
	"encoding/json"
	"fmt"
)

// Opcode identifies one control-plane verb.
type Opcode uint32

const (
	OpStatus Opcode = iota
	OpStatistics
	OpGetVNNMap
	OpSetVNNMap
	OpGetDBMap
	OpGetDBPath
	OpGetNodeMap
	OpDBAttach
	OpFreeze
	OpThaw
	OpPullDB
	OpPushDB
	OpWipeDB
	OpSetDMaster
	OpSetRecMode
	OpGetRecMode
	OpPing
	OpBan
	OpUnban
	OpStop
	OpContinue
	OpTakeoverIP
	OpReleaseIP
	OpRegisterServerID
	OpProcessExists
	OpGetTCPTickleList
	OpSetTCPTickleList
	OpTunableGet
	OpTunableSet
	OpTunableList
	OpGetLog
	OpClearLog
	OpDumpMemory
	OpRunEventScripts
	OpRegisterNotify
	OpDeregisterNotify
	OpDeleteRecord
	OpSetDebug
	OpGetDebug
)

func (o Opcode) String() string {
	names := [...]string{
		"STATUS", "STATISTICS", "GETVNNMAP", "SETVNNMAP", "GETDBMAP",
		"GETDBPATH", "GETNODEMAP", "DBATTACH", "FREEZE", "THAW",
		"PULLDB", "PUSHDB", "WIPEDB", "SETDMASTER", "SETRECMODE",
		"GETRECMODE", "PING", "BAN", "UNBAN", "STOP", "CONTINUE",
		"TAKEOVER_IP", "RELEASE_IP", "REGISTER_SERVER_ID", "PROCESS_EXISTS",
		"GET_TCP_TICKLE_LIST", "SET_TCP_TICKLE_LIST", "TUNABLE_GET",
		"TUNABLE_SET", "TUNABLE_LIST", "GET_LOG", "CLEAR_LOG",
		"DUMP_MEMORY", "RUN_EVENTSCRIPTS", "REGISTER_NOTIFY", "DEREGISTER_NOTIFY",
		"DELETE_RECORD", "SETDEBUG", "GETDEBUG",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return fmt.Sprintf("OPCODE(%d)", o)
}

// Handler answers one control request. data is the opaque payload carried
// on wire.ReqControl; the returned bytes become wire.ReplyControl's
// payload. An error is surfaced verbatim to the caller as a remote
// error.
type Handler func(ctx context.Context, srvID uint64, data []byte) ([]byte, error)

// Registry is the opcode -> Handler dispatch table for one daemon.
type Registry struct {
	handlers map[Opcode]Handler
}

// NewRegistry creates an empty Registry. Subsystems populate it via their
// own Register* constructors (control_cluster.go, control_db.go, ...).
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Opcode]Handler)}
}

// Register installs h for opcode, overwriting any previous handler.
func (r *Registry) Register(opcode Opcode, h Handler) {
	r.handlers[opcode] = h
}

// ErrUnknownOpcode is returned by Dispatch when no handler is registered.
var ErrUnknownOpcode = fmt.Errorf("control: unknown opcode")

// ErrRemote wraps an error message a peer reported on REPLY_CONTROL,
// surfaced verbatim to the originating caller.
var ErrRemote = fmt.Errorf("control: remote error")

// Dispatch runs the handler registered for opcode, or returns
// ErrUnknownOpcode.
func (r *Registry) Dispatch(ctx context.Context, opcode Opcode, srvID uint64, data []byte) ([]byte, error) {
	h, ok := r.handlers[opcode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, opcode)
	}
	return h(ctx, srvID, data)
}

// encode/decode are thin encoding/json wrappers: control payloads are
// opaque blobs to the packet layer, so unlike pkg/wire's fixed framing
// there is no requirement on their byte layout. JSON keeps each opcode's
// request/response type self-describing without a second hand-rolled
// binary codec for every verb.
func encode(v interface{}) ([]byte, error) { return json.Marshal(v) }
func decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
