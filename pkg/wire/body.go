package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ctdbcore/ctdb/pkg/types"
)

// ReqCallFlags bitset carried on a REQ_CALL body.
type ReqCallFlags uint32

const (
	// ReqCallImmediateMigration asks the current dmaster to migrate the
	// record to the caller immediately, bypassing the hot-read heuristic.
	ReqCallImmediateMigration ReqCallFlags = 1 << iota
)

// ReqCall is the REQ_CALL body.
type ReqCall struct {
	Flags       ReqCallFlags
	DBID        uint32
	CallID      uint32
	HopCount    uint32
	Key         []byte
	CallData    []byte
}

// Encode serializes the fixed fields then key‖call_data, padded to 8
// bytes.
func (b *ReqCall) Encode() []byte {
	buf := make([]byte, 0, 16+len(b.Key)+len(b.CallData))
	buf = putU32(buf, uint32(b.Flags))
	buf = putU32(buf, b.DBID)
	buf = putU32(buf, b.CallID)
	buf = putU32(buf, b.HopCount)
	buf = putU32(buf, uint32(len(b.Key)))
	buf = putU32(buf, uint32(len(b.CallData)))
	buf = append(buf, b.Key...)
	buf = append(buf, b.CallData...)
	return padTo(buf)
}

// DecodeReqCall parses a REQ_CALL body.
func DecodeReqCall(buf []byte) (*ReqCall, error) {
	if len(buf) < 24 {
		return nil, ErrTruncatedBody
	}
	flags := ReqCallFlags(binary.LittleEndian.Uint32(buf[0:4]))
	dbid := binary.LittleEndian.Uint32(buf[4:8])
	callID := binary.LittleEndian.Uint32(buf[8:12])
	hop := binary.LittleEndian.Uint32(buf[12:16])
	keylen := binary.LittleEndian.Uint32(buf[16:20])
	datalen := binary.LittleEndian.Uint32(buf[20:24])
	rest := buf[24:]
	if uint64(keylen)+uint64(datalen) > uint64(len(rest)) {
		return nil, ErrTruncatedBody
	}
	return &ReqCall{
		Flags:    flags,
		DBID:     dbid,
		CallID:   callID,
		HopCount: hop,
		Key:      clone(rest[:keylen]),
		CallData: clone(rest[keylen : keylen+datalen]),
	}, nil
}

// ReplyCall is the REPLY_CALL body.
type ReplyCall struct {
	Status types.CallStatus
	Data   []byte
}

func (b *ReplyCall) Encode() []byte {
	buf := make([]byte, 0, 8+len(b.Data))
	buf = putU32(buf, uint32(b.Status))
	buf = putU32(buf, uint32(len(b.Data)))
	buf = append(buf, b.Data...)
	return padTo(buf)
}

func DecodeReplyCall(buf []byte) (*ReplyCall, error) {
	if len(buf) < 8 {
		return nil, ErrTruncatedBody
	}
	status := types.CallStatus(binary.LittleEndian.Uint32(buf[0:4]))
	datalen := binary.LittleEndian.Uint32(buf[4:8])
	if uint64(datalen) > uint64(len(buf)-8) {
		return nil, ErrTruncatedBody
	}
	return &ReplyCall{Status: status, Data: clone(buf[8 : 8+datalen])}, nil
}

// ReplyRedirect carries the hinted new dmaster.
type ReplyRedirect struct {
	DMaster types.PNN
}

func (b *ReplyRedirect) Encode() []byte {
	return padTo(putU32(nil, uint32(b.DMaster)))
}

func DecodeReplyRedirect(buf []byte) (*ReplyRedirect, error) {
	if len(buf) < 4 {
		return nil, ErrTruncatedBody
	}
	return &ReplyRedirect{DMaster: types.PNN(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

// ReqDMaster proposes a new dmaster to the lmaster.
// OrigReqID carries the reqid of the REQ_CALL being migrated: the
// proposed dmaster is always that REQ_CALL's original sender, so it can
// use it to find its own in-flight call state again once it takes over,
// without the lmaster needing to ship call_id/call_data it never had.
type ReqDMaster struct {
	DBID      uint32
	DMaster   types.PNN
	RSN       uint64
	Flags     types.RecordFlags
	OrigReqID uint32
	Key       []byte
	Value     []byte
}

func (b *ReqDMaster) Encode() []byte {
	buf := make([]byte, 0, 32+len(b.Key)+len(b.Value))
	buf = putU32(buf, b.DBID)
	buf = putU32(buf, uint32(b.DMaster))
	buf = putU64(buf, b.RSN)
	buf = putU32(buf, uint32(b.Flags))
	buf = putU32(buf, b.OrigReqID)
	buf = putU32(buf, uint32(len(b.Key)))
	buf = putU32(buf, uint32(len(b.Value)))
	buf = append(buf, b.Key...)
	buf = append(buf, b.Value...)
	return padTo(buf)
}

func DecodeReqDMaster(buf []byte) (*ReqDMaster, error) {
	if len(buf) < 32 {
		return nil, ErrTruncatedBody
	}
	dbid := binary.LittleEndian.Uint32(buf[0:4])
	dmaster := types.PNN(binary.LittleEndian.Uint32(buf[4:8]))
	rsn := binary.LittleEndian.Uint64(buf[8:16])
	flags := types.RecordFlags(binary.LittleEndian.Uint32(buf[16:20]))
	origReqID := binary.LittleEndian.Uint32(buf[20:24])
	keylen := binary.LittleEndian.Uint32(buf[24:28])
	datalen := binary.LittleEndian.Uint32(buf[28:32])
	rest := buf[32:]
	if uint64(keylen)+uint64(datalen) > uint64(len(rest)) {
		return nil, ErrTruncatedBody
	}
	return &ReqDMaster{
		DBID: dbid, DMaster: dmaster, RSN: rsn, Flags: flags, OrigReqID: origReqID,
		Key: clone(rest[:keylen]), Value: clone(rest[keylen : keylen+datalen]),
	}, nil
}

// ReplyDMaster carries the record to its new dmaster.
// OrigReqID is forwarded from the triggering ReqDMaster so the receiver
// — which, per the same invariant, is always that original call's
// sender — can resolve its own pending call without a further round
// trip.
type ReplyDMaster struct {
	RSN       uint64
	DBID      uint32
	Flags     types.RecordFlags
	OrigReqID uint32
	Key       []byte
	Value     []byte
}

func (b *ReplyDMaster) Encode() []byte {
	buf := make([]byte, 0, 32+len(b.Key)+len(b.Value))
	buf = putU64(buf, b.RSN)
	buf = putU32(buf, uint32(len(b.Key)))
	buf = putU32(buf, uint32(len(b.Value)))
	buf = putU32(buf, b.DBID)
	buf = putU32(buf, uint32(b.Flags))
	buf = putU32(buf, b.OrigReqID)
	buf = append(buf, b.Key...)
	buf = append(buf, b.Value...)
	return padTo(buf)
}

func DecodeReplyDMaster(buf []byte) (*ReplyDMaster, error) {
	if len(buf) < 28 {
		return nil, ErrTruncatedBody
	}
	rsn := binary.LittleEndian.Uint64(buf[0:8])
	keylen := binary.LittleEndian.Uint32(buf[8:12])
	datalen := binary.LittleEndian.Uint32(buf[12:16])
	dbid := binary.LittleEndian.Uint32(buf[16:20])
	flags := types.RecordFlags(binary.LittleEndian.Uint32(buf[20:24]))
	origReqID := binary.LittleEndian.Uint32(buf[24:28])
	rest := buf[28:]
	if uint64(keylen)+uint64(datalen) > uint64(len(rest)) {
		return nil, ErrTruncatedBody
	}
	return &ReplyDMaster{
		RSN: rsn, DBID: dbid, Flags: flags, OrigReqID: origReqID,
		Key: clone(rest[:keylen]), Value: clone(rest[keylen : keylen+datalen]),
	}, nil
}

// ReplyError surfaces a remote error verbatim to the caller.
type ReplyError struct {
	Status types.CallStatus
	Msg    string
}

func (b *ReplyError) Encode() []byte {
	buf := make([]byte, 0, 8+len(b.Msg))
	buf = putU32(buf, uint32(b.Status))
	buf = putU32(buf, uint32(len(b.Msg)))
	buf = append(buf, []byte(b.Msg)...)
	return padTo(buf)
}

func DecodeReplyError(buf []byte) (*ReplyError, error) {
	if len(buf) < 8 {
		return nil, ErrTruncatedBody
	}
	status := types.CallStatus(binary.LittleEndian.Uint32(buf[0:4]))
	msglen := binary.LittleEndian.Uint32(buf[4:8])
	if uint64(msglen) > uint64(len(buf)-8) {
		return nil, ErrTruncatedBody
	}
	return &ReplyError{Status: status, Msg: string(buf[8 : 8+msglen])}, nil
}

// ReqMessage carries an out-of-band message to a registered srvid.
type ReqMessage struct {
	SrvID uint64
	Data  []byte
}

func (b *ReqMessage) Encode() []byte {
	buf := make([]byte, 0, 12+len(b.Data))
	buf = putU64(buf, b.SrvID)
	buf = putU32(buf, uint32(len(b.Data)))
	buf = append(buf, b.Data...)
	return padTo(buf)
}

func DecodeReqMessage(buf []byte) (*ReqMessage, error) {
	if len(buf) < 12 {
		return nil, ErrTruncatedBody
	}
	srvid := binary.LittleEndian.Uint64(buf[0:8])
	datalen := binary.LittleEndian.Uint32(buf[8:12])
	if uint64(datalen) > uint64(len(buf)-12) {
		return nil, ErrTruncatedBody
	}
	return &ReqMessage{SrvID: srvid, Data: clone(buf[12 : 12+datalen])}, nil
}

// ControlFlags bitset carried on a REQ_CONTROL body.
type ControlFlags uint32

const (
	// ControlNoReply fires-and-forgets a control: no REPLY_CONTROL is sent.
	ControlNoReply ControlFlags = 1 << iota
)

// ReqControl is the REQ_CONTROL body.
type ReqControl struct {
	Opcode uint32
	SrvID  uint64
	Flags  ControlFlags
	Data   []byte
}

func (b *ReqControl) Encode() []byte {
	buf := make([]byte, 0, 20+len(b.Data))
	buf = putU32(buf, b.Opcode)
	buf = putU64(buf, b.SrvID)
	buf = putU32(buf, uint32(b.Flags))
	buf = putU32(buf, uint32(len(b.Data)))
	buf = append(buf, b.Data...)
	return padTo(buf)
}

func DecodeReqControl(buf []byte) (*ReqControl, error) {
	if len(buf) < 20 {
		return nil, ErrTruncatedBody
	}
	opcode := binary.LittleEndian.Uint32(buf[0:4])
	srvid := binary.LittleEndian.Uint64(buf[4:12])
	flags := ControlFlags(binary.LittleEndian.Uint32(buf[12:16]))
	datalen := binary.LittleEndian.Uint32(buf[16:20])
	if uint64(datalen) > uint64(len(buf)-20) {
		return nil, ErrTruncatedBody
	}
	return &ReqControl{Opcode: opcode, SrvID: srvid, Flags: flags, Data: clone(buf[20 : 20+datalen])}, nil
}

// ReplyControl is the REPLY_CONTROL body.
type ReplyControl struct {
	Status int32
	Data   []byte
	Error  string
}

func (b *ReplyControl) Encode() []byte {
	buf := make([]byte, 0, 12+len(b.Data)+len(b.Error))
	buf = putU32(buf, uint32(b.Status))
	buf = putU32(buf, uint32(len(b.Data)))
	buf = putU32(buf, uint32(len(b.Error)))
	buf = append(buf, b.Data...)
	buf = append(buf, []byte(b.Error)...)
	return padTo(buf)
}

func DecodeReplyControl(buf []byte) (*ReplyControl, error) {
	if len(buf) < 12 {
		return nil, ErrTruncatedBody
	}
	status := int32(binary.LittleEndian.Uint32(buf[0:4]))
	datalen := binary.LittleEndian.Uint32(buf[4:8])
	errlen := binary.LittleEndian.Uint32(buf[8:12])
	rest := buf[12:]
	if uint64(datalen)+uint64(errlen) > uint64(len(rest)) {
		return nil, ErrTruncatedBody
	}
	return &ReplyControl{
		Status: status,
		Data:   clone(rest[:datalen]),
		Error:  string(rest[datalen : datalen+errlen]),
	}, nil
}

// ConnectWait is the client socket's CONNECT_WAIT request body: empty —
// the client simply waits to be told its pnn.
type ConnectWait struct{}

func (b *ConnectWait) Encode() []byte { return nil }

// ConnectWaitReply answers CONNECT_WAIT with the pnn of the daemon the
// client has attached to.
type ConnectWaitReply struct {
	PNN types.PNN
}

func (b *ConnectWaitReply) Encode() []byte {
	return padTo(putU32(nil, uint32(b.PNN)))
}

func DecodeConnectWaitReply(buf []byte) (*ConnectWaitReply, error) {
	if len(buf) < 4 {
		return nil, ErrTruncatedBody
	}
	return &ConnectWaitReply{PNN: types.PNN(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

// Register is the client socket's REGISTER request body: a client
// advertises its OS pid (so CTDB_CONTROL_PROCESS_EXISTS can answer
// liveness queries from other nodes without a direct connection to the
// process) and the message srvid it wants delivered to this
// connection.
type Register struct {
	PID   uint32
	SrvID uint64
}

func (b *Register) Encode() []byte {
	buf := putU32(nil, b.PID)
	buf = putU64(buf, b.SrvID)
	return padTo(buf)
}

func DecodeRegister(buf []byte) (*Register, error) {
	if len(buf) < 12 {
		return nil, ErrTruncatedBody
	}
	return &Register{
		PID:   binary.LittleEndian.Uint32(buf[0:4]),
		SrvID: binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}

func putU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func padTo(buf []byte) []byte {
	n := PadLen(len(buf))
	for len(buf) < n {
		buf = append(buf, 0)
	}
	return buf
}

// ErrUnknownOp is returned when decoding a body for an operation this
// codec does not recognize.
var ErrUnknownOp = fmt.Errorf("wire: unknown operation")
