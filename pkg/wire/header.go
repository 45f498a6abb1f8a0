// Package wire implements the CTDB packet codec: the fixed header shared
// by every inter-node and client/daemon packet, and
// the typed bodies for each operation.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ctdbcore/ctdb/pkg/types"
)

// Magic identifies a CTDB packet ("CTDB" as a big-endian uint32).
const Magic uint32 = 0x43544442

// Version is the only wire version this codec understands.
const Version uint32 = 1

// HeaderLen is the fixed, 8-byte-aligned header size.
const HeaderLen = 32

// Op identifies the operation carried by a packet body.
type Op uint32

const (
	OpReqCall Op = iota
	OpReplyCall
	OpReplyRedirect
	OpReqDMaster
	OpReplyDMaster
	OpReplyError
	OpReqMessage
	OpReqFinished
	OpReqControl
	OpReplyControl
)

// Client-socket-only operations.
const (
	OpRegister Op = 1000 + iota
	OpConnectWait
	OpShutdown
)

func (o Op) String() string {
	switch o {
	case OpReqCall:
		return "REQ_CALL"
	case OpReplyCall:
		return "REPLY_CALL"
	case OpReplyRedirect:
		return "REPLY_REDIRECT"
	case OpReqDMaster:
		return "REQ_DMASTER"
	case OpReplyDMaster:
		return "REPLY_DMASTER"
	case OpReplyError:
		return "REPLY_ERROR"
	case OpReqMessage:
		return "REQ_MESSAGE"
	case OpReqFinished:
		return "REQ_FINISHED"
	case OpReqControl:
		return "REQ_CONTROL"
	case OpReplyControl:
		return "REPLY_CONTROL"
	case OpRegister:
		return "REGISTER"
	case OpConnectWait:
		return "CONNECT_WAIT"
	case OpShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("OP(%d)", o)
	}
}

// migrationOps is the set of opcodes subject to the generation fence.
var migrationOps = map[Op]bool{
	OpReqCall:      true,
	OpReplyCall:    true,
	OpReqDMaster:   true,
	OpReplyDMaster: true,
}

// IsMigrationOp reports whether op must be dropped on a generation
// mismatch rather than answered normally.
func IsMigrationOp(op Op) bool { return migrationOps[op] }

// Header is the fixed 32-byte packet header, little-endian on the wire
//. Length covers the header and the (padded) body.
type Header struct {
	Length     uint32
	Magic      uint32
	Version    uint32
	Generation types.Generation
	Operation  Op
	DestNode   types.PNN
	SrcNode    types.PNN
	ReqID      uint32
}

// Encode appends the header's wire representation to buf.
func (h *Header) Encode(buf []byte) []byte {
	var tmp [HeaderLen]byte
	binary.LittleEndian.PutUint32(tmp[0:4], h.Length)
	binary.LittleEndian.PutUint32(tmp[4:8], h.Magic)
	binary.LittleEndian.PutUint32(tmp[8:12], h.Version)
	binary.LittleEndian.PutUint32(tmp[12:16], uint32(h.Generation))
	binary.LittleEndian.PutUint32(tmp[16:20], uint32(h.Operation))
	binary.LittleEndian.PutUint32(tmp[20:24], uint32(h.DestNode))
	binary.LittleEndian.PutUint32(tmp[24:28], uint32(h.SrcNode))
	binary.LittleEndian.PutUint32(tmp[28:32], h.ReqID)
	return append(buf, tmp[:]...)
}

// DecodeHeader parses the fixed header from the front of buf. On malformed
// length, bad magic, or wrong version it returns an error: the caller must
// treat the connection as dead.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	h := Header{
		Length:     binary.LittleEndian.Uint32(buf[0:4]),
		Magic:      binary.LittleEndian.Uint32(buf[4:8]),
		Version:    binary.LittleEndian.Uint32(buf[8:12]),
		Generation: types.Generation(binary.LittleEndian.Uint32(buf[12:16])),
		Operation:  Op(binary.LittleEndian.Uint32(buf[16:20])),
		DestNode:   types.PNN(binary.LittleEndian.Uint32(buf[20:24])),
		SrcNode:    types.PNN(binary.LittleEndian.Uint32(buf[24:28])),
		ReqID:      binary.LittleEndian.Uint32(buf[28:32]),
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: got %#x want %#x", ErrBadMagic, h.Magic, Magic)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: got %d want %d", ErrBadVersion, h.Version, Version)
	}
	if h.Length < HeaderLen {
		return h, fmt.Errorf("%w: %d", ErrBadLength, h.Length)
	}
	return h, nil
}

// PadLen rounds n up to the next 8-byte boundary, matching the alignment
// the inter-node transport requires so wire bodies can be viewed as
// fixed-layout structs.
func PadLen(n int) int {
	const align = 8
	return (n + align - 1) &^ (align - 1)
}
