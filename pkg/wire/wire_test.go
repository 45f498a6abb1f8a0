package wire

import (
	"testing"

	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Generation: 7,
		Operation:  OpReqCall,
		DestNode:   3,
		SrcNode:    1,
		ReqID:      42,
	}
	body := (&ReqCall{DBID: 1, CallID: 2, Key: []byte("k"), CallData: []byte("cd")}).Encode()
	buf := Encode(h, body)

	pkt, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, types.Generation(7), pkt.Header.Generation)
	require.Equal(t, OpReqCall, pkt.Header.Operation)
	require.Equal(t, types.PNN(3), pkt.Header.DestNode)
	require.Equal(t, uint32(42), pkt.Header.ReqID)

	req, err := DecodeReqCall(pkt.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), req.Key)
	require.Equal(t, []byte("cd"), req.CallData)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	h := Header{Operation: OpReqCall}
	buf := Encode(h, nil)
	buf[4] = 0 // corrupt magic
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeHeaderRejectsBadVersion(t *testing.T) {
	h := Header{Operation: OpReqCall}
	buf := Encode(h, nil)
	buf[8] = 9 // corrupt version
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPadLenAlignsTo8Bytes(t *testing.T) {
	require.Equal(t, 0, PadLen(0))
	require.Equal(t, 8, PadLen(1))
	require.Equal(t, 8, PadLen(8))
	require.Equal(t, 16, PadLen(9))
}

func TestReplyCallRoundTrip(t *testing.T) {
	rc := &ReplyCall{Status: types.StatusOK, Data: []byte("hello")}
	buf := rc.Encode()
	got, err := DecodeReplyCall(buf)
	require.NoError(t, err)
	require.Equal(t, rc.Status, got.Status)
	require.Equal(t, rc.Data, got.Data)
}

func TestReqDMasterRoundTrip(t *testing.T) {
	m := &ReqDMaster{DBID: 5, DMaster: 2, RSN: 99, OrigReqID: 123, Key: []byte("key"), Value: []byte("val")}
	buf := m.Encode()
	got, err := DecodeReqDMaster(buf)
	require.NoError(t, err)
	require.Equal(t, m.DBID, got.DBID)
	require.Equal(t, m.RSN, got.RSN)
	require.Equal(t, m.OrigReqID, got.OrigReqID)
	require.Equal(t, m.Key, got.Key)
	require.Equal(t, m.Value, got.Value)
}

func TestReplyDMasterRoundTrip(t *testing.T) {
	m := &ReplyDMaster{RSN: 42, DBID: 5, OrigReqID: 123, Key: []byte("key"), Value: []byte("val")}
	buf := m.Encode()
	got, err := DecodeReplyDMaster(buf)
	require.NoError(t, err)
	require.Equal(t, m.RSN, got.RSN)
	require.Equal(t, m.DBID, got.DBID)
	require.Equal(t, m.OrigReqID, got.OrigReqID)
	require.Equal(t, m.Key, got.Key)
	require.Equal(t, m.Value, got.Value)
}

func TestReqControlRoundTrip(t *testing.T) {
	c := &ReqControl{Opcode: 3, SrvID: 77, Flags: ControlNoReply, Data: []byte("d")}
	buf := c.Encode()
	got, err := DecodeReqControl(buf)
	require.NoError(t, err)
	require.Equal(t, c.Opcode, got.Opcode)
	require.Equal(t, c.Flags, got.Flags)
	require.Equal(t, c.Data, got.Data)
}
