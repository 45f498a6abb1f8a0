package queue

import (
	"net"
	"testing"
	"time"

	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/ctdbcore/ctdb/pkg/wire"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSendDeliversWholePacket(t *testing.T) {
	a, b := pipePair(t)

	received := make(chan []byte, 1)
	qb := New(b, func(buf []byte) { received <- buf })
	qb.Start()

	qa := New(a, func([]byte) {})
	qa.Start()

	h := wire.Header{Operation: wire.OpReqCall, DestNode: types.PNN(1), SrcNode: types.PNN(2), ReqID: 5}
	body := (&wire.ReqCall{DBID: 1, Key: []byte("k")}).Encode()
	pkt := wire.Encode(h, body)

	require.NoError(t, qa.Send(pkt))

	select {
	case buf := <-received:
		got, err := wire.Decode(buf)
		require.NoError(t, err)
		require.Equal(t, wire.OpReqCall, got.Header.Operation)
		require.Equal(t, uint32(5), got.Header.ReqID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestCloseSignalsDeath(t *testing.T) {
	a, b := pipePair(t)

	dead := make(chan struct{})
	qb := New(b, func(buf []byte) {
		if buf == nil {
			close(dead)
		}
	})
	qb.Start()

	qa := New(a, func([]byte) {})
	qa.Start()
	require.NoError(t, qa.Close())

	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead event")
	}
}
