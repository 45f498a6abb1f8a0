// Package client is the Go library local processes use to talk to a
// daemon over its client socket: dial, learn the node's
// pnn, attach databases, issue calls, register and send messages, and
// drive the control plane — all framed with pkg/wire over pkg/queue,
// mirroring the inter-node transport's own request/reply pattern.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/queue"
	"github.com/ctdbcore/ctdb/pkg/reqid"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/ctdbcore/ctdb/pkg/wire"
)

// MessageHandler processes a message delivered to a srvid this client
// registered.
type MessageHandler func(data []byte)

// Client is one process's connection to its local daemon.
type Client struct {
	q       *queue.Queue
	pending *reqid.Registry

	mu       sync.Mutex
	pnn      types.PNN
	handlers map[uint64]MessageHandler

	defaultTimeout time.Duration
}

type callResult struct {
	status types.CallStatus
	data   []byte
	err    string
}

type controlResult struct {
	status int32
	data   []byte
	err    string
}

// Dial connects to the daemon listening on socketPath and performs the
// CONNECT_WAIT handshake to learn this node's pnn.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{
		pending:        reqid.New(),
		handlers:       make(map[uint64]MessageHandler),
		defaultTimeout: 30 * time.Second,
	}
	c.q = queue.New(conn, c.onPacket)
	c.q.Start()

	if err := c.connectWait(ctx); err != nil {
		_ = c.q.Close()
		return nil, err
	}
	return c, nil
}

// PNN is this node's physical node number, learned during Dial.
func (c *Client) PNN() types.PNN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pnn
}

func (c *Client) connectWait(ctx context.Context) error {
	ch := make(chan *wire.ConnectWaitReply, 1)
	id := c.pending.Alloc("connect", ch)
	defer c.pending.Release(id)

	h := wire.Header{Operation: wire.OpConnectWait, DestNode: types.CurrentNode, ReqID: uint32(id)}
	if err := c.q.Send(wire.Encode(h, (&wire.ConnectWait{}).Encode())); err != nil {
		return err
	}

	select {
	case reply := <-ch:
		c.mu.Lock()
		c.pnn = reply.PNN
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register advertises this process's pid and a srvid it wants messages
// delivered to, installing handler as the local callback for that srvid
//. Call once per srvid the process wants to receive on.
func (c *Client) Register(pid uint32, srvID uint64, handler MessageHandler) error {
	c.mu.Lock()
	c.handlers[srvID] = handler
	c.mu.Unlock()

	h := wire.Header{Operation: wire.OpRegister, DestNode: types.CurrentNode}
	body := (&wire.Register{PID: pid, SrvID: srvID}).Encode()
	return c.q.Send(wire.Encode(h, body))
}

// Call issues a REQ_CALL and blocks for the matching REPLY_CALL,
// running the full dmaster/redirect/migration protocol inside the
// daemon before returning.
func (c *Client) Call(ctx context.Context, dbID, callID uint32, key, callData []byte, flags wire.ReqCallFlags) ([]byte, types.CallStatus, error) {
	ch := make(chan callResult, 1)
	id := c.pending.Alloc("call", ch)
	defer c.pending.Release(id)

	body := (&wire.ReqCall{Flags: flags, DBID: dbID, CallID: callID, Key: key, CallData: callData}).Encode()
	h := wire.Header{Operation: wire.OpReqCall, DestNode: types.CurrentNode, ReqID: uint32(id)}
	if err := c.q.Send(wire.Encode(h, body)); err != nil {
		return nil, types.StatusError, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	select {
	case r := <-ch:
		if r.err != "" {
			return nil, r.status, fmt.Errorf("client: call: %s", r.err)
		}
		return r.data, r.status, nil
	case <-ctx.Done():
		return nil, types.StatusTimeout, ctx.Err()
	}
}

// SendMessage delivers data to srvid on dest. dest may
// name another node; the local daemon forwards it over the inter-node
// transport.
func (c *Client) SendMessage(dest types.PNN, srvID uint64, data []byte) error {
	h := wire.Header{Operation: wire.OpReqMessage, DestNode: dest}
	body := (&wire.ReqMessage{SrvID: srvID, Data: data}).Encode()
	return c.q.Send(wire.Encode(h, body))
}

// Control issues a REQ_CONTROL to dest and blocks for the REPLY_CONTROL
//. dest may be types.CurrentNode for this node, a
// specific pnn, or one of the broadcast pseudo-nodes.
func (c *Client) Control(ctx context.Context, dest types.PNN, opcode control.Opcode, data []byte) ([]byte, error) {
	ch := make(chan controlResult, 1)
	id := c.pending.Alloc("control", ch)
	defer c.pending.Release(id)

	body := (&wire.ReqControl{Opcode: uint32(opcode), Data: data}).Encode()
	h := wire.Header{Operation: wire.OpReqControl, DestNode: dest, ReqID: uint32(id)}
	if err := c.q.Send(wire.Encode(h, body)); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	select {
	case r := <-ch:
		if r.err != "" {
			return nil, fmt.Errorf("%w: %s", control.ErrRemote, r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown asks the local daemon to terminate.
func (c *Client) Shutdown() error {
	h := wire.Header{Operation: wire.OpShutdown, DestNode: types.CurrentNode}
	return c.q.Send(wire.Encode(h, nil))
}

// Close detaches from the daemon, sending REQ_FINISHED first so the
// daemon can clean up this connection's registrations promptly rather
// than waiting to notice EOF.
func (c *Client) Close() error {
	h := wire.Header{Operation: wire.OpReqFinished, DestNode: types.CurrentNode}
	_ = c.q.Send(wire.Encode(h, nil))
	return c.q.Close()
}

func (c *Client) onPacket(buf []byte) {
	if buf == nil {
		return
	}
	pkt, err := wire.Decode(buf)
	if err != nil {
		return
	}
	h := pkt.Header

	switch h.Operation {
	case wire.OpConnectWait:
		reply, err := wire.DecodeConnectWaitReply(pkt.Body)
		if err != nil {
			return
		}
		c.deliver("connect", reqid.ID(h.ReqID), reply)

	case wire.OpReplyCall:
		reply, err := wire.DecodeReplyCall(pkt.Body)
		if err != nil {
			return
		}
		c.deliver("call", reqid.ID(h.ReqID), callResult{status: reply.Status, data: reply.Data})

	case wire.OpReplyError:
		reply, err := wire.DecodeReplyError(pkt.Body)
		if err != nil {
			return
		}
		c.deliver("call", reqid.ID(h.ReqID), callResult{status: reply.Status, err: reply.Msg})

	case wire.OpReplyControl:
		reply, err := wire.DecodeReplyControl(pkt.Body)
		if err != nil {
			return
		}
		c.deliver("control", reqid.ID(h.ReqID), controlResult{status: reply.Status, data: reply.Data, err: reply.Error})

	case wire.OpReqMessage:
		msg, err := wire.DecodeReqMessage(pkt.Body)
		if err != nil {
			return
		}
		c.mu.Lock()
		handler := c.handlers[msg.SrvID]
		c.mu.Unlock()
		if handler != nil {
			go handler(msg.Data)
		}
	}
}

// deliver routes a reply to the goroutine blocked on the matching
// pending reqid, discarding it silently if the caller already timed out.
func (c *Client) deliver(kind string, id reqid.ID, v interface{}) {
	val, ok := c.pending.Lookup(id, kind)
	if !ok {
		return
	}
	switch kind {
	case "connect":
		ch := val.(chan *wire.ConnectWaitReply)
		select {
		case ch <- v.(*wire.ConnectWaitReply):
		default:
		}
	case "call":
		ch := val.(chan callResult)
		select {
		case ch <- v.(callResult):
		default:
		}
	case "control":
		ch := val.(chan controlResult)
		select {
		case ch <- v.(controlResult):
		default:
		}
	}
}
