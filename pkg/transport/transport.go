// Package transport implements the inter-node link: it dials every
// other node's listener, frames traffic with pkg/wire over pkg/queue,
// and routes each inbound packet to either the call engine (the five
// migration opcodes) or the control registry
// (REQ_CONTROL/REPLY_CONTROL).
package transport

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
	"github.com/rs/zerolog"
)

// Dispatcher is the call-engine surface transport routes the five
// migration opcodes to. *callengine.Engine satisfies this.
type Dispatcher interface {
	HandleReqCall(h wire.Header, b *wire.ReqCall)
	HandleReplyCall(h wire.Header, b *wire.ReplyCall)
	HandleReplyRedirect(h wire.Header, b *wire.ReplyRedirect)
	HandleReqDMaster(h wire.Header, b *wire.ReqDMaster)
	HandleReplyDMaster(h wire.Header, b *wire.ReplyDMaster)
}

// MessageSink receives a REQ_MESSAGE that arrived over the wire addressed
// to this node, so it can be fanned out to whichever locally attached
// client registered that srvid. Optional:
// *clientserver.Server satisfies this; a daemon with no client socket
// configured (tests) just drops inbound messages.
type MessageSink interface {
	DeliverMessage(srvID uint64, data []byte)
}

// ClusterView is the sliver of cluster state a Transport needs to stamp
// outbound packets and resolve peer addresses.
type ClusterView interface {
	Self() types.PNN
	Generation() types.Generation
	Nodes() []types.Node
}

// Config is a Transport's static configuration.
type Config struct {
	ListenAddr string
	// DialTimeout bounds an outbound connection attempt to a peer.
	DialTimeout time.Duration
	// ControlTimeout bounds a SendControl round trip when the caller's
	// context carries no deadline of its own.
	ControlTimeout time.Duration
}

// Transport is the inter-node link for one daemon. It satisfies both
// callengine.Transport (Send) and cluster.Transport/recovery.Transport
// (SendControl).
type Transport struct {
	cfg     Config
	cluster ClusterView
	dispatch Dispatcher
	controls *control.Registry
	pending  *reqid.Registry
	sink     MessageSink
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[types.PNN]*queue.Queue
	ln    net.Listener

	closed bool
}

// New constructs a Transport. dispatch may be nil at construction time —
// the call engine it routes to is itself built from a Transport
// (cluster.Cluster.SetTransport), so the two are wired together in two
// steps; call SetDispatcher once the call engine exists. Listen must be
// called separately once the daemon is ready to accept inbound
// connections.
func New(cfg Config, cluster ClusterView, dispatch Dispatcher, controls *control.Registry, log zerolog.Logger) *Transport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ControlTimeout == 0 {
		cfg.ControlTimeout = 30 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		cluster:  cluster,
		dispatch: dispatch,
		controls: controls,
		pending:  reqid.New(),
		log:      log,
		conns:    make(map[types.PNN]*queue.Queue),
	}
}

// Listen starts accepting inbound connections from peers. Each accepted
// connection is wrapped in its own Queue; since any node may dial any
// other at any time there is no handshake beyond the packet header
// itself; the transport does not record which peer an accepted
// connection belongs to.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		q := queue.New(conn, t.onPacket)
		q.Start()
	}
}

// SetMessageSink wires the client-socket façade in once the daemon has
// constructed it; may be called at most once, before Listen.
func (t *Transport) SetMessageSink(sink MessageSink) {
	t.sink = sink
}

// SetDispatcher wires the call engine in once it exists. The call engine
// is itself constructed from a Transport (cluster.Cluster.SetTransport),
// so New is allowed to take a nil dispatch and the daemon's main calls
// this immediately afterward, before Listen.
func (t *Transport) SetDispatcher(dispatch Dispatcher) {
	t.dispatch = dispatch
}

// Addr returns the listener's actual address, useful in tests that bind
// to ":0".
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) addrOf(dest types.PNN) (string, error) {
	for _, n := range t.cluster.Nodes() {
		if n.PNN == dest {
			return n.Address, nil
		}
	}
	return "", fmt.Errorf("transport: no address for pnn %d", dest)
}

// conn returns the cached Queue for dest, dialing lazily if needed.
func (t *Transport) conn(dest types.PNN) (*queue.Queue, error) {
	t.mu.Lock()
	if q, ok := t.conns[dest]; ok {
		t.mu.Unlock()
		return q, nil
	}
	t.mu.Unlock()

	addr, err := t.addrOf(dest)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	q := queue.New(conn, t.onPacket)
	q.Start()

	t.mu.Lock()
	if old, ok := t.conns[dest]; ok {
		t.mu.Unlock()
		_ = q.Close()
		return old, nil
	}
	t.conns[dest] = q
	t.mu.Unlock()
	return q, nil
}

func (t *Transport) dropConn(dest types.PNN, q *queue.Queue) {
	t.mu.Lock()
	if t.conns[dest] == q {
		delete(t.conns, dest)
	}
	t.mu.Unlock()
}

// Send implements callengine.Transport: pkt is a fully wire.Encode-d
// packet; its header's DestNode names the peer. Broadcast pseudo-nodes
// are resolved by the caller — by the time a packet is handed to Send it
// targets exactly one node.
func (t *Transport) Send(pkt []byte) error {
	h, err := wire.DecodeHeader(pkt)
	if err != nil {
		return err
	}
	q, err := t.conn(h.DestNode)
	if err != nil {
		return err
	}
	if err := q.Send(pkt); err != nil {
		t.dropConn(h.DestNode, q)
		return err
	}
	return nil
}

// SendControl performs a synchronous REQ_CONTROL/REPLY_CONTROL round trip
// to dest, used by the recovery coordinator and by the
// daemon's own admin dispatch when the target of a control isn't this
// node. A dest equal to this node's pnn is answered in-process without a
// wire round trip.
func (t *Transport) SendControl(ctx context.Context, dest types.PNN, opcode control.Opcode, data []byte) ([]byte, error) {
	if dest == t.cluster.Self() {
		return t.controls.Dispatch(ctx, opcode, 0, data)
	}

	st := make(chan controlResult, 1)
	id := t.pending.Alloc("control", st)
	defer t.pending.Release(id)

	body := (&wire.ReqControl{Opcode: uint32(opcode), Data: data}).Encode()
	h := wire.Header{
		Operation:  wire.OpReqControl,
		Generation: t.cluster.Generation(),
		DestNode:   dest,
		SrcNode:    t.cluster.Self(),
		ReqID:      uint32(id),
	}
	if err := t.Send(wire.Encode(h, body)); err != nil {
		return nil, fmt.Errorf("transport: send control %s to node %d: %w", opcode, dest, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ControlTimeout)
		defer cancel()
	}

	select {
	case r := <-st:
		if r.err != "" {
			return nil, fmt.Errorf("%w: %s", control.ErrRemote, r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: control %s to node %d: %w", opcode, dest, ctx.Err())
	}
}

// onPacket is the Queue callback shared by every connection, inbound or
// outbound; packets reach it in arrival order, but the call-protocol
// handlers below run on their own goroutines, so their processing order
// is not fixed. A nil buf signals connection loss and is ignored here;
// since Transport does not track which pnn owns an inbound connection,
// loss of an established outbound connection is discovered lazily on the
// next Send instead.
func (t *Transport) onPacket(buf []byte) {
	if buf == nil {
		return
	}
	pkt, err := wire.Decode(buf)
	if err != nil {
		t.log.Error().Err(err).Msg("transport: malformed packet, dropping packet")
		return
	}
	h := pkt.Header

	if wire.IsMigrationOp(h.Operation) && t.dispatch == nil {
		t.log.Debug().Stringer("op", h.Operation).Msg("transport: no dispatcher wired yet, dropping")
		return
	}

	// Call-protocol handlers may block on a chain lock; each runs on its
	// own goroutine so a contended record never stalls this connection's
	// read loop.
	switch h.Operation {
	case wire.OpReqCall:
		b, err := wire.DecodeReqCall(pkt.Body)
		if err == nil {
			go t.dispatch.HandleReqCall(h, b)
		}
	case wire.OpReplyCall:
		b, err := wire.DecodeReplyCall(pkt.Body)
		if err == nil {
			go t.dispatch.HandleReplyCall(h, b)
		}
	case wire.OpReplyRedirect:
		b, err := wire.DecodeReplyRedirect(pkt.Body)
		if err == nil {
			go t.dispatch.HandleReplyRedirect(h, b)
		}
	case wire.OpReqDMaster:
		b, err := wire.DecodeReqDMaster(pkt.Body)
		if err == nil {
			go t.dispatch.HandleReqDMaster(h, b)
		}
	case wire.OpReplyDMaster:
		b, err := wire.DecodeReplyDMaster(pkt.Body)
		if err == nil {
			go t.dispatch.HandleReplyDMaster(h, b)
		}
	case wire.OpReqControl:
		go t.handleReqControl(h, pkt.Body)
	case wire.OpReplyControl:
		t.handleReplyControl(h, pkt.Body)
	case wire.OpReqMessage:
		if t.sink != nil {
			b, err := wire.DecodeReqMessage(pkt.Body)
			if err == nil {
				t.sink.DeliverMessage(b.SrvID, b.Data)
			}
		}
	default:
		t.log.Debug().Stringer("op", h.Operation).Msg("transport: unhandled operation")
	}
}

func (t *Transport) handleReqControl(h wire.Header, body []byte) {
	req, err := wire.DecodeReqControl(body)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ControlTimeout)
	defer cancel()

	data, err := t.controls.Dispatch(ctx, control.Opcode(req.Opcode), req.SrvID, req.Data)
	if req.Flags&wire.ControlNoReply != 0 {
		return
	}

	reply := wire.ReplyControl{Data: data}
	if err != nil {
		reply.Status = -1
		reply.Error = err.Error()
	}
	rh := wire.Header{
		Operation:  wire.OpReplyControl,
		Generation: t.cluster.Generation(),
		DestNode:   h.SrcNode,
		SrcNode:    t.cluster.Self(),
		ReqID:      h.ReqID,
	}
	_ = t.Send(wire.Encode(rh, reply.Encode()))
}

func (t *Transport) handleReplyControl(h wire.Header, body []byte) {
	reply, err := wire.DecodeReplyControl(body)
	if err != nil {
		return
	}
	v, ok := t.pending.Lookup(reqid.ID(h.ReqID), "control")
	if !ok {
		return // stale reqid: the caller already timed out
	}
	ch := v.(chan controlResult)
	select {
	case ch <- controlResult{data: reply.Data, err: reply.Error}:
	default:
	}
}

// controlResult carries a REPLY_CONTROL's payload (or remote error)
// back to the goroutine blocked in SendControl.
type controlResult struct {
	data []byte
	err  string
}

// Close tears down the listener and every outbound connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.ln != nil {
		_ = t.ln.Close()
	}
	for pnn, q := range t.conns {
		_ = q.Close()
		delete(t.conns, pnn)
	}
	return nil
}
