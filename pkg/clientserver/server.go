// Package clientserver implements the daemon side of the local
// client-socket protocol: a Unix stream listener that lets
// local client processes attach databases, issue calls, register message
// srvids, send messages, and drive the control plane, all framed with
// pkg/wire over pkg/queue exactly like the inter-node link.
package clientserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/queue"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/ctdbcore/ctdb/pkg/wire"
	"github.com/rs/zerolog"
)

// CallEngine is the client-facing entry point a connection's REQ_CALL is
// forwarded to: callengine.Engine.Call satisfies this,
// running the full dmaster/redirect/migration algorithm before returning.
type CallEngine interface {
	Call(ctx context.Context, dbID, callID uint32, key, callData []byte, flags wire.ReqCallFlags) ([]byte, types.CallStatus, error)
}

// Controls answers REQ_CONTROL the same way a peer node's would;
// *control.Registry satisfies this.
type Controls interface {
	Dispatch(ctx context.Context, opcode control.Opcode, srvID uint64, data []byte) ([]byte, error)
}

// RemoteControls relays a REQ_CONTROL addressed to another node over the
// inter-node transport and returns that node's reply payload.
// *transport.Transport satisfies this. Optional: without it, controls
// addressed to a peer fail rather than silently acting on this node.
type RemoteControls interface {
	SendControl(ctx context.Context, dest types.PNN, opcode control.Opcode, data []byte) ([]byte, error)
}

// ServerIDRegistrar records a client's (pid, srvid) advertisement so
// PROCESS_EXISTS can answer liveness queries.
type ServerIDRegistrar interface {
	RegisterServerID(pid uint32, srvID uint64)
}

// Forwarder hands a REQ_MESSAGE addressed to another node off to the
// inter-node transport: body is the ReqMessage body encoding
// (ReqMessage.Encode, without a header), and
// the implementation (wired by the daemon's main) is expected to stamp h
// and call transport.Send(wire.Encode(h, body)). Optional: a daemon with
// no transport configured (tests, single-node setups) simply cannot
// relay cross-node messages.
type Forwarder func(h wire.Header, body []byte) error

// Config holds Server's collaborators and tunables.
type Config struct {
	Self          types.PNN
	Engine        CallEngine
	Controls      Controls
	ServerIDs     ServerIDRegistrar
	Forward       Forwarder
	Remote        RemoteControls
	// Shutdown is invoked when a client sends the SHUTDOWN operation,
	// asking this daemon to terminate. Optional.
	Shutdown       func()
	CallTimeout    time.Duration
	ControlTimeout time.Duration
}

// Server is the daemon-side client-socket façade. One Server serves every
// locally attached client process.
type Server struct {
	cfg Config
	log zerolog.Logger

	ln net.Listener

	mu   sync.Mutex
	subs map[uint64]map[*clientConn]struct{}
}

// clientConn is one attached client process's connection.
type clientConn struct {
	q      *queue.Queue
	mu     sync.Mutex
	srvids map[uint64]bool
}

// New constructs a Server. Listen starts it serving.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ControlTimeout == 0 {
		cfg.ControlTimeout = 30 * time.Second
	}
	return &Server{
		cfg:  cfg,
		log:  log,
		subs: make(map[uint64]map[*clientConn]struct{}),
	}
}

// Listen binds the Unix stream socket at path, removing any stale
// socket file left behind by a prior, uncleanly-terminated daemon.
func (s *Server) Listen(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := &clientConn{srvids: make(map[uint64]bool)}
		c.q = queue.New(conn, func(buf []byte) { s.onPacket(c, buf) })
		c.q.Start()
	}
}

// Close stops accepting connections. Already-attached clients are left
// running; they observe EOF once their individual connections close.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) onPacket(c *clientConn, buf []byte) {
	if buf == nil {
		s.detach(c)
		return
	}
	pkt, err := wire.Decode(buf)
	if err != nil {
		s.log.Error().Err(err).Msg("clientserver: malformed packet, dropping connection")
		_ = c.q.Close()
		return
	}
	h := pkt.Header

	switch h.Operation {
	case wire.OpConnectWait:
		s.reply(c, h, wire.OpConnectWait, (&wire.ConnectWaitReply{PNN: s.cfg.Self}).Encode())

	case wire.OpRegister:
		req, err := wire.DecodeRegister(pkt.Body)
		if err != nil {
			return
		}
		if s.cfg.ServerIDs != nil {
			s.cfg.ServerIDs.RegisterServerID(req.PID, req.SrvID)
		}
		s.subscribe(req.SrvID, c)

	case wire.OpReqCall:
		req, err := wire.DecodeReqCall(pkt.Body)
		if err != nil {
			return
		}
		go s.handleCall(c, h, req)

	case wire.OpReqControl:
		req, err := wire.DecodeReqControl(pkt.Body)
		if err != nil {
			return
		}
		go s.handleControl(c, h, req)

	case wire.OpReqMessage:
		req, err := wire.DecodeReqMessage(pkt.Body)
		if err != nil {
			return
		}
		s.routeMessage(h, req)

	case wire.OpReqFinished:
		s.detach(c)
		_ = c.q.Close()

	case wire.OpShutdown:
		if s.cfg.Shutdown != nil {
			s.cfg.Shutdown()
		}

	default:
		s.log.Debug().Stringer("op", h.Operation).Msg("clientserver: unhandled operation")
	}
}

func (s *Server) handleCall(c *clientConn, h wire.Header, req *wire.ReqCall) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	data, status, err := s.cfg.Engine.Call(ctx, req.DBID, req.CallID, req.Key, req.CallData, req.Flags)
	if err != nil {
		s.reply(c, h, wire.OpReplyError, (&wire.ReplyError{Status: types.StatusTimeout, Msg: err.Error()}).Encode())
		return
	}
	s.reply(c, h, wire.OpReplyCall, (&wire.ReplyCall{Status: status, Data: data}).Encode())
}

func (s *Server) handleControl(c *clientConn, h wire.Header, req *wire.ReqControl) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlTimeout)
	defer cancel()

	var data []byte
	var err error
	if h.DestNode != s.cfg.Self && h.DestNode != types.CurrentNode {
		if s.cfg.Remote == nil {
			err = fmt.Errorf("clientserver: no transport to reach node %d", h.DestNode)
		} else {
			data, err = s.cfg.Remote.SendControl(ctx, h.DestNode, control.Opcode(req.Opcode), req.Data)
		}
	} else {
		data, err = s.cfg.Controls.Dispatch(ctx, control.Opcode(req.Opcode), req.SrvID, req.Data)
	}
	if req.Flags&wire.ControlNoReply != 0 {
		return
	}
	reply := wire.ReplyControl{Data: data}
	if err != nil {
		reply.Status = -1
		reply.Error = err.Error()
	}
	s.reply(c, h, wire.OpReplyControl, reply.Encode())
}

// routeMessage delivers a REQ_MESSAGE either to this node's locally
// subscribed clients (dest is this node or CurrentNode) or hands it to
// the inter-node transport.
func (s *Server) routeMessage(h wire.Header, req *wire.ReqMessage) {
	if h.DestNode != s.cfg.Self && h.DestNode != types.CurrentNode {
		if s.cfg.Forward != nil {
			_ = s.cfg.Forward(h, req.Encode())
		}
		return
	}
	s.deliverLocal(req.SrvID, req.Data)
}

// DeliverMessage is called by the daemon's inter-node transport when a
// REQ_MESSAGE addressed to this node arrives from a peer, so it reaches
// the same locally-subscribed clients a client-originated message would.
func (s *Server) DeliverMessage(srvID uint64, data []byte) {
	s.deliverLocal(srvID, data)
}

func (s *Server) deliverLocal(srvID uint64, data []byte) {
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.subs[srvID]))
	for c := range s.subs[srvID] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	body := (&wire.ReqMessage{SrvID: srvID, Data: data}).Encode()
	for _, c := range targets {
		h := wire.Header{Operation: wire.OpReqMessage, DestNode: types.CurrentNode, SrcNode: s.cfg.Self}
		_ = c.q.Send(wire.Encode(h, body))
	}
}

func (s *Server) subscribe(srvID uint64, c *clientConn) {
	c.mu.Lock()
	c.srvids[srvID] = true
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[srvID] == nil {
		s.subs[srvID] = make(map[*clientConn]struct{})
	}
	s.subs[srvID][c] = struct{}{}
}

func (s *Server) detach(c *clientConn) {
	c.mu.Lock()
	srvids := make([]uint64, 0, len(c.srvids))
	for id := range c.srvids {
		srvids = append(srvids, id)
	}
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range srvids {
		delete(s.subs[id], c)
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	}
}

func (s *Server) reply(c *clientConn, h wire.Header, op wire.Op, body []byte) {
	rh := wire.Header{Operation: op, Generation: h.Generation, DestNode: types.CurrentNode, SrcNode: s.cfg.Self, ReqID: h.ReqID}
	_ = c.q.Send(wire.Encode(rh, body))
}
