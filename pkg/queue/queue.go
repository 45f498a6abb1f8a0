// Package queue implements the length-prefixed, non-blocking framed I/O
// layer that both the inter-node transport and the local client socket run
// over. A Queue wraps one connection, delivers whole
// packets to a callback in arrival order, and buffers outgoing packets
// while a write is in progress. A Send on an idle queue writes inline on
// the caller's goroutine, so that first write can block on a slow peer.
package queue

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ctdbcore/ctdb/pkg/wire"
)

// lengthPrefixLen is the size of the length field every packet begins
// with (wire.Header's first 4 bytes); a Queue only needs to know this
// much to find packet boundaries — it does not otherwise interpret the
// header.
const lengthPrefixLen = 4

// DefaultMaxQueueDropDepth is the default backpressure threshold:
// message-type packets queued beyond this depth cause the connection to
// be dropped rather than let the buffer grow unbounded.
const DefaultMaxQueueDropDepth = 1000

// OnPacket is invoked with each complete inbound packet, in arrival
// order. A nil buf signals connection loss.
type OnPacket func(buf []byte)

// Queue wraps one net.Conn and offers Send plus a read callback.
type Queue struct {
	conn     net.Conn
	onPacket OnPacket

	maxDropDepth int

	mu       sync.Mutex
	pending  [][]byte
	writing  bool
	closed   bool
	depth    int32
	sendOnce sync.Once
	deadOnce sync.Once
}

// New creates a Queue over conn. Call Start to begin reading.
func New(conn net.Conn, onPacket OnPacket) *Queue {
	return &Queue{
		conn:         conn,
		onPacket:     onPacket,
		maxDropDepth: DefaultMaxQueueDropDepth,
	}
}

// SetMaxDropDepth overrides DefaultMaxQueueDropDepth.
func (q *Queue) SetMaxDropDepth(n int) { q.maxDropDepth = n }

// Depth returns the number of packets currently buffered for write.
func (q *Queue) Depth() int {
	return int(atomic.LoadInt32(&q.depth))
}

// Start launches the read loop in its own goroutine. The read loop
// delivers each complete packet to onPacket synchronously and in order,
// matching the "packets on a given connection are processed strictly in
// arrival order" ordering rule.
func (q *Queue) Start() {
	go q.readLoop()
}

func (q *Queue) readLoop() {
	var hdr [lengthPrefixLen]byte
	for {
		if _, err := io.ReadFull(q.conn, hdr[:]); err != nil {
			q.die()
			return
		}
		length := binary.LittleEndian.Uint32(hdr[:])
		if length < wire.HeaderLen {
			q.die()
			return
		}
		buf := make([]byte, length)
		copy(buf, hdr[:])
		if _, err := io.ReadFull(q.conn, buf[lengthPrefixLen:]); err != nil {
			q.die()
			return
		}
		q.onPacket(buf)
	}
}

func (q *Queue) die() {
	q.deadOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		_ = q.conn.Close()
		q.onPacket(nil)
	})
}

// messagePacket reports whether buf is tagged as message-class traffic
// for backpressure purposes.
// Control and call traffic are exempt from the drop threshold — they
// either complete or are failed by a timeout.
func messagePacket(buf []byte) bool {
	if len(buf) < wire.HeaderLen {
		return false
	}
	op := wire.Op(binary.LittleEndian.Uint32(buf[16:20]))
	return op == wire.OpReqMessage
}

// Send enqueues a fully encoded packet (as produced by wire.Encode) for
// delivery. If the queue is currently idle, the write is attempted inline
// on this goroutine (single-syscall fast path); otherwise it is appended
// to the pending FIFO and the writer goroutine is (re)armed.
func (q *Queue) Send(buf []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return io.ErrClosedPipe
	}

	if messagePacket(buf) && len(q.pending) >= q.maxDropDepth {
		q.mu.Unlock()
		q.die()
		return ErrQueueFull
	}

	if q.writing || len(q.pending) > 0 {
		q.pending = append(q.pending, buf)
		atomic.AddInt32(&q.depth, 1)
		q.mu.Unlock()
		return nil
	}

	q.writing = true
	q.mu.Unlock()

	if _, err := q.conn.Write(buf); err != nil {
		q.mu.Lock()
		q.writing = false
		q.mu.Unlock()
		q.die()
		return err
	}

	q.mu.Lock()
	q.writing = false
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(rest) > 0 {
		go q.drain(rest)
	}
	return nil
}

func (q *Queue) drain(first [][]byte) {
	q.mu.Lock()
	q.writing = true
	q.mu.Unlock()

	pending := first
	for {
		for _, buf := range pending {
			if _, err := q.conn.Write(buf); err != nil {
				q.die()
				q.mu.Lock()
				q.writing = false
				atomic.StoreInt32(&q.depth, 0)
				q.mu.Unlock()
				return
			}
			atomic.AddInt32(&q.depth, -1)
		}
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.writing = false
			q.mu.Unlock()
			return
		}
		pending = q.pending
		q.pending = nil
		q.mu.Unlock()
	}
}

// Close closes the underlying connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.conn.Close()
}
