package control

import (
	"context"
	"runtime"
	"sync"
)

// tickleEntry mirrors one (src, dst) TCP connection 4-tuple ctdbd tracks
// so a takeover node can send a "tickle ACK" reviving a client's
// connection after its public IP moves. The actual packet injection is
// the external takeover planner's job; this control only maintains the
// list.
type tickleEntry struct {
	SrcAddr string `json:"src_addr"`
	DstAddr string `json:"dst_addr"`
}

// TickleStore is an in-memory GET_TCP_TICKLE_LIST/SET_TCP_TICKLE_LIST
// backend, keyed by the public IP the tickles are tracked for.
type TickleStore struct {
	mu      sync.Mutex
	tickles map[string][]tickleEntry
}

// NewTickleStore creates an empty TickleStore.
func NewTickleStore() *TickleStore {
	return &TickleStore{tickles: make(map[string][]tickleEntry)}
}

// RegisterTickleControls installs GET_TCP_TICKLE_LIST, SET_TCP_TICKLE_LIST
// and DUMP_MEMORY. DUMP_MEMORY reports Go runtime heap stats in place of
// a process-level allocator report.
func RegisterTickleControls(reg *Registry, ts *TickleStore) {
	reg.Register(OpGetTCPTickleList, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			Addr string `json:"addr"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return encode(ts.tickles[req.Addr])
	})

	reg.Register(OpSetTCPTickleList, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			Addr    string        `json:"addr"`
			Tickles []tickleEntry `json:"tickles"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.tickles[req.Addr] = req.Tickles
		return nil, nil
	})

	reg.Register(OpDumpMemory, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return encode(struct {
			HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
			HeapObjects    uint64 `json:"heap_objects"`
			NumGoroutine   int    `json:"num_goroutine"`
		}{HeapAllocBytes: m.HeapAlloc, HeapObjects: m.HeapObjects, NumGoroutine: runtime.NumGoroutine()})
	})
}
