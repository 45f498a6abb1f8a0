package control

import "context"

// TunableProvider backs TUNABLE_GET/TUNABLE_SET/TUNABLE_LIST — the
// daemon's runtime-adjustable knobs (MaxRedirectCount, MaxLACount, the
// vacuum interval, the repack limit, …).
type TunableProvider interface {
	GetTunable(name string) (uint32, bool)
	SetTunable(name string, value uint32) bool
	ListTunables() map[string]uint32
}

// LogProvider backs GET_LOG/CLEAR_LOG against the daemon's log ring.
type LogProvider interface {
	GetLog(limit int) []string
	ClearLog()
}

// DebugProvider backs SETDEBUG/GETDEBUG, adjusting the daemon's log
// level at runtime.
type DebugProvider interface {
	SetDebugLevel(level string) error
	DebugLevel() string
}

// RegisterDebugControls installs SETDEBUG and GETDEBUG against dp.
func RegisterDebugControls(reg *Registry, dp DebugProvider) {
	reg.Register(OpSetDebug, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			Level string `json:"level"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, dp.SetDebugLevel(req.Level)
	})
	reg.Register(OpGetDebug, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		return encode(struct {
			Level string `json:"level"`
		}{Level: dp.DebugLevel()})
	})
}

// NotifyProvider backs REGISTER_NOTIFY/DEREGISTER_NOTIFY: clients ask to
// be told about cluster events (recovery start/finish, node flag
// changes) out of band via REQ_MESSAGE.
type NotifyProvider interface {
	RegisterNotify(srvID uint64)
	DeregisterNotify(srvID uint64)
}

// StatisticsDTO answers STATISTICS.
type StatisticsDTO struct {
	MaxHopCount     uint64 `json:"max_hop_count"`
	ReqIDsInFlight  int    `json:"reqids_in_flight"`
	LockPending     int    `json:"lock_pending"`
	RecoveryCount   uint64 `json:"recovery_count"`
}

// StatsProvider backs STATISTICS.
type StatsProvider interface {
	Statistics() StatisticsDTO
}

// IPProvider backs TAKEOVER_IP/RELEASE_IP. The actual interface
// manipulation belongs to the external public-IP takeover planner; this
// only records acceptance of the request and hands off to the configured
// implementation.
type IPProvider interface {
	TakeoverIP(addr string) error
	ReleaseIP(addr string) error
}

// ServerIDProvider backs REGISTER_SERVER_ID/PROCESS_EXISTS, used by
// clients to advertise a (pnn, pid, srvid) triple so other nodes can
// check liveness without a direct connection to that process.
type ServerIDProvider interface {
	RegisterServerID(pid uint32, srvID uint64)
	ProcessExists(pid uint32) bool
}

// EventScriptRunner backs RUN_EVENTSCRIPTS. Eventscript execution is an
// external collaborator; this control only forwards the request to it.
type EventScriptRunner interface {
	RunEventScripts(ctx context.Context, event string) error
}

// RegisterMiscControls installs TUNABLE_*, GET_LOG/CLEAR_LOG,
// REGISTER_NOTIFY/DEREGISTER_NOTIFY, STATISTICS, TAKEOVER_IP/RELEASE_IP,
// REGISTER_SERVER_ID/PROCESS_EXISTS and RUN_EVENTSCRIPTS. Any provider
// may be nil, in which case its opcodes are left unregistered (a daemon
// that has no IP-takeover hooks configured simply answers
// ErrUnknownOpcode for TAKEOVER_IP, rather than panicking at wiring
// time).
func RegisterMiscControls(reg *Registry, tp TunableProvider, lp LogProvider, np NotifyProvider, sp StatsProvider, ip IPProvider, sid ServerIDProvider, ev EventScriptRunner) {
	if tp != nil {
		reg.Register(OpTunableGet, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				Name string `json:"name"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			v, ok := tp.GetTunable(req.Name)
			return encode(struct {
				Value uint32 `json:"value"`
				Found bool   `json:"found"`
			}{Value: v, Found: ok})
		})
		reg.Register(OpTunableSet, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				Name  string `json:"name"`
				Value uint32 `json:"value"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			tp.SetTunable(req.Name, req.Value)
			return nil, nil
		})
		reg.Register(OpTunableList, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			return encode(tp.ListTunables())
		})
	}

	if lp != nil {
		reg.Register(OpGetLog, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				Limit int `json:"limit"`
			}
			_ = decode(data, &req)
			if req.Limit <= 0 {
				req.Limit = 100
			}
			return encode(lp.GetLog(req.Limit))
		})
		reg.Register(OpClearLog, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			lp.ClearLog()
			return nil, nil
		})
	}

	if np != nil {
		reg.Register(OpRegisterNotify, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			np.RegisterNotify(srvID)
			return nil, nil
		})
		reg.Register(OpDeregisterNotify, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			np.DeregisterNotify(srvID)
			return nil, nil
		})
	}

	if sp != nil {
		reg.Register(OpStatistics, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			return encode(sp.Statistics())
		})
	}

	if ip != nil {
		reg.Register(OpTakeoverIP, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				Addr string `json:"addr"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return nil, ip.TakeoverIP(req.Addr)
		})
		reg.Register(OpReleaseIP, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				Addr string `json:"addr"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return nil, ip.ReleaseIP(req.Addr)
		})
	}

	if sid != nil {
		reg.Register(OpRegisterServerID, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				PID uint32 `json:"pid"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			sid.RegisterServerID(req.PID, srvID)
			return nil, nil
		})
		reg.Register(OpProcessExists, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				PID uint32 `json:"pid"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return encode(struct {
				Exists bool `json:"exists"`
			}{Exists: sid.ProcessExists(req.PID)})
		})
	}

	if ev != nil {
		reg.Register(OpRunEventScripts, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
			var req struct {
				Event string `json:"event"`
			}
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return nil, ev.RunEventScripts(ctx, req.Event)
		})
	}
}
