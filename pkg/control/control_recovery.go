package control

import (
	"context"

	"github.com/ctdbcore/ctdb/pkg/types"
)

// FreezeProvider is the per-priority freeze/thaw operations FREEZE/THAW
// need.
type FreezeProvider interface {
	Freeze(priority int) error
	Thaw(priority int)
}

// RecoveryDataProvider is the per-database bulk operations the recovery
// coordinator drives on every node during its pull/push/wipe/set-dmaster
// sequence.
type RecoveryDataProvider interface {
	// PullRecords marshals every record in dbID whose lmaster is
	// forLMaster (every record when forLMaster is types.InvalidPNN) into
	// the wire blob format pkg/recovery defines.
	PullRecords(dbID uint32, forLMaster types.PNN) ([]byte, error)
	// PushRecords replaces dbID's contents with the merged blob.
	PushRecords(dbID uint32, blob []byte) error
	// WipeDatabase empties dbID, rejecting the request if generation is
	// stale, so a wipe left over from an aborted recovery cannot erase
	// data a later recovery already committed.
	WipeDatabase(dbID uint32, generation types.Generation) error
	// SetDMasters answers SETDMASTER for dbID with blob. pkg/recovery's
	// implementation does nothing, since the PUSHDB blob already carries
	// every record's post-recovery dmaster.
	SetDMasters(dbID uint32, blob []byte) error
}

// RecModeProvider is GETRECMODE/SETRECMODE.
type RecModeProvider interface {
	RecoveryMode() types.RecoveryMode
	SetRecoveryMode(types.RecoveryMode)
}

// RegisterFreezeControls installs FREEZE and THAW against fp.
func RegisterFreezeControls(reg *Registry, fp FreezeProvider) {
	reg.Register(OpFreeze, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			Priority int `json:"priority"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, fp.Freeze(req.Priority)
	})

	reg.Register(OpThaw, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			Priority int `json:"priority"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		fp.Thaw(req.Priority)
		return nil, nil
	})
}

// RegisterRecoveryDataControls installs PULLDB, PUSHDB, WIPEDB,
// SETDMASTER, GETRECMODE and SETRECMODE.
func RegisterRecoveryDataControls(reg *Registry, rp RecoveryDataProvider, rm RecModeProvider) {
	reg.Register(OpPullDB, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			DBID       uint32 `json:"dbid"`
			ForLMaster int32  `json:"for_lmaster"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return rp.PullRecords(req.DBID, types.PNN(req.ForLMaster))
	})

	reg.Register(OpPushDB, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			DBID uint32 `json:"dbid"`
			Blob []byte `json:"blob"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, rp.PushRecords(req.DBID, req.Blob)
	})

	reg.Register(OpWipeDB, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			DBID       uint32 `json:"dbid"`
			Generation uint32 `json:"generation"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, rp.WipeDatabase(req.DBID, types.Generation(req.Generation))
	})

	reg.Register(OpSetDMaster, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			DBID uint32 `json:"dbid"`
			Blob []byte `json:"blob"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, rp.SetDMasters(req.DBID, req.Blob)
	})

	reg.Register(OpGetRecMode, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		return encode(struct {
			Mode string `json:"mode"`
		}{Mode: rm.RecoveryMode().String()})
	})

	reg.Register(OpSetRecMode, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			Active bool `json:"active"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.Active {
			rm.SetRecoveryMode(types.RecoveryModeActive)
		} else {
			rm.SetRecoveryMode(types.RecoveryModeNormal)
		}
		return nil, nil
	})
}
