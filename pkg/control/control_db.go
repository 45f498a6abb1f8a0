package control

import (
	"context"
	"fmt"

	"github.com/ctdbcore/ctdb/pkg/calldb"
)

// DBProvider is the database-set operations GETDBMAP/GETDBPATH/DBATTACH
// need.
type DBProvider interface {
	Databases() []*calldb.DB
	GetDB(dbID uint32) (*calldb.DB, bool)
	Attach(name string, persistent bool, priority int) (*calldb.DB, error)
}

// DBMapEntryDTO describes one attached database on GETDBMAP.
type DBMapEntryDTO struct {
	DBID       uint32 `json:"dbid"`
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Priority   int    `json:"priority"`
	Health     string `json:"health"`
}

// AttachReqDTO/AttachReplyDTO carry the client's attach-by-name request
// — the daemon answers with the db_id and backing file path.
type AttachReqDTO struct {
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Priority   int    `json:"priority"`
}

type AttachReplyDTO struct {
	DBID uint32 `json:"dbid"`
	Path string `json:"path"`
}

// RegisterDBControls installs GETDBMAP, GETDBPATH and DBATTACH against p.
func RegisterDBControls(reg *Registry, p DBProvider) {
	reg.Register(OpGetDBMap, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		dbs := p.Databases()
		out := make([]DBMapEntryDTO, len(dbs))
		for i, db := range dbs {
			out[i] = DBMapEntryDTO{
				DBID: db.ID(), Name: db.Name(), Persistent: db.Persistent(),
				Priority: db.Priority(), Health: db.Health().String(),
			}
		}
		return encode(out)
	})

	reg.Register(OpGetDBPath, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req struct {
			DBID uint32 `json:"dbid"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		db, ok := p.GetDB(req.DBID)
		if !ok {
			return nil, fmt.Errorf("control: getdbpath: unknown database %d", req.DBID)
		}
		return encode(struct {
			Path string `json:"path"`
		}{Path: db.Path()})
	})

	reg.Register(OpDBAttach, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req AttachReqDTO
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.Priority == 0 {
			req.Priority = 1
		}
		db, err := p.Attach(req.Name, req.Persistent, req.Priority)
		if err != nil {
			return nil, err
		}
		return encode(AttachReplyDTO{DBID: db.ID(), Path: db.Path()})
	})
}
