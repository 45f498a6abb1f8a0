package control

import (
	"context"

	"github.com/ctdbcore/ctdb/pkg/calldb"
)

// DBResolver looks a database up by id; DBProvider already satisfies this.
type DBResolver interface {
	GetDB(dbID uint32) (*calldb.DB, bool)
}

// VacuumProvider runs the receiving side of CTDB_CONTROL_DELETE_RECORD
//: a node's vacuum pass asks every node holding a copy of
// an empty record to drop it. *vacuum.Engine satisfies this.
type VacuumProvider interface {
	HandleDeleteRecord(db *calldb.DB, key []byte, rsn uint64)
}

// DeleteRecordReqDTO is DELETE_RECORD's request payload, exported so
// pkg/vacuum's cross-node Broadcaster can encode it without control
// needing to know anything about how vacuum picks its targets.
type DeleteRecordReqDTO struct {
	DBID uint32 `json:"db_id"`
	Key  []byte `json:"key"`
	RSN  uint64 `json:"rsn"`
}

// EncodeDeleteRecordRequest builds a DELETE_RECORD request payload.
func EncodeDeleteRecordRequest(dbID uint32, key []byte, rsn uint64) ([]byte, error) {
	return encode(DeleteRecordReqDTO{DBID: dbID, Key: key, RSN: rsn})
}

// RegisterVacuumControls installs DELETE_RECORD, resolving the target
// database through resolver before handing the request to vp.
func RegisterVacuumControls(reg *Registry, vp VacuumProvider, resolver DBResolver) {
	reg.Register(OpDeleteRecord, func(ctx context.Context, srvID uint64, data []byte) ([]byte, error) {
		var req DeleteRecordReqDTO
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		db, ok := resolver.GetDB(req.DBID)
		if !ok {
			return nil, nil
		}
		vp.HandleDeleteRecord(db, req.Key, req.RSN)
		return nil, nil
	})
}
