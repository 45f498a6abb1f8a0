package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"unicode"

	"github.com/ctdbcore/ctdb/pkg/client"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/recovery"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/spf13/cobra"
)

func init() {
	attachCmd.Flags().Bool("persistent", false, "Attach as a persistent database")
	attachCmd.Flags().Int("priority", 1, "Database priority")

	rootCmd.AddCommand(getdbmapCmd)
	rootCmd.AddCommand(getdbpathCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(catdbCmd)
	rootCmd.AddCommand(wipedbCmd)
	rootCmd.AddCommand(backupdbCmd)
	rootCmd.AddCommand(restoredbCmd)
}

// dbByName resolves a database name (or decimal/hex id) to its GETDBMAP
// entry.
func dbByName(ctx context.Context, c *client.Client, dest types.PNN, name string) (control.DBMapEntryDTO, error) {
	var dbs []control.DBMapEntryDTO
	if err := controlJSON(ctx, c, dest, control.OpGetDBMap, nil, &dbs); err != nil {
		return control.DBMapEntryDTO{}, err
	}
	for _, db := range dbs {
		if db.Name == name {
			return db, nil
		}
	}
	if id, err := strconv.ParseUint(name, 0, 32); err == nil {
		for _, db := range dbs {
			if db.DBID == uint32(id) {
				return db, nil
			}
		}
	}
	return control.DBMapEntryDTO{}, failf("no attached database named %q", name)
}

var getdbmapCmd = &cobra.Command{
	Use:   "getdbmap",
	Short: "List the target node's attached databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var dbs []control.DBMapEntryDTO
			if err := controlJSON(ctx, c, dest, control.OpGetDBMap, nil, &dbs); err != nil {
				return err
			}
			fmt.Printf("Number of databases:%d\n", len(dbs))
			for _, db := range dbs {
				persistent := ""
				if db.Persistent {
					persistent = " PERSISTENT"
				}
				fmt.Printf("dbid:0x%08x name:%s priority:%d health:%s%s\n",
					db.DBID, db.Name, db.Priority, db.Health, persistent)
			}
			return nil
		})
	},
}

var getdbpathCmd = &cobra.Command{
	Use:   "getdbpath <dbname>",
	Short: "Print a database's backing file path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			db, err := dbByName(ctx, c, dest, args[0])
			if err != nil {
				return err
			}
			req := struct {
				DBID uint32 `json:"dbid"`
			}{DBID: db.DBID}
			var rep struct {
				Path string `json:"path"`
			}
			if err := controlJSON(ctx, c, dest, control.OpGetDBPath, req, &rep); err != nil {
				return err
			}
			fmt.Println(rep.Path)
			return nil
		})
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <dbname>",
	Short: "Attach a database by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		persistent, _ := cmd.Flags().GetBool("persistent")
		priority, _ := cmd.Flags().GetInt("priority")
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := control.AttachReqDTO{Name: args[0], Persistent: persistent, Priority: priority}
			var rep control.AttachReplyDTO
			if err := controlJSON(ctx, c, dest, control.OpDBAttach, req, &rep); err != nil {
				return err
			}
			fmt.Printf("dbid:0x%08x path:%s\n", rep.DBID, rep.Path)
			return nil
		})
	},
}

// pullRecords fetches every record of a database from the target node in
// the same framed blob recovery ships between nodes.
func pullRecords(ctx context.Context, c *client.Client, dest types.PNN, dbid uint32) ([]recovery.Record, error) {
	req := struct {
		DBID       uint32 `json:"dbid"`
		ForLMaster int32  `json:"for_lmaster"`
	}{DBID: dbid, ForLMaster: int32(types.InvalidPNN)}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, failf("pulldb: %v", err)
	}
	blob, err := c.Control(ctx, dest, control.OpPullDB, payload)
	if err != nil {
		return nil, failf("pulldb: %v", err)
	}
	recs, err := recovery.DecodeBlob(blob)
	if err != nil {
		return nil, failf("pulldb: %v", err)
	}
	return recs, nil
}

var catdbCmd = &cobra.Command{
	Use:   "catdb <dbname>",
	Short: "Dump every record of a database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			db, err := dbByName(ctx, c, dest, args[0])
			if err != nil {
				return err
			}
			recs, err := pullRecords(ctx, c, dest, db.DBID)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Printf("key(%d) = %s\n", len(r.Key), printable(r.Key))
				fmt.Printf("dmaster: %d\n", r.Header.DMaster)
				fmt.Printf("rsn: %d\n", r.Header.RSN)
				fmt.Printf("data(%d) = %s\n\n", len(r.Value), printable(r.Value))
			}
			fmt.Printf("Dumped %d records\n", len(recs))
			return nil
		})
	},
}

// printable renders bytes like the classic tdbdump output: runs of
// printable ASCII verbatim, everything else hex-escaped.
func printable(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x80 && unicode.IsPrint(rune(c)) {
			out = append(out, c)
		} else {
			out = append(out, []byte(fmt.Sprintf("\\%02X", c))...)
		}
	}
	return string(out)
}

// withFrozen freezes priority on the target node, runs fn, and thaws.
// The wipe/push controls only write through the whole-database
// transaction a freeze holds open, and thawing commits it.
func withFrozen(ctx context.Context, c *client.Client, dest types.PNN, priority int, fn func() error) error {
	req := struct {
		Priority int `json:"priority"`
	}{Priority: priority}
	if err := controlJSON(ctx, c, dest, control.OpFreeze, req, nil); err != nil {
		return err
	}
	defer func() {
		_ = controlJSON(ctx, c, dest, control.OpThaw, req, nil)
	}()
	return fn()
}

var wipedbCmd = &cobra.Command{
	Use:   "wipedb <dbname>",
	Short: "Delete every record of a database on the target node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			db, err := dbByName(ctx, c, dest, args[0])
			if err != nil {
				return err
			}
			var st control.StatusDTO
			if err := controlJSON(ctx, c, dest, control.OpStatus, nil, &st); err != nil {
				return err
			}
			return withFrozen(ctx, c, dest, db.Priority, func() error {
				req := struct {
					DBID       uint32 `json:"dbid"`
					Generation uint32 `json:"generation"`
				}{DBID: db.DBID, Generation: st.Generation + 1}
				return controlJSON(ctx, c, dest, control.OpWipeDB, req, nil)
			})
		})
	},
}

// backupFile is the on-disk envelope backupdb writes and restoredb reads.
type backupFile struct {
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Priority   int    `json:"priority"`
	Blob       []byte `json:"blob"`
}

var backupdbCmd = &cobra.Command{
	Use:   "backupdb <dbname> <file>",
	Short: "Save a database's records to a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			db, err := dbByName(ctx, c, dest, args[0])
			if err != nil {
				return err
			}
			recs, err := pullRecords(ctx, c, dest, db.DBID)
			if err != nil {
				return err
			}
			out, err := json.Marshal(backupFile{
				Name:       db.Name,
				Persistent: db.Persistent,
				Priority:   db.Priority,
				Blob:       recovery.EncodeBlob(recs),
			})
			if err != nil {
				return failf("backupdb: %v", err)
			}
			if err := os.WriteFile(args[1], out, 0o600); err != nil {
				return failf("backupdb: %v", err)
			}
			fmt.Printf("Database backed up to %s (%d records)\n", args[1], len(recs))
			return nil
		})
	},
}

var restoredbCmd = &cobra.Command{
	Use:   "restoredb <file> [dbname]",
	Short: "Restore a database from a backupdb file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return failf("restoredb: %v", err)
		}
		var backup backupFile
		if err := json.Unmarshal(raw, &backup); err != nil {
			return failf("restoredb: bad backup file: %v", err)
		}
		if len(args) == 2 {
			backup.Name = args[1]
		}
		if backup.Priority == 0 {
			backup.Priority = 1
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			attach := control.AttachReqDTO{Name: backup.Name, Persistent: backup.Persistent, Priority: backup.Priority}
			var rep control.AttachReplyDTO
			if err := controlJSON(ctx, c, dest, control.OpDBAttach, attach, &rep); err != nil {
				return err
			}
			var st control.StatusDTO
			if err := controlJSON(ctx, c, dest, control.OpStatus, nil, &st); err != nil {
				return err
			}
			err := withFrozen(ctx, c, dest, attach.Priority, func() error {
				wipe := struct {
					DBID       uint32 `json:"dbid"`
					Generation uint32 `json:"generation"`
				}{DBID: rep.DBID, Generation: st.Generation + 1}
				if err := controlJSON(ctx, c, dest, control.OpWipeDB, wipe, nil); err != nil {
					return err
				}
				push := struct {
					DBID uint32 `json:"dbid"`
					Blob []byte `json:"blob"`
				}{DBID: rep.DBID, Blob: backup.Blob}
				return controlJSON(ctx, c, dest, control.OpPushDB, push, nil)
			})
			if err != nil {
				return err
			}
			// A recovery renormalizes every restored header (fresh rsn,
			// recomputed dmaster) and replicates the contents cluster-wide.
			if err := forceRecovery(ctx, c, dest); err != nil {
				return err
			}
			recs, _ := recovery.DecodeBlob(backup.Blob)
			fmt.Printf("Database %s restored (%d records)\n", backup.Name, len(recs))
			return nil
		})
	},
}
