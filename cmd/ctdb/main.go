// Command ctdb is the cluster administration tool: it connects to the
// local daemon's client socket and drives the control plane — cluster
// status, vnn_map inspection, freeze/thaw, recovery, database
// management, tunables and log retrieval.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ctdbcore/ctdb/pkg/client"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// Exit codes, stable for scripting.
const (
	exitOK           = 0
	exitFailed       = 10
	exitTimeout      = 20
	exitUnknownNode  = 21
	exitDisconnected = 22
)

// exitError carries a specific exit code out of a RunE.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func failf(format string, args ...interface{}) error {
	return exitError{code: exitFailed, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := exitFailed
		var ee exitError
		if errors.As(err, &ee) {
			code = ee.code
		} else if errors.Is(err, context.DeadlineExceeded) {
			code = exitTimeout
		}
		os.Exit(code)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ctdb",
	Short:         "ctdb - clustered transactional database administration",
	Long:          `ctdb talks to the local ctdbd over its client socket and administers the cluster: status, node management, freeze/thaw, recovery, database inspection and tunables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ctdb version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("socket", defaultSocket(), "Path to the daemon's client socket")
	rootCmd.PersistentFlags().IntP("node", "n", -1, "Target node pnn (default: the local node)")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Per-command timeout")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pnnCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(listnodesCmd)
	rootCmd.AddCommand(getvnnmapCmd)
	rootCmd.AddCommand(setvnnmapCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(thawCmd)
	rootCmd.AddCommand(getrecmodeCmd)
	rootCmd.AddCommand(setrecmodeCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(banCmd)
	rootCmd.AddCommand(unbanCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(statisticsCmd)
	rootCmd.AddCommand(shutdownCmd)
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the local daemon to terminate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			return c.Shutdown()
		})
	},
}

func defaultSocket() string {
	if s := os.Getenv("CTDB_SOCKET"); s != "" {
		return s
	}
	return filepath.Join(os.TempDir(), "ctdb.socket")
}

// withClient dials the daemon, resolves the -n target, and runs fn with
// a context bounded by --timeout. The returned pnn is types.CurrentNode
// unless -n named a node, in which case it has been validated against
// the daemon's node map (unknown and disconnected nodes get their own
// exit codes).
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, dest types.PNN) error) error {
	socket, _ := cmd.Flags().GetString("socket")
	node, _ := cmd.Flags().GetInt("node")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := client.Dial(ctx, socket)
	if err != nil {
		return failf("connect to %s: %v", socket, err)
	}
	defer c.Close()

	dest := types.CurrentNode
	if node >= 0 {
		dest, err = resolveNode(ctx, c, types.PNN(node))
		if err != nil {
			return err
		}
	}

	err = fn(ctx, c, dest)
	if errors.Is(err, context.DeadlineExceeded) {
		return exitError{code: exitTimeout, err: fmt.Errorf("timed out after %s", timeout)}
	}
	return err
}

func resolveNode(ctx context.Context, c *client.Client, pnn types.PNN) (types.PNN, error) {
	raw, err := c.Control(ctx, types.CurrentNode, control.OpGetNodeMap, nil)
	if err != nil {
		return 0, failf("getnodemap: %v", err)
	}
	var nodes []control.NodeDTO
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return 0, failf("getnodemap: %v", err)
	}
	for _, n := range nodes {
		if types.PNN(n.PNN) != pnn {
			continue
		}
		if !types.NodeFlags(n.Flags).Connected() {
			return 0, exitError{code: exitDisconnected, err: fmt.Errorf("node %d is disconnected", pnn)}
		}
		return pnn, nil
	}
	return 0, exitError{code: exitUnknownNode, err: fmt.Errorf("no node with pnn %d", pnn)}
}

// controlJSON issues a control with a JSON payload and unmarshals the
// reply into out (skipped when out is nil).
func controlJSON(ctx context.Context, c *client.Client, dest types.PNN, op control.Opcode, req, out interface{}) error {
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return failf("%s: %v", op, err)
		}
	}
	raw, err := c.Control(ctx, dest, op, payload)
	if err != nil {
		return failf("%s: %v", op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return failf("%s: decode reply: %v", op, err)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster status as seen by the target node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var st control.StatusDTO
			if err := controlJSON(ctx, c, dest, control.OpStatus, nil, &st); err != nil {
				return err
			}
			var nodes []control.NodeDTO
			if err := controlJSON(ctx, c, dest, control.OpGetNodeMap, nil, &nodes); err != nil {
				return err
			}
			fmt.Printf("Number of nodes:%d\n", st.NumNodes)
			for _, n := range nodes {
				fmt.Printf("pnn:%d %-21s %s%s\n", n.PNN, n.Address,
					flagString(types.NodeFlags(n.Flags)),
					mark(types.PNN(n.PNN) == types.PNN(st.PNN), " (THIS NODE)"))
			}
			fmt.Printf("Generation:%d\n", st.Generation)
			fmt.Printf("Recovery mode:%s\n", st.RecoveryMode)
			return nil
		})
	},
}

func mark(cond bool, s string) string {
	if cond {
		return s
	}
	return ""
}

func flagString(f types.NodeFlags) string {
	switch {
	case f&types.NodeFlagBanned != 0:
		return "BANNED"
	case f&types.NodeFlagStopped != 0:
		return "STOPPED"
	case f&types.NodeFlagDisconnected != 0:
		return "DISCONNECTED"
	case f&types.NodeFlagUnhealthy != 0:
		return "UNHEALTHY"
	default:
		return "OK"
	}
}

var pnnCmd = &cobra.Command{
	Use:   "pnn",
	Short: "Print the local node's physical node number",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			fmt.Printf("PNN:%d\n", c.PNN())
			return nil
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip a no-op control to the target node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			start := time.Now()
			if err := controlJSON(ctx, c, dest, control.OpPing, nil, nil); err != nil {
				return err
			}
			fmt.Printf("response from %d time=%.6f sec\n", destOrSelf(dest, c), time.Since(start).Seconds())
			return nil
		})
	},
}

func destOrSelf(dest types.PNN, c *client.Client) types.PNN {
	if dest == types.CurrentNode {
		return c.PNN()
	}
	return dest
}

var listnodesCmd = &cobra.Command{
	Use:   "listnodes",
	Short: "List every node's address",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var nodes []control.NodeDTO
			if err := controlJSON(ctx, c, dest, control.OpGetNodeMap, nil, &nodes); err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Println(n.Address)
			}
			return nil
		})
	},
}

var getvnnmapCmd = &cobra.Command{
	Use:   "getvnnmap",
	Short: "Print the target node's vnn_map",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var vm control.VNNMapDTO
			if err := controlJSON(ctx, c, dest, control.OpGetVNNMap, nil, &vm); err != nil {
				return err
			}
			fmt.Printf("Size:%d\n", len(vm.Map))
			for i, pnn := range vm.Map {
				fmt.Printf("hash:%d lmaster:%d\n", i, pnn)
			}
			fmt.Printf("Generation:%d\n", vm.Generation)
			return nil
		})
	},
}

var setvnnmapCmd = &cobra.Command{
	Use:   "setvnnmap <generation> <lmaster>...",
	Short: "Install a vnn_map on the target node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return failf("bad generation %q: %v", args[0], err)
		}
		lmasters := make([]int32, 0, len(args)-1)
		for _, a := range args[1:] {
			pnn, err := strconv.ParseInt(a, 10, 32)
			if err != nil {
				return failf("bad pnn %q: %v", a, err)
			}
			lmasters = append(lmasters, int32(pnn))
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := control.VNNMapDTO{Generation: uint32(gen), Map: lmasters}
			return controlJSON(ctx, c, dest, control.OpSetVNNMap, req, nil)
		})
	},
}

var freezeCmd = &cobra.Command{
	Use:   "freeze [priority]",
	Short: "Freeze all databases at a priority (default: every priority)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priorities, err := priorityArgs(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			for _, p := range priorities {
				req := struct {
					Priority int `json:"priority"`
				}{Priority: p}
				if err := controlJSON(ctx, c, dest, control.OpFreeze, req, nil); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var thawCmd = &cobra.Command{
	Use:   "thaw [priority]",
	Short: "Thaw all databases at a priority (default: every priority)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priorities, err := priorityArgs(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			for _, p := range priorities {
				req := struct {
					Priority int `json:"priority"`
				}{Priority: p}
				if err := controlJSON(ctx, c, dest, control.OpThaw, req, nil); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func priorityArgs(args []string) ([]int, error) {
	if len(args) == 0 {
		return []int{1, 2, 3}, nil
	}
	p, err := strconv.Atoi(args[0])
	if err != nil || p < 1 {
		return nil, failf("bad priority %q", args[0])
	}
	return []int{p}, nil
}

var getrecmodeCmd = &cobra.Command{
	Use:   "getrecmode",
	Short: "Print the target node's recovery mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var rep struct {
				Mode string `json:"mode"`
			}
			if err := controlJSON(ctx, c, dest, control.OpGetRecMode, nil, &rep); err != nil {
				return err
			}
			fmt.Printf("Recovery mode:%s\n", rep.Mode)
			return nil
		})
	},
}

var setrecmodeCmd = &cobra.Command{
	Use:   "setrecmode <normal|active>",
	Short: "Set the target node's recovery mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var active bool
		switch args[0] {
		case "normal", "NORMAL":
		case "active", "ACTIVE", "recovery":
			active = true
		default:
			return failf("bad recovery mode %q (want normal or active)", args[0])
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := struct {
				Active bool `json:"active"`
			}{Active: active}
			return controlJSON(ctx, c, dest, control.OpSetRecMode, req, nil)
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Force a cluster recovery",
	Long:  `Marks the recovery mode active and invalidates the vnn_map generation so the recovery coordinator rebuilds the cluster on its next pass.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, forceRecovery)
	},
}

// forceRecovery marks recovery active and invalidates the generation;
// the daemon's recovery loop notices and rebuilds the cluster.
func forceRecovery(ctx context.Context, c *client.Client, dest types.PNN) error {
	req := struct {
		Active bool `json:"active"`
	}{Active: true}
	if err := controlJSON(ctx, c, dest, control.OpSetRecMode, req, nil); err != nil {
		return err
	}
	var vm control.VNNMapDTO
	if err := controlJSON(ctx, c, dest, control.OpGetVNNMap, nil, &vm); err != nil {
		return err
	}
	vm.Generation = uint32(types.InvalidGeneration)
	return controlJSON(ctx, c, dest, control.OpSetVNNMap, vm, nil)
}

var banCmd = &cobra.Command{
	Use:   "ban <pnn>",
	Short: "Ban a node from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  nodeFlagRunE(control.OpBan),
}

var unbanCmd = &cobra.Command{
	Use:   "unban <pnn>",
	Short: "Remove a node's ban",
	Args:  cobra.ExactArgs(1),
	RunE:  nodeFlagRunE(control.OpUnban),
}

func nodeFlagRunE(op control.Opcode) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		pnn, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return failf("bad pnn %q: %v", args[0], err)
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := struct {
				PNN int32 `json:"pnn"`
			}{PNN: int32(pnn)}
			return controlJSON(ctx, c, dest, op, req, nil)
		})
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the target node (it stays in the cluster but serves nothing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			return controlJSON(ctx, c, dest, control.OpStop, nil, nil)
		})
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "Resume a stopped node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			return controlJSON(ctx, c, dest, control.OpContinue, nil, nil)
		})
	},
}

var statisticsCmd = &cobra.Command{
	Use:   "statistics",
	Short: "Print the target node's operation counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var st control.StatisticsDTO
			if err := controlJSON(ctx, c, dest, control.OpStatistics, nil, &st); err != nil {
				return err
			}
			fmt.Printf("max_hop_count      %d\n", st.MaxHopCount)
			fmt.Printf("reqids_in_flight   %d\n", st.ReqIDsInFlight)
			fmt.Printf("lock_pending       %d\n", st.LockPending)
			fmt.Printf("recovery_count     %d\n", st.RecoveryCount)
			return nil
		})
	},
}
