package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/ctdbcore/ctdb/pkg/client"
	"github.com/ctdbcore/ctdb/pkg/control"
	"github.com/ctdbcore/ctdb/pkg/types"
	"github.com/spf13/cobra"
)

func init() {
	getlogCmd.Flags().Int("limit", 100, "Maximum number of log lines to fetch")

	rootCmd.AddCommand(getvarCmd)
	rootCmd.AddCommand(setvarCmd)
	rootCmd.AddCommand(listvarsCmd)
	rootCmd.AddCommand(setdebugCmd)
	rootCmd.AddCommand(getdebugCmd)
	rootCmd.AddCommand(getlogCmd)
	rootCmd.AddCommand(clearlogCmd)
}

var getvarCmd = &cobra.Command{
	Use:   "getvar <name>",
	Short: "Read a tunable from the target node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := struct {
				Name string `json:"name"`
			}{Name: args[0]}
			var rep struct {
				Value uint32 `json:"value"`
				Found bool   `json:"found"`
			}
			if err := controlJSON(ctx, c, dest, control.OpTunableGet, req, &rep); err != nil {
				return err
			}
			if !rep.Found {
				return failf("no tunable named %q", args[0])
			}
			fmt.Printf("%-26s = %d\n", args[0], rep.Value)
			return nil
		})
	},
}

var setvarCmd = &cobra.Command{
	Use:   "setvar <name> <value>",
	Short: "Set a tunable on the target node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return failf("bad value %q: %v", args[1], err)
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := struct {
				Name  string `json:"name"`
				Value uint32 `json:"value"`
			}{Name: args[0], Value: uint32(value)}
			return controlJSON(ctx, c, dest, control.OpTunableSet, req, nil)
		})
	},
}

var listvarsCmd = &cobra.Command{
	Use:   "listvars",
	Short: "List every tunable on the target node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var vars map[string]uint32
			if err := controlJSON(ctx, c, dest, control.OpTunableList, nil, &vars); err != nil {
				return err
			}
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-26s = %d\n", name, vars[name])
			}
			return nil
		})
	},
}

var setdebugCmd = &cobra.Command{
	Use:   "setdebug <debug|info|warn|error>",
	Short: "Set the target daemon's log level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := struct {
				Level string `json:"level"`
			}{Level: args[0]}
			return controlJSON(ctx, c, dest, control.OpSetDebug, req, nil)
		})
	},
}

var getdebugCmd = &cobra.Command{
	Use:   "getdebug",
	Short: "Print the target daemon's log level",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			var rep struct {
				Level string `json:"level"`
			}
			if err := controlJSON(ctx, c, dest, control.OpGetDebug, nil, &rep); err != nil {
				return err
			}
			fmt.Printf("Node %d is at debug level %s\n", destOrSelf(dest, c), rep.Level)
			return nil
		})
	},
}

var getlogCmd = &cobra.Command{
	Use:   "getlog",
	Short: "Fetch the target daemon's in-memory log ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			req := struct {
				Limit int `json:"limit"`
			}{Limit: limit}
			var lines []string
			if err := controlJSON(ctx, c, dest, control.OpGetLog, req, &lines); err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		})
	},
}

var clearlogCmd = &cobra.Command{
	Use:   "clearlog",
	Short: "Clear the target daemon's in-memory log ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, dest types.PNN) error {
			return controlJSON(ctx, c, dest, control.OpClearLog, nil, nil)
		})
	},
}
