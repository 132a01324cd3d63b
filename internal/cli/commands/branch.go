// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentfs/internal/daemon"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Create, bind and delete branches",
	Long: `A branch is a writable fork of a snapshot. Processes bound to a branch
see and modify only that branch; everything else sees the root branch.`,
}

var branchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Fork a branch from a snapshot",
	Long: `Creates a branch from --from (a snapshot id) or, when omitted, from the
current root tree, and prints its id.

Examples:
  agentfs branch create --from 0b6f... --name agent-1
  agentfs branch bind $(agentfs branch create --name scratch) 4242`,
	Args: cobra.NoArgs,
	RunE: runBranchCreate,
}

var branchBindCmd = &cobra.Command{
	Use:   "bind <id> [pid...]",
	Short: "Bind processes to a branch",
	Long:  `Binds the given pids (default: --pid or the invoking shell) to a branch. Binding to "root" unbinds.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBranchBind,
}

var branchUnbindCmd = &cobra.Command{
	Use:   "unbind [pid]",
	Short: "Return a process to the root branch",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBranchUnbind,
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE:  runBranchList,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a branch with no bound processes",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchDelete,
}

var (
	branchFrom string
	branchName string
)

func init() {
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", "", "snapshot id to fork (default: current root tree)")
	branchCreateCmd.Flags().StringVarP(&branchName, "name", "n", "", "branch name")
	branchCmd.AddCommand(branchCreateCmd, branchBindCmd, branchUnbindCmd, branchListCmd, branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}

func parsePIDs(args []string) ([]uint32, error) {
	pids := make([]uint32, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("invalid pid %q", a)
		}
		pids = append(pids, uint32(v))
	}
	return pids, nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		id, err := c.BranchCreate(branchFrom, branchName)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runBranchBind(cmd *cobra.Command, args []string) error {
	pids, err := parsePIDs(args[1:])
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		pids = []uint32{sessionPID()}
	}
	return withClient(cmd, func(c *daemon.Client) error {
		if err := c.BranchBind(args[0], pids...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Bound %s to branch %s\n", joinPIDs(pids), args[0])
		return nil
	})
}

func runBranchUnbind(cmd *cobra.Command, args []string) error {
	pid := sessionPID()
	if len(args) == 1 {
		pids, err := parsePIDs(args)
		if err != nil {
			return err
		}
		pid = pids[0]
	}
	return withClient(cmd, func(c *daemon.Client) error {
		if err := c.BranchUnbind(pid); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unbound %d\n", pid)
		return nil
	})
}

func runBranchList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		res, err := c.BranchList()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, res.Branches)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tFROM\tPIDS")
		for _, b := range res.Branches {
			pids := make([]uint32, len(b.PIDs))
			for i, p := range b.PIDs {
				pids[i] = uint32(p)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.Name, b.ParentSnapshot, joinPIDs(pids))
		}
		return w.Flush()
	})
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		if err := c.BranchDelete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted branch %s\n", args[0])
		return nil
	})
}

func joinPIDs(pids []uint32) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.FormatUint(uint64(p), 10)
	}
	return strings.Join(parts, ",")
}
