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
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/daemon"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"snap"},
	Short:   "Create, list, export and delete snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the branch the caller sees",
	Long: `Captures the tree seen by --pid (default: the invoking shell) as an
immutable snapshot and prints its id.

Examples:
  agentfs snapshot create --label before-refactor
  agentfs snapshot create --pid 4242`,
	Args: cobra.NoArgs,
	RunE: runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <id> <dest-dir>",
	Short: "Write a snapshot into a host directory",
	Long: `Materializes a snapshot into dest-dir. Excludes use gitignore syntax.

Examples:
  agentfs snapshot export 0b6f... ./out --exclude node_modules/ --exclude '*.log'`,
	Args: cobra.ExactArgs(2),
	RunE: runSnapshotExport,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var (
	snapshotLabel    string
	snapshotScope    string
	snapshotExcludes []string
)

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapshotLabel, "label", "l", "", "human-readable label")
	snapshotListCmd.Flags().StringVar(&snapshotScope, "scope", "", "only snapshots in which this path exists")
	snapshotExportCmd.Flags().StringArrayVarP(&snapshotExcludes, "exclude", "x", nil, "gitignore-style pattern to skip (repeatable)")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotExportCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		id, err := c.SnapshotCreate(0, snapshotLabel)
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

func runSnapshotList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		res, err := c.SnapshotList(snapshotScope)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, res.Snapshots)
		}
		if len(res.Snapshots) == 0 {
			fmt.Fprintln(out, "No snapshots")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tBRANCH\tPID\tFILES\tCREATED")
		for _, s := range res.Snapshots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.ID, s.Label, s.BranchID, s.PID, s.FileCount, s.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	})
}

func runSnapshotExport(cmd *cobra.Command, args []string) error {
	dest, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	return withClient(cmd, func(c *daemon.Client) error {
		if err := c.SnapshotExport(args[0], dest, snapshotExcludes); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], dest)
		return nil
	})
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(c *daemon.Client) error {
		if err := c.SnapshotDelete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s\n", args[0])
		return nil
	})
}
