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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentfs/internal/common"
	"agentfs/internal/daemon"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show attributes of a path as the caller sees it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *daemon.Client) error {
			attr, err := c.Stat(sessionPID(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, attr)
			}
			fmt.Fprintf(out, "  Path: %s\n", args[0])
			fmt.Fprintf(out, "  Type: %s\n", kindName(attr.Kind))
			fmt.Fprintf(out, "  Size: %d\n", attr.Size)
			fmt.Fprintf(out, " Inode: %d  Links: %d\n", attr.Ino, attr.Nlink)
			fmt.Fprintf(out, "  Mode: %s  Uid: %d  Gid: %d\n", attr.FileMode(), attr.UID, attr.GID)
			fmt.Fprintf(out, "Modify: %s\n", attr.Mtime.Local())
			fmt.Fprintf(out, "Change: %s\n", attr.Ctime.Local())
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory as the caller sees it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		return withClient(cmd, func(c *daemon.Client) error {
			entries, err := c.Readdir(sessionPID(), path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, entries)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\n", e.Ino, kindName(e.Kind), e.Name)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(statCmd, lsCmd)
}

func kindName(k common.FileType) string {
	switch k {
	case common.FileTypeDirectory:
		return "dir"
	case common.FileTypeSymlink:
		return "symlink"
	default:
		return "file"
	}
}
