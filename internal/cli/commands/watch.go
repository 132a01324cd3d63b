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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/daemon"
	"agentfs/internal/protocol"
	"agentfs/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path...]",
	Short: "Print change notifications until interrupted",
	Long: `Registers a watch and prints notifications as they arrive. With --kqueue a
single path is watched with vnode semantics; otherwise an FSEvents stream
covers every given path and its descendants.

Examples:
  agentfs watch /src
  agentfs watch --kqueue /src/main.go`,
	RunE: runWatch,
}

var (
	watchKqueue   bool
	watchInterval time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&watchKqueue, "kqueue", false, "watch a single vnode instead of an FSEvents stream")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 200*time.Millisecond, "poll interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var req protocol.Request
	switch {
	case watchKqueue && len(args) != 1:
		return fmt.Errorf("--kqueue watches exactly one path")
	case watchKqueue:
		req = protocol.WatchRegisterKqueue{PID: sessionPID(), Path: args[0]}
	case len(args) == 0:
		req = protocol.WatchRegisterFSEvents{PID: sessionPID(), Paths: []string{"/"}}
	default:
		req = protocol.WatchRegisterFSEvents{PID: sessionPID(), Paths: args}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withClient(cmd, func(c *daemon.Client) error {
		id, err := c.WatchRegister(req)
		if err != nil {
			return err
		}
		defer c.WatchUnregister(id)
		return drainLoop(ctx, cmd, c, id)
	})
}

func drainLoop(ctx context.Context, cmd *cobra.Command, c *daemon.Client, id uint64) error {
	out := cmd.OutOrStdout()
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := c.WatchDrain(id, 0)
		if err != nil {
			return err
		}
		if batch.Dropped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d events dropped\n", batch.Dropped)
		}
		for _, ev := range batch.Events {
			if jsonOutput {
				if err := printJSON(out, ev); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%d\t%s\t%s\n", ev.Seq, describeFlags(ev.Flags), ev.Path)
		}
	}
}

var flagNames = []struct {
	bit  uint32
	name string
}{
	{watch.NoteDelete, "delete"},
	{watch.NoteWrite, "write"},
	{watch.NoteExtend, "extend"},
	{watch.NoteAttrib, "attrib"},
	{watch.NoteLink, "link"},
	{watch.NoteRename, "rename"},
	{watch.ItemCreated, "created"},
	{watch.ItemRemoved, "removed"},
	{watch.ItemInodeMetaMod, "meta"},
	{watch.ItemRenamed, "renamed"},
	{watch.ItemModified, "modified"},
	{watch.ItemIsFile, "file"},
	{watch.ItemIsDir, "dir"},
	{watch.ItemIsSymlink, "symlink"},
}

func describeFlags(flags uint32) string {
	var names []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%x", flags)
	}
	return strings.Join(names, "|")
}
