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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/daemon"
	"agentfs/internal/util"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	daemon.Version = v
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	callerPID   uint32
	jsonOutput  bool
	noAutoStart bool
)

var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "Copy-on-write filesystem for AI agents",
	Long: `AgentFS keeps a copy-on-write view of a working tree per agent process.
Snapshots capture a view in O(1); branches fork a snapshot and are bound to
process ids so each agent sees its own tree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		// daemon subcommands manage the daemon themselves
		if cmd.Name() == "daemon" || (cmd.Parent() != nil && cmd.Parent().Name() == "daemon") {
			return nil
		}

		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if noAutoStart || daemon.IsDaemonRunning() {
			return nil
		}
		if err := StartDaemonIfNeeded(true); err != nil {
			// Don't fail here; the command reports the connect error.
			fmt.Fprintf(os.Stderr, "Warning: could not auto-start daemon: %v\n", err)
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("agentfs version {{.Version}}\n")
	rootCmd.PersistentFlags().Uint32Var(&callerPID, "pid", 0, "process whose view to act on (default: the invoking shell)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-autostart", false, "do not start the daemon when it is not running")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// StartDaemonIfNeeded starts the daemon in the background if not running.
func StartDaemonIfNeeded(notify bool) error {
	cfg := util.DefaultDaemonStartConfig()
	cfg.Notify = notify
	return util.StartDaemonIfNeeded(context.Background(), cfg, daemon.IsDaemonRunning, []string{"daemon", "serve"})
}

// sessionPID is the pid announced at handshake. Requests sent with pid 0
// act on its view.
func sessionPID() uint32 {
	if callerPID != 0 {
		return callerPID
	}
	return uint32(os.Getppid())
}

// withClient connects to the daemon for the duration of fn.
func withClient(cmd *cobra.Command, fn func(*daemon.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := daemon.Connect(ctx, sessionPID())
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()
	return fn(client)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
