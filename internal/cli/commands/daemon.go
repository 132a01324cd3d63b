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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentfs/internal/daemon"
	"agentfs/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the agentfs daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the agentfs daemon in the background.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Long: `Runs the daemon in the foreground on its Unix socket.

With --stdio a single control-plane session is served over stdin/stdout
instead, for hosts that spawn the daemon as a child process.`,
	Args: cobra.NoArgs,
	RunE: runDaemonServe,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running agentfs daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure daemon settings",
	Long: `Configure persistent daemon settings.

Settings are stored in ~/.agentfs/settings.yaml and take effect on next daemon start.

Examples:
  # Enable debug logging
  agentfs daemon config --logging debug

  # Serve Prometheus metrics
  agentfs daemon config --metrics-addr 127.0.0.1:9464

  # Use a filesystem config
  agentfs daemon config --fs-config ~/agentfs.jsonc

  # Show current configuration
  agentfs daemon config`,
	Args: cobra.NoArgs,
	RunE: runDaemonConfig,
}

var (
	daemonRestart     bool
	daemonStdio       bool
	configLogLevel    string
	configMetricsAddr string
	configFsConfig    string
)

func init() {
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running")
	daemonServeCmd.Flags().BoolVar(&daemonStdio, "stdio", false, "Serve one session over stdin/stdout")
	daemonConfigCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, error, none")
	daemonConfigCmd.Flags().StringVar(&configMetricsAddr, "metrics-addr", "", "host:port for /metrics (\"off\" disables)")
	daemonConfigCmd.Flags().StringVar(&configFsConfig, "fs-config", "", "FsConfig JSON path (\"default\" clears)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonServeCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonConfigCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		if !daemonRestart {
			fmt.Fprintf(out, "Daemon already running (PID %d)\n", pid)
			fmt.Fprintln(out, "Use --restart to restart the daemon")
			return nil
		}
		fmt.Fprintf(out, "Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if err := StartDaemonIfNeeded(false); err != nil {
		return err
	}
	pid, _ := daemon.GetPID()
	fmt.Fprintf(out, "Daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonServe(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	d, err := daemon.New(settings)
	if err != nil {
		return err
	}
	if daemonStdio {
		return d.ServeStdio(os.Stdin, os.Stdout)
	}
	return d.Run()
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon not running")
		return nil
	}
	if err := stopDaemonAndWait(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
	return nil
}

// stopDaemonAndWait asks the daemon to stop and kills it if it does not
// exit in time.
func stopDaemonAndWait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pid, _ := daemon.GetPID()
	graceful := func() error {
		client, err := daemon.Connect(ctx, sessionPID())
		if err != nil {
			return err
		}
		defer client.Close()
		return client.Stop()
	}
	return util.StopProcess(ctx, pid, util.ProcessConfig{
		GracefulTimeout: 10 * time.Second,
		PollInterval:    25 * time.Millisecond,
	}, graceful, daemon.IsDaemonRunning)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if !daemon.IsDaemonRunning() {
		if jsonOutput {
			return printJSON(out, map[string]any{"running": false})
		}
		fmt.Fprintln(out, "Daemon: not running")
		fmt.Fprintf(out, "Socket: %s\n", daemon.SocketPath())
		return nil
	}

	return withClient(cmd, func(c *daemon.Client) error {
		st, err := c.Status()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, st)
		}
		fmt.Fprintf(out, "Daemon: running (PID %d, version %s)\n", st.PID, st.Version)
		fmt.Fprintf(out, "Uptime: %s\n", time.Since(time.Unix(st.StartedAt, 0)).Round(time.Second))
		fmt.Fprintf(out, "Socket: %s\n", daemon.SocketPath())
		fmt.Fprintf(out, "Backstore: %s\n", st.Stats.Backstore)
		fmt.Fprintf(out, "Connections: %d  Watches: %d  Open handles: %d\n", st.Connections, st.Watches, st.Stats.Handles)
		fmt.Fprintf(out, "Branches: %d  Snapshots: %d\n", st.Stats.Branches, st.Stats.Snapshots)
		fmt.Fprintf(out, "Resident: %d bytes  Stored: %d bytes in %d blobs\n",
			st.Stats.ResidentBytes, st.Stats.StoredBytes, st.Stats.StoredBlobs)
		if st.NFSAddr != "" {
			fmt.Fprintf(out, "NFS: %s\n", st.NFSAddr)
		}
		if len(st.Faults) > 0 {
			fmt.Fprintln(out, "Fault rules:")
			for _, r := range st.Faults {
				fmt.Fprintf(out, "  %s -> %s: %d invocations, %d hits\n", r.Rule.Op, r.Rule.Errno, r.Invocations, r.Hits)
			}
		}
		fmt.Fprintf(out, "Log level: %s\n", displayLevel(settings.LogLevel))
		return nil
	})
}

func displayLevel(level string) string {
	if level == "" || level == "off" {
		return "none"
	}
	return level
}

func runDaemonConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	settings, err := daemon.LoadSettingsFile()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if configLogLevel == "" && configMetricsAddr == "" && configFsConfig == "" {
		fmt.Fprintln(out, "Current daemon configuration:")
		fmt.Fprintf(out, "  Log level: %s\n", displayLevel(settings.LogLevel))
		fmt.Fprintf(out, "  Log file: %s\n", daemon.LogPath())
		fmt.Fprintf(out, "  FS config: %s\n", orDefault(settings.FsConfig, "built-in defaults"))
		fmt.Fprintf(out, "  Metrics: %s\n", orDefault(settings.MetricsAddr, "disabled"))
		fmt.Fprintf(out, "  NFS export: %v\n", settings.NFS.Enabled)
		return nil
	}

	if configLogLevel != "" {
		level := strings.ToLower(configLogLevel)
		switch level {
		case "trace", "debug", "info", "warn", "error":
		case "none", "off":
			level = "off"
		default:
			return fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, error, none", configLogLevel)
		}
		settings.LogLevel = level
	}
	if configMetricsAddr != "" {
		if configMetricsAddr == "off" {
			settings.MetricsAddr = ""
		} else {
			settings.MetricsAddr = configMetricsAddr
		}
	}
	if configFsConfig != "" {
		if configFsConfig == "default" {
			settings.FsConfig = ""
		} else {
			settings.FsConfig = configFsConfig
			// Validate before saving so a bad file is reported now, not at start.
			if _, err := settings.LoadFsConfig(); err != nil {
				return err
			}
		}
	}

	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintln(out, "Settings saved; restart the daemon to apply:")
	fmt.Fprintln(out, "  agentfs daemon start --restart")
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
