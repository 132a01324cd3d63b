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

package util

import (
	"context"
	"fmt"
	"os"
)

// DaemonStartConfig configures StartDaemonIfNeeded.
type DaemonStartConfig struct {
	Notify     bool // print progress to stderr
	PollConfig PollConfig
}

// DefaultDaemonStartConfig notifies and polls with FastPollConfig.
func DefaultDaemonStartConfig() DaemonStartConfig {
	return DaemonStartConfig{
		Notify:     true,
		PollConfig: FastPollConfig(),
	}
}

// StartDaemonIfNeeded re-executes the current binary with startArgs (for
// example "daemon", "serve") when isRunning reports false, then waits for
// isRunning to turn true.
func StartDaemonIfNeeded(ctx context.Context, cfg DaemonStartConfig, isRunning func() bool, startArgs []string) error {
	if isRunning() {
		return nil
	}
	notify := func(format string, args ...any) {
		if cfg.Notify {
			fmt.Fprintf(os.Stderr, format, args...)
		}
	}

	notify("Starting daemon...")
	exe, err := os.Executable()
	if err != nil {
		notify(" failed\n")
		return err
	}
	if _, err := StartBackgroundProcess(exe, startArgs, nil); err != nil {
		notify(" failed\n")
		return err
	}
	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		notify(" timeout\n")
		return fmt.Errorf("daemon did not start in time: %w", err)
	}
	notify(" done\n")
	return nil
}
