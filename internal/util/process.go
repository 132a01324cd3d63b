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
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProcessConfig configures StopProcess.
type ProcessConfig struct {
	GracefulTimeout time.Duration // default 10s
	PollInterval    time.Duration // default 100ms
}

// StartBackgroundProcess starts executable in its own session so it
// outlives the caller. A nil env inherits the current environment.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// Reap the child if it exits while we are still around.
	go cmd.Wait()
	return cmd.Process, nil
}

// StopProcess asks a process to stop via gracefulStop, waits for isRunning
// to turn false and sends SIGKILL after GracefulTimeout.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig, gracefulStop func() error, isRunning func() bool) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	if gracefulStop != nil {
		if err := gracefulStop(); err != nil {
			log.Debugf("[UTIL] graceful stop of %d: %v", pid, err)
		}
	}

	err := PollUntil(ctx, PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, func() bool {
		return !isRunning()
	})
	if err == nil {
		return nil
	}

	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	if err := PollUntil(ctx, PollConfig{Timeout: time.Second, Interval: cfg.PollInterval}, func() bool {
		return !isRunning()
	}); err != nil {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning reports whether pid exists (signal 0).
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
