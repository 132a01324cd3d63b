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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/config"
	"agentfs/internal/vfs"
	"agentfs/internal/watch"
)

// Version is reported in status replies.
var Version = "dev"

func init() {
	// Default logging to discard until explicitly enabled via settings
	log.SetOutput(io.Discard)
}

// drainTimeout bounds how long shutdown waits for in-flight requests.
const drainTimeout = 2 * time.Second

// Daemon owns one FsCore and serves it over the control plane.
type Daemon struct {
	settings *Settings
	core     *vfs.FsCore
	hub      *watch.Hub
	metrics  *Metrics

	server        *Server
	nfs           *NFSServer
	metricsServer *MetricsServer
	logFile       *os.File
	lock          *flock.Flock

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New builds the engine, watch hub and metrics described by settings. It
// opens no sockets; see Run and ServeStdio.
func New(settings *Settings) (*Daemon, error) {
	cfg, err := settings.LoadFsConfig()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(settings, cfg)
}

// NewWithConfig is New with an explicit FsConfig.
func NewWithConfig(settings *Settings, cfg config.FsConfig) (*Daemon, error) {
	core, err := vfs.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem: %w", err)
	}
	limit := settings.WatchQueueLimit
	if limit <= 0 {
		limit = watch.DefaultQueueLimit
	}
	hub := watch.NewHub(core.BranchOf,
		watch.WithQueueLimit(limit),
		watch.WithCaseInsensitive(cfg.Insensitive()),
	)
	core.Subscribe(hub.Publish)

	d := &Daemon{
		settings:  settings,
		core:      core,
		hub:       hub,
		metrics:   NewMetrics(core),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	d.server = NewServer(d, settings.HandshakeTimeout(), settings.IOTimeout())
	d.metrics.TrackConnections(d.server.Connections)
	return d, nil
}

// Core returns the engine.
func (d *Daemon) Core() *vfs.FsCore { return d.core }

// Metrics returns the daemon's collectors.
func (d *Daemon) Metrics() *Metrics { return d.metrics }

// Stop asks Run to shut down. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Done is closed once Stop has been called.
func (d *Daemon) Done() <-chan struct{} { return d.stopCh }

// Serve serves control-plane connections on l until Shutdown.
func (d *Daemon) Serve(l net.Listener) {
	d.server.Serve(l)
}

// ServeStdio runs a single session over r/w, returning when the peer
// closes its end or the daemon is stopped.
func (d *Daemon) ServeStdio(r io.Reader, w io.Writer) error {
	conn := &stdioConn{Reader: r, Writer: w}
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.server.ServeConn(conn)
	}()
	select {
	case <-done:
	case <-d.stopCh:
		<-done
	}
	return d.Shutdown()
}

type stdioConn struct {
	io.Reader
	io.Writer
}

func (stdioConn) Close() error { return nil }

// Shutdown stops the listener, drains in-flight requests and releases the
// engine.
func (d *Daemon) Shutdown() error {
	d.Stop()
	d.server.Stop(drainTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	var errs []error
	if d.metricsServer != nil {
		errs = append(errs, d.metricsServer.Shutdown(ctx))
		d.metricsServer = nil
	}
	if d.nfs != nil {
		errs = append(errs, d.nfs.Shutdown())
		d.nfs = nil
	}
	errs = append(errs, d.core.Shutdown())
	return errors.Join(errs...)
}

// Run starts the daemon on its Unix socket and blocks until stopped
func (d *Daemon) Run() error {
	if err := EnsureDirs(); err != nil {
		return err
	}

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	if d.logFile != nil {
		defer d.logFile.Close()
	}

	// Write PID file
	if err := writePidFile(); err != nil {
		return err
	}
	defer removePidFile()

	log.Infof("[DAEMON] started (PID %d)", os.Getpid())

	if d.settings.MetricsAddr != "" {
		ms, err := ServeMetrics(d.settings.MetricsAddr, d.metrics)
		if err != nil {
			log.Warnf("[DAEMON] metrics disabled: %v", err)
		} else {
			d.metricsServer = ms
			log.Infof("[DAEMON] metrics at http://%s/metrics", ms.Addr())
		}
	}

	if d.settings.NFS.Enabled {
		d.nfs = NewNFSServer(d.core, vfs.PID(d.settings.NFS.PID))
		if err := d.nfs.Serve(d.settings.NFS.Addr); err != nil {
			log.Warnf("[DAEMON] NFS export disabled: %v", err)
			d.nfs = nil
		} else {
			log.Infof("[DAEMON] NFS export of pid %d at %s", d.settings.NFS.PID, d.nfs.Addr())
		}
	}

	log.Infof("[DAEMON] starting control server at %s", SocketPath())
	if err := d.server.Start(); err != nil {
		log.Errorf("[DAEMON] control server failed to start: %v", err)
		d.Shutdown()
		return err
	}

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("[DAEMON] received signal %v, shutting down", sig)
	case <-d.stopCh:
		log.Infof("[DAEMON] stop requested, shutting down")
	}

	err = d.Shutdown()
	os.Remove(SocketPath())
	log.Infof("[DAEMON] stopped")
	return err
}

// setupLogging directs logrus to the log file at the configured level, or
// discards output when logging is off.
func (d *Daemon) setupLogging() error {
	level := strings.ToLower(d.settings.LogLevel)
	if level == "" || level == "none" || level == "off" {
		log.SetOutput(io.Discard)
		return nil
	}

	// Truncate log file if it exceeds 50MB
	if err := truncateLogFile(LogPath(), 50*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	log.SetLevel(parseLevel(level))
	return nil
}

func parseLevel(level string) log.Level {
	switch level {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.DebugLevel
	}
}

func writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	// Keep the last half, starting at a line boundary
	startIdx := len(data) - len(data)/2
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	kept := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept)))
	return os.WriteFile(logPath, append(header, kept...), 0600)
}
