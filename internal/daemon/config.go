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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"agentfs/internal/artifacts"
	"agentfs/internal/config"
)

const socketName = "agentfs.sock"

// getConfigDir returns the config directory path.
// Uses AGENTFS_CONFIG_DIR env var if set, otherwise defaults to ~/.agentfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("AGENTFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentfs")
}

// RuntimeDir returns the directory holding the socket, pid and lock files:
// AH_SOCKET_DIR, then $XDG_RUNTIME_DIR/ah, then $TMPDIR/ah, then /tmp/ah.
func RuntimeDir() string {
	if dir := os.Getenv("AH_SOCKET_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ah")
	}
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return filepath.Join(dir, "ah")
	}
	return filepath.Join("/tmp", "ah")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(RuntimeDir(), socketName)
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(RuntimeDir(), "agentfs.pid")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(RuntimeDir(), "agentfs.lock")
}

// LogPath returns the log file path.
// Uses AGENTFS_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("AGENTFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// SettingsPath returns the daemon settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureDirs creates the runtime and config directories if they don't exist.
func EnsureDirs() error {
	if err := os.MkdirAll(RuntimeDir(), 0700); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(RuntimeDir(), 0700); err != nil {
		return fmt.Errorf("failed to secure runtime directory: %w", err)
	}
	if err := os.MkdirAll(getConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// InitConfigDir writes the default settings file if none exists.
func InitConfigDir() error {
	if err := EnsureDirs(); err != nil {
		return err
	}
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// NFSSettings controls the optional NFSv3 export of one pid's view.
type NFSSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	PID     uint32 `yaml:"pid"`
}

// Settings represents daemon settings from settings.yaml.
type Settings struct {
	LogLevel           string      `yaml:"log_level"`            // trace, debug, info, warn, off
	FsConfig           string      `yaml:"fs_config"`            // path to the FsConfig JSON; empty uses defaults
	MetricsAddr        string      `yaml:"metrics_addr"`         // host:port for /metrics; empty disables
	HandshakeTimeoutMs int         `yaml:"handshake_timeout_ms"` // deadline for the first frame
	IOTimeoutMs        int         `yaml:"io_timeout_ms"`        // per-frame read/write deadline
	WatchQueueLimit    int         `yaml:"watch_queue_limit"`
	NFS                NFSSettings `yaml:"nfs"`
}

// HandshakeTimeout returns the handshake deadline, 2s when unset.
func (s *Settings) HandshakeTimeout() time.Duration {
	if s.HandshakeTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.HandshakeTimeoutMs) * time.Millisecond
}

// IOTimeout returns the per-frame deadline. Zero means no deadline.
func (s *Settings) IOTimeout() time.Duration {
	if s.IOTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.IOTimeoutMs) * time.Millisecond
}

// Env holds the AGENTFS_* environment overrides.
type Env struct {
	FsConfig           string `envconfig:"FS_CONFIG"`
	LogLevel           string `envconfig:"LOG_LEVEL"`
	MetricsAddr        string `envconfig:"METRICS_ADDR"`
	FuseWritebackCache bool   `envconfig:"FUSE_WRITEBACK_CACHE" default:"false"`
}

// LoadEnv reads the AGENTFS_* environment.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("agentfs", &env); err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return env, nil
}

// loadDefaultSettings parses default settings from embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings loads settings.yaml over the embedded defaults and applies
// environment overrides. Always reads from file to get latest config.
func LoadSettings() (*Settings, error) {
	settings, err := LoadSettingsFile()
	if err != nil {
		return nil, err
	}
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if env.FsConfig != "" {
		settings.FsConfig = env.FsConfig
	}
	if env.LogLevel != "" {
		settings.LogLevel = env.LogLevel
	}
	if env.MetricsAddr != "" {
		settings.MetricsAddr = env.MetricsAddr
	}
	return settings, nil
}

// LoadSettingsFile is LoadSettings without environment overrides. Use it
// when the result is written back with SaveSettings.
func LoadSettingsFile() (*Settings, error) {
	settings := loadDefaultSettings()
	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("%s: %w", SettingsPath(), err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	return &settings, nil
}

// SaveSettings saves settings to settings.yaml
func SaveSettings(settings *Settings) error {
	if err := EnsureDirs(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# AgentFS daemon settings\n# See: agentfs daemon --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// LoadFsConfig loads the FsConfig named by the settings, or the defaults.
func (s *Settings) LoadFsConfig() (config.FsConfig, error) {
	return config.Load(s.FsConfig)
}
