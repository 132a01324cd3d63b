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

// Package config holds the filesystem configuration model. It is pure data:
// an FsCore copies the config at construction and never observes changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// CaseSensitivity selects how directory entry names are compared.
type CaseSensitivity string

const (
	CaseSensitive             CaseSensitivity = "sensitive"
	CaseInsensitivePreserving CaseSensitivity = "insensitive_preserving"
)

func (c *CaseSensitivity) UnmarshalText(b []byte) error {
	switch enumKey(string(b)) {
	case "sensitive":
		*c = CaseSensitive
	case "insensitivepreserving", "insensitive":
		*c = CaseInsensitivePreserving
	default:
		return fmt.Errorf("%w: unknown case_sensitivity %q", ErrInvalidConfig, b)
	}
	return nil
}

// CopyUpMode controls when a lower-layer entry is materialized in the upper layer.
type CopyUpMode string

const (
	// CopyUpLazy copies data only on the first data write; metadata
	// changes are recorded without copying content.
	CopyUpLazy CopyUpMode = "lazy"
	// CopyUpEager copies data on any mutation, metadata included.
	CopyUpEager CopyUpMode = "eager"
)

func (m *CopyUpMode) UnmarshalText(b []byte) error {
	switch enumKey(string(b)) {
	case "lazy":
		*m = CopyUpLazy
	case "eager":
		*m = CopyUpEager
	default:
		return fmt.Errorf("%w: unknown copyup_mode %q", ErrInvalidConfig, b)
	}
	return nil
}

// Compression selects the codec for spilled and persisted blobs.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

func (c *Compression) UnmarshalText(b []byte) error {
	switch enumKey(string(b)) {
	case "none", "":
		*c = CompressionNone
	case "zstd":
		*c = CompressionZstd
	case "lz4":
		*c = CompressionLZ4
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, b)
	}
	return nil
}

type MemoryPolicy struct {
	// MaxBytesInMemory bounds resident file content; 0 means unlimited.
	MaxBytesInMemory uint64      `json:"max_bytes_in_memory"`
	SpillDirectory   string      `json:"spill_directory,omitempty"`
	SpillCompression Compression `json:"spill_compression,omitempty"`
}

type Limits struct {
	MaxOpenHandles int `json:"max_open_handles"`
	MaxBranches    int `json:"max_branches"`
	MaxSnapshots   int `json:"max_snapshots"`
}

// CachePolicy is handed to kernel bridges 1:1 and also sets the lower-layer stat cache TTLs.
type CachePolicy struct {
	AttrTimeoutMs     uint64 `json:"attr_timeout_ms"`
	EntryTimeoutMs    uint64 `json:"entry_timeout_ms"`
	NegativeTimeoutMs uint64 `json:"negative_timeout_ms"`
	EnableReaddirPlus bool   `json:"enable_readdir_plus"`
	AutoCache         bool   `json:"auto_cache"`
	WritebackCache    bool   `json:"writeback_cache"`
}

func (c CachePolicy) AttrTimeout() time.Duration {
	return time.Duration(c.AttrTimeoutMs) * time.Millisecond
}

func (c CachePolicy) EntryTimeout() time.Duration {
	return time.Duration(c.EntryTimeoutMs) * time.Millisecond
}

func (c CachePolicy) NegativeTimeout() time.Duration {
	return time.Duration(c.NegativeTimeoutMs) * time.Millisecond
}

type SecurityPolicy struct {
	EnforcePosixPermissions bool   `json:"enforce_posix_permissions"`
	DefaultUID              uint32 `json:"default_uid"`
	DefaultGID              uint32 `json:"default_gid"`
	EnableWindowsACLCompat  bool   `json:"enable_windows_acl_compat"`
	RootBypassPermissions   bool   `json:"root_bypass_permissions"`
}

// BackstoreKind names where upper-layer content lives.
type BackstoreKind string

const (
	BackstoreInMemory BackstoreKind = "in_memory"
	BackstoreHostFs   BackstoreKind = "host_fs"
)

// Backstore selects InMemory or HostFs{root, prefer_native_snapshots}.
type Backstore struct {
	Mode                  BackstoreKind `json:"mode"`
	Root                  string        `json:"root,omitempty"`
	PreferNativeSnapshots bool          `json:"prefer_native_snapshots,omitempty"`
}

// UnmarshalJSON accepts "in_memory", {"mode": "host_fs", "root": ...}
// and the externally tagged {"host_fs": {"root": ...}} form.
func (b *Backstore) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		kind, err := parseBackstoreKind(name)
		if err != nil {
			return err
		}
		*b = Backstore{Mode: kind}
		return nil
	}

	type plain Backstore
	var flat struct {
		plain
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("%w: backstore: %v", ErrInvalidConfig, err)
	}
	if flat.Mode != "" {
		kind, err := parseBackstoreKind(flat.Mode)
		if err != nil {
			return err
		}
		*b = Backstore(flat.plain)
		b.Mode = kind
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil || len(tagged) != 1 {
		return fmt.Errorf("%w: backstore must name exactly one mode", ErrInvalidConfig)
	}
	for name, body := range tagged {
		kind, err := parseBackstoreKind(name)
		if err != nil {
			return err
		}
		var inner plain
		if len(body) > 0 && string(body) != "null" {
			if err := json.Unmarshal(body, &inner); err != nil {
				return fmt.Errorf("%w: backstore: %v", ErrInvalidConfig, err)
			}
		}
		*b = Backstore(inner)
		b.Mode = kind
	}
	return nil
}

func parseBackstoreKind(s string) (BackstoreKind, error) {
	switch enumKey(s) {
	case "inmemory", "memory":
		return BackstoreInMemory, nil
	case "hostfs":
		return BackstoreHostFs, nil
	}
	return "", fmt.Errorf("%w: unknown backstore mode %q", ErrInvalidConfig, s)
}

type OverlayConfig struct {
	Enabled       bool       `json:"enabled"`
	LowerRoot     string     `json:"lower_root,omitempty"`
	CopyUpMode    CopyUpMode `json:"copyup_mode"`
	VisibleSubdir string     `json:"visible_subdir,omitempty"`
}

// LowerPath returns the host directory presented as the lower layer.
func (o OverlayConfig) LowerPath() string {
	if o.VisibleSubdir == "" {
		return o.LowerRoot
	}
	return filepath.Join(o.LowerRoot, filepath.FromSlash(o.VisibleSubdir))
}

// InterposeConfig is carried for shim consumers; the engine does not act on it.
type InterposeConfig struct {
	Enabled      bool     `json:"enabled"`
	AllowPaths   []string `json:"allow_paths,omitempty"`
	MaxCopyBytes uint64   `json:"max_copy_bytes,omitempty"`
}

type FsConfig struct {
	CaseSensitivity CaseSensitivity `json:"case_sensitivity"`
	Memory          MemoryPolicy    `json:"memory"`
	Limits          Limits          `json:"limits"`
	Cache           CachePolicy     `json:"cache"`
	EnableXattrs    bool            `json:"enable_xattrs"`
	EnableADS       bool            `json:"enable_ads"`
	TrackEvents     bool            `json:"track_events"`
	Security        SecurityPolicy  `json:"security"`
	Backstore       Backstore       `json:"backstore"`
	Overlay         OverlayConfig   `json:"overlay"`
	Interpose       InterposeConfig `json:"interpose"`
}

// Default returns the configuration used when no file is given.
func Default() FsConfig {
	return FsConfig{
		CaseSensitivity: CaseSensitive,
		Memory: MemoryPolicy{
			MaxBytesInMemory: 1 << 30,
			SpillCompression: CompressionZstd,
		},
		Limits: Limits{
			MaxOpenHandles: 65536,
			MaxBranches:    256,
			MaxSnapshots:   1024,
		},
		Cache: CachePolicy{
			AttrTimeoutMs:     1000,
			EntryTimeoutMs:    1000,
			NegativeTimeoutMs: 0,
			EnableReaddirPlus: true,
		},
		EnableXattrs: true,
		TrackEvents:  true,
		Security: SecurityPolicy{
			DefaultUID:            uint32(os.Getuid()),
			DefaultGID:            uint32(os.Getgid()),
			RootBypassPermissions: true,
		},
		Backstore: Backstore{Mode: BackstoreInMemory},
		Overlay:   OverlayConfig{CopyUpMode: CopyUpLazy},
	}
}

// Parse decodes a JSON (comments and trailing commas allowed) config over
// the defaults and validates the result.
func Parse(data []byte) (FsConfig, error) {
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return FsConfig{}, err
		}
		return FsConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return FsConfig{}, err
	}
	return cfg, nil
}

// Load reads the config file at path. An empty path yields the defaults.
func Load(path string) (FsConfig, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FsConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return FsConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field-level invariants. It does not touch the host
// filesystem; FsCore checks that the lower root exists.
func (c *FsConfig) Validate() error {
	switch c.CaseSensitivity {
	case CaseSensitive, CaseInsensitivePreserving:
	default:
		return fmt.Errorf("%w: case_sensitivity %q", ErrInvalidConfig, c.CaseSensitivity)
	}
	if c.Limits.MaxOpenHandles <= 0 {
		return fmt.Errorf("%w: limits.max_open_handles must be positive", ErrInvalidConfig)
	}
	if c.Limits.MaxBranches <= 0 {
		return fmt.Errorf("%w: limits.max_branches must be positive", ErrInvalidConfig)
	}
	if c.Limits.MaxSnapshots <= 0 {
		return fmt.Errorf("%w: limits.max_snapshots must be positive", ErrInvalidConfig)
	}
	switch c.Memory.SpillCompression {
	case "", CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("%w: memory.spill_compression %q", ErrInvalidConfig, c.Memory.SpillCompression)
	}
	switch c.Backstore.Mode {
	case BackstoreInMemory:
	case BackstoreHostFs:
		if c.Backstore.Root == "" {
			return fmt.Errorf("%w: backstore.root is required for host_fs", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: backstore.mode %q", ErrInvalidConfig, c.Backstore.Mode)
	}
	if c.Overlay.Enabled {
		if c.Overlay.LowerRoot == "" {
			return fmt.Errorf("%w: overlay.lower_root is required when overlay is enabled", ErrInvalidConfig)
		}
		switch c.Overlay.CopyUpMode {
		case CopyUpLazy, CopyUpEager:
		default:
			return fmt.Errorf("%w: overlay.copyup_mode %q", ErrInvalidConfig, c.Overlay.CopyUpMode)
		}
		if strings.Contains(c.Overlay.VisibleSubdir, "..") {
			return fmt.Errorf("%w: overlay.visible_subdir must stay inside lower_root", ErrInvalidConfig)
		}
	}
	return nil
}

// Insensitive reports whether names fold for lookup.
func (c *FsConfig) Insensitive() bool {
	return c.CaseSensitivity == CaseInsensitivePreserving
}

// enumKey folds the spellings seen in config files ("HostFs", "host_fs",
// "host-fs") onto one key.
func enumKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}
