package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, CaseSensitive, cfg.CaseSensitivity)
	assert.Equal(t, BackstoreInMemory, cfg.Backstore.Mode)
	assert.False(t, cfg.Overlay.Enabled)
	assert.Equal(t, CopyUpLazy, cfg.Overlay.CopyUpMode)
	assert.Positive(t, cfg.Limits.MaxOpenHandles)
	assert.Positive(t, cfg.Limits.MaxSnapshots)
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("full document with comments", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(`{
			// agent sandbox
			"case_sensitivity": "InsensitivePreserving",
			"memory": {"max_bytes_in_memory": 4096, "spill_directory": "/tmp/spill", "spill_compression": "lz4"},
			"limits": {"max_open_handles": 8, "max_branches": 2, "max_snapshots": 3},
			"cache": {"attr_timeout_ms": 250, "entry_timeout_ms": 500, "negative_timeout_ms": 100, "writeback_cache": true},
			"enable_xattrs": false,
			"enable_ads": true,
			"track_events": true,
			"security": {"enforce_posix_permissions": true, "default_uid": 501, "default_gid": 20},
			"backstore": {"mode": "host_fs", "root": "/var/agentfs", "prefer_native_snapshots": true},
			"overlay": {"enabled": true, "lower_root": "/src", "copyup_mode": "Eager", "visible_subdir": "app"},
			"interpose": {"enabled": true, "allow_paths": ["/workspace"]},
		}`))
		require.NoError(t, err)

		assert.True(t, cfg.Insensitive())
		assert.Equal(t, uint64(4096), cfg.Memory.MaxBytesInMemory)
		assert.Equal(t, CompressionLZ4, cfg.Memory.SpillCompression)
		assert.Equal(t, Limits{MaxOpenHandles: 8, MaxBranches: 2, MaxSnapshots: 3}, cfg.Limits)
		assert.Equal(t, int64(250), cfg.Cache.AttrTimeout().Milliseconds())
		assert.True(t, cfg.Cache.WritebackCache)
		assert.False(t, cfg.EnableXattrs)
		assert.True(t, cfg.EnableADS)
		assert.Equal(t, uint32(501), cfg.Security.DefaultUID)
		assert.Equal(t, Backstore{Mode: BackstoreHostFs, Root: "/var/agentfs", PreferNativeSnapshots: true}, cfg.Backstore)
		assert.Equal(t, CopyUpEager, cfg.Overlay.CopyUpMode)
		assert.Equal(t, filepath.Join("/src", "app"), cfg.Overlay.LowerPath())
		assert.Equal(t, []string{"/workspace"}, cfg.Interpose.AllowPaths)
	})

	t.Run("missing fields keep defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(`{"track_events": false}`))
		require.NoError(t, err)
		assert.False(t, cfg.TrackEvents)
		assert.Equal(t, Default().Limits, cfg.Limits)
	})

	t.Run("backstore spellings", func(t *testing.T) {
		t.Parallel()
		for _, doc := range []string{
			`{"backstore": "InMemory"}`,
			`{"backstore": "in_memory"}`,
			`{"backstore": {"mode": "in_memory"}}`,
		} {
			cfg, err := Parse([]byte(doc))
			require.NoError(t, err, doc)
			assert.Equal(t, BackstoreInMemory, cfg.Backstore.Mode, doc)
		}
		cfg, err := Parse([]byte(`{"backstore": {"HostFs": {"root": "/data"}}}`))
		require.NoError(t, err)
		assert.Equal(t, Backstore{Mode: BackstoreHostFs, Root: "/data"}, cfg.Backstore)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"overlay without lower root", `{"overlay": {"enabled": true}}`},
		{"host fs without root", `{"backstore": {"mode": "host_fs"}}`},
		{"zero handles", `{"limits": {"max_open_handles": 0, "max_branches": 1, "max_snapshots": 1}}`},
		{"zero snapshots", `{"limits": {"max_open_handles": 1, "max_branches": 1, "max_snapshots": 0}}`},
		{"unknown case mode", `{"case_sensitivity": "sometimes"}`},
		{"unknown copyup", `{"overlay": {"enabled": true, "lower_root": "/x", "copyup_mode": "later"}}`},
		{"unknown backstore", `{"backstore": "cloud"}`},
		{"escaping subdir", `{"overlay": {"enabled": true, "lower_root": "/x", "visible_subdir": "../etc"}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "agentfs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"enable_ads": true}`), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.EnableADS)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
