package vfs

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
	"agentfs/internal/config"
	"agentfs/internal/fault"
)

const testPID PID = 100

// testCore creates an engine for testing with the default config adjusted
// by tweak.
func testCore(t *testing.T, tweak func(cfg *config.FsConfig)) *FsCore {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// lowerTree creates a host directory with files (path → content).
func lowerTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, data := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(data), 0o644))
	}
	return root
}

func withOverlay(root string, mode config.CopyUpMode) func(*config.FsConfig) {
	return func(cfg *config.FsConfig) {
		cfg.Overlay = config.OverlayConfig{Enabled: true, LowerRoot: root, CopyUpMode: mode}
	}
}

func writeFile(t *testing.T, c *FsCore, pid PID, path, data string) {
	t.Helper()
	h, err := c.Create(pid, path, OpenOptions{Write: true, Truncate: true})
	require.NoError(t, err)
	n, err := c.Write(pid, h, 0, []byte(data))
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, c.Close(pid, h))
}

func readFile(t *testing.T, c *FsCore, pid PID, path string) string {
	t.Helper()
	h, err := c.Open(pid, path, OpenOptions{Read: true})
	require.NoError(t, err)
	defer c.Close(pid, h)
	var out []byte
	buf := make([]byte, 7)
	for {
		n, err := c.Read(pid, h, -1, buf)
		require.NoError(t, err)
		if n == 0 {
			return string(out)
		}
		out = append(out, buf[:n]...)
	}
}

func exportTree(t *testing.T, c *FsCore, id SnapshotID) string {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "export")
	require.NoError(t, c.ExportSnapshot(id, dest, ExportOptions{}))
	return dest
}

func readHost(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("rejects invalid config", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Limits.MaxOpenHandles = 0
		_, err := New(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("rejects missing lower root", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Overlay = config.OverlayConfig{Enabled: true, LowerRoot: filepath.Join(t.TempDir(), "missing"), CopyUpMode: config.CopyUpLazy}
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("starts empty", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		entries, err := c.Readdir(testPID, "/")
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Equal(t, 0, c.Stats().Branches)
		assert.Equal(t, 0, c.Stats().Snapshots)
	})
}

func TestFileIO(t *testing.T) {
	t.Parallel()

	t.Run("write then read", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/hello.txt", "hello world")
		assert.Equal(t, "hello world", readFile(t, c, testPID, "hello.txt"))

		attr, err := c.Stat(testPID, "/hello.txt")
		require.NoError(t, err)
		assert.Equal(t, uint64(11), attr.Size)
		assert.Equal(t, common.FileTypeRegular, attr.Kind)
	})

	t.Run("sparse write zero fills", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		h, err := c.Create(testPID, "/sparse", OpenOptions{Write: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 4, []byte("ab"))
		require.NoError(t, err)
		require.NoError(t, c.Close(testPID, h))
		assert.Equal(t, "\x00\x00\x00\x00ab", readFile(t, c, testPID, "/sparse"))
	})

	t.Run("append writes at end", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/log", "one")
		h, err := c.Open(testPID, "/log", OpenOptions{Append: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, []byte(" two"))
		require.NoError(t, err)
		require.NoError(t, c.Close(testPID, h))
		assert.Equal(t, "one two", readFile(t, c, testPID, "/log"))
	})

	t.Run("truncate shrinks and grows", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/t", "abcdef")
		require.NoError(t, c.Truncate(testPID, "/t", 3))
		assert.Equal(t, "abc", readFile(t, c, testPID, "/t"))
		require.NoError(t, c.Truncate(testPID, "/t", 5))
		assert.Equal(t, "abc\x00\x00", readFile(t, c, testPID, "/t"))
	})

	t.Run("create_new on existing file", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/x", "x")
		_, err := c.Create(testPID, "/x", OpenOptions{Write: true, CreateNew: true})
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("open missing file", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		_, err := c.Open(testPID, "/missing", OpenOptions{Read: true})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("open directory", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		require.NoError(t, c.Mkdir(testPID, "/d", 0o755))
		_, err := c.Open(testPID, "/d", OpenOptions{Write: true})
		assert.ErrorIs(t, err, common.ErrIsDir)
	})

	t.Run("create under a file", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/f", "x")
		_, err := c.Create(testPID, "/f/child", OpenOptions{Write: true})
		assert.ErrorIs(t, err, common.ErrNotDir)
	})

	t.Run("invalid path", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		_, err := c.Create(testPID, "/a/../b", OpenOptions{Write: true})
		assert.ErrorIs(t, err, common.ErrInvalidPath)
	})

	t.Run("write on read-only handle", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/ro", "x")
		h, err := c.Open(testPID, "/ro", OpenOptions{Read: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, []byte("y"))
		assert.ErrorIs(t, err, common.ErrInvalidHandle)
	})

	t.Run("handle of another pid", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		h, err := c.Create(testPID, "/mine", OpenOptions{Write: true})
		require.NoError(t, err)
		_, err = c.Write(testPID+1, h, 0, []byte("y"))
		assert.ErrorIs(t, err, common.ErrInvalidHandle)
		assert.ErrorIs(t, c.Close(testPID+1, h), common.ErrInvalidHandle)
	})

	t.Run("follows symlinks", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		require.NoError(t, c.Mkdir(testPID, "/dir", 0))
		writeFile(t, c, testPID, "/dir/target", "via link")
		require.NoError(t, c.Symlink(testPID, "dir/target", "/link"))
		assert.Equal(t, "via link", readFile(t, c, testPID, "/link"))
		target, err := c.Readlink(testPID, "/link")
		require.NoError(t, err)
		assert.Equal(t, "dir/target", target)
	})
}

func TestHandleLimit(t *testing.T) {
	t.Parallel()
	c := testCore(t, func(cfg *config.FsConfig) { cfg.Limits.MaxOpenHandles = 2 })
	writeFile(t, c, testPID, "/f", "x")

	h1, err := c.Open(testPID, "/f", OpenOptions{Read: true})
	require.NoError(t, err)
	_, err = c.Open(testPID, "/f", OpenOptions{Read: true})
	require.NoError(t, err)
	_, err = c.Open(testPID, "/f", OpenOptions{Read: true})
	assert.ErrorIs(t, err, common.ErrTooManyHandles)

	require.NoError(t, c.Close(testPID, h1))
	_, err = c.Open(testPID, "/f", OpenOptions{Read: true})
	assert.NoError(t, err)
}

func TestDirectories(t *testing.T) {
	t.Parallel()

	t.Run("mkdir readdir rmdir", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		require.NoError(t, c.Mkdir(testPID, "/a", 0o755))
		require.NoError(t, c.Mkdir(testPID, "/a/b", 0o755))
		writeFile(t, c, testPID, "/a/file", "x")

		entries, err := c.Readdir(testPID, "/a")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b", entries[0].Name)
		assert.Equal(t, common.FileTypeDirectory, entries[0].Kind)
		assert.Equal(t, "file", entries[1].Name)

		assert.ErrorIs(t, c.Rmdir(testPID, "/a"), common.ErrNotEmpty)
		assert.ErrorIs(t, c.Mkdir(testPID, "/a", 0o755), common.ErrExists)
		assert.ErrorIs(t, c.Rmdir(testPID, "/a/file"), common.ErrNotDir)
		assert.ErrorIs(t, c.Unlink(testPID, "/a/b"), common.ErrIsDir)

		require.NoError(t, c.Unlink(testPID, "/a/file"))
		require.NoError(t, c.Rmdir(testPID, "/a/b"))
		require.NoError(t, c.Rmdir(testPID, "/a"))
		_, err = c.Stat(testPID, "/a")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("rename moves subtree and handles", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		require.NoError(t, c.Mkdir(testPID, "/src", 0))
		writeFile(t, c, testPID, "/src/f", "data")
		h, err := c.Open(testPID, "/src/f", OpenOptions{Read: true})
		require.NoError(t, err)

		require.NoError(t, c.Rename(testPID, "/src", "/dst"))
		_, err = c.Stat(testPID, "/src")
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.Equal(t, "data", readFile(t, c, testPID, "/dst/f"))

		buf := make([]byte, 4)
		n, err := c.Read(testPID, h, 0, buf)
		require.NoError(t, err)
		assert.Equal(t, "data", string(buf[:n]))
	})

	t.Run("rename into itself", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		require.NoError(t, c.Mkdir(testPID, "/a", 0))
		assert.ErrorIs(t, c.Rename(testPID, "/a", "/a/b"), common.ErrInvalidArg)
	})

	t.Run("rename replaces file", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/a", "new")
		writeFile(t, c, testPID, "/b", "old")
		require.NoError(t, c.Rename(testPID, "/a", "/b"))
		assert.Equal(t, "new", readFile(t, c, testPID, "/b"))
	})

	t.Run("share mode denies delete", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/locked", "x")
		h, err := c.Open(testPID, "/locked", OpenOptions{Read: true, Share: ShareRead})
		require.NoError(t, err)
		assert.ErrorIs(t, c.Unlink(testPID, "/locked"), common.ErrBusy)
		require.NoError(t, c.Close(testPID, h))
		assert.NoError(t, c.Unlink(testPID, "/locked"))
	})
}

func TestSetAttr(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	writeFile(t, c, testPID, "/f", "abcdef")

	perm := uint32(0o600)
	size := uint64(2)
	attr, err := c.SetAttr(testPID, "/f", SetAttr{Perm: &perm, Size: &size})
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), attr.Perm)
	assert.Equal(t, uint64(2), attr.Size)
	assert.Equal(t, "ab", readFile(t, c, testPID, "/f"))
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	require.NoError(t, c.Mkdir(testPID, "/src", 0o755))
	writeFile(t, c, testPID, "/src/a.txt", "before")

	id, err := c.SnapshotCreateForPID(testPID, "first")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	writeFile(t, c, testPID, "/src/a.txt", "after the snapshot")
	writeFile(t, c, testPID, "/src/b.txt", "new file")

	dest := exportTree(t, c, id)
	assert.Equal(t, "before", readHost(t, filepath.Join(dest, "src", "a.txt")))
	assert.NoFileExists(t, filepath.Join(dest, "src", "b.txt"))
	assert.Equal(t, "after the snapshot", readFile(t, c, testPID, "/src/a.txt"))

	snaps, err := c.ListSnapshots("")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "first", snaps[0].Label)
	assert.Equal(t, uint64(1), snaps[0].FileCount)
	assert.Equal(t, uint64(6), snaps[0].TotalBytes)
}

func TestRoundTripExport(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	writeFile(t, c, testPID, "/out.txt", "upper content")
	id, err := c.SnapshotCreateForPID(testPID, "")
	require.NoError(t, err)

	dest := exportTree(t, c, id)
	assert.Equal(t, "upper content", readHost(t, filepath.Join(dest, "out.txt")))
	info, err := os.Stat(filepath.Join(dest, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(common.DefaultFilePerm), info.Mode().Perm())
}

func TestExportDestination(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	id, err := c.SnapshotCreateForPID(testPID, "")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "existing"), nil, 0o644))
	assert.ErrorIs(t, c.ExportSnapshot(id, dest, ExportOptions{}), common.ErrNotEmpty)
	assert.ErrorIs(t, c.ExportSnapshot("nope", t.TempDir(), ExportOptions{}), common.ErrNotFound)
}

func TestExportExcludes(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	require.NoError(t, c.Mkdir(testPID, "/node_modules", 0))
	writeFile(t, c, testPID, "/node_modules/dep.js", "x")
	writeFile(t, c, testPID, "/main.go", "package main")
	writeFile(t, c, testPID, "/debug.log", "noise")
	id, err := c.SnapshotCreateForPID(testPID, "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, c.ExportSnapshot(id, dest, ExportOptions{Excludes: []string{"node_modules/", "*.log"}}))
	assert.FileExists(t, filepath.Join(dest, "main.go"))
	assert.NoDirExists(t, filepath.Join(dest, "node_modules"))
	assert.NoFileExists(t, filepath.Join(dest, "debug.log"))
}

func TestOverlay(t *testing.T) {
	t.Parallel()

	t.Run("lower file readable and stat matches", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"docs/readme.md": "lower bytes"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))

		attr, err := c.Stat(testPID, "/docs/readme.md")
		require.NoError(t, err)
		assert.Equal(t, uint64(len("lower bytes")), attr.Size)
		assert.Equal(t, common.FileTypeRegular, attr.Kind)
		assert.Equal(t, "lower bytes", readFile(t, c, testPID, "/docs/readme.md"))

		layer, err := c.Layer(testPID, "/docs/readme.md")
		require.NoError(t, err)
		assert.Equal(t, LayerLower, layer)
	})

	t.Run("write copies up and leaves lower untouched", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"f.txt": "0123456789"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))

		h, err := c.Open(testPID, "/f.txt", OpenOptions{Write: true})
		require.NoError(t, err)
		layer, _ := c.Layer(testPID, "/f.txt")
		assert.Equal(t, LayerLower, layer, "lazy open must not copy up")

		_, err = c.Write(testPID, h, 2, []byte("AB"))
		require.NoError(t, err)
		require.NoError(t, c.Close(testPID, h))

		assert.Equal(t, "01AB456789", readFile(t, c, testPID, "/f.txt"))
		layer, _ = c.Layer(testPID, "/f.txt")
		assert.Equal(t, LayerUpper, layer)
		assert.Equal(t, "0123456789", readHost(t, filepath.Join(lower, "f.txt")))
	})

	t.Run("metadata change lazy vs eager", func(t *testing.T) {
		t.Parallel()
		for _, tt := range []struct {
			mode config.CopyUpMode
			want Layer
		}{
			{config.CopyUpLazy, LayerMetacopy},
			{config.CopyUpEager, LayerUpper},
		} {
			lower := lowerTree(t, map[string]string{"f": "data"})
			c := testCore(t, withOverlay(lower, tt.mode))
			perm := uint32(0o600)
			_, err := c.SetAttr(testPID, "/f", SetAttr{Perm: &perm})
			require.NoError(t, err)

			layer, err := c.Layer(testPID, "/f")
			require.NoError(t, err)
			assert.Equal(t, tt.want, layer, "mode %s", tt.mode)
			assert.Equal(t, "data", readFile(t, c, testPID, "/f"))
			attr, _ := c.Stat(testPID, "/f")
			assert.Equal(t, uint32(0o600), attr.Perm)
		}
	})

	t.Run("export includes unshadowed lower files", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"marker.txt": "marker content", "sub/keep.txt": "keep"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))
		writeFile(t, c, testPID, "/upper.txt", "upper content")

		id, err := c.SnapshotCreateForPID(testPID, "")
		require.NoError(t, err)
		dest := exportTree(t, c, id)
		assert.Equal(t, "marker content", readHost(t, filepath.Join(dest, "marker.txt")))
		assert.Equal(t, "keep", readHost(t, filepath.Join(dest, "sub", "keep.txt")))
		assert.Equal(t, "upper content", readHost(t, filepath.Join(dest, "upper.txt")))
	})

	t.Run("unlink leaves whiteout", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"gone.txt": "x", "stay.txt": "y"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))
		require.NoError(t, c.Unlink(testPID, "/gone.txt"))

		entries, err := c.Readdir(testPID, "/")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "stay.txt", entries[0].Name)
		assert.FileExists(t, filepath.Join(lower, "gone.txt"))

		writeFile(t, c, testPID, "/gone.txt", "recreated")
		assert.Equal(t, "recreated", readFile(t, c, testPID, "/gone.txt"))
	})

	t.Run("rename lower directory", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"pkg/a.go": "a", "pkg/inner/b.go": "b"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))
		require.NoError(t, c.Rename(testPID, "/pkg", "/moved"))

		_, err := c.Stat(testPID, "/pkg")
		assert.ErrorIs(t, err, common.ErrNotFound)
		assert.Equal(t, "a", readFile(t, c, testPID, "/moved/a.go"))
		assert.Equal(t, "b", readFile(t, c, testPID, "/moved/inner/b.go"))
	})

	t.Run("mkdir over removed lower dir is opaque", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"d/old": "x"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))
		require.NoError(t, c.Unlink(testPID, "/d/old"))
		require.NoError(t, c.Rmdir(testPID, "/d"))
		require.NoError(t, c.Mkdir(testPID, "/d", 0o755))
		entries, err := c.Readdir(testPID, "/d")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("lower xattrs unsupported", func(t *testing.T) {
		t.Parallel()
		lower := lowerTree(t, map[string]string{"f": "x"})
		c := testCore(t, withOverlay(lower, config.CopyUpLazy))
		_, err := c.GetXattr(testPID, "/f", "user.test")
		assert.ErrorIs(t, err, common.ErrUnsupported)
	})
}

func TestBranchIsolation(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	writeFile(t, c, testPID, "/shared.txt", "base")
	snap, err := c.SnapshotCreateForPID(testPID, "base")
	require.NoError(t, err)

	b1, err := c.BranchCreate(snap, "one")
	require.NoError(t, err)
	b2, err := c.BranchCreate(snap, "two")
	require.NoError(t, err)
	require.NoError(t, c.BranchBind(b1, 10))
	require.NoError(t, c.BranchBind(b2, 20))
	assert.Equal(t, b1, c.BranchOf(10))

	writeFile(t, c, 10, "/shared.txt", "upper content")
	writeFile(t, c, 10, "/only-b1.txt", "b1")

	assert.Equal(t, "upper content", readFile(t, c, 10, "/shared.txt"))
	assert.Equal(t, "base", readFile(t, c, 20, "/shared.txt"))
	_, err = c.Stat(20, "/only-b1.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, "base", readFile(t, c, testPID, "/shared.txt"))

	dest := exportTree(t, c, snap)
	assert.Equal(t, "base", readHost(t, filepath.Join(dest, "shared.txt")))
	assert.NoFileExists(t, filepath.Join(dest, "only-b1.txt"))

	// A snapshot of a branch captures the branch, not root.
	s2, err := c.SnapshotCreateForPID(10, "b1 state")
	require.NoError(t, err)
	dest = exportTree(t, c, s2)
	assert.Equal(t, "upper content", readHost(t, filepath.Join(dest, "shared.txt")))
}

func TestBranchLifecycle(t *testing.T) {
	t.Parallel()
	c := testCore(t, func(cfg *config.FsConfig) { cfg.Limits.MaxBranches = 1 })

	b, err := c.BranchCreate("", "from-root")
	require.NoError(t, err)
	_, err = c.BranchCreate("", "too many")
	assert.ErrorIs(t, err, common.ErrLimitExceeded)
	_, err = c.BranchCreate("missing", "x")
	assert.Error(t, err)

	require.NoError(t, c.BranchBind(b, 1, 2))
	list := c.BranchList()
	require.Len(t, list, 2)
	assert.Equal(t, RootBranchID, list[0].ID)
	assert.Equal(t, []PID{1, 2}, list[1].PIDs)

	assert.ErrorIs(t, c.BranchDelete(b), common.ErrBusy)
	c.BranchUnbind(1)
	require.NoError(t, c.BranchBind(RootBranchID, 2))
	assert.Equal(t, RootBranchID, c.BranchOf(2))

	h, err := c.Create(3, "/f", OpenOptions{Write: true})
	require.NoError(t, err)
	require.NoError(t, c.BranchBind(b, 3))
	require.NoError(t, c.Close(3, h))
	h, err = c.Create(3, "/g", OpenOptions{Write: true})
	require.NoError(t, err)
	c.BranchUnbind(3)
	assert.ErrorIs(t, c.BranchDelete(b), common.ErrBusy, "open handle keeps the branch alive")
	require.NoError(t, c.Close(3, h))

	require.NoError(t, c.BranchDelete(b))
	assert.ErrorIs(t, c.BranchDelete(RootBranchID), common.ErrInvalidArg)
	assert.ErrorIs(t, c.BranchDelete(b), common.ErrNotFound)
}

func TestSnapshotEviction(t *testing.T) {
	t.Parallel()
	c := testCore(t, func(cfg *config.FsConfig) { cfg.Limits.MaxSnapshots = 2 })

	s1, err := c.SnapshotCreateForPID(testPID, "1")
	require.NoError(t, err)
	s2, err := c.SnapshotCreateForPID(testPID, "2")
	require.NoError(t, err)
	s3, err := c.SnapshotCreateForPID(testPID, "3")
	require.NoError(t, err)

	snaps, err := c.ListSnapshots("")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, s2, snaps[0].ID)
	assert.Equal(t, s3, snaps[1].ID)
	assert.ErrorIs(t, c.SnapshotDelete(s1), common.ErrNotFound)

	// Pinning both leaves no room.
	_, err = c.BranchCreate(s2, "")
	require.NoError(t, err)
	_, err = c.BranchCreate(s3, "")
	require.NoError(t, err)
	_, err = c.SnapshotCreateForPID(testPID, "4")
	assert.ErrorIs(t, err, common.ErrLimitExceeded)
	assert.ErrorIs(t, c.SnapshotDelete(s2), common.ErrBusy)
}

func TestListSnapshotsScope(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	s1, err := c.SnapshotCreateForPID(testPID, "empty")
	require.NoError(t, err)
	writeFile(t, c, testPID, "/a.txt", "a")
	s2, err := c.SnapshotCreateForPID(testPID, "with a")
	require.NoError(t, err)

	all, err := c.ListSnapshots("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, s1, all[0].ID)

	scoped, err := c.ListSnapshots("/a.txt")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, s2, scoped[0].ID)
}

func TestFaultInjection(t *testing.T) {
	t.Parallel()

	t.Run("write fault leaves content unchanged", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/f", "original")
		limit := uint64(1)
		c.SetFaultPolicy(fault.Policy{Enabled: true, Rules: []fault.Rule{{Op: fault.OpWrite, Errno: fault.EIO, MaxFaults: &limit}}})

		h, err := c.Open(testPID, "/f", OpenOptions{Write: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, []byte("CLOBBER!"))
		require.ErrorIs(t, err, common.ErrIO)
		assert.Equal(t, "original", readFile(t, c, testPID, "/f"))

		_, err = c.Write(testPID, h, 0, []byte("replaced"))
		require.NoError(t, err)
		assert.Equal(t, "replaced", readFile(t, c, testPID, "/f"))
	})

	t.Run("clone fault protects snapshot sharing", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/f", "shared")
		_, err := c.SnapshotCreateForPID(testPID, "")
		require.NoError(t, err)
		c.SetFaultPolicy(fault.Policy{Enabled: true, Rules: []fault.Rule{{Op: fault.OpCloneCow, Errno: fault.ENOSPC}}})

		h, err := c.Open(testPID, "/f", OpenOptions{Write: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, []byte("x"))
		assert.ErrorIs(t, err, common.ErrNoSpace)
		c.ClearFaultPolicy()
		_, err = c.Write(testPID, h, 0, []byte("x"))
		assert.NoError(t, err)
	})

	t.Run("read and sync faults", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/f", "data")
		c.SetFaultPolicy(fault.Policy{Enabled: true, Rules: []fault.Rule{
			{Op: fault.OpRead, Errno: fault.EIO},
			{Op: fault.OpSync, Errno: fault.EIO},
		}})
		h, err := c.Open(testPID, "/f", OpenOptions{Read: true, Write: true})
		require.NoError(t, err)
		_, err = c.Read(testPID, h, 0, make([]byte, 4))
		assert.ErrorIs(t, err, common.ErrIO)
		assert.ErrorIs(t, c.Fsync(testPID, h), common.ErrIO)
		assert.Equal(t, syscall.EIO, common.Errno(c.Fsync(testPID, h)))
	})
}

func TestMemoryLimits(t *testing.T) {
	t.Parallel()

	t.Run("no spill directory reports NoSpace", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, func(cfg *config.FsConfig) { cfg.Memory.MaxBytesInMemory = 16 })
		h, err := c.Create(testPID, "/big", OpenOptions{Write: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, make([]byte, 32))
		assert.ErrorIs(t, err, common.ErrNoSpace)
		attr, _ := c.Stat(testPID, "/big")
		assert.Zero(t, attr.Size)
	})

	t.Run("spill round trip", func(t *testing.T) {
		t.Parallel()
		spill := t.TempDir()
		c := testCore(t, func(cfg *config.FsConfig) {
			cfg.Memory.MaxBytesInMemory = 16
			cfg.Memory.SpillDirectory = spill
		})
		payload := "spilled content larger than the memory limit"
		writeFile(t, c, testPID, "/big", payload)

		stats := c.Stats()
		assert.LessOrEqual(t, stats.ResidentBytes, int64(16))
		assert.Equal(t, 1, stats.StoredBlobs)
		assert.Equal(t, payload, readFile(t, c, testPID, "/big"))

		h, err := c.Open(testPID, "/big", OpenOptions{Write: true})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, []byte("SPILLED"))
		require.NoError(t, err)
		require.NoError(t, c.Close(testPID, h))
		assert.Equal(t, "SPILLED"+payload[7:], readFile(t, c, testPID, "/big"))
	})
}

func TestHostFsPersistence(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	tweak := func(cfg *config.FsConfig) {
		cfg.Backstore = config.Backstore{Mode: config.BackstoreHostFs, Root: root}
		cfg.EnableXattrs = true
	}
	cfg := config.Default()
	tweak(&cfg)

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Mkdir(testPID, "/docs", 0o750))
	writeFile(t, c, testPID, "/docs/a.txt", "persisted")
	writeFile(t, c, testPID, "/empty", "")
	require.NoError(t, c.Symlink(testPID, "docs/a.txt", "/link"))
	require.NoError(t, c.SetXattr(testPID, "/docs/a.txt", "user.tag", []byte("v1")))
	id, err := c.SnapshotCreateForPID(testPID, "keep")
	require.NoError(t, err)
	require.NoError(t, c.Shutdown())

	c2 := testCore(t, tweak)
	snaps, err := c2.ListSnapshots("")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)
	assert.Equal(t, "keep", snaps[0].Label)

	dest := exportTree(t, c2, id)
	assert.Equal(t, "persisted", readHost(t, filepath.Join(dest, "docs", "a.txt")))
	assert.Equal(t, "", readHost(t, filepath.Join(dest, "empty")))
	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", target)
	info, err := os.Stat(filepath.Join(dest, "docs"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	b, err := c2.BranchCreate(id, "restored")
	require.NoError(t, err)
	require.NoError(t, c2.BranchBind(b, 7))
	assert.Equal(t, "persisted", readFile(t, c2, 7, "/docs/a.txt"))
	v, err := c2.GetXattr(7, "/docs/a.txt", "user.tag")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestCaseInsensitive(t *testing.T) {
	t.Parallel()
	c := testCore(t, func(cfg *config.FsConfig) { cfg.CaseSensitivity = config.CaseInsensitivePreserving })
	writeFile(t, c, testPID, "/ReadMe.TXT", "hi")

	assert.Equal(t, "hi", readFile(t, c, testPID, "/readme.txt"))
	_, err := c.Create(testPID, "/README.txt", OpenOptions{Write: true, CreateNew: true})
	assert.ErrorIs(t, err, common.ErrExists)

	entries, err := c.Readdir(testPID, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ReadMe.TXT", entries[0].Name)

	require.NoError(t, c.Rename(testPID, "/readme.txt", "/README.md"))
	entries, _ = c.Readdir(testPID, "/")
	require.Len(t, entries, 1)
	assert.Equal(t, "README.md", entries[0].Name)
}

func TestXattrs(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, func(cfg *config.FsConfig) { cfg.EnableXattrs = false })
		writeFile(t, c, testPID, "/f", "x")
		assert.ErrorIs(t, c.SetXattr(testPID, "/f", "user.a", []byte("1")), common.ErrUnsupported)
	})

	t.Run("set get list remove", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, func(cfg *config.FsConfig) { cfg.EnableXattrs = true })
		writeFile(t, c, testPID, "/f", "x")
		require.NoError(t, c.SetXattr(testPID, "/f", "user.b", []byte("2")))
		require.NoError(t, c.SetXattr(testPID, "/f", "user.a", []byte("1")))

		v, err := c.GetXattr(testPID, "/f", "user.a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		names, err := c.ListXattr(testPID, "/f")
		require.NoError(t, err)
		assert.Equal(t, []string{"user.a", "user.b"}, names)

		require.NoError(t, c.RemoveXattr(testPID, "/f", "user.a"))
		_, err = c.GetXattr(testPID, "/f", "user.a")
		assert.ErrorIs(t, err, common.ErrNoAttr)
		assert.ErrorIs(t, c.RemoveXattr(testPID, "/f", "user.a"), common.ErrNoAttr)
	})
}

func TestAlternateStreams(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, nil)
		writeFile(t, c, testPID, "/f", "x")
		_, err := c.Open(testPID, "/f", OpenOptions{Write: true, Create: true, Stream: "meta"})
		assert.ErrorIs(t, err, common.ErrUnsupported)
	})

	t.Run("stream data is separate", func(t *testing.T) {
		t.Parallel()
		c := testCore(t, func(cfg *config.FsConfig) { cfg.EnableADS = true })
		writeFile(t, c, testPID, "/f", "main data")

		h, err := c.Open(testPID, "/f", OpenOptions{Write: true, Create: true, Stream: "zone"})
		require.NoError(t, err)
		_, err = c.Write(testPID, h, 0, []byte("stream data"))
		require.NoError(t, err)
		require.NoError(t, c.Close(testPID, h))

		h, err = c.Open(testPID, "/f", OpenOptions{Read: true, Stream: "zone"})
		require.NoError(t, err)
		buf := make([]byte, 32)
		n, err := c.Read(testPID, h, 0, buf)
		require.NoError(t, err)
		assert.Equal(t, "stream data", string(buf[:n]))
		assert.Equal(t, "main data", readFile(t, c, testPID, "/f"))

		_, err = c.Open(testPID, "/f", OpenOptions{Read: true, Stream: "other"})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestPermissions(t *testing.T) {
	t.Parallel()
	c := testCore(t, func(cfg *config.FsConfig) {
		cfg.Security = config.SecurityPolicy{EnforcePosixPermissions: true, DefaultUID: 1000, DefaultGID: 1000}
	})
	h, err := c.Create(testPID, "/ro", OpenOptions{Write: true, Perm: 0o444})
	require.NoError(t, err)
	require.NoError(t, c.Close(testPID, h))

	_, err = c.Open(testPID, "/ro", OpenOptions{Write: true})
	assert.ErrorIs(t, err, common.ErrPermission)
	_, err = c.Open(testPID, "/ro", OpenOptions{Read: true})
	assert.NoError(t, err)

	uid := uint32(0)
	_, err = c.SetAttr(testPID, "/ro", SetAttr{UID: &uid})
	assert.ErrorIs(t, err, common.ErrPermission)
}

func TestEvents(t *testing.T) {
	t.Parallel()
	c := testCore(t, func(cfg *config.FsConfig) { cfg.TrackEvents = true })
	var (
		mu     sync.Mutex
		events []Event
	)
	c.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	writeFile(t, c, testPID, "/f", "abc")
	require.NoError(t, c.Rename(testPID, "/f", "/g"))
	require.NoError(t, c.Unlink(testPID, "/g"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, EventCreated, events[0].Kind)
	assert.Equal(t, "f", events[0].Path)
	assert.Equal(t, RootBranchID, events[0].BranchID)
	assert.Equal(t, testPID, events[0].PID)
	assert.Equal(t, EventModified, events[1].Kind)
	assert.True(t, events[1].Extended)
	assert.Equal(t, EventRenamed, events[2].Kind)
	assert.Equal(t, "f", events[2].OldPath)
	assert.Equal(t, "g", events[2].Path)
	assert.Equal(t, EventRemoved, events[3].Kind)
}

func TestConcurrentWritersAndSnapshots(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	writeFile(t, c, testPID, "/counter", "0000")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid := PID(200 + i)
			h, err := c.Open(pid, "/counter", OpenOptions{Write: true})
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close(pid, h)
			for j := 0; j < 20; j++ {
				_, err := c.Write(pid, h, 0, []byte("abcd"))
				assert.NoError(t, err)
			}
		}(i)
	}
	for i := 0; i < 5; i++ {
		_, err := c.SnapshotCreateForPID(testPID, "")
		require.NoError(t, err)
	}
	wg.Wait()

	snaps, err := c.ListSnapshots("")
	require.NoError(t, err)
	for _, s := range snaps {
		data := readHost(t, filepath.Join(exportTree(t, c, s.ID), "counter"))
		assert.Contains(t, []string{"0000", "abcd"}, data)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	c := testCore(t, nil)
	writeFile(t, c, testPID, "/f", "x")
	require.NoError(t, c.Shutdown())
	_, err := c.Stat(testPID, "/f")
	assert.ErrorIs(t, err, common.ErrIO)
	assert.NoError(t, c.Shutdown())
}
