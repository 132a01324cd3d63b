package fusehost

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
	"agentfs/internal/config"
	"agentfs/internal/vfs"
)

func newCore(t *testing.T, mutate func(*config.FsConfig)) *vfs.FsCore {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	core, err := vfs.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Shutdown() })
	return core
}

func TestOpenOptions(t *testing.T) {
	t.Parallel()
	fsys := New(newCore(t, nil), 1)

	tests := []struct {
		name  string
		flags int
		want  vfs.OpenOptions
	}{
		{"read only", syscall.O_RDONLY, vfs.OpenOptions{Read: true}},
		{"write only", syscall.O_WRONLY, vfs.OpenOptions{Write: true}},
		{"read write truncate", syscall.O_RDWR | syscall.O_TRUNC, vfs.OpenOptions{Read: true, Write: true, Truncate: true}},
		{"exclusive create", syscall.O_WRONLY | syscall.O_CREAT | syscall.O_EXCL, vfs.OpenOptions{Write: true, Create: true, CreateNew: true}},
		{"append", syscall.O_WRONLY | syscall.O_APPEND, vfs.OpenOptions{Write: true, Append: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, fsys.openOptions(uint32(tt.flags)))
		})
	}
}

func TestOpenOptionsWritebackDropsAppend(t *testing.T) {
	t.Parallel()
	core := newCore(t, func(c *config.FsConfig) { c.Cache.WritebackCache = true })
	fsys := New(core, 1)

	opts := fsys.openOptions(uint32(syscall.O_WRONLY | syscall.O_APPEND))
	assert.False(t, opts.Append)
	assert.True(t, opts.Write)
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	assert.Equal(t, syscall.Errno(0), toErrno(nil))
	assert.Equal(t, syscall.ENOENT, toErrno(common.NewError("stat", "/x", common.ErrNotFound)))
	assert.Equal(t, syscall.ENOTEMPTY, toErrno(common.ErrNotEmpty))
	assert.Equal(t, syscall.EIO, toErrno(os.ErrClosed))
}

func TestFillAttr(t *testing.T) {
	t.Parallel()

	mtime := time.Unix(1700000000, 500)
	var out fuse.Attr
	fillAttr(&out, common.Attributes{
		Ino:   42,
		Kind:  common.FileTypeDirectory,
		Perm:  0o755,
		Size:  1025,
		UID:   501,
		GID:   20,
		Mtime: mtime,
	})

	assert.Equal(t, uint64(42), out.Ino)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), out.Mode)
	assert.Equal(t, uint64(3), out.Blocks)
	assert.Equal(t, uint32(1), out.Nlink, "zero link count is reported as 1")
	assert.Equal(t, uint32(501), out.Uid)
	assert.Equal(t, uint64(1700000000), out.Mtime)
	assert.Equal(t, uint32(500), out.Mtimensec)
}

func TestKindMode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(syscall.S_IFREG), kindMode(common.FileTypeRegular))
	assert.Equal(t, uint32(syscall.S_IFDIR), kindMode(common.FileTypeDirectory))
	assert.Equal(t, uint32(syscall.S_IFLNK), kindMode(common.FileTypeSymlink))
}

func TestCopyOut(t *testing.T) {
	t.Parallel()

	value := []byte("user.tag\x00user.other\x00")

	n, errno := copyOut(nil, value)
	assert.Equal(t, uint32(len(value)), n, "empty buffer probes the size")
	assert.Equal(t, syscall.Errno(0), errno)

	_, errno = copyOut(make([]byte, 4), value)
	assert.Equal(t, syscall.ERANGE, errno)

	buf := make([]byte, 64)
	n, errno = copyOut(buf, value)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, value, buf[:n])
}

func TestXattrList(t *testing.T) {
	t.Parallel()

	assert.Empty(t, xattrList(nil))
	assert.Equal(t, []byte("a\x00bc\x00"), xattrList([]string{"a", "bc"}))
}

func TestFillStatfs(t *testing.T) {
	t.Parallel()

	var out fuse.StatfsOut
	fillStatfs(&out, vfs.Stats{ResidentBytes: 4096 * 10}, 4096*100)
	assert.Equal(t, uint64(100), out.Blocks)
	assert.Equal(t, uint64(90), out.Bfree)
	assert.Equal(t, uint32(255), out.NameLen)

	fillStatfs(&out, vfs.Stats{ResidentBytes: 4096}, 0)
	assert.Equal(t, uint64(1<<30/4096), out.Blocks, "unbounded memory reports at least 1 GiB")
}

// fuseAvailable skips tests that need a real mount.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func TestMountRoundTrip(t *testing.T) {
	fuseAvailable(t)
	core := newCore(t, nil)

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(core, Options{Mountpoint: mountpoint, DefaultPID: 1})
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	require.NoError(t, os.MkdirAll(filepath.Join(mountpoint, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mountpoint, "src", "main.go"), []byte("package main\n"), 0o644))

	data, err := os.ReadFile(filepath.Join(mountpoint, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	// The engine sees what the kernel wrote, in this process's view.
	attr, err := core.Stat(vfs.PID(os.Getpid()), "/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, uint64(13), attr.Size)

	require.NoError(t, os.Symlink("main.go", filepath.Join(mountpoint, "src", "link")))
	target, err := os.Readlink(filepath.Join(mountpoint, "src", "link"))
	require.NoError(t, err)
	assert.Equal(t, "main.go", target)

	require.NoError(t, os.Rename(filepath.Join(mountpoint, "src", "main.go"), filepath.Join(mountpoint, "src", "app.go")))
	entries, err := os.ReadDir(filepath.Join(mountpoint, "src"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"app.go", "link"}, names)

	require.NoError(t, os.Remove(filepath.Join(mountpoint, "src", "link")))
	require.NoError(t, os.Remove(filepath.Join(mountpoint, "src", "app.go")))
	require.NoError(t, os.Remove(filepath.Join(mountpoint, "src")))
}
