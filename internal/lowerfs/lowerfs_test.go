package lowerfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
)

func newLower(t *testing.T) (*HostLowerFs, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "marker.txt"), []byte("marker content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0o666))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readonly.txt"), []byte("ro"), 0o444))
	require.NoError(t, os.Symlink("marker.txt", filepath.Join(root, "link")))
	l, err := NewHostLowerFs(root, time.Minute, time.Minute)
	require.NoError(t, err)
	return l, root
}

func TestNewHostLowerFs(t *testing.T) {
	t.Parallel()

	_, err := NewHostLowerFs(filepath.Join(t.TempDir(), "missing"), 0, 0)
	assert.ErrorIs(t, err, common.ErrNotFound)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewHostLowerFs(file, 0, 0)
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestStat(t *testing.T) {
	t.Parallel()
	l, _ := newLower(t)

	attrs, err := l.Stat("/marker.txt")
	require.NoError(t, err)
	assert.Equal(t, common.FileTypeRegular, attrs.Kind)
	assert.Equal(t, uint64(len("marker content")), attrs.Size)
	assert.Equal(t, InodeFor("marker.txt"), attrs.Ino)
	assert.Zero(t, attrs.Mtime.Nanosecond(), "times are whole seconds")

	attrs, err = l.Stat("src")
	require.NoError(t, err)
	assert.True(t, attrs.IsDir())

	attrs, err = l.Stat("link")
	require.NoError(t, err)
	assert.True(t, attrs.IsSymlink())

	_, err = l.Stat("nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStat_NegativeCache(t *testing.T) {
	t.Parallel()
	l, root := newLower(t)

	_, err := l.Stat("late.txt")
	require.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, os.WriteFile(filepath.Join(root, "late.txt"), []byte("x"), 0o644))

	_, err = l.Stat("late.txt")
	assert.ErrorIs(t, err, common.ErrNotFound, "negative entry still cached")

	l.Invalidate()
	_, err = l.Stat("late.txt")
	assert.NoError(t, err)
}

func TestPermissions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host, want uint32
	}{
		{0o644, 0o644},
		{0o666, 0o664},
		{0o777, 0o775},
		{0o444, 0o444},
		{0o466, 0o444},
		{0o755, 0o755},
	}
	for _, tt := range tests {
		got := LowerPerm(tt.host)
		assert.Equal(t, tt.want, got, "LowerPerm(%o)", tt.host)
		assert.Zero(t, got&0o002, "other is never writable")
	}

	l, _ := newLower(t)
	attrs, err := l.Stat("src/main.go")
	require.NoError(t, err)
	assert.Zero(t, attrs.Perm&0o002)
}

func TestOpenRO(t *testing.T) {
	t.Parallel()
	l, root := newLower(t)

	f, err := l.OpenRO("/marker.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "marker content", string(data))

	_, err = l.OpenRO("src")
	assert.ErrorIs(t, err, common.ErrIsDir)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "escape")))
	_, err = l.OpenRO("escape")
	assert.ErrorIs(t, err, common.ErrPermission)
}

func TestReaddirAndReadlink(t *testing.T) {
	t.Parallel()
	l, _ := newLower(t)

	entries, err := l.Readdir("/")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"link", "marker.txt", "readonly.txt", "src"}, names)

	target, err := l.Readlink("link")
	require.NoError(t, err)
	assert.Equal(t, "marker.txt", target)

	_, err = l.Readlink("marker.txt")
	assert.ErrorIs(t, err, common.ErrInvalidArg)
}

func TestXattrUnsupported(t *testing.T) {
	t.Parallel()
	l, _ := newLower(t)

	_, err := l.GetXattr("marker.txt", "user.test")
	assert.ErrorIs(t, err, common.ErrUnsupported)
	_, err = l.ListXattr("marker.txt")
	assert.ErrorIs(t, err, common.ErrUnsupported)
}

func TestInodeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, InodeFor("/a/b"), InodeFor("a/b"))
	assert.NotEqual(t, InodeFor("a"), InodeFor("b"))
	assert.NotZero(t, InodeFor("a")&(1<<63))
}
