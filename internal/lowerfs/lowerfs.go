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

// Package lowerfs exposes a read-only host directory tree as the lower
// layer of an overlay.
package lowerfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"agentfs/internal/cache"
	"agentfs/internal/common"
)

// File is an open read-only lower file.
type File interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// LowerFs is the capability set the engine needs from a lower layer.
// Paths are normalized virtual paths ("" is the root).
type LowerFs interface {
	Stat(path string) (common.Attributes, error)
	OpenRO(path string) (File, error)
	Readdir(dir string) ([]common.DirEntry, error)
	Readlink(path string) (string, error)
	GetXattr(path, name string) ([]byte, error)
	ListXattr(path string) ([]string, error)
}

// HostLowerFs maps virtual paths onto root+path on the host.
type HostLowerFs struct {
	root  string
	attrs *cache.AttrCache
}

// NewHostLowerFs validates that root is a directory. attrTTL and
// negativeTTL configure the stat cache; zero disables it.
func NewHostLowerFs(root string, attrTTL, negativeTTL time.Duration) (*HostLowerFs, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("lower root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("lower root %s: %w", root, common.FromOS("stat", abs, err))
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("lower root %s: %w", root, common.ErrNotDir)
	}
	// Resolve symlinks once so containment checks compare like with like.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &HostLowerFs{
		root:  abs,
		attrs: cache.NewAttrCache(attrTTL, negativeTTL, 65536),
	}, nil
}

// Root returns the host directory backing the lower layer.
func (l *HostLowerFs) Root() string { return l.root }

// Invalidate drops cached stats, e.g. after the host tree changed.
func (l *HostLowerFs) Invalidate() { l.attrs.Invalidate() }

func (l *HostLowerFs) hostPath(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(common.NormalizePath(path)))
}

func (l *HostLowerFs) Stat(path string) (common.Attributes, error) {
	path = common.NormalizePath(path)
	if attrs, missing, ok := l.attrs.Get(path); ok {
		if missing {
			return common.Attributes{}, common.NewError("stat", common.DisplayPath(path), common.ErrNotFound)
		}
		return attrs, nil
	}

	info, err := os.Lstat(l.hostPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.attrs.SetMissing(path)
		}
		return common.Attributes{}, common.FromOS("stat", common.DisplayPath(path), err)
	}
	attrs := translate(path, info)
	l.attrs.Set(path, attrs)
	log.Tracef("[LOWER] stat %s size=%d kind=%s", path, attrs.Size, attrs.Kind)
	return attrs, nil
}

func (l *HostLowerFs) OpenRO(path string) (File, error) {
	path = common.NormalizePath(path)
	host := l.hostPath(path)
	resolved, err := filepath.EvalSymlinks(host)
	if err != nil {
		return nil, common.FromOS("open", common.DisplayPath(path), err)
	}
	if resolved != l.root && !strings.HasPrefix(resolved, l.root+string(filepath.Separator)) {
		return nil, common.NewError("open", common.DisplayPath(path), common.ErrPermission)
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, common.FromOS("open", common.DisplayPath(path), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.FromOS("open", common.DisplayPath(path), err)
	}
	if info.IsDir() {
		f.Close()
		return nil, common.NewError("open", common.DisplayPath(path), common.ErrIsDir)
	}
	return f, nil
}

func (l *HostLowerFs) Readdir(dir string) ([]common.DirEntry, error) {
	dir = common.NormalizePath(dir)
	entries, err := os.ReadDir(l.hostPath(dir))
	if err != nil {
		return nil, common.FromOS("readdir", common.DisplayPath(dir), err)
	}
	out := make([]common.DirEntry, 0, len(entries))
	for _, e := range entries {
		child := common.JoinPath(dir, e.Name())
		kind := common.FileTypeRegular
		switch {
		case e.Type()&os.ModeSymlink != 0:
			kind = common.FileTypeSymlink
		case e.IsDir():
			kind = common.FileTypeDirectory
		}
		out = append(out, common.DirEntry{Name: e.Name(), Kind: kind, Ino: InodeFor(child)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *HostLowerFs) Readlink(path string) (string, error) {
	path = common.NormalizePath(path)
	target, err := os.Readlink(l.hostPath(path))
	if err != nil {
		var pe *os.PathError
		if errors.As(err, &pe) && errors.Is(pe.Err, syscall.EINVAL) {
			return "", common.NewError("readlink", common.DisplayPath(path), common.ErrInvalidArg)
		}
		return "", common.FromOS("readlink", common.DisplayPath(path), err)
	}
	return target, nil
}

// GetXattr is not implemented by the host adapter.
func (l *HostLowerFs) GetXattr(path, name string) ([]byte, error) {
	return nil, common.NewError("getxattr", common.DisplayPath(path), common.ErrUnsupported)
}

// ListXattr is not implemented by the host adapter.
func (l *HostLowerFs) ListXattr(path string) ([]string, error) {
	return nil, common.NewError("listxattr", common.DisplayPath(path), common.ErrUnsupported)
}

// translate converts host metadata. Lower entries are read-only unless the
// owner may write them, and "other" never gets write permission.
func translate(path string, info os.FileInfo) common.Attributes {
	mode := info.Mode()
	attrs := common.Attributes{
		Ino:   InodeFor(path),
		Size:  uint64(info.Size()),
		Perm:  LowerPerm(uint32(mode.Perm())),
		Nlink: 1,
	}
	switch {
	case mode&os.ModeSymlink != 0:
		attrs.Kind = common.FileTypeSymlink
	case mode.IsDir():
		attrs.Kind = common.FileTypeDirectory
		attrs.Size = 0
	default:
		attrs.Kind = common.FileTypeRegular
	}
	mtime := time.Unix(info.ModTime().Unix(), 0)
	attrs.Atime, attrs.Mtime, attrs.Ctime, attrs.Birthtime = mtime, mtime, mtime, mtime
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		attrs.UID = st.Uid
		attrs.GID = st.Gid
		attrs.Nlink = uint32(st.Nlink)
	}
	return attrs
}

// LowerPerm derives engine permissions from host permission bits.
func LowerPerm(host uint32) uint32 {
	perm := host & 0o555
	if host&0o200 != 0 {
		perm |= 0o200 | host&0o020
	}
	return perm
}

// InodeFor returns a stable inode number for a lower-only path. The top
// bit is always set so lower inodes never collide with engine-allocated ones.
func InodeFor(path string) uint64 {
	sum := blake3.Sum256([]byte(common.NormalizePath(path)))
	var ino uint64
	for _, b := range sum[:8] {
		ino = ino<<8 | uint64(b)
	}
	return ino | 1<<63
}
