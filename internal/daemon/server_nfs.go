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
	"path"
	"sync"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"agentfs/internal/common"
	"agentfs/internal/vfs"
)

// maxSymlinkHops bounds symlink resolution in Stat.
const maxSymlinkHops = 16

// NFSServer exports one pid's view of an FsCore over NFSv3.
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNFSServer creates a new NFS server for pid's view of core
func NewNFSServer(core *vfs.FsCore, pid vfs.PID) *NFSServer {
	// Set go-nfs log level to match daemon's log level
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(core, pid))
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Serve listens on addr and serves in the background.
func (s *NFSServer) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("[NFS] server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address.
func (s *NFSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the NFS server
func (s *NFSServer) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return err
}

// BillyAdapter adapts one pid's view of an FsCore to the billy filesystem
// interface go-nfs serves.
type BillyAdapter struct {
	core *vfs.FsCore
	pid  vfs.PID
}

// NewBillyAdapter creates a Billy adapter for pid's view of core
func NewBillyAdapter(core *vfs.FsCore, pid vfs.PID) *BillyAdapter {
	return &BillyAdapter{core: core, pid: pid}
}

// pathError converts an engine error into the *os.PathError go-nfs maps
// onto NFS status codes.
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: common.Errno(err)}
}

// openOptions maps os.OpenFile flags onto engine open options.
func openOptions(flag int, perm os.FileMode) vfs.OpenOptions {
	acc := flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
	return vfs.OpenOptions{
		Read:      acc != os.O_WRONLY,
		Write:     acc != os.O_RDONLY,
		Create:    flag&os.O_CREATE != 0,
		CreateNew: flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0,
		Truncate:  flag&os.O_TRUNC != 0,
		Append:    flag&os.O_APPEND != 0,
		Perm:      uint32(perm.Perm()),
	}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	h, err := b.core.Open(b.pid, filename, openOptions(flag, perm))
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	return &BillyFile{adapter: b, handle: h, name: filename}, nil
}

// Stat follows symlinks.
func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	p := filename
	for range maxSymlinkHops {
		attr, err := b.core.Stat(b.pid, p)
		if err != nil {
			return nil, pathError("stat", filename, err)
		}
		if !attr.IsSymlink() {
			return newFileInfo(path.Base(filename), attr), nil
		}
		target, err := b.core.Readlink(b.pid, p)
		if err != nil {
			return nil, pathError("stat", filename, err)
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir("/"+common.NormalizePath(p)), target)
		}
		p = target
	}
	return nil, &os.PathError{Op: "stat", Path: filename, Err: syscall.ELOOP}
}

func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	attr, err := b.core.Stat(b.pid, filename)
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	return newFileInfo(path.Base(filename), attr), nil
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return pathError("rename", oldpath, b.core.Rename(b.pid, oldpath, newpath))
}

func (b *BillyAdapter) Remove(filename string) error {
	attr, err := b.core.Stat(b.pid, filename)
	if err != nil {
		return pathError("remove", filename, err)
	}
	if attr.IsDir() {
		return pathError("remove", filename, b.core.Rmdir(b.pid, filename))
	}
	return pathError("remove", filename, b.core.Unlink(b.pid, filename))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := b.core.Readdir(b.pid, dirname)
	if err != nil {
		return nil, pathError("readdir", dirname, err)
	}
	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		attr, err := b.core.Stat(b.pid, path.Join(dirname, e.Name))
		if err != nil {
			// Removed since the listing; skip it.
			continue
		}
		result = append(result, newFileInfo(e.Name, attr))
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	p := ""
	for _, part := range common.SplitPath(filename) {
		p = path.Join(p, part)
		err := b.core.Mkdir(b.pid, p, uint32(perm.Perm()))
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrExists) {
			return pathError("mkdir", p, err)
		}
		attr, serr := b.core.Stat(b.pid, p)
		if serr != nil || !attr.IsDir() {
			return pathError("mkdir", p, common.ErrNotDir)
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return pathError("symlink", link, b.core.Symlink(b.pid, target, link))
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	target, err := b.core.Readlink(b.pid, link)
	return target, pathError("readlink", link, err)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	perm := uint32(mode.Perm())
	_, err := b.core.SetAttr(b.pid, name, vfs.SetAttr{Perm: &perm})
	return pathError("chmod", name, err)
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.Chown(name, uid, gid)
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	var attr vfs.SetAttr
	if uid >= 0 {
		u := uint32(uid)
		attr.UID = &u
	}
	if gid >= 0 {
		g := uint32(gid)
		attr.GID = &g
	}
	_, err := b.core.SetAttr(b.pid, name, attr)
	return pathError("chown", name, err)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	_, err := b.core.SetAttr(b.pid, name, vfs.SetAttr{Atime: &atime, Mtime: &mtime})
	return pathError("chtimes", name, err)
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is an open engine handle with a seek position.
type BillyFile struct {
	adapter *BillyAdapter
	handle  vfs.HandleID
	name    string

	mu     sync.Mutex
	offset int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.adapter.core.Write(f.adapter.pid, f.handle, f.offset, p)
	f.offset += int64(n)
	return n, pathError("write", f.name, err)
}

func (f *BillyFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.adapter.core.Write(f.adapter.pid, f.handle, off, p)
	return n, pathError("write", f.name, err)
}

func (f *BillyFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.adapter.core.Read(f.adapter.pid, f.handle, f.offset, p)
	if err != nil {
		return n, pathError("read", f.name, err)
	}
	f.offset += int64(n)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.adapter.core.Read(f.adapter.pid, f.handle, off, p)
	if err != nil {
		return n, pathError("read", f.name, err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attr, err := f.adapter.core.Stat(f.adapter.pid, f.name)
		if err != nil {
			return 0, pathError("seek", f.name, err)
		}
		f.offset = int64(attr.Size) + offset
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: os.ErrInvalid}
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return pathError("close", f.name, f.adapter.core.Close(f.adapter.pid, f.handle))
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return pathError("truncate", f.name, f.adapter.core.FTruncate(f.adapter.pid, f.handle, size))
}

// BillyFileInfo is an os.FileInfo over engine attributes.
type BillyFileInfo struct {
	name string
	attr common.Attributes
}

func newFileInfo(name string, attr common.Attributes) *BillyFileInfo {
	if name == "." || name == "" {
		name = "/"
	}
	return &BillyFileInfo{name: name, attr: attr}
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return int64(fi.attr.Size)
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	perm := os.FileMode(fi.attr.Perm & 0777)
	switch fi.attr.Kind {
	case common.FileTypeDirectory:
		return os.ModeDir | perm
	case common.FileTypeSymlink:
		return os.ModeSymlink | perm
	}
	return perm
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.attr.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.attr.IsDir()
}

// Sys returns the go-nfs file info; go-nfs only reads ids and the inode
// number from a *file.FileInfo.
func (fi *BillyFileInfo) Sys() interface{} {
	nlink := fi.attr.Nlink
	if nlink == 0 {
		nlink = 1
	}
	return &nfsfile.FileInfo{
		Nlink:  nlink,
		UID:    fi.attr.UID,
		GID:    fi.attr.GID,
		Fileid: fi.attr.Ino,
	}
}
