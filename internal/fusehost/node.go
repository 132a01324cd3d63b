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

package fusehost

import (
	"context"
	"errors"
	"path"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/vfs"
)

const (
	renameNoReplace = 0x1
	renameExchange  = 0x2

	xattrCreate  = 0x1
	xattrReplace = 0x2
)

// FS is the node factory shared by every inode of a mount.
type FS struct {
	core       *vfs.FsCore
	defaultPID vfs.PID
}

// New returns an FS serving core. defaultPID is used for requests whose
// caller the kernel does not report.
func New(core *vfs.FsCore, defaultPID vfs.PID) *FS {
	return &FS{core: core, defaultPID: defaultPID}
}

// Root returns the root inode embedder for fs.Mount.
func (f *FS) Root() fs.InodeEmbedder {
	return &node{fsys: f}
}

// pid returns the pid whose view serves the request.
func (f *FS) pid(ctx context.Context) vfs.PID {
	if caller, ok := fuse.FromContext(ctx); ok && caller.Pid != 0 {
		return vfs.PID(caller.Pid)
	}
	return f.defaultPID
}

// toErrno maps an engine error onto the errno the kernel returns.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	if errno := common.Errno(err); errno != 0 {
		return errno
	}
	return syscall.EIO
}

// node is a directory, file or symlink addressed by its path from the root.
type node struct {
	fs.Inode
	fsys *FS
}

var (
	_ fs.NodeLookuper      = (*node)(nil)
	_ fs.NodeGetattrer     = (*node)(nil)
	_ fs.NodeSetattrer     = (*node)(nil)
	_ fs.NodeReaddirer     = (*node)(nil)
	_ fs.NodeMkdirer       = (*node)(nil)
	_ fs.NodeCreater       = (*node)(nil)
	_ fs.NodeOpener        = (*node)(nil)
	_ fs.NodeUnlinker      = (*node)(nil)
	_ fs.NodeRmdirer       = (*node)(nil)
	_ fs.NodeRenamer       = (*node)(nil)
	_ fs.NodeSymlinker     = (*node)(nil)
	_ fs.NodeReadlinker    = (*node)(nil)
	_ fs.NodeGetxattrer    = (*node)(nil)
	_ fs.NodeSetxattrer    = (*node)(nil)
	_ fs.NodeListxattrer   = (*node)(nil)
	_ fs.NodeRemovexattrer = (*node)(nil)
	_ fs.NodeFsyncer       = (*node)(nil)
	_ fs.NodeStatfser      = (*node)(nil)
)

func (n *node) path() string {
	return "/" + n.Path(n.Root())
}

func (n *node) child(name string) string {
	return path.Join(n.path(), name)
}

// newChild stats p and returns an inode for it with out filled in.
func (n *node) newChild(ctx context.Context, pid vfs.PID, p string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fsys.core.Stat(pid, p)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	cache := n.fsys.core.Config().Cache
	out.SetEntryTimeout(cache.EntryTimeout())
	out.SetAttrTimeout(cache.AttrTimeout())
	child := n.NewInode(ctx, &node{fsys: n.fsys}, fs.StableAttr{
		Mode: attr.Mode() & syscall.S_IFMT,
		Ino:  attr.Ino,
	})
	return child, fs.OK
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.newChild(ctx, n.fsys.pid(ctx), n.child(name), out)
}

func (n *node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fsys.core.Stat(n.fsys.pid(ctx), n.path())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	out.SetTimeout(n.fsys.core.Config().Cache.AttrTimeout())
	return fs.OK
}

func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	pid := n.fsys.pid(ctx)
	var req vfs.SetAttr
	if mode, ok := in.GetMode(); ok {
		perm := mode & 0o7777
		req.Perm = &perm
	}
	if uid, ok := in.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		req.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		// ftruncate keeps working on a handle whose name changed.
		if h, isHandle := f.(*handle); isHandle {
			if err := n.fsys.core.FTruncate(h.pid, h.id, int64(size)); err != nil {
				return toErrno(err)
			}
		} else {
			req.Size = &size
		}
	}
	if atime, ok := in.GetATime(); ok {
		req.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		req.Mtime = &mtime
	}
	attr, err := n.fsys.core.SetAttr(pid, n.path(), req)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return fs.OK
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.core.Readdir(n.fsys.pid(ctx), n.path())
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Mode: kindMode(e.Kind),
			Ino:  e.Ino,
		})
	}
	return fs.NewListDirStream(out), fs.OK
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	pid := n.fsys.pid(ctx)
	p := n.child(name)
	if err := n.fsys.core.Mkdir(pid, p, mode&0o7777); err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, pid, p, out)
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	pid := n.fsys.pid(ctx)
	p := n.child(name)
	opts := n.fsys.openOptions(flags)
	opts.Create = true
	opts.Perm = mode & 0o7777
	id, err := n.fsys.core.Open(pid, p, opts)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	child, errno := n.newChild(ctx, pid, p, out)
	if errno != fs.OK {
		n.fsys.core.Close(pid, id)
		return nil, nil, 0, errno
	}
	return child, &handle{fsys: n.fsys, pid: pid, id: id}, 0, fs.OK
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	pid := n.fsys.pid(ctx)
	id, err := n.fsys.core.Open(pid, n.path(), n.fsys.openOptions(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	var fuseFlags uint32
	if cache := n.fsys.core.Config().Cache; cache.AutoCache || cache.WritebackCache {
		fuseFlags |= fuse.FOPEN_KEEP_CACHE
	}
	return &handle{fsys: n.fsys, pid: pid, id: id}, fuseFlags, fs.OK
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.core.Unlink(n.fsys.pid(ctx), n.child(name)))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.core.Rmdir(n.fsys.pid(ctx), n.child(name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&renameExchange != 0 {
		return syscall.ENOTSUP
	}
	parent, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	pid := n.fsys.pid(ctx)
	to := parent.child(newName)
	if flags&renameNoReplace != 0 {
		if _, err := n.fsys.core.Stat(pid, to); err == nil {
			return syscall.EEXIST
		}
	}
	return toErrno(n.fsys.core.Rename(pid, n.child(name), to))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	pid := n.fsys.pid(ctx)
	p := n.child(name)
	if err := n.fsys.core.Symlink(pid, target, p); err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, pid, p, out)
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.core.Readlink(n.fsys.pid(ctx), n.path())
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fsys.core.GetXattr(n.fsys.pid(ctx), n.path(), attr)
	if err != nil {
		return 0, toErrno(err)
	}
	return copyOut(dest, value)
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	pid := n.fsys.pid(ctx)
	if flags&(xattrCreate|xattrReplace) != 0 {
		_, err := n.fsys.core.GetXattr(pid, n.path(), attr)
		exists := err == nil
		if err != nil && !errors.Is(err, common.ErrNoAttr) {
			return toErrno(err)
		}
		if flags&xattrCreate != 0 && exists {
			return syscall.EEXIST
		}
		if flags&xattrReplace != 0 && !exists {
			return toErrno(common.ErrNoAttr)
		}
	}
	return toErrno(n.fsys.core.SetXattr(pid, n.path(), attr, data))
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fsys.core.ListXattr(n.fsys.pid(ctx), n.path())
	if err != nil {
		return 0, toErrno(err)
	}
	return copyOut(dest, xattrList(names))
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return toErrno(n.fsys.core.RemoveXattr(n.fsys.pid(ctx), n.path(), attr))
}

func (n *node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	if h, ok := f.(*handle); ok {
		return h.Fsync(ctx, flags)
	}
	return fs.OK
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	fillStatfs(out, n.fsys.core.Stats(), n.fsys.core.Config().Memory.MaxBytesInMemory)
	return fs.OK
}

// openOptions maps open(2) flags onto engine options. With writeback
// caching the kernel computes append offsets itself.
func (f *FS) openOptions(flags uint32) vfs.OpenOptions {
	acc := int(flags) & syscall.O_ACCMODE
	opts := vfs.OpenOptions{
		Read:      acc != syscall.O_WRONLY,
		Write:     acc != syscall.O_RDONLY,
		Create:    int(flags)&syscall.O_CREAT != 0,
		CreateNew: int(flags)&syscall.O_CREAT != 0 && int(flags)&syscall.O_EXCL != 0,
		Truncate:  int(flags)&syscall.O_TRUNC != 0,
		Append:    int(flags)&syscall.O_APPEND != 0,
	}
	if f.core.Config().Cache.WritebackCache {
		opts.Append = false
	}
	return opts
}

// handle is an open engine handle. It keeps the opener's pid so kernel
// writeback from other contexts lands on the same view.
type handle struct {
	fsys *FS
	pid  vfs.PID
	id   vfs.HandleID
}

var (
	_ fs.FileReader   = (*handle)(nil)
	_ fs.FileWriter   = (*handle)(nil)
	_ fs.FileFlusher  = (*handle)(nil)
	_ fs.FileFsyncer  = (*handle)(nil)
	_ fs.FileReleaser = (*handle)(nil)
)

func (h *handle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fsys.core.Read(h.pid, h.id, off, dest)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *handle) Write(_ context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fsys.core.Write(h.pid, h.id, off, data)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), fs.OK
}

func (h *handle) Flush(context.Context) syscall.Errno {
	return fs.OK
}

func (h *handle) Fsync(context.Context, uint32) syscall.Errno {
	return toErrno(h.fsys.core.Fsync(h.pid, h.id))
}

func (h *handle) Release(context.Context) syscall.Errno {
	if err := h.fsys.core.Close(h.pid, h.id); err != nil {
		log.Debugf("[FUSE] release handle %d: %v", h.id, err)
		return toErrno(err)
	}
	return fs.OK
}

// fillAttr copies engine attributes into a kernel attribute block.
func fillAttr(out *fuse.Attr, a common.Attributes) {
	out.Ino = a.Ino
	out.Mode = a.Mode()
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Blksize = 4096
	out.Nlink = a.Nlink
	if out.Nlink == 0 {
		out.Nlink = 1
	}
	out.Uid = a.UID
	out.Gid = a.GID
	atime, mtime, ctime := a.Atime, a.Mtime, a.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

func kindMode(k common.FileType) uint32 {
	switch k {
	case common.FileTypeDirectory:
		return syscall.S_IFDIR
	case common.FileTypeSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// copyOut implements the xattr size-probe convention: an empty dest asks
// for the required size.
func copyOut(dest, value []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), fs.OK
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), fs.OK
}

// xattrList encodes names as NUL-terminated strings.
func xattrList(names []string) []byte {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(0)
	}
	return []byte(b.String())
}

const statfsBlockSize = 4096

func fillStatfs(out *fuse.StatfsOut, st vfs.Stats, capacity uint64) {
	used := uint64(st.ResidentBytes + st.StoredBytes)
	total := capacity
	if total == 0 || total < used {
		// Unbounded memory: report twice the usage, at least 1 GiB.
		total = max(2*used, 1<<30)
	}
	out.Bsize = statfsBlockSize
	out.Frsize = statfsBlockSize
	out.Blocks = total / statfsBlockSize
	out.Bfree = (total - used) / statfsBlockSize
	out.Bavail = out.Bfree
	out.Files = 1 << 20
	out.Ffree = 1 << 20
	out.NameLen = 255
}
