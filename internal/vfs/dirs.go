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

package vfs

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
)

// Stat returns the attributes of path without following a final symlink.
func (c *FsCore) Stat(pid PID, path string) (common.Attributes, error) {
	path, err := common.CleanPath(path)
	if err != nil {
		return common.Attributes{}, common.NewError("stat", path, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.viewFor(pid, "stat", path)
	if err != nil {
		return common.Attributes{}, err
	}
	e, err := c.resolve(b.root, path)
	if err != nil {
		return common.Attributes{}, err
	}
	return e.attr, nil
}

// Readlink returns the target of the symlink at path.
func (c *FsCore) Readlink(pid PID, path string) (string, error) {
	path, err := common.CleanPath(path)
	if err != nil {
		return "", common.NewError("readlink", path, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.viewFor(pid, "readlink", path)
	if err != nil {
		return "", err
	}
	e, err := c.resolve(b.root, path)
	if err != nil {
		return "", err
	}
	if e.attr.Kind != common.FileTypeSymlink {
		return "", common.NewError("readlink", common.DisplayPath(path), common.ErrInvalidArg)
	}
	return c.readlinkEntry(e)
}

func (c *FsCore) readlinkEntry(e entry) (string, error) {
	if e.node != nil {
		return e.node.target, nil
	}
	return c.lower.Readlink(e.lower)
}

// Readdir lists a directory in the merged view, sorted by name.
func (c *FsCore) Readdir(pid PID, path string) ([]DirEntry, error) {
	path, err := common.CleanPath(path)
	if err != nil {
		return nil, common.NewError("readdir", path, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.viewFor(pid, "readdir", path)
	if err != nil {
		return nil, err
	}
	e, err := c.resolveFollow(b.root, path)
	if err != nil {
		return nil, err
	}
	if !e.isDir() {
		return nil, common.NewError("readdir", common.DisplayPath(path), common.ErrNotDir)
	}
	if err := c.checkAccess(e.attr, accessRead, "readdir", path); err != nil {
		return nil, err
	}
	return c.listDir(e)
}

// Layer reports whether path is served by the lower layer, a metacopy or
// the upper layer.
func (c *FsCore) Layer(pid PID, path string) (Layer, error) {
	path, err := common.CleanPath(path)
	if err != nil {
		return "", common.NewError("layer", path, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, err := c.viewFor(pid, "layer", path)
	if err != nil {
		return "", err
	}
	e, err := c.resolve(b.root, path)
	if err != nil {
		return "", err
	}
	return e.layer(), nil
}

// prepareCreate checks that path can be created in branch b and returns
// its parent. The caller holds mu.
func (c *FsCore) prepareCreate(b *branch, path, op string) (entry, error) {
	if path == "" {
		return entry{}, common.NewError(op, "/", common.ErrExists)
	}
	if _, err := c.resolve(b.root, path); err == nil {
		return entry{}, common.NewError(op, common.DisplayPath(path), common.ErrExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return entry{}, err
	}
	parent, err := c.resolve(b.root, common.ParentPath(path))
	if err != nil {
		return entry{}, err
	}
	if !parent.isDir() {
		return entry{}, common.NewError(op, common.DisplayPath(path), common.ErrNotDir)
	}
	if err := c.checkDirWrite(parent, op); err != nil {
		return entry{}, err
	}
	return parent, nil
}

// Mkdir creates a directory. A directory created where the lower layer
// has (or had) an entry of that name is opaque.
func (c *FsCore) Mkdir(pid PID, path string, perm uint32) error {
	path, err := common.CleanPath(path)
	if err != nil {
		return common.NewError("mkdir", path, err)
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "mkdir", path)
	if err != nil {
		return err
	}
	evs.b = b.id
	if _, err := c.prepareCreate(b, path, "mkdir"); err != nil {
		return err
	}
	dir, err := c.ownDir(b, common.ParentPath(path))
	if err != nil {
		return err
	}
	if perm == 0 {
		perm = common.DefaultDirPerm
	}
	c.insertChild(dir, common.BaseName(path), newDirNode(c.newAttr(perm)))
	c.touch(dir.node)
	evs.add(Event{Kind: EventCreated, Path: path, IsDir: true})
	log.Debugf("[VFS] Mkdir: branch=%s path=%q", b.id, path)
	return nil
}

// Symlink creates a symlink at linkPath pointing to target. The target is
// stored verbatim.
func (c *FsCore) Symlink(pid PID, target, linkPath string) error {
	linkPath, err := common.CleanPath(linkPath)
	if err != nil {
		return common.NewError("symlink", linkPath, err)
	}
	if target == "" || strings.IndexByte(target, 0) >= 0 {
		return common.NewError("symlink", common.DisplayPath(linkPath), common.ErrInvalidArg)
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "symlink", linkPath)
	if err != nil {
		return err
	}
	evs.b = b.id
	if _, err := c.prepareCreate(b, linkPath, "symlink"); err != nil {
		return err
	}
	dir, err := c.ownDir(b, common.ParentPath(linkPath))
	if err != nil {
		return err
	}
	c.insertChild(dir, common.BaseName(linkPath), newSymlinkNode(c.newAttr(0o777), target))
	c.touch(dir.node)
	evs.add(Event{Kind: EventCreated, Path: linkPath})
	return nil
}

// Unlink removes a file or symlink.
func (c *FsCore) Unlink(pid PID, path string) error {
	return c.remove(pid, path, false)
}

// Rmdir removes an empty directory.
func (c *FsCore) Rmdir(pid PID, path string) error {
	return c.remove(pid, path, true)
}

func (c *FsCore) remove(pid PID, path string, dir bool) error {
	op := "unlink"
	if dir {
		op = "rmdir"
	}
	path, err := common.CleanPath(path)
	if err != nil {
		return common.NewError(op, path, err)
	}
	if path == "" {
		return common.NewError(op, "/", common.ErrBusy)
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, op, path)
	if err != nil {
		return err
	}
	evs.b = b.id
	e, err := c.resolve(b.root, path)
	if err != nil {
		return err
	}
	switch {
	case dir && !e.isDir():
		return common.NewError(op, common.DisplayPath(path), common.ErrNotDir)
	case !dir && e.isDir():
		return common.NewError(op, common.DisplayPath(path), common.ErrIsDir)
	}
	if dir {
		children, err := c.listDir(e)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return common.NewError(op, common.DisplayPath(path), common.ErrNotEmpty)
		}
	}
	parent, err := c.resolve(b.root, common.ParentPath(path))
	if err != nil {
		return err
	}
	if err := c.checkDirWrite(parent, op); err != nil {
		return err
	}
	if !c.handles.DeleteAllowed(b.id, c.key(path)) {
		return common.NewError(op, common.DisplayPath(path), common.ErrBusy)
	}

	pdir, err := c.ownDir(b, parent.path)
	if err != nil {
		return err
	}
	c.removeChild(pdir, e.name)
	c.touch(pdir.node)
	evs.add(Event{Kind: EventRemoved, Path: path, IsDir: dir})
	log.Debugf("[VFS] %s: branch=%s path=%q", op, b.id, path)
	return nil
}

// Rename moves oldPath to newPath, replacing a compatible destination. A
// directory that shows lower entries takes them along: they are copied up
// first and the moved directory becomes opaque. Handles follow the move.
func (c *FsCore) Rename(pid PID, oldPath, newPath string) error {
	oldPath, err := common.CleanPath(oldPath)
	if err != nil {
		return common.NewError("rename", oldPath, err)
	}
	newPath, err = common.CleanPath(newPath)
	if err != nil {
		return common.NewError("rename", newPath, err)
	}
	if oldPath == "" || newPath == "" {
		return common.NewError("rename", "/", common.ErrBusy)
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "rename", oldPath)
	if err != nil {
		return err
	}
	evs.b = b.id

	src, err := c.resolve(b.root, oldPath)
	if err != nil {
		return err
	}
	oldKey, newKey := c.key(oldPath), c.key(newPath)
	if oldKey == newKey {
		if oldPath == newPath {
			return nil
		}
		return c.renameSpelling(b, src, newPath, evs)
	}
	if strings.HasPrefix(newKey, oldKey+"/") {
		return common.NewError("rename", common.DisplayPath(newPath), common.ErrInvalidArg)
	}

	srcParent, err := c.resolve(b.root, common.ParentPath(oldPath))
	if err != nil {
		return err
	}
	if err := c.checkDirWrite(srcParent, "rename"); err != nil {
		return err
	}
	dstParent, err := c.resolve(b.root, common.ParentPath(newPath))
	if err != nil {
		return err
	}
	if !dstParent.isDir() {
		return common.NewError("rename", common.DisplayPath(newPath), common.ErrNotDir)
	}
	if err := c.checkDirWrite(dstParent, "rename"); err != nil {
		return err
	}
	if dst, err := c.resolve(b.root, newPath); err == nil {
		switch {
		case src.isDir() && !dst.isDir():
			return common.NewError("rename", common.DisplayPath(newPath), common.ErrNotDir)
		case !src.isDir() && dst.isDir():
			return common.NewError("rename", common.DisplayPath(newPath), common.ErrIsDir)
		case dst.isDir():
			children, err := c.listDir(dst)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return common.NewError("rename", common.DisplayPath(newPath), common.ErrNotEmpty)
			}
		}
		if !c.handles.DeleteAllowed(b.id, newKey) {
			return common.NewError("rename", common.DisplayPath(newPath), common.ErrBusy)
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if !c.handles.DeleteAllowed(b.id, oldKey) {
		return common.NewError("rename", common.DisplayPath(oldPath), common.ErrBusy)
	}

	n, moved, err := c.ownEntry(b, oldPath, false)
	if err != nil {
		return err
	}
	if n.isDir() && !n.opaque && moved.lower != "" {
		if err := c.absorbLower(n, moved.lower); err != nil {
			return err
		}
	}
	sdir, err := c.ownDir(b, srcParent.path)
	if err != nil {
		return err
	}
	n.refs++
	c.removeChild(sdir, moved.name)
	ddir, err := c.ownDir(b, dstParent.path)
	if err != nil {
		c.releaseNode(n)
		return err
	}
	c.insertChild(ddir, common.BaseName(newPath), n)
	now := c.now()
	n.attr.Ctime = now
	c.touch(sdir.node)
	c.touch(ddir.node)

	c.handles.Retarget(b.id, oldPath, newPath, c.key)
	evs.add(Event{Kind: EventRenamed, Path: newPath, OldPath: oldPath, IsDir: n.isDir()})
	log.Debugf("[VFS] Rename: branch=%s %q -> %q", b.id, oldPath, newPath)
	return nil
}

// renameSpelling changes only the letter case of a name in a
// case-insensitive tree.
func (c *FsCore) renameSpelling(b *branch, src entry, newPath string, evs *events) error {
	parent, err := c.resolve(b.root, common.ParentPath(src.path))
	if err != nil {
		return err
	}
	if err := c.checkDirWrite(parent, "rename"); err != nil {
		return err
	}
	if _, _, err := c.ownEntry(b, src.path, false); err != nil {
		return err
	}
	dir, err := c.ownDir(b, parent.path)
	if err != nil {
		return err
	}
	k := c.key(src.name)
	d := dir.node.children[k]
	d.name = common.BaseName(newPath)
	dir.node.children[k] = d
	c.touch(dir.node)
	c.handles.Retarget(b.id, src.path, newPath, c.key)
	evs.add(Event{Kind: EventRenamed, Path: newPath, OldPath: src.path, IsDir: src.isDir()})
	return nil
}

// SetAttr applies the non-nil fields of attrs to path. A size change is a
// truncate; other changes are metadata only and, in Lazy mode, leave
// lower data where it is.
func (c *FsCore) SetAttr(pid PID, path string, attrs SetAttr) (common.Attributes, error) {
	path, err := common.CleanPath(path)
	if err != nil {
		return common.Attributes{}, common.NewError("setattr", path, err)
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "setattr", path)
	if err != nil {
		return common.Attributes{}, err
	}
	evs.b = b.id
	e, err := c.resolve(b.root, path)
	if err != nil {
		return common.Attributes{}, err
	}

	if attrs.Perm != nil || attrs.Atime != nil || attrs.Mtime != nil {
		if err := c.checkOwner(e.attr, "setattr", path); err != nil {
			return common.Attributes{}, err
		}
	}
	if (attrs.UID != nil && *attrs.UID != e.attr.UID) || (attrs.GID != nil && *attrs.GID != e.attr.GID) {
		if !c.privileged() {
			return common.Attributes{}, common.NewError("setattr", common.DisplayPath(path), common.ErrPermission)
		}
	}
	if attrs.Size != nil {
		if e.isDir() {
			return common.Attributes{}, common.NewError("setattr", common.DisplayPath(path), common.ErrIsDir)
		}
		if err := c.checkAccess(e.attr, accessWrite, "setattr", path); err != nil {
			return common.Attributes{}, err
		}
		if err := c.truncateEntry(b, e, "", int64(*attrs.Size), evs); err != nil {
			return common.Attributes{}, err
		}
	}
	if attrs == (SetAttr{}) {
		return e.attr, nil
	}

	n, _, err := c.ownEntry(b, path, false)
	if err != nil {
		return common.Attributes{}, err
	}
	if attrs.Perm != nil {
		n.attr.Perm = *attrs.Perm & common.ModePermMask
	}
	if attrs.UID != nil {
		n.attr.UID = *attrs.UID
	}
	if attrs.GID != nil {
		n.attr.GID = *attrs.GID
	}
	if attrs.Atime != nil {
		n.attr.Atime = *attrs.Atime
	}
	if attrs.Mtime != nil {
		n.attr.Mtime = *attrs.Mtime
	}
	n.attr.Ctime = c.now()
	if attrs.metadataOnly() {
		evs.add(Event{Kind: EventModified, Path: path, IsDir: n.isDir(), MetadataOnly: true})
	}
	return n.stat(), nil
}
