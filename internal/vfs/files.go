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
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/config"
	"agentfs/internal/fault"
)

const maxSymlinkHops = 16

// Create opens path, creating a regular file when it does not exist.
func (c *FsCore) Create(pid PID, path string, opts OpenOptions) (HandleID, error) {
	opts.Create = true
	return c.Open(pid, path, opts)
}

// Open resolves path against the pid's branch and returns a handle.
// Opening a lower-only file for writing copies it up in Eager mode and
// defers the copy to the first write in Lazy mode; truncation never copies
// data.
func (c *FsCore) Open(pid PID, path string, opts OpenOptions) (h HandleID, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Open %q pid=%d → %d %v (%v)", path, pid, h, err, time.Since(start)) }()
	}
	path, err = common.CleanPath(path)
	if err != nil {
		return 0, common.NewError("open", path, err)
	}
	if path == "" {
		return 0, common.NewError("open", "/", common.ErrIsDir)
	}
	if opts.Stream != "" {
		if !c.cfg.EnableADS {
			return 0, common.NewError("open", common.DisplayPath(path), common.ErrUnsupported)
		}
		if strings.ContainsAny(opts.Stream, "/\x00:") {
			return 0, common.NewError("open", common.DisplayPath(path), common.ErrInvalidArg)
		}
	}
	if opts.CreateNew {
		opts.Create = true
	}

	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "open", path)
	if err != nil {
		return 0, err
	}
	evs.b = b.id
	e, err := c.resolveFollow(b.root, path)
	exists := err == nil
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}
	if e.path != "" {
		path = e.path
	}

	switch {
	case !exists && (!opts.Create || opts.Stream != ""):
		return 0, err
	case exists && e.isDir():
		return 0, common.NewError("open", common.DisplayPath(path), common.ErrIsDir)
	case exists && opts.CreateNew && opts.Stream == "":
		return 0, common.NewError("open", common.DisplayPath(path), common.ErrExists)
	}

	var (
		want      uint32
		streamNew bool
	)
	if opts.reads() {
		want |= accessRead
	}
	if opts.writes() {
		want |= accessWrite
	}
	if exists {
		if err := c.checkAccess(e.attr, want, "open", path); err != nil {
			return 0, err
		}
		if opts.Stream != "" {
			has := e.node != nil && e.node.streams[opts.Stream] != nil
			switch {
			case has && opts.CreateNew:
				return 0, common.NewError("open", common.DisplayPath(path), common.ErrExists)
			case !has && !opts.Create:
				return 0, notFound("open", path)
			}
			streamNew = !has
		}
	} else {
		parent, err := c.resolve(b.root, common.ParentPath(path))
		if err != nil {
			return 0, err
		}
		if !parent.isDir() {
			return 0, common.NewError("open", common.DisplayPath(path), common.ErrNotDir)
		}
		if err := c.checkDirWrite(parent, "open"); err != nil {
			return 0, err
		}
	}

	// Faults first: a forced failure leaves nothing behind.
	truncating := exists && opts.Truncate && e.attr.Size > 0 && opts.Stream == ""
	eagerCopy := exists && opts.writes() && !opts.Truncate && opts.Stream == "" &&
		c.cfg.Overlay.CopyUpMode == config.CopyUpEager && e.layer() != LayerUpper
	if truncating {
		if err := c.faults.Check(fault.OpTruncate, common.DisplayPath(path)); err != nil {
			return 0, err
		}
	}
	if eagerCopy {
		if err := c.faults.Check(fault.OpCloneCow, common.DisplayPath(path)); err != nil {
			return 0, err
		}
	}

	oh := &openHandle{
		pid:    pid,
		branch: b.id,
		path:   path,
		key:    common.FoldName(path, c.cfg.Insensitive()),
		stream: opts.Stream,
		opts:   opts,
	}
	h, err = c.handles.Allocate(oh)
	if err != nil {
		return 0, err
	}
	release := func(err error) (HandleID, error) {
		c.handles.Release(h, pid)
		return 0, err
	}

	switch {
	case !exists:
		dir, err := c.ownDir(b, common.ParentPath(path))
		if err != nil {
			return release(err)
		}
		perm := opts.Perm
		if perm == 0 {
			perm = common.DefaultFilePerm
		}
		name := common.BaseName(path)
		c.insertChild(dir, name, newFileNode(c.newAttr(perm)))
		c.touch(dir.node)
		evs.add(Event{Kind: EventCreated, Path: path})
	case streamNew:
		n, _, err := c.ownEntry(b, path, false)
		if err != nil {
			return release(err)
		}
		if n.streams == nil {
			n.streams = make(map[string]*content)
		}
		n.streams[opts.Stream] = &content{refs: 1}
		n.attr.Ctime = c.now()
		evs.add(Event{Kind: EventModified, Path: path, MetadataOnly: true})
	case opts.Truncate && opts.Stream != "":
		n, _, err := c.ownEntry(b, path, false)
		if err != nil {
			return release(err)
		}
		c.resetContent(n, opts.Stream)
		c.touch(n)
		evs.add(Event{Kind: EventModified, Path: path})
	case truncating:
		n, _, err := c.ownEntry(b, path, false)
		if err != nil {
			return release(err)
		}
		c.resetContent(n, "")
		c.touch(n)
		evs.add(Event{Kind: EventModified, Path: path})
	case eagerCopy:
		if _, _, err := c.ownEntry(b, path, true); err != nil {
			return release(err)
		}
	}
	log.Debugf("[VFS] Open: pid=%d branch=%s path=%q handle=%d", pid, b.id, path, h)
	return h, nil
}

// resolveFollow resolves path, following symlinks in the final component.
// Absolute targets are relative to the filesystem root.
func (c *FsCore) resolveFollow(root *node, path string) (entry, error) {
	for hop := 0; ; hop++ {
		e, err := c.resolve(root, path)
		if err != nil {
			// The caller may create the final target.
			return entry{path: path}, err
		}
		if e.attr.Kind != common.FileTypeSymlink {
			return e, nil
		}
		if hop == maxSymlinkHops {
			return entry{}, common.NewError("open", common.DisplayPath(path), common.ErrInvalidPath)
		}
		target, err := c.readlinkEntry(e)
		if err != nil {
			return entry{}, err
		}
		if !strings.HasPrefix(target, "/") {
			target = common.ParentPath(path) + "/" + target
		}
		path = common.NormalizePath(target)
	}
}

// resetContent replaces the named data with an empty private content
// without reading the old bytes.
func (c *FsCore) resetContent(n *node, stream string) {
	empty := &content{refs: 1}
	if stream != "" {
		c.releaseContent(n.streams[stream])
		n.streams[stream] = empty
		return
	}
	c.releaseContent(n.data)
	n.data = empty
	n.lowerBacked = false
	n.lowerPath = ""
}

// handleEntry returns the handle and its resolved target. The caller holds mu.
func (c *FsCore) handleEntry(pid PID, h HandleID, op string) (openHandle, *branch, entry, error) {
	oh, ok := c.handles.Get(h, pid)
	if !ok {
		return openHandle{}, nil, entry{}, common.NewError(op, "", common.ErrInvalidHandle)
	}
	b, ok := c.branches[oh.branch]
	if !ok {
		return openHandle{}, nil, entry{}, common.NewError(op, common.DisplayPath(oh.path), common.ErrInvalidHandle)
	}
	e, err := c.resolve(b.root, oh.path)
	if err != nil {
		return openHandle{}, nil, entry{}, err
	}
	if e.isDir() {
		return openHandle{}, nil, entry{}, common.NewError(op, common.DisplayPath(oh.path), common.ErrIsDir)
	}
	if oh.stream != "" && (e.node == nil || e.node.streams[oh.stream] == nil) {
		return openHandle{}, nil, entry{}, notFound(op, oh.path)
	}
	return oh, b, e, nil
}

// targetSize is the length of the data a handle addresses.
func targetSize(e entry, stream string) int64 {
	if stream != "" {
		return e.node.streams[stream].size
	}
	return int64(e.attr.Size)
}

// Read copies up to len(p) bytes at off. A negative off reads at the
// handle's current position.
func (c *FsCore) Read(pid PID, h HandleID, off int64, p []byte) (n int, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Read handle=%d len=%d off=%d → %d %v (%v)", h, len(p), off, n, err, time.Since(start)) }()
	}
	c.mu.RLock()
	oh, _, e, err := c.handleEntry(pid, h, "read")
	if err != nil {
		c.mu.RUnlock()
		return 0, err
	}
	if !oh.opts.reads() {
		c.mu.RUnlock()
		return 0, common.NewError("read", common.DisplayPath(oh.path), common.ErrInvalidHandle)
	}
	if off < 0 {
		off = oh.offset
	}
	if err := c.faults.Check(fault.OpRead, common.DisplayPath(oh.path)); err != nil {
		c.mu.RUnlock()
		return 0, err
	}
	switch {
	case e.node == nil:
		n, err = c.readLower(e.lower, off, p)
	case oh.stream != "":
		n, err = c.readAt(nil, e.node.streams[oh.stream], "", off, p)
	default:
		n, err = c.readAt(e.node, e.node.data, "", off, p)
	}
	c.mu.RUnlock()
	if err != nil {
		return n, err
	}
	c.handles.SetOffset(h, off+int64(n))
	return n, nil
}

// Write applies data at off (at EOF for append handles, at the handle
// position when off is negative). Shared content is cloned first; a
// lower-backed file is copied up. Faults are consulted before anything
// changes.
func (c *FsCore) Write(pid PID, h HandleID, off int64, data []byte) (n int, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Write handle=%d len=%d off=%d → %d %v (%v)", h, len(data), off, n, err, time.Since(start)) }()
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()

	oh, b, e, err := c.handleEntry(pid, h, "write")
	if err != nil {
		return 0, err
	}
	evs.b = b.id
	if !oh.opts.writes() {
		return 0, common.NewError("write", common.DisplayPath(oh.path), common.ErrInvalidHandle)
	}
	cur := targetSize(e, oh.stream)
	switch {
	case oh.opts.Append:
		off = cur
	case off < 0:
		off = oh.offset
	}
	end := off + int64(len(data))
	grows := end > cur

	display := common.DisplayPath(oh.path)
	if err := c.faults.Check(fault.OpWrite, display); err != nil {
		return 0, err
	}
	if grows {
		if err := c.faults.Check(fault.OpAllocate, display); err != nil {
			return 0, err
		}
	}
	if c.needsClone(e, oh.stream, true) {
		if err := c.faults.Check(fault.OpCloneCow, display); err != nil {
			return 0, err
		}
	}
	if err := c.reserve(oh.path, c.growth(e, oh.stream, end)); err != nil {
		return 0, err
	}

	node, _, err := c.ownEntry(b, oh.path, oh.stream == "")
	if err != nil {
		return 0, err
	}
	ct, err := c.ownContent(node, oh.stream)
	if err != nil {
		return 0, err
	}
	if err := c.writeAt(ct, off, data); err != nil {
		return 0, err
	}
	c.touch(node)
	c.enforceMemory(ct)
	c.handles.SetOffset(h, end)
	evs.add(Event{Kind: EventModified, Path: oh.path, Extended: grows})
	return len(data), nil
}

// needsClone reports whether changing the data of e copies bytes: shared
// content, a metacopy or a lower-only file. keepData is false when the
// old bytes are discarded anyway.
func (c *FsCore) needsClone(e entry, stream string, keepData bool) bool {
	if !keepData {
		return false
	}
	if e.node == nil {
		return stream == ""
	}
	if stream == "" && e.node.lowerBacked {
		return true
	}
	return contentShared(e.node, stream)
}

// growth estimates the resident bytes a write ending at end adds.
func (c *FsCore) growth(e entry, stream string, end int64) int64 {
	size := targetSize(e, stream)
	if end < size {
		end = size
	}
	if e.node == nil || (stream == "" && e.node.lowerBacked) {
		return end
	}
	ct := e.node.data
	if stream != "" {
		ct = e.node.streams[stream]
	}
	if ct == nil || !ct.resident() || ct.refs > 1 {
		return end
	}
	return end - int64(len(ct.buf))
}

// Truncate sets the size of the file at path.
func (c *FsCore) Truncate(pid PID, path string, size int64) error {
	path, err := common.CleanPath(path)
	if err != nil {
		return common.NewError("truncate", path, err)
	}
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "truncate", path)
	if err != nil {
		return err
	}
	evs.b = b.id
	e, err := c.resolveFollow(b.root, path)
	if err != nil {
		return err
	}
	if e.isDir() {
		return common.NewError("truncate", common.DisplayPath(path), common.ErrIsDir)
	}
	if err := c.checkAccess(e.attr, accessWrite, "truncate", e.path); err != nil {
		return err
	}
	return c.truncateEntry(b, e, "", size, evs)
}

// FTruncate sets the size of the file a write handle refers to.
func (c *FsCore) FTruncate(pid PID, h HandleID, size int64) error {
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	oh, b, e, err := c.handleEntry(pid, h, "truncate")
	if err != nil {
		return err
	}
	evs.b = b.id
	if !oh.opts.writes() {
		return common.NewError("truncate", common.DisplayPath(oh.path), common.ErrInvalidHandle)
	}
	return c.truncateEntry(b, e, oh.stream, size, evs)
}

func (c *FsCore) truncateEntry(b *branch, e entry, stream string, size int64, evs *events) error {
	if size < 0 {
		return common.NewError("truncate", common.DisplayPath(e.path), common.ErrInvalidArg)
	}
	display := common.DisplayPath(e.path)
	if err := c.faults.Check(fault.OpTruncate, display); err != nil {
		return err
	}
	if c.needsClone(e, stream, size > 0) {
		if err := c.faults.Check(fault.OpCloneCow, display); err != nil {
			return err
		}
	}
	if err := c.reserve(e.path, c.growth(e, stream, size)); err != nil {
		return err
	}
	cur := targetSize(e, stream)
	node, _, err := c.ownEntry(b, e.path, stream == "" && size > 0)
	if err != nil {
		return err
	}
	if size == 0 {
		c.resetContent(node, stream)
	} else {
		ct, err := c.ownContent(node, stream)
		if err != nil {
			return err
		}
		if err := c.truncate(ct, size); err != nil {
			return err
		}
		c.enforceMemory(ct)
	}
	c.touch(node)
	evs.add(Event{Kind: EventModified, Path: e.path, Extended: size > cur})
	return nil
}

// Fsync flushes the handle's file. In HostFs mode resident data is written
// to the blob store and made durable.
func (c *FsCore) Fsync(pid PID, h HandleID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	oh, _, e, err := c.handleEntry(pid, h, "fsync")
	if err != nil {
		return err
	}
	if err := c.faults.Check(fault.OpSync, common.DisplayPath(oh.path)); err != nil {
		return err
	}
	if !c.hostMode() || e.node == nil {
		return nil
	}
	if err := c.flushNode(e.node); err != nil {
		return err
	}
	return c.store.Sync()
}

// Close releases the handle. In HostFs mode resident data written through
// it is flushed; the handle is released even when the flush fails.
func (c *FsCore) Close(pid PID, h HandleID) error {
	oh, ok := c.handles.Release(h, pid)
	if !ok {
		return common.NewError("close", "", common.ErrInvalidHandle)
	}
	if !c.hostMode() || !oh.opts.writes() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.branches[oh.branch]
	if !ok {
		return nil
	}
	e, err := c.resolve(b.root, oh.path)
	if err != nil || !c.nodeDirty(e.node) {
		return nil
	}
	if err := c.faults.Check(fault.OpSync, common.DisplayPath(oh.path)); err != nil {
		return err
	}
	return c.flushNode(e.node)
}
