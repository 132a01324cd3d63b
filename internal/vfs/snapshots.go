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
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// SnapshotCreateForPID captures the branch pid currently sees. The capture
// shares the branch root, so it costs one reference until either side
// changes. In HostFs mode the snapshot is persisted before it is visible.
func (c *FsCore) SnapshotCreateForPID(pid PID, label string) (SnapshotID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.viewFor(pid, "snapshot", "")
	if err != nil {
		return "", err
	}
	if err := c.evictSnapshot(); err != nil {
		return "", err
	}

	root := b.root
	files, bytes := countUpper(root)
	rec := SnapshotRecord{
		ID:         uuid.NewString(),
		Label:      label,
		CreatedAt:  c.now(),
		BranchID:   b.id,
		PID:        pid,
		FileCount:  files,
		TotalBytes: bytes,
	}
	seq := c.snapSeq + 1
	if c.hostMode() {
		if err := c.persistSnapshot(rec, seq, root); err != nil {
			return "", err
		}
	}
	root.refs++
	c.snapSeq = seq
	c.snapshots[rec.ID] = &snapshot{rec: rec, seq: seq, root: root}
	log.Infof("[VFS] snapshot %s created: branch=%s pid=%d label=%q files=%d bytes=%d",
		rec.ID, b.id, pid, label, files, bytes)
	return rec.ID, nil
}

// evictSnapshot makes room for one snapshot by dropping the oldest one no
// branch is based on. The caller holds mu.
func (c *FsCore) evictSnapshot() error {
	if len(c.snapshots) < c.cfg.Limits.MaxSnapshots {
		return nil
	}
	var victim *snapshot
	for _, s := range c.sortedSnapshots() {
		if !c.pinned(s.rec.ID) {
			victim = s
			break
		}
	}
	if victim == nil {
		return common.NewError("snapshot", "", fmt.Errorf("%w: every snapshot is a branch parent", common.ErrLimitExceeded))
	}
	log.Infof("[VFS] evicting snapshot %s (limit %d)", victim.rec.ID, c.cfg.Limits.MaxSnapshots)
	return c.dropSnapshot(victim)
}

func (c *FsCore) pinned(id SnapshotID) bool {
	for _, b := range c.branches {
		if b.parentSnapshot == id {
			return true
		}
	}
	return false
}

func (c *FsCore) dropSnapshot(s *snapshot) error {
	if c.catalog != nil {
		if err := c.catalog.DeleteSnapshot(context.Background(), s.rec.ID); err != nil {
			return err
		}
	}
	delete(c.snapshots, s.rec.ID)
	c.releaseNode(s.root)
	return nil
}

func (c *FsCore) sortedSnapshots() []*snapshot {
	out := make([]*snapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// countUpper totals the regular files held by the upper tree.
func countUpper(root *node) (files, bytes uint64) {
	var walk func(n *node)
	walk = func(n *node) {
		for _, d := range n.children {
			if d.whiteout {
				continue
			}
			switch {
			case d.node.isDir():
				walk(d.node)
			case !d.node.isSymlink():
				files++
				bytes += d.node.size()
			}
		}
	}
	walk(root)
	return files, bytes
}

// ListSnapshots returns snapshots oldest first. A non-empty pathScope keeps
// only snapshots in which that path exists.
func (c *FsCore) ListSnapshots(pathScope string) ([]SnapshotRecord, error) {
	scope, err := common.CleanPath(pathScope)
	if err != nil {
		return nil, common.NewError("snapshots", pathScope, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SnapshotRecord, 0, len(c.snapshots))
	for _, s := range c.sortedSnapshots() {
		if scope != "" {
			if _, err := c.resolve(s.root, scope); err != nil {
				continue
			}
		}
		out = append(out, s.rec)
	}
	return out, nil
}

// SnapshotDelete removes a snapshot no branch is based on.
func (c *FsCore) SnapshotDelete(id SnapshotID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[id]
	if !ok {
		return common.NewError("snapshot_delete", id, common.ErrNotFound)
	}
	if c.pinned(id) {
		return common.NewError("snapshot_delete", id, common.ErrBusy)
	}
	if err := c.dropSnapshot(s); err != nil {
		return err
	}
	log.Infof("[VFS] snapshot %s deleted", id)
	return nil
}

// persistSnapshot writes every upper node under root to the blob store and
// the catalog. Content moved into the store stays shared with the live
// tree.
func (c *FsCore) persistSnapshot(rec SnapshotRecord, seq int64, root *node) error {
	if err := c.flushTree(root); err != nil {
		return err
	}
	var entries []storage.SnapshotEntryModel
	var walk func(path string, n *node) error
	walk = func(path string, n *node) error {
		m, err := entryModel(path, n)
		if err != nil {
			return err
		}
		entries = append(entries, m)
		for _, d := range n.children {
			child := common.JoinPath(path, d.name)
			if d.whiteout {
				entries = append(entries, storage.SnapshotEntryModel{Path: child, Whiteout: true})
				continue
			}
			if err := walk(child, d.node); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk("", root); err != nil {
		return err
	}
	model := storage.SnapshotModel{
		ID:         rec.ID,
		Seq:        seq,
		Label:      rec.Label,
		BranchID:   rec.BranchID,
		PID:        int64(rec.PID),
		CreatedAt:  rec.CreatedAt.UnixNano(),
		FileCount:  int64(rec.FileCount),
		TotalBytes: int64(rec.TotalBytes),
	}
	return c.catalog.SaveSnapshot(context.Background(), model, entries)
}

func entryModel(path string, n *node) (storage.SnapshotEntryModel, error) {
	a := n.attr
	m := storage.SnapshotEntryModel{
		Path:        path,
		Ino:         int64(a.Ino),
		Kind:        int64(a.Kind),
		Perm:        int64(a.Perm),
		UID:         int64(a.UID),
		GID:         int64(a.GID),
		Size:        int64(n.size()),
		Atime:       a.Atime.UnixNano(),
		Mtime:       a.Mtime.UnixNano(),
		Ctime:       a.Ctime.UnixNano(),
		Btime:       a.Birthtime.UnixNano(),
		Opaque:      n.opaque,
		LowerBacked: n.lowerBacked,
	}
	switch {
	case n.isSymlink():
		m.Target = n.target
	case n.lowerBacked:
		m.Target = n.lowerPath
	case n.data != nil:
		m.BlobKey = n.data.blob.Key
	}
	extra := storage.EntryExtra{Xattrs: n.xattrs}
	if len(n.streams) > 0 {
		extra.Streams = make(map[string]storage.BlobRef, len(n.streams))
		for name, s := range n.streams {
			extra.Streams[name] = storage.BlobRef{Key: s.blob.Key, Size: s.size}
		}
	}
	b, err := storage.EncodeExtra(extra)
	if err != nil {
		return m, err
	}
	m.Extra = b
	return m, nil
}

// loadSnapshots rebuilds persisted snapshots at startup.
func (c *FsCore) loadSnapshots(ctx context.Context) error {
	models, err := c.catalog.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		entries, err := c.catalog.LoadEntries(ctx, m.ID)
		if err != nil {
			return err
		}
		root, err := c.buildTree(entries)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", m.ID, err)
		}
		c.snapshots[m.ID] = &snapshot{
			rec: SnapshotRecord{
				ID:         m.ID,
				Label:      m.Label,
				CreatedAt:  time.Unix(0, m.CreatedAt),
				BranchID:   m.BranchID,
				PID:        PID(m.PID),
				FileCount:  uint64(m.FileCount),
				TotalBytes: uint64(m.TotalBytes),
			},
			seq:  m.Seq,
			root: root,
		}
		if m.Seq > c.snapSeq {
			c.snapSeq = m.Seq
		}
	}
	if len(models) > 0 {
		log.Infof("[VFS] reloaded %d snapshots from %s", len(models), c.catalog.Path())
	}
	return nil
}

// buildTree turns catalog rows (parents before children) into a node tree,
// retaining every referenced blob.
func (c *FsCore) buildTree(entries []storage.SnapshotEntryModel) (*node, error) {
	nodes := make(map[string]*node, len(entries))
	var root *node
	for _, m := range entries {
		if m.Path == "" {
			root = newDirNode(attrFromModel(m))
			root.opaque = m.Opaque
			nodes[""] = root
			continue
		}
		parent := nodes[common.ParentPath(m.Path)]
		if parent == nil || !parent.isDir() {
			return nil, fmt.Errorf("entry %q has no parent directory", m.Path)
		}
		name := common.BaseName(m.Path)
		if m.Whiteout {
			parent.children[c.key(name)] = dirent{name: name, whiteout: true}
			continue
		}
		n, err := c.nodeFromModel(m)
		if err != nil {
			return nil, err
		}
		parent.children[c.key(name)] = dirent{name: name, node: n}
		nodes[m.Path] = n
	}
	if root == nil {
		return nil, fmt.Errorf("missing root entry")
	}
	return root, nil
}

func attrFromModel(m storage.SnapshotEntryModel) common.Attributes {
	return common.Attributes{
		Ino:       uint64(m.Ino),
		Kind:      common.FileType(m.Kind),
		Size:      uint64(m.Size),
		Perm:      uint32(m.Perm),
		UID:       uint32(m.UID),
		GID:       uint32(m.GID),
		Atime:     time.Unix(0, m.Atime),
		Mtime:     time.Unix(0, m.Mtime),
		Ctime:     time.Unix(0, m.Ctime),
		Birthtime: time.Unix(0, m.Btime),
	}
}

func (c *FsCore) nodeFromModel(m storage.SnapshotEntryModel) (*node, error) {
	attr := attrFromModel(m)
	var n *node
	switch attr.Kind {
	case common.FileTypeDirectory:
		n = newDirNode(attr)
		n.opaque = m.Opaque
	case common.FileTypeSymlink:
		n = newSymlinkNode(attr, m.Target)
	default:
		n = &node{refs: 1, attr: attr}
		if m.LowerBacked {
			n.lowerBacked = true
			n.lowerPath = m.Target
		} else {
			ct, err := c.loadContent(storage.BlobRef{Key: m.BlobKey, Size: m.Size})
			if err != nil {
				return nil, err
			}
			n.data = ct
		}
	}
	if uint64(m.Ino) >= c.nextIno {
		c.nextIno = uint64(m.Ino) + 1
	}
	extra, err := storage.DecodeExtra(m.Extra)
	if err != nil {
		return nil, err
	}
	n.xattrs = extra.Xattrs
	if len(extra.Streams) > 0 {
		n.streams = make(map[string]*content, len(extra.Streams))
		for name, ref := range extra.Streams {
			ct, err := c.loadContent(ref)
			if err != nil {
				return nil, err
			}
			n.streams[name] = ct
		}
	}
	return n, nil
}

func (c *FsCore) loadContent(ref storage.BlobRef) (*content, error) {
	if ref.IsZero() {
		return &content{refs: 1}, nil
	}
	if err := c.store.Retain(ref); err != nil {
		return nil, err
	}
	return &content{refs: 1, blob: ref, size: ref.Size}, nil
}
