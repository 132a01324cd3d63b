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

// Package vfs implements the AgentFS engine: a copy-on-write upper layer
// over an optional read-only lower tree, with per-process branches,
// immutable snapshots and a handle table.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/config"
	"agentfs/internal/fault"
	"agentfs/internal/lowerfs"
	"agentfs/internal/storage"
)

const rootIno = 1

// FsCore is the engine shared by every client of one filesystem. All
// methods are safe for concurrent use.
type FsCore struct {
	cfg   config.FsConfig
	lower lowerfs.LowerFs
	now   func() time.Time

	// mu guards the node graph, branch and snapshot registries and the
	// memory counters. Reads take RLock.
	mu        sync.RWMutex
	branches  map[BranchID]*branch
	bindings  map[PID]*branch
	snapshots map[SnapshotID]*snapshot
	snapSeq   int64
	nextIno   uint64
	resident  int64

	handles *HandleManager
	faults  *fault.Injector

	// store receives spilled (InMemory) or persisted (HostFs) content.
	// It is nil for InMemory without a spill directory.
	store   storage.BlobStore
	catalog *storage.Catalog

	subMu       sync.RWMutex
	subscribers []func(Event)

	closed bool
}

type branch struct {
	id             BranchID
	name           string
	parentSnapshot SnapshotID
	root           *node
	pids           map[PID]struct{}
	createdAt      time.Time
}

type snapshot struct {
	rec  SnapshotRecord
	seq  int64
	root *node
}

// Option customizes New.
type Option func(*FsCore)

// WithLowerFs replaces the host lower layer built from the overlay config.
func WithLowerFs(l lowerfs.LowerFs) Option {
	return func(c *FsCore) { c.lower = l }
}

// WithClock sets the time source for node and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *FsCore) { c.now = now }
}

// New validates cfg and builds an engine with an empty upper layer. In
// HostFs mode snapshots persisted by an earlier instance are reloaded.
func New(cfg config.FsConfig, opts ...Option) (*FsCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &FsCore{
		cfg:       cfg,
		now:       time.Now,
		branches:  make(map[BranchID]*branch),
		bindings:  make(map[PID]*branch),
		snapshots: make(map[SnapshotID]*snapshot),
		nextIno:   rootIno + 1,
		handles:   NewHandleManager(cfg.Limits.MaxOpenHandles),
		faults:    fault.NewInjector(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Overlay.Enabled && c.lower == nil {
		lower, err := lowerfs.NewHostLowerFs(cfg.Overlay.LowerPath(), cfg.Cache.AttrTimeout(), cfg.Cache.NegativeTimeout())
		if err != nil {
			return nil, fmt.Errorf("overlay: %w", err)
		}
		c.lower = lower
	}
	if !cfg.Overlay.Enabled {
		c.lower = nil
	}

	if err := c.openStore(); err != nil {
		return nil, err
	}

	now := c.now()
	rootAttr := common.Attributes{
		Ino:   rootIno,
		Perm:  common.DefaultDirPerm,
		UID:   cfg.Security.DefaultUID,
		GID:   cfg.Security.DefaultGID,
		Atime: now, Mtime: now, Ctime: now, Birthtime: now,
	}
	if c.lower != nil {
		if la, err := c.lower.Stat(""); err == nil {
			rootAttr.Perm, rootAttr.UID, rootAttr.GID = la.Perm, la.UID, la.GID
			rootAttr.Mtime, rootAttr.Ctime = la.Mtime, la.Ctime
		}
	}
	c.branches[RootBranchID] = &branch{
		id:        RootBranchID,
		root:      newDirNode(rootAttr),
		pids:      make(map[PID]struct{}),
		createdAt: now,
	}

	if c.catalog != nil {
		if err := c.loadSnapshots(context.Background()); err != nil {
			c.closeStores()
			return nil, err
		}
	}
	log.Infof("[VFS] engine ready: backstore=%s overlay=%v copyup=%s case=%s",
		cfg.Backstore.Mode, cfg.Overlay.Enabled, cfg.Overlay.CopyUpMode, cfg.CaseSensitivity)
	return c, nil
}

func (c *FsCore) openStore() error {
	switch c.cfg.Backstore.Mode {
	case config.BackstoreHostFs:
		root := c.cfg.Backstore.Root
		if err := os.MkdirAll(root, 0o700); err != nil {
			return fmt.Errorf("backstore root: %w", common.FromOS("mkdir", root, err))
		}
		store, err := storage.OpenFileBlobStore(filepath.Join(root, "blobs"), storage.FileStoreOptions{
			Codec:   storage.CodecFor(c.cfg.Memory.SpillCompression),
			Raw:     c.cfg.Backstore.PreferNativeSnapshots,
			Durable: true,
		})
		if err != nil {
			return err
		}
		catalog, err := storage.OpenCatalog(filepath.Join(root, "catalog.db"))
		if err != nil {
			return err
		}
		c.store, c.catalog = store, catalog
	default:
		if dir := c.cfg.Memory.SpillDirectory; dir != "" {
			store, err := storage.NewSpillStore(dir, storage.CodecFor(c.cfg.Memory.SpillCompression))
			if err != nil {
				return err
			}
			c.store = store
		}
	}
	return nil
}

func (c *FsCore) hostMode() bool { return c.catalog != nil }

// Config returns the configuration the engine was built with.
func (c *FsCore) Config() config.FsConfig { return c.cfg }

// Faults exposes the engine's fault injector.
func (c *FsCore) Faults() *fault.Injector { return c.faults }

// SetFaultPolicy installs p, resetting all rule counters.
func (c *FsCore) SetFaultPolicy(p fault.Policy) {
	c.faults.SetPolicy(p)
	log.Infof("[VFS] fault policy installed: enabled=%v rules=%d", p.Enabled, len(p.Rules))
}

// ClearFaultPolicy disables fault injection.
func (c *FsCore) ClearFaultPolicy() {
	c.faults.Clear()
}

// Subscribe registers fn for every committed mutation when track_events
// is enabled. fn runs on the mutating goroutine after the engine lock is
// released.
func (c *FsCore) Subscribe(fn func(Event)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// BranchOf returns the branch pid currently sees.
func (c *FsCore) BranchOf(pid PID) BranchID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.branchFor(pid).id
}

// viewFor returns the branch pid resolves against. The caller holds mu.
func (c *FsCore) viewFor(pid PID, op, path string) (*branch, error) {
	if c.closed {
		return nil, common.NewError(op, common.DisplayPath(path), common.ErrIO)
	}
	return c.branchFor(pid), nil
}

func (c *FsCore) branchFor(pid PID) *branch {
	if b, ok := c.bindings[pid]; ok {
		return b
	}
	return c.branches[RootBranchID]
}

// Stats reports engine counters.
func (c *FsCore) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		Branches:      len(c.branches) - 1,
		Snapshots:     len(c.snapshots),
		ResidentBytes: c.resident,
		Backstore:     string(c.cfg.Backstore.Mode),
	}
	c.mu.RUnlock()
	s.Handles = c.handles.Count()
	if c.store != nil {
		st := c.store.Stats()
		s.StoredBytes, s.StoredBlobs = st.Bytes, st.Blobs
	}
	return s
}

// Shutdown releases every handle, branch and snapshot and closes the stores.
// Resident data of the live tree is not persisted; snapshots are.
func (c *FsCore) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.handles.Clear()
	// Trees are dropped without releasing blobs: persisted snapshots
	// still reference them, and a spill store is removed as a whole.
	c.snapshots = make(map[SnapshotID]*snapshot)
	c.branches = make(map[BranchID]*branch)
	c.bindings = make(map[PID]*branch)
	c.resident = 0
	return c.closeStores()
}

func (c *FsCore) closeStores() error {
	var errs []error
	if c.catalog != nil {
		errs = append(errs, c.catalog.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Sync(), c.store.Close())
	}
	return errors.Join(errs...)
}

func (c *FsCore) allocIno() uint64 {
	ino := c.nextIno
	c.nextIno++
	return ino
}

// newAttr builds attributes for a node created by the caller identity.
func (c *FsCore) newAttr(perm uint32) common.Attributes {
	now := c.now()
	return common.Attributes{
		Ino:       c.allocIno(),
		Perm:      perm & common.ModePermMask,
		UID:       c.cfg.Security.DefaultUID,
		GID:       c.cfg.Security.DefaultGID,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
	}
}

func (c *FsCore) touch(n *node) {
	now := c.now()
	n.attr.Mtime, n.attr.Ctime = now, now
}

func (c *FsCore) key(name string) string {
	return common.FoldName(name, c.cfg.Insensitive())
}

// events accumulates notifications for one operation. It is delivered
// after the engine lock is released.
type events struct {
	c   *FsCore
	pid PID
	b   BranchID
	out []Event
}

func (c *FsCore) newEvents(pid PID) *events {
	return &events{c: c, pid: pid}
}

func (e *events) add(ev Event) {
	if !e.c.cfg.TrackEvents {
		return
	}
	ev.PID = e.pid
	ev.BranchID = e.b
	e.out = append(e.out, ev)
}

func (e *events) deliver() {
	if len(e.out) == 0 {
		return
	}
	e.c.subMu.RLock()
	subs := e.c.subscribers
	e.c.subMu.RUnlock()
	for _, ev := range e.out {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
