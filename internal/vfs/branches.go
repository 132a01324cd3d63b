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
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
)

// BranchCreate starts a writable branch from a snapshot, or from the
// current root branch tree when fromSnapshot is empty. The new branch
// shares every node with its origin until one side writes.
func (c *FsCore) BranchCreate(fromSnapshot SnapshotID, name string) (BranchID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", common.NewError("branch_create", "", common.ErrIO)
	}
	if len(c.branches)-1 >= c.cfg.Limits.MaxBranches {
		return "", common.NewError("branch_create", name, common.ErrLimitExceeded)
	}
	var root *node
	if fromSnapshot == "" {
		root = c.branches[RootBranchID].root
	} else {
		s, ok := c.snapshots[fromSnapshot]
		if !ok {
			return "", common.NewError("branch_create", fromSnapshot, common.ErrNotFound)
		}
		root = s.root
	}
	root.refs++
	b := &branch{
		id:             uuid.NewString(),
		name:           name,
		parentSnapshot: fromSnapshot,
		root:           root,
		pids:           make(map[PID]struct{}),
		createdAt:      c.now(),
	}
	c.branches[b.id] = b
	log.Infof("[VFS] branch %s created: name=%q from=%q", b.id, name, fromSnapshot)
	return b.id, nil
}

// BranchBind makes pids resolve against branch id. Binding to the root
// branch is the same as unbinding.
func (c *FsCore) BranchBind(id BranchID, pids ...PID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.branches[id]
	if !ok {
		return common.NewError("branch_bind", id, common.ErrNotFound)
	}
	for _, pid := range pids {
		c.unbindLocked(pid)
		if id == RootBranchID {
			continue
		}
		c.bindings[pid] = b
		b.pids[pid] = struct{}{}
	}
	log.Debugf("[VFS] branch %s bound pids=%v", id, pids)
	return nil
}

// BranchUnbind returns pid to the root branch.
func (c *FsCore) BranchUnbind(pid PID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbindLocked(pid)
}

func (c *FsCore) unbindLocked(pid PID) {
	if old, ok := c.bindings[pid]; ok {
		delete(old.pids, pid)
		delete(c.bindings, pid)
	}
}

// BranchList returns the root branch first, then branches by creation time.
func (c *FsCore) BranchList() []BranchInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BranchInfo, 0, len(c.branches))
	for _, b := range c.branches {
		info := BranchInfo{
			ID:             b.id,
			Name:           b.name,
			ParentSnapshot: b.parentSnapshot,
			PIDs:           make([]PID, 0, len(b.pids)),
			CreatedAt:      b.createdAt,
		}
		for pid := range b.pids {
			info.PIDs = append(info.PIDs, pid)
		}
		sort.Slice(info.PIDs, func(i, j int) bool { return info.PIDs[i] < info.PIDs[j] })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == RootBranchID) != (out[j].ID == RootBranchID) {
			return out[i].ID == RootBranchID
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BranchDelete drops a branch with no bound pids and no open handles.
func (c *FsCore) BranchDelete(id BranchID) error {
	if id == RootBranchID {
		return common.NewError("branch_delete", id, common.ErrInvalidArg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.branches[id]
	if !ok {
		return common.NewError("branch_delete", id, common.ErrNotFound)
	}
	if len(b.pids) > 0 || c.handles.CountBranch(id) > 0 {
		return common.NewError("branch_delete", id, common.ErrBusy)
	}
	delete(c.branches, id)
	c.releaseNode(b.root)
	log.Infof("[VFS] branch %s deleted", id)
	return nil
}
