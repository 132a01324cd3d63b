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
	"strings"
	"sync"

	"agentfs/internal/common"
)

// HandleID is the type for VFS handles
type HandleID uint64

// openHandle represents an open file. Handles are bound to the branch
// that was resolved at open time and re-resolve their path on every use.
type openHandle struct {
	pid    PID
	branch BranchID
	path   string
	key    string // folded path, for share checks
	stream string
	opts   OpenOptions
	offset int64
}

// HandleManager manages VFS handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
	limit      int
}

// NewHandleManager creates a handle manager holding at most limit handles
// (0 means unlimited).
func NewHandleManager(limit int) *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
		limit:      limit,
	}
}

// Allocate registers h and returns its id. It fails with TooManyHandles
// at the limit and Busy when share modes conflict with open handles.
func (hm *HandleManager) Allocate(h *openHandle) (HandleID, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.limit > 0 && len(hm.handles) >= hm.limit {
		return 0, common.NewError("open", common.DisplayPath(h.path), common.ErrTooManyHandles)
	}
	for _, other := range hm.handles {
		if other.branch != h.branch || other.key != h.key || other.stream != h.stream {
			continue
		}
		if conflicts(other, h) || conflicts(h, other) {
			return 0, common.NewError("open", common.DisplayPath(h.path), common.ErrBusy)
		}
	}

	id := hm.nextHandle
	hm.nextHandle++
	hm.handles[id] = h
	return id, nil
}

// conflicts reports whether holder's share mode forbids the access newer
// asks for.
func conflicts(holder, newer *openHandle) bool {
	share := holder.opts.Share
	if share == 0 {
		return false
	}
	if newer.opts.reads() && share&ShareRead == 0 {
		return true
	}
	if newer.opts.writes() && share&ShareWrite == 0 {
		return true
	}
	return false
}

// Get retrieves a copy of a handle owned by pid.
func (hm *HandleManager) Get(id HandleID, pid PID) (openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	h, ok := hm.handles[id]
	if !ok || h.pid != pid {
		return openHandle{}, false
	}
	return *h, true
}

// SetOffset records the position after a sequential read or write.
func (hm *HandleManager) SetOffset(id HandleID, off int64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if h, ok := hm.handles[id]; ok {
		h.offset = off
	}
}

// Release frees a handle owned by pid.
func (hm *HandleManager) Release(id HandleID, pid PID) (openHandle, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h, ok := hm.handles[id]
	if !ok || h.pid != pid {
		return openHandle{}, false
	}
	delete(hm.handles, id)
	return *h, true
}

// DeleteAllowed reports whether every handle open on key permits deletion
// or rename of the file.
func (hm *HandleManager) DeleteAllowed(branch BranchID, key string) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, h := range hm.handles {
		if h.branch == branch && h.key == key && h.opts.Share != 0 && h.opts.Share&ShareDelete == 0 {
			return false
		}
	}
	return true
}

// Retarget moves handles open at or below from to the same place under
// to. from and to are normalized paths; fold computes lookup keys.
func (hm *HandleManager) Retarget(branch BranchID, from, to string, fold func(string) string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	fromKey := fold(from)
	depth := len(common.SplitPath(from))
	for _, h := range hm.handles {
		if h.branch != branch || (h.key != fromKey && !strings.HasPrefix(h.key, fromKey+"/")) {
			continue
		}
		rest := common.SplitPath(h.path)[depth:]
		h.path = common.JoinPath(append([]string{to}, rest...)...)
		h.key = fold(h.path)
	}
}

// CountBranch returns how many handles are bound to branch.
func (hm *HandleManager) CountBranch(branch BranchID) int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	n := 0
	for _, h := range hm.handles {
		if h.branch == branch {
			n++
		}
	}
	return n
}

// Count returns the number of open handles.
func (hm *HandleManager) Count() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// Clear removes all handles, returning the count of handles cleared
func (hm *HandleManager) Clear() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	count := len(hm.handles)
	hm.handles = make(map[HandleID]*openHandle)
	// Don't reset nextHandle to avoid handle ID reuse issues
	return count
}
