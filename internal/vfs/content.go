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
	"io"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// contentBytes returns the full data of ct without changing where it lives.
func (c *FsCore) contentBytes(ct *content) ([]byte, error) {
	if ct == nil {
		return nil, nil
	}
	if ct.resident() {
		return ct.buf[:ct.size], nil
	}
	data, err := c.store.Get(ct.blob)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// makeResident loads a stored blob back into memory for mutation.
func (c *FsCore) makeResident(ct *content) error {
	if ct.resident() {
		return nil
	}
	data, err := c.store.Get(ct.blob)
	if err != nil {
		return err
	}
	if err := c.store.Release(ct.blob); err != nil {
		log.Warnf("[VFS] release blob %s: %v", ct.blob.Key, err)
	}
	ct.blob = storage.BlobRef{}
	ct.buf = data
	c.resident += int64(len(data))
	return nil
}

// storeContent moves resident bytes into the blob store.
func (c *FsCore) storeContent(ct *content) error {
	if ct == nil || !ct.resident() || c.store == nil {
		return nil
	}
	if ct.size == 0 {
		c.resident -= int64(len(ct.buf))
		ct.buf = nil
		return nil
	}
	ref, err := c.store.Put(ct.buf[:ct.size])
	if err != nil {
		return err
	}
	c.resident -= int64(len(ct.buf))
	ct.buf = nil
	ct.blob = ref
	return nil
}

// reserve fails with NoSpace when growing resident memory by delta would
// exceed the limit and nothing can absorb the overflow.
func (c *FsCore) reserve(path string, delta int64) error {
	limit := int64(c.cfg.Memory.MaxBytesInMemory)
	if limit == 0 || delta <= 0 || c.store != nil {
		return nil
	}
	if c.resident+delta > limit {
		return common.NewError("write", common.DisplayPath(path), common.ErrNoSpace)
	}
	return nil
}

// enforceMemory spills ct once resident bytes exceed the limit.
func (c *FsCore) enforceMemory(ct *content) {
	limit := int64(c.cfg.Memory.MaxBytesInMemory)
	if limit == 0 || c.store == nil || c.resident <= limit {
		return
	}
	before := c.resident
	if err := c.storeContent(ct); err != nil {
		// The data stays resident; the write itself already succeeded.
		log.Warnf("[VFS] spill failed: %v", err)
		return
	}
	log.Debugf("[VFS] spilled %d bytes (resident %d -> %d)", before-c.resident, before, c.resident)
}

// nodeDirty reports whether n has resident data a HostFs store has not seen.
func (c *FsCore) nodeDirty(n *node) bool {
	if !c.hostMode() || n == nil {
		return false
	}
	dirty := n.data != nil && n.data.resident() && n.data.size > 0
	for _, s := range n.streams {
		dirty = dirty || (s.resident() && s.size > 0)
	}
	return dirty
}

// flushNode persists the resident data of n in HostFs mode. The caller
// consults the sync fault.
func (c *FsCore) flushNode(n *node) error {
	if !c.nodeDirty(n) {
		return nil
	}
	if err := c.storeContent(n.data); err != nil {
		return err
	}
	for _, s := range n.streams {
		if err := c.storeContent(s); err != nil {
			return err
		}
	}
	return nil
}

// flushTree persists every resident content reachable from root.
func (c *FsCore) flushTree(root *node) error {
	if !c.hostMode() {
		return nil
	}
	var walk func(n *node) error
	walk = func(n *node) error {
		if err := c.storeContent(n.data); err != nil {
			return err
		}
		for _, s := range n.streams {
			if err := c.storeContent(s); err != nil {
				return err
			}
		}
		for _, d := range n.children {
			if d.node != nil {
				if err := walk(d.node); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(root)
}

// readAt copies data at off from ct or from the lower file backing n.
func (c *FsCore) readAt(n *node, ct *content, lowerPath string, off int64, p []byte) (int, error) {
	if n != nil && n.lowerBacked && ct == n.data {
		lowerPath = n.lowerPath
		ct = nil
	}
	if ct == nil && lowerPath != "" {
		return c.readLower(lowerPath, off, p)
	}
	data, err := c.contentBytes(ct)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(p, data[off:]), nil
}

func (c *FsCore) readLower(path string, off int64, p []byte) (int, error) {
	f, err := c.lower.OpenRO(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, common.FromOS("read", common.DisplayPath(path), err)
	}
	return n, nil
}

// readLowerAll reads a whole lower file for copy-up.
func (c *FsCore) readLowerAll(path string) ([]byte, error) {
	f, err := c.lower.OpenRO(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, common.FromOS("copyup", common.DisplayPath(path), err)
	}
	return data, nil
}

// writeAt applies p at off to a private resident content.
func (c *FsCore) writeAt(ct *content, off int64, p []byte) error {
	if err := c.makeResident(ct); err != nil {
		return err
	}
	end := off + int64(len(p))
	if end > int64(len(ct.buf)) {
		old := len(ct.buf)
		if end <= int64(cap(ct.buf)) {
			ct.buf = ct.buf[:end]
		} else {
			grown := make([]byte, end, 2*end)
			copy(grown, ct.buf[:ct.size])
			ct.buf = grown
		}
		c.resident += int64(len(ct.buf) - old)
	}
	if off > ct.size {
		// Bytes past size may be stale after a shrink.
		clear(ct.buf[ct.size:off])
	}
	copy(ct.buf[off:], p)
	if end > ct.size {
		ct.size = end
	}
	return nil
}

// truncate resizes a private content.
func (c *FsCore) truncate(ct *content, size int64) error {
	if size == ct.size {
		return nil
	}
	if err := c.makeResident(ct); err != nil {
		return err
	}
	if size < ct.size {
		ct.size = size
		if size == 0 {
			c.resident -= int64(len(ct.buf))
			ct.buf = nil
		}
		return nil
	}
	grown := make([]byte, size)
	copy(grown, ct.buf[:ct.size])
	c.resident += int64(len(grown) - len(ct.buf))
	ct.buf = grown
	ct.size = size
	return nil
}
