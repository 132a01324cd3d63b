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
	"strings"

	"agentfs/internal/common"
)

// Extended attributes live on upper nodes only. A lower-only entry is
// asked of the lower layer, which may not support them.

func (c *FsCore) xattrEntry(pid PID, path, name, op string) (*branch, entry, error) {
	if !c.cfg.EnableXattrs {
		return nil, entry{}, common.NewError(op, common.DisplayPath(path), common.ErrUnsupported)
	}
	path, err := common.CleanPath(path)
	if err != nil {
		return nil, entry{}, common.NewError(op, path, err)
	}
	if op != "listxattr" && (name == "" || strings.IndexByte(name, 0) >= 0) {
		return nil, entry{}, common.NewError(op, common.DisplayPath(path), common.ErrInvalidArg)
	}
	b, err := c.viewFor(pid, op, path)
	if err != nil {
		return nil, entry{}, err
	}
	e, err := c.resolve(b.root, path)
	if err != nil {
		return nil, entry{}, err
	}
	return b, e, nil
}

// GetXattr returns the value of attribute name.
func (c *FsCore) GetXattr(pid PID, path, name string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, e, err := c.xattrEntry(pid, path, name, "getxattr")
	if err != nil {
		return nil, err
	}
	if e.node == nil {
		return c.lower.GetXattr(e.lower, name)
	}
	v, ok := e.node.xattrs[name]
	if !ok {
		return nil, common.NewError("getxattr", common.DisplayPath(e.path), common.ErrNoAttr)
	}
	return append([]byte(nil), v...), nil
}

// ListXattr returns the attribute names of path, sorted.
func (c *FsCore) ListXattr(pid PID, path string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, e, err := c.xattrEntry(pid, path, "", "listxattr")
	if err != nil {
		return nil, err
	}
	if e.node == nil {
		return c.lower.ListXattr(e.lower)
	}
	names := make([]string, 0, len(e.node.xattrs))
	for k := range e.node.xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// SetXattr stores value under name, copying a lower entry up first.
func (c *FsCore) SetXattr(pid PID, path, name string, value []byte) error {
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, e, err := c.xattrEntry(pid, path, name, "setxattr")
	if err != nil {
		return err
	}
	evs.b = b.id
	if err := c.checkOwner(e.attr, "setxattr", e.path); err != nil {
		return err
	}
	n, _, err := c.ownEntry(b, e.path, false)
	if err != nil {
		return err
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[name] = append([]byte(nil), value...)
	n.attr.Ctime = c.now()
	evs.add(Event{Kind: EventModified, Path: e.path, IsDir: n.isDir(), MetadataOnly: true})
	return nil
}

// RemoveXattr deletes attribute name.
func (c *FsCore) RemoveXattr(pid PID, path, name string) error {
	evs := c.newEvents(pid)
	defer evs.deliver()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, e, err := c.xattrEntry(pid, path, name, "removexattr")
	if err != nil {
		return err
	}
	evs.b = b.id
	if e.node == nil {
		return common.NewError("removexattr", common.DisplayPath(e.path), common.ErrNoAttr)
	}
	if _, ok := e.node.xattrs[name]; !ok {
		return common.NewError("removexattr", common.DisplayPath(e.path), common.ErrNoAttr)
	}
	if err := c.checkOwner(e.attr, "removexattr", e.path); err != nil {
		return err
	}
	n, _, err := c.ownEntry(b, e.path, false)
	if err != nil {
		return err
	}
	delete(n.xattrs, name)
	n.attr.Ctime = c.now()
	evs.add(Event{Kind: EventModified, Path: e.path, IsDir: n.isDir(), MetadataOnly: true})
	return nil
}
