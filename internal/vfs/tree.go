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
	"sort"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/config"
)

// entry is a path resolved in one tree: an upper node, or a lower-only
// entry when node is nil.
type entry struct {
	path  string
	name  string
	node  *node
	attr  common.Attributes
	lower string // lower path; set for lower-only entries and merged dirs
	// merged is true for upper directories that show the lower directory.
	merged bool
}

func (e entry) lowerOnly() bool { return e.node == nil }

func (e entry) isDir() bool { return e.attr.Kind == common.FileTypeDirectory }

func (e entry) layer() Layer {
	switch {
	case e.node == nil:
		return LayerLower
	case e.node.lowerBacked:
		return LayerMetacopy
	default:
		return LayerUpper
	}
}

func notFound(op, path string) error {
	return common.NewError(op, common.DisplayPath(path), common.ErrNotFound)
}

// resolve finds path in the merged view rooted at root.
func (c *FsCore) resolve(root *node, path string) (entry, error) {
	path = common.NormalizePath(path)
	e := entry{path: path, node: root, attr: root.stat(), merged: c.lower != nil && !root.opaque}
	for _, name := range common.SplitPath(path) {
		if !e.isDir() {
			return entry{}, common.NewError("lookup", common.DisplayPath(path), common.ErrNotDir)
		}
		next, err := c.lookupChild(e, name)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return entry{}, notFound("lookup", path)
			}
			return entry{}, err
		}
		e = next
	}
	e.path = path
	return e, nil
}

// lookupChild resolves one name inside the directory entry dir.
func (c *FsCore) lookupChild(dir entry, name string) (entry, error) {
	child := common.JoinPath(dir.path, name)
	if dir.node != nil {
		if d, ok := dir.node.children[c.key(name)]; ok {
			if d.whiteout {
				return entry{}, notFound("lookup", child)
			}
			e := entry{path: child, name: d.name, node: d.node, attr: d.node.stat()}
			if dir.merged && d.node.isDir() && !d.node.opaque {
				e.merged = true
				e.lower = c.lowerChildPath(dir.lower, name)
			}
			return e, nil
		}
		if !dir.merged {
			return entry{}, notFound("lookup", child)
		}
	}
	lpath, la, err := c.lowerLookup(dir.lower, name)
	if err != nil {
		return entry{}, err
	}
	return entry{path: child, name: common.BaseName(lpath), attr: la, lower: lpath}, nil
}

// lowerLookup stats name in the lower directory dir. Case-insensitive
// configs fall back to scanning the directory for a folded match.
func (c *FsCore) lowerLookup(dir, name string) (string, common.Attributes, error) {
	p := common.JoinPath(dir, name)
	la, err := c.lower.Stat(p)
	if err == nil {
		return p, la, nil
	}
	if !errors.Is(err, common.ErrNotFound) || !c.cfg.Insensitive() {
		return "", common.Attributes{}, err
	}
	entries, derr := c.lower.Readdir(dir)
	if derr != nil {
		return "", common.Attributes{}, err
	}
	want := c.key(name)
	for _, de := range entries {
		if c.key(de.Name) == want {
			p = common.JoinPath(dir, de.Name)
			la, err = c.lower.Stat(p)
			return p, la, err
		}
	}
	return "", common.Attributes{}, err
}

func (c *FsCore) lowerChildPath(dir, name string) string {
	if p, _, err := c.lowerLookup(dir, name); err == nil {
		return p
	}
	return common.JoinPath(dir, name)
}

// listDir returns the merged listing of a directory entry sorted by name.
func (c *FsCore) listDir(dir entry) ([]DirEntry, error) {
	var out []DirEntry
	seen := make(map[string]bool)
	if dir.node != nil {
		for k, d := range dir.node.children {
			seen[k] = true
			if d.whiteout {
				continue
			}
			out = append(out, DirEntry{Name: d.name, Kind: d.node.attr.Kind, Ino: d.node.attr.Ino})
		}
	}
	if dir.node == nil || dir.merged {
		lower, err := c.lower.Readdir(dir.lower)
		if err != nil && !(dir.node != nil && errors.Is(err, common.ErrNotFound)) {
			return nil, err
		}
		for _, le := range lower {
			if seen[c.key(le.Name)] {
				continue
			}
			out = append(out, le)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ownRoot makes the branch root private.
func (c *FsCore) ownRoot(b *branch) *node {
	if b.root.refs > 1 {
		cp := c.cloneNode(b.root)
		b.root.refs--
		b.root = cp
	}
	return b.root
}

// ownDir returns a private upper directory for dir in branch b, cloning
// shared nodes and copying lower-only directories up along the way.
func (c *FsCore) ownDir(b *branch, dir string) (entry, error) {
	dir = common.NormalizePath(dir)
	root := c.ownRoot(b)
	e := entry{node: root, attr: root.stat(), merged: c.lower != nil && !root.opaque}
	for _, name := range common.SplitPath(dir) {
		parent := e.node
		k := c.key(name)
		next, err := c.lookupChild(e, name)
		if err != nil {
			return entry{}, err
		}
		if !next.isDir() {
			return entry{}, common.NewError("lookup", common.DisplayPath(next.path), common.ErrNotDir)
		}
		if next.node == nil {
			next.node = c.copyUpDir(parent, k, next.name, next.attr)
			next.merged = true
		} else {
			next.node = c.ownChild(parent, k)
		}
		e = next
	}
	e.path = dir
	return e, nil
}

// attrFromLower keeps the lower inode so copy-up does not renumber files.
func attrFromLower(la common.Attributes) common.Attributes {
	a := la
	a.Nlink = 0
	return a
}

func (c *FsCore) copyUpDir(parent *node, key, name string, la common.Attributes) *node {
	n := newDirNode(attrFromLower(la))
	parent.children[key] = dirent{name: name, node: n}
	log.Tracef("[VFS] copy-up dir %s", name)
	return n
}

// copyUp materializes the lower-only entry e inside the private directory
// parent. Files are metacopies unless full is set.
func (c *FsCore) copyUp(parent *node, e entry, full bool) (*node, error) {
	var n *node
	switch e.attr.Kind {
	case common.FileTypeDirectory:
		return c.copyUpDir(parent, c.key(e.name), e.name, e.attr), nil
	case common.FileTypeSymlink:
		target, err := c.lower.Readlink(e.lower)
		if err != nil {
			return nil, err
		}
		n = newSymlinkNode(attrFromLower(e.attr), target)
	default:
		n = &node{refs: 1, attr: attrFromLower(e.attr)}
		n.attr.Kind = common.FileTypeRegular
		if full {
			data, err := c.readLowerAll(e.lower)
			if err != nil {
				return nil, err
			}
			n.data = &content{refs: 1, buf: data, size: int64(len(data))}
			c.resident += int64(len(data))
		} else {
			n.lowerBacked = true
			n.lowerPath = e.lower
		}
	}
	parent.children[c.key(e.name)] = dirent{name: e.name, node: n}
	log.Debugf("[VFS] copy-up %s full=%v", e.path, full)
	return n, nil
}

// fillData turns a metacopy into a full upper file.
func (c *FsCore) fillData(n *node) error {
	if !n.lowerBacked {
		return nil
	}
	data, err := c.readLowerAll(n.lowerPath)
	if err != nil {
		return err
	}
	c.releaseContent(n.data)
	n.data = &content{refs: 1, buf: data, size: int64(len(data))}
	c.resident += int64(len(data))
	n.lowerBacked = false
	n.lowerPath = ""
	return nil
}

// ownEntry returns a private upper node for path, copying it up when it
// only exists in the lower layer. dataChange requests a full copy.
func (c *FsCore) ownEntry(b *branch, path string, dataChange bool) (*node, entry, error) {
	parentPath, name := common.ParentPath(path), common.BaseName(path)
	if name == "" {
		root := c.ownRoot(b)
		return root, entry{path: "", node: root, attr: root.stat(), merged: c.lower != nil && !root.opaque}, nil
	}
	dir, err := c.ownDir(b, parentPath)
	if err != nil {
		return nil, entry{}, err
	}
	e, err := c.lookupChild(dir, name)
	if err != nil {
		return nil, entry{}, err
	}
	e.path = common.JoinPath(parentPath, name)
	if e.node == nil {
		full := dataChange || c.cfg.Overlay.CopyUpMode == config.CopyUpEager
		n, err := c.copyUp(dir.node, e, full)
		if err != nil {
			return nil, entry{}, err
		}
		e.node = n
		e.merged = n.isDir()
		return n, e, nil
	}
	n := c.ownChild(dir.node, c.key(name))
	if dataChange && n.lowerBacked {
		if err := c.fillData(n); err != nil {
			return nil, entry{}, err
		}
	}
	e.node = n
	return n, e, nil
}

// absorbLower makes the private directory n self-contained: lower entries
// it shows become upper entries and it turns opaque. Used before a merged
// directory moves to a path where its lower counterpart would not follow.
func (c *FsCore) absorbLower(n *node, lpath string) error {
	if n.opaque || c.lower == nil {
		n.opaque = true
		return nil
	}
	lowerEntries, err := c.lower.Readdir(lpath)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	eager := c.cfg.Overlay.CopyUpMode == config.CopyUpEager
	for _, le := range lowerEntries {
		k := c.key(le.Name)
		childLower := common.JoinPath(lpath, le.Name)
		if d, ok := n.children[k]; ok {
			if d.whiteout {
				delete(n.children, k)
				continue
			}
			if d.node.isDir() && !d.node.opaque {
				child := c.ownChild(n, k)
				if err := c.absorbLower(child, childLower); err != nil {
					return err
				}
			}
			continue
		}
		la, err := c.lower.Stat(childLower)
		if err != nil {
			return err
		}
		child, err := c.copyUp(n, entry{path: childLower, name: le.Name, attr: la, lower: childLower}, eager)
		if err != nil {
			return err
		}
		if child.isDir() {
			if err := c.absorbLower(child, childLower); err != nil {
				return err
			}
		}
	}
	for k, d := range n.children {
		if d.whiteout {
			delete(n.children, k)
		}
	}
	n.opaque = true
	return nil
}

// lowerHas reports whether the lower directory dir shows name.
func (c *FsCore) lowerHas(dir entry, name string) bool {
	if c.lower == nil || !dir.merged {
		return false
	}
	_, _, err := c.lowerLookup(dir.lower, name)
	return err == nil
}

// removeChild deletes name from the private directory dir, leaving a
// whiteout when the lower layer would otherwise show through.
func (c *FsCore) removeChild(dir entry, name string) {
	k := c.key(name)
	if d, ok := dir.node.children[k]; ok && d.node != nil {
		c.releaseNode(d.node)
	}
	if c.lowerHas(dir, name) {
		dir.node.children[k] = dirent{name: name, whiteout: true}
		return
	}
	delete(dir.node.children, k)
}

// insertChild places n under name in the private directory dir. A new
// directory replacing a whiteout hides the old lower directory.
func (c *FsCore) insertChild(dir entry, name string, n *node) {
	k := c.key(name)
	if d, ok := dir.node.children[k]; ok {
		if d.whiteout && n.isDir() {
			n.opaque = true
		}
		if d.node != nil {
			c.releaseNode(d.node)
		}
	} else if n.isDir() && c.lowerHas(dir, name) {
		n.opaque = true
	}
	dir.node.children[k] = dirent{name: name, node: n}
}
