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
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// Upper-layer nodes form a persistent tree. A node may be referenced by
// several branch roots, snapshot roots and parent directories at once; refs
// counts those owners. Mutations copy every shared node on the path from
// the branch root before touching it, so an owner never observes another
// owner's writes. All fields are guarded by FsCore.mu.

type node struct {
	refs int32
	attr common.Attributes

	// Regular files.
	data *content
	// lowerBacked nodes (metacopy) read data from lowerPath in the lower
	// layer until the first data write.
	lowerBacked bool
	lowerPath   string

	// Symlinks.
	target string

	// Directories. Keys are folded names.
	children map[string]dirent
	// opaque directories hide the lower directory at the same path.
	opaque bool

	xattrs  map[string][]byte
	streams map[string]*content
}

// dirent is a directory slot. A whiteout hides a lower entry of that name.
type dirent struct {
	name     string
	node     *node
	whiteout bool
}

// content holds file bytes, either resident in buf or stored as blob.
// It is shared between node copies and cloned before a write when shared.
type content struct {
	refs int32
	buf  []byte
	blob storage.BlobRef
	size int64
}

func (c *content) resident() bool { return c.blob.IsZero() }

func (n *node) isDir() bool     { return n.attr.Kind == common.FileTypeDirectory }
func (n *node) isSymlink() bool { return n.attr.Kind == common.FileTypeSymlink }

// size returns the logical length of the node's primary data.
func (n *node) size() uint64 {
	switch {
	case n.isDir():
		return 0
	case n.isSymlink():
		return uint64(len(n.target))
	case n.lowerBacked:
		return n.attr.Size
	case n.data != nil:
		return uint64(n.data.size)
	default:
		return 0
	}
}

// stat returns attributes with size and nlink filled in.
func (n *node) stat() common.Attributes {
	a := n.attr
	a.Size = n.size()
	if n.isDir() {
		a.Nlink = 2
		for _, d := range n.children {
			if !d.whiteout && d.node.isDir() {
				a.Nlink++
			}
		}
	} else if a.Nlink == 0 {
		a.Nlink = 1
	}
	return a
}

func newDirNode(attr common.Attributes) *node {
	attr.Kind = common.FileTypeDirectory
	return &node{refs: 1, attr: attr, children: make(map[string]dirent)}
}

func newFileNode(attr common.Attributes) *node {
	attr.Kind = common.FileTypeRegular
	return &node{refs: 1, attr: attr, data: &content{refs: 1}}
}

func newSymlinkNode(attr common.Attributes, target string) *node {
	attr.Kind = common.FileTypeSymlink
	return &node{refs: 1, attr: attr, target: target}
}

// cloneNode returns a private shallow copy of n. Children, content and
// streams gain a reference; n itself is not released.
func (c *FsCore) cloneNode(n *node) *node {
	cp := &node{
		refs:        1,
		attr:        n.attr,
		data:        n.data,
		lowerBacked: n.lowerBacked,
		lowerPath:   n.lowerPath,
		target:      n.target,
		opaque:      n.opaque,
	}
	if n.data != nil {
		n.data.refs++
	}
	if n.children != nil {
		cp.children = make(map[string]dirent, len(n.children))
		for k, d := range n.children {
			if d.node != nil {
				d.node.refs++
			}
			cp.children[k] = d
		}
	}
	if n.xattrs != nil {
		cp.xattrs = make(map[string][]byte, len(n.xattrs))
		for k, v := range n.xattrs {
			cp.xattrs[k] = v
		}
	}
	if n.streams != nil {
		cp.streams = make(map[string]*content, len(n.streams))
		for k, s := range n.streams {
			s.refs++
			cp.streams[k] = s
		}
	}
	return cp
}

// releaseNode drops one reference and frees the subtree at zero.
func (c *FsCore) releaseNode(n *node) {
	if n == nil {
		return
	}
	n.refs--
	if n.refs > 0 {
		return
	}
	for _, d := range n.children {
		c.releaseNode(d.node)
	}
	c.releaseContent(n.data)
	for _, s := range n.streams {
		c.releaseContent(s)
	}
	n.children, n.data, n.streams = nil, nil, nil
}

func (c *FsCore) releaseContent(ct *content) {
	if ct == nil {
		return
	}
	ct.refs--
	if ct.refs > 0 {
		return
	}
	if ct.buf != nil {
		c.resident -= int64(len(ct.buf))
		ct.buf = nil
	}
	if !ct.blob.IsZero() && c.store != nil {
		if err := c.store.Release(ct.blob); err != nil {
			log.Warnf("[VFS] release blob %s: %v", ct.blob.Key, err)
		}
		ct.blob = storage.BlobRef{}
	}
}

// ownChild makes the child at key privately owned by parent, which must
// already be private, and returns it.
func (c *FsCore) ownChild(parent *node, key string) *node {
	d := parent.children[key]
	if d.node.refs <= 1 {
		return d.node
	}
	cp := c.cloneNode(d.node)
	d.node.refs--
	d.node = cp
	parent.children[key] = d
	return cp
}

// ownContent makes n.data (or the named stream) private to n. The caller
// has already consulted the clone fault.
func (c *FsCore) ownContent(n *node, stream string) (*content, error) {
	slot := &n.data
	if stream != "" {
		s := n.streams[stream]
		slot = &s
		defer func() { n.streams[stream] = *slot }()
	}
	ct := *slot
	if ct == nil {
		ct = &content{refs: 1}
		*slot = ct
		return ct, nil
	}
	if ct.refs <= 1 {
		return ct, nil
	}
	data, err := c.contentBytes(ct)
	if err != nil {
		return nil, err
	}
	cp := &content{refs: 1, buf: append([]byte(nil), data...), size: ct.size}
	c.resident += int64(len(cp.buf))
	ct.refs--
	*slot = cp
	return cp, nil
}

// contentShared reports whether writing the named data of n needs a clone.
func contentShared(n *node, stream string) bool {
	ct := n.data
	if stream != "" {
		ct = n.streams[stream]
	}
	return ct != nil && ct.refs > 1
}
