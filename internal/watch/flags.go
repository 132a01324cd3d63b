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

// Package watch turns engine mutation events into kqueue vnode and FSEvents
// stream notifications for registered watchers.
package watch

import (
	"strings"

	"agentfs/internal/common"
	"agentfs/internal/vfs"
)

// Kind selects the notification flavour of a registration.
type Kind uint8

const (
	KindKqueue Kind = iota + 1
	KindFSEvents
)

func (k Kind) String() string {
	switch k {
	case KindKqueue:
		return "kqueue"
	case KindFSEvents:
		return "fsevents"
	default:
		return "unknown"
	}
}

// kqueue EVFILT_VNODE fflags.
const (
	NoteDelete uint32 = 0x1
	NoteWrite  uint32 = 0x2
	NoteExtend uint32 = 0x4
	NoteAttrib uint32 = 0x8
	NoteLink   uint32 = 0x10
	NoteRename uint32 = 0x20
)

// FSEvents stream item flags.
const (
	ItemCreated      uint32 = 0x100
	ItemRemoved      uint32 = 0x200
	ItemInodeMetaMod uint32 = 0x400
	ItemRenamed      uint32 = 0x800
	ItemModified     uint32 = 0x1000
	ItemIsFile       uint32 = 0x10000
	ItemIsDir        uint32 = 0x20000
	ItemIsSymlink    uint32 = 0x40000
)

const itemKinds = ItemCreated | ItemRemoved | ItemInodeMetaMod | ItemRenamed | ItemModified

// KqueueFlags returns the vnode flags a watcher of target receives for ev.
// target and the event paths are normalized and compared with fold applied.
// A directory target sees NOTE_WRITE when a direct child is added, removed
// or renamed, plus NOTE_LINK when that child is a directory.
func KqueueFlags(ev vfs.Event, target string, fold func(string) string) uint32 {
	if fold == nil {
		fold = identity
	}
	target = fold(common.NormalizePath(target))
	p := fold(ev.Path)
	old := fold(ev.OldPath)

	var flags uint32
	switch ev.Kind {
	case vfs.EventModified:
		if p == target {
			if ev.MetadataOnly {
				flags |= NoteAttrib
			} else {
				flags |= NoteWrite
				if ev.Extended {
					flags |= NoteExtend
				}
			}
		}
	case vfs.EventRemoved:
		if p == target {
			flags |= NoteDelete
		}
	case vfs.EventRenamed:
		if old == target {
			flags |= NoteRename
		}
		if p == target {
			flags |= NoteDelete
		}
	}

	if ev.Kind != vfs.EventModified && p != "" {
		touched := fold(common.ParentPath(ev.Path)) == target
		if ev.Kind == vfs.EventRenamed && old != "" && fold(common.ParentPath(ev.OldPath)) == target {
			touched = true
		}
		if touched && p != target && old != target {
			flags |= NoteWrite
			if ev.IsDir && ev.Kind != vfs.EventRenamed {
				flags |= NoteLink
			}
		}
	}
	return flags
}

// FSEventsFlags returns the item flags for ev regardless of scope.
func FSEventsFlags(ev vfs.Event) uint32 {
	var flags uint32
	switch ev.Kind {
	case vfs.EventCreated:
		flags = ItemCreated
	case vfs.EventRemoved:
		flags = ItemRemoved
	case vfs.EventRenamed:
		flags = ItemRenamed
	case vfs.EventModified:
		if ev.MetadataOnly {
			flags = ItemInodeMetaMod
		} else {
			flags = ItemModified
		}
	}
	if ev.IsDir {
		flags |= ItemIsDir
	} else {
		flags |= ItemIsFile
	}
	return flags
}

// fseventsPaths lists the paths ev reports under prefix. A rename yields
// both ends, as the stream does.
func fseventsPaths(ev vfs.Event, prefix string, fold func(string) string) []string {
	prefix = fold(common.NormalizePath(prefix))
	var out []string
	if ev.Kind == vfs.EventRenamed && within(fold(ev.OldPath), prefix) {
		out = append(out, ev.OldPath)
	}
	if within(fold(ev.Path), prefix) {
		out = append(out, ev.Path)
	}
	return out
}

func within(p, prefix string) bool {
	return prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/")
}

func identity(s string) string { return s }
