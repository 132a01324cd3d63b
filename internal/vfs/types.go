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
	"time"

	"agentfs/internal/common"
)

// PID identifies the process whose view an operation resolves against.
type PID uint32

// BranchID and SnapshotID are uuid strings; the root branch is RootBranchID.
type (
	BranchID   = string
	SnapshotID = string
)

// RootBranchID names the branch every unbound pid sees.
const RootBranchID BranchID = "root"

// ShareMode bits restrict what other handles may do to an open file.
// Zero means unrestricted.
type ShareMode uint8

const (
	ShareRead ShareMode = 1 << iota
	ShareWrite
	ShareDelete
)

// OpenOptions are the flags of Create/Open.
type OpenOptions struct {
	Read      bool      `cbor:"1,keyasint" json:"read"`
	Write     bool      `cbor:"2,keyasint" json:"write"`
	Create    bool      `cbor:"3,keyasint" json:"create"`
	CreateNew bool      `cbor:"4,keyasint" json:"create_new"`
	Truncate  bool      `cbor:"5,keyasint" json:"truncate"`
	Append    bool      `cbor:"6,keyasint" json:"append"`
	Share     ShareMode `cbor:"7,keyasint" json:"share_mode"`
	// Stream names an alternate data stream of the file.
	Stream string `cbor:"8,keyasint,omitempty" json:"stream,omitempty"`
	// Perm is used when the file is created.
	Perm uint32 `cbor:"9,keyasint,omitempty" json:"perm,omitempty"`
}

func (o OpenOptions) writes() bool { return o.Write || o.Append || o.Truncate }

func (o OpenOptions) reads() bool { return o.Read || !o.writes() }

// SetAttr lists attribute changes; nil fields are left alone.
type SetAttr struct {
	Perm  *uint32    `cbor:"1,keyasint,omitempty" json:"perm,omitempty"`
	UID   *uint32    `cbor:"2,keyasint,omitempty" json:"uid,omitempty"`
	GID   *uint32    `cbor:"3,keyasint,omitempty" json:"gid,omitempty"`
	Size  *uint64    `cbor:"4,keyasint,omitempty" json:"size,omitempty"`
	Atime *time.Time `cbor:"5,keyasint,omitempty" json:"atime,omitempty"`
	Mtime *time.Time `cbor:"6,keyasint,omitempty" json:"mtime,omitempty"`
}

func (s SetAttr) metadataOnly() bool { return s.Size == nil }

// Layer reports where a path's data currently lives.
type Layer string

const (
	LayerLower    Layer = "lower"
	LayerMetacopy Layer = "metacopy"
	LayerUpper    Layer = "upper"
)

// SnapshotRecord describes a snapshot. FileCount and TotalBytes cover the
// upper layer at capture time.
type SnapshotRecord struct {
	ID         SnapshotID `cbor:"1,keyasint" json:"id"`
	Label      string     `cbor:"2,keyasint,omitempty" json:"label,omitempty"`
	CreatedAt  time.Time  `cbor:"3,keyasint" json:"created_at"`
	BranchID   BranchID   `cbor:"4,keyasint" json:"branch_id"`
	PID        PID        `cbor:"5,keyasint" json:"pid"`
	FileCount  uint64     `cbor:"6,keyasint" json:"file_count"`
	TotalBytes uint64     `cbor:"7,keyasint" json:"total_bytes"`
}

// BranchInfo describes a branch and the pids bound to it.
type BranchInfo struct {
	ID             BranchID   `cbor:"1,keyasint" json:"id"`
	Name           string     `cbor:"2,keyasint,omitempty" json:"name,omitempty"`
	ParentSnapshot SnapshotID `cbor:"3,keyasint,omitempty" json:"parent_snapshot,omitempty"`
	PIDs           []PID      `cbor:"4,keyasint" json:"pids"`
	CreatedAt      time.Time  `cbor:"5,keyasint" json:"created_at"`
}

// ExportOptions tunes ExportSnapshot. Excludes are gitignore patterns
// matched against snapshot-relative paths.
type ExportOptions struct {
	Excludes []string `cbor:"1,keyasint,omitempty" json:"excludes,omitempty"`
}

// Stats is a point-in-time summary of an engine.
type Stats struct {
	Handles       int    `cbor:"1,keyasint" json:"handles"`
	Branches      int    `cbor:"2,keyasint" json:"branches"`
	Snapshots     int    `cbor:"3,keyasint" json:"snapshots"`
	ResidentBytes int64  `cbor:"4,keyasint" json:"resident_bytes"`
	StoredBytes   int64  `cbor:"5,keyasint" json:"stored_bytes"`
	StoredBlobs   int    `cbor:"6,keyasint" json:"stored_blobs"`
	Backstore     string `cbor:"7,keyasint" json:"backstore"`
}

// EventKind classifies a completed mutation.
type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventModified
	EventRemoved
	EventRenamed
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	case EventRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is emitted after a tracked mutation commits. Paths are normalized.
type Event struct {
	Kind         EventKind
	Path         string
	OldPath      string
	IsDir        bool
	PID          PID
	BranchID     BranchID
	Extended     bool
	MetadataOnly bool
}

// DirEntry is a merged directory listing entry.
type DirEntry = common.DirEntry
