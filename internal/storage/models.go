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

package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/uptrace/bun"
)

// Bun models for the snapshot catalog. Times are unix nanoseconds.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// SnapshotModel represents the snapshots table
type SnapshotModel struct {
	bun.BaseModel `bun:"table:snapshots"`

	ID         string `bun:"id,pk"`
	Seq        int64  `bun:"seq,notnull"`
	Label      string `bun:"label"`
	BranchID   string `bun:"branch_id,notnull"`
	PID        int64  `bun:"pid,notnull"`
	CreatedAt  int64  `bun:"created_at,notnull"`
	FileCount  int64  `bun:"file_count,notnull"`
	TotalBytes int64  `bun:"total_bytes,notnull"`
}

// SnapshotEntryModel is one upper-layer node captured by a snapshot.
// Whiteouts record lower entries hidden by the snapshot.
type SnapshotEntryModel struct {
	bun.BaseModel `bun:"table:snapshot_entries"`

	SnapshotID  string `bun:"snapshot_id,pk"`
	Path        string `bun:"path,pk"`
	Ino         int64  `bun:"ino,notnull"`
	Kind        int64  `bun:"kind,notnull"`
	Perm        int64  `bun:"perm,notnull"`
	UID         int64  `bun:"uid,notnull"`
	GID         int64  `bun:"gid,notnull"`
	Size        int64  `bun:"size,notnull"`
	Atime       int64  `bun:"atime,notnull"`
	Mtime       int64  `bun:"mtime,notnull"`
	Ctime       int64  `bun:"ctime,notnull"`
	Btime       int64  `bun:"btime,notnull"`
	BlobKey     string `bun:"blob_key"`
	Target      string `bun:"target"`
	Whiteout    bool   `bun:"whiteout,notnull"`
	Opaque      bool   `bun:"opaque,notnull"`
	LowerBacked bool   `bun:"lower_backed,notnull"`
	Extra       []byte `bun:"extra"`
}

// EntryExtra carries the maps of a node that do not fit in columns.
type EntryExtra struct {
	Xattrs  map[string][]byte  `cbor:"1,keyasint,omitempty"`
	Streams map[string]BlobRef `cbor:"2,keyasint,omitempty"`
}

var extraEncMode cbor.EncMode

func init() {
	var err error
	extraEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: cbor encoder initialization failed: " + err.Error())
	}
}

// EncodeExtra returns nil for an empty extra.
func EncodeExtra(e EntryExtra) ([]byte, error) {
	if len(e.Xattrs) == 0 && len(e.Streams) == 0 {
		return nil, nil
	}
	return extraEncMode.Marshal(e)
}

func DecodeExtra(b []byte) (EntryExtra, error) {
	var e EntryExtra
	if len(b) == 0 {
		return e, nil
	}
	if err := cbor.Unmarshal(b, &e); err != nil {
		return EntryExtra{}, fmt.Errorf("decode entry extra: %w", err)
	}
	return e, nil
}
