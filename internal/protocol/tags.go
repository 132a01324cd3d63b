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

// Package protocol defines the control-plane messages exchanged with the
// daemon and their wire encoding: a 4-byte little-endian length followed
// by a deterministic CBOR envelope {tag, version, payload}.
package protocol

import "fmt"

// Version is the only protocol version the daemon accepts.
const Version uint8 = 1

// Tag discriminates message variants. Responses reuse the tag of the
// request they answer, except TagError.
type Tag uint16

const (
	TagHandshake Tag = 1

	TagStat     Tag = 10
	TagReadlink Tag = 11

	TagOpen     Tag = 20
	TagRead     Tag = 21
	TagWrite    Tag = 22
	TagClose    Tag = 23
	TagFsync    Tag = 24
	TagTruncate Tag = 25

	TagMkdir   Tag = 30
	TagReaddir Tag = 31
	TagUnlink  Tag = 32
	TagRmdir   Tag = 33
	TagRename  Tag = 34
	TagSymlink Tag = 35
	TagSetAttr Tag = 36

	TagGetXattr    Tag = 40
	TagSetXattr    Tag = 41
	TagListXattr   Tag = 42
	TagRemoveXattr Tag = 43

	TagSnapshotCreate Tag = 50
	TagSnapshotList   Tag = 51
	TagSnapshotExport Tag = 52
	TagSnapshotDelete Tag = 53
	TagBranchCreate   Tag = 54
	TagBranchBind     Tag = 55
	TagBranchUnbind   Tag = 56
	TagBranchList     Tag = 57
	TagBranchDelete   Tag = 58

	TagWatchRegisterKqueue   Tag = 60
	TagWatchRegisterFSEvents Tag = 61
	TagWatchUnregister       Tag = 62
	TagWatchDrain            Tag = 63

	TagDaemonStatus Tag = 70
	TagFaultSet     Tag = 71
	TagFaultClear   Tag = 72
	TagDaemonStop   Tag = 73

	TagError Tag = 0xFFFF
)

var tagNames = map[Tag]string{
	TagHandshake:             "handshake",
	TagStat:                  "stat",
	TagReadlink:              "readlink",
	TagOpen:                  "open",
	TagRead:                  "read",
	TagWrite:                 "write",
	TagClose:                 "close",
	TagFsync:                 "fsync",
	TagTruncate:              "truncate",
	TagMkdir:                 "mkdir",
	TagReaddir:               "readdir",
	TagUnlink:                "unlink",
	TagRmdir:                 "rmdir",
	TagRename:                "rename",
	TagSymlink:               "symlink",
	TagSetAttr:               "setattr",
	TagGetXattr:              "getxattr",
	TagSetXattr:              "setxattr",
	TagListXattr:             "listxattr",
	TagRemoveXattr:           "removexattr",
	TagSnapshotCreate:        "snapshot_create",
	TagSnapshotList:          "snapshot_list",
	TagSnapshotExport:        "snapshot_export",
	TagSnapshotDelete:        "snapshot_delete",
	TagBranchCreate:          "branch_create",
	TagBranchBind:            "branch_bind",
	TagBranchUnbind:          "branch_unbind",
	TagBranchList:            "branch_list",
	TagBranchDelete:          "branch_delete",
	TagWatchRegisterKqueue:   "watch_register_kqueue",
	TagWatchRegisterFSEvents: "watch_register_fsevents",
	TagWatchUnregister:       "watch_unregister",
	TagWatchDrain:            "watch_drain",
	TagDaemonStatus:          "daemon_status",
	TagFaultSet:              "fault_set",
	TagFaultClear:            "fault_clear",
	TagDaemonStop:            "daemon_stop",
	TagError:                 "error",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}
