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

package protocol

import (
	"syscall"

	"agentfs/internal/common"
	"agentfs/internal/fault"
	"agentfs/internal/vfs"
	"agentfs/internal/watch"
)

// MaxReadSize bounds the length of a single Read request.
const MaxReadSize = 8 << 20

// Request is implemented by every request variant.
type Request interface {
	Tag() Tag
	validate() error
}

// Response is implemented by every response variant.
type Response interface {
	Tag() Tag
}

// Requests.

type Handshake struct {
	Client string `cbor:"1,keyasint"`
	PID    uint32 `cbor:"2,keyasint"`
}

type Stat struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

type Readlink struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

type Open struct {
	PID     uint32          `cbor:"1,keyasint"`
	Path    string          `cbor:"2,keyasint"`
	Options vfs.OpenOptions `cbor:"3,keyasint"`
}

type Read struct {
	PID    uint32 `cbor:"1,keyasint"`
	Handle uint64 `cbor:"2,keyasint"`
	// Offset < 0 reads at the handle offset.
	Offset int64  `cbor:"3,keyasint"`
	Length uint32 `cbor:"4,keyasint"`
}

type Write struct {
	PID    uint32 `cbor:"1,keyasint"`
	Handle uint64 `cbor:"2,keyasint"`
	Offset int64  `cbor:"3,keyasint"`
	Data   []byte `cbor:"4,keyasint"`
}

type Close struct {
	PID    uint32 `cbor:"1,keyasint"`
	Handle uint64 `cbor:"2,keyasint"`
}

type Fsync struct {
	PID    uint32 `cbor:"1,keyasint"`
	Handle uint64 `cbor:"2,keyasint"`
}

// Truncate resizes Path, or the file behind Handle when Path is empty.
type Truncate struct {
	PID    uint32 `cbor:"1,keyasint"`
	Path   string `cbor:"2,keyasint,omitempty"`
	Handle uint64 `cbor:"3,keyasint,omitempty"`
	Size   uint64 `cbor:"4,keyasint"`
}

type Mkdir struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
	Perm uint32 `cbor:"3,keyasint,omitempty"`
}

type Readdir struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

type Unlink struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

type Rmdir struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

type Rename struct {
	PID  uint32 `cbor:"1,keyasint"`
	From string `cbor:"2,keyasint"`
	To   string `cbor:"3,keyasint"`
}

type Symlink struct {
	PID    uint32 `cbor:"1,keyasint"`
	Target string `cbor:"2,keyasint"`
	Path   string `cbor:"3,keyasint"`
}

type SetAttr struct {
	PID  uint32      `cbor:"1,keyasint"`
	Path string      `cbor:"2,keyasint"`
	Attr vfs.SetAttr `cbor:"3,keyasint"`
}

type GetXattr struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
	Name string `cbor:"3,keyasint"`
}

type SetXattr struct {
	PID   uint32 `cbor:"1,keyasint"`
	Path  string `cbor:"2,keyasint"`
	Name  string `cbor:"3,keyasint"`
	Value []byte `cbor:"4,keyasint"`
}

type ListXattr struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

type RemoveXattr struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
	Name string `cbor:"3,keyasint"`
}

type SnapshotCreate struct {
	PID   uint32 `cbor:"1,keyasint"`
	Label string `cbor:"2,keyasint,omitempty"`
}

type SnapshotList struct {
	PathScope string `cbor:"1,keyasint,omitempty"`
}

type SnapshotExport struct {
	ID       string   `cbor:"1,keyasint"`
	DestDir  string   `cbor:"2,keyasint"`
	Excludes []string `cbor:"3,keyasint,omitempty"`
}

type SnapshotDelete struct {
	ID string `cbor:"1,keyasint"`
}

type BranchCreate struct {
	FromSnapshot string `cbor:"1,keyasint,omitempty"`
	Name         string `cbor:"2,keyasint,omitempty"`
}

type BranchBind struct {
	ID   string   `cbor:"1,keyasint"`
	PIDs []uint32 `cbor:"2,keyasint"`
}

type BranchUnbind struct {
	PID uint32 `cbor:"1,keyasint"`
}

type BranchList struct{}

type BranchDelete struct {
	ID string `cbor:"1,keyasint"`
}

type WatchRegisterKqueue struct {
	PID  uint32 `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
	Mask uint32 `cbor:"3,keyasint,omitempty"`
}

type WatchRegisterFSEvents struct {
	PID   uint32   `cbor:"1,keyasint"`
	Paths []string `cbor:"2,keyasint"`
	Mask  uint32   `cbor:"3,keyasint,omitempty"`
}

type WatchUnregister struct {
	ID uint64 `cbor:"1,keyasint"`
}

type WatchDrain struct {
	ID  uint64 `cbor:"1,keyasint"`
	Max uint32 `cbor:"2,keyasint,omitempty"`
}

type DaemonStatus struct{}

type FaultSet struct {
	Policy fault.Policy `cbor:"1,keyasint"`
}

type FaultClear struct{}

type DaemonStop struct{}

func (Handshake) Tag() Tag             { return TagHandshake }
func (Stat) Tag() Tag                  { return TagStat }
func (Readlink) Tag() Tag              { return TagReadlink }
func (Open) Tag() Tag                  { return TagOpen }
func (Read) Tag() Tag                  { return TagRead }
func (Write) Tag() Tag                 { return TagWrite }
func (Close) Tag() Tag                 { return TagClose }
func (Fsync) Tag() Tag                 { return TagFsync }
func (Truncate) Tag() Tag              { return TagTruncate }
func (Mkdir) Tag() Tag                 { return TagMkdir }
func (Readdir) Tag() Tag               { return TagReaddir }
func (Unlink) Tag() Tag                { return TagUnlink }
func (Rmdir) Tag() Tag                 { return TagRmdir }
func (Rename) Tag() Tag                { return TagRename }
func (Symlink) Tag() Tag               { return TagSymlink }
func (SetAttr) Tag() Tag               { return TagSetAttr }
func (GetXattr) Tag() Tag              { return TagGetXattr }
func (SetXattr) Tag() Tag              { return TagSetXattr }
func (ListXattr) Tag() Tag             { return TagListXattr }
func (RemoveXattr) Tag() Tag           { return TagRemoveXattr }
func (SnapshotCreate) Tag() Tag        { return TagSnapshotCreate }
func (SnapshotList) Tag() Tag          { return TagSnapshotList }
func (SnapshotExport) Tag() Tag        { return TagSnapshotExport }
func (SnapshotDelete) Tag() Tag        { return TagSnapshotDelete }
func (BranchCreate) Tag() Tag          { return TagBranchCreate }
func (BranchBind) Tag() Tag            { return TagBranchBind }
func (BranchUnbind) Tag() Tag          { return TagBranchUnbind }
func (BranchList) Tag() Tag            { return TagBranchList }
func (BranchDelete) Tag() Tag          { return TagBranchDelete }
func (WatchRegisterKqueue) Tag() Tag   { return TagWatchRegisterKqueue }
func (WatchRegisterFSEvents) Tag() Tag { return TagWatchRegisterFSEvents }
func (WatchUnregister) Tag() Tag       { return TagWatchUnregister }
func (WatchDrain) Tag() Tag            { return TagWatchDrain }
func (DaemonStatus) Tag() Tag          { return TagDaemonStatus }
func (FaultSet) Tag() Tag              { return TagFaultSet }
func (FaultClear) Tag() Tag            { return TagFaultClear }
func (DaemonStop) Tag() Tag            { return TagDaemonStop }

// Responses. Each is sent under the tag of the request it answers.

// Ack answers requests that return nothing.
type Ack struct {
	tag Tag
}

// NewAck acknowledges a request of kind t.
func NewAck(t Tag) Ack { return Ack{tag: t} }

func (a Ack) Tag() Tag { return a.tag }

type HandshakeAck struct {
	Server   string   `cbor:"1,keyasint"`
	Version  uint8    `cbor:"2,keyasint"`
	PID      int      `cbor:"3,keyasint"`
	Features []string `cbor:"4,keyasint,omitempty"`
}

type StatResult struct {
	Attr common.Attributes `cbor:"1,keyasint"`
}

type ReadlinkResult struct {
	Target string `cbor:"1,keyasint"`
}

type OpenResult struct {
	Handle uint64 `cbor:"1,keyasint"`
}

type ReadResult struct {
	Data []byte `cbor:"1,keyasint"`
}

type WriteResult struct {
	Written uint32 `cbor:"1,keyasint"`
}

type ReaddirResult struct {
	Entries []common.DirEntry `cbor:"1,keyasint"`
}

type SetAttrResult struct {
	Attr common.Attributes `cbor:"1,keyasint"`
}

type XattrValue struct {
	Value []byte `cbor:"1,keyasint"`
}

type XattrNames struct {
	Names []string `cbor:"1,keyasint"`
}

type SnapshotCreated struct {
	ID string `cbor:"1,keyasint"`
}

type SnapshotListResult struct {
	Snapshots []vfs.SnapshotRecord `cbor:"1,keyasint"`
}

type BranchCreated struct {
	ID string `cbor:"1,keyasint"`
}

type BranchListResult struct {
	Branches []vfs.BranchInfo `cbor:"1,keyasint"`
}

type WatchRegistered struct {
	ID   uint64     `cbor:"1,keyasint"`
	Kind watch.Kind `cbor:"2,keyasint"`
}

func (w WatchRegistered) Tag() Tag {
	if w.Kind == watch.KindFSEvents {
		return TagWatchRegisterFSEvents
	}
	return TagWatchRegisterKqueue
}

type WatchEvents struct {
	Events  []watch.Notification `cbor:"1,keyasint"`
	Dropped uint64               `cbor:"2,keyasint,omitempty"`
}

type StatusResult struct {
	PID         int               `cbor:"1,keyasint"`
	Version     string            `cbor:"2,keyasint"`
	StartedAt   int64             `cbor:"3,keyasint"`
	Connections int               `cbor:"4,keyasint"`
	Watches     int               `cbor:"5,keyasint"`
	Stats       vfs.Stats         `cbor:"6,keyasint"`
	Faults      []fault.RuleStats `cbor:"7,keyasint,omitempty"`
	NFSAddr     string            `cbor:"8,keyasint,omitempty"`
}

// Error reports a failed request. Kind is the stable category name from
// the engine error taxonomy.
type Error struct {
	Kind    string `cbor:"1,keyasint"`
	Errno   int32  `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint"`
}

func (HandshakeAck) Tag() Tag       { return TagHandshake }
func (StatResult) Tag() Tag         { return TagStat }
func (ReadlinkResult) Tag() Tag     { return TagReadlink }
func (OpenResult) Tag() Tag         { return TagOpen }
func (ReadResult) Tag() Tag         { return TagRead }
func (WriteResult) Tag() Tag        { return TagWrite }
func (ReaddirResult) Tag() Tag      { return TagReaddir }
func (SetAttrResult) Tag() Tag      { return TagSetAttr }
func (XattrValue) Tag() Tag         { return TagGetXattr }
func (XattrNames) Tag() Tag         { return TagListXattr }
func (SnapshotCreated) Tag() Tag    { return TagSnapshotCreate }
func (SnapshotListResult) Tag() Tag { return TagSnapshotList }
func (BranchCreated) Tag() Tag      { return TagBranchCreate }
func (BranchListResult) Tag() Tag   { return TagBranchList }
func (WatchEvents) Tag() Tag        { return TagWatchDrain }
func (StatusResult) Tag() Tag       { return TagDaemonStatus }
func (Error) Tag() Tag              { return TagError }

// RemoteError is a daemon-side failure as seen by a client. It unwraps to
// an FsError carrying the engine sentinel and errno.
type RemoteError struct {
	Reply Error
}

func (e *RemoteError) Error() string { return e.Reply.Message }

func (e *RemoteError) Unwrap() error {
	return &common.FsError{Op: "daemon", Errno: syscall.Errno(e.Reply.Errno), Err: common.ErrorForKind(e.Reply.Kind)}
}

// ErrorFrom builds the reply for err.
func ErrorFrom(err error) Error {
	return Error{Kind: common.Kind(err), Errno: int32(common.Errno(err)), Message: err.Error()}
}

// newRequest returns a zero request for t.
func newRequest(t Tag) Request {
	switch t {
	case TagHandshake:
		return &Handshake{}
	case TagStat:
		return &Stat{}
	case TagReadlink:
		return &Readlink{}
	case TagOpen:
		return &Open{}
	case TagRead:
		return &Read{}
	case TagWrite:
		return &Write{}
	case TagClose:
		return &Close{}
	case TagFsync:
		return &Fsync{}
	case TagTruncate:
		return &Truncate{}
	case TagMkdir:
		return &Mkdir{}
	case TagReaddir:
		return &Readdir{}
	case TagUnlink:
		return &Unlink{}
	case TagRmdir:
		return &Rmdir{}
	case TagRename:
		return &Rename{}
	case TagSymlink:
		return &Symlink{}
	case TagSetAttr:
		return &SetAttr{}
	case TagGetXattr:
		return &GetXattr{}
	case TagSetXattr:
		return &SetXattr{}
	case TagListXattr:
		return &ListXattr{}
	case TagRemoveXattr:
		return &RemoveXattr{}
	case TagSnapshotCreate:
		return &SnapshotCreate{}
	case TagSnapshotList:
		return &SnapshotList{}
	case TagSnapshotExport:
		return &SnapshotExport{}
	case TagSnapshotDelete:
		return &SnapshotDelete{}
	case TagBranchCreate:
		return &BranchCreate{}
	case TagBranchBind:
		return &BranchBind{}
	case TagBranchUnbind:
		return &BranchUnbind{}
	case TagBranchList:
		return &BranchList{}
	case TagBranchDelete:
		return &BranchDelete{}
	case TagWatchRegisterKqueue:
		return &WatchRegisterKqueue{}
	case TagWatchRegisterFSEvents:
		return &WatchRegisterFSEvents{}
	case TagWatchUnregister:
		return &WatchUnregister{}
	case TagWatchDrain:
		return &WatchDrain{}
	case TagDaemonStatus:
		return &DaemonStatus{}
	case TagFaultSet:
		return &FaultSet{}
	case TagFaultClear:
		return &FaultClear{}
	case TagDaemonStop:
		return &DaemonStop{}
	}
	return nil
}

// newResponse returns a zero response for a reply carrying tag t. Tags
// whose reply has no payload decode to an Ack.
func newResponse(t Tag) (Response, bool) {
	switch t {
	case TagHandshake:
		return &HandshakeAck{}, true
	case TagStat:
		return &StatResult{}, true
	case TagReadlink:
		return &ReadlinkResult{}, true
	case TagOpen:
		return &OpenResult{}, true
	case TagRead:
		return &ReadResult{}, true
	case TagWrite:
		return &WriteResult{}, true
	case TagReaddir:
		return &ReaddirResult{}, true
	case TagSetAttr:
		return &SetAttrResult{}, true
	case TagGetXattr:
		return &XattrValue{}, true
	case TagListXattr:
		return &XattrNames{}, true
	case TagSnapshotCreate:
		return &SnapshotCreated{}, true
	case TagSnapshotList:
		return &SnapshotListResult{}, true
	case TagBranchCreate:
		return &BranchCreated{}, true
	case TagBranchList:
		return &BranchListResult{}, true
	case TagWatchRegisterKqueue, TagWatchRegisterFSEvents:
		return &WatchRegistered{}, true
	case TagWatchDrain:
		return &WatchEvents{}, true
	case TagDaemonStatus:
		return &StatusResult{}, true
	case TagError:
		return &Error{}, true
	}
	if _, ok := tagNames[t]; ok {
		return Ack{tag: t}, false
	}
	return nil, false
}
