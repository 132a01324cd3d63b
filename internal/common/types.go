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

package common

import (
	"os"
	"time"
)

// FileType represents the type of a filesystem entry
type FileType uint8

const (
	// FileTypeRegular is a regular file
	FileTypeRegular FileType = iota
	// FileTypeDirectory is a directory
	FileTypeDirectory
	// FileTypeSymlink is a symbolic link
	FileTypeSymlink
)

func (t FileType) String() string {
	switch t {
	case FileTypeDirectory:
		return "dir"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "file"
	}
}

// POSIX type bits, used when attributes cross a kernel or wire boundary.
const (
	ModeTypeMask = 0o170000
	ModeDir      = 0o040000
	ModeFile     = 0o100000
	ModeSymlink  = 0o120000
	ModePermMask = 0o7777
)

// Default permissions for nodes created without an explicit mode.
const (
	DefaultDirPerm  = 0o755
	DefaultFilePerm = 0o644
)

// Attributes describes a node in either layer.
type Attributes struct {
	Ino       uint64    `cbor:"1,keyasint" json:"ino"`
	Kind      FileType  `cbor:"2,keyasint" json:"kind"`
	Size      uint64    `cbor:"3,keyasint" json:"size"`
	Perm      uint32    `cbor:"4,keyasint" json:"perm"`
	UID       uint32    `cbor:"5,keyasint" json:"uid"`
	GID       uint32    `cbor:"6,keyasint" json:"gid"`
	Nlink     uint32    `cbor:"7,keyasint" json:"nlink"`
	Atime     time.Time `cbor:"8,keyasint" json:"atime"`
	Mtime     time.Time `cbor:"9,keyasint" json:"mtime"`
	Ctime     time.Time `cbor:"10,keyasint" json:"ctime"`
	Birthtime time.Time `cbor:"11,keyasint" json:"birthtime"`
}

func (a Attributes) IsDir() bool     { return a.Kind == FileTypeDirectory }
func (a Attributes) IsSymlink() bool { return a.Kind == FileTypeSymlink }

// Mode returns the POSIX st_mode (type bits and permissions).
func (a Attributes) Mode() uint32 {
	switch a.Kind {
	case FileTypeDirectory:
		return ModeDir | a.Perm&ModePermMask
	case FileTypeSymlink:
		return ModeSymlink | a.Perm&ModePermMask
	default:
		return ModeFile | a.Perm&ModePermMask
	}
}

// FileMode returns the attributes as an os.FileMode.
func (a Attributes) FileMode() os.FileMode {
	m := os.FileMode(a.Perm & 0o777)
	if a.Perm&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if a.Perm&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if a.Perm&0o1000 != 0 {
		m |= os.ModeSticky
	}
	switch a.Kind {
	case FileTypeDirectory:
		m |= os.ModeDir
	case FileTypeSymlink:
		m |= os.ModeSymlink
	}
	return m
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name string   `cbor:"1,keyasint" json:"name"`
	Kind FileType `cbor:"2,keyasint" json:"kind"`
	Ino  uint64   `cbor:"3,keyasint" json:"ino"`
}
