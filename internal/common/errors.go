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
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrInvalidPath    = errors.New("invalid path")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrInvalidArg     = errors.New("invalid argument")
	ErrReadOnly       = errors.New("read-only filesystem")
	ErrIO             = errors.New("I/O error")
	ErrNoSpace        = errors.New("no space left on device")
	ErrUnsupported    = errors.New("operation not supported")
	ErrTooManyHandles = errors.New("too many open handles")
	ErrLimitExceeded  = errors.New("limit exceeded")
	ErrPermission     = errors.New("permission denied")
	ErrBusy           = errors.New("resource busy")
	ErrNoAttr         = errors.New("attribute not found")
	ErrSchema         = errors.New("schema validation failed")
	ErrDecode         = errors.New("malformed message")
)

// kindTable maps sentinels to their wire kind and errno. Order matters for
// errors that wrap more than one sentinel: the first match wins.
var kindTable = []struct {
	err   error
	kind  string
	errno syscall.Errno
}{
	{ErrNotFound, "not_found", unix.ENOENT},
	{ErrExists, "already_exists", unix.EEXIST},
	{ErrNotDir, "not_a_directory", unix.ENOTDIR},
	{ErrIsDir, "is_a_directory", unix.EISDIR},
	{ErrNotEmpty, "not_empty", unix.ENOTEMPTY},
	{ErrInvalidPath, "invalid_path", unix.EINVAL},
	{ErrInvalidHandle, "bad_handle", unix.EBADF},
	{ErrInvalidArg, "invalid_argument", unix.EINVAL},
	{ErrReadOnly, "read_only", unix.EROFS},
	{ErrNoSpace, "no_space", unix.ENOSPC},
	{ErrUnsupported, "unsupported", unix.ENOTSUP},
	{ErrTooManyHandles, "too_many_handles", unix.EMFILE},
	{ErrLimitExceeded, "limit_exceeded", unix.EDQUOT},
	{ErrPermission, "permission_denied", unix.EACCES},
	{ErrBusy, "busy", unix.EBUSY},
	{ErrNoAttr, "no_attribute", unix.ENODATA},
	{ErrSchema, "schema", unix.EPROTO},
	{ErrDecode, "decode", unix.EBADMSG},
	{ErrIO, "io", unix.EIO},
}

// FsError is the error returned by every fallible filesystem operation.
// Err is one of the package sentinels; Errno overrides the sentinel's
// default errno when the failure came from the host or an injected fault.
type FsError struct {
	Op    string
	Path  string
	Errno syscall.Errno
	Err   error
}

func (e *FsError) Error() string {
	msg := e.Err.Error()
	if e.Errno != 0 && !errors.Is(e.Err, ErrIO) {
		msg = fmt.Sprintf("%s (%s)", msg, unix.ErrnoName(e.Errno))
	} else if e.Errno != 0 {
		msg = fmt.Sprintf("%s: %s", msg, e.Errno.Error())
	}
	if e.Path == "" {
		return e.Op + ": " + msg
	}
	return e.Op + " " + e.Path + ": " + msg
}

func (e *FsError) Unwrap() error { return e.Err }

// NewError builds an FsError for op on path.
func NewError(op, path string, err error) *FsError {
	return &FsError{Op: op, Path: path, Err: err}
}

// IOError wraps an errno from the host (or a forced fault) as an Io error.
func IOError(op, path string, errno syscall.Errno) *FsError {
	return &FsError{Op: op, Path: path, Errno: errno, Err: ErrIO}
}

// FromOS converts an error returned by the os package into an FsError.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FsError
	if errors.As(err, &fe) {
		return err
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		for _, k := range kindTable {
			if k.errno == errno && k.err != ErrIO {
				return &FsError{Op: op, Path: path, Err: k.err}
			}
		}
		return IOError(op, path, errno)
	}
	return &FsError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", ErrIO, err)}
}

// Errno returns the errno a kernel bridge should report for err.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fe *FsError
	if errors.As(err, &fe) && fe.Errno != 0 {
		return fe.Errno
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Kind returns the stable wire name of err's category.
func Kind(err error) string {
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "io"
}

// ErrorForKind is the inverse of Kind, used by clients decoding error replies.
func ErrorForKind(kind string) error {
	for _, k := range kindTable {
		if k.kind == kind {
			return k.err
		}
	}
	return ErrIO
}
