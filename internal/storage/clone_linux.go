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

//go:build linux

package storage

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"agentfs/internal/common"
)

// Reflink clones src into a new file dst sharing extents (FICLONE).
func Reflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return common.FromOS("reflink", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return common.FromOS("reflink", dst, err)
	}
	err = unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	out.Close()
	if err != nil {
		os.Remove(dst)
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) ||
			errors.Is(err, unix.ENOTTY) {
			return common.NewError("reflink", dst, common.ErrUnsupported)
		}
		return common.FromOS("reflink", dst, err)
	}
	return nil
}
