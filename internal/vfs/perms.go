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

import "agentfs/internal/common"

// Access bits, as in access(2).
const (
	accessExec  uint32 = 1
	accessWrite uint32 = 2
	accessRead  uint32 = 4
)

// privileged reports whether the caller identity skips permission checks.
func (c *FsCore) privileged() bool {
	sec := c.cfg.Security
	return !sec.EnforcePosixPermissions || (sec.DefaultUID == 0 && sec.RootBypassPermissions)
}

// checkAccess applies owner/group/other mode bits for the caller identity.
func (c *FsCore) checkAccess(attr common.Attributes, want uint32, op, path string) error {
	if c.privileged() {
		return nil
	}
	sec := c.cfg.Security
	var bits uint32
	switch {
	case attr.UID == sec.DefaultUID:
		bits = attr.Perm >> 6
	case attr.GID == sec.DefaultGID:
		bits = attr.Perm >> 3
	default:
		bits = attr.Perm
	}
	if bits&7&want != want {
		return common.NewError(op, common.DisplayPath(path), common.ErrPermission)
	}
	return nil
}

// checkDirWrite is required to add or remove names in dir.
func (c *FsCore) checkDirWrite(dir entry, op string) error {
	return c.checkAccess(dir.attr, accessWrite|accessExec, op, dir.path)
}

// checkOwner allows chmod and times changes only by the owner.
func (c *FsCore) checkOwner(attr common.Attributes, op, path string) error {
	if c.privileged() || attr.UID == c.cfg.Security.DefaultUID {
		return nil
	}
	return common.NewError(op, common.DisplayPath(path), common.ErrPermission)
}
