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
	"fmt"

	"agentfs/internal/common"
)

// ValidateRequest rejects a decoded request whose version is not Version
// or whose required fields are missing. Both are Schema errors.
func ValidateRequest(f RequestFrame) error {
	if f.Version != Version {
		return fmt.Errorf("%w: unsupported protocol version %d (want %d)", common.ErrSchema, f.Version, Version)
	}
	if f.Request == nil {
		return fmt.Errorf("%w: empty request", common.ErrSchema)
	}
	if err := f.Request.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrSchema, f.Request.Tag(), err)
	}
	return nil
}

type missing string

func (m missing) Error() string { return string(m) + " is required" }

func needPath(p string) error {
	if p == "" {
		return missing("path")
	}
	return nil
}

func needHandle(h uint64) error {
	if h == 0 {
		return missing("handle")
	}
	return nil
}

func needName(n string) error {
	if n == "" {
		return missing("name")
	}
	return nil
}

func needID(id string) error {
	if id == "" {
		return missing("id")
	}
	return nil
}

func (Handshake) validate() error { return nil }
func (r Stat) validate() error    { return needPath(r.Path) }
func (r Readlink) validate() error {
	return needPath(r.Path)
}
func (r Open) validate() error { return needPath(r.Path) }

func (r Read) validate() error {
	if err := needHandle(r.Handle); err != nil {
		return err
	}
	if r.Length > MaxReadSize {
		return fmt.Errorf("length %d exceeds %d", r.Length, MaxReadSize)
	}
	return nil
}

func (r Write) validate() error { return needHandle(r.Handle) }
func (r Close) validate() error { return needHandle(r.Handle) }
func (r Fsync) validate() error { return needHandle(r.Handle) }

func (r Truncate) validate() error {
	if r.Path == "" && r.Handle == 0 {
		return missing("path or handle")
	}
	return nil
}

func (r Mkdir) validate() error   { return needPath(r.Path) }
func (r Readdir) validate() error { return needPath(r.Path) }
func (r Unlink) validate() error  { return needPath(r.Path) }
func (r Rmdir) validate() error   { return needPath(r.Path) }

func (r Rename) validate() error {
	if r.From == "" {
		return missing("from")
	}
	if r.To == "" {
		return missing("to")
	}
	return nil
}

func (r Symlink) validate() error {
	if r.Target == "" {
		return missing("target")
	}
	return needPath(r.Path)
}

func (r SetAttr) validate() error { return needPath(r.Path) }

func (r GetXattr) validate() error {
	if err := needPath(r.Path); err != nil {
		return err
	}
	return needName(r.Name)
}

func (r SetXattr) validate() error {
	if err := needPath(r.Path); err != nil {
		return err
	}
	return needName(r.Name)
}

func (r ListXattr) validate() error { return needPath(r.Path) }

func (r RemoveXattr) validate() error {
	if err := needPath(r.Path); err != nil {
		return err
	}
	return needName(r.Name)
}

func (SnapshotCreate) validate() error { return nil }
func (SnapshotList) validate() error   { return nil }

func (r SnapshotExport) validate() error {
	if err := needID(r.ID); err != nil {
		return err
	}
	if r.DestDir == "" {
		return missing("dest_dir")
	}
	return nil
}

func (r SnapshotDelete) validate() error { return needID(r.ID) }
func (BranchCreate) validate() error     { return nil }

func (r BranchBind) validate() error {
	if err := needID(r.ID); err != nil {
		return err
	}
	if len(r.PIDs) == 0 {
		return missing("pids")
	}
	return nil
}

func (BranchUnbind) validate() error     { return nil }
func (BranchList) validate() error       { return nil }
func (r BranchDelete) validate() error   { return needID(r.ID) }
func (r WatchRegisterKqueue) validate() error {
	return needPath(r.Path)
}

func (r WatchRegisterFSEvents) validate() error {
	if len(r.Paths) == 0 {
		return missing("paths")
	}
	return nil
}

func (r WatchUnregister) validate() error {
	if r.ID == 0 {
		return missing("id")
	}
	return nil
}

func (r WatchDrain) validate() error {
	if r.ID == 0 {
		return missing("id")
	}
	return nil
}

func (DaemonStatus) validate() error { return nil }

func (r FaultSet) validate() error {
	for i, rule := range r.Policy.Rules {
		if _, err := rule.Op.MarshalText(); err != nil {
			return fmt.Errorf("rule %d: %v", i, err)
		}
		if _, err := rule.Errno.MarshalText(); err != nil {
			return fmt.Errorf("rule %d: %v", i, err)
		}
	}
	return nil
}

func (FaultClear) validate() error { return nil }
func (DaemonStop) validate() error { return nil }
