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

// Package fusehost serves an FsCore through the kernel FUSE bridge. Every
// request runs as the calling process's pid, so processes bound to a branch
// see that branch through the same mount.
package fusehost

import (
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/vfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string

	// AllowOther lets other users access the mount; requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
	AllowRoot  bool

	// AutoUnmount asks fusermount to unmount when the host exits.
	AutoUnmount bool

	// DefaultPID is used when the kernel does not report a caller.
	DefaultPID vfs.PID

	Debug bool
}

// Mount mounts core at opts.Mountpoint. The caller must Unmount the
// returned server.
func Mount(core *vfs.FsCore, opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	fsys := New(core, opts.DefaultPID)
	cache := core.Config().Cache
	entryTimeout := cache.EntryTimeout()
	attrTimeout := cache.AttrTimeout()
	negativeTimeout := cache.NegativeTimeout()

	var extra []string
	if opts.AllowRoot {
		extra = append(extra, "allow_root")
	}
	if opts.AutoUnmount {
		extra = append(extra, "auto_unmount")
	}

	server, err := fs.Mount(opts.Mountpoint, fsys.Root(), &fs.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:             "agentfs",
			Name:               "agentfs",
			AllowOther:         opts.AllowOther,
			Options:            extra,
			DisableXAttrs:      !core.Config().EnableXattrs,
			DisableReadDirPlus: !cache.EnableReaddirPlus,
			Debug:              opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", opts.Mountpoint, err)
	}
	log.Infof("[FUSE] mounted at %s (entry=%v attr=%v writeback=%v)",
		opts.Mountpoint, entryTimeout, attrTimeout, cache.WritebackCache)
	return server, nil
}
