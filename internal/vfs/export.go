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
	"errors"
	"io"
	"os"
	"path/filepath"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agentfs/internal/common"
	"agentfs/internal/fault"
	"agentfs/internal/storage"
)

type exporter struct {
	c      *FsCore
	ignore *ignore.GitIgnore
	files  int
	bytes  int64
}

// ExportSnapshot writes the full logical tree of a snapshot (upper layer
// plus the lower entries it does not hide) to destDir on the host. destDir
// must be missing or an empty directory. Content, permission bits and
// mtimes are reproduced; paths matching an exclude pattern are skipped.
func (c *FsCore) ExportSnapshot(id SnapshotID, destDir string, opts ExportOptions) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshots[id]
	if !ok {
		return common.NewError("export", id, common.ErrNotFound)
	}
	if err := prepareExportDir(destDir); err != nil {
		return err
	}

	ex := &exporter{c: c}
	if len(opts.Excludes) > 0 {
		ex.ignore = ignore.CompileIgnoreLines(opts.Excludes...)
	}
	root := entry{node: s.root, attr: s.root.stat(), merged: c.lower != nil && !s.root.opaque}
	if err := ex.dir(root, destDir); err != nil {
		return err
	}
	log.Infof("[VFS] exported snapshot %s to %s: files=%d bytes=%d", id, destDir, ex.files, ex.bytes)
	return nil
}

func prepareExportDir(dest string) error {
	info, err := os.Lstat(dest)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return common.FromOS("export", dest, err)
		}
		return nil
	}
	if err != nil {
		return common.FromOS("export", dest, err)
	}
	if !info.IsDir() {
		return common.NewError("export", dest, common.ErrNotDir)
	}
	names, err := os.ReadDir(dest)
	if err != nil {
		return common.FromOS("export", dest, err)
	}
	if len(names) > 0 {
		return common.NewError("export", dest, common.ErrNotEmpty)
	}
	return nil
}

func (ex *exporter) excluded(path string, dir bool) bool {
	if ex.ignore == nil {
		return false
	}
	if ex.ignore.MatchesPath(path) {
		return true
	}
	return dir && ex.ignore.MatchesPath(path+"/")
}

// dir writes the children of e into host directory out, then applies the
// directory's own mode and times.
func (ex *exporter) dir(e entry, out string) error {
	children, err := ex.c.listDir(e)
	if err != nil {
		return err
	}
	for _, de := range children {
		child, err := ex.c.lookupChild(e, de.Name)
		if err != nil {
			return err
		}
		if ex.excluded(child.path, child.isDir()) {
			continue
		}
		target := filepath.Join(out, filepath.FromSlash(de.Name))
		switch child.attr.Kind {
		case common.FileTypeDirectory:
			if err := os.Mkdir(target, 0o700); err != nil {
				return common.FromOS("export", target, err)
			}
			if err := ex.dir(child, target); err != nil {
				return err
			}
		case common.FileTypeSymlink:
			link, err := ex.c.readlinkEntry(child)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return common.FromOS("export", target, err)
			}
			ts := []unix.Timespec{
				unix.NsecToTimespec(child.attr.Atime.UnixNano()),
				unix.NsecToTimespec(child.attr.Mtime.UnixNano()),
			}
			if err := unix.UtimesNanoAt(unix.AT_FDCWD, target, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
				log.Debugf("[VFS] export: symlink times %s: %v", target, err)
			}
		default:
			if err := ex.file(child, target); err != nil {
				return err
			}
		}
	}
	if e.path == "" {
		return nil
	}
	return applyMeta(out, e.attr)
}

func (ex *exporter) file(e entry, out string) error {
	c := ex.c
	switch {
	case e.node == nil:
		if err := ex.copyLower(e.lower, out); err != nil {
			return err
		}
	case e.node.lowerBacked:
		if err := ex.copyLower(e.node.lowerPath, out); err != nil {
			return err
		}
	default:
		if !ex.reflink(e, out) {
			data, err := c.contentBytes(e.node.data)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return common.FromOS("export", out, err)
			}
		}
	}
	ex.files++
	ex.bytes += int64(e.attr.Size)
	return applyMeta(out, e.attr)
}

// reflink clones a stored blob when the host store keeps blobs as plain
// files. It reports false when the caller must copy bytes instead.
func (ex *exporter) reflink(e entry, out string) bool {
	ct := e.node.data
	if ct == nil || ct.resident() {
		return false
	}
	fs, ok := ex.c.store.(*storage.FileBlobStore)
	if !ok {
		return false
	}
	src, ok := fs.HostPath(ct.blob)
	if !ok {
		return false
	}
	if err := ex.c.faults.Check(fault.OpCloneCow, common.DisplayPath(e.path)); err != nil {
		log.Debugf("[VFS] export: clone of %s refused: %v", e.path, err)
		return false
	}
	if err := storage.Reflink(src, out); err != nil {
		log.Debugf("[VFS] export: reflink %s: %v", e.path, err)
		os.Remove(out)
		return false
	}
	return true
}

func (ex *exporter) copyLower(lowerPath, out string) error {
	src, err := ex.c.lower.OpenRO(lowerPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return common.FromOS("export", out, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return common.FromOS("export", out, err)
	}
	if err := dst.Close(); err != nil {
		return common.FromOS("export", out, err)
	}
	return nil
}

func applyMeta(path string, attr common.Attributes) error {
	if err := os.Chmod(path, attr.FileMode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky)); err != nil {
		return common.FromOS("export", path, err)
	}
	if err := os.Chtimes(path, attr.Atime, attr.Mtime); err != nil {
		return common.FromOS("export", path, err)
	}
	return nil
}
