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

package daemon

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/protocol"
	"agentfs/internal/vfs"
	"agentfs/internal/watch"
)

// Handle serves one request and records its outcome.
func (d *Daemon) Handle(s *Session, req protocol.Request) protocol.Response {
	start := time.Now()
	resp, err := d.handleRequest(s, req)
	d.metrics.Observe(req.Tag().String(), err, time.Since(start))
	if err != nil {
		log.Debugf("[DAEMON] session %d %s: %v", s.ID, req.Tag(), err)
		return protocol.ErrorFrom(err)
	}
	return resp
}

// Closed releases the handles and watches a session left behind.
func (d *Daemon) Closed(s *Session) {
	for h, pid := range s.takeHandles() {
		if err := d.core.Close(vfs.PID(pid), vfs.HandleID(h)); err != nil {
			log.Debugf("[DAEMON] session %d close handle %d: %v", s.ID, h, err)
		}
	}
	for _, id := range s.takeWatches() {
		d.hub.Unregister(watch.ID(id))
	}
}

// pid resolves the caller pid: 0 means the pid given at handshake.
func (s *Session) pid(p uint32) vfs.PID {
	if p == 0 {
		return vfs.PID(s.PID)
	}
	return vfs.PID(p)
}

// handleRequest processes a control-plane request
func (d *Daemon) handleRequest(s *Session, req protocol.Request) (protocol.Response, error) {
	switch r := req.(type) {
	case *protocol.Handshake:
		return protocol.HandshakeAck{
			Server:   "agentfs",
			Version:  protocol.Version,
			PID:      os.Getpid(),
			Features: d.features(),
		}, nil

	// stat
	case *protocol.Stat:
		attr, err := d.core.Stat(s.pid(r.PID), r.Path)
		return protocol.StatResult{Attr: attr}, err
	case *protocol.Readlink:
		target, err := d.core.Readlink(s.pid(r.PID), r.Path)
		return protocol.ReadlinkResult{Target: target}, err

	// fd
	case *protocol.Open:
		pid := s.pid(r.PID)
		h, err := d.core.Open(pid, r.Path, r.Options)
		if err != nil {
			return nil, err
		}
		s.addHandle(uint64(h), uint32(pid))
		return protocol.OpenResult{Handle: uint64(h)}, nil
	case *protocol.Read:
		buf := make([]byte, r.Length)
		n, err := d.core.Read(s.pid(r.PID), vfs.HandleID(r.Handle), r.Offset, buf)
		return protocol.ReadResult{Data: buf[:n]}, err
	case *protocol.Write:
		n, err := d.core.Write(s.pid(r.PID), vfs.HandleID(r.Handle), r.Offset, r.Data)
		return protocol.WriteResult{Written: uint32(n)}, err
	case *protocol.Close:
		s.dropHandle(r.Handle)
		return protocol.NewAck(r.Tag()), d.core.Close(s.pid(r.PID), vfs.HandleID(r.Handle))
	case *protocol.Fsync:
		return protocol.NewAck(r.Tag()), d.core.Fsync(s.pid(r.PID), vfs.HandleID(r.Handle))
	case *protocol.Truncate:
		if r.Size > uint64(1<<63-1) {
			return nil, common.NewError("truncate", r.Path, common.ErrInvalidArg)
		}
		if r.Handle != 0 {
			return protocol.NewAck(r.Tag()), d.core.FTruncate(s.pid(r.PID), vfs.HandleID(r.Handle), int64(r.Size))
		}
		return protocol.NewAck(r.Tag()), d.core.Truncate(s.pid(r.PID), r.Path, int64(r.Size))

	// dir
	case *protocol.Mkdir:
		return protocol.NewAck(r.Tag()), d.core.Mkdir(s.pid(r.PID), r.Path, r.Perm)
	case *protocol.Readdir:
		entries, err := d.core.Readdir(s.pid(r.PID), r.Path)
		return protocol.ReaddirResult{Entries: entries}, err
	case *protocol.Unlink:
		return protocol.NewAck(r.Tag()), d.core.Unlink(s.pid(r.PID), r.Path)
	case *protocol.Rmdir:
		return protocol.NewAck(r.Tag()), d.core.Rmdir(s.pid(r.PID), r.Path)
	case *protocol.Rename:
		return protocol.NewAck(r.Tag()), d.core.Rename(s.pid(r.PID), r.From, r.To)
	case *protocol.Symlink:
		return protocol.NewAck(r.Tag()), d.core.Symlink(s.pid(r.PID), r.Target, r.Path)
	case *protocol.SetAttr:
		attr, err := d.core.SetAttr(s.pid(r.PID), r.Path, r.Attr)
		return protocol.SetAttrResult{Attr: attr}, err

	// xattr
	case *protocol.GetXattr:
		v, err := d.core.GetXattr(s.pid(r.PID), r.Path, r.Name)
		return protocol.XattrValue{Value: v}, err
	case *protocol.SetXattr:
		return protocol.NewAck(r.Tag()), d.core.SetXattr(s.pid(r.PID), r.Path, r.Name, r.Value)
	case *protocol.ListXattr:
		names, err := d.core.ListXattr(s.pid(r.PID), r.Path)
		return protocol.XattrNames{Names: names}, err
	case *protocol.RemoveXattr:
		return protocol.NewAck(r.Tag()), d.core.RemoveXattr(s.pid(r.PID), r.Path, r.Name)

	// snapshot / branch
	case *protocol.SnapshotCreate:
		id, err := d.core.SnapshotCreateForPID(s.pid(r.PID), r.Label)
		if err == nil {
			log.Infof("[DAEMON] snapshot %s created for pid %d", id, s.pid(r.PID))
		}
		return protocol.SnapshotCreated{ID: id}, err
	case *protocol.SnapshotList:
		snaps, err := d.core.ListSnapshots(r.PathScope)
		return protocol.SnapshotListResult{Snapshots: snaps}, err
	case *protocol.SnapshotExport:
		return protocol.NewAck(r.Tag()), d.core.ExportSnapshot(r.ID, r.DestDir, vfs.ExportOptions{Excludes: r.Excludes})
	case *protocol.SnapshotDelete:
		return protocol.NewAck(r.Tag()), d.core.SnapshotDelete(r.ID)
	case *protocol.BranchCreate:
		id, err := d.core.BranchCreate(r.FromSnapshot, r.Name)
		return protocol.BranchCreated{ID: id}, err
	case *protocol.BranchBind:
		pids := make([]vfs.PID, len(r.PIDs))
		for i, p := range r.PIDs {
			pids[i] = vfs.PID(p)
		}
		return protocol.NewAck(r.Tag()), d.core.BranchBind(r.ID, pids...)
	case *protocol.BranchUnbind:
		d.core.BranchUnbind(s.pid(r.PID))
		return protocol.NewAck(r.Tag()), nil
	case *protocol.BranchList:
		return protocol.BranchListResult{Branches: d.core.BranchList()}, nil
	case *protocol.BranchDelete:
		return protocol.NewAck(r.Tag()), d.core.BranchDelete(r.ID)

	// watch
	case *protocol.WatchRegisterKqueue:
		id, err := d.hub.RegisterKqueue(s.pid(r.PID), r.Path, r.Mask)
		if err != nil {
			return nil, err
		}
		s.addWatch(uint64(id))
		return protocol.WatchRegistered{ID: uint64(id), Kind: watch.KindKqueue}, nil
	case *protocol.WatchRegisterFSEvents:
		id, err := d.hub.RegisterFSEvents(s.pid(r.PID), r.Paths, r.Mask)
		if err != nil {
			return nil, err
		}
		s.addWatch(uint64(id))
		return protocol.WatchRegistered{ID: uint64(id), Kind: watch.KindFSEvents}, nil
	case *protocol.WatchUnregister:
		s.dropWatch(r.ID)
		return protocol.NewAck(r.Tag()), d.hub.Unregister(watch.ID(r.ID))
	case *protocol.WatchDrain:
		events, dropped, err := d.hub.Drain(watch.ID(r.ID), int(r.Max))
		return protocol.WatchEvents{Events: events, Dropped: dropped}, err

	// daemon
	case *protocol.DaemonStatus:
		return d.status(), nil
	case *protocol.FaultSet:
		d.core.SetFaultPolicy(r.Policy)
		return protocol.NewAck(r.Tag()), nil
	case *protocol.FaultClear:
		d.core.ClearFaultPolicy()
		return protocol.NewAck(r.Tag()), nil
	case *protocol.DaemonStop:
		log.Infof("[DAEMON] stop requested by session %d (%s)", s.ID, s.Client)
		d.Stop()
		return protocol.NewAck(r.Tag()), nil
	}
	return nil, fmt.Errorf("%w: unhandled request %s", common.ErrUnsupported, req.Tag())
}

func (d *Daemon) status() protocol.StatusResult {
	st := protocol.StatusResult{
		PID:         os.Getpid(),
		Version:     Version,
		StartedAt:   d.startedAt.Unix(),
		Connections: d.server.Connections(),
		Watches:     len(d.hub.Registrations()),
		Stats:       d.core.Stats(),
		Faults:      d.core.Faults().Stats(),
	}
	if d.nfs != nil {
		st.NFSAddr = d.nfs.Addr()
	}
	return st
}

func (d *Daemon) features() []string {
	cfg := d.core.Config()
	features := []string{"snapshots", "branches", "watch", "faults"}
	if cfg.EnableXattrs {
		features = append(features, "xattr")
	}
	if cfg.EnableADS {
		features = append(features, "ads")
	}
	if cfg.Overlay.Enabled {
		features = append(features, "overlay")
	}
	return features
}
