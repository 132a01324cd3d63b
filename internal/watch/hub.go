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

package watch

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/vfs"
)

// DefaultQueueLimit bounds the notifications buffered per registration.
const DefaultQueueLimit = 1024

// ID identifies a registration.
type ID uint64

// Notification is one translated event queued for a registration.
type Notification struct {
	Path  string `cbor:"1,keyasint" json:"path"`
	Flags uint32 `cbor:"2,keyasint" json:"flags"`
	// Seq is a hub-wide event sequence number, as FSEvents event ids are.
	Seq uint64 `cbor:"3,keyasint" json:"seq"`
}

// Registration describes an active watcher.
type Registration struct {
	ID    ID       `cbor:"1,keyasint" json:"id"`
	PID   vfs.PID  `cbor:"2,keyasint" json:"pid"`
	Kind  Kind     `cbor:"3,keyasint" json:"kind"`
	Paths []string `cbor:"4,keyasint" json:"paths"`
	Mask  uint32   `cbor:"5,keyasint" json:"mask"`
}

type registration struct {
	Registration
	queue   []Notification
	dropped uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueLimit sets the per-registration queue bound.
func WithQueueLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueLimit = n
		}
	}
}

// WithCaseInsensitive folds paths before matching them.
func WithCaseInsensitive(insensitive bool) Option {
	return func(h *Hub) {
		if insensitive {
			h.fold = func(s string) string { return common.FoldName(s, true) }
		}
	}
}

// Hub fans engine events out to watch registrations. It only observes
// committed mutations; Publish must not be called with an engine lock held.
type Hub struct {
	mu         sync.Mutex
	regs       map[ID]*registration
	nextID     ID
	seq        uint64
	queueLimit int
	fold       func(string) string
	branchOf   func(vfs.PID) vfs.BranchID
}

// NewHub creates a hub. branchOf resolves the branch a pid currently sees;
// events of other branches are not delivered to its registrations.
func NewHub(branchOf func(vfs.PID) vfs.BranchID, opts ...Option) *Hub {
	h := &Hub{
		regs:       make(map[ID]*registration),
		nextID:     1,
		queueLimit: DefaultQueueLimit,
		fold:       identity,
		branchOf:   branchOf,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterKqueue watches a single vnode. mask filters NOTE_* flags; zero
// means all.
func (h *Hub) RegisterKqueue(pid vfs.PID, path string, mask uint32) (ID, error) {
	p, err := common.CleanPath(path)
	if err != nil {
		return 0, common.NewError("watch_register", path, err)
	}
	return h.register(pid, KindKqueue, []string{p}, mask), nil
}

// RegisterFSEvents watches every path at or below each prefix. mask filters
// the item kind flags; zero means all.
func (h *Hub) RegisterFSEvents(pid vfs.PID, paths []string, mask uint32) (ID, error) {
	if len(paths) == 0 {
		return 0, common.NewError("watch_register", "", common.ErrInvalidArg)
	}
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := common.CleanPath(p)
		if err != nil {
			return 0, common.NewError("watch_register", p, err)
		}
		clean = append(clean, c)
	}
	return h.register(pid, KindFSEvents, clean, mask), nil
}

func (h *Hub) register(pid vfs.PID, kind Kind, paths []string, mask uint32) ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.regs[id] = &registration{Registration: Registration{ID: id, PID: pid, Kind: kind, Paths: paths, Mask: mask}}
	log.Debugf("[WATCH] registered %d: pid=%d kind=%s paths=%v mask=%#x", id, pid, kind, paths, mask)
	return id
}

// Unregister drops a registration and its queue.
func (h *Hub) Unregister(id ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.regs[id]; !ok {
		return common.NewError("watch_unregister", "", common.ErrNotFound)
	}
	delete(h.regs, id)
	log.Debugf("[WATCH] unregistered %d", id)
	return nil
}

// UnregisterPID drops every registration of pid and returns how many.
func (h *Hub) UnregisterPID(pid vfs.PID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, r := range h.regs {
		if r.PID == pid {
			delete(h.regs, id)
			n++
		}
	}
	return n
}

// Drain removes up to max queued notifications (all when max <= 0) and
// reports how many were dropped for overflow since the previous drain.
func (h *Hub) Drain(id ID, max int) ([]Notification, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.regs[id]
	if !ok {
		return nil, 0, common.NewError("watch_drain", "", common.ErrNotFound)
	}
	n := len(r.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Notification, n)
	copy(out, r.queue[:n])
	r.queue = append(r.queue[:0], r.queue[n:]...)
	dropped := r.dropped
	r.dropped = 0
	return out, dropped, nil
}

// Registrations lists active registrations ordered by id.
func (h *Hub) Registrations() []Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Registration, 0, len(h.regs))
	for _, r := range h.regs {
		reg := r.Registration
		reg.Paths = append([]string(nil), r.Paths...)
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish translates ev for every matching registration. It has the
// signature of an engine subscriber.
func (h *Hub) Publish(ev vfs.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.regs) == 0 {
		return
	}
	h.seq++
	views := make(map[vfs.PID]vfs.BranchID)
	for _, r := range h.regs {
		b, ok := views[r.PID]
		if !ok {
			b = h.branchOf(r.PID)
			views[r.PID] = b
		}
		if b != ev.BranchID {
			continue
		}
		switch r.Kind {
		case KindKqueue:
			flags := KqueueFlags(ev, r.Paths[0], h.fold)
			if r.Mask != 0 {
				flags &= r.Mask
			}
			if flags == 0 {
				continue
			}
			h.enqueue(r, Notification{Path: r.Paths[0], Flags: flags, Seq: h.seq})
			// The vnode moves with its name.
			if flags&NoteRename != 0 {
				r.Paths[0] = ev.Path
			}
		case KindFSEvents:
			flags := FSEventsFlags(ev)
			if r.Mask != 0 && flags&itemKinds&r.Mask == 0 {
				continue
			}
			seen := make(map[string]bool)
			for _, prefix := range r.Paths {
				for _, p := range fseventsPaths(ev, prefix, h.fold) {
					if seen[p] {
						continue
					}
					seen[p] = true
					h.enqueue(r, Notification{Path: p, Flags: flags, Seq: h.seq})
				}
			}
		}
	}
}

func (h *Hub) enqueue(r *registration, n Notification) {
	if len(r.queue) >= h.queueLimit {
		r.queue = r.queue[1:]
		if r.dropped < ^uint64(0) {
			r.dropped++
		}
		if r.dropped == 1 {
			log.Warnf("[WATCH] queue of %d overflowed, dropping oldest", r.ID)
		}
	}
	r.queue = append(r.queue, n)
}
