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

// Package fault forces storage operations to fail on a declarative schedule.
//
// An Injector is owned by one filesystem instance. The engine calls Check
// before every physical operation; a forced fault is reported with the same
// error taxonomy as a genuine storage failure.
package fault

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"syscall"

	"github.com/tidwall/jsonc"
	"golang.org/x/sys/unix"

	"agentfs/internal/common"
)

// Op is a physical storage operation that can be faulted.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpTruncate
	OpAllocate
	OpCloneCow
	OpSync
)

var opNames = map[Op]string{
	OpRead:     "read",
	OpWrite:    "write",
	OpTruncate: "truncate",
	OpAllocate: "allocate",
	OpCloneCow: "clone_cow",
	OpSync:     "sync",
}

// Ops lists every faultable operation.
func Ops() []Op {
	return []Op{OpRead, OpWrite, OpTruncate, OpAllocate, OpCloneCow, OpSync}
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o Op) MarshalText() ([]byte, error) {
	if _, ok := opNames[o]; !ok {
		return nil, fmt.Errorf("unknown fault op %d", uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(b []byte) error {
	key := normalize(string(b))
	for op, name := range opNames {
		if normalize(name) == key {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("unknown fault op %q", b)
}

// Errno is the error a fired rule reports.
type Errno uint8

const (
	EIO Errno = iota + 1
	ENOSPC
	EACCES
	EROFS
	ENOENT
	EBUSY
	EDQUOT
)

var errnoTable = map[Errno]struct {
	name  string
	errno syscall.Errno
	err   error
}{
	EIO:    {"eio", unix.EIO, common.ErrIO},
	ENOSPC: {"enospc", unix.ENOSPC, common.ErrNoSpace},
	EACCES: {"eacces", unix.EACCES, common.ErrPermission},
	EROFS:  {"erofs", unix.EROFS, common.ErrReadOnly},
	ENOENT: {"enoent", unix.ENOENT, common.ErrNotFound},
	EBUSY:  {"ebusy", unix.EBUSY, common.ErrBusy},
	EDQUOT: {"edquot", unix.EDQUOT, common.ErrNoSpace},
}

func (e Errno) String() string {
	if v, ok := errnoTable[e]; ok {
		return v.name
	}
	return fmt.Sprintf("errno(%d)", uint8(e))
}

// Sys returns the host errno value.
func (e Errno) Sys() syscall.Errno {
	if v, ok := errnoTable[e]; ok {
		return v.errno
	}
	return unix.EIO
}

// Error builds the FsError a caller sees when this errno fires.
func (e Errno) Error(op Op, path string) error {
	v, ok := errnoTable[e]
	if !ok {
		return common.IOError(op.String(), path, unix.EIO)
	}
	return &common.FsError{Op: op.String(), Path: path, Errno: v.errno, Err: v.err}
}

func (e Errno) MarshalText() ([]byte, error) {
	if _, ok := errnoTable[e]; !ok {
		return nil, fmt.Errorf("unknown fault errno %d", uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *Errno) UnmarshalText(b []byte) error {
	key := normalize(string(b))
	for errno, v := range errnoTable {
		if v.name == key {
			*e = errno
			return nil
		}
	}
	return fmt.Errorf("unknown fault errno %q", b)
}

// Rule fails the StartAfter+1'th and following matching invocations, at
// most MaxFaults times when MaxFaults is set.
type Rule struct {
	Op         Op      `json:"op" cbor:"1,keyasint"`
	Errno      Errno   `json:"errno" cbor:"2,keyasint"`
	StartAfter uint64  `json:"start_after" cbor:"3,keyasint"`
	MaxFaults  *uint64 `json:"max_faults,omitempty" cbor:"4,keyasint,omitempty"`
}

// Policy is a complete rule set. A disabled policy never faults.
type Policy struct {
	Enabled bool   `json:"enabled" cbor:"1,keyasint"`
	Rules   []Rule `json:"rules" cbor:"2,keyasint"`
}

// ParsePolicy decodes the JSON form used by test harnesses.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return Policy{}, fmt.Errorf("invalid fault policy: %w", err)
	}
	for i, r := range p.Rules {
		if _, ok := opNames[r.Op]; !ok {
			return Policy{}, fmt.Errorf("invalid fault policy: rule %d has no op", i)
		}
		if _, ok := errnoTable[r.Errno]; !ok {
			return Policy{}, fmt.Errorf("invalid fault policy: rule %d has no errno", i)
		}
	}
	return p, nil
}

// RuleStats reports the bookkeeping of one installed rule.
type RuleStats struct {
	Rule        Rule   `json:"rule" cbor:"1,keyasint"`
	Invocations uint64 `json:"invocations" cbor:"2,keyasint"`
	Hits        uint64 `json:"hits" cbor:"3,keyasint"`
}

type ruleState struct {
	rule        Rule
	invocations uint64
	hits        uint64
}

// Injector evaluates a Policy. It is safe for concurrent use.
type Injector struct {
	mu       sync.Mutex
	enabled  bool
	rules    []ruleState
	observer func(Op, Errno)
}

// NewInjector returns an injector with an empty, disabled policy.
func NewInjector() *Injector {
	return &Injector{}
}

// SetObserver registers fn to be called (outside the lock) for every fired fault.
func (i *Injector) SetObserver(fn func(Op, Errno)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observer = fn
}

// SetPolicy replaces the rule set and resets all counters.
func (i *Injector) SetPolicy(p Policy) {
	rules := make([]ruleState, len(p.Rules))
	for idx, r := range p.Rules {
		if r.MaxFaults != nil {
			n := *r.MaxFaults
			r.MaxFaults = &n
		}
		rules[idx] = ruleState{rule: r}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = p.Enabled
	i.rules = rules
}

// Clear installs an empty disabled policy.
func (i *Injector) Clear() {
	i.SetPolicy(Policy{})
}

// Policy returns a copy of the installed policy.
func (i *Injector) Policy() Policy {
	i.mu.Lock()
	defer i.mu.Unlock()
	p := Policy{Enabled: i.enabled, Rules: make([]Rule, len(i.rules))}
	for idx, r := range i.rules {
		p.Rules[idx] = r.rule
	}
	return p
}

// ShouldFault records an invocation of op against every matching rule and
// returns the errno of the first rule that fires. Every matching rule
// counts the invocation; only the firing rule counts a hit.
func (i *Injector) ShouldFault(op Op) (Errno, bool) {
	i.mu.Lock()
	if !i.enabled {
		i.mu.Unlock()
		return 0, false
	}
	var (
		fired Errno
		ok    bool
	)
	for idx := range i.rules {
		st := &i.rules[idx]
		if st.rule.Op != op {
			continue
		}
		seen := st.invocations
		st.invocations = satInc(st.invocations)
		if ok || seen < st.rule.StartAfter {
			continue
		}
		if st.rule.MaxFaults != nil && st.hits >= *st.rule.MaxFaults {
			continue
		}
		st.hits = satInc(st.hits)
		fired, ok = st.rule.Errno, true
	}
	observer := i.observer
	i.mu.Unlock()

	if ok && observer != nil {
		observer(op, fired)
	}
	return fired, ok
}

// Check returns the FsError for op on path when a rule fires, else nil.
func (i *Injector) Check(op Op, path string) error {
	if errno, ok := i.ShouldFault(op); ok {
		return errno.Error(op, path)
	}
	return nil
}

// Stats returns per-rule counters in installation order.
func (i *Injector) Stats() []RuleStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]RuleStats, len(i.rules))
	for idx, st := range i.rules {
		out[idx] = RuleStats{Rule: st.rule, Invocations: st.invocations, Hits: st.hits}
	}
	return out
}

func satInc(v uint64) uint64 {
	if v == math.MaxUint64 {
		return v
	}
	return v + 1
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}
