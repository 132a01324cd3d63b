package fault

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"agentfs/internal/common"
)

func u64(v uint64) *uint64 { return &v }

func TestShouldFault_Sequence(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{
		Enabled: true,
		Rules:   []Rule{{Op: OpWrite, Errno: EIO, StartAfter: 1, MaxFaults: u64(2)}},
	})

	var got []string
	for range 6 {
		if errno, ok := inj.ShouldFault(OpWrite); ok {
			got = append(got, errno.String())
		} else {
			got = append(got, "none")
		}
	}
	assert.Equal(t, []string{"none", "eio", "eio", "none", "none", "none"}, got)
}

func TestShouldFault_StartAfterAndMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		startAfter uint64
		maxFaults  uint64
	}{
		{"immediate single", 0, 1},
		{"skip three fail two", 3, 2},
		{"skip ten fail five", 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inj := NewInjector()
			inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{
				{Op: OpRead, Errno: ENOSPC, StartAfter: tt.startAfter, MaxFaults: u64(tt.maxFaults)},
			}})
			total := tt.startAfter + tt.maxFaults + 5
			for n := uint64(0); n < total; n++ {
				_, fired := inj.ShouldFault(OpRead)
				want := n >= tt.startAfter && n < tt.startAfter+tt.maxFaults
				assert.Equal(t, want, fired, "invocation %d", n)
			}
		})
	}
}

func TestShouldFault_Unlimited(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{{Op: OpSync, Errno: EIO}}})
	for range 50 {
		_, ok := inj.ShouldFault(OpSync)
		assert.True(t, ok)
	}
	_, ok := inj.ShouldFault(OpWrite)
	assert.False(t, ok, "other ops pass")
}

func TestShouldFault_Disabled(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{Enabled: false, Rules: []Rule{{Op: OpWrite, Errno: EIO}}})
	_, ok := inj.ShouldFault(OpWrite)
	assert.False(t, ok)

	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{{Op: OpWrite, Errno: EIO}}})
	_, ok = inj.ShouldFault(OpWrite)
	assert.True(t, ok)

	inj.Clear()
	_, ok = inj.ShouldFault(OpWrite)
	assert.False(t, ok)
	assert.Empty(t, inj.Policy().Rules)
}

func TestSetPolicy_ResetsCounters(t *testing.T) {
	t.Parallel()

	p := Policy{Enabled: true, Rules: []Rule{{Op: OpTruncate, Errno: EIO, StartAfter: 1, MaxFaults: u64(1)}}}
	inj := NewInjector()
	inj.SetPolicy(p)
	inj.ShouldFault(OpTruncate)
	_, ok := inj.ShouldFault(OpTruncate)
	require.True(t, ok)
	assert.Equal(t, uint64(2), inj.Stats()[0].Invocations)
	assert.Equal(t, uint64(1), inj.Stats()[0].Hits)

	inj.SetPolicy(p)
	assert.Zero(t, inj.Stats()[0].Invocations)
	_, ok = inj.ShouldFault(OpTruncate)
	assert.False(t, ok, "start_after applies again after reinstall")
}

func TestShouldFault_FirstRuleWins(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{
		{Op: OpWrite, Errno: ENOSPC, MaxFaults: u64(1)},
		{Op: OpWrite, Errno: EIO},
	}})
	e1, _ := inj.ShouldFault(OpWrite)
	e2, _ := inj.ShouldFault(OpWrite)
	assert.Equal(t, ENOSPC, e1)
	assert.Equal(t, EIO, e2)

	stats := inj.Stats()
	assert.Equal(t, uint64(2), stats[1].Invocations)
	assert.Equal(t, uint64(1), stats[1].Hits)
}

func TestSaturatingCounters(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{{Op: OpRead, Errno: EIO}}})
	inj.rules[0].invocations = math.MaxUint64
	inj.rules[0].hits = math.MaxUint64 - 1
	for range 3 {
		_, ok := inj.ShouldFault(OpRead)
		assert.True(t, ok)
	}
	assert.Equal(t, uint64(math.MaxUint64), inj.Stats()[0].Invocations)
	assert.Equal(t, uint64(math.MaxUint64), inj.Stats()[0].Hits)
}

func TestCheck_ErrorTaxonomy(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{
		{Op: OpWrite, Errno: EIO, MaxFaults: u64(1)},
		{Op: OpAllocate, Errno: ENOSPC, MaxFaults: u64(1)},
	}})

	err := inj.Check(OpWrite, "a.txt")
	assert.ErrorIs(t, err, common.ErrIO)
	assert.Equal(t, unix.EIO, common.Errno(err))

	err = inj.Check(OpAllocate, "a.txt")
	assert.ErrorIs(t, err, common.ErrNoSpace)
	assert.Equal(t, unix.ENOSPC, common.Errno(err))

	assert.NoError(t, inj.Check(OpWrite, "a.txt"))
}

func TestObserver(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	var fired []Op
	inj.SetObserver(func(op Op, _ Errno) { fired = append(fired, op) })
	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{{Op: OpCloneCow, Errno: EIO, MaxFaults: u64(1)}}})
	inj.ShouldFault(OpCloneCow)
	inj.ShouldFault(OpCloneCow)
	assert.Equal(t, []Op{OpCloneCow}, fired)
}

func TestConcurrentShouldFault(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.SetPolicy(Policy{Enabled: true, Rules: []Rule{{Op: OpWrite, Errno: EIO, StartAfter: 100, MaxFaults: u64(50)}}})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, ok := inj.ShouldFault(OpWrite); ok {
					mu.Lock()
					count++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
	assert.Equal(t, uint64(1000), inj.Stats()[0].Invocations)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy([]byte(`{
		"enabled": true,
		"rules": [
			{"op": "Write", "errno": "Eio", "start_after": 1, "max_faults": 2},
			{"op": "clone_cow", "errno": "ENOSPC", "start_after": 0},
		]
	}`))
	require.NoError(t, err)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, OpWrite, p.Rules[0].Op)
	assert.Equal(t, EIO, p.Rules[0].Errno)
	assert.Equal(t, uint64(2), *p.Rules[0].MaxFaults)
	assert.Equal(t, OpCloneCow, p.Rules[1].Op)
	assert.Nil(t, p.Rules[1].MaxFaults)

	out, err := json.Marshal(p.Rules[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"clone_cow","errno":"enospc","start_after":0}`, string(out))

	_, err = ParsePolicy([]byte(`{"enabled": true, "rules": [{"op": "fsync", "errno": "eio"}]}`))
	assert.Error(t, err)
	_, err = ParsePolicy([]byte(`{"enabled": true, "rules": [{"errno": "eio"}]}`))
	assert.Error(t, err)
}
