package vfs

import (
	"errors"
	"sync"
	"testing"

	"agentfs/internal/common"
)

func newTestHandle(pid PID, path string, opts OpenOptions) *openHandle {
	return &openHandle{pid: pid, branch: RootBranchID, path: path, key: path, opts: opts}
}

func TestNewHandleManager(t *testing.T) {
	hm := NewHandleManager(0)
	if hm == nil {
		t.Fatal("NewHandleManager returned nil")
	}
	if hm.handles == nil {
		t.Error("handles map is nil")
	}
	if hm.nextHandle != 1 {
		t.Errorf("nextHandle = %d, want 1", hm.nextHandle)
	}
}

func TestAllocate(t *testing.T) {
	hm := NewHandleManager(0)

	h1, err1 := hm.Allocate(newTestHandle(1, "file1.txt", OpenOptions{Read: true}))
	h2, err2 := hm.Allocate(newTestHandle(1, "dir/file", OpenOptions{Read: true}))
	h3, err3 := hm.Allocate(newTestHandle(2, "file2.txt", OpenOptions{Write: true}))
	if err1 != nil || err2 != nil || err3 != nil {
		t.Fatalf("Allocate errors: %v %v %v", err1, err2, err3)
	}
	if h1 != 1 || h2 != 2 || h3 != 3 {
		t.Errorf("handles should be sequential, got %d %d %d", h1, h2, h3)
	}
}

func TestAllocate_Limit(t *testing.T) {
	hm := NewHandleManager(2)
	for i := 0; i < 2; i++ {
		if _, err := hm.Allocate(newTestHandle(1, "f", OpenOptions{Read: true})); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	_, err := hm.Allocate(newTestHandle(1, "f", OpenOptions{Read: true}))
	if !errors.Is(err, common.ErrTooManyHandles) {
		t.Errorf("err = %v, want ErrTooManyHandles", err)
	}
}

func TestAllocate_ShareConflicts(t *testing.T) {
	tests := []struct {
		name    string
		holder  OpenOptions
		newer   OpenOptions
		wantErr bool
	}{
		{"unrestricted", OpenOptions{Write: true}, OpenOptions{Write: true}, false},
		{"read shared", OpenOptions{Read: true, Share: ShareRead}, OpenOptions{Read: true}, false},
		{"write denied", OpenOptions{Read: true, Share: ShareRead}, OpenOptions{Write: true}, true},
		{"read denied", OpenOptions{Write: true, Share: ShareWrite}, OpenOptions{Read: true}, true},
		{"newer denies holder", OpenOptions{Write: true}, OpenOptions{Read: true, Share: ShareRead}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHandleManager(0)
			if _, err := hm.Allocate(newTestHandle(1, "f", tt.holder)); err != nil {
				t.Fatalf("first Allocate: %v", err)
			}
			_, err := hm.Allocate(newTestHandle(2, "f", tt.newer))
			if got := errors.Is(err, common.ErrBusy); got != tt.wantErr {
				t.Errorf("Busy = %v, want %v (err %v)", got, tt.wantErr, err)
			}
		})
	}
}

func TestAllocate_OtherBranchNoConflict(t *testing.T) {
	hm := NewHandleManager(0)
	if _, err := hm.Allocate(newTestHandle(1, "f", OpenOptions{Read: true, Share: ShareRead})); err != nil {
		t.Fatal(err)
	}
	other := newTestHandle(2, "f", OpenOptions{Write: true})
	other.branch = "b1"
	if _, err := hm.Allocate(other); err != nil {
		t.Errorf("handles on different branches should not conflict: %v", err)
	}
}

func TestGet(t *testing.T) {
	hm := NewHandleManager(0)
	h, _ := hm.Allocate(newTestHandle(42, "test.txt", OpenOptions{Read: true}))

	info, ok := hm.Get(h, 42)
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if info.path != "test.txt" {
		t.Errorf("path = %s, want test.txt", info.path)
	}
	if _, ok := hm.Get(h, 7); ok {
		t.Error("Get should reject a handle owned by another pid")
	}
	if _, ok := hm.Get(999, 42); ok {
		t.Error("Get should return not ok for nonexistent handle")
	}
}

func TestSetOffset(t *testing.T) {
	hm := NewHandleManager(0)
	h, _ := hm.Allocate(newTestHandle(1, "f", OpenOptions{Read: true}))
	hm.SetOffset(h, 128)
	info, _ := hm.Get(h, 1)
	if info.offset != 128 {
		t.Errorf("offset = %d, want 128", info.offset)
	}
}

func TestRelease(t *testing.T) {
	hm := NewHandleManager(0)
	h, _ := hm.Allocate(newTestHandle(1, "test.txt", OpenOptions{Read: true}))

	if _, ok := hm.Release(h, 2); ok {
		t.Error("Release by another pid should fail")
	}
	if _, ok := hm.Release(h, 1); !ok {
		t.Fatal("Release should succeed")
	}
	if _, ok := hm.Get(h, 1); ok {
		t.Error("handle should not exist after release")
	}
	if _, ok := hm.Release(h, 1); ok {
		t.Error("double release should fail")
	}
}

func TestDeleteAllowed(t *testing.T) {
	hm := NewHandleManager(0)
	hm.Allocate(newTestHandle(1, "open", OpenOptions{Read: true, Share: ShareRead}))
	hm.Allocate(newTestHandle(1, "shared", OpenOptions{Read: true, Share: ShareRead | ShareDelete}))
	hm.Allocate(newTestHandle(1, "plain", OpenOptions{Read: true}))

	if hm.DeleteAllowed(RootBranchID, "open") {
		t.Error("delete should be denied without ShareDelete")
	}
	if !hm.DeleteAllowed(RootBranchID, "shared") {
		t.Error("delete should be allowed with ShareDelete")
	}
	if !hm.DeleteAllowed(RootBranchID, "plain") {
		t.Error("delete should be allowed for an unrestricted handle")
	}
}

func TestRetarget(t *testing.T) {
	hm := NewHandleManager(0)
	h1, _ := hm.Allocate(newTestHandle(1, "a/b/c.txt", OpenOptions{Read: true}))
	h2, _ := hm.Allocate(newTestHandle(1, "a/bc", OpenOptions{Read: true}))

	hm.Retarget(RootBranchID, "a/b", "x", func(s string) string { return s })

	if info, _ := hm.Get(h1, 1); info.path != "x/c.txt" || info.key != "x/c.txt" {
		t.Errorf("moved handle path = %q key = %q", info.path, info.key)
	}
	if info, _ := hm.Get(h2, 1); info.path != "a/bc" {
		t.Errorf("sibling prefix should not move, got %q", info.path)
	}
}

func TestCountAndClear(t *testing.T) {
	hm := NewHandleManager(0)
	hm.Allocate(newTestHandle(1, "a", OpenOptions{Read: true}))
	other := newTestHandle(1, "b", OpenOptions{Read: true})
	other.branch = "b1"
	hm.Allocate(other)

	if hm.Count() != 2 {
		t.Errorf("Count = %d, want 2", hm.Count())
	}
	if hm.CountBranch("b1") != 1 {
		t.Errorf("CountBranch = %d, want 1", hm.CountBranch("b1"))
	}
	if n := hm.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	h, _ := hm.Allocate(newTestHandle(1, "c", OpenOptions{Read: true}))
	if h != 3 {
		t.Errorf("handle ids should not be reused after Clear, got %d", h)
	}
}

func TestConcurrentAllocate(t *testing.T) {
	hm := NewHandleManager(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[HandleID]bool)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := hm.Allocate(newTestHandle(1, "f", OpenOptions{Read: true}))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[h] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 100 {
		t.Errorf("got %d unique handles, want 100", len(seen))
	}
}
