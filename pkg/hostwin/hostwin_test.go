// Copyright 2020 The Wintrix Authors.
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

package hostwin

import (
	"testing"

	"github.com/wintrix/wintrix/pkg/hostarch"
)

func TestVirtualAllocStates(t *testing.T) {
	h := NewHost()
	p := h.NewProcess()

	base, err := p.VirtualAlloc(0, 2*hostarch.PageSize, MemReserve, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc(reserve): %v", err)
	}
	mbi, err := p.Query(base)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if mbi.State != MEM_RESERVE {
		t.Fatalf("reserved region state %#x, want MEM_RESERVE", mbi.State)
	}
	if err := p.Write(base, []byte{1}); err != ErrNotCommitted {
		t.Errorf("write to reserved page returned %v, want ErrNotCommitted", err)
	}

	if _, err := p.VirtualAlloc(base, hostarch.PageSize, MemCommit, PAGE_READWRITE); err != nil {
		t.Fatalf("VirtualAlloc(commit): %v", err)
	}
	if err := p.Write(base, []byte{1}); err != nil {
		t.Errorf("write to committed page: %v", err)
	}
	// The second page is still reserved; the query run stops at the
	// state change.
	mbi, err = p.Query(base)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if mbi.RegionSize != hostarch.PageSize || mbi.State != MEM_COMMIT {
		t.Errorf("committed run is (%#x, %#x), want one committed page", mbi.RegionSize, mbi.State)
	}

	if err := p.VirtualFree(base, hostarch.PageSize, MemDecommit); err != nil {
		t.Fatalf("VirtualFree(decommit): %v", err)
	}
	if err := p.Write(base, []byte{1}); err != ErrNotCommitted {
		t.Errorf("write to decommitted page returned %v, want ErrNotCommitted", err)
	}

	if err := p.VirtualFree(base, 0, MemRelease); err != nil {
		t.Fatalf("VirtualFree(release): %v", err)
	}
	mbi, err = p.Query(base)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if mbi.State != MEM_FREE {
		t.Errorf("released region state %#x, want MEM_FREE", mbi.State)
	}
}

func TestVirtualAllocConflicts(t *testing.T) {
	h := NewHost()
	p := h.NewProcess()
	base, err := p.VirtualAlloc(0, hostarch.PageSize, MemReserve|MemCommit, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	if _, err := p.VirtualAlloc(base, hostarch.PageSize, MemReserve, PAGE_READWRITE); err != ErrConflictingAddresses {
		t.Errorf("overlapping reserve returned %v, want ErrConflictingAddresses", err)
	}
}

func TestCopyOnWriteBreak(t *testing.T) {
	h := NewHost()
	f := h.NewFile("/data/cow", hostarch.PageSize)
	if err := f.WriteAt([]byte{0xAB}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	sec, err := h.CreateSection(f, 0, PAGE_WRITECOPY, "")
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	p := h.NewProcess()
	base, err := p.MapViewOfSection(sec, 0, hostarch.PageSize, 0, PAGE_WRITECOPY)
	if err != nil {
		t.Fatalf("MapViewOfSection: %v", err)
	}

	got := make([]byte, 1)
	if err := p.Read(base, got); err != nil || got[0] != 0xAB {
		t.Fatalf("read through write-copy view = (%#x, %v), want 0xAB", got[0], err)
	}

	// The first write breaks the page to a private copy, and the page
	// reports read-write afterwards.
	if err := p.Write(base, []byte{0xCD}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mbi, err := p.Query(base)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if mbi.Protect != PAGE_READWRITE {
		t.Errorf("broken page reports %#x, want PAGE_READWRITE", mbi.Protect)
	}
	if err := f.ReadAt(got, 0); err != nil || got[0] != 0xAB {
		t.Errorf("file contents changed by write-copy write: %#x, %v", got[0], err)
	}

	// Re-protecting the broken page back to write-copy is allowed on a
	// write-copy-capable view.
	if _, err := p.VirtualProtect(base, hostarch.PageSize, PAGE_WRITECOPY); err != nil {
		t.Errorf("VirtualProtect(WRITECOPY) on view: %v", err)
	}
}

func TestWriteCopyRejectedOnPrivateMemory(t *testing.T) {
	h := NewHost()
	p := h.NewProcess()
	base, err := p.VirtualAlloc(0, hostarch.PageSize, MemReserve|MemCommit, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	if _, err := p.VirtualProtect(base, hostarch.PageSize, PAGE_WRITECOPY); err != ErrInvalidParameter {
		t.Errorf("VirtualProtect(WRITECOPY) on private memory returned %v, want ErrInvalidParameter", err)
	}
}

func TestSharedViews(t *testing.T) {
	h := NewHost()
	sec, err := h.CreateSection(nil, hostarch.PageSize, PAGE_READWRITE, "")
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	p1 := h.NewProcess()
	p2 := h.NewProcess()
	a, err := p1.MapViewOfSection(sec, 0, hostarch.PageSize, 0, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("MapViewOfSection: %v", err)
	}
	b, err := p2.MapViewOfSection(sec, 0, hostarch.PageSize, 0, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("MapViewOfSection: %v", err)
	}
	if err := p1.Write(a, []byte{0x66}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 1)
	if err := p2.Read(b, got); err != nil || got[0] != 0x66 {
		t.Errorf("second view reads (%#x, %v), want 0x66", got[0], err)
	}
}

func TestSectionGrowthRules(t *testing.T) {
	h := NewHost()
	f := h.NewFile("/data/grow", hostarch.PageSize)

	// A read-only section cannot be larger than the file.
	if _, err := h.CreateSection(f, 2*hostarch.PageSize, PAGE_READONLY, ""); err != ErrSectionTooBig {
		t.Errorf("oversized read-only section returned %v, want ErrSectionTooBig", err)
	}
	// A read-write one grows the file.
	if _, err := h.CreateSection(f, 2*hostarch.PageSize, PAGE_READWRITE, ""); err != nil {
		t.Fatalf("oversized read-write section: %v", err)
	}
	if got := f.Size(); got != 2*hostarch.PageSize {
		t.Errorf("file size %#x after read-write create, want %#x", got, 2*hostarch.PageSize)
	}
}

func TestNamedSections(t *testing.T) {
	h := NewHost()
	f := h.NewFile("/data/named", hostarch.PageSize)
	sec, err := h.CreateSection(f, 0, PAGE_READWRITE, `/Data/Named`)
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	// Lookup is case-insensitive.
	opened, err := h.OpenSection(`/data/NAMED`, SECTION_MAP_READ|SECTION_MAP_WRITE)
	if err != nil {
		t.Fatalf("OpenSection: %v", err)
	}
	opened.Close()
	sec.Close()
	if _, err := h.OpenSection(`/data/named`, SECTION_MAP_READ); err != ErrObjectNameNotFound {
		t.Errorf("OpenSection after close returned %v, want ErrObjectNameNotFound", err)
	}
}

func TestReadProcessMemoryHonorsProtection(t *testing.T) {
	h := NewHost()
	parent := h.NewProcess()
	child := h.NewProcess()
	base, err := parent.VirtualAlloc(0, hostarch.PageSize, MemReserve|MemCommit, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	if err := parent.Write(base, []byte{9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := parent.VirtualProtect(base, hostarch.PageSize, PAGE_NOACCESS); err != nil {
		t.Fatalf("VirtualProtect: %v", err)
	}
	buf := make([]byte, 1)
	if err := child.ReadFrom(parent, base, buf); err != ErrAccessDenied {
		t.Errorf("cross-process read of inaccessible page returned %v, want ErrAccessDenied", err)
	}
	if _, err := parent.VirtualProtect(base, hostarch.PageSize, PAGE_READONLY); err != nil {
		t.Fatalf("VirtualProtect: %v", err)
	}
	if err := child.ReadFrom(parent, base, buf); err != nil || buf[0] != 9 {
		t.Errorf("cross-process read = (%d, %v), want 9", buf[0], err)
	}
}

func TestWorkingSetLock(t *testing.T) {
	h := NewHost()
	p := h.NewProcess()
	span := uint64(defaultWorkingSetMin + hostarch.PageSize)
	base, err := p.VirtualAlloc(0, span, MemReserve|MemCommit, PAGE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	if err := p.LockInRAM(base, span); err != ErrWorkingSetQuota {
		t.Fatalf("oversized lock returned %v, want ErrWorkingSetQuota", err)
	}
	if err := p.SetWorkingSetSize(span+hostarch.PageSize, 2*span); err != nil {
		t.Fatalf("SetWorkingSetSize: %v", err)
	}
	if err := p.LockInRAM(base, span); err != nil {
		t.Fatalf("lock after working-set growth: %v", err)
	}
	if err := p.UnlockFromRAM(base, span); err != nil {
		t.Fatalf("UnlockFromRAM: %v", err)
	}
}

func TestCheckInvalidRange(t *testing.T) {
	for _, tc := range []struct {
		addr, len uint64
		want      bool
	}{
		{addr: 0, len: hostarch.PageSize, want: true},
		{addr: 0x1000, len: hostarch.PageSize, want: true},
		{addr: UserStart, len: hostarch.PageSize, want: false},
		{addr: UserEnd - hostarch.PageSize, len: hostarch.PageSize, want: false},
		{addr: UserEnd - hostarch.PageSize, len: 2 * hostarch.PageSize, want: true},
		{addr: ^uint64(0) - hostarch.PageSize, len: 2 * hostarch.PageSize, want: true},
	} {
		if got := CheckInvalidRange(tc.addr, tc.len); got != tc.want {
			t.Errorf("CheckInvalidRange(%#x, %#x) = %t, want %t", tc.addr, tc.len, got, tc.want)
		}
	}
}

func TestViewWithinSection(t *testing.T) {
	h := NewHost()
	sec, err := h.CreateSection(nil, hostarch.PageSize, PAGE_READWRITE, "")
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	p := h.NewProcess()
	if _, err := p.MapViewOfSection(sec, 0, 2*hostarch.PageSize, 0, PAGE_READWRITE); err != ErrInvalidParameter {
		t.Errorf("oversized view returned %v, want ErrInvalidParameter", err)
	}
	if _, err := p.MapViewOfSection(sec, 0, hostarch.PageSize, hostarch.AllocationGranularity, PAGE_READWRITE); err != ErrInvalidParameter {
		t.Errorf("view beyond section returned %v, want ErrInvalidParameter", err)
	}
}
