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
	"sync"

	"github.com/google/btree"

	"github.com/wintrix/wintrix/pkg/hostarch"
)

// Default working-set bounds of a fresh process.
const (
	defaultWorkingSetMin = 200 << 10
	defaultWorkingSetMax = 1380 << 10
)

// Process is an emulated address space. Processes sharing a Host can map
// views of the same sections; forked children start empty.
type Process struct {
	host *Host
	pid  int32

	mu sync.Mutex

	// allocs indexes allocations by base address.
	allocs *btree.BTreeG[*allocation]

	// bump is the next base address tried for system-chosen placements.
	bump uint64

	wsMin, wsMax uint64
	lockedBytes  uint64
}

// allocation is one reservation: either a VirtualAlloc region or a mapped
// view of a section.
type allocation struct {
	base         uint64
	size         uint64
	allocProtect Protect

	// section is non-nil for views; sectOff is the view's offset into it.
	section *Section
	sectOff uint64

	pages []page
}

// page is the state of one system page within an allocation. priv is the
// page's private backing: always present for committed VirtualAlloc pages,
// and present for view pages whose copy-on-write has been broken.
type page struct {
	state   State
	protect Protect
	priv    []byte
}

func (a *allocation) end() uint64 {
	return a.base + a.size
}

func (a *allocation) contains(addr uint64) bool {
	return addr >= a.base && addr < a.end()
}

func allocLess(x, y *allocation) bool {
	return x.base < y.base
}

// NewProcess returns a process with an empty address space.
func (h *Host) NewProcess() *Process {
	h.mu.Lock()
	h.nextPID++
	pid := h.nextPID
	h.mu.Unlock()
	return &Process{
		host:   h,
		pid:    pid,
		allocs: btree.NewG[*allocation](8, allocLess),
		bump:   0x20000000,
		wsMin:  defaultWorkingSetMin,
		wsMax:  defaultWorkingSetMax,
	}
}

// Host returns the host this process runs on.
func (p *Process) Host() *Host {
	return p.host
}

// findAlloc returns the allocation containing addr, or nil.
//
// Preconditions: p.mu is locked.
func (p *Process) findAlloc(addr uint64) *allocation {
	var found *allocation
	p.allocs.DescendLessOrEqual(&allocation{base: addr}, func(a *allocation) bool {
		found = a
		return false
	})
	if found != nil && found.contains(addr) {
		return found
	}
	return nil
}

// overlaps returns true if [base, base+size) intersects any allocation.
//
// Preconditions: p.mu is locked.
func (p *Process) overlaps(base, size uint64) bool {
	hit := false
	p.allocs.DescendLessOrEqual(&allocation{base: base + size - 1}, func(a *allocation) bool {
		hit = a.end() > base
		return false
	})
	return hit
}

// chooseBase picks a free granularity-aligned base for size bytes.
//
// Preconditions: p.mu is locked.
func (p *Process) chooseBase(size uint64) (uint64, error) {
	span := uint64(hostarch.Addr(size).PageRoundUp())
	for candidate := p.bump; candidate+span <= UserEnd; candidate += hostarch.AllocationGranularity {
		if !p.overlaps(candidate, span) {
			// Leave a granularity gap so unrelated placements never abut.
			p.bump = uint64(hostarch.Addr(candidate+span).GranRoundDown()) + 2*hostarch.AllocationGranularity
			return candidate, nil
		}
	}
	return 0, ErrConflictingAddresses
}

// insert adds a fresh allocation covering [base, base+size) with all pages in
// the given state.
//
// Preconditions: p.mu is locked; the range is free.
func (p *Process) insert(base, size uint64, allocProtect Protect, state State, pageProtect Protect, sec *Section, sectOff uint64) *allocation {
	n := pageCount(size)
	a := &allocation{
		base:         base,
		size:         n * hostarch.PageSize,
		allocProtect: allocProtect,
		section:      sec,
		sectOff:      sectOff,
		pages:        make([]page, n),
	}
	for i := range a.pages {
		a.pages[i].state = state
		if state == MEM_COMMIT {
			a.pages[i].protect = pageProtect
			if sec == nil {
				a.pages[i].priv = make([]byte, hostarch.PageSize)
			}
		}
	}
	p.allocs.ReplaceOrInsert(a)
	return a
}

// pageRange resolves [addr, addr+size) to a single allocation and a page
// index range within it. size 0 extends to the end of the allocation.
//
// Preconditions: p.mu is locked.
func (p *Process) pageRange(addr, size uint64) (*allocation, int, int, error) {
	base := uint64(hostarch.Addr(addr).PageRoundDown())
	a := p.findAlloc(base)
	if a == nil {
		return nil, 0, 0, ErrInvalidAddress
	}
	if size == 0 {
		size = a.end() - base
	}
	end := uint64(hostarch.Addr(addr + size).PageRoundUp())
	if end > a.end() {
		return nil, 0, 0, ErrInvalidAddress
	}
	lo := int((base - a.base) / hostarch.PageSize)
	hi := int((end - a.base) / hostarch.PageSize)
	return a, lo, hi, nil
}

// VirtualAlloc reserves and/or commits anonymous memory.
//
// MemReserve creates a new allocation; the base is rounded down to the
// allocation granularity and the range must be free. MemCommit alone commits
// reserved pages of an existing allocation; already committed pages are left
// untouched, protection included.
func (p *Process) VirtualAlloc(addr, size uint64, allocType uint32, protect Protect) (uint64, error) {
	if size == 0 || protect.CopyOnWrite() {
		return 0, ErrInvalidParameter
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if allocType&MemReserve != 0 {
		var base uint64
		var err error
		if addr == 0 {
			if base, err = p.chooseBase(size); err != nil {
				return 0, err
			}
		} else {
			base = uint64(hostarch.Addr(addr).GranRoundDown())
			if CheckInvalidRange(base, size) {
				return 0, ErrInvalidAddress
			}
			if p.overlaps(base, uint64(hostarch.Addr(addr+size).PageRoundUp())-base) {
				return 0, ErrConflictingAddresses
			}
		}
		state := State(MEM_RESERVE)
		if allocType&MemCommit != 0 {
			state = MEM_COMMIT
		}
		span := uint64(hostarch.Addr(size).PageRoundUp())
		if addr != 0 {
			span = uint64(hostarch.Addr(addr+size).PageRoundUp()) - base
		}
		p.insert(base, span, protect, state, protect, nil, 0)
		return base, nil
	}

	if allocType&MemCommit == 0 {
		return 0, ErrInvalidParameter
	}
	a, lo, hi, err := p.pageRange(addr, size)
	if err != nil {
		return 0, err
	}
	if a.section != nil {
		return 0, ErrInvalidParameter
	}
	for i := lo; i < hi; i++ {
		if a.pages[i].state == MEM_RESERVE {
			a.pages[i].state = MEM_COMMIT
			a.pages[i].protect = protect
			a.pages[i].priv = make([]byte, hostarch.PageSize)
		}
	}
	return uint64(hostarch.Addr(addr).PageRoundDown()), nil
}

// VirtualFree decommits or releases anonymous memory. Decommitting an
// already reserved page is a no-op; decommit of section views is rejected.
func (p *Process) VirtualFree(addr, size uint64, freeType uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case freeType&MemRelease != 0:
		a := p.findAlloc(addr)
		if a == nil || a.base != addr || a.section != nil {
			return ErrInvalidAddress
		}
		p.allocs.Delete(a)
		return nil
	case freeType&MemDecommit != 0:
		a, lo, hi, err := p.pageRange(addr, size)
		if err != nil {
			return err
		}
		if a.section != nil {
			return ErrInvalidParameter
		}
		for i := lo; i < hi; i++ {
			a.pages[i].state = MEM_RESERVE
			a.pages[i].protect = 0
			a.pages[i].priv = nil
		}
		return nil
	}
	return ErrInvalidParameter
}

// VirtualProtect changes the protection of committed pages and returns the
// previous protection of the first page.
//
// A write-copy protection can only be applied to views of sections created
// with a write-copy-capable protection.
func (p *Process) VirtualProtect(addr, size uint64, protect Protect) (Protect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, lo, hi, err := p.pageRange(addr, size)
	if err != nil {
		return 0, err
	}
	if protect.CopyOnWrite() && (a.section == nil || !a.allocProtect.CopyOnWrite()) {
		return 0, ErrInvalidParameter
	}
	for i := lo; i < hi; i++ {
		if a.pages[i].state != MEM_COMMIT {
			return 0, ErrNotCommitted
		}
	}
	old := a.pages[lo].protect
	for i := lo; i < hi; i++ {
		a.pages[i].protect = protect
	}
	return old, nil
}

// MemoryBasicInfo describes a run of pages sharing state and protection.
type MemoryBasicInfo struct {
	BaseAddress       uint64
	AllocationBase    uint64
	AllocationProtect Protect
	RegionSize        uint64
	State             State
	Protect           Protect
}

// Query reports the region containing addr: the longest run of pages from
// addr sharing state and protection within one allocation, or the free span
// up to the next allocation.
func (p *Process) Query(addr uint64) (MemoryBasicInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr >= UserEnd {
		return MemoryBasicInfo{}, ErrInvalidParameter
	}
	base := uint64(hostarch.Addr(addr).PageRoundDown())
	a := p.findAlloc(base)
	if a == nil {
		next := uint64(UserEnd)
		p.allocs.AscendGreaterOrEqual(&allocation{base: base}, func(n *allocation) bool {
			next = n.base
			return false
		})
		return MemoryBasicInfo{
			BaseAddress: base,
			RegionSize:  next - base,
			State:       MEM_FREE,
		}, nil
	}
	lo := int((base - a.base) / hostarch.PageSize)
	hi := lo + 1
	for hi < len(a.pages) &&
		a.pages[hi].state == a.pages[lo].state &&
		a.pages[hi].protect == a.pages[lo].protect {
		hi++
	}
	return MemoryBasicInfo{
		BaseAddress:       base,
		AllocationBase:    a.base,
		AllocationProtect: a.allocProtect,
		RegionSize:        uint64(hi-lo) * hostarch.PageSize,
		State:             a.pages[lo].state,
		Protect:           a.pages[lo].protect,
	}, nil
}

// MapViewOfSection maps [off, off+size) of s at addr (0 lets the host
// choose). The base and offset must be granularity-aligned and the window
// must lie within the section.
func (p *Process) MapViewOfSection(s *Section, addr, size, off uint64, protect Protect) (uint64, error) {
	if off&(hostarch.AllocationGranularity-1) != 0 {
		return 0, ErrInvalidParameter
	}
	limit := s.limit()
	if size == 0 {
		if off >= limit {
			return 0, ErrInvalidParameter
		}
		size = limit - off
	}
	if off+size > limit || off+size < off {
		return 0, ErrInvalidParameter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	base := addr
	if base == 0 {
		var err error
		if base, err = p.chooseBase(size); err != nil {
			return 0, err
		}
	} else {
		if !hostarch.Addr(base).IsGranAligned() {
			return 0, ErrInvalidAddress
		}
		if CheckInvalidRange(base, size) {
			return 0, ErrInvalidAddress
		}
		if p.overlaps(base, uint64(hostarch.Addr(size).PageRoundUp())) {
			return 0, ErrConflictingAddresses
		}
	}
	s.Ref()
	p.insert(base, size, protect, MEM_COMMIT, protect, s, off)
	return base, nil
}

// UnmapViewOfSection removes the view containing addr.
func (p *Process) UnmapViewOfSection(addr uint64) error {
	p.mu.Lock()
	a := p.findAlloc(addr)
	if a == nil || a.section == nil {
		p.mu.Unlock()
		return ErrInvalidAddress
	}
	p.allocs.Delete(a)
	p.mu.Unlock()
	a.section.Close()
	return nil
}

// FlushView flushes a mapped file view through to its backing file. Writes
// through shared views land in the file object directly, so this only
// validates the view.
func (p *Process) FlushView(addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findAlloc(addr)
	if a == nil || a.section == nil {
		return ErrInvalidAddress
	}
	return nil
}

// Read copies memory at addr into b, honoring page protection.
func (p *Process) Read(addr uint64, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readBytes(addr, b, true)
}

// Write copies b into memory at addr, honoring page protection. The first
// write to a copy-on-write page breaks it to a private copy; the page then
// reports a plain read-write protection.
func (p *Process) Write(addr uint64, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBytes(addr, b, false)
}

// ReadFrom copies memory at addr in the source process into b, honoring the
// source's page protection.
func (p *Process) ReadFrom(src *Process, addr uint64, b []byte) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.readBytes(addr, b, true)
}

// CopyFromParent duplicates [addr, addr+size) from the parent process into
// the same addresses of p. The parent's pages must be committed and
// readable; the destination pages must be committed. The copy lands the way
// a kernel-mode copy would: copy-on-write pages break, write protection is
// not enforced.
func (p *Process) CopyFromParent(parent *Process, addr, size uint64) error {
	buf := make([]byte, size)
	if err := p.ReadFrom(parent, addr, buf); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBytes(addr, buf, true)
}

// readBytes copies memory into b page by page.
//
// Preconditions: p.mu is locked.
func (p *Process) readBytes(addr uint64, b []byte, checkProt bool) error {
	for len(b) > 0 {
		a := p.findAlloc(addr)
		if a == nil {
			return ErrInvalidAddress
		}
		idx := int((addr - a.base) / hostarch.PageSize)
		pg := &a.pages[idx]
		if pg.state != MEM_COMMIT {
			return ErrNotCommitted
		}
		if checkProt && !pg.protect.Readable() {
			return ErrAccessDenied
		}
		pgOff := addr & (hostarch.PageSize - 1)
		n := hostarch.PageSize - pgOff
		if n > uint64(len(b)) {
			n = uint64(len(b))
		}
		if pg.priv != nil {
			copy(b[:n], pg.priv[pgOff:])
		} else {
			var full [hostarch.PageSize]byte
			a.section.readPage(full[:], a.sectOff+uint64(idx)*hostarch.PageSize)
			copy(b[:n], full[pgOff:])
		}
		addr += n
		b = b[n:]
	}
	return nil
}

// writeBytes copies b into memory page by page. kernel writes skip the
// write-protection check but still break copy-on-write.
//
// Preconditions: p.mu is locked.
func (p *Process) writeBytes(addr uint64, b []byte, kernel bool) error {
	for len(b) > 0 {
		a := p.findAlloc(addr)
		if a == nil {
			return ErrInvalidAddress
		}
		idx := int((addr - a.base) / hostarch.PageSize)
		pg := &a.pages[idx]
		if pg.state != MEM_COMMIT {
			return ErrNotCommitted
		}
		if !kernel && !pg.protect.Writable() {
			return ErrAccessDenied
		}
		if pg.protect.CopyOnWrite() {
			if pg.priv == nil {
				priv := make([]byte, hostarch.PageSize)
				a.section.readPage(priv, a.sectOff+uint64(idx)*hostarch.PageSize)
				pg.priv = priv
			}
			pg.protect = pg.protect.broken()
		}
		pgOff := addr & (hostarch.PageSize - 1)
		n := hostarch.PageSize - pgOff
		if n > uint64(len(b)) {
			n = uint64(len(b))
		}
		if pg.priv != nil {
			copy(pg.priv[pgOff:], b[:n])
		} else {
			var full [hostarch.PageSize]byte
			off := a.sectOff + uint64(idx)*hostarch.PageSize
			a.section.readPage(full[:], off)
			copy(full[pgOff:], b[:n])
			a.section.writePage(full[:], off)
		}
		addr += n
		b = b[n:]
	}
	return nil
}

// LockInRAM locks [addr, addr+size) into resident memory. Fails with
// ErrWorkingSetQuota while the locked span would exceed the working-set
// minimum.
func (p *Process) LockInRAM(addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, lo, hi, err := p.pageRange(addr, size)
	if err != nil {
		return err
	}
	for i := lo; i < hi; i++ {
		if a.pages[i].state != MEM_COMMIT {
			return ErrNotCommitted
		}
	}
	span := uint64(hi-lo) * hostarch.PageSize
	if p.lockedBytes+span > p.wsMin {
		return ErrWorkingSetQuota
	}
	p.lockedBytes += span
	return nil
}

// UnlockFromRAM undoes LockInRAM.
func (p *Process) UnlockFromRAM(addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := uint64(hostarch.Addr(addr+size).PageRoundUp()) - uint64(hostarch.Addr(addr).PageRoundDown())
	if span > p.lockedBytes {
		p.lockedBytes = 0
		return nil
	}
	p.lockedBytes -= span
	return nil
}

// WorkingSetSize returns the process's working-set bounds.
func (p *Process) WorkingSetSize() (min, max uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wsMin, p.wsMax
}

// SetWorkingSetSize adjusts the working-set bounds.
func (p *Process) SetWorkingSetSize(min, max uint64) error {
	if min > max {
		return ErrInvalidParameter
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wsMin, p.wsMax = min, max
	return nil
}
