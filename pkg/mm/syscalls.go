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

package mm

import (
	"golang.org/x/sys/unix"

	"github.com/wintrix/wintrix/pkg/abi/posix"
	"github.com/wintrix/wintrix/pkg/fdtab"
	"github.com/wintrix/wintrix/pkg/hostarch"
	"github.com/wintrix/wintrix/pkg/hostwin"
)

// Mmap64 establishes a mapping of length bytes at offset off of the object
// behind fd, and returns its base address. addr is a placement hint, binding
// with MAP_FIXED.
func (mm *MemoryManager) Mmap64(addr, length uint64, prot, flags int, fd int32, off int64) (uint64, error) {
	log.Debugf("mmap: addr %#x, len %#x, prot %#x, flags %#x, fd %d, off %#x", addr, length, prot, flags, fd, off)

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if off%hostarch.PageSize != 0 ||
		prot&^(posix.PROT_READ|posix.PROT_WRITE|posix.PROT_EXEC) != 0 ||
		(flags&posix.MAP_TYPE != posix.MAP_SHARED && flags&posix.MAP_TYPE != posix.MAP_PRIVATE) ||
		length == 0 {
		return 0, unix.EINVAL
	}

	// The legacy host sometimes hands out page-aligned rather than
	// granularity-aligned view addresses. To let such addresses be mapped
	// again with MAP_FIXED, the first alignment check is loosened to the
	// page size there; the strict check runs after the recycle attempt.
	checkAlign := uint64(hostarch.AllocationGranularity)
	if mm.caps.HasMmapAlignmentBug() {
		checkAlign = hostarch.PageSize
	}
	if fixed(flags) && addr%checkAlign != 0 {
		return 0, unix.EINVAL
	}

	var f *fdtab.File
	if anon(flags) {
		fd = anonFD
	} else if fd != anonFD {
		if f = mm.fds.Get(fd); f == nil {
			return 0, unix.EINVAL
		}
		// Mapping /dev/zero is anonymous mapping.
		if f.Device() == fdtab.Zero {
			fd = anonFD
			flags |= posix.MAP_ANONYMOUS
		}
	}
	// fd == -1 without MAP_ANONYMOUS is normalized too.
	if fd == anonFD {
		f = nil
		length = hostarch.PageRoundUp(length)
		flags |= posix.MAP_ANONYMOUS
	} else if f.Device() == fdtab.Disk {
		fsiz := f.Size()
		// A mapping beginning beyond EOF cannot be carried by the host
		// POSIX-like, unless MAP_AUTOGROW asks for host behavior.
		if uint64(off) >= fsiz && !autogrow(flags) {
			return 0, unix.ENXIO
		}
		// Don't map past EOF either; the host would grow the file.
		var remaining uint64
		if uint64(off) < fsiz {
			remaining = fsiz - uint64(off)
		}
		if length > remaining {
			if autogrow(flags) {
				if f.Access()&fdtab.Write == 0 {
					return 0, unix.EINVAL
				}
			} else {
				length = remaining
			}
		}
		// If the window fits after all, autogrow has nothing to do.
		if autogrow(flags) && uint64(off)+length <= fsiz {
			flags &^= posix.MAP_AUTOGROW
		}
	}

	var hash uint32
	if f != nil {
		hash = f.NameHash()
	}
	list := mm.listFor(fd, hash)

	// An anonymous request may be satisfied from the unmapped pages of an
	// existing anonymous record.
	if list != nil && anon(flags) {
		if off == 0 && !fixed(flags) {
			if rec := list.searchRun(length); rec != nil && rec.compatibleFlags(flags) {
				runOff, err := rec.mapPagesRun(mm, length)
				if err != nil {
					return 0, err
				}
				return rec.base + runOff, nil
			}
		} else if fixed(flags) {
			if idx, clAddr, clLen := list.searchRecord(addr, length, -1); idx >= 0 {
				rec := list.recs[idx]
				if clAddr != addr || clLen < length || !rec.compatibleFlags(flags) {
					// Partial match only, or access mode mismatch.
					return 0, unix.EINVAL
				}
				if err := rec.mapPagesAt(mm, addr, length); err != nil {
					return 0, err
				}
				return addr, nil
			}
		}
	}

	// Deferred strict alignment check, see above.
	if mm.caps.HasMmapAlignmentBug() && fixed(flags) && addr%hostarch.AllocationGranularity != 0 {
		return 0, unix.EINVAL
	}

	dev := fdtab.Zero
	if f != nil {
		dev = f.Device()
	}
	sec, base, err := backendFor(dev).mmap(mm, f, addr, length, prot, flags, off)
	if err != nil {
		return 0, err
	}

	// The host mapping exists; record it.
	if list == nil {
		list = mm.addList(fd, hash)
	}
	list.addRecord(mm, &mmapRecord{
		fd:       fd,
		sec:      sec,
		prot:     prot,
		flags:    flags,
		off:      off,
		length:   length,
		base:     base,
		dev:      dev,
		nameHash: hash,
	})
	return base, nil
}

// Mmap is Mmap64 with a narrow offset.
func (mm *MemoryManager) Mmap(addr, length uint64, prot, flags int, fd int32, off int32) (uint64, error) {
	return mm.Mmap64(addr, length, prot, flags, fd, int64(off))
}

// Munmap removes all mapped pages between addr and addr+length, across
// every mapping the window intersects. Windows containing pages that are
// already unmapped are fine.
func (mm *MemoryManager) Munmap(addr, length uint64) error {
	log.Debugf("munmap: addr %#x, len %#x", addr, length)

	if addr == 0 || length == 0 || hostwin.CheckInvalidRange(addr, length) {
		return unix.EINVAL
	}
	// Unmapping is page-granular: partial unmaps of a mapping only clear
	// page bits, so any page-aligned window is a valid target.
	if addr%hostarch.PageSize != 0 {
		return unix.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	for li := 0; li < len(mm.lists); li++ {
		list := mm.lists[li]
		idx, clAddr, clLen := list.searchRecord(addr, length, -1)
		for idx >= 0 {
			rec := list.recs[idx]
			if rec.unmapPages(mm, clAddr, clLen) {
				// The whole record is unmapped; tear down the host
				// mapping and drop the record.
				if err := backendFor(rec.dev).munmap(mm, rec); err != nil {
					log.Warningf("unmap of record at %#x failed: %v", rec.base, err)
				}
				if list.delRecord(idx) {
					mm.delList(li)
					li--
					break
				}
				idx--
			}
			idx, clAddr, clLen = list.searchRecord(addr, length, idx)
		}
	}
	return nil
}

// Msync flushes [addr, addr+length) to the mapped object. The window must
// be fully accessible within a single mapping; a window that spans several
// mappings, or touches even one unmapped page, fails with ENOMEM.
func (mm *MemoryManager) Msync(addr, length uint64, flags int) error {
	log.Debugf("msync: addr %#x, len %#x, flags %#x", addr, length, flags)

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if flags&^(posix.MS_ASYNC|posix.MS_SYNC|posix.MS_INVALIDATE) != 0 ||
		(flags&posix.MS_ASYNC != 0 && flags&posix.MS_SYNC != 0) {
		return unix.EINVAL
	}

	for _, list := range mm.lists {
		for _, rec := range list.recs {
			if !rec.access(addr) {
				continue
			}
			for pg := addr + hostarch.PageSize; pg < addr+length; pg += hostarch.PageSize {
				if !rec.access(pg) {
					return unix.ENOMEM
				}
			}
			return backendFor(rec.dev).msync(mm, rec, addr, length, flags)
		}
	}
	// No mapping covers the window.
	return unix.ENOMEM
}

// Mprotect changes the protection of [addr, addr+length) in every mapping
// the window intersects. For private anonymous noreserve mappings,
// PROT_NONE decommits the pages and any other protection commits them
// again.
//
// A window that intersects no mapping at all is handed to the host as a
// best effort; that path can race with a concurrent Mmap placing a view in
// the same region, and callers must not rely on it.
func (mm *MemoryManager) Mprotect(addr, length uint64, prot int) error {
	log.Debugf("mprotect: addr %#x, len %#x, prot %#x", addr, length, prot)

	inMapped := false
	mm.mu.Lock()
	for li := 0; li < len(mm.lists); li++ {
		list := mm.lists[li]
		for idx, clAddr, clLen := list.searchRecord(addr, length, -1); idx >= 0; idx, clAddr, clLen = list.searchRecord(addr, length, idx) {
			rec := list.recs[idx]
			inMapped = true
			newProt := genProtect(mm.caps, prot, rec.flags, false)
			var err error
			if rec.anon() && rec.priv() && rec.noreserve() {
				if newProt == hostwin.PAGE_NOACCESS {
					err = decommitAnon(mm.proc, clAddr, clLen)
				} else {
					err = commitAnon(mm.proc, clAddr, clLen, newProt)
				}
			} else {
				err = mm.ops.protect(mm.proc, clAddr, clLen, newProt)
			}
			if err != nil {
				mm.mu.Unlock()
				return errnoFromHost(err)
			}
		}
	}
	mm.mu.Unlock()

	if !inMapped {
		mbi, err := mm.proc.Query(addr)
		if err != nil {
			return errnoFromHost(err)
		}
		// If the region was originally write-copy, a write request must
		// ask for write-copy again or the host rejects it.
		flags := 0
		if prot&posix.PROT_WRITE != 0 &&
			(mbi.AllocationProtect == hostwin.PAGE_WRITECOPY ||
				mbi.AllocationProtect == hostwin.PAGE_EXECUTE_WRITECOPY) {
			flags = posix.MAP_PRIVATE
		}
		newProt := genProtect(mm.caps, prot, flags, false)
		if newProt != hostwin.PAGE_NOACCESS && mbi.State == hostwin.MEM_RESERVE {
			err = commitAnon(mm.proc, addr, length, newProt)
		} else {
			err = mm.ops.protect(mm.proc, addr, length, newProt)
		}
		if err != nil {
			return errnoFromHost(err)
		}
	}
	return nil
}
