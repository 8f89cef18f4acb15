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

// Package mm implements the POSIX mapping surface (mmap, munmap, msync,
// mprotect, mlock) on top of the host's section/view and reserve/commit
// primitives.
//
// The subsystem keeps per-process bookkeeping of every live mapping at page
// granularity, so partial unmaps, partial protection changes and partial
// syncs over arbitrary windows behave correctly even when those windows span
// several mappings. The host does not propagate mappings to forked children;
// FixupAfterFork rebuilds them.
//
// Ownership is strictly tree-shaped: the MemoryManager owns its record
// lists, a list owns its records, a record owns its page bitmap. Records are
// referenced by (list index, record index), never by pointer identity across
// operations; deletion compacts in place and iterators are fixed up by the
// caller.
package mm

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/wintrix/wintrix/pkg/abi/posix"
	"github.com/wintrix/wintrix/pkg/fdtab"
	"github.com/wintrix/wintrix/pkg/hostarch"
	"github.com/wintrix/wintrix/pkg/hostcap"
	"github.com/wintrix/wintrix/pkg/hostwin"
)

var log = logrus.WithField("subsystem", "mm")

// anonFD is the descriptor identity of anonymous mappings.
const anonFD = int32(-1)

// compatMask selects the flag bits that must match for a mapping request to
// recycle pages of an existing record.
const compatMask = posix.MAP_TYPE | posix.MAP_NORESERVE

func priv(flags int) bool      { return flags&posix.MAP_PRIVATE != 0 }
func fixed(flags int) bool     { return flags&posix.MAP_FIXED != 0 }
func anon(flags int) bool      { return flags&posix.MAP_ANONYMOUS != 0 }
func noreserve(flags int) bool { return flags&posix.MAP_NORESERVE != 0 }
func autogrow(flags int) bool  { return flags&posix.MAP_AUTOGROW != 0 }

// MemoryManager is the per-process mapping registry and page-state engine.
// All public operations serialize on a single resource lock held in write
// mode for their full duration.
type MemoryManager struct {
	host *hostwin.Host
	proc *hostwin.Process
	caps *hostcap.Capabilities
	fds  *fdtab.Table

	// ops is the host backend table, fixed at initialization.
	ops *hostOps

	mu sync.RWMutex

	// lists groups records by backing object. Guarded by mu.
	lists []*recordList
}

// New returns a MemoryManager for proc with no mappings. The host backend is
// chosen once from caps.
func New(proc *hostwin.Process, caps *hostcap.Capabilities, fds *fdtab.Table) *MemoryManager {
	return &MemoryManager{
		host: proc.Host(),
		proc: proc,
		caps: caps,
		fds:  fds,
		ops:  selectHostOps(caps),
	}
}

// Teardown unmaps every live record and empties the registry.
func (mm *MemoryManager) Teardown() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, list := range mm.lists {
		for _, rec := range list.recs {
			if err := backendFor(rec.dev).munmap(mm, rec); err != nil {
				log.Warningf("teardown: unmap of record at %#x failed: %v", rec.base, err)
			}
		}
	}
	mm.lists = nil
}

// mmapRecord is one live host-level mapping.
type mmapRecord struct {
	// fd is the descriptor the mapping was created through, or anonFD.
	fd int32

	// sec is the host section backing the mapping. It is nil for private
	// anonymous records, which are carried by reserve/commit and have no
	// section object.
	sec *hostwin.Section

	prot  int
	flags int
	off   int64

	// length is the byte length requested by the caller; anonymous
	// mappings are rounded up to whole pages before the record is made.
	length uint64

	// base is the view's address in this process.
	base uint64

	// pages has a bit per system page of [base, base+roundup(length)).
	pages pageBitmap

	// dev and nameHash identify the backing object after fd is closed or
	// reused.
	dev      fdtab.Device
	nameHash uint32
}

func (r *mmapRecord) priv() bool      { return priv(r.flags) }
func (r *mmapRecord) anon() bool      { return anon(r.flags) }
func (r *mmapRecord) noreserve() bool { return noreserve(r.flags) }

// pageSpan returns the record's page-rounded extent in bytes.
func (r *mmapRecord) pageSpan() uint64 {
	return hostarch.PageRoundUp(r.length)
}

func (r *mmapRecord) compatibleFlags(flags int) bool {
	return r.flags&compatMask == flags&compatMask
}

// access returns true if the page containing addr is accessible in this
// record.
func (r *mmapRecord) access(addr uint64) bool {
	if addr < r.base || addr >= r.base+r.length {
		return false
	}
	return r.pages.isSet((addr - r.base) / hostarch.PageSize)
}

// genProtect returns the host protection for the record's prot and flags.
func (r *mmapRecord) genProtect(caps *hostcap.Capabilities) hostwin.Protect {
	return genProtect(caps, r.prot, r.flags, false)
}

// mapPagesRun recycles a run of unmapped pages for a new anonymous mapping
// in this record. It returns the byte offset of the run from the record
// base. Only used for MAP_ANONYMOUS requests with offset 0 and no MAP_FIXED.
func (r *mmapRecord) mapPagesRun(mm *MemoryManager, length uint64) (uint64, error) {
	pages := hostarch.PageCount(length)
	start, ok := r.pages.findRun(pages)
	if !ok {
		return 0, unix.EINVAL
	}
	if !r.noreserve() {
		addr := r.base + start*hostarch.PageSize
		if err := mm.ops.protect(mm.proc, addr, pages*hostarch.PageSize, r.genProtect(mm.caps)); err != nil {
			return 0, errnoFromHost(err)
		}
	}
	for i := uint64(0); i < pages; i++ {
		r.pages.set(start + i)
	}
	return start * hostarch.PageSize, nil
}

// mapPagesAt recycles the exact range [addr, addr+length) of this record for
// a MAP_FIXED request. Every target page must currently be unmapped.
func (r *mmapRecord) mapPagesAt(mm *MemoryManager, addr, length uint64) error {
	off := (addr - r.base) / hostarch.PageSize
	pages := hostarch.PageCount(length)
	for i := uint64(0); i < pages; i++ {
		if r.pages.isSet(off + i) {
			return unix.EINVAL
		}
	}
	if !r.noreserve() {
		if err := mm.ops.protect(mm.proc, addr, pages*hostarch.PageSize, r.genProtect(mm.caps)); err != nil {
			return errnoFromHost(err)
		}
	}
	for i := uint64(0); i < pages; i++ {
		r.pages.set(off + i)
	}
	return nil
}

// unmapPages clears [addr, addr+length) of this record and transitions the
// pages' host state: private anonymous noreserve pages are decommitted, all
// others become inaccessible while the host keeps the reservation. It
// returns true when the whole record is now unmapped.
func (r *mmapRecord) unmapPages(mm *MemoryManager, addr, length uint64) bool {
	off := (addr - r.base) / hostarch.PageSize
	pages := hostarch.PageCount(length)
	span := pages * hostarch.PageSize
	if r.anon() && r.priv() && r.noreserve() {
		if err := decommitAnon(mm.proc, addr, span); err != nil {
			log.Warningf("decommit of %#x+%#x failed: %v", addr, span, err)
		}
	} else if err := mm.ops.protect(mm.proc, addr, span, hostwin.PAGE_NOACCESS); err != nil {
		log.Warningf("protect NOACCESS of %#x+%#x failed: %v", addr, span, err)
	}
	for i := uint64(0); i < pages; i++ {
		r.pages.clear(off + i)
	}
	return r.pages.empty()
}

// recordList is all records sharing one backing object: a file identified
// by name hash, or the anonymous backing object.
type recordList struct {
	fd   int32
	hash uint32
	recs []*mmapRecord
}

func (l *recordList) anonymous() bool {
	return l.fd == anonFD
}

// addRecord appends rec with a fully set page bitmap. A freshly mapped
// private file view starts write-copy protected; if the caller asked for
// something weaker the pages are brought to the requested protection here.
func (l *recordList) addRecord(mm *MemoryManager, rec *mmapRecord) *mmapRecord {
	pages := hostarch.PageCount(rec.length)
	rec.pages = newPageBitmap(pages)
	protect := rec.genProtect(mm.caps)
	if protect != hostwin.PAGE_WRITECOPY && rec.priv() && !rec.anon() {
		if err := mm.ops.protect(mm.proc, rec.base, pages*hostarch.PageSize, protect); err != nil {
			log.Warningf("protect of fresh view %#x+%#x failed: %v", rec.base, rec.length, err)
		}
	}
	for i := uint64(0); i < pages; i++ {
		rec.pages.set(i)
	}
	l.recs = append(l.recs, rec)
	return rec
}

// delRecord removes the record at index i. It returns true when the list is
// empty and can itself be removed.
func (l *recordList) delRecord(i int) bool {
	l.recs = append(l.recs[:i], l.recs[i+1:]...)
	return len(l.recs) == 0
}

// searchRun returns the first record with a run of unmapped pages large
// enough for length bytes.
func (l *recordList) searchRun(length uint64) *mmapRecord {
	pages := hostarch.PageCount(length)
	for _, rec := range l.recs {
		if _, ok := rec.pages.findRun(pages); ok {
			return rec
		}
	}
	return nil
}

// searchRecord finds the next record intersecting [addr, addr+length),
// starting after index start, and returns its index together with the
// intersection. The caller may delete the returned record and resume the
// search with the same start index.
func (l *recordList) searchRecord(addr, length uint64, start int) (int, uint64, uint64) {
	for i := start + 1; i < len(l.recs); i++ {
		rec := l.recs[i]
		low := addr
		if rec.base > low {
			low = rec.base
		}
		high := rec.base + rec.pageSpan()
		if addr+length < high {
			high = addr + length
		}
		if low < high {
			return i, low, high - low
		}
	}
	return -1, 0, 0
}

// listFor finds the list for a backing object. The descriptor number is not
// sufficient for files since the slot may have been reused; the name hash
// identifies the file. Anonymous mappings all share one list.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) listFor(fd int32, hash uint32) *recordList {
	for _, l := range mm.lists {
		if fd == anonFD && l.anonymous() {
			return l
		}
		if fd != anonFD && !l.anonymous() && l.hash == hash {
			return l
		}
	}
	return nil
}

// addList creates the list for a backing object.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) addList(fd int32, hash uint32) *recordList {
	l := &recordList{fd: fd, hash: hash}
	mm.lists = append(mm.lists, l)
	return l
}

// delList removes the i'th list.
//
// Preconditions: mm.mu is locked; the list is empty.
func (mm *MemoryManager) delList(i int) {
	mm.lists = append(mm.lists[:i], mm.lists[i+1:]...)
}

// errnoFromHost translates a host error into the errno surfaced to the
// caller.
func errnoFromHost(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, hostwin.ErrAccessDenied):
		return unix.EACCES
	case errors.Is(err, hostwin.ErrNotCommitted):
		return unix.ENOMEM
	case errors.Is(err, hostwin.ErrWorkingSetQuota):
		return unix.EAGAIN
	case errors.Is(err, hostwin.ErrObjectNameNotFound):
		return unix.ENOENT
	default:
		return unix.EINVAL
	}
}
