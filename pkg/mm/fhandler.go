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
	"github.com/wintrix/wintrix/pkg/hostwin"
)

// fileBackend is the per-device mapping behavior. The variant set is closed:
// dispatch is by the record's cached device tag, so bookkeeping keeps
// working after the descriptor is closed or its slot reused.
//
// mmap returns the section backing the new view (nil for reserve/commit
// mappings) and the address the view was placed at. Every map fails rather
// than record a view placed away from the requested address under MAP_FIXED.
type fileBackend struct {
	mmap   func(mm *MemoryManager, f *fdtab.File, addr, length uint64, prot, flags int, off int64) (*hostwin.Section, uint64, error)
	munmap func(mm *MemoryManager, rec *mmapRecord) error
	msync  func(mm *MemoryManager, rec *mmapRecord, addr, length uint64, flags int) error
	fixup  func(mm *MemoryManager, rec *mmapRecord) error
}

func backendFor(dev fdtab.Device) *fileBackend {
	switch dev {
	case fdtab.Zero:
		return &zeroBackend
	case fdtab.Disk:
		return &diskBackend
	case fdtab.Mem:
		return &memBackend
	}
	return &unsupportedBackend
}

// zeroBackend carries anonymous mappings and /dev/zero.
//
// Private maps use reserve/commit directly: it has a smaller footprint than
// a copy-on-write section, and it supports decommit, which is what makes
// MAP_NORESERVE maps cheap. Shared maps need a real section so that forked
// children can see the same pages.
var zeroBackend = fileBackend{
	mmap: func(mm *MemoryManager, f *fdtab.File, addr, length uint64, prot, flags int, off int64) (*hostwin.Section, uint64, error) {
		if priv(flags) {
			protect := genProtect(mm.caps, prot, flags, false)
			base, err := reserveAnon(mm.proc, addr, length, noreserve(flags), protect)
			if err != nil && addr != 0 && !fixed(flags) {
				base, err = reserveAnon(mm.proc, 0, length, noreserve(flags), protect)
			}
			if err != nil {
				return nil, 0, errnoFromHost(err)
			}
			if fixed(flags) && base != addr {
				if rerr := releaseAnon(mm.proc, base); rerr != nil {
					log.Warningf("release of shifted anonymous map %#x failed: %v", base, rerr)
				}
				return nil, 0, unix.EINVAL
			}
			return nil, base, nil
		}
		sec, err := mm.ops.createMapping(mm, nil, length, off, prot, flags)
		if err != nil {
			return nil, 0, errnoFromHost(err)
		}
		base, err := mm.ops.mapView(mm, sec, addr, length, prot, flags, off)
		if err != nil {
			sec.Close()
			return nil, 0, errnoFromHost(err)
		}
		if fixed(flags) && base != addr {
			if uerr := mm.proc.UnmapViewOfSection(base); uerr != nil {
				log.Warningf("unmap of shifted view %#x failed: %v", base, uerr)
			}
			sec.Close()
			return nil, 0, unix.EINVAL
		}
		return sec, base, nil
	},
	munmap: func(mm *MemoryManager, rec *mmapRecord) error {
		if rec.priv() {
			return releaseAnon(mm.proc, rec.base)
		}
		if err := mm.proc.UnmapViewOfSection(rec.base); err != nil {
			return err
		}
		rec.sec.Close()
		return nil
	},
	msync: func(mm *MemoryManager, rec *mmapRecord, addr, length uint64, flags int) error {
		return nil
	},
	fixup: func(mm *MemoryManager, rec *mmapRecord) error {
		var base uint64
		var err error
		if rec.priv() {
			protect := genProtect(mm.caps, rec.prot, rec.flags, false)
			base, err = reserveAnon(mm.proc, rec.base, rec.pageSpan(), rec.noreserve(), protect)
		} else {
			base, err = mm.ops.mapView(mm, rec.sec, rec.base, rec.length, rec.prot, rec.flags, rec.off)
		}
		if err != nil {
			return err
		}
		if base != rec.base {
			return hostwin.ErrConflictingAddresses
		}
		return nil
	},
}

// diskBackend carries regular files, always through a section and a view.
var diskBackend = fileBackend{
	mmap: func(mm *MemoryManager, f *fdtab.File, addr, length uint64, prot, flags int, off int64) (*hostwin.Section, uint64, error) {
		sec, err := mm.ops.createMapping(mm, f, length, off, prot, flags)
		if err != nil {
			return nil, 0, errnoFromHost(err)
		}
		base, err := mm.ops.mapView(mm, sec, addr, length, prot, flags, off)
		if err != nil {
			sec.Close()
			return nil, 0, errnoFromHost(err)
		}
		if fixed(flags) && base != addr {
			if uerr := mm.proc.UnmapViewOfSection(base); uerr != nil {
				log.Warningf("unmap of shifted view %#x failed: %v", base, uerr)
			}
			sec.Close()
			return nil, 0, unix.EINVAL
		}
		return sec, base, nil
	},
	munmap: func(mm *MemoryManager, rec *mmapRecord) error {
		if err := mm.proc.UnmapViewOfSection(rec.base); err != nil {
			return err
		}
		rec.sec.Close()
		return nil
	},
	msync: func(mm *MemoryManager, rec *mmapRecord, addr, length uint64, flags int) error {
		if err := mm.proc.FlushView(addr, length); err != nil {
			return errnoFromHost(err)
		}
		return nil
	},
	fixup: func(mm *MemoryManager, rec *mmapRecord) error {
		base, err := mm.ops.mapView(mm, rec.sec, rec.base, rec.length, rec.prot, rec.flags, rec.off)
		if err != nil {
			return err
		}
		if base != rec.base {
			return hostwin.ErrConflictingAddresses
		}
		return nil
	},
}

// memBackend carries the physical-memory device: the host's physical-memory
// section opened by name, with the access mask derived from prot.
var memBackend = fileBackend{
	mmap: func(mm *MemoryManager, f *fdtab.File, addr, length uint64, prot, flags int, off int64) (*hostwin.Section, uint64, error) {
		if uint64(off)+length > hostwin.PhysicalMemorySize {
			return nil, 0, unix.EINVAL
		}
		access := uint32(hostwin.SECTION_MAP_READ)
		if prot&posix.PROT_WRITE != 0 {
			access |= hostwin.SECTION_MAP_WRITE
		}
		sec, err := mm.host.OpenSection(hostwin.PhysicalMemoryName, access)
		if err != nil {
			return nil, 0, errnoFromHost(err)
		}
		base, err := mm.ops.mapView(mm, sec, addr, length, prot, flags|posix.MAP_ANONYMOUS, off)
		if err != nil {
			sec.Close()
			return nil, 0, errnoFromHost(err)
		}
		if fixed(flags) && base != addr {
			if uerr := mm.proc.UnmapViewOfSection(base); uerr != nil {
				log.Warningf("unmap of shifted view %#x failed: %v", base, uerr)
			}
			sec.Close()
			return nil, 0, unix.EINVAL
		}
		return sec, base, nil
	},
	munmap: func(mm *MemoryManager, rec *mmapRecord) error {
		if err := mm.proc.UnmapViewOfSection(rec.base); err != nil {
			return err
		}
		rec.sec.Close()
		return nil
	},
	msync: func(mm *MemoryManager, rec *mmapRecord, addr, length uint64, flags int) error {
		return nil
	},
	fixup: func(mm *MemoryManager, rec *mmapRecord) error {
		base, err := mm.ops.mapView(mm, rec.sec, rec.base, rec.length, rec.prot, rec.flags|posix.MAP_ANONYMOUS, rec.off)
		if err != nil {
			return err
		}
		if base != rec.base {
			return hostwin.ErrConflictingAddresses
		}
		return nil
	},
}

// unsupportedBackend is the base behavior for devices that cannot be
// mapped.
var unsupportedBackend = fileBackend{
	mmap: func(mm *MemoryManager, f *fdtab.File, addr, length uint64, prot, flags int, off int64) (*hostwin.Section, uint64, error) {
		return nil, 0, unix.ENODEV
	},
	munmap: func(mm *MemoryManager, rec *mmapRecord) error {
		return unix.ENODEV
	},
	msync: func(mm *MemoryManager, rec *mmapRecord, addr, length uint64, flags int) error {
		return unix.ENODEV
	},
	fixup: func(mm *MemoryManager, rec *mmapRecord) error {
		return unix.ENODEV
	},
}
