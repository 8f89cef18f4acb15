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
	"strings"

	"github.com/wintrix/wintrix/pkg/abi/posix"
	"github.com/wintrix/wintrix/pkg/fdtab"
	"github.com/wintrix/wintrix/pkg/hostcap"
	"github.com/wintrix/wintrix/pkg/hostwin"
)

// File mapping access bits used by the legacy backend, which maps views by
// access mask rather than protection.
const (
	fileMapCopy  = 0x1
	fileMapWrite = 0x2
	fileMapRead  = 0x4
)

// The legacy host misbehaves on protection calls in this region; they are
// reported as succeeding without being issued.
const (
	legacyFakeProtLow  = 0x80000000
	legacyFakeProtHigh = 0xC0000000
)

// genProtect derives the host page protection from POSIX prot and flags.
//
// When creating a section or view that will back a private file mapping the
// protection must be write-copy even if the caller asked for less, otherwise
// the host rejects later write-copy transitions on its pages. This does not
// apply to private anonymous maps, which are carried by reserve/commit and
// never use write-copy.
func genProtect(caps *hostcap.Capabilities, prot, flags int, create bool) hostwin.Protect {
	ret := hostwin.PAGE_NOACCESS
	switch {
	case create && priv(flags) && !anon(flags):
		ret = hostwin.PAGE_WRITECOPY
	case prot&posix.PROT_WRITE != 0:
		// The host does not support write without read.
		ret <<= 2
		if priv(flags) && !anon(flags) {
			ret <<= 1
		}
	case prot&posix.PROT_READ != 0:
		ret <<= 1
	}
	if prot&posix.PROT_EXEC != 0 && caps.ExecOnSharedPagesSupported() {
		ret <<= 4
	}
	return ret
}

// genAccess derives the legacy view access mask from prot and flags.
// Execute access is not expressible on the legacy host.
func genAccess(prot, flags int) uint32 {
	switch {
	case priv(flags):
		return fileMapCopy
	case prot&posix.PROT_WRITE != 0:
		return fileMapWrite
	case prot&posix.PROT_READ != 0:
		return fileMapRead
	}
	return 0
}

// protectFromAccess maps a legacy access mask back to the page protection
// the legacy host applies to the view.
func protectFromAccess(access uint32) hostwin.Protect {
	switch access {
	case fileMapCopy:
		return hostwin.PAGE_WRITECOPY
	case fileMapWrite:
		return hostwin.PAGE_READWRITE
	case fileMapRead:
		return hostwin.PAGE_READONLY
	}
	return hostwin.PAGE_NOACCESS
}

// hostOps is the table of host primitives the engine calls. Two instances
// exist, one per host generation; selectHostOps picks one at initialization
// and the engine never branches on the host version again.
type hostOps struct {
	createMapping func(mm *MemoryManager, f *fdtab.File, length uint64, off int64, prot, flags int) (*hostwin.Section, error)
	mapView       func(mm *MemoryManager, sec *hostwin.Section, addr, length uint64, prot, flags int, off int64) (uint64, error)
	protect       func(p *hostwin.Process, addr, length uint64, protect hostwin.Protect) error
	protectRemote func(p *hostwin.Process, addr, length uint64, protect hostwin.Protect) error
}

func selectHostOps(caps *hostcap.Capabilities) *hostOps {
	if caps.IsModern() {
		return &modernOps
	}
	return &legacyOps
}

var modernOps = hostOps{
	createMapping: createMappingModern,
	mapView:       mapViewModern,
	protect:       protectModern,
	protectRemote: protectModern,
}

var legacyOps = hostOps{
	createMapping: createMappingLegacy,
	mapView:       mapViewLegacy,
	protect:       protectLegacy,
	protectRemote: protectLegacy,
}

// createMappingModern creates a section for the request.
//
// Anonymous sections are sized exactly. MAP_AUTOGROW sections must be
// created read-write, since the host only grows the backing file for
// read-write creates; if the caller asked for a different protection the
// section is closed and recreated with it once the file has grown. All other
// file sections are created with length zero, meaning whole file, so view
// offsets past the current end stay legal if the file grows externally.
func createMappingModern(mm *MemoryManager, f *fdtab.File, length uint64, off int64, prot, flags int) (*hostwin.Section, error) {
	protect := genProtect(mm.caps, prot, flags, true)
	switch {
	case f == nil:
		// The anonymous backing object needs a non-zero length.
		return mm.host.CreateSection(nil, length, protect, "")
	case autogrow(flags):
		size := uint64(off) + length
		sec, err := mm.host.CreateSection(f.Handle(), size, hostwin.PAGE_READWRITE, "")
		if err != nil {
			return nil, err
		}
		if protect != hostwin.PAGE_READWRITE {
			sec.Close()
			return mm.host.CreateSection(f.Handle(), size, protect, "")
		}
		return sec, nil
	default:
		return mm.host.CreateSection(f.Handle(), 0, protect, "")
	}
}

// createMappingLegacy is createMappingModern for the legacy host, which
// shares objects between processes only by name. Shared file mappings are
// named with the lowercased canonical path and opened before created, the
// only reliable cross-process sharing route there.
func createMappingLegacy(mm *MemoryManager, f *fdtab.File, length uint64, off int64, prot, flags int) (*hostwin.Section, error) {
	protect := genProtect(mm.caps, prot, flags, true)
	switch {
	case f != nil && !priv(flags):
		name := strings.ToLower(f.Name())
		if sec, err := mm.host.OpenSection(name, genAccess(prot, flags)); err == nil {
			return sec, nil
		}
		return mm.host.CreateSection(f.Handle(), 0, protect, name)
	case f == nil:
		return mm.host.CreateSection(nil, length, protect, "")
	case autogrow(flags):
		size := uint64(off) + length
		sec, err := mm.host.CreateSection(f.Handle(), size, hostwin.PAGE_READWRITE, "")
		if err != nil {
			return nil, err
		}
		if protect != hostwin.PAGE_READWRITE {
			sec.Close()
			return mm.host.CreateSection(f.Handle(), size, protect, "")
		}
		return sec, nil
	default:
		return mm.host.CreateSection(f.Handle(), 0, protect, "")
	}
}

// mapViewModern maps a view, trying the given address first even if it is
// zero. If placement fails, the address was non-zero and MAP_FIXED is not
// set, the host chooses the address instead.
func mapViewModern(mm *MemoryManager, sec *hostwin.Section, addr, length uint64, prot, flags int, off int64) (uint64, error) {
	protect := genProtect(mm.caps, prot, flags, true)
	base, err := mm.proc.MapViewOfSection(sec, addr, length, uint64(off), protect)
	if err != nil && addr != 0 && !fixed(flags) {
		base, err = mm.proc.MapViewOfSection(sec, 0, length, uint64(off), protect)
	}
	if err != nil {
		return 0, err
	}
	log.Debugf("%#x = mapView(addr %#x, len %#x, off %#x, protect %#x)", base, addr, length, off, protect)
	return base, nil
}

func mapViewLegacy(mm *MemoryManager, sec *hostwin.Section, addr, length uint64, prot, flags int, off int64) (uint64, error) {
	protect := protectFromAccess(genAccess(prot, flags))
	base, err := mm.proc.MapViewOfSection(sec, addr, length, uint64(off), protect)
	if err != nil && addr != 0 && !fixed(flags) {
		base, err = mm.proc.MapViewOfSection(sec, 0, length, uint64(off), protect)
	}
	if err != nil {
		return 0, err
	}
	return base, nil
}

func protectModern(p *hostwin.Process, addr, length uint64, protect hostwin.Protect) error {
	_, err := p.VirtualProtect(addr, length, protect)
	return err
}

func protectLegacy(p *hostwin.Process, addr, length uint64, protect hostwin.Protect) error {
	if addr >= legacyFakeProtLow && addr < legacyFakeProtHigh {
		return nil
	}
	_, err := p.VirtualProtect(addr, length, protect)
	return err
}

// reserveAnon reserves (and unless norsv, commits) anonymous memory for a
// private anonymous mapping, which uses no section object.
func reserveAnon(p *hostwin.Process, addr, length uint64, norsv bool, protect hostwin.Protect) (uint64, error) {
	allocType := uint32(hostwin.MemReserve)
	if !norsv {
		allocType |= hostwin.MemCommit
	}
	return p.VirtualAlloc(addr, length, allocType, protect)
}

func commitAnon(p *hostwin.Process, addr, length uint64, protect hostwin.Protect) error {
	_, err := p.VirtualAlloc(addr, length, hostwin.MemCommit, protect)
	return err
}

func decommitAnon(p *hostwin.Process, addr, length uint64) error {
	return p.VirtualFree(addr, length, hostwin.MemDecommit)
}

func releaseAnon(p *hostwin.Process, addr uint64) error {
	return p.VirtualFree(addr, 0, hostwin.MemRelease)
}
