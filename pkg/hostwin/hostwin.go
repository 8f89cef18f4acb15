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

// Package hostwin emulates the NT-like host primitives the mapping subsystem
// is built on: section objects, views, the reserve/commit split, page
// protection including copy-on-write, region queries and cross-process reads.
//
// The emulation is an ordinary in-process data structure. Addresses are plain
// integers into per-Process page tables; memory is accessed through
// Process.Read and Process.Write, which honor page protection the way the
// real host does, including breaking copy-on-write pages on first write and
// subsequently reporting them read-write.
package hostwin

import (
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wintrix/wintrix/pkg/hostarch"
)

var log = logrus.WithField("subsystem", "hostwin")

// Page protection values, matching the host ABI.
type Protect uint32

const (
	PAGE_NOACCESS          Protect = 0x01
	PAGE_READONLY          Protect = 0x02
	PAGE_READWRITE         Protect = 0x04
	PAGE_WRITECOPY         Protect = 0x08
	PAGE_EXECUTE           Protect = 0x10
	PAGE_EXECUTE_READ      Protect = 0x20
	PAGE_EXECUTE_READWRITE Protect = 0x40
	PAGE_EXECUTE_WRITECOPY Protect = 0x80
)

// Readable returns true if p allows reads.
func (p Protect) Readable() bool {
	return p != 0 && p != PAGE_NOACCESS && p != PAGE_EXECUTE
}

// Writable returns true if p allows writes, including copy-on-write.
func (p Protect) Writable() bool {
	return p&(PAGE_READWRITE|PAGE_WRITECOPY|PAGE_EXECUTE_READWRITE|PAGE_EXECUTE_WRITECOPY) != 0
}

// CopyOnWrite returns true if p is a write-copy protection.
func (p Protect) CopyOnWrite() bool {
	return p&(PAGE_WRITECOPY|PAGE_EXECUTE_WRITECOPY) != 0
}

// broken returns the protection reported after a copy-on-write page has been
// written: the host replaces the write-copy bit with plain read-write.
func (p Protect) broken() Protect {
	switch p {
	case PAGE_WRITECOPY:
		return PAGE_READWRITE
	case PAGE_EXECUTE_WRITECOPY:
		return PAGE_EXECUTE_READWRITE
	}
	return p
}

// Region states reported by Process.Query.
type State uint32

const (
	MEM_COMMIT  State = 0x1000
	MEM_RESERVE State = 0x2000
	MEM_FREE    State = 0x10000
)

// Allocation and free types for VirtualAlloc/VirtualFree.
const (
	MemCommit   = 0x1000
	MemReserve  = 0x2000
	MemDecommit = 0x4000
	MemRelease  = 0x8000
)

// Section access bits for Host.OpenSection.
const (
	SECTION_MAP_WRITE = 0x2
	SECTION_MAP_READ  = 0x4
)

// Errors returned by host operations.
var (
	ErrInvalidAddress       = errors.New("hostwin: invalid address")
	ErrInvalidParameter     = errors.New("hostwin: invalid parameter")
	ErrAccessDenied         = errors.New("hostwin: access denied")
	ErrNotCommitted         = errors.New("hostwin: region not committed")
	ErrConflictingAddresses = errors.New("hostwin: conflicting addresses")
	ErrSectionTooBig        = errors.New("hostwin: section larger than backing file")
	ErrObjectNameNotFound   = errors.New("hostwin: object name not found")
	ErrWorkingSetQuota      = errors.New("hostwin: working set quota exceeded")
)

// User address space limits. Addresses outside [UserStart, UserEnd) are
// invalid for mapping operations.
const (
	UserStart = 0x00200000
	UserEnd   = 0x78000000
)

// PhysicalMemoryName is the object name of the physical-memory section.
const PhysicalMemoryName = `\device\physicalmemory`

// PhysicalMemorySize is the size of the emulated physical-memory device.
const PhysicalMemorySize = 4 << 20

// Host is the machine: the section object namespace and the set of
// processes. A single Host is shared by a parent and its forked children.
type Host struct {
	mu      sync.Mutex
	named   map[string]*Section
	nextPID int32
}

// NewHost returns a Host with the physical-memory section registered.
func NewHost() *Host {
	h := &Host{named: make(map[string]*Section)}
	phys := &Section{
		host:    h,
		size:    PhysicalMemorySize,
		backing: make([]byte, PhysicalMemorySize),
		protect: PAGE_READWRITE,
		name:    PhysicalMemoryName,
		refs:    1,
	}
	h.named[PhysicalMemoryName] = phys
	return h
}

// File is a host file object that mappings may be backed by.
type File struct {
	mu   sync.Mutex
	name string
	data []byte
}

// NewFile returns a file object of the given size, zero-filled.
func (h *Host) NewFile(name string, size uint64) *File {
	return &File{name: name, data: make([]byte, size)}
}

// Size returns the current file size.
func (f *File) Size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.data))
}

// Resize grows or truncates the file to size.
func (f *File) Resize(size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= uint64(len(f.data)) {
		f.data = f.data[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
}

// ReadAt copies file contents at off into b. Short ranges are an error; the
// caller is expected to stay within the section limit.
func (f *File) ReadAt(b []byte, off uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off+uint64(len(b)) > uint64(len(f.data)) {
		return ErrInvalidParameter
	}
	copy(b, f.data[off:])
	return nil
}

// WriteAt copies b into the file at off.
func (f *File) WriteAt(b []byte, off uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off+uint64(len(b)) > uint64(len(f.data)) {
		return ErrInvalidParameter
	}
	copy(f.data[off:], b)
	return nil
}

// Section is a host section object. Views of a section may be mapped into
// any process sharing the Host.
type Section struct {
	host *Host

	mu sync.Mutex

	// file is the backing file, or nil for pagefile-backed sections.
	file *File

	// backing holds the contents of pagefile-backed sections.
	backing []byte

	// size is the section size fixed at creation. Zero means "whole file":
	// the section tracks the file's current size.
	size uint64

	protect Protect
	name    string
	refs    int
}

// CreateSection creates a section over file (nil for a pagefile-backed
// section) of the given size and protection. A non-empty name registers the
// section in the host namespace.
//
// A file-backed section larger than the file grows the file only when
// created read-write; any other protection fails. A zero size means the
// whole file.
func (h *Host) CreateSection(file *File, size uint64, protect Protect, name string) (*Section, error) {
	if file == nil && size == 0 {
		return nil, ErrInvalidParameter
	}
	if file != nil && size > 0 && size > file.Size() {
		if protect != PAGE_READWRITE && protect != PAGE_EXECUTE_READWRITE {
			return nil, ErrSectionTooBig
		}
		file.Resize(size)
	}
	s := &Section{
		host:    h,
		file:    file,
		size:    size,
		protect: protect,
		name:    strings.ToLower(name),
		refs:    1,
	}
	if file == nil {
		s.backing = make([]byte, size)
	}
	if s.name != "" {
		h.mu.Lock()
		if _, ok := h.named[s.name]; ok {
			h.mu.Unlock()
			return nil, ErrConflictingAddresses
		}
		h.named[s.name] = s
		h.mu.Unlock()
	}
	log.Debugf("created section %q size %#x protect %#x", s.name, size, protect)
	return s, nil
}

// OpenSection opens a named section. The access mask must be satisfiable by
// the section's protection.
func (h *Host) OpenSection(name string, access uint32) (*Section, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.named[strings.ToLower(name)]
	if !ok {
		return nil, ErrObjectNameNotFound
	}
	if access&SECTION_MAP_WRITE != 0 && !s.protect.Writable() {
		return nil, ErrAccessDenied
	}
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return s, nil
}

// Close releases one reference on the section. The name is deregistered when
// the last reference is dropped; live views keep their own references.
func (s *Section) Close() {
	s.mu.Lock()
	s.refs--
	drop := s.refs == 0 && s.name != ""
	s.mu.Unlock()
	if drop {
		s.host.mu.Lock()
		if s.host.named[s.name] == s {
			delete(s.host.named, s.name)
		}
		s.host.mu.Unlock()
	}
}

// Ref takes an additional reference on the section, as when a handle is
// inherited by a forked child.
func (s *Section) Ref() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// limit returns the current section extent in bytes.
func (s *Section) limit() uint64 {
	if s.size == 0 && s.file != nil {
		return s.file.Size()
	}
	return s.size
}

// readPage copies one section page at off into b.
func (s *Section) readPage(b []byte, off uint64) {
	if s.file != nil {
		// Views may extend past EOF by less than a page; the tail reads
		// as zeroes.
		for i := range b {
			b[i] = 0
		}
		s.file.mu.Lock()
		if off < uint64(len(s.file.data)) {
			copy(b, s.file.data[off:])
		}
		s.file.mu.Unlock()
		return
	}
	s.mu.Lock()
	copy(b, s.backing[off:])
	s.mu.Unlock()
}

// writePage copies b into the section at off.
func (s *Section) writePage(b []byte, off uint64) {
	if s.file != nil {
		s.file.mu.Lock()
		if off < uint64(len(s.file.data)) {
			copy(s.file.data[off:], b)
		}
		s.file.mu.Unlock()
		return
	}
	s.mu.Lock()
	copy(s.backing[off:], b)
	s.mu.Unlock()
}

// CheckInvalidRange returns true if [addr, addr+length) touches virtual
// addresses that are never valid mapping targets.
func CheckInvalidRange(addr, length uint64) bool {
	end := addr + length
	return end < addr || addr < UserStart || end > UserEnd
}

// pageCount is a local alias to keep call sites short.
func pageCount(length uint64) uint64 {
	return hostarch.PageCount(length)
}
