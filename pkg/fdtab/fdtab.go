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

// Package fdtab is the descriptor table consumed by the mapping subsystem.
// It resolves a descriptor to its device family, host file object, access
// mode and name identity.
package fdtab

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/wintrix/wintrix/pkg/hostwin"
)

// Device is the device family a descriptor dispatches to.
type Device int

const (
	// Disk is a regular file.
	Disk Device = iota
	// Zero is the zero device; mapping it is anonymous mapping.
	Zero
	// Mem is the physical-memory device.
	Mem
	// Pipe does not support mapping.
	Pipe
)

// Access bits of an open descriptor.
type Access int

const (
	Read Access = 1 << iota
	Write
)

// File is one open descriptor.
type File struct {
	dev      Device
	hostFile *hostwin.File
	access   Access
	name     string
	nameHash uint32
}

// Device returns the device family.
func (f *File) Device() Device { return f.dev }

// Handle returns the host file object backing the descriptor, or nil for
// devices without one.
func (f *File) Handle() *hostwin.File { return f.hostFile }

// Access returns the access the descriptor was opened with.
func (f *File) Access() Access { return f.access }

// Name returns the canonical path the descriptor was opened by.
func (f *File) Name() string { return f.name }

// NameHash returns the hash of the canonical path. Mappings are keyed by it
// so they can be re-identified after the descriptor slot is closed or
// reused.
func (f *File) NameHash() uint32 { return f.nameHash }

// Size returns the current size of the backing file, or 0 for devices.
func (f *File) Size() uint64 {
	if f.hostFile == nil {
		return 0
	}
	return f.hostFile.Size()
}

// HashName returns the name hash of a canonical path.
func HashName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(name)))
	return h.Sum32()
}

// Table is a process's descriptor table.
type Table struct {
	mu    sync.Mutex
	files map[int32]*File
	next  int32
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{files: make(map[int32]*File), next: 3}
}

// Open installs a descriptor and returns its number.
func (t *Table) Open(name string, dev Device, hostFile *hostwin.File, access Access) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = &File{
		dev:      dev,
		hostFile: hostFile,
		access:   access,
		name:     name,
		nameHash: HashName(name),
	}
	return fd
}

// Get returns the descriptor, or nil if fd is not open.
func (t *Table) Get(fd int32) *File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fd]
}

// IsOpen returns true if fd is open.
func (t *Table) IsOpen(fd int32) bool {
	return t.Get(fd) != nil
}

// Close removes the descriptor. Mappings made through it stay alive; the
// registry carries its own identity.
func (t *Table) Close(fd int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, fd)
}
