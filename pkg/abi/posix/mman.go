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

// Package posix contains the POSIX ABI constants accepted by the mapping
// subsystem, as defined by <sys/mman.h>.
package posix

// Protections for Mmap/Mprotect.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// Flags for Mmap.
const (
	MAP_SHARED  = 0x1
	MAP_PRIVATE = 0x2

	// MAP_TYPE masks the sharing type bits. Exactly one of MAP_SHARED and
	// MAP_PRIVATE must be present in every Mmap call.
	MAP_TYPE = 0xf

	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
	MAP_NORESERVE = 0x4000

	// MAP_AUTOGROW allows a file mapping to extend beyond the current end
	// of file, growing the file when the mapping is created.
	MAP_AUTOGROW = 0x8000
)

// Flags for Msync.
const (
	MS_ASYNC      = 0x1
	MS_SYNC       = 0x2
	MS_INVALIDATE = 0x4
)
