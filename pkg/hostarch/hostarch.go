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

// Package hostarch provides host memory geometry constants and address
// arithmetic shared by the mapping subsystem.
package hostarch

const (
	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageShift is log2(PageSize).
	PageShift = 12

	// AllocationGranularity is the host-imposed alignment for view base
	// addresses. It is coarser than PageSize.
	AllocationGranularity = 1 << AllocationGranularityShift

	// AllocationGranularityShift is log2(AllocationGranularity).
	AllocationGranularityShift = 16
)

// Addr represents an address in a process's virtual address space.
type Addr uint64

// PageRoundDown returns a rounded down to the nearest page boundary.
func (a Addr) PageRoundDown() Addr {
	return a &^ (PageSize - 1)
}

// PageRoundUp returns a rounded up to the nearest page boundary.
func (a Addr) PageRoundUp() Addr {
	return (a + PageSize - 1).PageRoundDown()
}

// PageOffset returns the offset of a into its containing page.
func (a Addr) PageOffset() uint64 {
	return uint64(a & (PageSize - 1))
}

// IsPageAligned returns true if a is page-aligned.
func (a Addr) IsPageAligned() bool {
	return a.PageOffset() == 0
}

// GranRoundDown returns a rounded down to the nearest allocation granularity
// boundary.
func (a Addr) GranRoundDown() Addr {
	return a &^ (AllocationGranularity - 1)
}

// IsGranAligned returns true if a is aligned to the allocation granularity.
func (a Addr) IsGranAligned() bool {
	return a&(AllocationGranularity-1) == 0
}

// PageRoundUp returns x rounded up to a whole number of pages, in bytes.
func PageRoundUp(x uint64) uint64 {
	return PageCount(x) * PageSize
}

// PageCount returns the number of pages spanned by x bytes.
func PageCount(x uint64) uint64 {
	return (x + PageSize - 1) / PageSize
}
