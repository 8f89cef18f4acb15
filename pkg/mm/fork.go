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
	"github.com/wintrix/wintrix/pkg/hostwin"
)

// Fork structurally duplicates the registry for a freshly created child
// process. Section handles are inherited by the child; no views exist in
// its address space yet. The child must run FixupAfterFork before anything
// touches mapped memory.
func (mm *MemoryManager) Fork(childProc *hostwin.Process) *MemoryManager {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	child := &MemoryManager{
		host: mm.host,
		proc: childProc,
		caps: mm.caps,
		fds:  mm.fds,
		ops:  mm.ops,
	}
	for _, list := range mm.lists {
		l := &recordList{fd: list.fd, hash: list.hash}
		for _, rec := range list.recs {
			r := *rec
			r.pages = rec.pages.clone()
			if r.sec != nil {
				// The child inherits its own handle on the section.
				r.sec.Ref()
			}
			l.recs = append(l.recs, &r)
		}
		child.lists = append(child.lists, l)
	}
	return child
}

// FixupAfterFork rebuilds every inherited mapping in the child's address
// space, copying private page contents from the parent. It runs in the
// newborn child before any other thread exists and therefore takes no lock.
//
// The walk goes host-region by host-region over each record: regions the
// parent never committed are decommitted in the child so it observes the
// same reservation-only state; private regions are copied through a
// cross-process read, temporarily relaxing inaccessible parent pages so
// they can be read at all; finally the child's protection is set to match
// the parent's.
func (mm *MemoryManager) FixupAfterFork(parent *hostwin.Process) error {
	for _, list := range mm.lists {
		for _, rec := range list.recs {
			log.Debugf("fixup: fd %d, off %#x, len %#x, address %#x", rec.fd, rec.off, rec.length, rec.base)
			if err := backendFor(rec.dev).fixup(mm, rec); err != nil {
				log.Warningf("fixup: remap of record at %#x failed: %v", rec.base, err)
				return errnoFromHost(err)
			}
			end := rec.base + rec.length
			for addr := rec.base; addr < end; {
				mbi, err := parent.Query(addr)
				if err != nil {
					return errnoFromHost(err)
				}
				size := mbi.RegionSize
				if mbi.State == hostwin.MEM_RESERVE {
					// Never-committed in the parent; match that.
					if derr := mm.proc.VirtualFree(addr, size, hostwin.MemDecommit); derr != nil {
						log.Warningf("fixup: decommit of %#x+%#x failed: %v", addr, size, derr)
					}
					addr += size
					continue
				}
				childProt := mbi.Protect
				if rec.priv() {
					if rec.anon() && rec.noreserve() {
						if cerr := commitAnon(mm.proc, addr, size, hostwin.PAGE_READWRITE); cerr != nil {
							return errnoFromHost(cerr)
						}
					}
					if mbi.Protect == hostwin.PAGE_NOACCESS {
						if perr := mm.ops.protectRemote(parent, addr, size, hostwin.PAGE_READONLY); perr != nil {
							return errnoFromHost(perr)
						}
					} else if !rec.anon() && mbi.Protect == hostwin.PAGE_READWRITE {
						// A write-copy page that has been written to reports
						// read-write, which is not a protection that can be
						// applied to the view again.
						childProt = hostwin.PAGE_WRITECOPY
					} else if !rec.anon() && mbi.Protect == hostwin.PAGE_EXECUTE_READWRITE {
						childProt = hostwin.PAGE_EXECUTE_WRITECOPY
					}
					if cerr := mm.proc.CopyFromParent(parent, addr, size); cerr != nil {
						return errnoFromHost(cerr)
					}
					if mbi.Protect == hostwin.PAGE_NOACCESS {
						if perr := mm.ops.protectRemote(parent, addr, size, hostwin.PAGE_NOACCESS); perr != nil {
							return errnoFromHost(perr)
						}
					}
				}
				if perr := mm.ops.protect(mm.proc, addr, size, childProt); perr != nil {
					return errnoFromHost(perr)
				}
				addr += size
			}
		}
	}
	log.Debugf("fixup: succeeded")
	return nil
}
