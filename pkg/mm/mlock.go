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
	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/wintrix/wintrix/pkg/hostarch"
	"github.com/wintrix/wintrix/pkg/hostwin"
)

// Mlock locks [addr, addr+length) into resident memory. On hosts without a
// working lock primitive it succeeds without doing anything.
//
// Mlock does not take the registry lock: it only wraps the host primitive.
// The host has no call reporting the currently locked span, so when the
// working set is too small its minimum is doubled, up to the working-set
// maximum, and the lock retried until it either succeeds or the minimum has
// reached the maximum.
func (mm *MemoryManager) Mlock(addr, length uint64) error {
	if !mm.caps.HasWorkingVirtualLock() {
		return nil
	}

	base := uint64(hostarch.Addr(addr).PageRoundDown())
	size := hostarch.PageRoundUp(addr - base + length)

	op := func() error {
		err := mm.proc.LockInRAM(base, size)
		if err == nil {
			return nil
		}
		if err != hostwin.ErrWorkingSetQuota {
			return backoff.Permanent(errnoFromHost(err))
		}
		min, max := mm.proc.WorkingSetSize()
		if min >= max {
			return backoff.Permanent(unix.ENOMEM)
		}
		min *= 2
		if min < hostarch.PageSize {
			min = hostarch.PageSize
		}
		if min > max {
			min = max
		}
		if serr := mm.proc.SetWorkingSetSize(min, max); serr != nil {
			return backoff.Permanent(unix.ENOMEM)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.NewConstantBackOff(0)); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		return unix.ENOMEM
	}
	return nil
}

// Munlock undoes Mlock.
func (mm *MemoryManager) Munlock(addr, length uint64) error {
	if !mm.caps.HasWorkingVirtualLock() {
		return nil
	}
	if err := mm.proc.UnlockFromRAM(addr, length); err != nil {
		return errnoFromHost(err)
	}
	return nil
}
