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

// Package hostcap is the host capability oracle. The mapping subsystem never
// branches on a host version; it asks this oracle once at initialization and
// keeps the answers.
package hostcap

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "hostcap")

// Capabilities describes the host generation and its known quirks.
type Capabilities struct {
	// Modern selects the modern host backend; legacy hosts share objects
	// by name and misbehave on protection calls in the high half.
	Modern bool `toml:"modern"`

	// MmapAlignmentBug: the legacy host sometimes places views at
	// page-aligned rather than granularity-aligned addresses, and cannot
	// be forced to re-place them.
	MmapAlignmentBug bool `toml:"mmap_alignment_bug"`

	// WorkingVirtualLock: the host can actually pin pages in RAM.
	WorkingVirtualLock bool `toml:"working_virtual_lock"`

	// ExecOnSharedPages: execute protection works on shared pages.
	ExecOnSharedPages bool `toml:"exec_on_shared_pages"`
}

// Detect probes the host. The emulated host is a modern one.
func Detect() *Capabilities {
	return &Capabilities{
		Modern:             true,
		MmapAlignmentBug:   false,
		WorkingVirtualLock: true,
		ExecOnSharedPages:  true,
	}
}

// Legacy returns the capability set of the legacy host generation.
func Legacy() *Capabilities {
	return &Capabilities{
		Modern:             false,
		MmapAlignmentBug:   true,
		WorkingVirtualLock: false,
		ExecOnSharedPages:  false,
	}
}

// LoadOverrides applies quirk overrides from a TOML file. A missing file is
// not an error; the probed values stand.
func (c *Capabilities) LoadOverrides(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}
	log.Infof("host capability overrides loaded from %s: %+v", path, *c)
	return nil
}

// IsModern returns true for the modern host generation.
func (c *Capabilities) IsModern() bool { return c.Modern }

// HasMmapAlignmentBug returns true if view placement may come back
// page-aligned instead of granularity-aligned.
func (c *Capabilities) HasMmapAlignmentBug() bool { return c.MmapAlignmentBug }

// HasWorkingVirtualLock returns true if lock-in-RAM works on this host.
func (c *Capabilities) HasWorkingVirtualLock() bool { return c.WorkingVirtualLock }

// ExecOnSharedPagesSupported returns true if execute protection is honored
// on shared pages.
func (c *Capabilities) ExecOnSharedPagesSupported() bool { return c.ExecOnSharedPages }
