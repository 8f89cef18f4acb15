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
	"testing"
)

func TestPageBitmap(t *testing.T) {
	b := newPageBitmap(70)
	if !b.empty() {
		t.Fatalf("fresh bitmap not empty")
	}
	for i := uint64(0); i < 70; i++ {
		b.set(i)
	}
	if b.empty() {
		t.Fatalf("fully set bitmap reports empty")
	}
	b.clear(33)
	if b.isSet(33) {
		t.Errorf("bit 33 still set after clear")
	}
	if !b.isSet(32) || !b.isSet(34) {
		t.Errorf("clear(33) disturbed neighboring bits")
	}
}

func TestPageBitmapFindRun(t *testing.T) {
	b := newPageBitmap(8)
	for i := uint64(0); i < 8; i++ {
		b.set(i)
	}
	if _, ok := b.findRun(1); ok {
		t.Errorf("findRun found a run in a fully set bitmap")
	}
	b.clear(2)
	b.clear(3)
	b.clear(4)
	if start, ok := b.findRun(3); !ok || start != 2 {
		t.Errorf("findRun(3) = (%d, %t), want (2, true)", start, ok)
	}
	if _, ok := b.findRun(4); ok {
		t.Errorf("findRun(4) found a run longer than the hole")
	}
	if _, ok := b.findRun(9); ok {
		t.Errorf("findRun longer than the bitmap succeeded")
	}
}

func TestPageBitmapClone(t *testing.T) {
	b := newPageBitmap(4)
	b.set(1)
	c := b.clone()
	c.clear(1)
	if !b.isSet(1) {
		t.Errorf("clone shares storage with the original")
	}
}
