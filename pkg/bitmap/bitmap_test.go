// Copyright 2024 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetClear(t *testing.T) {
	b := New(100)
	if b.Set(42) {
		t.Errorf("Set(42) reported the bit already set")
	}
	if !b.Set(42) {
		t.Errorf("second Set(42) reported the bit clear")
	}
	if !b.Test(42) || b.Test(41) {
		t.Errorf("Test mismatch after Set(42)")
	}
	if got := b.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	if !b.Clear(42) {
		t.Errorf("Clear(42) reported the bit clear")
	}
	if !b.IsEmpty() {
		t.Errorf("bitmap not empty after Clear")
	}
}

func TestFirst(t *testing.T) {
	for _, tc := range []struct {
		name     string
		size     uint64
		set      []uint64
		start    uint64
		wantOne  uint64
		okOne    bool
		wantZero uint64
		okZero   bool
	}{
		{name: "empty", size: 10, start: 0, okOne: false, wantZero: 0, okZero: true},
		{name: "first", size: 130, set: []uint64{0, 1, 2}, start: 0, wantOne: 0, okOne: true, wantZero: 3, okZero: true},
		{name: "cross block", size: 130, set: []uint64{127}, start: 64, wantOne: 127, okOne: true, wantZero: 64, okZero: true},
		{name: "full tail", size: 66, set: []uint64{64, 65}, start: 64, wantOne: 64, okOne: true, okZero: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.size)
			for _, i := range tc.set {
				b.Set(i)
			}
			one, ok := b.FirstOne(tc.start)
			if ok != tc.okOne || (ok && one != tc.wantOne) {
				t.Errorf("FirstOne(%d) = %d, %t, want %d, %t", tc.start, one, ok, tc.wantOne, tc.okOne)
			}
			zero, ok := b.FirstZero(tc.start)
			if ok != tc.okZero || (ok && zero != tc.wantZero) {
				t.Errorf("FirstZero(%d) = %d, %t, want %d, %t", tc.start, zero, ok, tc.wantZero, tc.okZero)
			}
		})
	}
}

func TestOnesAndAndNot(t *testing.T) {
	b := New(200)
	g := New(200)
	for _, i := range []uint64{3, 64, 150, 199} {
		b.Set(i)
	}
	g.Set(64)
	g.Set(199)
	b.AndNot(&g)
	if diff := cmp.Diff([]uint64{3, 150}, b.Ones()); diff != "" {
		t.Errorf("Ones() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBlocksTrims(t *testing.T) {
	b := FromBlocks(4, []uint64{0xff})
	if got := b.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
	c := b.Clone()
	c.ClearAll()
	if b.Count() != 4 {
		t.Errorf("Clone shares storage with the original")
	}
}
