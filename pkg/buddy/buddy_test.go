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

package buddy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

type block struct {
	MFN   hostarch.MFN
	Order uint
}

func freeBlocks(a *Allocator) []block {
	var out []block
	a.ForEachFree(func(mfn hostarch.MFN, order uint) {
		out = append(out, block{mfn, order})
	})
	return out
}

func TestAddRange(t *testing.T) {
	for _, tc := range []struct {
		name     string
		maxOrder uint
		start    hostarch.MFN
		n        uint64
		want     []block
	}{
		{
			name:     "aligned",
			maxOrder: 2,
			start:    0,
			n:        8,
			want:     []block{{0, 2}, {4, 2}},
		},
		{
			name:     "unaligned start",
			maxOrder: 2,
			start:    1,
			n:        6,
			want:     []block{{1, 0}, {6, 0}, {2, 1}, {4, 1}},
		},
		{
			name:     "order zero pool",
			maxOrder: 0,
			start:    10,
			n:        3,
			want:     []block{{10, 0}, {11, 0}, {12, 0}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := New(tc.maxOrder)
			a.AddRange(tc.start, tc.n)
			if got := a.FreePages(); got != tc.n {
				t.Errorf("FreePages() = %d, want %d", got, tc.n)
			}
			if diff := cmp.Diff(tc.want, freeBlocks(a)); diff != "" {
				t.Errorf("free blocks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitAndMerge(t *testing.T) {
	a := New(3)
	a.AddRange(0, 8)

	m0, err := a.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0) failed: %v", err)
	}
	if m0 != 0 {
		t.Errorf("Alloc(0) = %v, want frame 0 (lowest address first)", m0)
	}
	if diff := cmp.Diff([]block{{1, 0}, {2, 1}, {4, 2}}, freeBlocks(a)); diff != "" {
		t.Errorf("after split (-want +got):\n%s", diff)
	}

	m1, err := a.Alloc(1)
	if err != nil || m1 != 2 {
		t.Errorf("Alloc(1) = %v, %v, want frame 2", m1, err)
	}

	a.Free(m0, 0)
	a.Free(m1, 1)
	if diff := cmp.Diff([]block{{0, 3}}, freeBlocks(a)); diff != "" {
		t.Errorf("after merge (-want +got):\n%s", diff)
	}
	if got := a.FreePages(); got != 8 {
		t.Errorf("FreePages() = %d, want 8", got)
	}
}

func TestExhaustion(t *testing.T) {
	a := New(2)
	a.AddRange(0, 4)
	if _, err := a.Alloc(2); err != nil {
		t.Fatalf("Alloc(2) failed: %v", err)
	}
	if _, err := a.Alloc(0); !hverr.Equals(hverr.ENOMEM, err) {
		t.Errorf("Alloc(0) on empty allocator err = %v, want ENOMEM", err)
	}
	if _, err := a.Alloc(3); !hverr.Equals(hverr.EINVAL, err) {
		t.Errorf("Alloc(3) beyond max order err = %v, want EINVAL", err)
	}
}

func TestDoubleFree(t *testing.T) {
	for _, tc := range []struct {
		name  string
		mfn   hostarch.MFN
		order uint
	}{
		{"same block", 4, 2},
		{"inside free block", 5, 0},
		{"containing free block", 0, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := New(3)
			a.AddRange(0, 8)
			if _, err := a.Alloc(2); err != nil {
				t.Fatalf("Alloc(2) failed: %v", err)
			}
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Free(%v, %d) of a free range did not panic", tc.mfn, tc.order)
				}
			}()
			a.Free(tc.mfn, tc.order)
		})
	}
}

func TestReclaim(t *testing.T) {
	a := New(2)
	a.AddRange(0, 8)
	mfn, err := a.Reclaim(2)
	if err != nil {
		t.Fatalf("Reclaim(2) failed: %v", err)
	}
	if mfn != 0 {
		t.Errorf("Reclaim(2) = %v, want frame 0", mfn)
	}
	if got, want := a.TotalPages(), uint64(4); got != want {
		t.Errorf("TotalPages() = %d, want %d", got, want)
	}
}
