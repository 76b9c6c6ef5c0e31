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

package mapcache

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
)

func newCache(t *testing.T, slots int) *Cache {
	t.Helper()
	mem, err := frame.NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return New(mem, slots)
}

func TestReuseAndGarbage(t *testing.T) {
	c := newCache(t, 4)
	ctx := locking.WithCPU(context.Background(), 0)
	var v Vcpu

	a, err := c.Map(ctx, &v, 3)
	if err != nil {
		t.Fatalf("Map(3) failed: %v", err)
	}
	a.Bytes[0] = 0xaa
	b, err := c.Map(ctx, &v, 3)
	if err != nil {
		t.Fatalf("second Map(3) failed: %v", err)
	}
	if a.slot != b.slot || b.Bytes[0] != 0xaa {
		t.Errorf("second mapping of the same frame did not share the slot")
	}
	c.Unmap(ctx, a)
	c.Unmap(ctx, b)

	if diff := cmp.Diff(Stats{InUse: 1, Garbage: 1}, c.Stats(ctx)); diff != "" {
		t.Errorf("stats after unmap (-want +got):\n%s", diff)
	}

	// A garbage slot is revived rather than flushed.
	d, err := c.Map(ctx, &v, 3)
	if err != nil {
		t.Fatalf("Map(3) of a garbage slot failed: %v", err)
	}
	if d.slot != a.slot {
		t.Errorf("garbage slot not revived: got slot %d, want %d", d.slot, a.slot)
	}
	if got := c.Stats(ctx).Garbage; got != 0 {
		t.Errorf("Garbage = %d after revive, want 0", got)
	}
}

func TestEpochFlush(t *testing.T) {
	c := newCache(t, 2)
	ctx := locking.WithCPU(context.Background(), 0)
	var v0, v1 Vcpu

	m1, _ := c.Map(ctx, &v0, 1)
	m2, _ := c.Map(ctx, &v0, 2)
	c.Unmap(ctx, m1)
	c.Unmap(ctx, m2)

	// Both slots are garbage; the third frame forces a batched flush.
	if _, err := c.Map(ctx, &v0, 5); err != nil {
		t.Fatalf("Map(5) failed: %v", err)
	}
	st := c.Stats(ctx)
	if st.Epoch != 1 || st.Flushes != 1 || st.InUse != 1 || st.Garbage != 0 {
		t.Errorf("stats after flush = %+v, want epoch 1, 1 flush, 1 in use", st)
	}
	if got := v0.TLBFlushes(); got != 1 {
		t.Errorf("v0 flushed %d times, want 1", got)
	}

	// Another vcpu notices the epoch change on its next use.
	if _, err := c.Map(ctx, &v1, 6); err != nil {
		t.Fatalf("Map(6) failed: %v", err)
	}
	if got := v1.TLBFlushes(); got != 1 {
		t.Errorf("v1 flushed %d times, want 1", got)
	}
}

func TestExhausted(t *testing.T) {
	c := newCache(t, 2)
	ctx := locking.WithCPU(context.Background(), 0)
	for mfn := hostarch.MFN(1); mfn <= 2; mfn++ {
		if _, err := c.Map(ctx, nil, mfn); err != nil {
			t.Fatalf("Map(%v) failed: %v", mfn, err)
		}
	}
	if _, err := c.Map(ctx, nil, 3); !hverr.Equals(hverr.ENOMEM, err) {
		t.Errorf("Map with every slot pinned err = %v, want ENOMEM", err)
	}
}
