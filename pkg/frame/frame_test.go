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

package frame

import (
	"context"
	"testing"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
)

func newMachine(t *testing.T, frames uint64) *Machine {
	t.Helper()
	m, err := NewMachine(frames)
	if err != nil {
		t.Fatalf("NewMachine(%d) failed: %v", frames, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryEntries(t *testing.T) {
	m := newMachine(t, 8)
	mem := m.Mem
	if !mem.IsZero(3) {
		t.Fatalf("fresh frame is not zero")
	}
	mem.Store(3, 511, 0xdeadbeef000)
	if got := mem.Load(3, 511); got != 0xdeadbeef000 {
		t.Errorf("Load(3, 511) = %#x, want 0xdeadbeef000", got)
	}
	if mem.CompareAndSwap(3, 511, 1, 2) {
		t.Errorf("CompareAndSwap with a stale old value succeeded")
	}
	if !mem.CompareAndSwap(3, 511, 0xdeadbeef000, 7) || mem.Load(3, 511) != 7 {
		t.Errorf("CompareAndSwap with the current value failed")
	}
	mem.Store32(4, 1023, 0x1003)
	if got := mem.Load32(4, 1023); got != 0x1003 {
		t.Errorf("Load32(4, 1023) = %#x, want 0x1003", got)
	}
	mem.Copy(5, 3)
	if got := mem.Load(5, 511); got != 7 {
		t.Errorf("copied entry = %d, want 7", got)
	}
	mem.Clear(5)
	if !mem.IsZero(5) {
		t.Errorf("cleared frame is not zero")
	}
}

func TestPageTypes(t *testing.T) {
	var p PageInfo
	if !p.GetType(TypeL1) || !p.GetType(TypeL1) {
		t.Fatalf("GetType(l1) failed on an untyped frame")
	}
	if p.GetType(TypeWritable) {
		t.Errorf("GetType(writable) succeeded on an l1 frame")
	}
	p.PutType()
	p.PutType()
	if typ, n := p.Type(); typ != TypeNone || n != 0 {
		t.Errorf("Type() = %s/%d after dropping all references, want none/0", typ, n)
	}
	if !p.GetType(TypeWritable) {
		t.Errorf("GetType(writable) failed once the frame is untyped")
	}
}

func TestFlags(t *testing.T) {
	var p PageInfo
	p.SetFlags(FlagPageTable | FlagOutOfSync)
	if !p.TestFlags(FlagPageTable | FlagOutOfSync) {
		t.Errorf("flags not set: %#x", p.Flags())
	}
	if old := p.ClearFlags(FlagOutOfSync); old&FlagOutOfSync == 0 {
		t.Errorf("ClearFlags returned %#x, want the previous flags", old)
	}
	if p.TestFlags(FlagOutOfSync) {
		t.Errorf("FlagOutOfSync still set")
	}
	p.AddShadowFlags(1 << 3)
	p.AddShadowFlags(1 << 5)
	p.RemoveShadowFlags(1 << 3)
	if got := p.ShadowFlags(); got != 1<<5 {
		t.Errorf("ShadowFlags() = %#x, want %#x", got, 1<<5)
	}
}

func TestDomainPages(t *testing.T) {
	m := newMachine(t, 64)
	ctx := locking.WithCPU(context.Background(), 0)
	o := NewOwner(1, 4)

	mfn, err := m.AllocDomainPages(ctx, o, 2)
	if err != nil {
		t.Fatalf("AllocDomainPages(order 2) failed: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		p := m.Ledger.Info(mfn.Add(i))
		if p.Owner() != 1 || !p.TestFlags(FlagAllocated) {
			t.Errorf("%v: owner %d flags %#x, want d1 allocated", mfn.Add(i), p.Owner(), p.Flags())
		}
	}
	if got := o.TotPages(ctx); got != 4 {
		t.Errorf("TotPages() = %d, want 4", got)
	}
	if _, err := m.AllocDomainPages(ctx, o, 0); !hverr.Equals(hverr.ENOMEM, err) {
		t.Errorf("allocation beyond reservation err = %v, want ENOMEM", err)
	}

	m.Ledger.SetGFN(mfn, 42)
	if got := m.Ledger.GFN(mfn); got != 42 {
		t.Errorf("GFN(%v) = %v, want 42", mfn, got)
	}

	before := m.FreeFrames(ctx)
	m.FreeDomainPages(ctx, o, mfn, 2)
	if got := m.FreeFrames(ctx); got != before+4 {
		t.Errorf("FreeFrames() = %d after free, want %d", got, before+4)
	}
	if got := m.Ledger.Owner(mfn); got != hostarch.DomIDInvalid {
		t.Errorf("owner after free = %d, want invalid", got)
	}
	if got := m.Ledger.GFN(mfn); got != hostarch.InvalidGFN {
		t.Errorf("GFN after free = %v, want invalid", got)
	}
}

func TestReleaseWrongOwner(t *testing.T) {
	m := newMachine(t, 16)
	ctx := locking.WithCPU(context.Background(), 0)
	a := NewOwner(1, 16)
	b := NewOwner(2, 16)
	mfn, err := m.AllocDomainPages(ctx, a, 0)
	if err != nil {
		t.Fatalf("AllocDomainPages failed: %v", err)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("freeing another domain's frame did not panic")
		}
	}()
	m.FreeDomainPages(ctx, b, mfn, 0)
}

func TestXenPages(t *testing.T) {
	m := newMachine(t, 16)
	ctx := locking.WithCPU(context.Background(), 0)
	mfn, err := m.AllocXenPages(ctx, 1)
	if err != nil {
		t.Fatalf("AllocXenPages failed: %v", err)
	}
	if mfn == 0 {
		t.Errorf("frame 0 was handed out")
	}
	if got := m.Ledger.Owner(mfn); got != hostarch.DomIDSelf {
		t.Errorf("owner = %d, want DomIDSelf", got)
	}
	m.FreeXenPages(ctx, mfn, 1)
}

func TestRelinquishDomainPages(t *testing.T) {
	m := newMachine(t, 64)
	ctx := locking.WithCPU(context.Background(), 0)
	o := NewOwner(3, 16)
	before := m.FreeFrames(ctx)

	held, err := m.AllocDomainPages(ctx, o, 0)
	if err != nil {
		t.Fatalf("AllocDomainPages failed: %v", err)
	}
	if _, err := m.AllocDomainPages(ctx, o, 3); err != nil {
		t.Fatalf("AllocDomainPages failed: %v", err)
	}
	xen, err := m.AllocXenPages(ctx, 0)
	if err != nil {
		t.Fatalf("AllocXenPages failed: %v", err)
	}
	if !m.Ledger.Info(held).GetPage(3) {
		t.Fatalf("GetPage failed")
	}

	if busy := m.RelinquishDomainPages(ctx, o); busy != 1 {
		t.Errorf("RelinquishDomainPages left %d busy frames, want 1", busy)
	}
	if got := o.TotPages(ctx); got != 1 {
		t.Errorf("TotPages() = %d, want 1", got)
	}
	m.Ledger.Info(held).PutPage()
	if busy := m.RelinquishDomainPages(ctx, o); busy != 0 {
		t.Errorf("second RelinquishDomainPages left %d busy frames", busy)
	}
	if got := m.Ledger.Owner(xen); got != hostarch.DomIDSelf {
		t.Errorf("hypervisor frame owner = %d after relinquish, want DomIDSelf", got)
	}
	m.FreeXenPages(ctx, xen, 0)
	if got := m.FreeFrames(ctx); got != before {
		t.Errorf("FreeFrames() = %d, want %d", got, before)
	}
}
