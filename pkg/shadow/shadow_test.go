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

package shadow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
	"gvisor.dev/hvmm/pkg/test/testutil"
)

const leafRW = paging.PTEWrite | paging.PTEUser | paging.PTEAccessed | paging.PTEDirty

func newGuest(t *testing.T, opts testutil.GuestOptions) (*testutil.Guest, *Engine) {
	t.Helper()
	opts.Engine = paging.EngineShadow
	g := testutil.NewGuest(t, opts)
	return g, g.D.Engine().(*Engine)
}

func (e *Engine) stat(t *testing.T, g *testutil.Guest, name string) uint64 {
	t.Helper()
	n, ok := e.Stats(g.Ctx).Extra[name]
	if !ok {
		t.Fatalf("no %q in engine stats", name)
	}
	return n
}

func mustRead(t *testing.T, g *testutil.Guest, v *paging.Vcpu, va hostarch.Addr) uint64 {
	t.Helper()
	val, err := v.Read(g.Ctx, va, 8)
	if err != nil {
		t.Fatalf("Read(%v) failed: %v", va, err)
	}
	return val
}

func mustWrite(t *testing.T, g *testutil.Guest, v *paging.Vcpu, va hostarch.Addr, val uint64) {
	t.Helper()
	if err := v.Write(g.Ctx, va, val, 8); err != nil {
		t.Fatalf("Write(%v, %#x) failed: %v", va, val, err)
	}
}

func TestAccessThroughShadows(t *testing.T) {
	for _, levels := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("%d-level", levels), func(t *testing.T) {
			g, e := newGuest(t, testutil.GuestOptions{})
			v := g.Vcpu(0)
			as := g.NewAddressSpace(levels)
			va := hostarch.Addr(0x40123000)
			as.Map(va, 0x10, leafRW)
			as.Load(v, false)

			mustWrite(t, g, v, va+8, 0xdeadbeef)
			if got := g.Load(4, 0x10, 1); got != 0xdeadbeef {
				t.Errorf("guest frame holds %#x, want 0xdeadbeef", got)
			}
			if got := mustRead(t, g, v, va+8); got != 0xdeadbeef {
				t.Errorf("Read = %#x, want 0xdeadbeef", got)
			}
			l1 := g.MFN(as.L1(va))
			if g.M.Ledger.Info(l1).ShadowFlags() == 0 {
				t.Errorf("guest l1 %v has no shadows", l1)
			}
			if e.stat(t, g, "created") == 0 {
				t.Errorf("no shadows created")
			}
			if st := v.HW.State(); !st.CR3.Valid() {
				t.Errorf("hardware CR3 not loaded")
			}
		})
	}
}

func TestSuperpage(t *testing.T) {
	for _, levels := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("%d-level", levels), func(t *testing.T) {
			g, e := newGuest(t, testutil.GuestOptions{RAMPages: 2048, Frames: 8192})
			v := g.Vcpu(0)
			as := g.NewAddressSpace(levels)
			span := uint64(1) << (as.Shape.SuperShift() - hostarch.PageShift)
			va := hostarch.Addr(0x80000000)
			as.MapSuper(va, hostarch.GFN(span), leafRW)
			as.Load(v, false)

			off := hostarch.Addr(3 * hostarch.PageSize)
			mustWrite(t, g, v, va+off, 0x5151)
			if got := g.Load(4, hostarch.GFN(span+3), 0); got != 0x5151 {
				t.Errorf("frame %#x holds %#x, want 0x5151", span+3, got)
			}
			l2 := map[int]shadowType{2: typeL2x32, 3: typeL2PAE, 4: typeL2x64}[levels]
			if e.hash.lookup(span, childType(l2, true)) == nil {
				t.Errorf("no fl1 shadow for the superpage at %#x", span)
			}
		})
	}
}

func TestRealMode(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	if v.Control().Levels() != 0 {
		t.Fatalf("new vcpu runs %d-level paging", v.Control().Levels())
	}
	mustWrite(t, g, v, 0x5008, 0x77)
	if got := g.Load(4, 5, 1); got != 0x77 {
		t.Errorf("frame 5 holds %#x, want 0x77", got)
	}
	if e.hash.lookup(0, typeFL1Unpaged) == nil {
		t.Errorf("no identity l1 for the first 2MB")
	}
	var gf *paging.GuestFault
	if _, err := v.Read(g.Ctx, 1<<32, 8); !errors.As(err, &gf) {
		t.Errorf("Read above 4GB = %v, want a guest fault", err)
	}
}

func TestGuestFaults(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	ro := hostarch.Addr(0x1000)
	as.Map(ro, 0x11, paging.PTEUser)
	as.Load(v, false)

	for _, tc := range []struct {
		name  string
		va    hostarch.Addr
		write bool
		pfec  uint32
	}{
		{"unmapped read", 0x7000000, false, 0},
		{"unmapped write", 0x7000000, true, hostarch.PFECWrite},
		{"read-only write", ro, true, hostarch.PFECPresent | hostarch.PFECWrite},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			if tc.write {
				err = v.Write(g.Ctx, tc.va, 1, 8)
			} else {
				_, err = v.Read(g.Ctx, tc.va, 8)
			}
			var gf *paging.GuestFault
			if !errors.As(err, &gf) {
				t.Fatalf("access = %v, want a guest fault", err)
			}
			if gf.PFEC != tc.pfec {
				t.Errorf("pfec = %#x, want %#x", gf.PFEC, tc.pfec)
			}
		})
	}
	if _, err := v.Read(g.Ctx, ro, 8); err != nil {
		t.Errorf("Read of read-only page failed: %v", err)
	}
}

// ptLayout maps data at dataVA and the l1 table that maps it at ptVA.
type ptLayout struct {
	g      *testutil.Guest
	as     *testutil.AddressSpace
	v      *paging.Vcpu
	dataVA hostarch.Addr
	ptVA   hostarch.Addr
	l1     hostarch.GFN
}

func newPTLayout(t *testing.T, g *testutil.Guest) *ptLayout {
	t.Helper()
	l := &ptLayout{
		g:      g,
		as:     g.NewAddressSpace(4),
		v:      g.Vcpu(0),
		dataVA: 0x400000,
		ptVA:   0x600000,
	}
	l.as.Map(l.dataVA, 0x10, leafRW)
	l.l1 = l.as.L1(l.dataVA)
	l.as.Map(l.ptVA, l.l1, leafRW)
	g.Store(4, 0x10, 0, 0x1010)
	g.Store(4, 0x20, 0, 0x2020)
	g.Store(4, 0x21, 0, 0x2121)
	l.as.Load(l.v, false)
	if got := mustRead(t, g, l.v, l.dataVA); got != 0x1010 {
		t.Fatalf("Read(%v) = %#x, want 0x1010", l.dataVA, got)
	}
	return l
}

// setPTE writes the guest l1 entry for va through the guest's own mapping
// of the table.
func (l *ptLayout) setPTE(t *testing.T, va hostarch.Addr, gfn hostarch.GFN) {
	t.Helper()
	idx := l.as.Shape.Index(va, 1)
	mustWrite(t, l.g, l.v, l.ptVA+hostarch.Addr(8*idx), gfn.Addr()|paging.PTEPresent|leafRW)
}

func TestPageTableWriteEmulated(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{})
	l := newPTLayout(t, g)

	next := l.dataVA + hostarch.PageSize
	l.setPTE(t, next, 0x20)
	if got := e.stat(t, g, "emulations"); got != 1 {
		t.Errorf("emulations = %d, want 1", got)
	}
	if got := mustRead(t, g, l.v, next); got != 0x2020 {
		t.Errorf("Read(%v) = %#x, want 0x2020", next, got)
	}
	if !l.v.LastWriteWasPT {
		t.Errorf("LastWriteWasPT not set after a page-table write")
	}

	// Retargeting a mapping the shadows already hold takes effect at once.
	l.setPTE(t, l.dataVA, 0x21)
	if got := mustRead(t, g, l.v, l.dataVA); got != 0x2121 {
		t.Errorf("Read(%v) after retarget = %#x, want 0x2121", l.dataVA, got)
	}
}

func TestUnshadowAfterRepeatedWrites(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{})
	l := newPTLayout(t, g)
	l1 := g.MFN(l.l1)

	l.setPTE(t, l.dataVA+hostarch.PageSize, 0x20)
	l.setPTE(t, l.dataVA+2*hostarch.PageSize, 0x21)
	if got := e.stat(t, g, "unshadows"); got != 1 {
		t.Fatalf("unshadows = %d, want 1", got)
	}
	if f := g.M.Ledger.Info(l1).ShadowFlags(); f != 0 {
		t.Errorf("l1 %v still has shadow flags %#x", l1, f)
	}
	for _, tc := range []struct {
		va   hostarch.Addr
		want uint64
	}{
		{l.dataVA, 0x1010},
		{l.dataVA + hostarch.PageSize, 0x2020},
		{l.dataVA + 2*hostarch.PageSize, 0x2121},
	} {
		if got := mustRead(t, g, l.v, tc.va); got != tc.want {
			t.Errorf("Read(%v) = %#x, want %#x", tc.va, got, tc.want)
		}
	}
}

func TestOutOfSync(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{OOS: true})
	l := newPTLayout(t, g)
	l1 := g.MFN(l.l1)

	l.setPTE(t, l.dataVA, 0x21)
	if got := e.stat(t, g, "unsyncs"); got != 1 {
		t.Fatalf("unsyncs = %d, want 1", got)
	}
	if got := e.stat(t, g, "emulations"); got != 0 {
		t.Errorf("emulations = %d, want 0", got)
	}
	if !g.M.Ledger.Info(l1).TestFlags(frame.FlagOutOfSync) {
		t.Fatalf("l1 %v not out of sync", l1)
	}
	// Until the guest flushes, the old translation stands.
	if got := mustRead(t, g, l.v, l.dataVA); got != 0x1010 {
		t.Errorf("Read before invlpg = %#x, want the stale 0x1010", got)
	}
	// A new mapping faults and is resynced on the way.
	if got := func() uint64 {
		l.setPTE(t, l.dataVA+hostarch.PageSize, 0x20)
		return mustRead(t, g, l.v, l.dataVA+hostarch.PageSize)
	}(); got != 0x2020 {
		t.Errorf("Read of new mapping = %#x, want 0x2020", got)
	}

	l.v.Invlpg(g.Ctx, l.dataVA)
	if got := mustRead(t, g, l.v, l.dataVA); got != 0x2121 {
		t.Errorf("Read after invlpg = %#x, want 0x2121", got)
	}
	if g.M.Ledger.Info(l1).TestFlags(frame.FlagOutOfSync) {
		t.Errorf("l1 %v still out of sync after invlpg", l1)
	}
	if got := e.stat(t, g, "resyncs"); got != 1 {
		t.Errorf("resyncs = %d, want 1", got)
	}
	// Resync write-protected the table again.
	if _, n := g.M.Ledger.Info(l1).Type(); n != 0 {
		t.Errorf("l1 %v still has %d writable mappings", l1, n)
	}
}

func TestCR3ReloadResyncs(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{OOS: true})
	l := newPTLayout(t, g)
	l.setPTE(t, l.dataVA, 0x21)
	if err := l.v.SetCR3(g.Ctx, l.as.CR3()); err != nil {
		t.Fatalf("SetCR3 failed: %v", err)
	}
	if got := e.stat(t, g, "out_of_sync"); got != 0 {
		t.Errorf("out_of_sync = %d after CR3 load, want 0", got)
	}
	if got := mustRead(t, g, l.v, l.dataVA); got != 0x2121 {
		t.Errorf("Read = %#x, want 0x2121", got)
	}
}

func TestMMIO(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{FastMMIO: true})
	v := g.Vcpu(0)
	const dm, hole = hostarch.GFN(0x300), hostarch.GFN(0x350)
	if err := g.D.P2M.SetEntry(g.Ctx, dm, hostarch.InvalidMFN, 0, p2m.MMIODM); err != nil {
		t.Fatalf("SetEntry(mmio_dm) failed: %v", err)
	}
	as := g.NewAddressSpace(4)
	as.Map(0x1000, dm, leafRW)
	as.Map(0x2000, hole, leafRW)
	as.Load(v, false)

	for i := 0; i < 2; i++ {
		var exit *paging.MMIOExit
		if _, err := v.Read(g.Ctx, 0x1000, 8); !errors.As(err, &exit) || exit.GFN != dm {
			t.Fatalf("Read %d = %v, want an mmio exit for %v", i, err, dm)
		}
	}
	if got := e.stat(t, g, "fast_mmio"); got != 1 {
		t.Errorf("fast_mmio = %d, want 1", got)
	}

	var exit *paging.MMIOExit
	if err := v.Write(g.Ctx, 0x2000, 1, 8); !errors.As(err, &exit) || exit.GFN != hole {
		t.Errorf("Write to unmapped gfn = %v, want an mmio exit for %v", err, hole)
	}
}

func TestP2MRemovalDropsMappings(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	as.Map(0x3000, 0x30, leafRW)
	as.Load(v, false)
	mustWrite(t, g, v, 0x3000, 1)

	mfn := g.MFN(0x30)
	if err := g.D.DecreaseReservation(g.Ctx, 0x30, 0); err != nil {
		t.Fatalf("DecreaseReservation failed: %v", err)
	}
	if n := g.M.Ledger.Info(mfn).Count(); n != 0 {
		t.Errorf("released frame %v still has %d references", mfn, n)
	}
	var exit *paging.MMIOExit
	if _, err := v.Read(g.Ctx, 0x3000, 8); !errors.As(err, &exit) {
		t.Errorf("Read after release = %v, want an mmio exit", err)
	}
}

func TestLogDirty(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	as.Map(0x1000, 0x10, leafRW)
	as.Map(0x2000, 0x11, leafRW)
	as.Load(v, false)
	mustWrite(t, g, v, 0x1000, 1)
	mustRead(t, g, v, 0x2000)

	if err := g.D.EnableLogDirty(g.Ctx); err != nil {
		t.Fatalf("EnableLogDirty failed: %v", err)
	}
	blows := e.stat(t, g, "blows")

	for round := 0; round < 2; round++ {
		mustWrite(t, g, v, 0x1000, uint64(round))
		mustRead(t, g, v, 0x2000)
		dirty, _, err := g.D.ReadDirty(g.Ctx, 0, testutil.DefaultRAMPages, true)
		if err != nil {
			t.Fatalf("ReadDirty failed: %v", err)
		}
		if !dirty.Test(0x10) {
			t.Errorf("round %d: written gfn 0x10 not dirty", round)
		}
		if dirty.Test(0x11) {
			t.Errorf("round %d: read-only gfn 0x11 dirty", round)
		}
	}
	if got := e.stat(t, g, "blows"); got <= blows {
		t.Errorf("blows = %d, want more than %d after cleans", got, blows)
	}

	if err := g.D.DisableLogDirty(g.Ctx); err != nil {
		t.Fatalf("DisableLogDirty failed: %v", err)
	}
	mustWrite(t, g, v, 0x1000, 9)
}

func TestPoolRecycling(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{PoolPages: 32})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	const regions = 40
	for i := 0; i < regions; i++ {
		as.Map(hostarch.Addr(i)<<hostarch.HugePageShift, hostarch.GFN(i), leafRW)
	}
	as.Load(v, false)
	for i := 0; i < regions; i++ {
		mustWrite(t, g, v, hostarch.Addr(i)<<hostarch.HugePageShift, uint64(i))
	}
	for i := 0; i < regions; i++ {
		if got := mustRead(t, g, v, hostarch.Addr(i)<<hostarch.HugePageShift); got != uint64(i) {
			t.Errorf("region %d reads %#x", i, got)
		}
	}
	if e.stat(t, g, "blows") == 0 {
		t.Errorf("%d l1 shadows fit a %d page pool without recycling", regions, 32)
	}
	if g.D.Paused() {
		t.Errorf("domain paused")
	}
}

func TestPoolExhaustedPauses(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	as.Map(0x1000, 0x10, leafRW)
	as.Load(v, false)

	// Take every free pool page away from the engine.
	var held []hostarch.MFN
	func() {
		defer e.mu.Acquire(g.Ctx).Release()
		for {
			mfn, err := e.pool.Alloc(0)
			if err != nil {
				break
			}
			held = append(held, mfn)
		}
	}()
	t.Cleanup(func() {
		defer e.mu.Acquire(g.Ctx).Release()
		for _, mfn := range held {
			e.pool.Free(mfn, 0)
		}
	})

	err := v.Write(g.Ctx, 0x1000, 1, 8)
	if !hverr.Equals(hverr.ENOMEM, err) {
		t.Fatalf("Write = %v, want ENOMEM", err)
	}
	if !g.D.Paused() {
		t.Errorf("domain not paused after running out of shadow memory")
	}
	if got := e.stat(t, g, "oom"); got == 0 {
		t.Errorf("oom = 0")
	}
}

func TestSetAllocation(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{PoolPages: 64})
	free := g.M.FreeFrames(g.Ctx)
	if err := e.SetAllocation(g.Ctx, 128); err != nil {
		t.Fatalf("SetAllocation(128) failed: %v", err)
	}
	if got := e.Allocation(g.Ctx); got != 128 {
		t.Errorf("Allocation = %d, want 128", got)
	}
	if got := g.M.FreeFrames(g.Ctx); got != free-64 {
		t.Errorf("machine free frames = %d, want %d", got, free-64)
	}
	if err := e.SetAllocation(g.Ctx, 64); err != nil {
		t.Fatalf("SetAllocation(64) failed: %v", err)
	}
	if got := g.M.FreeFrames(g.Ctx); got != free {
		t.Errorf("machine free frames = %d after shrinking back, want %d", got, free)
	}
	if err := e.SetAllocation(g.Ctx, 0); !hverr.Equals(hverr.ENOMEM, err) {
		t.Errorf("SetAllocation(0) with p2m pages in use = %v, want ENOMEM", err)
	}
}

func TestPagingModeSwitch(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	mon := v.HW.State().HostCR3
	if !mon.Valid() {
		t.Fatalf("no monitor table in real mode")
	}
	as := g.NewAddressSpace(4)
	as.Map(0x1000, 0x10, leafRW)
	as.Load(v, false)
	if got := v.Mode().GuestLevels(); got != 4 {
		t.Errorf("GuestLevels = %d, want 4", got)
	}
	if got := v.Mode().Shadow().ShadowLevels(); got != 4 {
		t.Errorf("ShadowLevels = %d, want 4", got)
	}
	mustWrite(t, g, v, 0x1000, 1)

	pae := g.NewAddressSpace(3)
	pae.Map(0x1000, 0x11, leafRW)
	pae.Load(v, false)
	if got := v.Mode().Shadow().ShadowLevels(); got != 3 {
		t.Errorf("PAE ShadowLevels = %d, want 3", got)
	}
	mustWrite(t, g, v, 0x1000, 2)
	if got := g.Load(4, 0x11, 0); got != 2 {
		t.Errorf("PAE write landed elsewhere: frame 0x11 holds %#x", got)
	}
	if got := g.Load(4, 0x10, 0); got != 1 {
		t.Errorf("frame 0x10 holds %#x, want 1", got)
	}
	st := state(v)
	if st.tops[0] == nil || st.tops[0].typ != typeL2PAE {
		t.Errorf("PAE slot 0 top = %v, want an l2_pae shadow", st.tops[0])
	}
}

func TestConcurrentVcpus(t *testing.T) {
	const vcpus, pages = 4, 16
	g, e := newGuest(t, testutil.GuestOptions{Vcpus: vcpus})
	as := g.NewAddressSpace(4)
	for i := 0; i < vcpus*pages; i++ {
		as.Map(hostarch.Addr(0x10000000+i*hostarch.PageSize), hostarch.GFN(0x20+i), leafRW)
	}
	for i := 0; i < vcpus; i++ {
		as.Load(g.Vcpu(i), false)
	}
	var eg errgroup.Group
	for i := 0; i < vcpus; i++ {
		v := g.Vcpu(i)
		base := i * pages
		eg.Go(func() error {
			for j := 0; j < pages; j++ {
				va := hostarch.Addr(0x10000000 + (base+j)*hostarch.PageSize)
				if err := v.Write(g.Ctx, va, uint64(base+j), 8); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("vcpu writes failed: %v", err)
	}
	var got, want []uint64
	for i := 0; i < vcpus*pages; i++ {
		got = append(got, g.Load(4, hostarch.GFN(0x20+i), 0))
		want = append(want, uint64(i))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("guest memory (-want +got):\n%s", diff)
	}
	if e.stat(t, g, "faults") < vcpus*pages {
		t.Errorf("faults = %d, want at least %d", e.stat(t, g, "faults"), vcpus*pages)
	}
}
