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

package hap

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
	opts.Engine = paging.EngineHAP
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

func mustWrite(t *testing.T, g *testutil.Guest, v *paging.Vcpu, va hostarch.Addr, val uint64) {
	t.Helper()
	if err := v.Write(g.Ctx, va, val, 8); err != nil {
		t.Fatalf("Write(%v, %#x) failed: %v", va, val, err)
	}
}

func typeOf(g *testutil.Guest, gfn hostarch.GFN) p2m.Type {
	_, typ := g.D.P2M.GetEntry(g.Ctx, gfn, p2m.QueryOnly)
	return typ
}

func TestNestedAccess(t *testing.T) {
	for _, levels := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("%d-level", levels), func(t *testing.T) {
			g, e := newGuest(t, testutil.GuestOptions{})
			v := g.Vcpu(0)
			as := g.NewAddressSpace(levels)
			va := hostarch.Addr(0x40123000)
			as.Map(va, 0x10, leafRW)
			as.Load(v, false)

			mustWrite(t, g, v, va+8, 0xfeed)
			if got := g.Load(4, 0x10, 1); got != 0xfeed {
				t.Errorf("guest frame holds %#x, want 0xfeed", got)
			}
			st := v.HW.State()
			if !st.NestedEnable || st.NestedBase != g.D.P2M.Root() || st.GuestCR3 != as.CR3() {
				t.Errorf("control block = %+v, want nested paging on the p2m root with guest cr3 %#x", st, as.CR3())
			}
			if st.NestedTLB == 0 {
				t.Errorf("no nested translations cached after an access")
			}
			if got := e.stat(t, g, "nested_faults"); got != 0 {
				t.Errorf("nested_faults = %d, want 0 on populated RAM", got)
			}
		})
	}
}

func TestRealMode(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	if got := v.Mode().GuestLevels(); got != 0 {
		t.Fatalf("GuestLevels = %d, want 0 before paging is on", got)
	}
	mustWrite(t, g, v, 0x20008, 7)
	if got := g.Load(4, 0x20, 1); got != 7 {
		t.Errorf("frame 0x20 holds %#x, want 7", got)
	}
	pfec := uint32(0)
	if got := v.GvaToGfn(g.Ctx, 0x20008, &pfec); got != 0x20 {
		t.Errorf("GvaToGfn = %v, want 0x20", got)
	}
}

func TestGuestFaults(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	g.Store(4, 0, 0, 0x5ec2e7)
	as := g.NewAddressSpace(4)
	as.Map(0x1000, 0x10, paging.PTEUser)
	as.Load(v, false)

	for _, tc := range []struct {
		name  string
		va    hostarch.Addr
		write bool
		want  uint32
	}{
		{"not present write", 0x5000, true, hostarch.PFECWrite},
		{"read only write", 0x1000, true, hostarch.PFECWrite | hostarch.PFECPresent},
		{"not present read", 0x5000, false, 0},
		{"unmapped table read", 0x7000000, false, 0},
		{"non-canonical read", 1 << 48, false, 0},
	} {
		var (
			gf  *paging.GuestFault
			val uint64
			err error
		)
		if tc.write {
			err = v.Write(g.Ctx, tc.va, 1, 8)
		} else {
			val, err = v.Read(g.Ctx, tc.va, 8)
		}
		if !errors.As(err, &gf) || gf.PFEC != tc.want || gf.VA != tc.va {
			t.Errorf("%s: access = %#x, %v, want a guest fault at %v with pfec %#x", tc.name, val, err, tc.va, tc.want)
		}
		if val != 0 {
			t.Errorf("%s: faulting read returned %#x", tc.name, val)
		}
	}

	pfec := uint32(hostarch.PFECWrite)
	if got := v.GvaToGfn(g.Ctx, 0x1000, &pfec); got != hostarch.InvalidGFN || pfec != hostarch.PFECWrite|hostarch.PFECPresent {
		t.Errorf("GvaToGfn(write) = %v with pfec %#x, want a protection fault", got, pfec)
	}
	pfec = 0
	if got := v.GvaToGfn(g.Ctx, 0x1000, &pfec); got != 0x10 {
		t.Errorf("GvaToGfn(read) = %v, want 0x10", got)
	}

	regs := paging.NewRegs(hostarch.PFECPresent, nil)
	if ok, err := v.Fault(g.Ctx, 0x1000, regs); ok || err != nil || regs.InjectPFEC != hostarch.PFECPresent {
		t.Errorf("Fault = %t, %v with inject %#x, want the fault handed back", ok, err, regs.InjectPFEC)
	}
}

func TestSuperpageBacking(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{Frames: 8192, MaxPages: 2048})
	v := g.Vcpu(0)
	const super = hostarch.GFN(0x400)
	if err := g.D.IncreaseReservation(g.Ctx, super, 9); err != nil {
		t.Fatalf("IncreaseReservation failed: %v", err)
	}
	if err := g.D.PopulatePhysmap(g.Ctx, super, 9, false); err != nil {
		t.Fatalf("PopulatePhysmap(order 9) failed: %v", err)
	}
	if e, order := g.D.P2M.Lookup(super + 0x23); !e.Superpage() || order != 9 {
		t.Fatalf("%v is mapped by %v of order %d, want a superpage", super+0x23, e, order)
	}
	as := g.NewAddressSpace(4)
	for i := 0; i < 4; i++ {
		as.Map(hostarch.Addr(0x100000+i*hostarch.PageSize), super.Add(uint64(0x20+i)), leafRW)
	}
	as.Load(v, false)
	for i := 0; i < 4; i++ {
		mustWrite(t, g, v, hostarch.Addr(0x100000+i*hostarch.PageSize), uint64(i+1))
	}
	for i := 0; i < 4; i++ {
		if got := g.Load(4, super.Add(uint64(0x20+i)), 0); got != uint64(i+1) {
			t.Errorf("frame %v holds %#x, want %#x", super.Add(uint64(0x20+i)), got, i+1)
		}
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

	if err := g.D.EnableLogDirty(g.Ctx); err != nil {
		t.Fatalf("EnableLogDirty failed: %v", err)
	}
	if got := typeOf(g, 0x10); got != p2m.RAMLogDirty {
		t.Fatalf("type of 0x10 = %s after enable, want ram_logdirty", got)
	}
	if v.HW.State().NestedTLB != 0 {
		t.Errorf("nested translations survived the global type change")
	}

	for round := 1; round <= 2; round++ {
		mustWrite(t, g, v, 0x1000, uint64(round))
		if _, err := v.Read(g.Ctx, 0x2000, 8); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got := typeOf(g, 0x10); got != p2m.RAMRW {
			t.Errorf("round %d: type of written 0x10 = %s, want ram_rw", round, got)
		}
		dirty, stats, err := g.D.ReadDirty(g.Ctx, 0, testutil.DefaultRAMPages, true)
		if err != nil {
			t.Fatalf("ReadDirty failed: %v", err)
		}
		if !dirty.Test(0x10) || dirty.Test(0x11) {
			t.Errorf("round %d: dirty 0x10 %t 0x11 %t, want only 0x10", round, dirty.Test(0x10), dirty.Test(0x11))
		}
		if stats.FaultCount == 0 {
			t.Errorf("round %d: no log-dirty faults counted", round)
		}
		if got := typeOf(g, 0x10); got != p2m.RAMLogDirty {
			t.Errorf("round %d: type of 0x10 = %s after clean, want ram_logdirty", round, got)
		}
	}
	if got := e.stat(t, g, "logdirty_faults"); got != 2 {
		t.Errorf("logdirty_faults = %d, want 2", got)
	}

	if err := g.D.DisableLogDirty(g.Ctx); err != nil {
		t.Fatalf("DisableLogDirty failed: %v", err)
	}
	if got := typeOf(g, 0x11); got != p2m.RAMRW {
		t.Errorf("type of 0x11 = %s after disable, want ram_rw", got)
	}
	if _, _, err := g.D.ReadDirty(g.Ctx, 0, 1, false); !hverr.Equals(hverr.EINVAL, err) {
		t.Errorf("ReadDirty after disable = %v, want EINVAL", err)
	}
}

func TestLogDirtyNewFrames(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	const pod, fresh = hostarch.GFN(testutil.DefaultRAMPages), hostarch.GFN(testutil.DefaultRAMPages + 1)
	if err := g.D.PopulatePhysmap(g.Ctx, pod, 0, true); err != nil {
		t.Fatalf("marking %v populate-on-demand failed: %v", pod, err)
	}
	if err := g.D.SetPoDTarget(g.Ctx, testutil.DefaultRAMPages+1); err != nil {
		t.Fatalf("SetPoDTarget failed: %v", err)
	}
	as := g.NewAddressSpace(4)
	as.Map(0x3000, pod, leafRW)
	as.Map(0x4000, fresh, leafRW)
	as.Load(v, false)

	if err := g.D.EnableLogDirty(g.Ctx); err != nil {
		t.Fatalf("EnableLogDirty failed: %v", err)
	}
	if err := g.D.PopulatePhysmap(g.Ctx, fresh, 0, false); err != nil {
		t.Fatalf("PopulatePhysmap(%v) failed: %v", fresh, err)
	}
	mustWrite(t, g, v, 0x3000, 1)
	mustWrite(t, g, v, 0x4000, 2)

	for round := 1; round <= 2; round++ {
		dirty, _, err := g.D.ReadDirty(g.Ctx, 0, uint64(fresh)+1, true)
		if err != nil {
			t.Fatalf("round %d: ReadDirty failed: %v", round, err)
		}
		for _, gfn := range []hostarch.GFN{pod, fresh} {
			if !dirty.Test(uint64(gfn)) {
				t.Errorf("round %d: %v (%s) written but not dirty", round, gfn, typeOf(g, gfn))
			}
			if got := typeOf(g, gfn); got != p2m.RAMLogDirty {
				t.Errorf("round %d: type of %v = %s after clean, want ram_logdirty", round, gfn, got)
			}
		}
		mustWrite(t, g, v, 0x3000, uint64(round))
		mustWrite(t, g, v, 0x4000, uint64(round))
	}
}

func TestGuestEntryWritesMarkDirty(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	as.Map(0x1000, 0x10, leafRW)
	as.Load(v, false)
	if err := g.D.EnableLogDirty(g.Ctx); err != nil {
		t.Fatalf("EnableLogDirty failed: %v", err)
	}

	l1 := as.L1(0x1000)
	gmfn := g.MFN(l1)
	m := v.Mode()
	if !m.WriteGuestEntry(g.Ctx, v, gmfn, 2, 0x11000|paging.PTEPresent) {
		t.Fatalf("WriteGuestEntry failed")
	}
	old := uint64(0)
	if m.CmpxchgGuestEntry(g.Ctx, v, gmfn, 2, &old, 0) {
		t.Errorf("CmpxchgGuestEntry succeeded against a stale value")
	}
	if old != 0x11000|paging.PTEPresent {
		t.Errorf("CmpxchgGuestEntry reported %#x, want the stored entry", old)
	}
	if !m.CmpxchgGuestEntry(g.Ctx, v, gmfn, 2, &old, 0x12000|paging.PTEPresent) {
		t.Errorf("CmpxchgGuestEntry with the current value failed")
	}
	if !g.D.LogDirty.IsDirty(g.Ctx, l1) {
		t.Errorf("guest table %v not dirty after entry writes", l1)
	}

	mfn, idx, ok := m.GuestMapL1E(g.Ctx, v, 0x2000)
	if !ok || mfn != gmfn || idx != 2 {
		t.Errorf("GuestMapL1E(0x2000) = %v, %d, %t, want %v, 2", mfn, idx, ok, gmfn)
	}
	if got := m.GuestGetEffL1E(g.Ctx, v, 0x2000); got&paging.PTEPresent == 0 || hostarch.GFN(got>>hostarch.PageShift) != 0x12 {
		t.Errorf("GuestGetEffL1E(0x2000) = %#x, want a present entry for 0x12", got)
	}
}

func TestNestedFaultOutcomes(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	const dm, hole, ro = hostarch.GFN(0x300), hostarch.GFN(0x350), hostarch.GFN(0x12)
	if err := g.D.P2M.SetEntry(g.Ctx, dm, hostarch.InvalidMFN, 0, p2m.MMIODM); err != nil {
		t.Fatalf("SetEntry(mmio_dm) failed: %v", err)
	}
	if got, err := g.D.P2M.ChangeType(g.Ctx, ro, p2m.RAMRW, p2m.RAMRO); got != p2m.RAMRW || err != nil {
		t.Fatalf("ChangeType(ram_ro) = (%s, %v)", got, err)
	}
	as := g.NewAddressSpace(4)
	as.Map(0x1000, dm, leafRW)
	as.Map(0x2000, hole, leafRW)
	as.Map(0x3000, ro, leafRW)
	as.Load(v, false)

	for _, tc := range []struct {
		va  hostarch.Addr
		gfn hostarch.GFN
	}{{0x1000, dm}, {0x2000, hole}} {
		var exit *paging.MMIOExit
		if _, err := v.Read(g.Ctx, tc.va, 8); !errors.As(err, &exit) || exit.GFN != tc.gfn {
			t.Errorf("Read(%v) = %v, want an mmio exit for %v", tc.va, err, tc.gfn)
		}
	}

	before := g.Load(4, ro, 0)
	if err := v.Write(g.Ctx, 0x3000, before+1, 8); err != nil {
		t.Errorf("Write to ram_ro = %v, want it dropped silently", err)
	}
	if got := g.Load(4, ro, 0); got != before {
		t.Errorf("ram_ro frame changed to %#x", got)
	}

	want := map[string]uint64{"mmio": 2, "discarded_writes": 1}
	got := map[string]uint64{}
	for k := range want {
		got[k] = e.stat(t, g, k)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fault counters (-want +got):\n%s", diff)
	}
}

func TestPoDPopulatedOnNestedFault(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	const pod = hostarch.GFN(0x200)
	if err := g.D.PopulatePhysmap(g.Ctx, pod, 4, true); err != nil {
		t.Fatalf("PopulatePhysmap(pod) failed: %v", err)
	}
	if err := g.D.SetPoDTarget(g.Ctx, testutil.DefaultRAMPages+16); err != nil {
		t.Fatalf("SetPoDTarget failed: %v", err)
	}
	as := g.NewAddressSpace(4)
	as.Map(0x7000, pod+5, leafRW)
	as.Load(v, false)

	mustWrite(t, g, v, 0x7000, 0xabc)
	if got := typeOf(g, pod+5); got != p2m.RAMRW {
		t.Fatalf("type of %v = %s after first touch, want ram_rw", pod+5, got)
	}
	if got := g.Load(4, pod+5, 0); got != 0xabc {
		t.Errorf("populated frame holds %#x, want 0xabc", got)
	}
	if s := g.D.P2M.PoD().Stats(g.Ctx); s.EntryCount != 15 {
		t.Errorf("PoD entries = %d, want 15", s.EntryCount)
	}
}

func TestPoDExhaustedCrashes(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	const pod = hostarch.GFN(0x200)
	if err := g.D.PopulatePhysmap(g.Ctx, pod, 0, true); err != nil {
		t.Fatalf("PopulatePhysmap(pod) failed: %v", err)
	}
	as := g.NewAddressSpace(4)
	as.Map(0x7000, pod, leafRW)
	as.Load(v, false)

	if err := v.Write(g.Ctx, 0x7000, 1, 8); !hverr.Equals(hverr.EIO, err) {
		t.Errorf("Write with an empty PoD cache = %v, want EIO", err)
	}
	if !g.D.Crashed() {
		t.Errorf("domain still running after a failed PoD population")
	}
}

func TestWriteP2MEntryFlushes(t *testing.T) {
	const mfn = hostarch.MFN(0x500)
	pack := func(m hostarch.MFN, typ p2m.Type, super bool) p2m.Entry {
		return p2m.Pack(m, typ, super, true)
	}
	for _, tc := range []struct {
		name          string
		level         int
		prev, next    p2m.Entry
		narrow, broad uint64
	}{
		{"new entry", 1, 0, pack(mfn, p2m.RAMRW, false), 0, 0},
		{"split", 2, pack(mfn, p2m.RAMRW, true), pack(0x900, p2m.RAMRW, false), 0, 0},
		{"unprotect", 1, pack(mfn, p2m.RAMLogDirty, false), pack(mfn, p2m.RAMRW, false), 0, 0},
		{"remap", 1, pack(mfn, p2m.RAMRW, false), pack(mfn+1, p2m.RAMRW, false), 1, 0},
		{"protect", 1, pack(mfn, p2m.RAMRW, false), pack(mfn, p2m.RAMLogDirty, false), 1, 0},
		{"unmap", 1, pack(mfn, p2m.RAMRW, false), 0, 1, 0},
		{"unmap superpage", 2, pack(mfn, p2m.RAMRW, true), 0, 1, 0},
		{"memory type", 1, pack(mfn, p2m.RAMRW, false), pack(mfn, p2m.MMIODirect, false), 0, 1},
		{"table removed", 2, pack(0x900, p2m.RAMRW, false), 0, 0, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, e := newGuest(t, testutil.GuestOptions{})
			v := g.Vcpu(0)
			narrow, broad := e.stat(t, g, "narrow_flushes"), e.stat(t, g, "broad_flushes")
			e.Mode(4).WriteP2MEntry(g.Ctx, v, 0x1000, tc.level, tc.prev, tc.next)
			got := []uint64{e.stat(t, g, "narrow_flushes") - narrow, e.stat(t, g, "broad_flushes") - broad}
			if diff := cmp.Diff([]uint64{tc.narrow, tc.broad}, got); diff != "" {
				t.Errorf("flushes [narrow broad] (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRemapFlushesNestedTLB(t *testing.T) {
	g, _ := newGuest(t, testutil.GuestOptions{})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	as.Map(0x1000, 0x10, leafRW)
	as.Load(v, false)
	mustWrite(t, g, v, 0x1000, 1)

	g.Store(4, 0x11, 0, 0x77)
	narrow := v.HW.State().NarrowFlushes
	if err := g.D.AddToPhysmap(g.Ctx, 0x11, 0x10); err != nil {
		t.Fatalf("AddToPhysmap(0x11, 0x10) failed: %v", err)
	}
	if v.HW.State().NarrowFlushes == narrow {
		t.Errorf("remap did not flush the nested TLB")
	}
	if got, err := v.Read(g.Ctx, 0x1000, 8); err != nil || got != 0x77 {
		t.Errorf("Read after remap = %#x, %v, want 0x77", got, err)
	}
}

func TestPoolAccounting(t *testing.T) {
	g, e := newGuest(t, testutil.GuestOptions{Vcpus: 2, PoolPages: 64})
	s := e.Stats(g.Ctx)
	if got, want := s.P2MPages, uint64(g.D.P2M.PageCount(g.Ctx)); got != want {
		t.Errorf("P2MPages = %d, want the p2m's %d", got, want)
	}
	if got := s.Extra["monitor_pages"]; got != 2 {
		t.Errorf("monitor_pages = %d, want one per vcpu", got)
	}
	if got, want := s.FreePages, s.TotalPages-s.P2MPages-2; got != want {
		t.Errorf("FreePages = %d, want %d", got, want)
	}
	for i := 0; i < 2; i++ {
		mon := g.Vcpu(i).HW.State().HostCR3
		if typ, _ := g.M.Ledger.Info(mon).Type(); typ != frame.TypeMonitor {
			t.Errorf("vcpu %d host cr3 %v is a %s frame, want a monitor table", i, mon, typ)
		}
	}

	free := g.M.FreeFrames(g.Ctx)
	if err := e.SetAllocation(g.Ctx, 80); err != nil {
		t.Fatalf("SetAllocation(80) failed: %v", err)
	}
	if got := g.M.FreeFrames(g.Ctx); got != free-16 {
		t.Errorf("machine free frames = %d, want %d", got, free-16)
	}
	if err := g.D.ShadowOp(g.Ctx, &paging.ShadowControl{Op: paging.ShadowOpSetAllocation, MB: 0}); !hverr.Equals(hverr.ENOMEM, err) {
		t.Errorf("set_allocation(0) with pages in use = %v, want ENOMEM", err)
	}
}

func TestConcurrentVcpus(t *testing.T) {
	const vcpus, pages = 4, 16
	g, _ := newGuest(t, testutil.GuestOptions{Vcpus: vcpus})
	if err := g.D.EnableLogDirty(g.Ctx); err != nil {
		t.Fatalf("EnableLogDirty failed: %v", err)
	}
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
	dirty, _, err := g.D.ReadDirty(g.Ctx, 0, testutil.DefaultRAMPages, false)
	if err != nil {
		t.Fatalf("ReadDirty failed: %v", err)
	}
	var got, want []uint64
	for i := 0; i < vcpus*pages; i++ {
		gfn := hostarch.GFN(0x20 + i)
		got = append(got, g.Load(4, gfn, 0))
		want = append(want, uint64(i))
		if !dirty.Test(uint64(gfn)) {
			t.Errorf("written %v not dirty", gfn)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("guest memory (-want +got):\n%s", diff)
	}
}
