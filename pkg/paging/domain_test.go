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

package paging_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	_ "gvisor.dev/hvmm/pkg/hap"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
	_ "gvisor.dev/hvmm/pkg/shadow"
	"gvisor.dev/hvmm/pkg/test/testutil"
)

const leafRW = paging.PTEWrite | paging.PTEUser | paging.PTEAccessed | paging.PTEDirty

var engines = []paging.EngineKind{paging.EngineShadow, paging.EngineHAP}

func TestControlLevels(t *testing.T) {
	for _, tc := range []struct {
		c    paging.Control
		want int
	}{
		{paging.Control{}, 0},
		{paging.Control{PAE: true, LMA: true}, 0},
		{paging.Control{PG: true}, 2},
		{paging.Control{PG: true, PAE: true}, 3},
		{paging.Control{PG: true, PAE: true, LMA: true}, 4},
	} {
		if got := tc.c.Levels(); got != tc.want {
			t.Errorf("%+v.Levels() = %d, want %d", tc.c, got, tc.want)
		}
	}
}

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		f    paging.Flags
		want string
	}{
		{0, "off"},
		{paging.FlagHAP | paging.FlagTranslate, "hap|translate"},
		{paging.FlagShadow | paging.FlagRefcounts | paging.FlagLogDirty, "shadow|refcounts|log_dirty"},
		{paging.FlagExternal | 1, "external|0x1"},
	} {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint32(tc.f), got, tc.want)
		}
	}
}

func TestEnginesRegistered(t *testing.T) {
	want := []paging.EngineKind{paging.EngineHAP, paging.EngineShadow}
	if diff := cmp.Diff(want, paging.Engines()); diff != "" {
		t.Errorf("Engines() (-want +got):\n%s", diff)
	}
}

func TestRegisterEngineTwice(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("registering %q again did not panic", paging.EngineShadow)
		}
	}()
	paging.RegisterEngine(paging.EngineShadow, func(*paging.Domain) paging.Engine { return nil })
}

func TestNewDomainUnknownEngine(t *testing.T) {
	m, err := frame.NewMachine(256)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	defer m.Close()
	_, err = paging.NewDomain(context.Background(), paging.Options{ID: 3, Machine: m, MaxPages: 16, Engine: "nested"})
	if !hverr.Equals(hverr.EINVAL, err) {
		t.Errorf("NewDomain(nested) = %v, want EINVAL", err)
	}
}

func TestDomainFlags(t *testing.T) {
	want := map[paging.EngineKind]string{
		paging.EngineShadow: "shadow|refcounts|translate|external",
		paging.EngineHAP:    "hap|translate|external",
	}
	for _, kind := range engines {
		g := testutil.NewGuest(t, testutil.GuestOptions{Engine: kind, RAMPages: 16})
		if got := g.D.Flags().String(); got != want[kind] {
			t.Errorf("%s domain flags = %q, want %q", kind, got, want[kind])
		}
		if err := g.D.EnableLogDirty(g.Ctx); err != nil {
			t.Fatalf("%s: EnableLogDirty failed: %v", kind, err)
		}
		if !g.D.Flags().LogDirty() {
			t.Errorf("%s: log_dirty not set after enable", kind)
		}
		if err := g.D.DisableLogDirty(g.Ctx); err != nil {
			t.Fatalf("%s: DisableLogDirty failed: %v", kind, err)
		}
		if g.D.Flags().LogDirty() {
			t.Errorf("%s: log_dirty still set after disable", kind)
		}
	}
}

func TestCrashAndPause(t *testing.T) {
	for _, kind := range engines {
		t.Run(string(kind), func(t *testing.T) {
			g := testutil.NewGuest(t, testutil.GuestOptions{Engine: kind})
			v := g.Vcpu(0)
			if _, err := v.Read(g.Ctx, 0x1000, 8); err != nil {
				t.Fatalf("Read failed: %v", err)
			}

			g.D.Pause("test")
			if _, err := v.Read(g.Ctx, 0x1000, 8); !hverr.Equals(hverr.EAGAIN, err) {
				t.Errorf("Read while paused = %v, want EAGAIN", err)
			}
			g.D.Unpause()
			if _, err := v.Read(g.Ctx, 0x1000, 8); err != nil {
				t.Errorf("Read after unpause failed: %v", err)
			}

			g.D.Crash("test")
			if _, err := v.Read(g.Ctx, 0x1000, 8); !hverr.Equals(hverr.EIO, err) {
				t.Errorf("Read after crash = %v, want EIO", err)
			}
			if s := g.D.Stats(g.Ctx); !s.Crashed || s.Paused {
				t.Errorf("Stats = crashed %t paused %t, want crashed only", s.Crashed, s.Paused)
			}
		})
	}
}

func TestDestroyReturnsFrames(t *testing.T) {
	for _, kind := range engines {
		t.Run(string(kind), func(t *testing.T) {
			m, err := frame.NewMachine(2048)
			if err != nil {
				t.Fatalf("NewMachine failed: %v", err)
			}
			defer m.Close()
			ctx := locking.WithCPU(context.Background(), 0)
			free := m.FreeFrames(ctx)

			d, err := paging.NewDomain(ctx, paging.Options{ID: 9, Machine: m, MaxPages: 256, Engine: kind, Vcpus: 2})
			if err != nil {
				t.Fatalf("NewDomain failed: %v", err)
			}
			for gfn := hostarch.GFN(0); gfn < 128; gfn++ {
				if err := d.PopulatePhysmap(ctx, gfn, 0, false); err != nil {
					t.Fatalf("PopulatePhysmap(%v) failed: %v", gfn, err)
				}
			}
			if err := d.PopulatePhysmap(ctx, 128, 3, true); err != nil {
				t.Fatalf("PopulatePhysmap(pod) failed: %v", err)
			}
			if err := d.SetPoDTarget(ctx, 136); err != nil {
				t.Fatalf("SetPoDTarget failed: %v", err)
			}
			for _, v := range d.Vcpus() {
				if err := v.Write(ctx, hostarch.Addr(0x2000+v.ID*8), 1, 8); err != nil {
					t.Fatalf("%s: Write failed: %v", v, err)
				}
			}
			if err := d.Destroy(ctx); err != nil {
				t.Fatalf("Destroy failed: %v", err)
			}
			if got := m.FreeFrames(ctx); got != free {
				t.Errorf("machine free frames = %d after destroy, want %d", got, free)
			}
		})
	}
}

func TestVcpuLookup(t *testing.T) {
	g := testutil.NewGuest(t, testutil.GuestOptions{Engine: paging.EngineHAP, Vcpus: 2, RAMPages: 16})
	if _, err := g.D.Vcpu(2); !hverr.Equals(hverr.ENOENT, err) {
		t.Errorf("Vcpu(2) = %v, want ENOENT", err)
	}
	v := g.Vcpu(1)
	if got, want := v.String(), "d1v1"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if v.Domain() != g.D {
		t.Errorf("Domain() is not the vcpu's domain")
	}
}

func TestAccessChecks(t *testing.T) {
	g := testutil.NewGuest(t, testutil.GuestOptions{Engine: paging.EngineHAP})
	v := g.Vcpu(0)
	for _, tc := range []struct {
		va    hostarch.Addr
		bytes int
	}{{0x1004, 8}, {0x1002, 4}, {0x1000, 2}} {
		if _, err := v.Read(g.Ctx, tc.va, tc.bytes); !hverr.Equals(hverr.EINVAL, err) {
			t.Errorf("Read(%v, %d) = %v, want EINVAL", tc.va, tc.bytes, err)
		}
	}

	if err := v.Write(g.Ctx, 0x1000, 5, 8); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, tc := range []struct {
		old, val, want uint64
		stored         uint64
	}{
		{old: 4, val: 6, want: 5, stored: 5},
		{old: 5, val: 6, want: 5, stored: 6},
	} {
		got, err := v.Cmpxchg(g.Ctx, 0x1000, tc.old, tc.val, 8)
		if err != nil || got != tc.want {
			t.Errorf("Cmpxchg(%d, %d) = %d, %v, want %d", tc.old, tc.val, got, err, tc.want)
		}
		if got := g.Load(4, 1, 0); got != tc.stored {
			t.Errorf("after Cmpxchg(%d, %d) memory holds %d, want %d", tc.old, tc.val, got, tc.stored)
		}
	}
	if err := v.Write(g.Ctx, 0x1008, 0xaabbccdd, 4); err != nil {
		t.Fatalf("4-byte Write failed: %v", err)
	}
	if got, err := v.Read(g.Ctx, 0x1008, 4); err != nil || got != 0xaabbccdd {
		t.Errorf("4-byte Read = %#x, %v", got, err)
	}
}

func TestNestedFaultNeedsHAP(t *testing.T) {
	g := testutil.NewGuest(t, testutil.GuestOptions{Engine: paging.EngineShadow, RAMPages: 16})
	v := g.Vcpu(0)
	regs := paging.NewRegs(0, nil)
	if _, err := g.D.NestedFault(g.Ctx, v, 1, hostarch.Read, regs); !hverr.Equals(hverr.EINVAL, err) {
		t.Errorf("NestedFault on a shadow domain = %v, want EINVAL", err)
	}
}

func TestInvlpgAndCR3(t *testing.T) {
	for _, kind := range engines {
		t.Run(string(kind), func(t *testing.T) {
			g := testutil.NewGuest(t, testutil.GuestOptions{Engine: kind})
			v := g.Vcpu(0)
			a, b := g.NewAddressSpace(4), g.NewAddressSpace(4)
			a.Map(0x1000, 0x10, leafRW)
			b.Map(0x1000, 0x11, leafRW)
			a.Load(v, false)
			if err := v.Write(g.Ctx, 0x1000, 0xa, 8); err != nil {
				t.Fatalf("Write through a failed: %v", err)
			}
			if err := v.SetCR3(g.Ctx, b.CR3()); err != nil {
				t.Fatalf("SetCR3 failed: %v", err)
			}
			if err := v.Write(g.Ctx, 0x1000, 0xb, 8); err != nil {
				t.Fatalf("Write through b failed: %v", err)
			}
			got := []uint64{g.Load(4, 0x10, 0), g.Load(4, 0x11, 0)}
			if diff := cmp.Diff([]uint64{0xa, 0xb}, got); diff != "" {
				t.Errorf("frames 0x10 0x11 (-want +got):\n%s", diff)
			}

			l1 := g.MFN(b.L1(0x1000))
			if !v.Mode().WriteGuestEntry(g.Ctx, v, l1, 1, uint64(0x12)<<hostarch.PageShift|leafRW|paging.PTEPresent) {
				t.Fatalf("WriteGuestEntry failed")
			}
			v.Invlpg(g.Ctx, 0x1000)
			if err := v.Write(g.Ctx, 0x1000, 0xc, 8); err != nil {
				t.Fatalf("Write after invlpg failed: %v", err)
			}
			if got := g.Load(4, 0x12, 0); got != 0xc {
				t.Errorf("frame 0x12 holds %#x after invlpg, want 0xc", got)
			}
		})
	}
}

func TestGuestFaultError(t *testing.T) {
	g := testutil.NewGuest(t, testutil.GuestOptions{Engine: paging.EngineShadow})
	v := g.Vcpu(0)
	as := g.NewAddressSpace(4)
	as.Load(v, false)
	_, err := v.Read(g.Ctx, 0x7000, 8)
	var gf *paging.GuestFault
	if !errors.As(err, &gf) || gf.VA != 0x7000 {
		t.Fatalf("Read of unmapped va = %v, want a guest fault", err)
	}
	if got, want := gf.Error(), fmt.Sprintf("guest page fault at %v (pfec %#x)", hostarch.Addr(0x7000), gf.PFEC); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if _, typ := g.D.GfnToMfn(g.Ctx, 0x7, p2m.QueryOnly); typ != p2m.RAMRW {
		t.Errorf("GfnToMfn(0x7) type = %s, want ram_rw", typ)
	}
}
