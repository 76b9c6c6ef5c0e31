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

// Package testutil builds test domains and lays out guest page tables in
// them.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// Default layout of a test guest.
const (
	// DefaultFrames is the size of the test machine.
	DefaultFrames = 4096

	// DefaultRAMPages is the guest RAM populated from GFN 0.
	DefaultRAMPages = 512

	// TableBase is the first GFN handed out for guest page tables. Data
	// pages should be chosen below it.
	TableBase hostarch.GFN = 0x100
)

// GuestOptions configure NewGuest. Zero fields take defaults.
type GuestOptions struct {
	Engine   paging.EngineKind
	Frames   uint64
	RAMPages uint64
	Vcpus    int

	// MaxPages defaults to RAMPages plus 64.
	MaxPages uint64

	PoolPages     uint64
	LogDirtyNodes int
	OOS           bool
	FastMMIO      bool
}

// Guest is a domain under test.
type Guest struct {
	T   testing.TB
	Ctx context.Context
	M   *frame.Machine
	D   *paging.Domain

	nextTable hostarch.GFN
}

// NewGuest creates a domain with RAM populated and tears it down when the
// test ends. The engine package must be linked into the test.
func NewGuest(t testing.TB, opts GuestOptions) *Guest {
	t.Helper()
	if opts.Frames == 0 {
		opts.Frames = DefaultFrames
	}
	if opts.RAMPages == 0 {
		opts.RAMPages = DefaultRAMPages
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = opts.RAMPages + 64
	}
	m, err := frame.NewMachine(opts.Frames)
	if err != nil {
		t.Fatalf("NewMachine(%d) failed: %v", opts.Frames, err)
	}
	ctx := locking.WithCPU(context.Background(), 0)
	d, err := paging.NewDomain(ctx, paging.Options{
		ID:            1,
		Machine:       m,
		MaxPages:      opts.MaxPages,
		Engine:        opts.Engine,
		PoolPages:     opts.PoolPages,
		Vcpus:         opts.Vcpus,
		LogDirtyNodes: opts.LogDirtyNodes,
		OOS:           opts.OOS,
		FastMMIO:      opts.FastMMIO,
	})
	if err != nil {
		m.Close()
		t.Fatalf("NewDomain failed: %v", err)
	}
	g := &Guest{T: t, Ctx: ctx, M: m, D: d, nextTable: TableBase}
	t.Cleanup(func() {
		if err := d.Destroy(ctx); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
		m.Close()
	})
	for gfn := uint64(0); gfn < opts.RAMPages; gfn++ {
		if err := d.PopulatePhysmap(ctx, hostarch.GFN(gfn), 0, false); err != nil {
			t.Fatalf("PopulatePhysmap(%#x) failed: %v", gfn, err)
		}
	}
	return g
}

// Vcpu returns vcpu i.
func (g *Guest) Vcpu(i int) *paging.Vcpu {
	g.T.Helper()
	v, err := g.D.Vcpu(i)
	if err != nil {
		g.T.Fatalf("Vcpu(%d) failed: %v", i, err)
	}
	return v
}

// MFN returns the frame backing gfn.
func (g *Guest) MFN(gfn hostarch.GFN) hostarch.MFN {
	g.T.Helper()
	mfn, typ := g.D.P2M.GetEntry(g.Ctx, gfn, p2m.QueryOnly)
	if !typ.IsRAM() {
		g.T.Fatalf("%v is %s, not RAM", gfn, typ)
	}
	return mfn
}

// Load reads entry idx of guest frame gfn in the given shape.
func (g *Guest) Load(shape paging.Shape, gfn hostarch.GFN, idx int) uint64 {
	g.T.Helper()
	return paging.LoadEntry(g.M.Mem, g.MFN(gfn), idx, shape.Wide())
}

// Store writes entry idx of guest frame gfn behind the paging engine's back,
// as DMA would.
func (g *Guest) Store(shape paging.Shape, gfn hostarch.GFN, idx int, val uint64) {
	g.T.Helper()
	paging.StoreEntry(g.M.Mem, g.MFN(gfn), idx, shape.Wide(), val)
}

// AllocTable returns a fresh zeroed guest frame for a page table.
func (g *Guest) AllocTable() hostarch.GFN {
	g.T.Helper()
	gfn := g.nextTable
	g.nextTable++
	g.M.Mem.Clear(g.MFN(gfn))
	return gfn
}

// AddressSpace is a guest page-table tree under construction.
type AddressSpace struct {
	g     *Guest
	Shape paging.Shape
	Root  hostarch.GFN
}

// NewAddressSpace allocates an empty tree of the given depth (2, 3 or 4).
func (g *Guest) NewAddressSpace(levels int) *AddressSpace {
	return &AddressSpace{g: g, Shape: paging.Shape(levels), Root: g.AllocTable()}
}

// CR3 returns the CR3 value that loads the tree.
func (as *AddressSpace) CR3() uint64 {
	return as.Root.Addr()
}

// Control returns paging control state for the tree.
func (as *AddressSpace) Control(nxe bool) paging.Control {
	c := paging.Control{PG: true, NXE: nxe, CR3: as.CR3()}
	switch as.Shape {
	case 3:
		c.PAE = true
	case 4:
		c.PAE, c.LMA = true, true
	}
	return c
}

// entry builds a guest entry for frame gfn.
func (as *AddressSpace) entry(gfn hostarch.GFN, flags uint64) uint64 {
	return gfn.Addr() | flags
}

// table returns the level-1 table below the entry for va at level,
// allocating the tables on the way.
func (as *AddressSpace) table(va hostarch.Addr, level int) (hostarch.GFN, error) {
	s := as.Shape
	gfn := as.Root
	for l := int(s); l > level; l-- {
		idx := s.Index(va, l)
		e := as.g.Load(s, gfn, idx)
		if e&paging.PTEPresent == 0 {
			next := as.g.AllocTable()
			flags := paging.PTEPresent
			if !(s == 3 && l == 3) {
				flags |= paging.PTEWrite | paging.PTEUser | paging.PTEAccessed
			}
			e = as.entry(next, flags)
			as.g.Store(s, gfn, idx, e)
		} else if e&paging.PTEPSE != 0 && l == 2 {
			return 0, fmt.Errorf("%v already mapped by a superpage", va)
		}
		gfn = s.Addr(e)
	}
	return gfn, nil
}

// Map maps va to gfn with the given leaf flags. PTEPresent is implied.
func (as *AddressSpace) Map(va hostarch.Addr, gfn hostarch.GFN, flags uint64) {
	as.g.T.Helper()
	l1, err := as.table(va, 1)
	if err != nil {
		as.g.T.Fatalf("Map(%v): %v", va, err)
	}
	as.g.Store(as.Shape, l1, as.Shape.Index(va, 1), as.entry(gfn, flags|paging.PTEPresent))
}

// MapSuper maps the superpage holding va to the superpage at gfn.
func (as *AddressSpace) MapSuper(va hostarch.Addr, gfn hostarch.GFN, flags uint64) {
	as.g.T.Helper()
	l2, err := as.table(va, 2)
	if err != nil {
		as.g.T.Fatalf("MapSuper(%v): %v", va, err)
	}
	as.g.Store(as.Shape, l2, as.Shape.Index(va, 2), as.entry(gfn, flags|paging.PTEPresent|paging.PTEPSE))
}

// L1 returns the GFN of the l1 table mapping va, which must exist.
func (as *AddressSpace) L1(va hostarch.Addr) hostarch.GFN {
	as.g.T.Helper()
	s := as.Shape
	gfn := as.Root
	for l := int(s); l > 1; l-- {
		e := as.g.Load(s, gfn, s.Index(va, l))
		if e&paging.PTEPresent == 0 || e&paging.PTEPSE != 0 && l == 2 {
			as.g.T.Fatalf("no l1 table maps %v", va)
		}
		gfn = s.Addr(e)
	}
	return gfn
}

// Load points v at the tree.
func (as *AddressSpace) Load(v *paging.Vcpu, nxe bool) {
	as.g.T.Helper()
	if err := v.SetControl(as.g.Ctx, as.Control(nxe)); err != nil {
		as.g.T.Fatalf("SetControl failed: %v", err)
	}
}

// Poll calls cb until it succeeds or timeout expires.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}
