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
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// mode is the HAP mode object for one guest paging depth. The hardware
// walks the guest tables itself, so most operations only touch the
// control block.
type mode struct {
	e      *Engine
	levels int
	shape  paging.Shape
}

var _ paging.Mode = (*mode)(nil)

// String implements fmt.Stringer.String.
func (m *mode) String() string {
	if m.levels == 0 {
		return "hap real mode"
	}
	return fmt.Sprintf("hap %d-level", m.levels)
}

// GuestLevels implements paging.Mode.GuestLevels.
func (m *mode) GuestLevels() int {
	return m.levels
}

// Shadow implements paging.Mode.Shadow.
func (m *mode) Shadow() paging.ShadowMode {
	return nil
}

// PageFault implements paging.Mode.PageFault. The hardware delivers guest
// page faults straight to the guest; one that reaches here is handed back.
func (m *mode) PageFault(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, regs *paging.Regs) (bool, error) {
	m.e.warn.Warningf("%s: unexpected page fault at %v (pfec %#x)", v, va, regs.PFEC)
	regs.InjectPFEC = regs.PFEC
	return false, nil
}

// Invlpg implements paging.Mode.Invlpg.
func (m *mode) Invlpg(ctx context.Context, v *paging.Vcpu, va hostarch.Addr) bool {
	return true
}

// GvaToGfn implements paging.Mode.GvaToGfn.
func (m *mode) GvaToGfn(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, pfec *uint32) hostarch.GFN {
	if m.levels == 0 {
		return hostarch.GFN(va >> hostarch.PageShift)
	}
	at := hostarch.AccessFromPFEC(*pfec)
	w, fault, err := v.WalkGuest(ctx, va, at)
	if err != nil {
		m.e.warn.Warningf("%s: translating %v: %v", v, va, err)
		*pfec = at.PFEC(false)
		return hostarch.InvalidGFN
	}
	if fault != nil {
		*pfec = fault.PFEC
		return hostarch.InvalidGFN
	}
	return w.GFN
}

// UpdateCR3 implements paging.Mode.UpdateCR3. The nested table is the P2M;
// only the guest's CR3 changes.
func (m *mode) UpdateCR3(ctx context.Context, v *paging.Vcpu) error {
	v.HW.SetNested(true, m.e.d.P2M.Root(), v.Control().CR3)
	v.HW.FlushTLB()
	return nil
}

// UpdatePagingModes implements paging.Mode.UpdatePagingModes.
func (m *mode) UpdatePagingModes(ctx context.Context, v *paging.Vcpu) error {
	if mon := state(v).monitor; v.HW.State().HostCR3 != mon {
		v.HW.SetHostCR3(mon)
	}
	return m.UpdateCR3(ctx, v)
}

// WriteP2MEntry implements paging.Mode.WriteP2MEntry. Cached translations
// are dropped when an entry loses its frame or permissions: narrowly for a
// leaf, everywhere when a table goes or the memory type changes.
func (m *mode) WriteP2MEntry(ctx context.Context, v *paging.Vcpu, gfn hostarch.GFN, level int, prev, next p2m.Entry) {
	if !prev.Present() {
		return
	}
	e := m.e
	table := func(x p2m.Entry) bool { return level > 1 && x.Present() && !x.Superpage() }
	if prev.Superpage() && table(next) {
		// A split keeps every translation.
		return
	}
	defer e.mu.Acquire(ctx).Release()
	switch {
	case table(prev), next.Present() && prev.EMT() != next.EMT():
		e.flushAllLocked()
	case !next.Present(), prev.MFN() != next.MFN(), prev.Writable() && !next.Writable():
		e.flushRangeLocked(gfn, uint(9*(level-1)))
	}
}

// WriteGuestEntry implements paging.Mode.WriteGuestEntry. Guest tables are
// not write-protected, so the entry is just stored.
func (m *mode) WriteGuestEntry(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, idx int, val uint64) bool {
	if m.levels == 0 {
		return false
	}
	paging.StoreEntry(m.e.mem, gmfn, idx, m.shape.Wide(), val)
	m.e.d.MarkDirty(ctx, gmfn)
	return true
}

// CmpxchgGuestEntry implements paging.Mode.CmpxchgGuestEntry.
func (m *mode) CmpxchgGuestEntry(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, idx int, old *uint64, val uint64) bool {
	if m.levels == 0 {
		return false
	}
	wide := m.shape.Wide()
	if !paging.CASEntry(m.e.mem, gmfn, idx, wide, *old, val) {
		*old = paging.LoadEntry(m.e.mem, gmfn, idx, wide)
		return false
	}
	m.e.d.MarkDirty(ctx, gmfn)
	return true
}

// GuestMapL1E implements paging.Mode.GuestMapL1E.
func (m *mode) GuestMapL1E(ctx context.Context, v *paging.Vcpu, va hostarch.Addr) (hostarch.MFN, int, bool) {
	if m.levels == 0 {
		return hostarch.InvalidMFN, 0, false
	}
	w, ok := v.LookupGuest(ctx, va)
	if !ok || w.Leaf() != 1 {
		return hostarch.InvalidMFN, 0, false
	}
	return w.Tables[1], w.Index[1], true
}

// GuestGetEffL1E implements paging.Mode.GuestGetEffL1E.
func (m *mode) GuestGetEffL1E(ctx context.Context, v *paging.Vcpu, va hostarch.Addr) uint64 {
	w, ok := v.LookupGuest(ctx, va)
	if !ok {
		return 0
	}
	return w.L1E()
}
