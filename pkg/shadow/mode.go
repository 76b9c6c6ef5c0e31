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
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// mode is the shadow paging mode for one guest paging depth.
//
// Shadow tables always use the long-mode entry format. 4-level guests run
// on an l4 shadow. Everything else runs on the vcpu's monitor table, whose
// first four entries act as a PAE l3 pointing at the shadow l2s.
type mode struct {
	e      *Engine
	levels int
	shape  paging.Shape
}

var (
	_ paging.Mode       = (*mode)(nil)
	_ paging.ShadowMode = (*mode)(nil)
)

func (m *mode) String() string {
	return fmt.Sprintf("shadow/%d", m.levels)
}

// GuestLevels implements paging.Mode.GuestLevels.
func (m *mode) GuestLevels() int {
	return m.levels
}

// ShadowLevels implements paging.ShadowMode.ShadowLevels.
func (m *mode) ShadowLevels() int {
	if m.levels == 4 {
		return 4
	}
	return 3
}

// Shadow implements paging.Mode.Shadow.
func (m *mode) Shadow() paging.ShadowMode {
	return m
}

// topType returns the type of the shadow for guest l3 slot.
func (m *mode) topType(slot int) shadowType {
	switch m.levels {
	case 0:
		return typeUnpaged
	case 2:
		return typeL2x32
	case 3:
		if slot == 3 {
			return typeL2HPAE
		}
		return typeL2PAE
	default:
		return typeL4x64
	}
}

// translateTable translates the GFN of a guest table, populating it.
func (m *mode) translateTable(ctx context.Context, gfn hostarch.GFN) (hostarch.MFN, error) {
	mfn, typ := m.e.d.P2M.GetEntry(ctx, gfn, p2m.QueryGuest)
	switch {
	case typ == p2m.PopulateOnDemand:
		return hostarch.InvalidMFN, fmt.Errorf("d%d: populating guest table %v: %w", m.e.d.ID, gfn, hverr.EAGAIN)
	case !typ.IsRAM():
		return hostarch.InvalidMFN, nil
	}
	return mfn, nil
}

// UpdateCR3 implements paging.Mode.UpdateCR3. Out-of-sync pages are
// resynced and the vcpu switched to the shadows of the new guest tables,
// which are pinned so that switching back is cheap.
func (m *mode) UpdateCR3(ctx context.Context, v *paging.Vcpu) error {
	e := m.e
	c := v.Control()
	var (
		gmfns [4]hostarch.MFN
		gl3e  [4]uint64
	)
	for i := range gmfns {
		gmfns[i] = hostarch.InvalidMFN
	}
	switch m.levels {
	case 2, 4:
		mfn, err := m.translateTable(ctx, hostarch.GFN(c.CR3>>hostarch.PageShift))
		if err != nil {
			return err
		}
		gmfns[0] = mfn
	case 3:
		l3, err := m.translateTable(ctx, hostarch.GFN(c.CR3>>hostarch.PageShift))
		if err != nil {
			return err
		}
		if l3.Valid() {
			base := int(c.CR3&0xfe0) >> 3
			for i := range gl3e {
				gl3e[i] = e.mem.Load(l3, base+i)
				if !present(gl3e[i]) {
					continue
				}
				if gmfns[i], err = m.translateTable(ctx, m.shape.Addr(gl3e[i])); err != nil {
					return err
				}
			}
		}
	}

	defer e.mu.Acquire(ctx).Release()
	st := state(v)
	e.resyncAllLocked(ctx)
	// The tops take at most one chunk.
	if err := e.preallocLocked(ctx, 1<<chunkOrder); err != nil {
		e.d.Pause(fmt.Sprintf("%s: out of shadow memory loading cr3 %#x", v, c.CR3))
		return err
	}
	switch m.levels {
	case 0:
		if top := st.tops[0]; top == nil || top.typ != typeUnpaged {
			if err := m.setTopLocked(ctx, v, st, 0, hostarch.InvalidMFN); err != nil {
				return err
			}
		}
	default:
		for i, gmfn := range gmfns {
			if !gmfn.Valid() {
				e.clearTopLocked(ctx, st, i)
				continue
			}
			if err := m.setTopLocked(ctx, v, st, i, gmfn); err != nil {
				return err
			}
		}
		st.gl3e = gl3e
	}
	m.installTopsLocked(v, st)
	st.vtlb.flush()
	return nil
}

// UpdatePagingModes implements paging.Mode.UpdatePagingModes.
func (m *mode) UpdatePagingModes(ctx context.Context, v *paging.Vcpu) error {
	return m.UpdateCR3(ctx, v)
}

// setTopLocked makes the shadow of gmfn the vcpu's top for slot. The unpaged
// l2 of real mode is not hashed; each vcpu has its own.
//
// +checklocks:e.mu
func (m *mode) setTopLocked(ctx context.Context, v *paging.Vcpu, st *vcpuState, slot int, gmfn hostarch.MFN) error {
	e := m.e
	t := m.topType(slot)
	var (
		p   *page
		err error
	)
	if t == typeUnpaged {
		p, err = e.allocLocked(t, 0)
	} else {
		if old := st.tops[slot]; old != nil && old.typ == t && old.key == uint64(gmfn) {
			e.pinLocked(old)
			return nil
		}
		p, err = e.getOrMakeLocked(ctx, v, t, uint64(gmfn))
	}
	if err != nil {
		e.d.Pause(fmt.Sprintf("%s: out of shadow memory for %v top", v, t))
		return err
	}
	if t != typeUnpaged {
		e.pinLocked(p)
	}
	p.refs++
	e.clearTopLocked(ctx, st, slot)
	st.tops[slot] = p
	return nil
}

// +checklocks:e.mu
func (e *Engine) clearTopLocked(ctx context.Context, st *vcpuState, slot int) {
	if old := st.tops[slot]; old != nil {
		st.tops[slot] = nil
		e.putRefLocked(ctx, old)
	}
}

// installTopsLocked points the hardware at the vcpu's tops.
//
// +checklocks:e.mu
func (m *mode) installTopsLocked(v *paging.Vcpu, st *vcpuState) {
	e := m.e
	if m.levels == 4 {
		if top := st.tops[0]; top != nil {
			v.HW.SetCR3(top.head, 4)
		} else {
			v.HW.SetCR3(hostarch.InvalidMFN, 4)
		}
		return
	}
	mon := st.monitor
	if mon == nil {
		v.HW.SetCR3(hostarch.InvalidMFN, 3)
		return
	}
	for i := 0; i < 4; i++ {
		var top *page
		var k int
		if m.levels == 3 {
			top = st.tops[i]
		} else {
			top, k = st.tops[0], i
		}
		var se uint64
		if top != nil {
			se = uint64(top.frame(k).Addr()) | paging.PTEPresent
		}
		e.mem.Store(mon.head, i, se)
	}
	v.HW.SetCR3(mon.head, 3)
}

// detachLocked drops the vcpu's tops.
//
// +checklocks:e.mu
func (e *Engine) detachLocked(ctx context.Context, v *paging.Vcpu) {
	st := state(v)
	for i := range st.tops {
		e.clearTopLocked(ctx, st, i)
	}
	if st.monitor != nil {
		for i := 0; i < 4; i++ {
			e.mem.Store(st.monitor.head, i, 0)
		}
	}
	st.gl3e = [4]uint64{}
	st.vtlb.flush()
	st.lastWritable.ok = false
	v.HW.SetCR3(hostarch.InvalidMFN, 0)
}

// DetachOldTables implements paging.ShadowMode.DetachOldTables.
func (m *mode) DetachOldTables(ctx context.Context, v *paging.Vcpu) {
	defer m.e.mu.Acquire(ctx).Release()
	m.e.detachLocked(ctx, v)
}

// MakeMonitorTable implements paging.ShadowMode.MakeMonitorTable.
func (m *mode) MakeMonitorTable(ctx context.Context, v *paging.Vcpu) (hostarch.MFN, error) {
	e := m.e
	defer e.mu.Acquire(ctx).Release()
	if err := e.preallocLocked(ctx, 1); err != nil {
		return hostarch.InvalidMFN, err
	}
	p, err := e.allocLocked(typeMonitor, 0)
	if err != nil {
		return hostarch.InvalidMFN, err
	}
	state(v).monitor = p
	return p.head, nil
}

// DestroyMonitorTable implements paging.ShadowMode.DestroyMonitorTable.
func (m *mode) DestroyMonitorTable(ctx context.Context, v *paging.Vcpu, mfn hostarch.MFN) {
	e := m.e
	defer e.mu.Acquire(ctx).Release()
	p, ok := e.pages[mfn]
	if !ok || p.typ != typeMonitor {
		panic(fmt.Sprintf("%s: destroying %v as a monitor table", v, mfn))
	}
	if st := state(v); st.monitor == p {
		st.monitor = nil
	}
	e.freeLocked(p)
}

// WriteP2MEntry implements paging.Mode.WriteP2MEntry. Shadows of frames
// that changed are dropped; a changed intermediate table drops everything.
func (m *mode) WriteP2MEntry(ctx context.Context, v *paging.Vcpu, gfn hostarch.GFN, level int, prev, next p2m.Entry) {
	e := m.e
	defer e.mu.Acquire(ctx).Release()
	e.dirtyVersion.Add(1)

	span := hostarch.PagesForOrder(uint(9 * (level - 1)))
	base := hostarch.GFN(uint64(gfn) &^ (span - 1))
	prevLeaf := level == 1 || prev.Superpage()
	nextTable := level > 1 && next.Present() && !next.Superpage()
	switch {
	case prevLeaf && nextTable:
		// A split keeps every translation.
	case prevLeaf:
		pmfn, ptyp := prev.Unpack()
		nmfn, ntyp := next.Unpack()
		if ptyp == p2m.MMIODM {
			e.removeMagicLocked(base, span)
		}
		if !pmfn.Valid() || pmfn == nmfn && ptyp == ntyp {
			return
		}
		e.removeAllMappingsLocked(pmfn, span)
		for i := uint64(0); i < span; i++ {
			if f := pmfn.Add(i); e.ledger.Tracks(f) && e.ledger.Info(f).ShadowFlags() != 0 {
				e.removeShadowsLocked(ctx, f)
			}
		}
		e.flushAllLocked()
	case prev.Present():
		e.blowLocked(ctx)
	}
}

// WriteGuestEntry implements paging.Mode.WriteGuestEntry.
func (m *mode) WriteGuestEntry(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, idx int, val uint64) bool {
	if m.levels == 0 {
		return false
	}
	e := m.e
	defer e.mu.Acquire(ctx).Release()
	paging.StoreEntry(e.mem, gmfn, idx, m.shape.Wide(), val)
	m.guestWroteLocked(ctx, v, gmfn, idx*m.shape.EntryBytes(), m.shape.EntryBytes())
	return true
}

// CmpxchgGuestEntry implements paging.Mode.CmpxchgGuestEntry.
func (m *mode) CmpxchgGuestEntry(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, idx int, old *uint64, val uint64) bool {
	if m.levels == 0 {
		return false
	}
	e := m.e
	defer e.mu.Acquire(ctx).Release()
	wide := m.shape.Wide()
	if !paging.CASEntry(e.mem, gmfn, idx, wide, *old, val) {
		*old = paging.LoadEntry(e.mem, gmfn, idx, wide)
		return false
	}
	m.guestWroteLocked(ctx, v, gmfn, idx*m.shape.EntryBytes(), m.shape.EntryBytes())
	return true
}

// guestWroteLocked follows a write of bytes at off in guest frame gmfn.
//
// +checklocks:e.mu
func (m *mode) guestWroteLocked(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, off, bytes int) {
	e := m.e
	shadowed := e.ledger.Info(gmfn).ShadowFlags() != 0
	e.validateWriteLocked(ctx, v, gmfn, off, bytes)
	e.dirtyVersion.Add(1)
	e.d.MarkDirty(ctx, gmfn)
	if shadowed {
		e.flushAllLocked()
	}
}

// emulateLocked performs a guest write to a shadowed page table.
//
// +checklocks:e.mu
func (m *mode) emulateLocked(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, w *paging.Write) {
	e := m.e
	wide := w.Bytes == 8
	off := int(w.VA.PageOffset())
	idx := off / w.Bytes
	if w.CmpXchg {
		cur := paging.LoadEntry(e.mem, gmfn, idx, wide)
		if cur != w.Old || !paging.CASEntry(e.mem, gmfn, idx, wide, cur, w.Value) {
			w.Old = paging.LoadEntry(e.mem, gmfn, idx, wide)
			w.Done = true
			return
		}
	} else {
		paging.StoreEntry(e.mem, gmfn, idx, wide, w.Value)
	}
	w.Done = true
	m.guestWroteLocked(ctx, v, gmfn, off, w.Bytes)
	e.stats.emulations++
	v.LastWriteEmulOK = true
}

// emulate performs w for a vcpu whose write to w.VA trapped.
func (m *mode) emulate(ctx context.Context, v *paging.Vcpu, w *paging.Write) error {
	if w.Bytes != 4 && w.Bytes != 8 || uint64(w.VA)%uint64(w.Bytes) != 0 {
		return fmt.Errorf("%s: %d-byte write at %v: %w", v, w.Bytes, w.VA, hverr.EINVAL)
	}
	pfec := uint32(hostarch.PFECWrite)
	gfn := m.GvaToGfn(ctx, v, w.VA, &pfec)
	if gfn == hostarch.InvalidGFN {
		return &paging.GuestFault{VA: w.VA, PFEC: pfec}
	}
	mfn, typ := m.e.d.P2M.GetEntry(ctx, gfn, p2m.QueryGuest)
	switch {
	case typ == p2m.PopulateOnDemand:
		return fmt.Errorf("%s: populating %v: %w", v, gfn, hverr.EAGAIN)
	case !typ.IsRAM():
		return &paging.MMIOExit{VA: w.VA, GFN: gfn}
	case typ.IsReadOnly():
		w.Done = true
		return nil
	}
	defer m.e.mu.Acquire(ctx).Release()
	m.emulateLocked(ctx, v, mfn, w)
	return nil
}

// EmulateWrite implements paging.ShadowMode.EmulateWrite.
func (m *mode) EmulateWrite(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, val uint64, bytes int) error {
	return m.emulate(ctx, v, &paging.Write{VA: va, Value: val, Bytes: bytes})
}

// EmulateCmpxchg implements paging.ShadowMode.EmulateCmpxchg.
func (m *mode) EmulateCmpxchg(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, old, val uint64, bytes int) error {
	return m.emulate(ctx, v, &paging.Write{VA: va, Value: val, Bytes: bytes, CmpXchg: true, Old: old})
}

// GuessWrmap implements paging.ShadowMode.GuessWrmap.
func (m *mode) GuessWrmap(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, gmfn hostarch.MFN) bool {
	e := m.e
	defer e.mu.Acquire(ctx).Release()
	if !e.guessWrmapLocked(v, va, gmfn) {
		return false
	}
	e.flushAllLocked()
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

// GvaToGfn implements paging.Mode.GvaToGfn.
func (m *mode) GvaToGfn(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, pfec *uint32) hostarch.GFN {
	if m.levels == 0 {
		return hostarch.GFN(va >> hostarch.PageShift)
	}
	e := m.e
	st := state(v)
	g := e.mu.Acquire(ctx)
	if gfn, ok := st.vtlb.lookup(va, *pfec); ok {
		g.Release()
		return gfn
	}
	gen := st.vtlb.gen
	g.Release()

	at := hostarch.AccessFromPFEC(*pfec)
	w, fault, err := v.WalkGuest(ctx, va, at)
	if err != nil {
		e.warn.Warningf("%s: translating %v: %v", v, va, err)
		*pfec = at.PFEC(false)
		return hostarch.InvalidGFN
	}
	if fault != nil {
		*pfec = fault.PFEC
		return hostarch.InvalidGFN
	}
	defer e.mu.Acquire(ctx).Release()
	if st.vtlb.gen == gen {
		st.vtlb.insert(va, *pfec, w.GFN)
	}
	return w.GFN
}
