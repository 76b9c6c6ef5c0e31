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

	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// leafFlags are the shadow flags of every leaf type.
var leafFlags = func() uint32 {
	var f uint32
	for _, t := range leafTypes {
		f |= t.flag()
	}
	return f
}()

// nxe returns true if NX bits in guest entries are honoured.
//
// +checklocks:e.mu
func (e *Engine) nxe(v *paging.Vcpu) bool {
	if v != nil {
		return v.Control().NXE
	}
	for _, v := range e.vcpus {
		if v.Control().NXE {
			return true
		}
	}
	return false
}

// leafLocked computes the shadow l1 entry for the guest leaf ge, which must
// be in the 64-bit layout. It takes the frame references the entry records.
//
// The entry is writable only if the guest entry is writable and dirty, the
// P2M type allows writes, the frame is not a shadowed page table and, under
// log-dirty, the frame is already dirty.
//
// +checklocks:e.mu
func (e *Engine) leafLocked(ctx context.Context, ge uint64, nxe bool) uint64 {
	if !present(ge) {
		return 0
	}
	gfn := hostarch.GFN(entryMFN(ge))
	mfn, typ := e.d.P2M.GetEntry(ctx, gfn, p2m.QueryOnly)
	var nx uint64
	if nxe {
		nx = ge & paging.PTENX
	}
	switch {
	case typ == p2m.MMIODM:
		if e.fastMMIO {
			return magic(gfn)
		}
		return 0
	case typ == p2m.MMIODirect:
		return uint64(mfn.Addr())&entryAddrMask | paging.PTEPresent | ge&(leafKeep|paging.PTEWrite) | nx
	case !typ.IsRAM() && !typ.IsGrant():
		return 0
	}
	if !e.ledger.Tracks(mfn) {
		return 0
	}
	se := uint64(mfn.Addr())&entryAddrMask | paging.PTEPresent | ge&leafKeep | nx
	rw := ge&paging.PTEWrite != 0 && ge&paging.PTEDirty != 0 && !typ.IsReadOnly()
	info := e.ledger.Info(mfn)
	if typ.IsRAM() {
		if !info.GetPage(e.d.ID) {
			return 0
		}
		se |= entryRef
		if rw && info.ShadowFlags() != 0 && !info.TestFlags(frame.FlagOutOfSync) {
			rw = false
		}
		if rw && e.d.Flags().LogDirty() && !e.d.LogDirty.IsDirty(ctx, gfn) {
			rw = false
		}
	}
	if rw && info.GetType(frame.TypeWritable) {
		se |= paging.PTEWrite | entryWriteRef
	}
	return se
}

// dropLeafLocked releases the references a present leaf entry holds.
//
// +checklocks:e.mu
func (e *Engine) dropLeafLocked(se uint64) {
	if se&(entryRef|entryWriteRef) == 0 {
		return
	}
	info := e.ledger.Info(entryMFN(se))
	if se&entryWriteRef != 0 {
		info.PutType()
	}
	if se&entryRef != 0 {
		info.PutPage()
	}
}

// writeLeafLocked stores leaf entry i of p. Writable mappings of an
// out-of-sync page are recorded so that the resync can find them.
//
// +checklocks:e.mu
func (e *Engine) writeLeafLocked(v *paging.Vcpu, p *page, i int, se uint64) {
	f, idx := p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable
	old := e.mem.Load(f, idx)
	e.mem.Store(f, idx, se)
	if present(old) {
		e.dropLeafLocked(old)
	}
	if se&paging.PTEWrite == 0 {
		return
	}
	if v != nil {
		lw := &state(v).lastWritable
		lw.frame, lw.idx, lw.ok = f, idx, true
	}
	if rec := e.oosLookupLocked(entryMFN(se)); rec != nil {
		rec.addFixup(f, idx)
	}
}

// guestLeaf widens a guest l1 entry to the 64-bit layout.
func guestLeaf(shape paging.Shape, ge uint64) uint64 {
	if shape.Wide() {
		return ge
	}
	return ge & 0xffffffff
}

// tableEntryLocked computes entry k of the shadow entries standing for guest
// entry ge in a non-leaf shadow of type t. Missing children are not
// created; the entry stays empty until a fault needs it.
//
// +checklocks:e.mu
func (e *Engine) tableEntryLocked(ctx context.Context, t shadowType, ge uint64, k int, nxe bool) uint64 {
	if !present(ge) {
		return 0
	}
	shape := t.info().shape
	var child *page
	if ge&paging.PTEPSE != 0 {
		if t.info().level != 2 {
			return 0
		}
		span := uint64(1) << (shape.SuperShift() - hostarch.PageShift)
		base := uint64(shape.Addr(ge)) &^ (span - 1)
		child = e.hash.lookup(base, childType(t, true))
	} else {
		mfn, typ := e.d.P2M.GetEntry(ctx, shape.Addr(ge), p2m.QueryOnly)
		if !typ.IsRAM() {
			return 0
		}
		child = e.hash.lookup(uint64(mfn), childType(t, false))
	}
	if child == nil {
		return 0
	}
	return uint64(child.frame(k).Addr()) | tableFlags | tablePerms(ge, nxe)
}

// tablePerms returns the permission bits a non-leaf shadow entry copies from
// the guest entry.
func tablePerms(ge uint64, nxe bool) uint64 {
	perms := ge & (paging.PTEWrite | paging.PTEUser)
	if nxe {
		perms |= ge & paging.PTENX
	}
	return perms
}

// validateEntryLocked recomputes the shadow entries for guest entry gi of
// the table p shadows.
//
// +checklocks:e.mu
func (e *Engine) validateEntryLocked(ctx context.Context, v *paging.Vcpu, p *page, gi int) {
	shape := p.typ.info().shape
	ge := paging.LoadEntry(e.mem, hostarch.MFN(p.key), gi, shape.Wide())
	nxe := e.nxe(v)
	if p.typ.isL1() {
		e.writeLeafLocked(nil, p, gi, e.leafLocked(ctx, guestLeaf(shape, ge), nxe))
		return
	}
	first, n := slots(p.typ, gi)
	for k := 0; k < n; k++ {
		e.setTableEntryLocked(ctx, p, first+k, e.tableEntryLocked(ctx, p.typ, ge, k, nxe))
	}
}

// validateWriteLocked brings the shadows of gmfn up to date after the guest
// wrote bytes at off.
//
// +checklocks:e.mu
func (e *Engine) validateWriteLocked(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN, off, bytes int) {
	flags := e.ledger.Info(gmfn).ShadowFlags()
	if flags == 0 {
		return
	}
	for t := typeNone + 1; t < numShadowTypes; t++ {
		if flags&t.flag() == 0 || !t.shadowsTable() {
			continue
		}
		p := e.hash.lookup(uint64(gmfn), t)
		if p == nil {
			continue
		}
		eb := t.info().shape.EntryBytes()
		for o := off &^ (eb - 1); o < off+bytes; o += eb {
			e.validateEntryLocked(ctx, v, p, o/eb)
		}
	}
}

// downgradeLocked makes the leaf at (f, idx) read-only if it is a writable
// mapping of gmfn.
//
// +checklocks:e.mu
func (e *Engine) downgradeLocked(f hostarch.MFN, idx int, gmfn hostarch.MFN) bool {
	if p, ok := e.pages[f]; !ok || !p.typ.isL1() {
		return false
	}
	se := e.mem.Load(f, idx)
	if !present(se) || se&paging.PTEWrite == 0 || entryMFN(se) != gmfn {
		return false
	}
	e.mem.Store(f, idx, se&^(paging.PTEWrite|entryWriteRef))
	if se&entryWriteRef != 0 {
		e.ledger.Info(gmfn).PutType()
	}
	return true
}

// writable returns true while some mapping of gmfn holds a writable type
// reference.
func (e *Engine) writable(gmfn hostarch.MFN) bool {
	t, n := e.ledger.Info(gmfn).Type()
	return t == frame.TypeWritable && n != 0
}

// guessVA returns where a guest kernel is likely to map gfn writable.
func guessVA(levels int, gfn hostarch.GFN) (hostarch.Addr, bool) {
	off := uint64(gfn) << hostarch.PageShift
	switch levels {
	case 4:
		// The Linux direct map.
		return hostarch.Addr(0xffff888000000000 + off), true
	case 2, 3:
		if off < 0x40000000 {
			return hostarch.Addr(0xc0000000 + off), true
		}
	}
	return 0, false
}

// removeWriteAccessLocked makes every shadow mapping of gmfn read-only,
// trying the cheap places first.
//
// +checklocks:e.mu
func (e *Engine) removeWriteAccessLocked(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN) {
	if !e.writable(gmfn) {
		return
	}
	defer e.flushAllLocked()

	for _, w := range e.vcpus {
		lw := &state(w).lastWritable
		if lw.ok && e.downgradeLocked(lw.frame, lw.idx, gmfn) {
			lw.ok = false
			e.stats.wrmapCached++
			if !e.writable(gmfn) {
				return
			}
		}
	}

	if v != nil {
		if va, ok := guessVA(v.Control().Levels(), e.ledger.GFN(gmfn)); ok && e.guessWrmapLocked(v, va, gmfn) {
			e.stats.wrmapGuess++
			if !e.writable(gmfn) {
				return
			}
		}
	}

	e.stats.bruteForce++
	e.hash.foreach(leafFlags, func(p *page) bool {
		for i := 0; i < p.typ.entries(); i++ {
			e.downgradeLocked(p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable, gmfn)
		}
		return !e.writable(gmfn)
	})
	if e.writable(gmfn) {
		e.warn.Warningf("%v still writable after removing shadow mappings", gmfn)
	}
}

// shadowL1Locked finds the shadow leaf entry the hardware would use for va.
//
// +checklocks:e.mu
func (e *Engine) shadowL1Locked(v *paging.Vcpu, va hostarch.Addr) (hostarch.MFN, int, bool) {
	hw := v.HW.State()
	if !hw.CR3.Valid() {
		return hostarch.InvalidMFN, 0, false
	}
	levels := hw.CR3Levels
	if levels < 4 && va >= 1<<32 || levels == 4 && va >= 1<<48 {
		return hostarch.InvalidMFN, 0, false
	}
	table := hw.CR3
	for level := levels; level > 1; level-- {
		idx := int(va>>(hostarch.PageShift+9*uint(level-1))) & 511
		if levels == 3 && level == 3 {
			idx = int(va>>30) & 3
		}
		se := e.mem.Load(table, idx)
		if !present(se) {
			return hostarch.InvalidMFN, 0, false
		}
		table = entryMFN(se)
	}
	return table, int(va>>hostarch.PageShift) & 511, true
}

// guessWrmapLocked downgrades the mapping at va if it is a writable mapping
// of gmfn.
//
// +checklocks:e.mu
func (e *Engine) guessWrmapLocked(v *paging.Vcpu, va hostarch.Addr, gmfn hostarch.MFN) bool {
	f, idx, ok := e.shadowL1Locked(v, va)
	if !ok {
		return false
	}
	return e.downgradeLocked(f, idx, gmfn)
}

// removeAllMappingsLocked clears every shadow leaf that maps one of the n
// frames from mfn.
//
// +checklocks:e.mu
func (e *Engine) removeAllMappingsLocked(mfn hostarch.MFN, n uint64) {
	referenced := false
	for i := uint64(0); i < n && !referenced; i++ {
		f := mfn.Add(i)
		referenced = !e.ledger.Tracks(f) || e.ledger.Info(f).Count() != 0
	}
	if !referenced {
		return
	}
	e.hash.foreach(leafFlags, func(p *page) bool {
		for i := 0; i < p.typ.entries(); i++ {
			se := e.entryAt(p, i)
			if present(se) && entryMFN(se) >= mfn && uint64(entryMFN(se)-mfn) < n {
				e.mem.Store(p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable, 0)
				e.dropLeafLocked(se)
			}
		}
		return false
	})
}

// removeMagicLocked clears the magic entries of n GFNs from gfn.
//
// +checklocks:e.mu
func (e *Engine) removeMagicLocked(gfn hostarch.GFN, n uint64) {
	if !e.fastMMIO {
		return
	}
	e.hash.foreach(leafFlags, func(p *page) bool {
		for i := 0; i < p.typ.entries(); i++ {
			if g, ok := magicGFN(e.entryAt(p, i)); ok && g >= gfn && uint64(g-gfn) < n {
				e.mem.Store(p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable, 0)
			}
		}
		return false
	})
}
