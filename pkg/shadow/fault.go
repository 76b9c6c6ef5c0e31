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
	"errors"
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// errRetry abandons a fault whose guest walk went stale. The access faults
// again and walks afresh.
var errRetry = errors.New("shadow build raced with a guest table write")

// PageFault implements paging.Mode.PageFault.
func (m *mode) PageFault(ctx context.Context, v *paging.Vcpu, va hostarch.Addr, regs *paging.Regs) (bool, error) {
	e := m.e
	at := hostarch.AccessFromPFEC(regs.PFEC)

	if e.fastMMIO && regs.PFEC&hostarch.PFECPresent == 0 {
		g := e.mu.Acquire(ctx)
		gfn, ok := e.magicAtLocked(v, va)
		if ok {
			e.stats.fastMMIO++
		}
		g.Release()
		if ok {
			regs.MMIO = gfn
			faultResults.Increment(e.label, "mmio")
			return true, nil
		}
	}

	version := e.dirtyVersion.Load()
	if m.levels == 0 && va >= 1<<32 {
		regs.InjectPFEC = at.PFEC(false)
		faultResults.Increment(e.label, "guest")
		return false, nil
	}
	w, fault, err := v.WalkGuest(ctx, va, at)
	if err != nil {
		return false, err
	}
	if fault != nil {
		regs.InjectPFEC = fault.PFEC
		v.LastWriteWasPT = false
		faultResults.Increment(e.label, "guest")
		return false, nil
	}

	gfn := w.GFN
	mfn, typ := e.d.P2M.GetEntry(ctx, gfn, p2m.QueryGuest)
	switch {
	case typ == p2m.PopulateOnDemand:
		return false, fmt.Errorf("%s: populating %v: %w", v, gfn, hverr.EAGAIN)
	case at.Write && typ == p2m.RAMLogDirty:
		typ, err = e.d.P2M.ChangeType(ctx, gfn, p2m.RAMLogDirty, p2m.RAMRW)
		if err != nil {
			return false, fmt.Errorf("%s: %w", v, err)
		}
		if typ == p2m.RAMLogDirty {
			typ = p2m.RAMRW
		}
		e.d.LogDirty.CountFault(ctx)
		e.d.LogDirty.MarkDirtyGFN(ctx, gfn)
	case at.Write && typ.IsReadOnly():
		// Writes to read-only RAM are dropped.
		if regs.Pending != nil {
			regs.Pending.Done = true
		}
		faultResults.Increment(e.label, "fixed")
		return true, nil
	}

	g := e.mu.Acquire(ctx)
	defer g.Release()
	e.stats.faults++
	if e.dirtyVersion.Load() != version {
		faultResults.Increment(e.label, "retry")
		return true, nil
	}
	st := state(v)

	leaf := w.Leaf()
	if m.levels != 0 {
		if leaf == 1 {
			if rec := e.oosLookupLocked(w.Tables[1]); rec != nil {
				e.resyncEntryLocked(ctx, v, rec, w.Index[1])
			}
		}
		if paging.LoadEntry(e.mem, w.Tables[leaf], w.Index[leaf], m.shape.Wide()) != w.Entries[leaf] {
			faultResults.Increment(e.label, "retry")
			return true, nil
		}
	}

	if err := e.preallocLocked(ctx, preallocPages); err != nil {
		return false, e.oomLocked(v, va, err)
	}
	l1, idx, err := m.buildLocked(ctx, v, st, &w)
	switch {
	case err == errRetry:
		faultResults.Increment(e.label, "retry")
		return true, nil
	case err != nil:
		return false, e.oomLocked(v, va, err)
	}

	if at.Write && typ.IsRAM() && e.isShadowedLocked(mfn) {
		switch {
		case leaf == 1 && e.canUnsyncLocked(mfn) && !e.isTopGMFNLocked(mfn) && e.unsyncLocked(ctx, v, mfn):
			faultResults.Increment(e.label, "unsynced")
		case regs.Pending != nil:
			m.emulateLocked(ctx, v, mfn, regs.Pending)
			v.LastWriteWasPT = true
			m.unshadowHeuristicLocked(ctx, v, mfn)
			faultResults.Increment(e.label, "emulated")
			return true, nil
		default:
			e.removeShadowsLocked(ctx, mfn)
		}
	} else if at.Write {
		v.LastWriteWasPT = false
	}

	if at.Write && typ.IsRAM() && e.d.Flags().LogDirty() && !e.d.LogDirty.IsDirty(ctx, gfn) {
		e.d.LogDirty.CountFault(ctx)
		e.d.LogDirty.MarkDirtyGFN(ctx, gfn)
	}

	var ge uint64
	if m.levels == 0 || leaf != 1 {
		ge = w.L1E()
	} else {
		ge = guestLeaf(m.shape, w.Entries[1])
	}
	e.writeLeafLocked(v, l1, idx, e.leafLocked(ctx, ge, e.nxe(v)))
	st.vtlb.flushPage(va)

	if !typ.IsRAM() && !typ.IsGrant() && typ != p2m.MMIODirect {
		regs.MMIO = gfn
		faultResults.Increment(e.label, "mmio")
		return true, nil
	}
	faultResults.Increment(e.label, "fixed")
	return true, nil
}

// oomLocked pauses the domain after the pool ran dry during a fault.
//
// +checklocks:e.mu
func (e *Engine) oomLocked(v *paging.Vcpu, va hostarch.Addr, err error) error {
	faultResults.Increment(e.label, "oom")
	e.d.Pause(fmt.Sprintf("%s: out of shadow memory at %v", v, va))
	return err
}

// isShadowedLocked returns true if gmfn is a guest page table with shadows
// kept in sync.
//
// +checklocks:e.mu
func (e *Engine) isShadowedLocked(gmfn hostarch.MFN) bool {
	if !e.ledger.Tracks(gmfn) {
		return false
	}
	info := e.ledger.Info(gmfn)
	return info.ShadowFlags() != 0 && !info.TestFlags(frame.FlagOutOfSync)
}

// magicAtLocked returns the GFN of the magic entry the hardware hit at va.
// Out-of-sync l1s may hold stale entries and are skipped.
//
// +checklocks:e.mu
func (e *Engine) magicAtLocked(v *paging.Vcpu, va hostarch.Addr) (hostarch.GFN, bool) {
	f, idx, ok := e.shadowL1Locked(v, va)
	if !ok {
		return hostarch.InvalidGFN, false
	}
	p, ok := e.pages[f]
	if !ok || !p.typ.isL1() {
		return hostarch.InvalidGFN, false
	}
	if p.typ.shadowsTable() && e.ledger.Info(hostarch.MFN(p.key)).TestFlags(frame.FlagOutOfSync) {
		return hostarch.InvalidGFN, false
	}
	return magicGFN(e.mem.Load(f, idx))
}

// unshadowHeuristicLocked drops the shadows of gmfn when the guest writes it
// twice in a row. Such a page is more likely being reused as data than
// edited as a page table.
//
// +checklocks:e.mu
func (m *mode) unshadowHeuristicLocked(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN) {
	e := m.e
	if v.LastWriteGMFN != gmfn {
		v.LastWriteGMFN = gmfn
		return
	}
	v.LastWriteGMFN = hostarch.InvalidMFN
	if e.isTopGMFNLocked(gmfn) {
		return
	}
	if e.removeShadowsLocked(ctx, gmfn) {
		e.stats.unshadows++
		unshadows.Increment(e.label)
		e.log.Debugf("%s: unshadowed %v after repeated writes", v, gmfn)
	}
}

// buildLocked makes the shadow tables v runs on reach a leaf shadow for
// w.VA, creating what is missing. It returns the leaf shadow and the index
// of va's entry in it.
//
// +checklocks:e.mu
func (m *mode) buildLocked(ctx context.Context, v *paging.Vcpu, st *vcpuState, w *paging.Walk) (*page, int, error) {
	e := m.e
	va := w.VA
	nxe := e.nxe(v)

	slot := 0
	var topKey hostarch.MFN
	switch m.levels {
	case 3:
		slot = int(va>>30) & 3
		topKey = w.Tables[2]
	case 2:
		topKey = w.Tables[2]
	case 4:
		topKey = w.Tables[4]
	}
	top := st.tops[slot]
	if top == nil || m.levels != 0 && (top.key != uint64(topKey) || top.typ != m.topType(slot)) {
		if err := m.setTopLocked(ctx, v, st, slot, topKey); err != nil {
			return nil, 0, err
		}
		m.installTopsLocked(v, st)
		top = st.tops[slot]
	}

	if m.levels == 0 {
		key := uint64(w.GFN) &^ (hostarch.EntriesPerTable - 1)
		child, err := e.getOrMakeLocked(ctx, v, typeFL1Unpaged, key)
		if err != nil {
			return nil, 0, err
		}
		se := uint64(child.head.Addr()) | tableFlags | paging.PTEWrite | paging.PTEUser
		e.setTableEntryLocked(ctx, top, int(va>>hostarch.HugePageShift)&2047, se)
		return child, int(uint64(w.GFN) - key), nil
	}

	p := top
	for level := m.levels; level >= 2; level-- {
		if m.levels == 3 && level == 3 {
			continue
		}
		ge := w.Entries[level]
		super := level == 2 && w.Superpage == 2
		ct := childType(p.typ, super)
		var (
			key uint64
			k   int
		)
		if super {
			span := uint64(1) << (m.shape.SuperShift() - hostarch.PageShift)
			key = uint64(w.GFN) &^ (span - 1)
		} else {
			key = uint64(w.Tables[level-1])
		}
		first, _ := slots(p.typ, w.Index[level])
		if p.typ == typeL2x32 {
			k = int(va>>hostarch.HugePageShift) & 1
		}
		child, err := e.getOrMakeLocked(ctx, v, ct, key)
		if err != nil {
			return nil, 0, err
		}
		if p.dead {
			// Making the child resynced or write-protected its way
			// into tearing down the path.
			return nil, 0, errRetry
		}
		se := uint64(child.frame(k).Addr()) | tableFlags | tablePerms(ge, nxe)
		e.setTableEntryLocked(ctx, p, first+k, se)

		if ct.isL1() {
			if super {
				return child, int(uint64(w.GFN) - key), nil
			}
			return child, w.Index[1], nil
		}
		p = child
	}
	panic(fmt.Sprintf("%s: shadow walk for %v found no leaf", v, va))
}

// Invlpg implements paging.Mode.Invlpg. An out-of-sync l1 mapping va is
// brought back in sync. It returns false if no shadow maps va, in which
// case there is nothing to flush.
func (m *mode) Invlpg(ctx context.Context, v *paging.Vcpu, va hostarch.Addr) bool {
	if m.levels == 0 {
		return false
	}
	e := m.e
	w, mapped := v.LookupGuest(ctx, va)

	defer e.mu.Acquire(ctx).Release()
	st := state(v)
	st.vtlb.flushPage(va)
	if mapped && w.Leaf() == 1 {
		if rec := e.oosLookupLocked(w.Tables[1]); rec != nil {
			e.resyncLocked(ctx, rec)
		}
	}
	_, _, ok := e.shadowL1Locked(v, va)
	return ok
}
