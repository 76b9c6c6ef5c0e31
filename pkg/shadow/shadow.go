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

	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/paging"
)

// entryAt returns shadow entry i of p.
//
// +checklocks:e.mu
func (e *Engine) entryAt(p *page, i int) uint64 {
	return e.mem.Load(p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable)
}

// childOf returns the shadow a non-leaf entry points at.
//
// +checklocks:e.mu
func (e *Engine) childOf(se uint64) *page {
	if !present(se) {
		return nil
	}
	return e.pages[entryMFN(se)]
}

// setTableEntryLocked replaces non-leaf entry i of p, moving the reference
// from the old child to the new one.
//
// +checklocks:e.mu
func (e *Engine) setTableEntryLocked(ctx context.Context, p *page, i int, se uint64) {
	f, idx := p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable
	old := e.mem.Load(f, idx)
	if old == se {
		return
	}
	oc, nc := e.childOf(old), e.childOf(se)
	if oc == nc {
		e.mem.Store(f, idx, se)
		return
	}
	if nc != nil {
		if nc.refs == 0 {
			nc.up = upPointer{frame: f, idx: idx, ok: true}
		} else {
			nc.up.ok = false
		}
		nc.refs++
	}
	e.mem.Store(f, idx, se)
	if oc != nil {
		if oc.up.ok && oc.up.frame == f && oc.up.idx == idx {
			oc.up.ok = false
		}
		e.putRefLocked(ctx, oc)
	}
}

// clearTableLocked empties a non-leaf shadow.
//
// +checklocks:e.mu
func (e *Engine) clearTableLocked(ctx context.Context, p *page) {
	for i := 0; i < p.typ.entries(); i++ {
		if e.entryAt(p, i) != 0 {
			e.setTableEntryLocked(ctx, p, i, 0)
		}
	}
}

// putRefLocked drops a reference, destroying p with the last one.
//
// +checklocks:e.mu
func (e *Engine) putRefLocked(ctx context.Context, p *page) {
	if p.refs == 0 {
		panic(fmt.Sprintf("reference underflow on %v", p))
	}
	p.refs--
	if p.refs == 0 {
		e.destroyLocked(ctx, p)
	}
}

// pinLocked keeps p alive while nothing points at it, marking it most
// recently used.
//
// +checklocks:e.mu
func (e *Engine) pinLocked(p *page) {
	if p.pinned {
		e.pins.remove(p)
		e.pins.pushFront(p)
		return
	}
	p.pinned = true
	p.refs++
	e.pins.pushFront(p)
}

// +checklocks:e.mu
func (e *Engine) unpinLocked(ctx context.Context, p *page) {
	if !p.pinned {
		return
	}
	e.pins.remove(p)
	p.pinned = false
	e.putRefLocked(ctx, p)
}

// getOrMakeLocked returns the shadow of type t for key, creating an empty
// one if there is none. The caller must take a reference before dropping
// the lock.
//
// +checklocks:e.mu
func (e *Engine) getOrMakeLocked(ctx context.Context, v *paging.Vcpu, t shadowType, key uint64) (*page, error) {
	if p := e.hash.lookup(key, t); p != nil {
		return p, nil
	}
	if t.shadowsTable() {
		gmfn := hostarch.MFN(key)
		// Only l1s may be out of sync.
		if rec := e.oosLookupLocked(gmfn); rec != nil && !t.isL1() {
			e.resyncLocked(ctx, rec)
		}
	}
	p, err := e.allocLocked(t, key)
	if err != nil {
		return nil, err
	}
	e.hash.insert(p)
	e.stats.created++
	if t.shadowsTable() {
		gmfn := hostarch.MFN(key)
		info := e.ledger.Info(gmfn)
		info.AddShadowFlags(t.flag())
		info.SetFlags(frame.FlagPageTable)
		e.removeWriteAccessLocked(ctx, v, gmfn)
	}
	return p, nil
}

// destroyLocked frees p and drops everything it references.
//
// +checklocks:e.mu
func (e *Engine) destroyLocked(ctx context.Context, p *page) {
	if p.dead {
		return
	}
	p.dead = true
	if p.pinned {
		e.pins.remove(p)
		p.pinned = false
	}
	ti := p.typ.info()
	switch {
	case ti.level == 1:
		for i := 0; i < p.typ.entries(); i++ {
			if se := e.entryAt(p, i); present(se) {
				e.dropLeafLocked(se)
			}
		}
	case ti.level > 1:
		for i := 0; i < p.typ.entries(); i++ {
			se := e.entryAt(p, i)
			if c := e.childOf(se); c != nil {
				e.mem.Store(p.frame(i/hostarch.EntriesPerTable), i%hostarch.EntriesPerTable, 0)
				e.putRefLocked(ctx, c)
			}
		}
	}
	if ti.hashed {
		e.hash.remove(p)
	}
	if p.typ.shadowsTable() {
		gmfn := hostarch.MFN(p.key)
		info := e.ledger.Info(gmfn)
		left := info.RemoveShadowFlags(p.typ.flag()) &^ p.typ.flag()
		if left == 0 {
			info.ClearFlags(frame.FlagPageTable)
		}
		if left&l1Flags == 0 {
			e.dropOOSLocked(gmfn)
		}
	}
	e.freeLocked(p)
	e.stats.destroyed++
}

// isTopLocked returns true if a vcpu is running on p.
//
// +checklocks:e.mu
func (e *Engine) isTopLocked(p *page) bool {
	for _, v := range e.vcpus {
		for _, top := range state(v).tops {
			if top == p {
				return true
			}
		}
	}
	return false
}

// isTopGMFNLocked returns true if a vcpu is running on a shadow of gmfn.
//
// +checklocks:e.mu
func (e *Engine) isTopGMFNLocked(gmfn hostarch.MFN) bool {
	for _, v := range e.vcpus {
		for _, top := range state(v).tops {
			if top != nil && top.typ.shadowsTable() && hostarch.MFN(top.key) == gmfn {
				return true
			}
		}
	}
	return false
}

// removeShadowsLocked destroys every shadow of gmfn, unhooking it from its
// parents. Shadows a vcpu is running on survive. It returns true if none
// are left.
//
// +checklocks:e.mu
func (e *Engine) removeShadowsLocked(ctx context.Context, gmfn hostarch.MFN) bool {
	if !e.ledger.Tracks(gmfn) {
		return true
	}
	flags := e.ledger.Info(gmfn).ShadowFlags()
	if flags == 0 {
		return true
	}
	all := true
	for t := typeNone + 1; t < numShadowTypes; t++ {
		if flags&t.flag() == 0 || !t.shadowsTable() {
			continue
		}
		p := e.hash.lookup(uint64(gmfn), t)
		if p == nil {
			continue
		}
		if e.isTopLocked(p) {
			all = false
			continue
		}
		e.unpinLocked(ctx, p)
		if !p.dead && p.up.ok {
			e.unhookLocked(ctx, p.up.frame, p.up.idx, p)
		}
		if !p.dead {
			e.unhookAllLocked(ctx, p)
		}
		if !p.dead {
			e.warn.Warningf("%v survived unshadowing", p)
			all = false
		}
	}
	e.flushAllLocked()
	return all
}

// unhookLocked clears the parent entry at (f, idx) if it points at p.
//
// +checklocks:e.mu
func (e *Engine) unhookLocked(ctx context.Context, f hostarch.MFN, idx int, p *page) {
	pp, ok := e.pages[f]
	if !ok || pp.dead || pp.typ.info().level < 2 {
		return
	}
	i := int(f-pp.head)*hostarch.EntriesPerTable + idx
	if e.childOf(e.entryAt(pp, i)) == p {
		e.setTableEntryLocked(ctx, pp, i, 0)
	}
}

// unhookAllLocked searches every possible parent of p for entries pointing
// at it.
//
// +checklocks:e.mu
func (e *Engine) unhookAllLocked(ctx context.Context, p *page) {
	var parents []*page
	for _, pt := range parentTypes(p.typ) {
		parents = append(parents, e.hash.collect(pt.flag())...)
	}
	if p.typ == typeFL1Unpaged {
		for _, v := range e.vcpus {
			if top := state(v).tops[0]; top != nil && top.typ == typeUnpaged {
				parents = append(parents, top)
			}
		}
	}
	for _, pp := range parents {
		for i := 0; i < pp.typ.entries() && !p.dead; i++ {
			if e.childOf(e.entryAt(pp, i)) == p {
				e.setTableEntryLocked(ctx, pp, i, 0)
			}
		}
		if p.dead {
			return
		}
	}
}

// flushAllLocked flushes every vcpu's TLB and translation cache.
//
// +checklocks:e.mu
func (e *Engine) flushAllLocked() {
	for _, v := range e.vcpus {
		state(v).vtlb.flush()
		v.HW.FlushTLB()
	}
}
