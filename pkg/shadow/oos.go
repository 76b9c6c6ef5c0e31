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
	"gvisor.dev/hvmm/pkg/paging"
)

const (
	// oosSlots is the number of out-of-sync pages a vcpu may have. A page
	// goes in slot gmfn % oosSlots.
	oosSlots = 3

	// oosFixups is the number of writable mappings remembered per page.
	// Pages with more are write-protected by a full search.
	oosFixups = 2
)

type fixup struct {
	frame hostarch.MFN
	idx   int
}

// oosRecord is a guest l1 whose shadows are not kept in sync with it.
type oosRecord struct {
	gmfn hostarch.MFN

	// snapshot holds the guest table as its shadows last saw it.
	snapshot *page

	fixups   [oosFixups]fixup
	nfixups  int
	overflow bool
}

func (r *oosRecord) used() bool {
	return r.gmfn.Valid()
}

func (r *oosRecord) addFixup(f hostarch.MFN, idx int) {
	for _, x := range r.fixups[:r.nfixups] {
		if x.frame == f && x.idx == idx {
			return
		}
	}
	if r.nfixups == oosFixups {
		r.overflow = true
		return
	}
	r.fixups[r.nfixups] = fixup{frame: f, idx: idx}
	r.nfixups++
}

// oosLookupLocked returns the record of an out-of-sync gmfn.
//
// +checklocks:e.mu
func (e *Engine) oosLookupLocked(gmfn hostarch.MFN) *oosRecord {
	if !e.ledger.Tracks(gmfn) || !e.ledger.Info(gmfn).TestFlags(frame.FlagOutOfSync) {
		return nil
	}
	for _, v := range e.vcpus {
		st := state(v)
		if r := &st.oos[uint64(gmfn)%oosSlots]; r.gmfn == gmfn {
			return r
		}
	}
	return nil
}

// canUnsyncLocked returns true if gmfn is shadowed only as an l1 and may be
// left out of sync.
//
// +checklocks:e.mu
func (e *Engine) canUnsyncLocked(gmfn hostarch.MFN) bool {
	if !e.oosEnabled {
		return false
	}
	info := e.ledger.Info(gmfn)
	flags := info.ShadowFlags()
	return flags != 0 && flags&^l1Flags == 0 && !info.TestFlags(frame.FlagOutOfSync)
}

// unsyncLocked takes gmfn out of sync in one of v's slots, resyncing the
// page already there. It returns false if no snapshot page is available.
//
// +checklocks:e.mu
func (e *Engine) unsyncLocked(ctx context.Context, v *paging.Vcpu, gmfn hostarch.MFN) bool {
	r := &state(v).oos[uint64(gmfn)%oosSlots]
	if r.used() {
		e.resyncLocked(ctx, r)
	}
	snap, err := e.allocLocked(typeSnapshot, uint64(gmfn))
	if err != nil {
		e.warn.Warningf("no snapshot page for %v: %v", gmfn, err)
		return false
	}
	e.mem.Copy(snap.head, gmfn)
	*r = oosRecord{gmfn: gmfn, snapshot: snap}
	e.ledger.Info(gmfn).SetFlags(frame.FlagOutOfSync)
	e.stats.unsyncs++
	return true
}

// resyncLocked brings the shadows of an out-of-sync page back in step with
// the guest and write-protects the page again.
//
// +checklocks:e.mu
func (e *Engine) resyncLocked(ctx context.Context, r *oosRecord) {
	gmfn := r.gmfn
	info := e.ledger.Info(gmfn)
	info.ClearFlags(frame.FlagOutOfSync)

	flags := info.ShadowFlags()
	for _, t := range []shadowType{typeL1x32, typeL1PAE, typeL1x64} {
		if flags&t.flag() == 0 {
			continue
		}
		p := e.hash.lookup(uint64(gmfn), t)
		if p == nil {
			continue
		}
		shape := t.info().shape
		for gi := 0; gi < shape.Entries(); gi++ {
			g := paging.LoadEntry(e.mem, gmfn, gi, shape.Wide())
			if g != paging.LoadEntry(e.mem, r.snapshot.head, gi, shape.Wide()) {
				e.validateEntryLocked(ctx, nil, p, gi)
			}
		}
	}

	for _, x := range r.fixups[:r.nfixups] {
		e.downgradeLocked(x.frame, x.idx, gmfn)
	}
	if r.overflow || e.writable(gmfn) {
		e.removeWriteAccessLocked(ctx, nil, gmfn)
	}
	e.freeRecordLocked(r)
	e.stats.resyncs++
	e.dirtyVersion.Add(1)
	e.flushAllLocked()
}

// resyncEntryLocked revalidates one entry of an out-of-sync page if the
// guest changed it, leaving the page out of sync.
//
// +checklocks:e.mu
func (e *Engine) resyncEntryLocked(ctx context.Context, v *paging.Vcpu, r *oosRecord, gi int) {
	flags := e.ledger.Info(r.gmfn).ShadowFlags()
	for _, t := range []shadowType{typeL1x32, typeL1PAE, typeL1x64} {
		if flags&t.flag() == 0 {
			continue
		}
		p := e.hash.lookup(uint64(r.gmfn), t)
		if p == nil {
			continue
		}
		wide := t.info().shape.Wide()
		g := paging.LoadEntry(e.mem, r.gmfn, gi, wide)
		if g != paging.LoadEntry(e.mem, r.snapshot.head, gi, wide) {
			e.validateEntryLocked(ctx, v, p, gi)
			paging.StoreEntry(e.mem, r.snapshot.head, gi, wide, g)
		}
	}
}

// resyncAllLocked resyncs every out-of-sync page.
//
// +checklocks:e.mu
func (e *Engine) resyncAllLocked(ctx context.Context) {
	for _, v := range e.vcpus {
		st := state(v)
		for i := range st.oos {
			if st.oos[i].used() {
				e.resyncLocked(ctx, &st.oos[i])
			}
		}
	}
}

// dropOOSLocked forgets an out-of-sync page whose l1 shadows are gone.
//
// +checklocks:e.mu
func (e *Engine) dropOOSLocked(gmfn hostarch.MFN) {
	r := e.oosLookupLocked(gmfn)
	if r == nil {
		return
	}
	e.ledger.Info(gmfn).ClearFlags(frame.FlagOutOfSync)
	e.freeRecordLocked(r)
}

// +checklocks:e.mu
func (e *Engine) freeRecordLocked(r *oosRecord) {
	if r.snapshot != nil {
		e.freeLocked(r.snapshot)
	}
	*r = oosRecord{gmfn: hostarch.InvalidMFN}
}
