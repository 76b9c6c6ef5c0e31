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

package p2m

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/metric"
)

const (
	// sweepLimit bounds how far below its cursor an emergency sweep goes
	// once it has found something.
	sweepLimit = 1024

	// sweepStride is how many candidate GFNs are zero-checked at once.
	sweepStride = 16
)

// Reclaim cursors.
const (
	reclaimSingle = iota
	reclaimSuper
	numReclaimCursors
)

var (
	podPopulations = metric.MustCreateNewUint64Metric("pod_populations", true, "PoD entries populated from the cache.", metric.NewField("domain"))
	podSweeps      = metric.MustCreateNewUint64Metric("pod_sweeps", true, "Emergency zero-page sweeps.", metric.NewField("domain"), metric.NewField("kind", "single", "super"))
	podReclaimed   = metric.MustCreateNewUint64Metric("pod_reclaimed_pages", true, "Zero pages reclaimed into the PoD cache by sweeps.", metric.NewField("domain"))
	podFailures    = metric.MustCreateNewUint64Metric("pod_failures", true, "Demand populations that found the cache empty.", metric.NewField("domain"))
)

// PoD is the populate-on-demand state of a table.
//
// The cache holds frames already assigned to the domain (and counted in its
// total pages) but not yet mapped at any GFN. The cache is protected by the
// owner's page-alloc lock; the entry count and cursors change together with
// table entries and are protected by the table lock.
type PoD struct {
	t    *Table
	warn log.Logger

	// +checklocks:t.owner.PageAlloc
	super []hostarch.MFN
	// +checklocks:t.owner.PageAlloc
	single []hostarch.MFN
	// count is the number of cached pages.
	//
	// +checklocks:t.owner.PageAlloc
	count uint64

	// entryCount is the number of PopulateOnDemand GFNs.
	//
	// +checklocks:t.mu
	entryCount uint64
	// reclaim holds where the next emergency sweep of each kind resumes.
	//
	// +checklocks:t.mu
	reclaim [numReclaimCursors]hostarch.GFN
	// maxGuest is the highest GFN populated by a guest access.
	//
	// +checklocks:t.mu
	maxGuest hostarch.GFN
	// dying is set by EmptyCache.
	//
	// +checklocks:t.mu
	dying bool
}

func (p *PoD) init(t *Table) {
	p.t = t
	p.warn = log.RateLimitedLogger(t.log, time.Second)
}

// cacheAddLocked puts frames owned by the domain into the cache.
func (p *PoD) cacheAddLocked(ctx context.Context, mfn hostarch.MFN, order uint) {
	o := p.t.owner
	o.PageAlloc.AssertHeld(ctx)
	n := hostarch.PagesForOrder(order)
	for i := uint64(0); i < n; i++ {
		if owner := p.t.machine.Ledger.Owner(mfn.Add(i)); owner != o.ID {
			panic(fmt.Sprintf("d%d: caching %v owned by d%d", o.ID, mfn.Add(i), owner))
		}
	}
	switch order {
	case hostarch.SuperPageOrder:
		p.super = append(p.super, mfn)
	case 0:
		p.single = append(p.single, mfn)
	default:
		panic(fmt.Sprintf("d%d: PoD cache of order %d", o.ID, order))
	}
	p.count += n
}

// cacheGetLocked takes frames of the given order out of the cache. Singles
// come from the single list first and otherwise from a broken superpage. It
// returns false if nothing of the right shape is cached.
func (p *PoD) cacheGetLocked(ctx context.Context, order uint) (hostarch.MFN, bool) {
	p.t.owner.PageAlloc.AssertHeld(ctx)
	var mfn hostarch.MFN
	switch order {
	case hostarch.SuperPageOrder:
		if len(p.super) == 0 {
			return hostarch.InvalidMFN, false
		}
		mfn, p.super = p.super[len(p.super)-1], p.super[:len(p.super)-1]
	case 0:
		if len(p.single) == 0 {
			if len(p.super) == 0 {
				return hostarch.InvalidMFN, false
			}
			var s hostarch.MFN
			s, p.super = p.super[len(p.super)-1], p.super[:len(p.super)-1]
			// Pushed highest first so the lowest frame is taken next.
			for i := uint64(superPages); i > 0; i-- {
				p.single = append(p.single, s.Add(i-1))
			}
		}
		mfn, p.single = p.single[len(p.single)-1], p.single[:len(p.single)-1]
	default:
		panic(fmt.Sprintf("d%d: PoD cache get of order %d", p.t.domain, order))
	}
	p.count -= hostarch.PagesForOrder(order)
	return mfn, true
}

// setCacheTargetLocked grows or shrinks the cache to target pages.
//
// +checklocks:p.t.mu
func (p *PoD) setCacheTargetLocked(ctx context.Context, target uint64) error {
	o := p.t.owner
	m := p.t.machine
	defer o.PageAlloc.Acquire(ctx).Release()

	for p.count < target {
		order := uint(0)
		if target-p.count >= superPages {
			order = hostarch.SuperPageOrder
		}
		mfn, err := m.AllocDomainPagesLocked(ctx, o, order)
		if err != nil && order != 0 {
			order = 0
			mfn, err = m.AllocDomainPagesLocked(ctx, o, order)
		}
		if err != nil {
			return fmt.Errorf("d%d: growing PoD cache to %d pages: %w", p.t.domain, target, err)
		}
		p.cacheAddLocked(ctx, mfn, order)
	}

	for p.count > target {
		order := uint(0)
		if p.count-target >= superPages && len(p.super) > 0 {
			order = hostarch.SuperPageOrder
		}
		mfn, _ := p.cacheGetLocked(ctx, order)
		m.FreeDomainPagesLocked(ctx, o, mfn, order)
	}
	return nil
}

// SetMemTarget sizes the cache so that populated pages plus cached pages
// equal target, where populated is the domain's allocation not sitting in
// the cache. The cache never grows beyond the number of outstanding
// PopulateOnDemand entries, and never below zero when target is less than
// what is already populated.
func (p *PoD) SetMemTarget(ctx context.Context, target uint64) error {
	defer p.t.mu.Acquire(ctx).Release()
	if p.dying {
		return fmt.Errorf("d%d: setting PoD target on a dying domain: %w", p.t.domain, hverr.EINVAL)
	}

	o := p.t.owner
	o.PageAlloc.Lock(ctx)
	populated := o.TotPagesLocked(ctx) - p.count
	o.PageAlloc.Unlock(ctx)

	var podTarget uint64
	if target > populated {
		podTarget = target - populated
	}
	if podTarget > p.entryCount {
		podTarget = p.entryCount
	}
	return p.setCacheTargetLocked(ctx, podTarget)
}

// MarkPopulateOnDemand turns 2^order unused GFNs into PopulateOnDemand
// entries. GFNs already mapped to RAM make the call fail with EBUSY.
func (p *PoD) MarkPopulateOnDemand(ctx context.Context, gfn hostarch.GFN, order uint) error {
	t := p.t
	defer t.mu.Acquire(ctx).Release()

	n := hostarch.PagesForOrder(order)
	var replaced uint64
	for i := uint64(0); i < n; i++ {
		_, typ := t.GetEntryLocked(ctx, gfn.Add(i), QueryOnly)
		switch {
		case typ.IsRAM():
			return fmt.Errorf("d%d: marking %v populate-on-demand: mapped as %s: %w", t.domain, gfn.Add(i), typ, hverr.EBUSY)
		case typ == PopulateOnDemand:
			replaced++
		}
	}
	if err := t.SetEntryLocked(ctx, gfn, hostarch.InvalidMFN, order, PopulateOnDemand); err != nil {
		return err
	}
	p.entryCount += n - replaced
	return nil
}

// DecreaseReservation releases 2^order GFNs from gfn as far as PoD is
// concerned and returns true if nothing is left for the generic path to do.
//
// PopulateOnDemand entries are dropped. While the cache holds fewer pages
// than the outstanding entries, populated RAM in the range is moved into the
// cache instead of being freed, lowest GFN first. A range with no
// PopulateOnDemand entries and nothing to steal is left alone, so repeating
// a call is harmless.
func (p *PoD) DecreaseReservation(ctx context.Context, gfn hostarch.GFN, order uint) (bool, error) {
	t := p.t
	defer t.mu.Acquire(ctx).Release()

	if p.entryCount == 0 || p.dying {
		return false, nil
	}

	o := t.owner
	steal := func() bool {
		defer o.PageAlloc.Acquire(ctx).Release()
		return p.entryCount > p.count
	}
	stealForCache := steal()

	n := hostarch.PagesForOrder(order)
	var pod, nonPod, ram uint64
	for i := uint64(0); i < n; i++ {
		_, typ := t.GetEntryLocked(ctx, gfn.Add(i), QueryOnly)
		switch {
		case typ == PopulateOnDemand:
			pod++
		case typ.IsRAM():
			nonPod++
			ram++
		default:
			nonPod++
		}
	}
	if pod == 0 && !stealForCache {
		return false, nil
	}

	if nonPod == 0 {
		if err := t.SetEntryLocked(ctx, gfn, hostarch.InvalidMFN, order, Invalid); err != nil {
			return false, err
		}
		p.entryCount -= n
		return true, p.trimLocked(ctx)
	}

	for i := uint64(0); i < n && (pod > 0 || (stealForCache && ram > 0)); i++ {
		g := gfn.Add(i)
		mfn, typ := t.GetEntryLocked(ctx, g, QueryOnly)
		switch {
		case typ == PopulateOnDemand:
			if err := t.SetEntryLocked(ctx, g, hostarch.InvalidMFN, 0, Invalid); err != nil {
				return false, err
			}
			p.entryCount--
			pod--
		case stealForCache && typ.IsRAM():
			if t.machine.Ledger.Info(mfn).Count() != 0 {
				// Referenced elsewhere; the generic path deals with it.
				continue
			}
			if err := t.SetEntryLocked(ctx, g, hostarch.InvalidMFN, 0, Invalid); err != nil {
				return false, err
			}
			t.machine.Ledger.SetGFN(mfn, hostarch.InvalidGFN)
			t.machine.Mem.Clear(mfn)
			o.PageAlloc.Lock(ctx)
			p.cacheAddLocked(ctx, mfn, 0)
			o.PageAlloc.Unlock(ctx)
			stealForCache = steal()
			nonPod--
			ram--
		}
	}
	return nonPod == 0, p.trimLocked(ctx)
}

// trimLocked frees cached pages beyond the outstanding entries.
//
// +checklocks:p.t.mu
func (p *PoD) trimLocked(ctx context.Context) error {
	o := p.t.owner
	o.PageAlloc.Lock(ctx)
	over := p.entryCount < p.count
	o.PageAlloc.Unlock(ctx)
	if !over {
		return nil
	}
	return p.setCacheTargetLocked(ctx, p.entryCount)
}

// DemandPopulate backs the PopulateOnDemand entry covering gfn from the
// cache. It never blocks: if the cache is empty after an emergency sweep it
// fails with EAGAIN and the caller decides what to do with the domain.
func (p *PoD) DemandPopulate(ctx context.Context, gfn hostarch.GFN, q Query) error {
	defer p.t.mu.Acquire(ctx).Release()
	return p.demandPopulateLocked(ctx, gfn, q)
}

// +checklocks:p.t.mu
func (p *PoD) demandPopulateLocked(ctx context.Context, gfn hostarch.GFN, q Query) error {
	t := p.t
	o := t.owner
	e, level := t.lookup(gfn)
	if e.Type() != PopulateOnDemand {
		// Populated by someone else while we waited for the lock.
		return nil
	}
	if p.dying {
		return fmt.Errorf("d%d: populating %v on a dying domain: %w", t.domain, gfn, hverr.EINVAL)
	}
	order := orderAt(level)

	o.PageAlloc.Lock(ctx)
	noSuper := len(p.super) == 0
	noSingle := len(p.single) == 0
	o.PageAlloc.Unlock(ctx)
	if order == hostarch.SuperPageOrder && noSuper {
		p.sweepSuperLocked(ctx)
	}
	if noSingle && (order == 0 || noSuper) {
		p.sweepLocked(ctx)
	}

	if q == QueryGuest && gfn > p.maxGuest {
		p.maxGuest = gfn
	}

	o.PageAlloc.Lock(ctx)
	if p.count == 0 {
		o.PageAlloc.Unlock(ctx)
		podFailures.Increment(t.label)
		p.warn.Warningf("out of populate-on-demand memory populating %v: %d pod entries", gfn, p.entryCount)
		return fmt.Errorf("d%d: populating %v: PoD cache empty: %w", t.domain, gfn, hverr.EAGAIN)
	}
	mfn, ok := p.cacheGetLocked(ctx, order)
	o.PageAlloc.Unlock(ctx)

	aligned := hostarch.GFN(uint64(gfn) &^ (hostarch.PagesForOrder(order) - 1))
	if !ok {
		// No cached superpage: remap the range as singletons and populate
		// just gfn.
		if _, _, err := t.slotLocked(ctx, gfn, 1, false); err != nil {
			return err
		}
		return p.demandPopulateLocked(ctx, gfn, q)
	}
	if err := t.setOneLocked(ctx, aligned, mfn, order, RAMRW); err != nil {
		o.PageAlloc.Lock(ctx)
		p.cacheAddLocked(ctx, mfn, order)
		o.PageAlloc.Unlock(ctx)
		return err
	}
	n := hostarch.PagesForOrder(order)
	for i := uint64(0); i < n; i++ {
		t.machine.Ledger.SetGFN(mfn.Add(i), aligned.Add(i))
	}
	p.entryCount -= n
	podPopulations.IncrementBy(n, t.label)
	return nil
}

// reclaimable returns true if a populated frame can be taken back: nothing
// but the P2M refers to it.
func (p *PoD) reclaimable(mfn hostarch.MFN) bool {
	info := p.t.machine.Ledger.Info(mfn)
	typ, _ := info.Type()
	return info.Count() == 0 && typ == frame.TypeNone && !info.TestFlags(frame.FlagPageTable)
}

// zeroCheckLocked reclaims the all-zero frames among gfns into the cache,
// turning their entries back into PopulateOnDemand. The entry is retyped
// before the frame is inspected so that a racing write is either seen or
// faults.
//
// +checklocks:p.t.mu
func (p *PoD) zeroCheckLocked(ctx context.Context, gfns []hostarch.GFN) {
	t := p.t
	for _, gfn := range gfns {
		e, level := t.lookup(gfn)
		if level != 1 || e.Type() != RAMRW {
			continue
		}
		mfn := e.MFN()
		if !p.reclaimable(mfn) {
			continue
		}
		if err := t.setOneLocked(ctx, gfn, hostarch.InvalidMFN, 0, PopulateOnDemand); err != nil {
			continue
		}
		if !t.machine.Mem.IsZero(mfn) {
			if err := t.setOneLocked(ctx, gfn, mfn, 0, RAMRW); err != nil {
				panic(fmt.Sprintf("d%d: restoring %v after zero check: %v", t.domain, gfn, err))
			}
			continue
		}
		t.machine.Ledger.SetGFN(mfn, hostarch.InvalidGFN)
		t.owner.PageAlloc.Lock(ctx)
		p.cacheAddLocked(ctx, mfn, 0)
		t.owner.PageAlloc.Unlock(ctx)
		p.entryCount++
		podReclaimed.Increment(t.label)
	}
}

// zeroCheckSuperLocked reclaims the superpage at gfn if it is backed by one
// aligned, contiguous, all-zero run of frames.
//
// +checklocks:p.t.mu
func (p *PoD) zeroCheckSuperLocked(ctx context.Context, gfn hostarch.GFN) {
	t := p.t
	mfn0, typ := t.GetEntryLocked(ctx, gfn, QueryOnly)
	if typ != RAMRW || !mfn0.Valid() || uint64(mfn0)%superPages != 0 {
		return
	}
	for i := uint64(0); i < superPages; i++ {
		mfn, typ := t.GetEntryLocked(ctx, gfn.Add(i), QueryOnly)
		if typ != RAMRW || mfn != mfn0.Add(i) || !p.reclaimable(mfn) {
			return
		}
	}
	if err := t.setOneLocked(ctx, gfn, hostarch.InvalidMFN, hostarch.SuperPageOrder, PopulateOnDemand); err != nil {
		return
	}
	for i := uint64(0); i < superPages; i++ {
		if !t.machine.Mem.IsZero(mfn0.Add(i)) {
			if err := t.setOneLocked(ctx, gfn, mfn0, hostarch.SuperPageOrder, RAMRW); err != nil {
				panic(fmt.Sprintf("d%d: restoring %v after zero check: %v", t.domain, gfn, err))
			}
			return
		}
	}
	for i := uint64(0); i < superPages; i++ {
		t.machine.Ledger.SetGFN(mfn0.Add(i), hostarch.InvalidGFN)
	}
	t.owner.PageAlloc.Lock(ctx)
	p.cacheAddLocked(ctx, mfn0, hostarch.SuperPageOrder)
	t.owner.PageAlloc.Unlock(ctx)
	p.entryCount += superPages
	podReclaimed.IncrementBy(superPages, t.label)
}

func (p *PoD) cacheEmpty(ctx context.Context, order uint) bool {
	defer p.t.owner.PageAlloc.Acquire(ctx).Release()
	if order == hostarch.SuperPageOrder {
		return len(p.super) == 0
	}
	return len(p.single) == 0
}

// sweepLocked scans downwards from the single cursor for zero pages to
// reclaim. Once it has found something it stops after sweepLimit GFNs, and
// the next sweep resumes where it stopped.
//
// +checklocks:p.t.mu
func (p *PoD) sweepLocked(ctx context.Context) {
	podSweeps.Increment(p.t.label, "single")
	if p.reclaim[reclaimSingle] == 0 {
		p.reclaim[reclaimSingle] = p.maxGuest
	}
	start := p.reclaim[reclaimSingle]
	var limit hostarch.GFN
	if start > sweepLimit {
		limit = start - sweepLimit
	}

	var batch [sweepStride]hostarch.GFN
	j := 0
	i := start
	for ; i > 0; i-- {
		_, typ := p.t.GetEntryLocked(ctx, i, QueryOnly)
		if typ.IsRAM() {
			batch[j] = i
			j++
			if j == sweepStride {
				p.zeroCheckLocked(ctx, batch[:j])
				j = 0
			}
		}
		if i < limit && !p.cacheEmpty(ctx, 0) {
			break
		}
	}
	if j > 0 {
		p.zeroCheckLocked(ctx, batch[:j])
	}
	if i > 0 {
		i--
	}
	p.reclaim[reclaimSingle] = i
}

// sweepSuperLocked scans downwards a superpage at a time for all-zero
// superpages to reclaim.
//
// +checklocks:p.t.mu
func (p *PoD) sweepSuperLocked(ctx context.Context) {
	if p.maxGuest < superPages {
		return
	}
	podSweeps.Increment(p.t.label, "super")
	if p.reclaim[reclaimSuper] == 0 {
		p.reclaim[reclaimSuper] = hostarch.GFN(uint64(p.maxGuest)&^(superPages-1)) - superPages
	}
	start := p.reclaim[reclaimSuper]
	var limit hostarch.GFN
	if start > sweepLimit {
		limit = start - sweepLimit
	}
	i := start
	for ; i > 0; i -= superPages {
		p.zeroCheckSuperLocked(ctx, i)
		if i < limit && !p.cacheEmpty(ctx, hostarch.SuperPageOrder) {
			break
		}
	}
	if i > 0 {
		i -= superPages
	}
	p.reclaim[reclaimSuper] = i
}

// EmptyCache returns every cached frame to the machine and stops further
// PoD activity. It is only for domain destruction.
func (p *PoD) EmptyCache(ctx context.Context) {
	t := p.t
	defer t.mu.Acquire(ctx).Release()
	p.dying = true
	o := t.owner
	defer o.PageAlloc.Acquire(ctx).Release()
	for _, mfn := range p.super {
		t.machine.FreeDomainPagesLocked(ctx, o, mfn, hostarch.SuperPageOrder)
	}
	for _, mfn := range p.single {
		t.machine.FreeDomainPagesLocked(ctx, o, mfn, 0)
	}
	p.super, p.single, p.count = nil, nil, 0
}

// Stats is a snapshot of PoD accounting.
type Stats struct {
	Count         uint64
	EntryCount    uint64
	SuperPages    int
	SinglePages   int
	MaxGuest      hostarch.GFN
	ReclaimSingle hostarch.GFN
	ReclaimSuper  hostarch.GFN
}

// Stats returns the current accounting.
func (p *PoD) Stats(ctx context.Context) Stats {
	defer p.t.mu.Acquire(ctx).Release()
	return p.StatsLocked(ctx)
}

// StatsLocked is Stats for callers holding the table lock.
//
// +checklocks:p.t.mu
func (p *PoD) StatsLocked(ctx context.Context) Stats {
	defer p.t.owner.PageAlloc.Acquire(ctx).Release()
	return Stats{
		Count:         p.count,
		EntryCount:    p.entryCount,
		SuperPages:    len(p.super),
		SinglePages:   len(p.single),
		MaxGuest:      p.maxGuest,
		ReclaimSingle: p.reclaim[reclaimSingle],
		ReclaimSuper:  p.reclaim[reclaimSuper],
	}
}
