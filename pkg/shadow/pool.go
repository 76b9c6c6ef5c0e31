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
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
)

const (
	// chunkOrder is the largest shadow allocation. The pool grows and
	// shrinks in chunks of this order.
	chunkOrder = 2

	// preallocPages is what one fault may allocate.
	preallocPages = 8
)

func chunks(pages uint64) uint64 {
	per := hostarch.PagesForOrder(chunkOrder)
	return (pages + per - 1) / per
}

// growLocked adds chunks from the machine until the pool holds pages.
//
// +checklocks:e.mu
func (e *Engine) growLocked(ctx context.Context, pages uint64) error {
	target := chunks(pages) * hostarch.PagesForOrder(chunkOrder)
	for e.pool.TotalPages() < target {
		mfn, err := e.d.Machine.AllocXenPages(ctx, chunkOrder)
		if err != nil {
			return fmt.Errorf("d%d: growing shadow pool to %d pages: %w", e.d.ID, target, err)
		}
		e.pool.Add(mfn, chunkOrder)
	}
	return nil
}

// shrinkLocked returns chunks to the machine until the pool holds pages.
// Shadows are torn down if free chunks run out.
//
// +checklocks:e.mu
func (e *Engine) shrinkLocked(ctx context.Context, pages uint64) error {
	target := chunks(pages) * hostarch.PagesForOrder(chunkOrder)
	blown := false
	for e.pool.TotalPages() > target {
		mfn, err := e.pool.Reclaim(chunkOrder)
		if err != nil {
			if blown {
				return fmt.Errorf("d%d: shrinking shadow pool to %d pages with %d p2m pages in use: %w", e.d.ID, target, e.p2mPages, hverr.ENOMEM)
			}
			e.blowLocked(ctx)
			blown = true
			continue
		}
		e.d.Machine.FreeXenPages(ctx, mfn, chunkOrder)
	}
	return nil
}

// frameType is the ledger type of a pool frame used as t.
func frameType(t shadowType) frame.PageType {
	switch t {
	case typeMonitor:
		return frame.TypeMonitor
	case typeSnapshot:
		return frame.TypeSnapshot
	case typeP2M:
		return frame.TypeP2M
	default:
		return frame.TypeShadow
	}
}

// allocLocked takes zeroed frames for a t from the pool. It never reclaims;
// callers preallocate.
//
// +checklocks:e.mu
func (e *Engine) allocLocked(t shadowType, key uint64) (*page, error) {
	mfn, err := e.pool.Alloc(t.info().order)
	if err != nil {
		return nil, fmt.Errorf("d%d: allocating %v: %w", e.d.ID, t, err)
	}
	p := &page{typ: t, head: mfn, key: key}
	ft := frameType(t)
	for i := 0; i < t.pages(); i++ {
		e.pages[p.frame(i)] = p
		if !e.ledger.Info(p.frame(i)).GetType(ft) {
			panic(fmt.Sprintf("pool frame %v already typed", p.frame(i)))
		}
	}
	return p, nil
}

// freeLocked zeroes p's frames and returns them to the pool.
//
// +checklocks:e.mu
func (e *Engine) freeLocked(p *page) {
	for i := 0; i < p.typ.pages(); i++ {
		f := p.frame(i)
		e.mem.Clear(f)
		e.ledger.Info(f).PutType()
		delete(e.pages, f)
	}
	e.pool.Free(p.head, p.typ.info().order)
}

// canAllocLocked returns true if n pages, one of them a block of order, are
// free.
//
// +checklocks:e.mu
func (e *Engine) canAllocLocked(n uint64, order uint) bool {
	if e.pool.FreePages() < n {
		return false
	}
	for o := order; o <= chunkOrder; o++ {
		if e.pool.FreeBlocks(o) > 0 {
			return true
		}
	}
	return false
}

// preallocLocked makes room for n pages, unpinning the least recently used
// shadows and then tearing everything down. It fails with ENOMEM if the
// pool is too small even then.
//
// +checklocks:e.mu
func (e *Engine) preallocLocked(ctx context.Context, n uint64) error {
	if e.canAllocLocked(n, chunkOrder) {
		return nil
	}
	for e.unpinLRULocked(ctx) {
		if e.canAllocLocked(n, chunkOrder) {
			return nil
		}
	}
	e.blowLocked(ctx)
	if e.canAllocLocked(n, chunkOrder) {
		return nil
	}
	e.stats.oom++
	return fmt.Errorf("d%d: shadow pool of %d pages exhausted (%d free, %d p2m): %w",
		e.d.ID, e.pool.TotalPages(), e.pool.FreePages(), e.p2mPages, hverr.ENOMEM)
}

// unpinLRULocked unpins the least recently used shadow that no vcpu is
// running on. It returns false if there is none.
//
// +checklocks:e.mu
func (e *Engine) unpinLRULocked(ctx context.Context) bool {
	for p := e.pins.tail; p != nil; p = p.pinPrev {
		if p.refs > 1 {
			continue
		}
		e.unpinLocked(ctx, p)
		e.stats.lruUnpins++
		return true
	}
	return false
}

// blowLocked tears down every shadow that is not a vcpu's top and empties
// the tops.
//
// +checklocks:e.mu
func (e *Engine) blowLocked(ctx context.Context) {
	e.resyncAllLocked(ctx)
	for e.pins.tail != nil {
		e.unpinLocked(ctx, e.pins.tail)
	}
	for _, v := range e.vcpus {
		for _, top := range state(v).tops {
			if top != nil {
				e.clearTableLocked(ctx, top)
			}
		}
	}
	e.flushAllLocked()
	e.stats.blows++
	blows.Increment(e.label)
	e.log.Debugf("shadows blown: %d pool pages free", e.pool.FreePages())
}
