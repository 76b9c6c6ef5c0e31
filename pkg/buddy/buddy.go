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

// Package buddy implements a binary buddy allocator over machine frames.
//
// The same allocator backs the machine heap, where blocks go up to a large
// order, and the per-domain shadow and HAP pools, which are capped at a small
// order and are fed with blocks carved from the heap.
//
// Allocator is not synchronized; its owner provides locking.
package buddy

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// btreeDegree is the degree of the per-order free sets.
const btreeDegree = 8

// Allocator is a binary buddy allocator.
type Allocator struct {
	maxOrder uint

	// free[o] holds the first frame of each free block of order o, ordered
	// by frame number so that allocation is lowest-address first.
	free []*btree.BTreeG[hostarch.MFN]

	freePages  uint64
	totalPages uint64
}

// New returns an empty allocator whose blocks never exceed maxOrder.
func New(maxOrder uint) *Allocator {
	a := &Allocator{
		maxOrder: maxOrder,
		free:     make([]*btree.BTreeG[hostarch.MFN], maxOrder+1),
	}
	for i := range a.free {
		a.free[i] = btree.NewOrderedG[hostarch.MFN](btreeDegree)
	}
	return a
}

// MaxOrder returns the largest block order.
func (a *Allocator) MaxOrder() uint {
	return a.maxOrder
}

// FreePages returns the number of free frames.
func (a *Allocator) FreePages() uint64 {
	return a.freePages
}

// TotalPages returns the number of frames ever added and not removed.
func (a *Allocator) TotalPages() uint64 {
	return a.totalPages
}

// FreeBlocks returns the number of free blocks of exactly the given order.
func (a *Allocator) FreeBlocks(order uint) int {
	if order > a.maxOrder {
		return 0
	}
	return a.free[order].Len()
}

func aligned(mfn hostarch.MFN, order uint) bool {
	return uint64(mfn)&(hostarch.PagesForOrder(order)-1) == 0
}

// AddRange donates the frames [start, start+n) to the allocator, split into
// the largest aligned blocks that fit.
func (a *Allocator) AddRange(start hostarch.MFN, n uint64) {
	mfn := start
	end := start.Add(n)
	for mfn < end {
		order := a.maxOrder
		for order > 0 && (!aligned(mfn, order) || mfn.Add(hostarch.PagesForOrder(order)) > end) {
			order--
		}
		a.Add(mfn, order)
		mfn = mfn.Add(hostarch.PagesForOrder(order))
	}
}

// Add donates one aligned block to the allocator.
func (a *Allocator) Add(mfn hostarch.MFN, order uint) {
	a.totalPages += hostarch.PagesForOrder(order)
	a.Free(mfn, order)
}

// Alloc allocates a block of the given order. The lowest-addressed block of
// the smallest sufficient order is split as needed.
func (a *Allocator) Alloc(order uint) (hostarch.MFN, error) {
	if order > a.maxOrder {
		return hostarch.InvalidMFN, fmt.Errorf("order %d exceeds allocator max order %d: %w", order, a.maxOrder, hverr.EINVAL)
	}
	o := order
	for o <= a.maxOrder && a.free[o].Len() == 0 {
		o++
	}
	if o > a.maxOrder {
		return hostarch.InvalidMFN, fmt.Errorf("no free block of order %d: %w", order, hverr.ENOMEM)
	}
	mfn, _ := a.free[o].DeleteMin()
	// Return the upper halves while splitting down to the requested order.
	for o > order {
		o--
		a.free[o].ReplaceOrInsert(mfn.Add(hostarch.PagesForOrder(o)))
	}
	a.freePages -= hostarch.PagesForOrder(order)
	return mfn, nil
}

// Free returns a block to the allocator, merging it with its free buddies.
// Freeing a block that overlaps a free block panics.
func (a *Allocator) Free(mfn hostarch.MFN, order uint) {
	if order > a.maxOrder || !aligned(mfn, order) {
		panic(fmt.Sprintf("free of misaligned block %v order %d (max order %d)", mfn, order, a.maxOrder))
	}
	a.checkNotFree(mfn, order)
	a.freePages += hostarch.PagesForOrder(order)
	for order < a.maxOrder {
		buddy := hostarch.MFN(uint64(mfn) ^ hostarch.PagesForOrder(order))
		if _, ok := a.free[order].Delete(buddy); !ok {
			break
		}
		if buddy < mfn {
			mfn = buddy
		}
		order++
	}
	a.free[order].ReplaceOrInsert(mfn)
}

// checkNotFree panics if any frame of the block is already free.
func (a *Allocator) checkNotFree(mfn hostarch.MFN, order uint) {
	end := mfn.Add(hostarch.PagesForOrder(order))
	for o := uint(0); o <= a.maxOrder; o++ {
		// A free block at o covering mfn.
		base := hostarch.MFN(uint64(mfn) &^ (hostarch.PagesForOrder(o) - 1))
		if a.free[o].Has(base) {
			panic(fmt.Sprintf("double free: %v order %d overlaps free block %v order %d", mfn, order, base, o))
		}
		// A free block at o starting inside the block.
		overlap := false
		a.free[o].AscendGreaterOrEqual(mfn, func(m hostarch.MFN) bool {
			overlap = m < end
			return false
		})
		if overlap {
			panic(fmt.Sprintf("double free: %v order %d contains a free block of order %d", mfn, order, o))
		}
	}
}

// Reclaim removes a free block of exactly the given order from the
// allocator, so that its frames can be returned to whoever donated them.
func (a *Allocator) Reclaim(order uint) (hostarch.MFN, error) {
	mfn, err := a.Alloc(order)
	if err != nil {
		return mfn, err
	}
	a.totalPages -= hostarch.PagesForOrder(order)
	return mfn, nil
}

// ForEachFree calls f for every free block, in increasing order and then
// increasing frame number.
func (a *Allocator) ForEachFree(f func(mfn hostarch.MFN, order uint)) {
	for o := uint(0); o <= a.maxOrder; o++ {
		a.free[o].Ascend(func(m hostarch.MFN) bool {
			f(m, o)
			return true
		})
	}
}
