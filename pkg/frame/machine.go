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

package frame

import (
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/buddy"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
)

// MaxHeapOrder is the largest block the machine heap hands out.
const MaxHeapOrder = 18

var (
	// PageAllocClass is the class of every Owner's page-alloc lock.
	PageAllocClass = locking.NewMutexClass("page_alloc")

	heapClass = locking.NewMutexClass("heap")
)

func init() {
	locking.AddOrder(PageAllocClass, heapClass)
}

// Machine is the machine memory, its ledger and its heap.
type Machine struct {
	// Mem holds frame contents.
	Mem *Memory

	// Ledger holds frame metadata.
	Ledger *Ledger

	heapMu locking.Mutex
	// heap holds the free frames. Frame 0 is never handed out.
	//
	// +checklocks:heapMu
	heap *buddy.Allocator
}

// NewMachine creates a machine with the given number of frames.
func NewMachine(frames uint64) (*Machine, error) {
	mem, err := NewMemory(frames)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		Mem:    mem,
		Ledger: NewLedger(frames),
		heap:   buddy.New(MaxHeapOrder),
	}
	m.heapMu.Init(heapClass)
	m.heap.AddRange(1, frames-1)
	return m, nil
}

// Close releases the machine memory.
func (m *Machine) Close() error {
	return m.Mem.Close()
}

// FreeFrames returns the number of frames in the heap.
func (m *Machine) FreeFrames(ctx context.Context) uint64 {
	defer m.heapMu.Acquire(ctx).Release()
	return m.heap.FreePages()
}

func (m *Machine) allocLocked(ctx context.Context, order uint) (hostarch.MFN, error) {
	defer m.heapMu.Acquire(ctx).Release()
	return m.heap.Alloc(order)
}

func (m *Machine) freeLocked(ctx context.Context, mfn hostarch.MFN, order uint) {
	defer m.heapMu.Acquire(ctx).Release()
	m.heap.Free(mfn, order)
}

// AllocXenPages allocates zeroed frames owned by the hypervisor itself, for
// P2M tables, shadows and other metadata.
func (m *Machine) AllocXenPages(ctx context.Context, order uint) (hostarch.MFN, error) {
	mfn, err := m.allocLocked(ctx, order)
	if err != nil {
		return mfn, err
	}
	for i := uint64(0); i < hostarch.PagesForOrder(order); i++ {
		m.Ledger.assign(mfn.Add(i), hostarch.DomIDSelf)
		m.Mem.Clear(mfn.Add(i))
	}
	return mfn, nil
}

// FreeXenPages returns frames allocated by AllocXenPages.
func (m *Machine) FreeXenPages(ctx context.Context, mfn hostarch.MFN, order uint) {
	for i := uint64(0); i < hostarch.PagesForOrder(order); i++ {
		m.Ledger.release(mfn.Add(i), hostarch.DomIDSelf)
	}
	m.freeLocked(ctx, mfn, order)
}

// Owner is the memory accounting of one domain.
type Owner struct {
	// ID is the domain.
	ID hostarch.DomID

	// PageAlloc protects the fields below and, by convention, the domain's
	// PoD cache.
	PageAlloc locking.Mutex

	// +checklocks:PageAlloc
	totPages uint64
	// +checklocks:PageAlloc
	maxPages uint64
}

// NewOwner returns the accounting for domain id, limited to maxPages.
func NewOwner(id hostarch.DomID, maxPages uint64) *Owner {
	o := &Owner{ID: id, maxPages: maxPages}
	o.PageAlloc.Init(PageAllocClass)
	return o
}

// TotPages returns the number of frames the domain holds.
func (o *Owner) TotPages(ctx context.Context) uint64 {
	defer o.PageAlloc.Acquire(ctx).Release()
	return o.totPages
}

// TotPagesLocked is TotPages for callers holding PageAlloc.
func (o *Owner) TotPagesLocked(ctx context.Context) uint64 {
	o.PageAlloc.AssertHeld(ctx)
	return o.totPages
}

// MaxPages returns the domain's reservation.
func (o *Owner) MaxPages(ctx context.Context) uint64 {
	defer o.PageAlloc.Acquire(ctx).Release()
	return o.maxPages
}

// SetMaxPages changes the domain's reservation.
func (o *Owner) SetMaxPages(ctx context.Context, n uint64) {
	defer o.PageAlloc.Acquire(ctx).Release()
	o.maxPages = n
}

// AllocDomainPages allocates zeroed frames and assigns them to o.
func (m *Machine) AllocDomainPages(ctx context.Context, o *Owner, order uint) (hostarch.MFN, error) {
	defer o.PageAlloc.Acquire(ctx).Release()
	return m.AllocDomainPagesLocked(ctx, o, order)
}

// AllocDomainPagesLocked is AllocDomainPages for callers holding
// o.PageAlloc.
func (m *Machine) AllocDomainPagesLocked(ctx context.Context, o *Owner, order uint) (hostarch.MFN, error) {
	o.PageAlloc.AssertHeld(ctx)
	n := hostarch.PagesForOrder(order)
	if o.totPages+n > o.maxPages {
		return hostarch.InvalidMFN, fmt.Errorf("d%d: %d pages would exceed reservation of %d: %w", o.ID, o.totPages+n, o.maxPages, hverr.ENOMEM)
	}
	mfn, err := m.allocLocked(ctx, order)
	if err != nil {
		return mfn, err
	}
	for i := uint64(0); i < n; i++ {
		m.Ledger.assign(mfn.Add(i), o.ID)
		m.Ledger.Info(mfn.Add(i)).SetFlags(FlagAllocated)
		m.Mem.Clear(mfn.Add(i))
	}
	o.totPages += n
	return mfn, nil
}

// FreeDomainPages returns frames held by o to the heap.
func (m *Machine) FreeDomainPages(ctx context.Context, o *Owner, mfn hostarch.MFN, order uint) {
	defer o.PageAlloc.Acquire(ctx).Release()
	m.FreeDomainPagesLocked(ctx, o, mfn, order)
}

// FreeDomainPagesLocked is FreeDomainPages for callers holding o.PageAlloc.
func (m *Machine) FreeDomainPagesLocked(ctx context.Context, o *Owner, mfn hostarch.MFN, order uint) {
	o.PageAlloc.AssertHeld(ctx)
	n := hostarch.PagesForOrder(order)
	for i := uint64(0); i < n; i++ {
		m.Ledger.release(mfn.Add(i), o.ID)
	}
	o.totPages -= n
	m.freeLocked(ctx, mfn, order)
}

// RelinquishDomainPages frees every heap frame o still holds and returns
// how many it had to leave behind because something still references them.
func (m *Machine) RelinquishDomainPages(ctx context.Context, o *Owner) uint64 {
	defer o.PageAlloc.Acquire(ctx).Release()
	var busy uint64
	for i := range m.Ledger.pages {
		mfn := hostarch.MFN(i)
		p := &m.Ledger.pages[i]
		if p.Owner() != o.ID || !p.TestFlags(FlagAllocated) {
			continue
		}
		if p.Count() != 0 {
			busy++
			continue
		}
		m.FreeDomainPagesLocked(ctx, o, mfn, 0)
	}
	return busy
}
