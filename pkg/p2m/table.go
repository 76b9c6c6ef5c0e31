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

// Package p2m implements the per-domain physical-to-machine table: a 4-level
// radix of hardware-shaped entries mapping each GFN to an MFN and a type,
// together with the populate-on-demand cache that backs it lazily.
//
// Lookups are lock-free. Every entry is one 64-bit word written atomically,
// and intermediate tables are fully built before they are linked, so a
// reader never observes a partial path. Updates are serialized by the table
// lock, which is ordered before the domain's page-alloc lock and before the
// paging engines' locks.
package p2m

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/metric"
)

const (
	// Levels is the depth of the table.
	Levels = 4

	// MaxGFN is the largest GFN the table can map.
	MaxGFN = hostarch.GFN(1)<<(Levels*9) - 1

	superPages = 1 << hostarch.SuperPageOrder
)

// LockClass is the class of every table lock.
var LockClass = locking.NewMutexClass("p2m")

func init() {
	locking.AddOrder(LockClass, frame.PageAllocClass)
}

var guestLookups = metric.MustCreateNewUint64Metric("p2m_guest_lookups", true, "P2M lookups made on behalf of guest accesses.", metric.NewField("domain"))

// PageSource provides zeroed frames for table pages. Before a paging engine
// is enabled the machine heap serves; afterwards the engine's pool does.
type PageSource interface {
	AllocTablePage(ctx context.Context) (hostarch.MFN, error)
	FreeTablePage(ctx context.Context, mfn hostarch.MFN)
}

// Observer is told about every change to the table. It is called with the
// table lock held, after the change is visible to readers.
type Observer interface {
	// EntryChanged reports that the entry covering gfn at level changed from
	// prev to next. A level 2 change from a leaf to a table is a split.
	EntryChanged(ctx context.Context, gfn hostarch.GFN, level int, prev, next Entry)

	// TypeChangedGlobal reports the completion of ChangeTypeGlobal.
	TypeChangedGlobal(ctx context.Context, from, to Type)
}

// MachineSource allocates table pages straight from the machine heap.
type MachineSource struct {
	Machine *frame.Machine
}

// AllocTablePage implements PageSource.AllocTablePage.
func (s MachineSource) AllocTablePage(ctx context.Context) (hostarch.MFN, error) {
	return s.Machine.AllocXenPages(ctx, 0)
}

// FreeTablePage implements PageSource.FreeTablePage.
func (s MachineSource) FreeTablePage(ctx context.Context, mfn hostarch.MFN) {
	s.Machine.FreeXenPages(ctx, mfn, 0)
}

// Options configure a new Table.
type Options struct {
	Machine  *frame.Machine
	Owner    *frame.Owner
	Source   PageSource
	Observer Observer
}

// Table is a domain's P2M.
type Table struct {
	domain  hostarch.DomID
	label   string
	machine *frame.Machine
	owner   *frame.Owner
	log     log.Logger

	mu locking.Mutex

	// root is the level 4 table. It is set at creation and cleared only by
	// Teardown.
	root atomic.Uint64

	// emt is set when leaves carry a memory type.
	emt atomic.Bool

	// maxMapped is the highest GFN ever mapped.
	maxMapped atomic.Uint64

	// +checklocks:mu
	source PageSource
	// +checklocks:mu
	observer Observer
	// pages lists every table page, including pages displaced by superpage
	// writes. Displaced pages may still be walked by lock-free readers, so
	// they are only returned to the source at teardown.
	//
	// +checklocks:mu
	pages []hostarch.MFN

	pod PoD
}

// New creates an empty table.
func New(ctx context.Context, opts Options) (*Table, error) {
	t := &Table{
		domain:   opts.Owner.ID,
		label:    strconv.Itoa(int(opts.Owner.ID)),
		machine:  opts.Machine,
		owner:    opts.Owner,
		log:      log.Prefixed(log.Log(), fmt.Sprintf("d%d p2m:", opts.Owner.ID)),
		source:   opts.Source,
		observer: opts.Observer,
	}
	if t.source == nil {
		t.source = MachineSource{Machine: opts.Machine}
	}
	t.mu.Init(LockClass)
	t.pod.init(t)

	defer t.mu.Acquire(ctx).Release()
	root, err := t.allocTableLocked(ctx)
	if err != nil {
		return nil, err
	}
	t.root.Store(uint64(root))
	return t, nil
}

// Domain returns the owning domain.
func (t *Table) Domain() hostarch.DomID {
	return t.domain
}

// Owner returns the domain accounting the table uses.
func (t *Table) Owner() *frame.Owner {
	return t.owner
}

// Machine returns the machine backing the table.
func (t *Table) Machine() *frame.Machine {
	return t.machine
}

// PoD returns the populate-on-demand state.
func (t *Table) PoD() *PoD {
	return &t.pod
}

// Root returns the level 4 table, which HAP hands to hardware.
func (t *Table) Root() hostarch.MFN {
	return hostarch.MFN(t.root.Load())
}

// MaxMapped returns the highest GFN ever mapped.
func (t *Table) MaxMapped() hostarch.GFN {
	return hostarch.GFN(t.maxMapped.Load())
}

// Lock acquires the table lock.
func (t *Table) Lock(ctx context.Context) {
	t.mu.Lock(ctx)
}

// Unlock releases the table lock.
func (t *Table) Unlock(ctx context.Context) {
	t.mu.Unlock(ctx)
}

// Acquire acquires the table lock and returns a guard releasing it.
func (t *Table) Acquire(ctx context.Context) *locking.Guard {
	return t.mu.Acquire(ctx)
}

// LockedByMe returns true if the caller holds the table lock.
func (t *Table) LockedByMe(ctx context.Context) bool {
	return t.mu.LockedByMe(ctx)
}

// SetPageSource changes where table pages come from. Pages already in use are
// freed to the source that is current at teardown.
func (t *Table) SetPageSource(ctx context.Context, src PageSource) {
	defer t.mu.Acquire(ctx).Release()
	t.source = src
}

// SetObserver installs the change observer.
func (t *Table) SetObserver(ctx context.Context, o Observer) {
	defer t.mu.Acquire(ctx).Release()
	t.observer = o
}

// SetEMT turns memory type encoding on or off and re-encodes every leaf.
func (t *Table) SetEMT(ctx context.Context, on bool) {
	defer t.mu.Acquire(ctx).Release()
	if t.emt.Swap(on) == on {
		return
	}
	t.walkLeaves(func(table hostarch.MFN, idx int, gfn hostarch.GFN, level int, e Entry) {
		t.machine.Mem.Store(table, idx, uint64(e.WithType(e.Type(), on)))
	})
}

// EMT returns true if leaves carry a memory type.
func (t *Table) EMT() bool {
	return t.emt.Load()
}

// PageCount returns the number of table pages in use.
func (t *Table) PageCount(ctx context.Context) int {
	defer t.mu.Acquire(ctx).Release()
	return len(t.pages)
}

// +checklocks:t.mu
func (t *Table) allocTableLocked(ctx context.Context) (hostarch.MFN, error) {
	mfn, err := t.source.AllocTablePage(ctx)
	if err != nil {
		return hostarch.InvalidMFN, fmt.Errorf("d%d: allocating p2m table page: %w", t.domain, err)
	}
	t.machine.Mem.Clear(mfn)
	t.pages = append(t.pages, mfn)
	return mfn, nil
}

func index(gfn hostarch.GFN, level int) int {
	return int(uint64(gfn)>>(9*(level-1))) & (hostarch.EntriesPerTable - 1)
}

func orderAt(level int) uint {
	if level == 2 {
		return hostarch.SuperPageOrder
	}
	return 0
}

// lookup walks to the leaf for gfn without locking. It returns the leaf and
// the level it was found at; an absent path returns a zero entry.
func (t *Table) lookup(gfn hostarch.GFN) (Entry, int) {
	if gfn > MaxGFN {
		return 0, 1
	}
	mem := t.machine.Mem
	table := t.Root()
	if !table.Valid() {
		return 0, Levels
	}
	for level := Levels; level > 1; level-- {
		e := Entry(mem.Load(table, index(gfn, level)))
		if !e.isTable() {
			if level == 2 && e.isLeaf() {
				return e, 2
			}
			return 0, level
		}
		table = e.MFN()
	}
	return Entry(mem.Load(table, index(gfn, 1))), 1
}

// decode returns the translation of gfn given its leaf.
func decode(e Entry, level int, gfn hostarch.GFN) (hostarch.MFN, Type) {
	mfn, typ := e.Unpack()
	if level == 2 && mfn.Valid() {
		mfn = mfn.Add(uint64(gfn) & (superPages - 1))
	}
	return mfn, typ
}

// Lookup returns the leaf entry covering gfn and its order, without
// populating.
func (t *Table) Lookup(gfn hostarch.GFN) (Entry, uint) {
	e, level := t.lookup(gfn)
	return e, orderAt(level)
}

// GetEntry translates gfn. QueryAlloc and QueryGuest populate a
// PopulateOnDemand entry first; if that fails the result is (InvalidMFN,
// PopulateOnDemand). An unmapped GFN returns (InvalidMFN, Invalid).
//
// GetEntry in a populating mode takes the table lock when it has to populate,
// so callers holding it must use GetEntryLocked.
func (t *Table) GetEntry(ctx context.Context, gfn hostarch.GFN, q Query) (hostarch.MFN, Type) {
	if q == QueryGuest {
		guestLookups.Increment(t.label)
	}
	for {
		e, level := t.lookup(gfn)
		mfn, typ := decode(e, level, gfn)
		if typ != PopulateOnDemand || q == QueryOnly {
			return mfn, typ
		}
		t.mu.Lock(ctx)
		err := t.pod.demandPopulateLocked(ctx, gfn, q)
		t.mu.Unlock(ctx)
		if err != nil {
			return hostarch.InvalidMFN, PopulateOnDemand
		}
	}
}

// GetEntryLocked is GetEntry for callers holding the table lock.
//
// +checklocks:t.mu
func (t *Table) GetEntryLocked(ctx context.Context, gfn hostarch.GFN, q Query) (hostarch.MFN, Type) {
	t.mu.AssertHeld(ctx)
	if q == QueryGuest {
		guestLookups.Increment(t.label)
	}
	for {
		e, level := t.lookup(gfn)
		mfn, typ := decode(e, level, gfn)
		if typ != PopulateOnDemand || q == QueryOnly {
			return mfn, typ
		}
		if err := t.pod.demandPopulateLocked(ctx, gfn, q); err != nil {
			return hostarch.InvalidMFN, PopulateOnDemand
		}
	}
}

// SetEntry maps 2^order GFNs from gfn to consecutive frames from mfn with
// type typ. Types that carry no frame ignore mfn. Aligned runs are written
// as superpages. It fails only if a table page cannot be allocated.
func (t *Table) SetEntry(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint, typ Type) error {
	defer t.mu.Acquire(ctx).Release()
	return t.SetEntryLocked(ctx, gfn, mfn, order, typ)
}

// SetEntryLocked is SetEntry for callers holding the table lock.
//
// +checklocks:t.mu
func (t *Table) SetEntryLocked(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint, typ Type) error {
	t.mu.AssertHeld(ctx)
	n := hostarch.PagesForOrder(order)
	if uint64(gfn)+n-1 > uint64(MaxGFN) {
		return fmt.Errorf("d%d: %v order %d beyond the table: %w", t.domain, gfn, order, hverr.EINVAL)
	}
	withMFN := hasMFN(typ) && mfn.Valid()
	for done := uint64(0); done < n; {
		g := gfn.Add(done)
		m := mfn
		if withMFN {
			m = mfn.Add(done)
		}
		o := uint(0)
		if n-done >= superPages && uint64(g)%superPages == 0 && (!withMFN || uint64(m)%superPages == 0) {
			o = hostarch.SuperPageOrder
		}
		if err := t.setOneLocked(ctx, g, m, o, typ); err != nil {
			return err
		}
		done += hostarch.PagesForOrder(o)
	}
	return nil
}

// setOneLocked writes one leaf of order 0 or superpage order.
//
// +checklocks:t.mu
func (t *Table) setOneLocked(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint, typ Type) error {
	level := 1
	if order == hostarch.SuperPageOrder {
		level = 2
	}
	table, ok, err := t.slotLocked(ctx, gfn, level, typ != Invalid)
	if err != nil {
		return err
	}
	if !ok {
		// Nothing mapped and nothing to map.
		return nil
	}
	e := Pack(mfn, typ, level == 2, t.emt.Load())
	t.writeLocked(ctx, table, index(gfn, level), gfn, level, e)
	if typ != Invalid {
		last := uint64(gfn) + hostarch.PagesForOrder(order) - 1
		for {
			cur := t.maxMapped.Load()
			if last <= cur || t.maxMapped.CompareAndSwap(cur, last) {
				break
			}
		}
	}
	return nil
}

// writeLocked stores e into a slot and reports the change.
//
// +checklocks:t.mu
func (t *Table) writeLocked(ctx context.Context, table hostarch.MFN, idx int, gfn hostarch.GFN, level int, e Entry) Entry {
	old := Entry(t.machine.Mem.Load(table, idx))
	if old == e {
		return old
	}
	t.machine.Mem.Store(table, idx, uint64(e))
	if t.observer != nil {
		t.observer.EntryChanged(ctx, gfn, level, old, e)
	}
	return old
}

// slotLocked returns the table holding the level entry for gfn, building
// missing tables when create is set and splitting a superpage in the way.
// It returns false if the path is absent and create is not set.
//
// +checklocks:t.mu
func (t *Table) slotLocked(ctx context.Context, gfn hostarch.GFN, level int, create bool) (hostarch.MFN, bool, error) {
	mem := t.machine.Mem
	table := t.Root()
	for l := Levels; l > level; l-- {
		idx := index(gfn, l)
		e := Entry(mem.Load(table, idx))
		switch {
		case e.isTable():
			table = e.MFN()
			continue
		case l == 2 && e.isLeaf():
			next, err := t.splitLocked(ctx, table, idx, gfn, e)
			if err != nil {
				return hostarch.InvalidMFN, false, err
			}
			table = next
			continue
		case !create:
			return hostarch.InvalidMFN, false, nil
		}
		next, err := t.allocTableLocked(ctx)
		if err != nil {
			return hostarch.InvalidMFN, false, err
		}
		mem.Store(table, idx, uint64(tableEntry(next)))
		table = next
	}
	return table, true, nil
}

// splitLocked replaces a superpage leaf with a level 1 table holding the same
// 512 translations.
//
// +checklocks:t.mu
func (t *Table) splitLocked(ctx context.Context, parent hostarch.MFN, idx int, gfn hostarch.GFN, super Entry) (hostarch.MFN, error) {
	l1, err := t.allocTableLocked(ctx)
	if err != nil {
		return hostarch.InvalidMFN, err
	}
	mfn, typ := super.Unpack()
	emt := t.emt.Load()
	for i := 0; i < hostarch.EntriesPerTable; i++ {
		m := mfn
		if m.Valid() {
			m = m.Add(uint64(i))
		}
		t.machine.Mem.Store(l1, i, uint64(Pack(m, typ, false, emt)))
	}
	base := hostarch.GFN(uint64(gfn) &^ (superPages - 1))
	t.writeLocked(ctx, parent, idx, base, 2, tableEntry(l1))
	return l1, nil
}

// ChangeType atomically changes the type of gfn from from to to, leaving the
// frame alone. It returns the type found; the change happened iff that is
// from and the error is nil. An error means gfn is in a superpage that could
// not be split.
func (t *Table) ChangeType(ctx context.Context, gfn hostarch.GFN, from, to Type) (Type, error) {
	defer t.mu.Acquire(ctx).Release()
	return t.ChangeTypeLocked(ctx, gfn, from, to)
}

// ChangeTypeLocked is ChangeType for callers holding the table lock.
//
// +checklocks:t.mu
func (t *Table) ChangeTypeLocked(ctx context.Context, gfn hostarch.GFN, from, to Type) (Type, error) {
	t.mu.AssertHeld(ctx)
	e, _ := t.lookup(gfn)
	if e.Type() != from {
		return e.Type(), nil
	}
	// A superpage is split so that only gfn changes.
	table, ok, err := t.slotLocked(ctx, gfn, 1, false)
	if err != nil {
		return e.Type(), fmt.Errorf("d%d: change_type %v %s -> %s: %w", t.domain, gfn, from, to, err)
	}
	if !ok {
		return Invalid, nil
	}
	idx := index(gfn, 1)
	mem := t.machine.Mem
	old := Entry(mem.Load(table, idx))
	if old.Type() != from {
		return old.Type(), nil
	}
	next := old.WithType(to, t.emt.Load())
	if !mem.CompareAndSwap(table, idx, uint64(old), uint64(next)) {
		panic(fmt.Sprintf("d%d: p2m entry for %v changed under the table lock", t.domain, gfn))
	}
	if t.observer != nil {
		t.observer.EntryChanged(ctx, gfn, 1, old, next)
	}
	return from, nil
}

// ChangeTypeGlobal retypes every leaf of type from to to. Each leaf is
// rewritten with a single atomic store, so concurrent readers see either
// type.
func (t *Table) ChangeTypeGlobal(ctx context.Context, from, to Type) {
	defer t.mu.Acquire(ctx).Release()
	emt := t.emt.Load()
	mem := t.machine.Mem
	t.walkLeaves(func(table hostarch.MFN, idx int, gfn hostarch.GFN, level int, e Entry) {
		if e.Type() != from {
			return
		}
		if !mem.CompareAndSwap(table, idx, uint64(e), uint64(e.WithType(to, emt))) {
			panic(fmt.Sprintf("d%d: p2m entry for %v changed under the table lock", t.domain, gfn))
		}
	})
	if t.observer != nil {
		t.observer.TypeChangedGlobal(ctx, from, to)
	}
}

// walkLeaves calls fn for every non-empty leaf, in GFN order.
func (t *Table) walkLeaves(fn func(table hostarch.MFN, idx int, gfn hostarch.GFN, level int, e Entry)) {
	root := t.Root()
	if !root.Valid() {
		return
	}
	t.walkTable(root, Levels, 0, fn)
}

func (t *Table) walkTable(table hostarch.MFN, level int, base hostarch.GFN, fn func(hostarch.MFN, int, hostarch.GFN, int, Entry)) {
	mem := t.machine.Mem
	span := uint64(1) << (9 * (level - 1))
	for i := 0; i < hostarch.EntriesPerTable; i++ {
		e := Entry(mem.Load(table, i))
		if e == 0 {
			continue
		}
		gfn := base.Add(uint64(i) * span)
		if level > 1 && e.isTable() {
			t.walkTable(e.MFN(), level-1, gfn, fn)
			continue
		}
		fn(table, i, gfn, level, e)
	}
}

// Mapping is one leaf of the table.
type Mapping struct {
	GFN   hostarch.GFN
	MFN   hostarch.MFN
	Order uint
	Type  Type
}

// ForEach calls fn for every mapped leaf in GFN order until fn returns false.
// Superpages are reported once with order 9. Callers that need a stable view
// hold the table lock.
func (t *Table) ForEach(fn func(Mapping) bool) {
	stop := false
	t.walkLeaves(func(_ hostarch.MFN, _ int, gfn hostarch.GFN, level int, e Entry) {
		if stop {
			return
		}
		mfn, typ := e.Unpack()
		if !fn(Mapping{GFN: gfn, MFN: mfn, Order: orderAt(level), Type: typ}) {
			stop = true
		}
	})
}

// Teardown empties the PoD cache and returns every table page to the page
// source. The table must not be used afterwards.
func (t *Table) Teardown(ctx context.Context) {
	t.pod.EmptyCache(ctx)
	defer t.mu.Acquire(ctx).Release()
	t.root.Store(uint64(hostarch.InvalidMFN))
	for _, mfn := range t.pages {
		t.source.FreeTablePage(ctx, mfn)
	}
	t.pages = nil
}
