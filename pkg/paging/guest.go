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

package paging

import (
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
)

// Guest page-table entry bits.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWrite    uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTEPWT      uint64 = 1 << 3
	PTEPCD      uint64 = 1 << 4
	PTEAccessed uint64 = 1 << 5
	PTEDirty    uint64 = 1 << 6
	PTEPSE      uint64 = 1 << 7
	PTEGlobal   uint64 = 1 << 8
	PTENX       uint64 = 1 << 63

	pteAddrMask64 uint64 = 0x000ffffffffff000
	pteAddrMask32 uint64 = 0xfffff000
)

// Shape is a guest page-table format, named by its depth: 2 (32-bit), 3
// (PAE) or 4 (long mode).
type Shape int

// Wide returns true if entries are 8 bytes.
func (s Shape) Wide() bool {
	return s != 2
}

// EntryBytes returns the entry size.
func (s Shape) EntryBytes() int {
	if s.Wide() {
		return 8
	}
	return 4
}

// Entries returns the number of entries in one table page.
func (s Shape) Entries() int {
	return hostarch.PageSize / s.EntryBytes()
}

// Addr returns the frame an entry points to.
func (s Shape) Addr(e uint64) hostarch.GFN {
	if s.Wide() {
		return hostarch.GFN((e & pteAddrMask64) >> hostarch.PageShift)
	}
	return hostarch.GFN((e & pteAddrMask32) >> hostarch.PageShift)
}

// Index returns the slot of va in a level table. For PAE the top-level index
// is relative to the 32-byte block CR3 points at.
func (s Shape) Index(va hostarch.Addr, level int) int {
	switch {
	case s == 2:
		return int(va>>(hostarch.PageShift+10*uint(level-1))) & 1023
	case s == 3 && level == 3:
		return int(va>>30) & 3
	default:
		return int(va>>(hostarch.PageShift+9*uint(level-1))) & 511
	}
}

// SuperShift returns the log2 of the bytes covered by a level 2 superpage.
func (s Shape) SuperShift() uint {
	if s == 2 {
		return 22
	}
	return 21
}

// Limit returns true if va lies inside the guest's addressable range.
func (s Shape) Limit(va hostarch.Addr) bool {
	if s == 4 {
		return va < 1<<48
	}
	return va < 1<<32
}

// LoadEntry reads entry idx of the table in mfn.
func LoadEntry(mem *frame.Memory, mfn hostarch.MFN, idx int, wide bool) uint64 {
	if wide {
		return mem.Load(mfn, idx)
	}
	return uint64(mem.Load32(mfn, idx))
}

// StoreEntry writes entry idx of the table in mfn.
func StoreEntry(mem *frame.Memory, mfn hostarch.MFN, idx int, wide bool, v uint64) {
	if wide {
		mem.Store(mfn, idx, v)
		return
	}
	mem.Store32(mfn, idx, uint32(v))
}

// CASEntry compares and swaps entry idx of the table in mfn.
func CASEntry(mem *frame.Memory, mfn hostarch.MFN, idx int, wide bool, old, v uint64) bool {
	if wide {
		return mem.CompareAndSwap(mfn, idx, old, v)
	}
	return mem.CompareAndSwap32(mfn, idx, uint32(old), uint32(v))
}

// Walk is the result of a guest page-table walk. Arrays are indexed by
// level; level 0 is unused.
type Walk struct {
	VA     hostarch.Addr
	Levels int

	// GFN is the frame va translates to.
	GFN hostarch.GFN

	// Entries are the guest entries as seen by the walk.
	Entries [5]uint64

	// Tables and TableGFNs locate each level's table; Index is the slot
	// used.
	Tables    [5]hostarch.MFN
	TableGFNs [5]hostarch.GFN
	Index     [5]int

	// Superpage is 2 if the walk ended at a large page.
	Superpage int

	// Effective permissions of the whole walk.
	Writable bool
	User     bool
	NX       bool
}

// Leaf returns the level at which the walk ended.
func (w *Walk) Leaf() int {
	if w.Superpage != 0 {
		return w.Superpage
	}
	return 1
}

// L1E returns the leaf as a 4KB entry with the walk's permissions folded in.
func (w *Walk) L1E() uint64 {
	if w.Levels == 0 {
		return uint64(w.GFN)<<hostarch.PageShift | PTEPresent | PTEWrite | PTEUser | PTEAccessed | PTEDirty
	}
	leaf := w.Entries[w.Leaf()]
	e := uint64(w.GFN)<<hostarch.PageShift | PTEPresent | leaf&(PTEAccessed|PTEDirty|PTEPWT|PTEPCD|PTEGlobal)
	if w.Writable {
		e |= PTEWrite
	}
	if w.User {
		e |= PTEUser
	}
	if w.NX {
		e |= PTENX
	}
	return e
}

func (w *Walk) String() string {
	return fmt.Sprintf("walk(%v -> %v, %d levels, leaf %#x)", w.VA, w.GFN, w.Levels, w.Entries[w.Leaf()])
}

// TableFunc translates the GFN of a guest page table. It returns false if
// the frame is not RAM and an error if the domain cannot continue.
type TableFunc func(ctx context.Context, gfn hostarch.GFN) (hostarch.MFN, bool, error)

// guestTable translates a table GFN through the P2M, populating it if
// needed.
func (d *Domain) guestTable(ctx context.Context, gfn hostarch.GFN) (hostarch.MFN, bool, error) {
	mfn, typ := d.P2M.GetEntry(ctx, gfn, p2m.QueryGuest)
	switch {
	case typ == p2m.PopulateOnDemand:
		return hostarch.InvalidMFN, false, fmt.Errorf("d%d: populating guest table %v: %w", d.ID, gfn, hverr.EAGAIN)
	case !typ.IsRAM():
		return hostarch.InvalidMFN, false, nil
	}
	return mfn, true, nil
}

// WalkGuest walks v's guest page tables for an access to va, translating
// table frames through the P2M. Accessed and dirty bits are set as the
// hardware would.
//
// A non-nil fault is to be delivered to the guest. An error means the walk
// could not be completed; EAGAIN reports a failed PoD population.
func (v *Vcpu) WalkGuest(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) (Walk, *GuestFault, error) {
	return v.walk(ctx, va, at, v.d.guestTable, true)
}

// walk is WalkGuest with a table translator. setAD is false for lookups
// that must not disturb the tables.
func (v *Vcpu) walk(ctx context.Context, va hostarch.Addr, at hostarch.AccessType, tf TableFunc, setAD bool) (Walk, *GuestFault, error) {
	for {
		w, fault, retry, err := v.walkOnce(ctx, va, at, tf, setAD)
		if !retry {
			return w, fault, err
		}
	}
}

func (v *Vcpu) walkOnce(ctx context.Context, va hostarch.Addr, at hostarch.AccessType, tf TableFunc, setAD bool) (w Walk, fault *GuestFault, retry bool, err error) {
	c := v.control
	w = Walk{VA: va, Levels: c.Levels(), Writable: true, User: true}
	if w.Levels == 0 {
		w.GFN = hostarch.GFN(va >> hostarch.PageShift)
		return w, nil, false, nil
	}
	s := Shape(w.Levels)
	if !s.Limit(va) {
		return w, &GuestFault{VA: va, PFEC: at.PFEC(false)}, false, nil
	}
	mem := v.d.Machine.Mem
	wide := s.Wide()

	tableGFN := hostarch.GFN(c.CR3 >> hostarch.PageShift)
	for level := w.Levels; level >= 1; level-- {
		mfn, ok, err := tf(ctx, tableGFN)
		if err != nil {
			return w, nil, false, err
		}
		if !ok {
			return w, &GuestFault{VA: va, PFEC: at.PFEC(false)}, false, nil
		}
		idx := s.Index(va, level)
		if s == 3 && level == 3 {
			idx += int(c.CR3&0xfe0) >> 3
		}
		m, err := v.d.Mapcache.Map(ctx, &v.Mapcache, mfn)
		if err != nil {
			return w, nil, false, err
		}
		e := LoadEntry(mem, mfn, idx, wide)
		v.d.Mapcache.Unmap(ctx, m)

		w.Tables[level] = mfn
		w.TableGFNs[level] = tableGFN
		w.Index[level] = idx
		w.Entries[level] = e

		if e&PTEPresent == 0 {
			return w, &GuestFault{VA: va, PFEC: at.PFEC(false)}, false, nil
		}
		if s == 3 && level == 3 {
			// PAE top-level entries carry no permissions.
			tableGFN = s.Addr(e)
			continue
		}
		w.Writable = w.Writable && e&PTEWrite != 0
		w.User = w.User && e&PTEUser != 0
		if c.NXE && wide && e&PTENX != 0 {
			w.NX = true
		}
		if e&PTEPSE != 0 && level > 1 {
			if level != 2 {
				return w, &GuestFault{VA: va, PFEC: at.PFEC(true) | hostarch.PFECReserved}, false, nil
			}
			w.Superpage = 2
			break
		}
		tableGFN = s.Addr(e)
	}

	leaf := w.Leaf()
	base := s.Addr(w.Entries[leaf])
	if leaf == 2 {
		span := uint64(1) << (s.SuperShift() - hostarch.PageShift)
		base = hostarch.GFN(uint64(base) &^ (span - 1)).Add(uint64(va>>hostarch.PageShift) & (span - 1))
	}
	w.GFN = base

	switch {
	case at.Write && !w.Writable:
		return w, &GuestFault{VA: va, PFEC: at.PFEC(true)}, false, nil
	case at.User && !w.User:
		return w, &GuestFault{VA: va, PFEC: at.PFEC(true)}, false, nil
	case at.Execute && w.NX:
		return w, &GuestFault{VA: va, PFEC: at.PFEC(true)}, false, nil
	}

	if !setAD {
		return w, nil, false, nil
	}
	for level := w.Levels; level >= leaf; level-- {
		if s == 3 && level == 3 {
			continue
		}
		old := w.Entries[level]
		want := old | PTEAccessed
		if level == leaf && at.Write {
			want |= PTEDirty
		}
		if want == old {
			continue
		}
		if !CASEntry(mem, w.Tables[level], w.Index[level], wide, old, want) {
			return w, nil, true, nil
		}
		w.Entries[level] = want
		v.d.MarkDirty(ctx, w.Tables[level])
	}
	return w, nil, false, nil
}

// guestTableQuery translates a table GFN without populating it.
func (d *Domain) guestTableQuery(ctx context.Context, gfn hostarch.GFN) (hostarch.MFN, bool, error) {
	mfn, typ := d.P2M.GetEntry(ctx, gfn, p2m.QueryOnly)
	if !typ.IsRAM() {
		return hostarch.InvalidMFN, false, nil
	}
	return mfn, true, nil
}

// LookupGuest walks v's guest page tables for va without populating frames
// or touching accessed and dirty bits. Permissions are not checked. It
// returns false if va is not mapped.
func (v *Vcpu) LookupGuest(ctx context.Context, va hostarch.Addr) (Walk, bool) {
	w, fault, err := v.walk(ctx, va, hostarch.AccessType{}, v.d.guestTableQuery, false)
	return w, err == nil && fault == nil
}
