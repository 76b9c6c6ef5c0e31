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
	"fmt"
	"sync/atomic"

	"gvisor.dev/hvmm/pkg/hostarch"
)

// PageType is the use a frame is currently validated for.
type PageType uint32

// Page types.
const (
	// TypeNone is a frame with no type references.
	TypeNone PageType = iota

	// TypeWritable is a frame mapped writable somewhere.
	TypeWritable

	// TypeL1 through TypeL4 are guest page-table frames of that level.
	TypeL1
	TypeL2
	TypeL3
	TypeL4

	// TypeShadow is a frame holding a shadow page table.
	TypeShadow

	// TypeP2M is a frame holding part of a P2M table.
	TypeP2M

	// TypeSnapshot is a frame holding an out-of-sync snapshot.
	TypeSnapshot

	// TypeMonitor is a frame holding a monitor table.
	TypeMonitor
)

var pageTypeNames = [...]string{
	TypeNone:     "none",
	TypeWritable: "writable",
	TypeL1:       "l1",
	TypeL2:       "l2",
	TypeL3:       "l3",
	TypeL4:       "l4",
	TypeShadow:   "shadow",
	TypeP2M:      "p2m",
	TypeSnapshot: "snapshot",
	TypeMonitor:  "monitor",
}

// String implements fmt.Stringer.String.
func (t PageType) String() string {
	if int(t) < len(pageTypeNames) {
		return pageTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// Flags are per-frame state bits.
type Flags uint32

const (
	// FlagAllocated marks a frame assigned to a domain heap.
	FlagAllocated Flags = 1 << iota

	// FlagPageTable marks a guest frame that is currently shadowed as a
	// page table.
	FlagPageTable

	// FlagOutOfSync marks a shadowed guest frame whose shadows are not
	// being kept in sync.
	FlagOutOfSync
)

// PageInfo is the ledger entry for one machine frame.
type PageInfo struct {
	owner       atomic.Uint32
	count       atomic.Uint32
	typeInfo    atomic.Uint64
	flags       atomic.Uint32
	shadowFlags atomic.Uint32
	gfn         atomic.Uint64
}

// typeInfo packs the type in the high half and the type count in the low
// half so that both change together.
func packType(t PageType, count uint32) uint64 {
	return uint64(t)<<32 | uint64(count)
}

func unpackType(v uint64) (PageType, uint32) {
	return PageType(v >> 32), uint32(v)
}

// Owner returns the owning domain.
func (p *PageInfo) Owner() hostarch.DomID {
	return hostarch.DomID(p.owner.Load())
}

// Count returns the general reference count.
func (p *PageInfo) Count() uint32 {
	return p.count.Load()
}

// Type returns the current type and type count.
func (p *PageInfo) Type() (PageType, uint32) {
	return unpackType(p.typeInfo.Load())
}

// GetPage takes a general reference on a frame owned by dom.
func (p *PageInfo) GetPage(dom hostarch.DomID) bool {
	if p.Owner() != dom {
		return false
	}
	p.count.Add(1)
	return true
}

// PutPage drops a general reference.
func (p *PageInfo) PutPage() {
	for {
		c := p.count.Load()
		if c == 0 {
			panic("PutPage on a frame with no references")
		}
		if p.count.CompareAndSwap(c, c-1) {
			return
		}
	}
}

// GetType takes a type reference for t. It fails if the frame is currently
// validated for another type.
func (p *PageInfo) GetType(t PageType) bool {
	for {
		old := p.typeInfo.Load()
		cur, n := unpackType(old)
		if n != 0 && cur != t {
			return false
		}
		if p.typeInfo.CompareAndSwap(old, packType(t, n+1)) {
			return true
		}
	}
}

// PutType drops a type reference. The type reverts to TypeNone when the last
// reference goes.
func (p *PageInfo) PutType() {
	for {
		old := p.typeInfo.Load()
		cur, n := unpackType(old)
		if n == 0 {
			panic(fmt.Sprintf("PutType on %s frame with no type references", cur))
		}
		next := packType(cur, n-1)
		if n == 1 {
			next = packType(TypeNone, 0)
		}
		if p.typeInfo.CompareAndSwap(old, next) {
			return
		}
	}
}

// Flags returns the frame flags.
func (p *PageInfo) Flags() Flags {
	return Flags(p.flags.Load())
}

// TestFlags returns true if every flag in f is set.
func (p *PageInfo) TestFlags(f Flags) bool {
	return p.Flags()&f == f
}

// SetFlags sets f and returns the previous flags.
func (p *PageInfo) SetFlags(f Flags) Flags {
	return Flags(p.flags.Or(uint32(f)))
}

// ClearFlags clears f and returns the previous flags.
func (p *PageInfo) ClearFlags(f Flags) Flags {
	return Flags(p.flags.And(^uint32(f)))
}

// ShadowFlags returns the set of shadow types shadowing this frame.
func (p *PageInfo) ShadowFlags() uint32 {
	return p.shadowFlags.Load()
}

// AddShadowFlags records that this frame is shadowed with the types in f.
func (p *PageInfo) AddShadowFlags(f uint32) uint32 {
	return p.shadowFlags.Or(f)
}

// RemoveShadowFlags forgets the shadow types in f.
func (p *PageInfo) RemoveShadowFlags(f uint32) uint32 {
	return p.shadowFlags.And(^f)
}

// Ledger holds a PageInfo for every machine frame, and the machine-to-phys
// table mapping each frame back to the GFN it backs.
type Ledger struct {
	pages []PageInfo
}

// NewLedger returns a ledger of free frames.
func NewLedger(frames uint64) *Ledger {
	l := &Ledger{pages: make([]PageInfo, frames)}
	for i := range l.pages {
		l.pages[i].owner.Store(uint32(hostarch.DomIDInvalid))
		l.pages[i].gfn.Store(uint64(hostarch.InvalidGFN))
	}
	return l
}

// Info returns the ledger entry of mfn.
func (l *Ledger) Info(mfn hostarch.MFN) *PageInfo {
	if uint64(mfn) >= uint64(len(l.pages)) {
		panic(fmt.Sprintf("%v outside ledger of %d frames", mfn, len(l.pages)))
	}
	return &l.pages[mfn]
}

// Owner returns the owner of mfn, or DomIDInvalid for frames outside the
// machine. MMIO frames are never in the ledger.
func (l *Ledger) Owner(mfn hostarch.MFN) hostarch.DomID {
	if uint64(mfn) >= uint64(len(l.pages)) {
		return hostarch.DomIDInvalid
	}
	return l.pages[mfn].Owner()
}

// Tracks returns true if mfn is a frame described by the ledger.
func (l *Ledger) Tracks(mfn hostarch.MFN) bool {
	return uint64(mfn) < uint64(len(l.pages))
}

// assign makes dom the owner of a free frame.
func (l *Ledger) assign(mfn hostarch.MFN, dom hostarch.DomID) {
	p := l.Info(mfn)
	if !p.owner.CompareAndSwap(uint32(hostarch.DomIDInvalid), uint32(dom)) {
		panic(fmt.Sprintf("%v assigned to d%d but already owned by d%d", mfn, dom, p.Owner()))
	}
}

// release returns a frame owned by dom to the free state.
func (l *Ledger) release(mfn hostarch.MFN, dom hostarch.DomID) {
	p := l.Info(mfn)
	if c := p.Count(); c != 0 {
		panic(fmt.Sprintf("%v released by d%d with %d references", mfn, dom, c))
	}
	if !p.owner.CompareAndSwap(uint32(dom), uint32(hostarch.DomIDInvalid)) {
		panic(fmt.Sprintf("%v released by d%d but owned by d%d", mfn, dom, p.Owner()))
	}
	p.typeInfo.Store(packType(TypeNone, 0))
	p.flags.Store(0)
	p.shadowFlags.Store(0)
	p.gfn.Store(uint64(hostarch.InvalidGFN))
}

// SetGFN records that mfn backs gfn.
func (l *Ledger) SetGFN(mfn hostarch.MFN, gfn hostarch.GFN) {
	l.Info(mfn).gfn.Store(uint64(gfn))
}

// GFN returns the GFN backed by mfn, or InvalidGFN.
func (l *Ledger) GFN(mfn hostarch.MFN) hostarch.GFN {
	if !l.Tracks(mfn) {
		return hostarch.InvalidGFN
	}
	return hostarch.GFN(l.pages[mfn].gfn.Load())
}
