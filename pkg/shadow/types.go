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
	"fmt"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/paging"
)

// shadowType is the kind of a page allocated from the pool.
type shadowType uint8

const (
	typeNone shadowType = iota

	// Shadows of 2-level guests. Guest tables hold 1024 entries, so the l1
	// shadows take two pages and the l2 shadow four.
	typeL1x32
	typeFL1x32
	typeL2x32

	// Shadows of PAE guests. typeL2HPAE shadows the l2 mapped by slot 3 of
	// the guest l3.
	typeL1PAE
	typeFL1PAE
	typeL2PAE
	typeL2HPAE

	// Shadows of 4-level guests.
	typeL1x64
	typeFL1x64
	typeL2x64
	typeL3x64
	typeL4x64

	// typeUnpaged is the per-vcpu l2 that maps the first 4GB while the
	// guest has paging off, and typeFL1Unpaged its identity l1s.
	typeUnpaged
	typeFL1Unpaged

	typeMonitor
	typeSnapshot
	typeP2M

	numShadowTypes
)

type typeInfo struct {
	name string

	// order is log2 of the number of pages.
	order uint

	// level is the guest level shadowed, 0 for pages that shadow nothing.
	level int

	// shape is the guest table format.
	shape paging.Shape

	// fl1 types are keyed by the first GFN of the guest superpage rather
	// than by a guest table frame.
	fl1 bool

	// hashed types are found through the hash table.
	hashed bool
}

var typeInfos = [numShadowTypes]typeInfo{
	typeNone:       {name: "none"},
	typeL1x32:      {name: "l1_32", order: 1, level: 1, shape: 2, hashed: true},
	typeFL1x32:     {name: "fl1_32", order: 1, level: 1, shape: 2, fl1: true, hashed: true},
	typeL2x32:      {name: "l2_32", order: 2, level: 2, shape: 2, hashed: true},
	typeL1PAE:      {name: "l1_pae", level: 1, shape: 3, hashed: true},
	typeFL1PAE:     {name: "fl1_pae", level: 1, shape: 3, fl1: true, hashed: true},
	typeL2PAE:      {name: "l2_pae", level: 2, shape: 3, hashed: true},
	typeL2HPAE:     {name: "l2h_pae", level: 2, shape: 3, hashed: true},
	typeL1x64:      {name: "l1_64", level: 1, shape: 4, hashed: true},
	typeFL1x64:     {name: "fl1_64", level: 1, shape: 4, fl1: true, hashed: true},
	typeL2x64:      {name: "l2_64", level: 2, shape: 4, hashed: true},
	typeL3x64:      {name: "l3_64", level: 3, shape: 4, hashed: true},
	typeL4x64:      {name: "l4_64", level: 4, shape: 4, hashed: true},
	typeUnpaged:    {name: "l2_unpaged", order: 2, level: 2},
	typeFL1Unpaged: {name: "fl1_unpaged", level: 1, fl1: true, hashed: true},
	typeMonitor:    {name: "monitor"},
	typeSnapshot:   {name: "snapshot"},
	typeP2M:        {name: "p2m"},
}

func (t shadowType) info() *typeInfo {
	return &typeInfos[t]
}

// String implements fmt.Stringer.String.
func (t shadowType) String() string {
	if t < numShadowTypes {
		return typeInfos[t].name
	}
	return fmt.Sprintf("shadow_type(%d)", uint8(t))
}

// pages returns the number of frames a shadow of type t takes.
func (t shadowType) pages() int {
	return 1 << t.info().order
}

// entries returns the number of shadow entries in a shadow of type t.
func (t shadowType) entries() int {
	return t.pages() * hostarch.EntriesPerTable
}

// isL1 returns true for leaf shadows.
func (t shadowType) isL1() bool {
	return t.info().level == 1
}

// shadowsTable returns true for types that shadow a guest table frame, as
// opposed to fl1s and pages that shadow nothing.
func (t shadowType) shadowsTable() bool {
	ti := t.info()
	return ti.hashed && !ti.fl1
}

// flag is the bit recorded in the guest frame's shadow flags.
func (t shadowType) flag() uint32 {
	return 1 << t
}

// Masks of shadow flags.
var (
	l1Flags = typeL1x32.flag() | typeL1PAE.flag() | typeL1x64.flag()

	// topFlags are types a vcpu can run on.
	topFlags = typeL2x32.flag() | typeL2PAE.flag() | typeL2HPAE.flag() | typeL4x64.flag()
)

// leafTypes are the shadows holding guest mappings.
var leafTypes = []shadowType{typeL1x32, typeFL1x32, typeL1PAE, typeFL1PAE, typeL1x64, typeFL1x64, typeFL1Unpaged}

// childType returns the type of the shadow an entry of a type t shadow
// points at. superpage selects the fl1 of a guest large page.
func childType(t shadowType, superpage bool) shadowType {
	switch t {
	case typeL2x32:
		if superpage {
			return typeFL1x32
		}
		return typeL1x32
	case typeL2PAE, typeL2HPAE:
		if superpage {
			return typeFL1PAE
		}
		return typeL1PAE
	case typeL2x64:
		if superpage {
			return typeFL1x64
		}
		return typeL1x64
	case typeL3x64:
		return typeL2x64
	case typeL4x64:
		return typeL3x64
	case typeUnpaged:
		return typeFL1Unpaged
	}
	panic(fmt.Sprintf("%v has no children", t))
}

// parentTypes returns the types whose entries can point at a type t shadow.
func parentTypes(t shadowType) []shadowType {
	switch t {
	case typeL1x32, typeFL1x32:
		return []shadowType{typeL2x32}
	case typeL1PAE, typeFL1PAE:
		return []shadowType{typeL2PAE, typeL2HPAE}
	case typeL1x64, typeFL1x64:
		return []shadowType{typeL2x64}
	case typeL2x64:
		return []shadowType{typeL3x64}
	case typeL3x64:
		return []shadowType{typeL4x64}
	case typeFL1Unpaged:
		return []shadowType{typeUnpaged}
	}
	return nil
}

// slots returns the first shadow entry standing for guest entry gi of a
// type t shadow, and how many there are. A 2-level guest l2 entry covers
// 4MB, which takes two shadow l2 entries.
func slots(t shadowType, gi int) (int, int) {
	if t == typeL2x32 {
		return 2 * gi, 2
	}
	return gi, 1
}

// Shadow entry bits beyond the hardware ones. The available bits record
// which frame references the entry holds.
const (
	entryRef      uint64 = 1 << 9
	entryWriteRef uint64 = 1 << 10

	entryAddrMask = paging.EntryAddrMask

	// leafKeep are the guest l1 bits copied into shadow l1 entries.
	leafKeep = paging.PTEUser | paging.PTEPWT | paging.PTEPCD | paging.PTEAccessed | paging.PTEDirty | paging.PTEGlobal

	// tableFlags are set in every present non-leaf shadow entry.
	tableFlags = paging.PTEPresent | paging.PTEAccessed
)

func entryMFN(e uint64) hostarch.MFN {
	return hostarch.MFN((e & entryAddrMask) >> hostarch.PageShift)
}

func present(e uint64) bool {
	return e&paging.PTEPresent != 0
}

// magic returns the not-present entry that sends accesses to gfn straight to
// the device model.
func magic(gfn hostarch.GFN) uint64 {
	return paging.EntryMagic | uint64(gfn)<<hostarch.PageShift
}

// magicGFN decodes a magic entry.
func magicGFN(e uint64) (hostarch.GFN, bool) {
	if present(e) || e&paging.EntryMagic == 0 {
		return hostarch.InvalidGFN, false
	}
	return hostarch.GFN((e & entryAddrMask) >> hostarch.PageShift), true
}
