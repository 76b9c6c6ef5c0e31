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
	"fmt"

	"gvisor.dev/hvmm/pkg/hostarch"
)

// Entry is a hardware-shaped 64-bit P2M entry.
//
// Layout:
//
//	bit  0     present
//	bit  1     writable
//	bit  2     user
//	bits 3-5   memory type (HAP only)
//	bit  7     superpage (level 2 leaves)
//	bits 9-11  type, low bits
//	bits 12-51 MFN
//	bits 52-63 type, high bits
//
// The type shares the 24-bit software flags word with the hardware flags:
// flag bits 0-11 live in entry bits 0-11 and flag bits 12-23 in entry bits
// 52-63. Pack and Unpack are the only code that knows this.
type Entry uint64

const (
	entryPresent  Entry = 1 << 0
	entryWritable Entry = 1 << 1
	entryUser     Entry = 1 << 2
	entryPSE      Entry = 1 << 7

	emtShift = 3
	emtMask  = 7

	typeShift = 9

	addrMask Entry = ((1 << 52) - 1) &^ (hostarch.PageSize - 1)
)

// putFlags and getFlags convert between the 24-bit flags word and the entry
// bits that hold it.
func putFlags(flags uint32) Entry {
	return Entry(flags&0xfff) | Entry(flags&0xfff000)<<40
}

func getFlags(e Entry) uint32 {
	return uint32(e&0xfff) | uint32((e>>40)&0xfff000)
}

// hardwareFlags returns the access bits a type is mapped with.
func hardwareFlags(t Type) uint32 {
	switch t {
	case RAMRW, GrantMapRW, MMIODirect:
		return uint32(entryPresent | entryWritable | entryUser)
	case RAMLogDirty, RAMRO, GrantMapRO:
		return uint32(entryPresent | entryUser)
	default:
		// Invalid, MMIODM and PopulateOnDemand are never present so
		// that every access traps.
		return 0
	}
}

// hasMFN returns true if entries of type t carry a machine frame.
func hasMFN(t Type) bool {
	return t.IsRAM() || t.IsGrant() || t == MMIODirect
}

// EMTFor returns the memory type HAP maps t with.
func EMTFor(t Type) hostarch.MemoryType {
	if t == MMIODirect {
		return hostarch.MemoryTypeUncached
	}
	return hostarch.MemoryTypeWriteBack
}

// Pack builds a leaf entry. superpage marks a level 2 leaf. emt requests the
// memory type be encoded, as HAP does for types that carry one.
func Pack(mfn hostarch.MFN, t Type, superpage, emt bool) Entry {
	if t == Invalid {
		return 0
	}
	flags := hardwareFlags(t) | uint32(t)<<typeShift
	if superpage {
		flags |= uint32(entryPSE)
	}
	if emt && t.HasEMT() {
		flags |= uint32(EMTFor(t)&emtMask) << emtShift
	}
	e := putFlags(flags)
	if hasMFN(t) && mfn.Valid() {
		e |= Entry(mfn.Addr()) & addrMask
	}
	return e
}

// Unpack returns the MFN and type of a leaf entry. Entries that carry no
// frame return InvalidMFN.
func (e Entry) Unpack() (hostarch.MFN, Type) {
	t := e.Type()
	if !hasMFN(t) {
		return hostarch.InvalidMFN, t
	}
	return e.MFN(), t
}

// Type returns the type of a leaf entry.
func (e Entry) Type() Type {
	return Type(getFlags(e) >> typeShift)
}

// MFN returns the frame field regardless of type.
func (e Entry) MFN() hostarch.MFN {
	return hostarch.MFN((e & addrMask) >> hostarch.PageShift)
}

// WithType returns e retyped as t, keeping its frame and shape.
func (e Entry) WithType(t Type, emt bool) Entry {
	return Pack(e.MFN(), t, e.Superpage(), emt)
}

// Present returns true if the hardware will walk through e.
func (e Entry) Present() bool { return e&entryPresent != 0 }

// Writable returns true if e allows writes.
func (e Entry) Writable() bool { return e&entryWritable != 0 }

// Superpage returns true for level 2 leaves.
func (e Entry) Superpage() bool { return e&entryPSE != 0 }

// EMT returns the encoded memory type.
func (e Entry) EMT() hostarch.MemoryType {
	return hostarch.MemoryType((e >> emtShift) & emtMask)
}

// isTable returns true if e at a level above 1 points to a lower table.
func (e Entry) isTable() bool {
	return e.Present() && !e.Superpage()
}

// isLeaf returns true if e at level 2 maps a whole superpage.
func (e Entry) isLeaf() bool {
	return e != 0 && e.Superpage()
}

// tableEntry returns an intermediate entry pointing at table.
func tableEntry(table hostarch.MFN) Entry {
	return entryPresent | entryWritable | entryUser | Entry(table.Addr())&addrMask
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	if e == 0 {
		return "empty"
	}
	mfn, t := e.Unpack()
	s := fmt.Sprintf("%s %v", t, mfn)
	if e.Superpage() {
		s += " 2M"
	}
	return fmt.Sprintf("%s [%#x]", s, uint64(e))
}
