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

import "fmt"

// Type is the type of a P2M entry.
type Type uint8

// P2M types. The numeric values are part of the entry encoding.
const (
	// Invalid is an unmapped GFN.
	Invalid Type = iota

	// RAMRW is normal read/write guest RAM.
	RAMRW

	// RAMLogDirty is RAM being tracked for writes. It is mapped read-only
	// and the first write to it is recorded and upgraded to RAMRW.
	RAMLogDirty

	// RAMRO is read-only RAM.
	RAMRO

	// MMIODM is MMIO emulated by the device model.
	MMIODM

	// MMIODirect is a machine MMIO range passed through to the guest.
	MMIODirect

	// PopulateOnDemand is a GFN that will be backed from the PoD cache on
	// first access.
	PopulateOnDemand

	// GrantMapRW is a writable mapping of another domain's granted frame.
	GrantMapRW

	// GrantMapRO is a read-only mapping of another domain's granted frame.
	GrantMapRO

	numTypes
)

var typeNames = [...]string{
	Invalid:          "invalid",
	RAMRW:            "ram_rw",
	RAMLogDirty:      "ram_logdirty",
	RAMRO:            "ram_ro",
	MMIODM:           "mmio_dm",
	MMIODirect:       "mmio_direct",
	PopulateOnDemand: "populate_on_demand",
	GrantMapRW:       "grant_map_rw",
	GrantMapRO:       "grant_map_ro",
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return Invalid, fmt.Errorf("unknown p2m type %q", s)
}

// TypeSet is a set of types.
type TypeSet uint16

// Set returns the set containing ts.
func Set(ts ...Type) TypeSet {
	var s TypeSet
	for _, t := range ts {
		s |= 1 << t
	}
	return s
}

// Has returns true if t is in s.
func (s TypeSet) Has(t Type) bool {
	return t < numTypes && s&(1<<t) != 0
}

// Type classes.
var (
	RAMTypes    = Set(RAMRW, RAMLogDirty, RAMRO)
	GrantTypes  = Set(GrantMapRW, GrantMapRO)
	MMIOTypes   = Set(MMIODM, MMIODirect)
	ROTypes     = Set(RAMLogDirty, RAMRO, GrantMapRO)
	MagicTypes  = Set(PopulateOnDemand)
	ValidTypes  = RAMTypes | MMIOTypes
	HasEMTTypes = RAMTypes | Set(MMIODirect)
)

// IsRAM returns true for types backed by RAM this domain owns.
func (t Type) IsRAM() bool { return RAMTypes.Has(t) }

// IsGrant returns true for grant mappings.
func (t Type) IsGrant() bool { return GrantTypes.Has(t) }

// IsMMIO returns true for MMIO types.
func (t Type) IsMMIO() bool { return MMIOTypes.Has(t) }

// IsReadOnly returns true for types that must never be mapped writable.
func (t Type) IsReadOnly() bool { return ROTypes.Has(t) }

// IsMagic returns true for types that carry no MFN.
func (t Type) IsMagic() bool { return MagicTypes.Has(t) }

// IsValid returns true for types whose translation may be cached. Grant
// mappings are excluded: they can be revoked at any time.
func (t Type) IsValid() bool { return ValidTypes.Has(t) }

// HasEMT returns true for types that carry a memory type under HAP.
func (t Type) HasEMT() bool { return HasEMTTypes.Has(t) }

// Query is the lookup mode of GetEntry.
type Query uint8

const (
	// QueryOnly never populates and never takes a lock.
	QueryOnly Query = iota

	// QueryAlloc populates PoD entries.
	QueryAlloc

	// QueryGuest is QueryAlloc on behalf of a guest access.
	QueryGuest
)

// String implements fmt.Stringer.String.
func (q Query) String() string {
	switch q {
	case QueryOnly:
		return "query"
	case QueryAlloc:
		return "alloc"
	case QueryGuest:
		return "guest"
	default:
		return fmt.Sprintf("query(%d)", uint8(q))
	}
}
