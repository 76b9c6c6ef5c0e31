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
	"gvisor.dev/hvmm/pkg/hostarch"
)

// vtlbEntries is the size of the per-vcpu translation cache.
const vtlbEntries = 8

// accessBits are the error code bits a cached translation was checked for.
const accessBits = hostarch.PFECWrite | hostarch.PFECUser | hostarch.PFECFetch

type vtlbEntry struct {
	valid bool
	page  uint64
	pfec  uint32
	gfn   hostarch.GFN
}

// vtlb caches guest translations for GvaToGfn. It is direct mapped by page
// number.
type vtlb struct {
	entries [vtlbEntries]vtlbEntry

	// gen changes on every flush, so that a translation computed across a
	// flush is not inserted.
	gen uint64
}

func (t *vtlb) slot(va hostarch.Addr) *vtlbEntry {
	return &t.entries[uint64(va>>hostarch.PageShift)%vtlbEntries]
}

// lookup returns the cached translation of va if it was checked for at
// least the access in pfec.
func (t *vtlb) lookup(va hostarch.Addr, pfec uint32) (hostarch.GFN, bool) {
	e := t.slot(va)
	want := pfec & accessBits
	if !e.valid || e.page != uint64(va>>hostarch.PageShift) || want&^e.pfec != 0 {
		return hostarch.InvalidGFN, false
	}
	return e.gfn, true
}

func (t *vtlb) insert(va hostarch.Addr, pfec uint32, gfn hostarch.GFN) {
	*t.slot(va) = vtlbEntry{
		valid: true,
		page:  uint64(va >> hostarch.PageShift),
		pfec:  pfec & accessBits,
		gfn:   gfn,
	}
}

func (t *vtlb) flushPage(va hostarch.Addr) {
	if e := t.slot(va); e.page == uint64(va>>hostarch.PageShift) {
		e.valid = false
	}
	t.gen++
}

func (t *vtlb) flush() {
	t.entries = [vtlbEntries]vtlbEntry{}
	t.gen++
}
