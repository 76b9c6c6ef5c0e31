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
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// AddPage maps 2^order frames owned by the domain at gfn with type typ and
// keeps the machine-to-phys table in step. Existing translations of the
// range are replaced; a frame already mapped at another GFN is unmapped
// there first. Replacing a grant mapping this way is refused.
func (t *Table) AddPage(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint, typ Type) error {
	defer t.mu.Acquire(ctx).Release()
	return t.AddPageLocked(ctx, gfn, mfn, order, typ)
}

// AddPageLocked is AddPage for callers holding the table lock.
//
// +checklocks:t.mu
func (t *Table) AddPageLocked(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint, typ Type) error {
	t.mu.AssertHeld(ctx)
	ledger := t.machine.Ledger
	n := hostarch.PagesForOrder(order)

	var podReplaced uint64
	for i := uint64(0); i < n; i++ {
		omfn, otyp := t.GetEntryLocked(ctx, gfn.Add(i), QueryOnly)
		switch {
		case otyp.IsGrant():
			return fmt.Errorf("d%d: %v holds a grant mapping: %w", t.domain, gfn.Add(i), hverr.EINVAL)
		case otyp.IsRAM():
			ledger.SetGFN(omfn, hostarch.InvalidGFN)
		case otyp == PopulateOnDemand:
			podReplaced++
		}
	}

	if !typ.IsGrant() && mfn.Valid() {
		for i := uint64(0); i < n; i++ {
			m := mfn.Add(i)
			if ledger.Owner(m) != t.domain {
				continue
			}
			ogfn := ledger.GFN(m)
			if ogfn == hostarch.InvalidGFN || ogfn == gfn.Add(i) {
				continue
			}
			if cur, otyp := t.GetEntryLocked(ctx, ogfn, QueryOnly); otyp.IsRAM() && cur == m {
				if err := t.SetEntryLocked(ctx, ogfn, hostarch.InvalidMFN, 0, Invalid); err != nil {
					return err
				}
			}
		}
	}

	if !mfn.Valid() {
		t.log.Warningf("adding bad mfn to p2m map (%v -> %v)", gfn, mfn)
		typ = Invalid
	}
	if err := t.SetEntryLocked(ctx, gfn, mfn, order, typ); err != nil {
		return err
	}
	if typ.IsRAM() {
		for i := uint64(0); i < n; i++ {
			ledger.SetGFN(mfn.Add(i), gfn.Add(i))
		}
	}
	t.pod.entryCount -= podReplaced
	return nil
}

// RemovePage unmaps 2^order GFNs that map consecutive frames from mfn.
func (t *Table) RemovePage(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint) error {
	defer t.mu.Acquire(ctx).Release()
	return t.RemovePageLocked(ctx, gfn, mfn, order)
}

// RemovePageLocked is RemovePage for callers holding the table lock.
//
// +checklocks:t.mu
func (t *Table) RemovePageLocked(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN, order uint) error {
	t.mu.AssertHeld(ctx)
	n := hostarch.PagesForOrder(order)
	for i := uint64(0); i < n; i++ {
		m := mfn.Add(i)
		if t.machine.Ledger.Tracks(m) {
			t.machine.Ledger.SetGFN(m, hostarch.InvalidGFN)
		}
	}
	return t.SetEntryLocked(ctx, gfn, hostarch.InvalidMFN, order, Invalid)
}

// SetMMIOEntry maps a machine MMIO frame at gfn. Frames the ledger tracks are
// RAM and are refused.
func (t *Table) SetMMIOEntry(ctx context.Context, gfn hostarch.GFN, mfn hostarch.MFN) error {
	if t.machine.Ledger.Tracks(mfn) {
		return fmt.Errorf("d%d: %v is RAM, not MMIO: %w", t.domain, mfn, hverr.EINVAL)
	}
	defer t.mu.Acquire(ctx).Release()
	omfn, otyp := t.GetEntryLocked(ctx, gfn, QueryOnly)
	switch {
	case otyp.IsRAM():
		t.machine.Ledger.SetGFN(omfn, hostarch.InvalidGFN)
	case otyp == PopulateOnDemand:
		t.pod.entryCount--
	}
	return t.SetEntryLocked(ctx, gfn, mfn, 0, MMIODirect)
}

// ClearMMIOEntry removes a direct MMIO mapping.
func (t *Table) ClearMMIOEntry(ctx context.Context, gfn hostarch.GFN) error {
	defer t.mu.Acquire(ctx).Release()
	if _, typ := t.GetEntryLocked(ctx, gfn, QueryOnly); typ != MMIODirect {
		return fmt.Errorf("d%d: %v is %s, not mmio_direct: %w", t.domain, gfn, typ, hverr.EINVAL)
	}
	return t.SetEntryLocked(ctx, gfn, hostarch.InvalidMFN, 0, Invalid)
}
