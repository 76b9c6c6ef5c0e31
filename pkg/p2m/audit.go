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
	"io"
	"strings"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

const maxAuditReports = 8

// Audit cross-checks the table against the frame ledger:
//   - every RAM entry maps a frame the domain owns whose M2P entry points back;
//   - every MMIO entry maps a frame outside the ledger;
//   - the PopulateOnDemand entries match the PoD entry count;
//   - every cached PoD frame is owned by the domain and mapped nowhere.
//
// An inconsistency is returned as EIO; the caller crashes the domain.
func (t *Table) Audit(ctx context.Context) error {
	defer t.mu.Acquire(ctx).Release()
	ledger := t.machine.Ledger

	var problems []string
	report := func(format string, v ...any) {
		if len(problems) < maxAuditReports {
			problems = append(problems, fmt.Sprintf(format, v...))
		}
	}

	var podEntries uint64
	t.ForEach(func(m Mapping) bool {
		n := hostarch.PagesForOrder(m.Order)
		switch {
		case m.Type.IsRAM():
			for i := uint64(0); i < n; i++ {
				mfn, gfn := m.MFN.Add(i), m.GFN.Add(i)
				if owner := ledger.Owner(mfn); owner != t.domain {
					report("%v -> %v (%s): frame owned by d%d", gfn, mfn, m.Type, owner)
				} else if back := ledger.GFN(mfn); back != gfn {
					report("%v -> %v (%s): m2p says %v", gfn, mfn, m.Type, back)
				}
			}
		case m.Type.IsMMIO():
			if m.MFN.Valid() && ledger.Tracks(m.MFN) {
				report("%v -> %v (%s): ledger frame mapped as mmio", m.GFN, m.MFN, m.Type)
			}
		case m.Type == PopulateOnDemand:
			podEntries += n
		}
		return true
	})
	if podEntries != t.pod.entryCount {
		report("%d populate-on-demand entries, accounting says %d", podEntries, t.pod.entryCount)
	}

	o := t.owner
	o.PageAlloc.Lock(ctx)
	check := func(mfn hostarch.MFN) {
		if owner := ledger.Owner(mfn); owner != t.domain {
			report("cached pod frame %v owned by d%d", mfn, owner)
		}
		if gfn := ledger.GFN(mfn); gfn != hostarch.InvalidGFN {
			report("cached pod frame %v mapped at %v", mfn, gfn)
		}
	}
	for _, s := range t.pod.super {
		for i := uint64(0); i < superPages; i++ {
			check(s.Add(i))
		}
	}
	for _, mfn := range t.pod.single {
		check(mfn)
	}
	o.PageAlloc.Unlock(ctx)

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("d%d: p2m audit failed: %s: %w", t.domain, strings.Join(problems, "; "), hverr.EIO)
}

// Dump writes the table's mappings, coalescing runs, and the PoD state.
func (t *Table) Dump(ctx context.Context, w io.Writer) {
	defer t.mu.Acquire(ctx).Release()
	fmt.Fprintf(w, "d%d p2m: root %v, %d table pages, max mapped %v\n", t.domain, t.Root(), len(t.pages), t.MaxMapped())

	type run struct {
		start, next hostarch.GFN
		mfn         hostarch.MFN
		nextMFN     hostarch.MFN
		typ         Type
	}
	var cur *run
	flush := func() {
		if cur == nil {
			return
		}
		if cur.mfn.Valid() {
			fmt.Fprintf(w, "  %v-%v -> %v %s\n", cur.start, cur.next-1, cur.mfn, cur.typ)
		} else {
			fmt.Fprintf(w, "  %v-%v %s\n", cur.start, cur.next-1, cur.typ)
		}
		cur = nil
	}
	t.ForEach(func(m Mapping) bool {
		n := hostarch.PagesForOrder(m.Order)
		if cur != nil && cur.next == m.GFN && cur.typ == m.Type && cur.nextMFN == m.MFN {
			cur.next = m.GFN.Add(n)
			if m.MFN.Valid() {
				cur.nextMFN = m.MFN.Add(n)
			}
			return true
		}
		flush()
		cur = &run{start: m.GFN, next: m.GFN.Add(n), mfn: m.MFN, nextMFN: m.MFN, typ: m.Type}
		if m.MFN.Valid() {
			cur.nextMFN = m.MFN.Add(n)
		}
		return true
	})
	flush()

	st := t.pod.StatsLocked(ctx)
	fmt.Fprintf(w, "d%d pod: %d cached (%d super, %d single), %d entries, max guest %v, reclaim single %v super %v\n",
		t.domain, st.Count, st.SuperPages, st.SinglePages, st.EntryCount, st.MaxGuest, st.ReclaimSingle, st.ReclaimSuper)
}
