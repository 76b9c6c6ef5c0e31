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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// markSingles marks n GFNs from start populate-on-demand one page at a time.
func (f *fixture) markSingles(t *testing.T, start hostarch.GFN, n uint64) {
	t.Helper()
	for i := uint64(0); i < n; i++ {
		if err := f.tab.PoD().MarkPopulateOnDemand(f.ctx, start.Add(i), 0); err != nil {
			t.Fatalf("MarkPopulateOnDemand(%v) failed: %v", start.Add(i), err)
		}
	}
}

func (f *fixture) setTarget(t *testing.T, target uint64) {
	t.Helper()
	if err := f.tab.PoD().SetMemTarget(f.ctx, target); err != nil {
		t.Fatalf("SetMemTarget(%d) failed: %v", target, err)
	}
}

func (f *fixture) stats() Stats {
	return f.tab.PoD().Stats(f.ctx)
}

func TestPoDFirstTouch(t *testing.T) {
	f := newFixture(t, 8192, 2048)
	f.markSingles(t, 0, 1024)
	f.setTarget(t, 1024)
	before := f.stats()
	if before.EntryCount != 1024 || before.Count != 1024 {
		t.Fatalf("stats = %+v, want 1024 entries and 1024 cached", before)
	}

	if _, typ := f.tab.GetEntry(f.ctx, 5, QueryOnly); typ != PopulateOnDemand {
		t.Fatalf("query lookup of gfn 5 = %s, want populate_on_demand", typ)
	}
	mfn, typ := f.tab.GetEntry(f.ctx, 5, QueryGuest)
	if typ != RAMRW || !mfn.Valid() {
		t.Fatalf("guest lookup of gfn 5 = (%v, %s), want a ram_rw frame", mfn, typ)
	}
	if got, typ := f.tab.GetEntry(f.ctx, 5, QueryOnly); got != mfn || typ != RAMRW {
		t.Errorf("query lookup after populate = (%v, %s), want (%v, ram_rw)", got, typ, mfn)
	}
	after := f.stats()
	if after.EntryCount != before.EntryCount-1 {
		t.Errorf("EntryCount = %d, want %d", after.EntryCount, before.EntryCount-1)
	}
	if after.Count != before.Count-1 {
		t.Errorf("Count = %d, want %d", after.Count, before.Count-1)
	}
	if after.MaxGuest != 5 {
		t.Errorf("MaxGuest = %v, want 5", after.MaxGuest)
	}
	if got := f.m.Ledger.GFN(mfn); got != 5 {
		t.Errorf("m2p of the populated frame = %v, want 5", got)
	}
	if err := f.tab.Audit(f.ctx); err != nil {
		t.Errorf("Audit failed: %v", err)
	}
}

func TestPoDSuperpagePopulate(t *testing.T) {
	f := newFixture(t, 8192, 2048)
	if err := f.tab.PoD().MarkPopulateOnDemand(f.ctx, 0, hostarch.SuperPageOrder); err != nil {
		t.Fatalf("MarkPopulateOnDemand failed: %v", err)
	}
	f.setTarget(t, 512)
	if st := f.stats(); st.SuperPages != 1 {
		t.Fatalf("stats = %+v, want one cached superpage", st)
	}
	mfn, typ := f.tab.GetEntry(f.ctx, 7, QueryAlloc)
	if typ != RAMRW || uint64(mfn)%512 != 7 {
		t.Fatalf("GetEntry(7) = (%v, %s), want ram_rw at offset 7 of a superpage", mfn, typ)
	}
	if e, order := f.tab.Lookup(300); order != hostarch.SuperPageOrder || e.Type() != RAMRW {
		t.Errorf("Lookup(300) = %v order %d, want a ram_rw superpage", e, order)
	}
	if st := f.stats(); st.EntryCount != 0 || st.Count != 0 {
		t.Errorf("stats = %+v, want everything populated", st)
	}
}

func TestPoDSuperpageRemap(t *testing.T) {
	f := newFixture(t, 8192, 16)
	if err := f.tab.PoD().MarkPopulateOnDemand(f.ctx, 512, hostarch.SuperPageOrder); err != nil {
		t.Fatalf("MarkPopulateOnDemand failed: %v", err)
	}
	f.setTarget(t, 16)
	if _, typ := f.tab.GetEntry(f.ctx, 700, QueryGuest); typ != RAMRW {
		t.Fatalf("GetEntry(700) type = %s, want ram_rw", typ)
	}
	e, order := f.tab.Lookup(701)
	if order != 0 || e.Type() != PopulateOnDemand {
		t.Errorf("Lookup(701) = %v order %d, want a single populate_on_demand entry", e, order)
	}
	want := Stats{Count: 15, EntryCount: 511, SinglePages: 15, MaxGuest: 700}
	if diff := cmp.Diff(want, f.stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestPoDDecreaseUntouched(t *testing.T) {
	f := newFixture(t, 8192, 2048)
	if err := f.tab.PoD().MarkPopulateOnDemand(f.ctx, 0, 10); err != nil {
		t.Fatalf("MarkPopulateOnDemand failed: %v", err)
	}
	f.setTarget(t, 512)
	before := f.stats()

	handled, err := f.tab.PoD().DecreaseReservation(f.ctx, 200, 0)
	if err != nil || !handled {
		t.Fatalf("DecreaseReservation(200) = %t, %v, want fully handled", handled, err)
	}
	if _, typ := f.tab.GetEntry(f.ctx, 200, QueryOnly); typ != Invalid {
		t.Errorf("gfn 200 is %s after decrease, want invalid", typ)
	}
	if _, typ := f.tab.GetEntry(f.ctx, 201, QueryOnly); typ != PopulateOnDemand {
		t.Errorf("neighbouring gfn 201 is %s, want populate_on_demand", typ)
	}
	after := f.stats()
	if after.Count != before.Count || after.SuperPages != before.SuperPages || after.SinglePages != before.SinglePages {
		t.Errorf("cache changed from %+v to %+v", before, after)
	}
	if after.EntryCount != before.EntryCount-1 {
		t.Errorf("EntryCount = %d, want %d", after.EntryCount, before.EntryCount-1)
	}

	// Again: nothing to do, nothing changes.
	if _, err := f.tab.PoD().DecreaseReservation(f.ctx, 200, 0); err != nil {
		t.Fatalf("second DecreaseReservation failed: %v", err)
	}
	if diff := cmp.Diff(after, f.stats()); diff != "" {
		t.Errorf("second decrease changed the stats (-want +got):\n%s", diff)
	}
}

func TestPoDDecreaseSteals(t *testing.T) {
	f := newFixture(t, 256, 8)
	f.markSingles(t, 0, 8)
	f.setTarget(t, 2)
	for _, gfn := range []hostarch.GFN{0, 1} {
		if _, typ := f.tab.GetEntry(f.ctx, gfn, QueryAlloc); typ != RAMRW {
			t.Fatalf("populating %v gave %s", gfn, typ)
		}
	}
	tot := f.o.TotPages(f.ctx)

	handled, err := f.tab.PoD().DecreaseReservation(f.ctx, 0, 2)
	if err != nil || !handled {
		t.Fatalf("DecreaseReservation = %t, %v, want fully handled", handled, err)
	}
	st := f.stats()
	if st.Count != 2 || st.EntryCount != 4 {
		t.Errorf("stats = %+v, want the 2 populated frames back in the cache and 4 entries left", st)
	}
	if got := f.o.TotPages(f.ctx); got != tot {
		t.Errorf("TotPages = %d, want %d: stolen frames stay with the domain", got, tot)
	}
	for gfn := hostarch.GFN(0); gfn < 4; gfn++ {
		if _, typ := f.tab.GetEntry(f.ctx, gfn, QueryOnly); typ != Invalid {
			t.Errorf("gfn %v is %s, want invalid", gfn, typ)
		}
	}
}

func TestPoDDecreaseTrimsCache(t *testing.T) {
	f := newFixture(t, 256, 16)
	f.markSingles(t, 0, 10)
	f.setTarget(t, 10)
	if handled, err := f.tab.PoD().DecreaseReservation(f.ctx, 0, 1); err != nil || !handled {
		t.Fatalf("DecreaseReservation = %t, %v", handled, err)
	}
	if st := f.stats(); st.Count != 8 || st.EntryCount != 8 {
		t.Errorf("stats = %+v, want the cache trimmed to the 8 outstanding entries", st)
	}
	if got := f.o.TotPages(f.ctx); got != 8 {
		t.Errorf("TotPages = %d, want 8", got)
	}
}

func TestPoDDecreaseWithoutEntries(t *testing.T) {
	f := newFixture(t, 64, 16)
	mfn := f.alloc(t, 0)
	if err := f.tab.AddPage(f.ctx, 3, mfn, 0, RAMRW); err != nil {
		t.Fatalf("AddPage failed: %v", err)
	}
	handled, err := f.tab.PoD().DecreaseReservation(f.ctx, 3, 0)
	if err != nil || handled {
		t.Errorf("DecreaseReservation with no PoD entries = %t, %v, want not handled", handled, err)
	}
	if got, _ := f.tab.GetEntry(f.ctx, 3, QueryOnly); got != mfn {
		t.Errorf("RAM entry was touched")
	}
}

func TestPoDConservation(t *testing.T) {
	f := newFixture(t, 1024, 64)
	f.markSingles(t, 0, 64)
	f.setTarget(t, 32)

	check := func(step string) (uint64, uint64) {
		t.Helper()
		st := f.stats()
		ram := f.ramPages()
		if tot := f.o.TotPages(f.ctx); st.Count+ram != tot {
			t.Fatalf("%s: cached %d + populated %d != tot_pages %d", step, st.Count, ram, tot)
		}
		return st.EntryCount, ram
	}
	check("start")

	for _, op := range []struct {
		name     string
		populate hostarch.GFN
		decrease hostarch.GFN
		order    uint
	}{
		{name: "populate 3", populate: 3},
		{name: "populate 10", populate: 10},
		{name: "decrease 20", decrease: 20},
		{name: "populate 11", populate: 11},
		{name: "decrease 40-43", decrease: 40, order: 2},
		{name: "populate 50", populate: 50},
	} {
		entries, ram := check(op.name)
		if op.populate != 0 {
			if err := f.tab.PoD().DemandPopulate(f.ctx, op.populate, QueryGuest); err != nil {
				t.Fatalf("%s: %v", op.name, err)
			}
			gotEntries, gotRAM := check(op.name)
			// A population moves one promise into one populated page.
			if gotEntries+gotRAM != entries+ram {
				t.Errorf("%s: entries+populated went from %d to %d", op.name, entries+ram, gotEntries+gotRAM)
			}
			continue
		}
		if _, err := f.tab.PoD().DecreaseReservation(f.ctx, op.decrease, op.order); err != nil {
			t.Fatalf("%s: %v", op.name, err)
		}
		check(op.name)
	}
}

func TestPoDEmergencySweep(t *testing.T) {
	f := newFixture(t, 1024, 16)
	f.markSingles(t, 0, 32)
	f.setTarget(t, 16)
	for gfn := hostarch.GFN(0); gfn < 16; gfn++ {
		mfn, typ := f.tab.GetEntry(f.ctx, gfn, QueryGuest)
		if typ != RAMRW {
			t.Fatalf("populating %v gave %s", gfn, typ)
		}
		if gfn >= 1 && gfn <= 7 {
			f.m.Mem.Page(mfn)[0] = 1
		}
	}
	if st := f.stats(); st.Count != 0 || st.EntryCount != 16 {
		t.Fatalf("stats = %+v, want an empty cache and 16 entries", st)
	}

	// The cache is empty: the sweep reclaims the zero pages 8-15.
	if _, typ := f.tab.GetEntry(f.ctx, 20, QueryGuest); typ != RAMRW {
		t.Fatalf("GetEntry(20) after sweep = %s, want ram_rw", typ)
	}
	st := f.stats()
	if st.Count != 7 || st.EntryCount != 23 {
		t.Errorf("stats = %+v, want 7 cached and 23 entries", st)
	}
	for gfn := hostarch.GFN(1); gfn < 16; gfn++ {
		want := RAMRW
		if gfn >= 8 {
			want = PopulateOnDemand
		}
		if _, typ := f.tab.GetEntry(f.ctx, gfn, QueryOnly); typ != want {
			t.Errorf("gfn %v is %s after the sweep, want %s", gfn, typ, want)
		}
	}
	if err := f.tab.Audit(f.ctx); err != nil {
		t.Errorf("Audit failed: %v", err)
	}
}

func TestPoDCacheExhausted(t *testing.T) {
	f := newFixture(t, 256, 4)
	f.markSingles(t, 0, 8)
	f.setTarget(t, 4)
	for gfn := hostarch.GFN(0); gfn < 4; gfn++ {
		mfn, _ := f.tab.GetEntry(f.ctx, gfn, QueryGuest)
		f.m.Mem.Page(mfn)[100] = 0xff
	}
	if mfn, typ := f.tab.GetEntry(f.ctx, 4, QueryGuest); mfn.Valid() || typ != PopulateOnDemand {
		t.Errorf("GetEntry with an exhausted cache = (%v, %s), want (invalid, populate_on_demand)", mfn, typ)
	}
	if err := f.tab.PoD().DemandPopulate(f.ctx, 4, QueryAlloc); !hverr.Equals(hverr.EAGAIN, err) {
		t.Errorf("DemandPopulate err = %v, want EAGAIN", err)
	}
}

func TestPoDMarkOverRAM(t *testing.T) {
	f := newFixture(t, 64, 16)
	if err := f.tab.AddPage(f.ctx, 2, f.alloc(t, 0), 0, RAMRW); err != nil {
		t.Fatalf("AddPage failed: %v", err)
	}
	if err := f.tab.PoD().MarkPopulateOnDemand(f.ctx, 0, 2); !hverr.Equals(hverr.EBUSY, err) {
		t.Errorf("MarkPopulateOnDemand over RAM err = %v, want EBUSY", err)
	}
	if st := f.stats(); st.EntryCount != 0 {
		t.Errorf("failed mark left %d entries", st.EntryCount)
	}
}

func TestPoDSetMemTarget(t *testing.T) {
	f := newFixture(t, 8192, 4096)
	if err := f.tab.PoD().MarkPopulateOnDemand(f.ctx, 0, 10); err != nil {
		t.Fatalf("MarkPopulateOnDemand failed: %v", err)
	}
	for _, tc := range []struct {
		target    uint64
		wantCount uint64
	}{
		{target: 2000, wantCount: 1024}, // bounded by the outstanding entries
		{target: 100, wantCount: 100},
		{target: 600, wantCount: 600},
		{target: 0, wantCount: 0},
	} {
		f.setTarget(t, tc.target)
		if st := f.stats(); st.Count != tc.wantCount {
			t.Errorf("target %d: cache = %d, want %d", tc.target, st.Count, tc.wantCount)
		}
		if got := f.o.TotPages(f.ctx); got != tc.wantCount {
			t.Errorf("target %d: TotPages = %d, want %d", tc.target, got, tc.wantCount)
		}
	}
}

func TestPoDDying(t *testing.T) {
	f := newFixture(t, 256, 16)
	f.markSingles(t, 0, 4)
	f.setTarget(t, 4)
	f.tab.PoD().EmptyCache(f.ctx)
	if err := f.tab.PoD().SetMemTarget(f.ctx, 4); !hverr.Equals(hverr.EINVAL, err) {
		t.Errorf("SetMemTarget on a dying domain err = %v, want EINVAL", err)
	}
	if err := f.tab.PoD().DemandPopulate(f.ctx, 1, QueryAlloc); !hverr.Equals(hverr.EINVAL, err) {
		t.Errorf("DemandPopulate on a dying domain err = %v, want EINVAL", err)
	}
	if got := f.o.TotPages(f.ctx); got != 0 {
		t.Errorf("TotPages = %d after EmptyCache, want 0", got)
	}
}
