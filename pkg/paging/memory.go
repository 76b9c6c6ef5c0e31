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
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/p2m"
)

// IncreaseReservation lets PopulatePhysmap accept the 2^order GFNs from gfn
// even when they lie beyond the highest mapped GFN.
func (d *Domain) IncreaseReservation(ctx context.Context, gfn hostarch.GFN, order uint) error {
	end := uint64(gfn) + hostarch.PagesForOrder(order)
	if end < uint64(gfn) {
		return fmt.Errorf("d%d: reservation at %v order %d overflows: %w", d.ID, gfn, order, hverr.EINVAL)
	}
	for {
		old := d.reservedEnd.Load()
		if end <= old || d.reservedEnd.CompareAndSwap(old, end) {
			return nil
		}
	}
}

// checkReservation rejects requests that start past the highest mapped GFN
// plus one unless an increase reservation covers them.
func (d *Domain) checkReservation(gfn hostarch.GFN, order uint) error {
	if uint64(gfn) <= uint64(d.P2M.MaxMapped())+1 {
		return nil
	}
	if uint64(gfn)+hostarch.PagesForOrder(order) <= d.reservedEnd.Load() {
		return nil
	}
	return fmt.Errorf("d%d: %v order %d is beyond %v and not reserved: %w", d.ID, gfn, order, d.P2M.MaxMapped(), hverr.ERANGE)
}

// PopulatePhysmap backs 2^order GFNs from gfn with fresh frames, or marks
// them populate-on-demand if pod is set.
func (d *Domain) PopulatePhysmap(ctx context.Context, gfn hostarch.GFN, order uint, pod bool) error {
	ctx = locking.EnsureCPU(ctx)
	if err := d.checkReservation(gfn, order); err != nil {
		return err
	}
	if pod {
		return d.P2M.PoD().MarkPopulateOnDemand(ctx, gfn, order)
	}
	mfn, err := d.Machine.AllocDomainPages(ctx, d.Owner, order)
	if err != nil {
		return fmt.Errorf("d%d: populating %v order %d: %w", d.ID, gfn, order, err)
	}
	if err := d.P2M.AddPage(ctx, gfn, mfn, order, p2m.RAMRW); err != nil {
		d.Machine.FreeDomainPages(ctx, d.Owner, mfn, order)
		return err
	}
	return nil
}

// DecreaseReservation releases 2^order GFNs from gfn. PoD gets the first
// look; whatever it leaves is unmapped here and freed once unreferenced.
func (d *Domain) DecreaseReservation(ctx context.Context, gfn hostarch.GFN, order uint) error {
	ctx = locking.EnsureCPU(ctx)
	handled, err := d.P2M.PoD().DecreaseReservation(ctx, gfn, order)
	if err != nil || handled {
		return err
	}
	for i := uint64(0); i < hostarch.PagesForOrder(order); i++ {
		if err := d.removePage(ctx, gfn.Add(i)); err != nil {
			return err
		}
	}
	return nil
}

// removePage unmaps the RAM at gfn and frees it unless something else holds
// a reference. Other types are left alone.
func (d *Domain) removePage(ctx context.Context, gfn hostarch.GFN) error {
	mfn, typ := d.P2M.GetEntry(ctx, gfn, p2m.QueryOnly)
	if !typ.IsRAM() {
		return nil
	}
	if err := d.P2M.RemovePage(ctx, gfn, mfn, 0); err != nil {
		return err
	}
	if d.Machine.Ledger.Info(mfn).Count() == 0 {
		d.Machine.FreeDomainPages(ctx, d.Owner, mfn, 0)
	} else {
		d.log.Debugf("%v (%v) still referenced, freeing at teardown", mfn, gfn)
	}
	return nil
}

// AddToPhysmap moves the RAM frame at idx to gfn, leaving idx unmapped.
// Whatever RAM gfn held is released.
func (d *Domain) AddToPhysmap(ctx context.Context, idx, gfn hostarch.GFN) error {
	ctx = locking.EnsureCPU(ctx)
	if err := d.checkReservation(gfn, 0); err != nil {
		return err
	}
	mfn, typ := d.P2M.GetEntry(ctx, idx, p2m.QueryAlloc)
	if !typ.IsRAM() {
		return fmt.Errorf("d%d: add_to_physmap from %v (%s): %w", d.ID, idx, typ, hverr.EINVAL)
	}
	if idx == gfn {
		return nil
	}
	if err := d.removePage(ctx, gfn); err != nil {
		return err
	}
	if err := d.P2M.RemovePage(ctx, idx, mfn, 0); err != nil {
		return err
	}
	return d.P2M.AddPage(ctx, gfn, mfn, 0, typ)
}

// GfnToMfn translates gfn for device and grant consumers.
func (d *Domain) GfnToMfn(ctx context.Context, gfn hostarch.GFN, q p2m.Query) (hostarch.MFN, p2m.Type) {
	return d.P2M.GetEntry(locking.EnsureCPU(ctx), gfn, q)
}
