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
	"gvisor.dev/hvmm/pkg/metric"
)

var faults = metric.MustCreateNewUint64Metric("paging_faults", true, "Page faults seen by the paging engines, by outcome.",
	metric.NewField("domain"),
	metric.NewField("result", "fixed", "guest", "error"))

// SetControl loads new paging control state and switches mode if the
// guest's paging shape changed.
func (v *Vcpu) SetControl(ctx context.Context, c Control) error {
	v.control = c
	return v.UpdatePagingModes(ctx)
}

// UpdatePagingModes selects the mode for the guest's current paging shape.
// Leaving a shadow mode releases the vcpu's shadows and its monitor table
// before the new mode builds its own.
func (v *Vcpu) UpdatePagingModes(ctx context.Context) error {
	ctx = v.Context(ctx)
	next := v.d.engine.Mode(v.control.Levels())
	if next == nil {
		return fmt.Errorf("%s: %s paging has no %d-level mode: %w", v, v.d.engine.Kind(), v.control.Levels(), hverr.EINVAL)
	}
	prev := v.Mode()
	if prev != next {
		if prev != nil {
			if sm := prev.Shadow(); sm != nil {
				sm.DetachOldTables(ctx, v)
				if mon := v.HW.State().HostCR3; mon.Valid() {
					sm.DestroyMonitorTable(ctx, v, mon)
					v.HW.SetHostCR3(hostarch.InvalidMFN)
				}
			}
		}
		if sm := next.Shadow(); sm != nil {
			mon, err := sm.MakeMonitorTable(ctx, v)
			if err != nil {
				return fmt.Errorf("%s: monitor table: %w", v, err)
			}
			v.HW.SetHostCR3(mon)
		}
		v.setMode(next)
		v.d.log.Debugf("%s: paging mode now %d-level guest", v, next.GuestLevels())
	}
	return next.UpdatePagingModes(ctx, v)
}

// SetCR3 loads a new guest CR3.
func (v *Vcpu) SetCR3(ctx context.Context, cr3 uint64) error {
	v.control.CR3 = cr3
	return v.Mode().UpdateCR3(v.Context(ctx), v)
}

// Fault handles a guest page fault. See Mode.PageFault.
func (v *Vcpu) Fault(ctx context.Context, va hostarch.Addr, regs *Regs) (bool, error) {
	if err := v.runnable(); err != nil {
		return false, err
	}
	ok, err := v.Mode().PageFault(v.Context(ctx), v, va, regs)
	switch {
	case err != nil:
		faults.Increment(v.d.label, "error")
		if hverr.Equals(hverr.EAGAIN, err) {
			v.d.Crash(fmt.Sprintf("%s: fault at %v: %v", v, va, err))
			return false, fmt.Errorf("%s: %w", v, hverr.EIO)
		}
	case ok:
		faults.Increment(v.d.label, "fixed")
	default:
		faults.Increment(v.d.label, "guest")
	}
	return ok, err
}

// Invlpg handles a guest TLB invalidation.
func (v *Vcpu) Invlpg(ctx context.Context, va hostarch.Addr) {
	if v.Mode().Invlpg(v.Context(ctx), v, va) {
		v.HW.FlushTLB()
	}
}

// GvaToGfn translates va for an access described by pfec. On failure it
// returns InvalidGFN and sets pfec to the fault to inject.
func (v *Vcpu) GvaToGfn(ctx context.Context, va hostarch.Addr, pfec *uint32) hostarch.GFN {
	return v.Mode().GvaToGfn(v.Context(ctx), v, va, pfec)
}

// NestedFault handles a nested page fault on vcpu v. Only engines that use
// hardware nested translation take them.
func (d *Domain) NestedFault(ctx context.Context, v *Vcpu, gfn hostarch.GFN, at hostarch.AccessType, regs *Regs) (bool, error) {
	nf, ok := d.engine.(NestedFaulter)
	if !ok {
		return false, fmt.Errorf("d%d: nested fault under %s paging: %w", d.ID, d.engine.Kind(), hverr.EINVAL)
	}
	if err := v.runnable(); err != nil {
		return false, err
	}
	handled, err := nf.NestedFault(v.Context(ctx), v, gfn, at, regs)
	if err != nil && hverr.Equals(hverr.EAGAIN, err) {
		d.Crash(fmt.Sprintf("%s: nested fault at %v: %v", v, gfn, err))
		return false, fmt.Errorf("%s: %w", v, hverr.EIO)
	}
	return handled, err
}

// runnable returns an error if the vcpu cannot run.
func (v *Vcpu) runnable() error {
	switch {
	case v.d.Crashed():
		return fmt.Errorf("%s: %w", v, hverr.EIO)
	case v.d.Paused():
		return fmt.Errorf("%s: domain paused: %w", v, hverr.EAGAIN)
	}
	return nil
}
