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

package hap

import (
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// NestedFault implements paging.NestedFaulter.NestedFault.
//
// PoD frames are populated by the lookup. The first write to a log-dirty
// page is recorded and the page made writable. Writes to read-only memory
// are dropped. Unmapped and emulated frames go to the device model, and a
// fault on a mapping that allows the access was a stale nested TLB entry.
func (e *Engine) NestedFault(ctx context.Context, v *paging.Vcpu, gfn hostarch.GFN, at hostarch.AccessType, regs *paging.Regs) (bool, error) {
	_, typ := e.d.P2M.GetEntry(ctx, gfn, p2m.QueryGuest)
	if typ == p2m.PopulateOnDemand {
		return false, fmt.Errorf("d%d: populating %v: %w", e.d.ID, gfn, hverr.EAGAIN)
	}

	var result string
	handled := true
	switch {
	case at.Write && typ == p2m.RAMLogDirty:
		// A concurrent fault may have won; either way the page is writable.
		found, err := e.d.P2M.ChangeType(ctx, gfn, p2m.RAMLogDirty, p2m.RAMRW)
		if err != nil {
			return false, fmt.Errorf("%s: %w", v, err)
		}
		if found == p2m.RAMLogDirty {
			e.d.LogDirty.MarkDirtyGFN(ctx, gfn)
			e.d.LogDirty.CountFault(ctx)
		}
		result = "logdirty"
	case at.Write && typ.IsReadOnly():
		if regs.Pending != nil {
			regs.Pending.Done = true
		}
		result = "discarded"
	case typ == p2m.Invalid, typ == p2m.MMIODM:
		regs.MMIO = gfn
		handled = false
		result = "mmio"
	case typ.IsRAM(), typ.IsGrant(), typ == p2m.MMIODirect:
		result = "spurious"
	default:
		handled = false
		result = "unhandled"
	}

	g := e.mu.Acquire(ctx)
	e.stats.nestedFaults++
	switch result {
	case "logdirty":
		e.stats.logDirtyFaults++
		e.flushRangeLocked(gfn, 0)
	case "discarded":
		e.stats.discarded++
	case "mmio":
		e.stats.mmio++
	case "spurious":
		e.stats.spurious++
		e.flushRangeLocked(gfn, 0)
	}
	g.Release()

	nestedFaults.Increment(e.label, result)
	if result == "unhandled" {
		e.warn.Warningf("%s: nested %v fault on %v (%s)", v, at, gfn, typ)
	}
	return handled, nil
}
