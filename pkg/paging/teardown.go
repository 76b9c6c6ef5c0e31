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
)

// Destroy tears the domain down and returns its frames to the machine.
// Frames still referenced from outside the domain are left allocated and
// reported with EBUSY.
func (d *Domain) Destroy(ctx context.Context) error {
	ctx = locking.EnsureCPU(ctx)
	d.Pause("destroying")

	d.LogDirty.Teardown(ctx)
	d.setFlags(0, FlagLogDirty)

	for _, v := range d.vcpus {
		vctx := v.Context(ctx)
		if m := v.Mode(); m != nil {
			if sm := m.Shadow(); sm != nil {
				sm.DetachOldTables(vctx, v)
				if mon := v.HW.State().HostCR3; mon.Valid() {
					sm.DestroyMonitorTable(vctx, v, mon)
					v.HW.SetHostCR3(hostarch.InvalidMFN)
				}
			}
		}
		d.engine.VcpuDestroy(vctx, v)
		v.HW.SetNested(false, hostarch.InvalidMFN, 0)
	}

	d.engine.Teardown(ctx)
	d.P2M.Teardown(ctx)
	d.engine.FinalTeardown(ctx)
	d.Mapcache.Flush(ctx)

	if busy := d.Machine.RelinquishDomainPages(ctx, d.Owner); busy != 0 {
		return fmt.Errorf("d%d: %d frames still referenced: %w", d.ID, busy, hverr.EBUSY)
	}
	d.log.Infof("destroyed")
	return nil
}
