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

	"gvisor.dev/hvmm/pkg/bitmap"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/logdirty"
	"gvisor.dev/hvmm/pkg/mapcache"
	"gvisor.dev/hvmm/pkg/p2m"
)

// pagesPerMB converts allocation sizes.
const pagesPerMB = (1 << 20) / hostarch.PageSize

// ShadowOp is an administrative paging operation.
type ShadowOp int

// Operations.
const (
	// ShadowOpOff stops log-dirty tracking. Paging itself stays on for a
	// translated domain.
	ShadowOpOff ShadowOp = iota

	// ShadowOpEnable turns on the mode bits in ShadowControl.Mode. Only
	// FlagLogDirty may be newly enabled; the other bits must already be on.
	ShadowOpEnable

	// ShadowOpClean and ShadowOpPeek read the dirty bitmap.
	ShadowOpClean
	ShadowOpPeek

	// ShadowOpGetAllocation and ShadowOpSetAllocation size the engine pool
	// in MB.
	ShadowOpGetAllocation
	ShadowOpSetAllocation
)

var shadowOpNames = [...]string{
	ShadowOpOff:           "off",
	ShadowOpEnable:        "enable",
	ShadowOpClean:         "clean",
	ShadowOpPeek:          "peek",
	ShadowOpGetAllocation: "get_allocation",
	ShadowOpSetAllocation: "set_allocation",
}

// String implements fmt.Stringer.String.
func (op ShadowOp) String() string {
	if op >= 0 && int(op) < len(shadowOpNames) {
		return shadowOpNames[op]
	}
	return fmt.Sprintf("shadow_op(%d)", int(op))
}

// ShadowControl is the argument and result of Domain.ShadowOp.
type ShadowControl struct {
	Op ShadowOp

	// Mode is the requested mode bits for ShadowOpEnable.
	Mode Flags

	// Begin and Pages select the range for clean and peek.
	Begin hostarch.GFN
	Pages uint64

	// MB is the pool size for the allocation operations.
	MB uint64

	// Dirty and Stats are filled by clean and peek.
	Dirty bitmap.Bitmap
	Stats logdirty.Stats
}

// ShadowOp runs an administrative paging operation. Operations that do not
// fit the domain's current mode fail with EINVAL.
func (d *Domain) ShadowOp(ctx context.Context, sc *ShadowControl) error {
	ctx = locking.EnsureCPU(ctx)
	switch sc.Op {
	case ShadowOpOff:
		if !d.Flags().LogDirty() {
			return nil
		}
		return d.LogDirty.Disable(ctx)

	case ShadowOpEnable:
		if sc.Mode&^controlFlags != 0 {
			return fmt.Errorf("d%d: enable with mode %v: %w", d.ID, sc.Mode, hverr.EINVAL)
		}
		if missing := sc.Mode &^ FlagLogDirty &^ d.Flags(); missing != 0 {
			return fmt.Errorf("d%d: %s paging cannot enable %v: %w", d.ID, d.engine.Kind(), missing, hverr.EINVAL)
		}
		if sc.Mode.LogDirty() {
			return d.LogDirty.Enable(ctx)
		}
		return nil

	case ShadowOpClean, ShadowOpPeek:
		if end := uint64(sc.Begin) + sc.Pages; end < uint64(sc.Begin) || end > uint64(p2m.MaxGFN)+1 {
			return fmt.Errorf("d%d: %v of %d pages at %v is outside the physmap: %w", d.ID, sc.Op, sc.Pages, sc.Begin, hverr.EINVAL)
		}
		// The bitmap is read and write access re-armed with no vcpu in
		// guest memory.
		d.running.Lock()
		defer d.running.Unlock()
		op := logdirty.Peek
		if sc.Op == ShadowOpClean {
			op = logdirty.Clean
		}
		res, err := d.LogDirty.Read(ctx, op, sc.Begin, sc.Pages)
		if err != nil {
			return err
		}
		sc.Dirty = res.Dirty
		sc.Stats = res.Stats
		return nil

	case ShadowOpGetAllocation:
		sc.MB = (d.engine.Allocation(ctx) + pagesPerMB - 1) / pagesPerMB
		return nil

	case ShadowOpSetAllocation:
		if err := d.engine.SetAllocation(ctx, sc.MB*pagesPerMB); err != nil {
			return err
		}
		d.log.Infof("%s pool set to %d MB", d.engine.Kind(), sc.MB)
		return nil

	default:
		return fmt.Errorf("d%d: unknown %v: %w", d.ID, sc.Op, hverr.EINVAL)
	}
}

// EnableLogDirty starts write tracking.
func (d *Domain) EnableLogDirty(ctx context.Context) error {
	return d.ShadowOp(ctx, &ShadowControl{Op: ShadowOpEnable, Mode: FlagLogDirty})
}

// DisableLogDirty stops write tracking.
func (d *Domain) DisableLogDirty(ctx context.Context) error {
	return d.ShadowOp(ctx, &ShadowControl{Op: ShadowOpOff})
}

// ReadDirty returns the dirty bits of n GFNs from begin, clearing them if
// clean is set.
func (d *Domain) ReadDirty(ctx context.Context, begin hostarch.GFN, n uint64, clean bool) (bitmap.Bitmap, logdirty.Stats, error) {
	sc := &ShadowControl{Op: ShadowOpPeek, Begin: begin, Pages: n}
	if clean {
		sc.Op = ShadowOpClean
	}
	if err := d.ShadowOp(ctx, sc); err != nil {
		return bitmap.Bitmap{}, logdirty.Stats{}, err
	}
	return sc.Dirty, sc.Stats, nil
}

// SetPoDTarget sets the PoD memory target in pages.
func (d *Domain) SetPoDTarget(ctx context.Context, target uint64) error {
	return d.P2M.PoD().SetMemTarget(locking.EnsureCPU(ctx), target)
}

// DomainStats is the administrative view of a domain.
type DomainStats struct {
	ID        hostarch.DomID
	Mode      string
	TotPages  uint64
	MaxPages  uint64
	MaxMapped hostarch.GFN
	P2MPages  int
	PoD       p2m.Stats
	LogDirty  logdirty.Stats
	Engine    EngineStats
	Mapcache  mapcache.Stats
	Crashed   bool
	Paused    bool
}

// Stats returns the domain's accounting.
func (d *Domain) Stats(ctx context.Context) DomainStats {
	ctx = locking.EnsureCPU(ctx)
	return DomainStats{
		ID:        d.ID,
		Mode:      d.Flags().String(),
		TotPages:  d.Owner.TotPages(ctx),
		MaxPages:  d.Owner.MaxPages(ctx),
		MaxMapped: d.P2M.MaxMapped(),
		P2MPages:  d.P2M.PageCount(ctx),
		PoD:       d.P2M.PoD().Stats(ctx),
		LogDirty:  d.LogDirty.Stats(ctx),
		Engine:    d.engine.Stats(ctx),
		Mapcache:  d.Mapcache.Stats(ctx),
		Crashed:   d.Crashed(),
		Paused:    d.Paused(),
	}
}
