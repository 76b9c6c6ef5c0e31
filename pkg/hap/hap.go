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

// Package hap implements hardware-assisted paging. The MMU walks the guest's
// own page tables and translates every guest frame through the P2M, which
// doubles as the nested page table. The engine keeps no derived tables; it
// owns a small pool for P2M pages and monitor tables, handles nested faults
// and keeps the vcpus' nested TLBs coherent with the P2M.
//
// Lock order: p2m, then hap, then logdirty.
package hap

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/hvmm/pkg/buddy"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/logdirty"
	"gvisor.dev/hvmm/pkg/metric"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// LockClass is the class of the per-domain HAP lock.
var LockClass = locking.NewMutexClass("hap")

func init() {
	locking.AddOrder(p2m.LockClass, LockClass)
	locking.AddOrder(LockClass, logdirty.LockClass)
	paging.RegisterEngine(paging.EngineHAP, func(d *paging.Domain) paging.Engine {
		return New(d)
	})
}

var nestedFaults = metric.MustCreateNewUint64Metric("hap_nested_faults", true, "Nested page faults, by how they were resolved.",
	metric.NewField("domain"),
	metric.NewField("result", "fixed", "logdirty", "spurious", "discarded", "mmio", "unhandled"))

// linearSlot is the monitor table slot mapping the monitor table itself.
const linearSlot = 258

type counters struct {
	nestedFaults   uint64
	logDirtyFaults uint64
	spurious       uint64
	discarded      uint64
	mmio           uint64
	narrowFlushes  uint64
	broadFlushes   uint64
}

// Engine is the HAP engine of one domain.
type Engine struct {
	d      *paging.Domain
	mem    *frame.Memory
	ledger *frame.Ledger
	label  string
	log    log.Logger
	warn   log.Logger

	modes [5]*mode

	mu locking.Mutex

	// +checklocks:mu
	pool *buddy.Allocator
	// +checklocks:mu
	p2mPages uint64
	// +checklocks:mu
	monitorPages uint64
	// +checklocks:mu
	vcpus []*paging.Vcpu
	// +checklocks:mu
	stats counters
}

var (
	_ paging.Engine        = (*Engine)(nil)
	_ paging.NestedFaulter = (*Engine)(nil)
	_ paging.P2MAttacher   = (*Engine)(nil)
)

// New returns a disabled engine for d.
func New(d *paging.Domain) *Engine {
	e := &Engine{
		d:      d,
		mem:    d.Machine.Mem,
		ledger: d.Machine.Ledger,
		label:  d.Label(),
		pool:   buddy.New(0),
	}
	e.log = log.Prefixed(log.Log(), fmt.Sprintf("d%d hap:", d.ID))
	e.warn = log.RateLimitedLogger(e.log, time.Second)
	e.mu.Init(LockClass)
	for _, levels := range []int{0, 2, 3, 4} {
		e.modes[levels] = &mode{e: e, levels: levels, shape: paging.Shape(levels)}
	}
	return e
}

type vcpuState struct {
	monitor hostarch.MFN
}

func state(v *paging.Vcpu) *vcpuState {
	return v.EngineState.(*vcpuState)
}

// Kind implements paging.Engine.Kind.
func (e *Engine) Kind() paging.EngineKind {
	return paging.EngineHAP
}

// Enable implements paging.Engine.Enable.
func (e *Engine) Enable(ctx context.Context, pages uint64) error {
	defer e.mu.Acquire(ctx).Release()
	return e.growLocked(ctx, pages)
}

// AttachP2M implements paging.P2MAttacher.AttachP2M. Leaves carry their
// memory type from now on since the hardware walks them.
func (e *Engine) AttachP2M(ctx context.Context, t *p2m.Table) {
	t.SetEMT(ctx, true)
}

// VcpuInit implements paging.Engine.VcpuInit. Each vcpu gets a monitor
// table for the hypervisor's own mappings.
func (e *Engine) VcpuInit(ctx context.Context, v *paging.Vcpu) error {
	defer e.mu.Acquire(ctx).Release()
	mon, err := e.allocLocked(frame.TypeMonitor)
	if err != nil {
		return fmt.Errorf("monitor table: %w", err)
	}
	e.mem.Store(mon, linearSlot, mon.Addr()|paging.PTEPresent|paging.PTEWrite)
	e.monitorPages++
	v.EngineState = &vcpuState{monitor: mon}
	v.HW.SetHostCR3(mon)
	e.vcpus = append(e.vcpus, v)
	return nil
}

// VcpuDestroy implements paging.Engine.VcpuDestroy.
func (e *Engine) VcpuDestroy(ctx context.Context, v *paging.Vcpu) {
	defer e.mu.Acquire(ctx).Release()
	st := state(v)
	if st.monitor.Valid() {
		e.freeLocked(st.monitor)
		e.monitorPages--
		st.monitor = hostarch.InvalidMFN
		v.HW.SetHostCR3(hostarch.InvalidMFN)
	}
	for i, w := range e.vcpus {
		if w == v {
			e.vcpus = append(e.vcpus[:i], e.vcpus[i+1:]...)
			break
		}
	}
}

// Mode implements paging.Engine.Mode.
func (e *Engine) Mode(levels int) paging.Mode {
	if levels < 0 || levels >= len(e.modes) || e.modes[levels] == nil {
		return nil
	}
	return e.modes[levels]
}

// growLocked adds frames from the machine until the pool holds pages.
//
// +checklocks:e.mu
func (e *Engine) growLocked(ctx context.Context, pages uint64) error {
	for e.pool.TotalPages() < pages {
		mfn, err := e.d.Machine.AllocXenPages(ctx, 0)
		if err != nil {
			return fmt.Errorf("d%d: growing hap pool to %d pages: %w", e.d.ID, pages, err)
		}
		e.pool.Add(mfn, 0)
	}
	return nil
}

// shrinkLocked returns free frames to the machine until the pool holds
// pages. Frames in use stay.
//
// +checklocks:e.mu
func (e *Engine) shrinkLocked(ctx context.Context, pages uint64) error {
	for e.pool.TotalPages() > pages {
		mfn, err := e.pool.Reclaim(0)
		if err != nil {
			return fmt.Errorf("d%d: shrinking hap pool to %d pages with %d p2m and %d monitor pages in use: %w",
				e.d.ID, pages, e.p2mPages, e.monitorPages, hverr.ENOMEM)
		}
		e.d.Machine.FreeXenPages(ctx, mfn, 0)
	}
	return nil
}

// allocLocked takes a zeroed frame from the pool and types it.
//
// +checklocks:e.mu
func (e *Engine) allocLocked(t frame.PageType) (hostarch.MFN, error) {
	mfn, err := e.pool.Alloc(0)
	if err != nil {
		return hostarch.InvalidMFN, fmt.Errorf("d%d: hap pool of %d pages exhausted: %w", e.d.ID, e.pool.TotalPages(), hverr.ENOMEM)
	}
	if !e.ledger.Info(mfn).GetType(t) {
		panic(fmt.Sprintf("hap pool frame %v already typed", mfn))
	}
	return mfn, nil
}

// freeLocked zeroes mfn and returns it to the pool.
//
// +checklocks:e.mu
func (e *Engine) freeLocked(mfn hostarch.MFN) {
	e.mem.Clear(mfn)
	e.ledger.Info(mfn).PutType()
	e.pool.Free(mfn, 0)
}

// AllocTablePage implements p2m.PageSource.AllocTablePage.
func (e *Engine) AllocTablePage(ctx context.Context) (hostarch.MFN, error) {
	defer e.mu.Acquire(ctx).Release()
	mfn, err := e.allocLocked(frame.TypeP2M)
	if err != nil {
		return hostarch.InvalidMFN, err
	}
	e.p2mPages++
	return mfn, nil
}

// FreeTablePage implements p2m.PageSource.FreeTablePage.
func (e *Engine) FreeTablePage(ctx context.Context, mfn hostarch.MFN) {
	defer e.mu.Acquire(ctx).Release()
	if t, _ := e.ledger.Info(mfn).Type(); t != frame.TypeP2M {
		panic(fmt.Sprintf("d%d: freeing %s frame %v as a p2m page", e.d.ID, t, mfn))
	}
	e.freeLocked(mfn)
	e.p2mPages--
}

// EnableLogDirty implements logdirty.Hooks.EnableLogDirty. RAM becomes
// read-only in the nested table so that the first write to each page
// faults.
func (e *Engine) EnableLogDirty(ctx context.Context) error {
	e.d.P2M.ChangeTypeGlobal(ctx, p2m.RAMRW, p2m.RAMLogDirty)
	return nil
}

// DisableLogDirty implements logdirty.Hooks.DisableLogDirty.
func (e *Engine) DisableLogDirty(ctx context.Context) error {
	e.d.P2M.ChangeTypeGlobal(ctx, p2m.RAMLogDirty, p2m.RAMRW)
	return nil
}

// CleanDirtyBitmap implements logdirty.Hooks.CleanDirtyBitmap. Pages
// written since the last round are write-protected again.
func (e *Engine) CleanDirtyBitmap(ctx context.Context) {
	e.d.P2M.ChangeTypeGlobal(ctx, p2m.RAMRW, p2m.RAMLogDirty)
}

// TypeChangedGlobal implements paging.Engine.TypeChangedGlobal.
func (e *Engine) TypeChangedGlobal(ctx context.Context, from, to p2m.Type) {
	defer e.mu.Acquire(ctx).Release()
	e.flushAllLocked()
}

// flushRangeLocked drops the nested translations of 2^order GFNs from gfn
// on every vcpu.
//
// +checklocks:e.mu
func (e *Engine) flushRangeLocked(gfn hostarch.GFN, order uint) {
	e.stats.narrowFlushes++
	for _, v := range e.vcpus {
		v.HW.FlushNestedRange(gfn, order)
	}
}

// flushAllLocked drops every nested translation on every vcpu.
//
// +checklocks:e.mu
func (e *Engine) flushAllLocked() {
	e.stats.broadFlushes++
	for _, v := range e.vcpus {
		v.HW.FlushNestedAll()
	}
}

// Allocation implements paging.Engine.Allocation.
func (e *Engine) Allocation(ctx context.Context) uint64 {
	defer e.mu.Acquire(ctx).Release()
	return e.pool.TotalPages()
}

// SetAllocation implements paging.Engine.SetAllocation. The pool cannot
// shrink below the pages in use.
func (e *Engine) SetAllocation(ctx context.Context, pages uint64) error {
	defer e.mu.Acquire(ctx).Release()
	if pages > e.pool.TotalPages() {
		return e.growLocked(ctx, pages)
	}
	return e.shrinkLocked(ctx, pages)
}

// Stats implements paging.Engine.Stats.
func (e *Engine) Stats(ctx context.Context) paging.EngineStats {
	defer e.mu.Acquire(ctx).Release()
	s := e.stats
	return paging.EngineStats{
		Kind:       paging.EngineHAP,
		TotalPages: e.pool.TotalPages(),
		FreePages:  e.pool.FreePages(),
		P2MPages:   e.p2mPages,
		Extra: map[string]uint64{
			"monitor_pages":    e.monitorPages,
			"nested_faults":    s.nestedFaults,
			"logdirty_faults":  s.logDirtyFaults,
			"spurious_faults":  s.spurious,
			"discarded_writes": s.discarded,
			"mmio":             s.mmio,
			"narrow_flushes":   s.narrowFlushes,
			"broad_flushes":    s.broadFlushes,
		},
	}
}

// Teardown implements paging.Engine.Teardown. Nothing is derived from guest
// state; the nested TLBs are dropped.
func (e *Engine) Teardown(ctx context.Context) {
	defer e.mu.Acquire(ctx).Release()
	e.flushAllLocked()
}

// FinalTeardown implements paging.Engine.FinalTeardown.
func (e *Engine) FinalTeardown(ctx context.Context) {
	defer e.mu.Acquire(ctx).Release()
	if err := e.shrinkLocked(ctx, 0); err != nil {
		e.log.Warningf("%d pool pages not returned: %v", e.pool.TotalPages(), err)
	}
}
