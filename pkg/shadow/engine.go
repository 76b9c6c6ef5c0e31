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

// Package shadow implements shadow paging: the hypervisor keeps its own
// page tables, derived from the guest's tables and the P2M, and runs the
// guest on them.
//
// Shadows are built lazily from page faults and kept in step with the guest
// by write-protecting guest page tables and emulating the writes that hit
// them. Guest l1 tables that are written often may be left out of sync and
// brought back at the next TLB flush point.
//
// Lock order: p2m, then shadow, then logdirty.
package shadow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/hvmm/pkg/buddy"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/logdirty"
	"gvisor.dev/hvmm/pkg/metric"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// LockClass is the class of the per-domain shadow lock.
var LockClass = locking.NewMutexClass("shadow")

func init() {
	locking.AddOrder(p2m.LockClass, LockClass)
	locking.AddOrder(LockClass, logdirty.LockClass)
	paging.RegisterEngine(paging.EngineShadow, func(d *paging.Domain) paging.Engine {
		return New(d)
	})
}

var (
	faultResults = metric.MustCreateNewUint64Metric("shadow_faults", true, "Shadow page faults, by how they were resolved.",
		metric.NewField("domain"),
		metric.NewField("result", "fixed", "emulated", "unsynced", "mmio", "guest", "retry", "oom"))
	unshadows = metric.MustCreateNewUint64Metric("shadow_unshadows", true, "Guest page tables unshadowed.",
		metric.NewField("domain"))
	blows = metric.MustCreateNewUint64Metric("shadow_blows", true, "Times all shadows were torn down.",
		metric.NewField("domain"))
)

// counters are the engine's statistics.
type counters struct {
	faults      uint64
	emulations  uint64
	unsyncs     uint64
	resyncs     uint64
	unshadows   uint64
	bruteForce  uint64
	blows       uint64
	lruUnpins   uint64
	oom         uint64
	fastMMIO    uint64
	created     uint64
	destroyed   uint64
	wrmapGuess  uint64
	wrmapCached uint64
}

// Engine is the shadow paging engine of one domain.
type Engine struct {
	d      *paging.Domain
	mem    *frame.Memory
	ledger *frame.Ledger
	label  string
	log    log.Logger
	warn   log.Logger

	oosEnabled bool
	fastMMIO   bool

	modes [5]*mode

	// dirtyVersion changes whenever guest page tables are written through
	// the engine. A fault that walked the guest before a change retries.
	dirtyVersion atomic.Uint64

	mu locking.Mutex

	// pool holds the free frames of the engine's allocation.
	//
	// +checklocks:mu
	pool *buddy.Allocator
	// +checklocks:mu
	p2mPages uint64
	// pages maps every allocated pool frame to its metadata.
	//
	// +checklocks:mu
	pages map[hostarch.MFN]*page
	// +checklocks:mu
	hash hashTable
	// +checklocks:mu
	pins pinList
	// +checklocks:mu
	vcpus []*paging.Vcpu
	// +checklocks:mu
	stats counters
}

var _ paging.Engine = (*Engine)(nil)

// New returns a disabled engine for d.
func New(d *paging.Domain) *Engine {
	opts := d.Options()
	e := &Engine{
		d:          d,
		mem:        d.Machine.Mem,
		ledger:     d.Machine.Ledger,
		label:      d.Label(),
		oosEnabled: opts.OOS,
		fastMMIO:   opts.FastMMIO,
		pages:      make(map[hostarch.MFN]*page),
		pool:       buddy.New(chunkOrder),
	}
	e.log = log.Prefixed(log.Log(), fmt.Sprintf("d%d shadow:", d.ID))
	e.warn = log.RateLimitedLogger(e.log, time.Second)
	e.mu.Init(LockClass)
	for _, levels := range []int{0, 2, 3, 4} {
		e.modes[levels] = &mode{e: e, levels: levels, shape: paging.Shape(levels)}
	}
	return e
}

// vcpuState is the engine's per-vcpu state.
type vcpuState struct {
	// tops are the shadows the vcpu runs on, each holding a reference.
	// 4-level and 2-level guests use tops[0], PAE guests one per guest l3
	// slot, and real mode tops[0] for the unpaged l2.
	tops [4]*page

	// gl3e caches the PAE guest l3 at the last CR3 load.
	gl3e [4]uint64

	// monitor is the table from MakeMonitorTable.
	monitor *page

	oos [oosSlots]oosRecord

	vtlb vtlb

	// lastWritable is the last writable mapping of a guest frame the vcpu
	// installed.
	lastWritable struct {
		frame hostarch.MFN
		idx   int
		ok    bool
	}
}

func state(v *paging.Vcpu) *vcpuState {
	return v.EngineState.(*vcpuState)
}

// Kind implements paging.Engine.Kind.
func (e *Engine) Kind() paging.EngineKind {
	return paging.EngineShadow
}

// Enable implements paging.Engine.Enable.
func (e *Engine) Enable(ctx context.Context, pages uint64) error {
	defer e.mu.Acquire(ctx).Release()
	return e.growLocked(ctx, pages)
}

// VcpuInit implements paging.Engine.VcpuInit.
func (e *Engine) VcpuInit(ctx context.Context, v *paging.Vcpu) error {
	defer e.mu.Acquire(ctx).Release()
	st := &vcpuState{}
	for i := range st.oos {
		st.oos[i].gmfn = hostarch.InvalidMFN
	}
	v.EngineState = st
	e.vcpus = append(e.vcpus, v)
	return nil
}

// VcpuDestroy implements paging.Engine.VcpuDestroy.
func (e *Engine) VcpuDestroy(ctx context.Context, v *paging.Vcpu) {
	defer e.mu.Acquire(ctx).Release()
	st := state(v)
	for i := range st.oos {
		if st.oos[i].used() {
			e.resyncLocked(ctx, &st.oos[i])
		}
	}
	e.detachLocked(ctx, v)
	if st.monitor != nil {
		e.freeLocked(st.monitor)
		st.monitor = nil
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

// AllocTablePage implements p2m.PageSource.AllocTablePage. P2M pages come
// out of the shadow pool.
func (e *Engine) AllocTablePage(ctx context.Context) (hostarch.MFN, error) {
	defer e.mu.Acquire(ctx).Release()
	if err := e.preallocLocked(ctx, 1); err != nil {
		return hostarch.InvalidMFN, err
	}
	p, err := e.allocLocked(typeP2M, 0)
	if err != nil {
		return hostarch.InvalidMFN, err
	}
	e.p2mPages++
	return p.head, nil
}

// FreeTablePage implements p2m.PageSource.FreeTablePage.
func (e *Engine) FreeTablePage(ctx context.Context, mfn hostarch.MFN) {
	defer e.mu.Acquire(ctx).Release()
	p, ok := e.pages[mfn]
	if !ok || p.typ != typeP2M {
		panic(fmt.Sprintf("d%d: freeing %v as a p2m page", e.d.ID, mfn))
	}
	e.freeLocked(p)
	e.p2mPages--
}

// EnableLogDirty implements logdirty.Hooks.EnableLogDirty. Every writable
// mapping is dropped so that the next write to each page faults.
func (e *Engine) EnableLogDirty(ctx context.Context) error {
	defer e.mu.Acquire(ctx).Release()
	e.blowLocked(ctx)
	return nil
}

// DisableLogDirty implements logdirty.Hooks.DisableLogDirty. Read-only
// mappings left behind are upgraded by the next write fault.
func (e *Engine) DisableLogDirty(ctx context.Context) error {
	return nil
}

// CleanDirtyBitmap implements logdirty.Hooks.CleanDirtyBitmap.
func (e *Engine) CleanDirtyBitmap(ctx context.Context) {
	defer e.mu.Acquire(ctx).Release()
	e.blowLocked(ctx)
}

// TypeChangedGlobal implements paging.Engine.TypeChangedGlobal.
func (e *Engine) TypeChangedGlobal(ctx context.Context, from, to p2m.Type) {
	defer e.mu.Acquire(ctx).Release()
	e.dirtyVersion.Add(1)
	e.blowLocked(ctx)
}

// Allocation implements paging.Engine.Allocation.
func (e *Engine) Allocation(ctx context.Context) uint64 {
	defer e.mu.Acquire(ctx).Release()
	return e.pool.TotalPages()
}

// SetAllocation implements paging.Engine.SetAllocation. Shrinking below
// what is in use tears shadows down first and fails with ENOMEM if that is
// not enough.
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
	var oos uint64
	for _, v := range e.vcpus {
		for i := range state(v).oos {
			if state(v).oos[i].used() {
				oos++
			}
		}
	}
	return paging.EngineStats{
		Kind:       paging.EngineShadow,
		TotalPages: e.pool.TotalPages(),
		FreePages:  e.pool.FreePages(),
		P2MPages:   e.p2mPages,
		Extra: map[string]uint64{
			"shadows":      uint64(e.hash.count),
			"pinned":       uint64(e.pins.count),
			"out_of_sync":  oos,
			"faults":       s.faults,
			"emulations":   s.emulations,
			"unsyncs":      s.unsyncs,
			"resyncs":      s.resyncs,
			"unshadows":    s.unshadows,
			"brute_force":  s.bruteForce,
			"blows":        s.blows,
			"lru_unpins":   s.lruUnpins,
			"oom":          s.oom,
			"fast_mmio":    s.fastMMIO,
			"created":      s.created,
			"destroyed":    s.destroyed,
			"wrmap_guess":  s.wrmapGuess,
			"wrmap_cached": s.wrmapCached,
		},
	}
}

// Teardown implements paging.Engine.Teardown.
func (e *Engine) Teardown(ctx context.Context) {
	defer e.mu.Acquire(ctx).Release()
	e.resyncAllLocked(ctx)
	for _, v := range e.vcpus {
		e.detachLocked(ctx, v)
	}
	for e.pins.tail != nil {
		e.unpinLocked(ctx, e.pins.tail)
	}
	// Anything left is reachable from nothing.
	for _, p := range e.hash.collect(^uint32(0)) {
		if p.refs != 0 {
			e.warn.Warningf("%v still referenced at teardown", p)
		}
		e.destroyLocked(ctx, p)
	}
}

// FinalTeardown implements paging.Engine.FinalTeardown.
func (e *Engine) FinalTeardown(ctx context.Context) {
	defer e.mu.Acquire(ctx).Release()
	for _, v := range e.vcpus {
		if st := state(v); st.monitor != nil {
			e.freeLocked(st.monitor)
			st.monitor = nil
		}
	}
	if err := e.shrinkLocked(ctx, 0); err != nil {
		e.log.Warningf("%d pool pages not returned: %v", e.pool.TotalPages(), err)
	}
}
