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

// Package paging ties a domain's memory virtualization together: the P2M,
// the log-dirty tracker and one paging engine (shadow or HAP), and the
// per-vcpu mode objects through which faults, TLB invalidations and CR3
// loads are dispatched.
//
// Engines live in their own packages and register themselves with
// RegisterEngine; importing an engine package makes it available to
// NewDomain.
package paging

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/logdirty"
	"gvisor.dev/hvmm/pkg/mapcache"
	"gvisor.dev/hvmm/pkg/metric"
	"gvisor.dev/hvmm/pkg/p2m"
)

// Defaults for zero Options fields.
const (
	DefaultPoolPages     = 256
	DefaultMapcacheSlots = 64
)

func init() {
	locking.AddOrder(p2m.LockClass, logdirty.LockClass)
}

var crashes = metric.MustCreateNewUint64Metric("domain_crashes", true, "Domains crashed by the paging code.", metric.NewField("domain"))

// Options configure a new Domain.
type Options struct {
	ID       hostarch.DomID
	Machine  *frame.Machine
	MaxPages uint64
	Engine   EngineKind

	// PoolPages is the initial engine pool.
	PoolPages uint64

	Vcpus         int
	MapcacheSlots int

	// LogDirtyNodes bounds the log-dirty radix.
	LogDirtyNodes int

	// OOS lets the shadow engine leave guest l1 tables out of sync.
	OOS bool

	// FastMMIO lets the shadow engine install magic entries for emulated
	// MMIO so that repeated accesses skip the guest walk.
	FastMMIO bool
}

// Domain is a guest's memory-virtualization state.
type Domain struct {
	ID       hostarch.DomID
	Machine  *frame.Machine
	Owner    *frame.Owner
	P2M      *p2m.Table
	LogDirty *logdirty.Tracker
	Mapcache *mapcache.Cache

	opts   Options
	label  string
	log    log.Logger
	engine Engine
	vcpus  []*Vcpu

	flags   atomic.Uint32
	crashed atomic.Bool
	paused  atomic.Bool

	// running is held for reading by a vcpu for each attempt at a guest
	// access, and for writing to hold every vcpu off guest memory.
	running sync.RWMutex

	// reservedEnd is one past the highest GFN covered by an increase
	// reservation.
	reservedEnd atomic.Uint64
}

var nextCPU atomic.Int32

// P2MAttacher is implemented by engines that need to configure the P2M once
// it exists.
type P2MAttacher interface {
	AttachP2M(ctx context.Context, t *p2m.Table)
}

// NewDomain builds a domain with paging enabled on the requested engine.
func NewDomain(ctx context.Context, opts Options) (*Domain, error) {
	ctx = locking.EnsureCPU(ctx)
	factory, ok := lookupEngine(opts.Engine)
	if !ok {
		return nil, fmt.Errorf("d%d: no paging engine %q (have %v): %w", opts.ID, opts.Engine, Engines(), hverr.EINVAL)
	}
	if opts.Vcpus <= 0 {
		opts.Vcpus = 1
	}
	if opts.MapcacheSlots <= 0 {
		opts.MapcacheSlots = DefaultMapcacheSlots
	}
	if opts.PoolPages == 0 {
		opts.PoolPages = DefaultPoolPages
	}

	d := &Domain{
		ID:       opts.ID,
		Machine:  opts.Machine,
		Owner:    frame.NewOwner(opts.ID, opts.MaxPages),
		Mapcache: mapcache.New(opts.Machine.Mem, opts.MapcacheSlots),
		opts:     opts,
		label:    strconv.Itoa(int(opts.ID)),
		log:      log.Prefixed(log.Log(), fmt.Sprintf("d%d:", opts.ID)),
	}
	d.engine = factory(d)
	if err := d.engine.Enable(ctx, opts.PoolPages); err != nil {
		return nil, fmt.Errorf("d%d: enabling %s paging: %w", d.ID, opts.Engine, err)
	}
	flags := opts.Engine.flag() | FlagTranslate | FlagExternal
	if opts.Engine == EngineShadow {
		flags |= FlagRefcounts
	}
	d.flags.Store(uint32(flags))

	t, err := p2m.New(ctx, p2m.Options{
		Machine:  opts.Machine,
		Owner:    d.Owner,
		Source:   d.engine,
		Observer: d,
	})
	if err != nil {
		d.engine.FinalTeardown(ctx)
		return nil, err
	}
	d.P2M = t
	if a, ok := d.engine.(P2MAttacher); ok {
		a.AttachP2M(ctx, t)
	}
	d.LogDirty = logdirty.New(logdirty.Options{
		Domain:   d.ID,
		Ledger:   opts.Machine.Ledger,
		Hooks:    logDirtyHooks{d},
		MaxNodes: opts.LogDirtyNodes,
	})

	vcpus := make([]*Vcpu, 0, opts.Vcpus)
	for i := 0; i < opts.Vcpus; i++ {
		v := newVcpu(d, i, locking.CPU(nextCPU.Add(1)))
		vctx := v.Context(ctx)
		if err := d.engine.VcpuInit(vctx, v); err != nil {
			return nil, fmt.Errorf("%s: %w", v, err)
		}
		if err := v.UpdatePagingModes(vctx); err != nil {
			return nil, fmt.Errorf("%s: %w", v, err)
		}
		vcpus = append(vcpus, v)
	}
	d.vcpus = vcpus
	d.log.Infof("created: %s paging, %d vcpus, %d max pages", opts.Engine, opts.Vcpus, opts.MaxPages)
	return d, nil
}

// Flags returns the paging mode word.
func (d *Domain) Flags() Flags {
	return Flags(d.flags.Load())
}

func (d *Domain) setFlags(set, clear Flags) {
	for {
		old := d.flags.Load()
		next := (old | uint32(set)) &^ uint32(clear)
		if d.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// Engine returns the paging engine.
func (d *Domain) Engine() Engine {
	return d.engine
}

// Options returns the options the domain was built with.
func (d *Domain) Options() Options {
	return d.opts
}

// Label returns the domain ID as a metric field value.
func (d *Domain) Label() string {
	return d.label
}

// Log returns the domain's logger.
func (d *Domain) Log() log.Logger {
	return d.log
}

// Vcpus returns the domain's vcpus.
func (d *Domain) Vcpus() []*Vcpu {
	return d.vcpus
}

// Vcpu returns vcpu id.
func (d *Domain) Vcpu(id int) (*Vcpu, error) {
	if id < 0 || id >= len(d.vcpus) {
		return nil, fmt.Errorf("d%d: no vcpu %d: %w", d.ID, id, hverr.ENOENT)
	}
	return d.vcpus[id], nil
}

// Crash stops the domain. Further accesses fail with EIO.
func (d *Domain) Crash(reason string) {
	if d.crashed.CompareAndSwap(false, true) {
		crashes.Increment(d.label)
		d.log.Warningf("crashed: %s", reason)
	}
}

// Crashed returns true after Crash.
func (d *Domain) Crashed() bool {
	return d.crashed.Load()
}

// Pause stops the domain's vcpus until Unpause.
func (d *Domain) Pause(reason string) {
	if d.paused.CompareAndSwap(false, true) {
		d.log.Warningf("paused: %s", reason)
	}
}

// PauseSync is Pause that also waits for accesses in progress to finish.
// It must not be called from a vcpu.
func (d *Domain) PauseSync(reason string) {
	d.Pause(reason)
	d.running.Lock()
	d.running.Unlock()
}

// Unpause resumes the domain.
func (d *Domain) Unpause() {
	if d.paused.CompareAndSwap(true, false) {
		d.log.Infof("unpaused")
	}
}

// Paused returns true while the domain is paused.
func (d *Domain) Paused() bool {
	return d.paused.Load()
}

// EntryChanged implements p2m.Observer.EntryChanged. The engines act on P2M
// changes domain-wide, so any vcpu's mode will do.
//
// With log-dirty on, a frame newly mapped writable is marked dirty: writes
// to it will not fault until the next clean re-arms it.
func (d *Domain) EntryChanged(ctx context.Context, gfn hostarch.GFN, level int, prev, next p2m.Entry) {
	if len(d.vcpus) != 0 {
		v := d.vcpus[0]
		if m := v.Mode(); m != nil {
			m.WriteP2MEntry(ctx, v, gfn, level, prev, next)
		}
	}
	if !d.Flags().LogDirty() || next.Type() != p2m.RAMRW || level > 1 && !next.Superpage() {
		return
	}
	if prev.Type().IsRAM() && prev.MFN() == next.MFN() {
		return
	}
	n := hostarch.PagesForOrder(uint(9 * (level - 1)))
	base := hostarch.GFN(uint64(gfn) &^ (n - 1))
	for i := uint64(0); i < n; i++ {
		d.LogDirty.MarkDirtyGFN(ctx, base.Add(i))
	}
}

// TypeChangedGlobal implements p2m.Observer.TypeChangedGlobal.
func (d *Domain) TypeChangedGlobal(ctx context.Context, from, to p2m.Type) {
	d.engine.TypeChangedGlobal(ctx, from, to)
}

// logDirtyHooks keeps the mode word in step with the engine hooks.
type logDirtyHooks struct {
	d *Domain
}

// EnableLogDirty implements logdirty.Hooks.EnableLogDirty.
func (h logDirtyHooks) EnableLogDirty(ctx context.Context) error {
	h.d.setFlags(FlagLogDirty, 0)
	if err := h.d.engine.EnableLogDirty(ctx); err != nil {
		h.d.setFlags(0, FlagLogDirty)
		return err
	}
	return nil
}

// DisableLogDirty implements logdirty.Hooks.DisableLogDirty.
func (h logDirtyHooks) DisableLogDirty(ctx context.Context) error {
	if err := h.d.engine.DisableLogDirty(ctx); err != nil {
		return err
	}
	h.d.setFlags(0, FlagLogDirty)
	return nil
}

// CleanDirtyBitmap implements logdirty.Hooks.CleanDirtyBitmap.
func (h logDirtyHooks) CleanDirtyBitmap(ctx context.Context) {
	h.d.engine.CleanDirtyBitmap(ctx)
}

// MarkDirty records a write to mfn if log-dirty is on.
func (d *Domain) MarkDirty(ctx context.Context, mfn hostarch.MFN) {
	if d.Flags().LogDirty() {
		d.LogDirty.MarkDirty(ctx, mfn)
	}
}
