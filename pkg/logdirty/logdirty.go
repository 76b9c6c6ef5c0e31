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

// Package logdirty records which guest frames a domain has written since the
// dirty bitmap was last cleaned.
//
// The bitmap is a radix of page-sized nodes held in an arena and addressed
// by index. Leaves are bitmaps covering 2^15 GFNs each; interior nodes hold
// 512 child indices. Index 0 is the absent node. Nodes are allocated lazily
// on the first write to a range, and the arena is bounded: when it is full a
// write goes unrecorded and is counted as a failed allocation, which the
// next clean reports.
package logdirty

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gvisor.dev/hvmm/pkg/bitmap"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/metric"
)

const (
	nodeEntries = 1 << 9
	leafShift   = hostarch.PageShift + 3
	leafBits    = 1 << leafShift
	levels      = 4

	// DefaultMaxNodes bounds the arena when Options.MaxNodes is zero. It
	// covers the whole P2M address space with room to spare.
	DefaultMaxNodes = 1 << 12

	// MaxReadPages bounds the range of one Read. Larger ranges are read in
	// pieces.
	MaxReadPages = 1 << 24
)

// LockClass is the class of every tracker lock.
var LockClass = locking.NewMutexClass("logdirty")

var (
	markedPages = metric.MustCreateNewUint64Metric("logdirty_marked_pages", true, "Pages newly marked dirty.", metric.NewField("domain"))
	failedMarks = metric.MustCreateNewUint64Metric("logdirty_failed_allocs", true, "Dirty marks lost to node allocation failure.", metric.NewField("domain"))
)

// index returns the child slot of gfn in a node at level (2..4), or the bit
// within a leaf at level 1.
func index(gfn hostarch.GFN, level int) uint64 {
	if level == 1 {
		return uint64(gfn) & (leafBits - 1)
	}
	return (uint64(gfn) >> (leafShift + 9*(level-2))) & (nodeEntries - 1)
}

// node is one radix node. Interior nodes store child indices in its words;
// leaves store bits.
type node [nodeEntries]uint64

// Hooks are the paging-engine specific halves of the log-dirty operations.
type Hooks interface {
	// EnableLogDirty makes every RAM write fault so it can be recorded.
	EnableLogDirty(ctx context.Context) error

	// DisableLogDirty undoes EnableLogDirty.
	DisableLogDirty(ctx context.Context) error

	// CleanDirtyBitmap re-arms write faults on pages that were recorded
	// since the last clean.
	CleanDirtyBitmap(ctx context.Context)
}

// Stats are the tracker counters.
type Stats struct {
	// FaultCount is the number of write faults taken for log-dirty since
	// the last clean.
	FaultCount uint64

	// DirtyCount is the number of pages newly marked since the last clean.
	DirtyCount uint64

	// Allocs is the number of nodes allocated.
	Allocs uint64

	// FailedAllocs is the number of marks lost to a full arena since the
	// tracker was enabled.
	FailedAllocs uint64
}

// Op selects what Read does with the bits it copies.
type Op int

// Read operations.
const (
	// Peek copies the bits and leaves them set.
	Peek Op = iota

	// Clean copies the bits, clears them and re-arms write faults.
	Clean
)

// String implements fmt.Stringer.String.
func (op Op) String() string {
	switch op {
	case Peek:
		return "peek"
	case Clean:
		return "clean"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Options configure a Tracker.
type Options struct {
	Domain   hostarch.DomID
	Ledger   *frame.Ledger
	Hooks    Hooks
	MaxNodes int
}

// Tracker is a domain's log-dirty state.
type Tracker struct {
	domain hostarch.DomID
	label  string
	ledger *frame.Ledger
	hooks  Hooks
	log    log.Logger
	warn   log.Logger

	mu locking.Mutex

	// +checklocks:mu
	enabled bool
	// nodes is the arena. nodes[0] is never used; top is 0 while no bitmap
	// is allocated.
	//
	// +checklocks:mu
	nodes []node
	// +checklocks:mu
	maxNodes int
	// +checklocks:mu
	top uint64
	// +checklocks:mu
	stats Stats
}

// New returns a disabled tracker.
func New(opts Options) *Tracker {
	t := &Tracker{
		domain:   opts.Domain,
		label:    strconv.Itoa(int(opts.Domain)),
		ledger:   opts.Ledger,
		hooks:    opts.Hooks,
		maxNodes: opts.MaxNodes,
	}
	if t.maxNodes <= 0 {
		t.maxNodes = DefaultMaxNodes
	}
	t.log = log.Prefixed(log.Log(), fmt.Sprintf("d%d logdirty:", opts.Domain))
	t.warn = log.RateLimitedLogger(t.log, time.Second)
	t.mu.Init(LockClass)
	return t
}

// SetHooks replaces the engine hooks. It is used when the domain's paging
// engine is chosen after the tracker is created.
func (t *Tracker) SetHooks(ctx context.Context, h Hooks) {
	defer t.mu.Acquire(ctx).Release()
	t.hooks = h
}

// allocNodeLocked returns the index of a new zeroed node, or 0 if the arena
// is full.
//
// +checklocks:t.mu
func (t *Tracker) allocNodeLocked() uint64 {
	if len(t.nodes) == 0 {
		t.nodes = make([]node, 1, 16)
	}
	if len(t.nodes)-1 >= t.maxNodes {
		t.stats.FailedAllocs++
		return 0
	}
	t.nodes = append(t.nodes, node{})
	t.stats.Allocs++
	return uint64(len(t.nodes) - 1)
}

// freeLocked drops the whole radix.
//
// +checklocks:t.mu
func (t *Tracker) freeLocked() {
	t.nodes = nil
	t.top = 0
}

// Enabled returns true between Enable and Disable.
func (t *Tracker) Enabled(ctx context.Context) bool {
	defer t.mu.Acquire(ctx).Release()
	return t.enabled
}

// Enable allocates the bitmap root and asks the engine to start write
// faulting. Enabling an enabled tracker fails with EINVAL.
func (t *Tracker) Enable(ctx context.Context) error {
	g := t.mu.Acquire(ctx)
	if t.enabled {
		g.Release()
		return fmt.Errorf("d%d: log-dirty already enabled: %w", t.domain, hverr.EINVAL)
	}
	t.stats = Stats{}
	if t.top == 0 {
		t.top = t.allocNodeLocked()
		if t.top == 0 {
			g.Release()
			return fmt.Errorf("d%d: allocating log-dirty bitmap: %w", t.domain, hverr.ENOMEM)
		}
	}
	// Marks made while the engine switches over are kept.
	t.enabled = true
	hooks := t.hooks
	g.Release()

	if hooks == nil {
		return nil
	}
	if err := hooks.EnableLogDirty(ctx); err != nil {
		defer t.mu.Acquire(ctx).Release()
		t.enabled = false
		t.freeLocked()
		return err
	}
	t.log.Infof("enabled")
	return nil
}

// Disable asks the engine to stop write faulting and frees the bitmap.
func (t *Tracker) Disable(ctx context.Context) error {
	g := t.mu.Acquire(ctx)
	if !t.enabled {
		g.Release()
		return nil
	}
	hooks := t.hooks
	g.Release()

	if hooks != nil {
		if err := hooks.DisableLogDirty(ctx); err != nil {
			return err
		}
	}
	defer t.mu.Acquire(ctx).Release()
	t.enabled = false
	t.freeLocked()
	t.log.Infof("disabled: %d nodes allocated, %d failed", t.stats.Allocs, t.stats.FailedAllocs)
	return nil
}

// MarkDirty records a write to mfn, translated to a GFN through the
// machine-to-phys table. Frames with no GFN are ignored.
func (t *Tracker) MarkDirty(ctx context.Context, mfn hostarch.MFN) {
	if !mfn.Valid() || t.ledger.Owner(mfn) != t.domain {
		return
	}
	gfn := t.ledger.GFN(mfn)
	if gfn == hostarch.InvalidGFN {
		return
	}
	t.MarkDirtyGFN(ctx, gfn)
}

// MarkDirtyGFN records a write to gfn. Marking is idempotent: only the first
// mark after a clean counts towards DirtyCount.
func (t *Tracker) MarkDirtyGFN(ctx context.Context, gfn hostarch.GFN) {
	defer t.mu.Acquire(ctx).Release()
	if !t.enabled || t.top == 0 {
		return
	}
	cur := t.top
	for level := levels; level > 1; level-- {
		slot := &t.nodes[cur][index(gfn, level)]
		if *slot == 0 {
			next := t.allocNodeLocked()
			if next == 0 {
				failedMarks.Increment(t.label)
				t.warn.Warningf("out of log-dirty nodes marking %v (%d failed)", gfn, t.stats.FailedAllocs)
				return
			}
			// The arena may have moved.
			slot = &t.nodes[cur][index(gfn, level)]
			*slot = next
		}
		cur = *slot
	}
	bit := index(gfn, 1)
	word := &t.nodes[cur][bit/64]
	if *word&(1<<(bit%64)) != 0 {
		return
	}
	*word |= 1 << (bit % 64)
	t.stats.DirtyCount++
	markedPages.Increment(t.label)
}

// CountFault records a write fault taken because of log-dirty mode.
func (t *Tracker) CountFault(ctx context.Context) {
	defer t.mu.Acquire(ctx).Release()
	t.stats.FaultCount++
}

// IsDirty returns true if gfn is marked.
func (t *Tracker) IsDirty(ctx context.Context, gfn hostarch.GFN) bool {
	defer t.mu.Acquire(ctx).Release()
	leaf, ok := t.leafLocked(gfn)
	if !ok {
		return false
	}
	bit := index(gfn, 1)
	return t.nodes[leaf][bit/64]&(1<<(bit%64)) != 0
}

// leafLocked returns the leaf covering gfn, if one exists.
//
// +checklocks:t.mu
func (t *Tracker) leafLocked(gfn hostarch.GFN) (uint64, bool) {
	if t.top == 0 {
		return 0, false
	}
	cur := t.top
	for level := levels; level > 1; level-- {
		cur = t.nodes[cur][index(gfn, level)]
		if cur == 0 {
			return 0, false
		}
	}
	return cur, true
}

// Stats returns the counters without resetting them.
func (t *Tracker) Stats(ctx context.Context) Stats {
	defer t.mu.Acquire(ctx).Release()
	return t.stats
}

// Result is what Read returns.
type Result struct {
	// Dirty holds one bit per GFN of the requested range.
	Dirty bitmap.Bitmap

	// Stats are the counters as they were before a clean reset them.
	Stats Stats
}

// Read copies the bits for n GFNs from begin. With Clean the copied bits are
// cleared, the fault and dirty counts are reset, and the engine re-arms
// write faults after the lock is dropped.
//
// Failed allocations do not fail the call; they are returned in
// Result.Stats.FailedAllocs and logged, and the caller decides whether a
// bitmap with holes is acceptable.
func (t *Tracker) Read(ctx context.Context, op Op, begin hostarch.GFN, n uint64) (Result, error) {
	if uint64(begin)+n < uint64(begin) {
		return Result{}, fmt.Errorf("d%d: log-dirty %s of %d pages at %v overflows: %w", t.domain, op, n, begin, hverr.EINVAL)
	}
	if n > MaxReadPages {
		return Result{}, fmt.Errorf("d%d: log-dirty %s of %d pages exceeds %d: %w", t.domain, op, n, MaxReadPages, hverr.EINVAL)
	}
	g := t.mu.Acquire(ctx)
	if !t.enabled {
		g.Release()
		return Result{}, fmt.Errorf("d%d: log-dirty %s while not enabled: %w", t.domain, op, hverr.EINVAL)
	}
	res := Result{Dirty: bitmap.New(n), Stats: t.stats}
	for i := uint64(0); i < n; {
		gfn := begin.Add(i)
		bit := index(gfn, 1)
		span := leafBits - bit
		if span > n-i {
			span = n - i
		}
		if leaf, ok := t.leafLocked(gfn); ok {
			words := &t.nodes[leaf]
			for j := uint64(0); j < span; j++ {
				b := bit + j
				mask := uint64(1) << (b % 64)
				if words[b/64]&mask == 0 {
					continue
				}
				res.Dirty.Set(i + j)
				if op == Clean {
					words[b/64] &^= mask
				}
			}
		}
		i += span
	}
	if op == Clean {
		t.stats.FaultCount = 0
		t.stats.DirtyCount = 0
	}
	hooks := t.hooks
	g.Release()

	if res.Stats.FailedAllocs != 0 {
		t.log.Warningf("%d failed node allocations while logging dirty pages", res.Stats.FailedAllocs)
	}
	if op == Clean && hooks != nil {
		hooks.CleanDirtyBitmap(ctx)
	}
	return res, nil
}

// Teardown disables tracking without calling the engine and frees the
// bitmap. It is only for domain destruction.
func (t *Tracker) Teardown(ctx context.Context) {
	defer t.mu.Acquire(ctx).Release()
	t.enabled = false
	t.freeLocked()
}
