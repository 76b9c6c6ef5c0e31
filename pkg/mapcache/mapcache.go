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

// Package mapcache implements the per-domain cache of temporary frame
// mappings used when the hypervisor needs to read or write a frame that is
// not permanently mapped: guest page tables during walks and emulation,
// snapshots during resync, candidate frames during PoD sweeps.
//
// Unmapping a slot does not flush it. The slot becomes garbage and stays
// valid until the slot space runs out, at which point every garbage slot is
// reclaimed at once and the epoch advances. A vcpu that observes a newer
// epoch than the last one it saw must flush its TLB before using the cache.
package mapcache

import (
	"context"
	"fmt"

	"gvisor.dev/hvmm/pkg/bitmap"
	"gvisor.dev/hvmm/pkg/errors/hverr"
	"gvisor.dev/hvmm/pkg/frame"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
)

var lockClass = locking.NewMutexClass("mapcache")

type slot struct {
	mfn  hostarch.MFN
	refs int
}

// Cache is a domain's mapcache.
type Cache struct {
	mem *frame.Memory

	mu locking.Mutex

	// +checklocks:mu
	slots []slot
	// +checklocks:mu
	inuse bitmap.Bitmap
	// +checklocks:mu
	garbage bitmap.Bitmap
	// +checklocks:mu
	byMFN map[hostarch.MFN]int
	// +checklocks:mu
	epoch uint64
	// cursor is where the next free-slot search starts.
	//
	// +checklocks:mu
	cursor uint64
	// +checklocks:mu
	flushes uint64
}

// Vcpu is the per-vcpu view of a Cache.
type Vcpu struct {
	epoch      uint64
	tlbFlushes uint64
}

// TLBFlushes returns how many times the vcpu had to flush because the cache
// epoch moved.
func (v *Vcpu) TLBFlushes() uint64 {
	return v.tlbFlushes
}

// New returns a cache with n slots over mem.
func New(mem *frame.Memory, n int) *Cache {
	c := &Cache{
		mem:     mem,
		slots:   make([]slot, n),
		inuse:   bitmap.New(uint64(n)),
		garbage: bitmap.New(uint64(n)),
		byMFN:   make(map[hostarch.MFN]int),
	}
	c.mu.Init(lockClass)
	return c
}

// Mapping is a live mapping of one frame.
type Mapping struct {
	slot int
	mfn  hostarch.MFN

	// Bytes are the frame contents.
	Bytes []byte
}

// MFN returns the mapped frame.
func (m Mapping) MFN() hostarch.MFN {
	return m.mfn
}

// Map maps mfn on behalf of vcpu v, which may be nil for callers outside any
// vcpu context.
func (c *Cache) Map(ctx context.Context, v *Vcpu, mfn hostarch.MFN) (Mapping, error) {
	defer c.mu.Acquire(ctx).Release()

	if v != nil && v.epoch != c.epoch {
		v.tlbFlushes++
		v.epoch = c.epoch
	}

	if idx, ok := c.byMFN[mfn]; ok {
		s := &c.slots[idx]
		s.refs++
		c.garbage.Clear(uint64(idx))
		return Mapping{slot: idx, mfn: mfn, Bytes: c.mem.Page(mfn)}, nil
	}

	idx, ok := c.inuse.FirstZero(c.cursor)
	if !ok {
		idx, ok = c.inuse.FirstZero(0)
	}
	if !ok {
		c.flushLocked()
		if v != nil {
			v.tlbFlushes++
			v.epoch = c.epoch
		}
		idx, ok = c.inuse.FirstZero(0)
	}
	if !ok {
		return Mapping{}, fmt.Errorf("mapcache: all %d slots pinned: %w", len(c.slots), hverr.ENOMEM)
	}
	c.inuse.Set(idx)
	c.cursor = idx + 1
	c.slots[idx] = slot{mfn: mfn, refs: 1}
	c.byMFN[mfn] = int(idx)
	return Mapping{slot: int(idx), mfn: mfn, Bytes: c.mem.Page(mfn)}, nil
}

// Unmap drops a mapping returned by Map.
func (c *Cache) Unmap(ctx context.Context, m Mapping) {
	defer c.mu.Acquire(ctx).Release()
	s := &c.slots[m.slot]
	if s.mfn != m.mfn || s.refs == 0 {
		panic(fmt.Sprintf("mapcache: unmap of %v in slot %d holding %v with %d refs", m.mfn, m.slot, s.mfn, s.refs))
	}
	s.refs--
	if s.refs == 0 {
		c.garbage.Set(uint64(m.slot))
	}
}

// flushLocked reclaims every garbage slot and starts a new epoch.
//
// +checklocks:c.mu
func (c *Cache) flushLocked() {
	for _, idx := range c.garbage.Ones() {
		delete(c.byMFN, c.slots[idx].mfn)
		c.slots[idx] = slot{}
	}
	c.inuse.AndNot(&c.garbage)
	c.garbage.ClearAll()
	c.epoch++
	c.flushes++
	c.cursor = 0
}

// Flush forces an epoch change, e.g. before a frame that may still be
// reachable through a garbage slot is repurposed.
func (c *Cache) Flush(ctx context.Context) {
	defer c.mu.Acquire(ctx).Release()
	c.flushLocked()
}

// Stats reports the cache state.
type Stats struct {
	Epoch   uint64
	Flushes uint64
	InUse   uint64
	Garbage uint64
}

// Stats returns the current statistics.
func (c *Cache) Stats(ctx context.Context) Stats {
	defer c.mu.Acquire(ctx).Release()
	return Stats{
		Epoch:   c.epoch,
		Flushes: c.flushes,
		InUse:   c.inuse.Count(),
		Garbage: c.garbage.Count(),
	}
}
