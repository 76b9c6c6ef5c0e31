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
	"sync"
	"sync/atomic"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/mapcache"
	"gvisor.dev/hvmm/pkg/p2m"
)

// Control is the guest's paging control state.
type Control struct {
	// PG is CR0.PG.
	PG bool

	// PAE is CR4.PAE.
	PAE bool

	// LMA is EFER.LMA.
	LMA bool

	// NXE is EFER.NXE.
	NXE bool

	// CR3 is the guest's page-table base.
	CR3 uint64
}

// Levels returns the guest paging depth, 0 with paging off.
func (c Control) Levels() int {
	switch {
	case !c.PG:
		return 0
	case c.LMA:
		return 4
	case c.PAE:
		return 3
	default:
		return 2
	}
}

// Hardware is the vcpu's virtualization control block as the MMU sees it,
// together with its TLB of nested translations.
type Hardware struct {
	mu sync.Mutex

	// +checklocks:mu
	cr3 hostarch.MFN
	// +checklocks:mu
	cr3Levels int
	// +checklocks:mu
	hostCR3 hostarch.MFN
	// +checklocks:mu
	guestCR3 uint64
	// +checklocks:mu
	nestedEnable bool
	// +checklocks:mu
	nestedBase hostarch.MFN
	// +checklocks:mu
	tlb map[hostarch.GFN]p2m.Entry
	// +checklocks:mu
	narrowFlushes uint64
	// +checklocks:mu
	broadFlushes uint64
	// +checklocks:mu
	tlbFlushes uint64
}

// HardwareState is a snapshot of Hardware.
type HardwareState struct {
	CR3           hostarch.MFN
	CR3Levels     int
	HostCR3       hostarch.MFN
	GuestCR3      uint64
	NestedEnable  bool
	NestedBase    hostarch.MFN
	NestedTLB     int
	NarrowFlushes uint64
	BroadFlushes  uint64
	TLBFlushes    uint64
}

// State returns a snapshot.
func (h *Hardware) State() HardwareState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HardwareState{
		CR3:           h.cr3,
		CR3Levels:     h.cr3Levels,
		HostCR3:       h.hostCR3,
		GuestCR3:      h.guestCR3,
		NestedEnable:  h.nestedEnable,
		NestedBase:    h.nestedBase,
		NestedTLB:     len(h.tlb),
		NarrowFlushes: h.narrowFlushes,
		BroadFlushes:  h.broadFlushes,
		TLBFlushes:    h.tlbFlushes,
	}
}

// SetCR3 points the MMU at a table of the given depth. Shadow mode loads the
// top-level shadow, or the monitor table for 3-level shadows.
func (h *Hardware) SetCR3(mfn hostarch.MFN, levels int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cr3 = mfn
	h.cr3Levels = levels
	h.tlbFlushes++
}

// SetHostCR3 records the monitor table.
func (h *Hardware) SetHostCR3(mfn hostarch.MFN) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostCR3 = mfn
}

// SetNested enables or disables nested translation. The guest's CR3 is then
// walked directly by the MMU.
func (h *Hardware) SetNested(enable bool, base hostarch.MFN, guestCR3 uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nestedBase != base || h.nestedEnable != enable {
		h.tlb = nil
	}
	h.nestedEnable = enable
	h.nestedBase = base
	h.guestCR3 = guestCR3
}

// FlushTLB drops all cached translations.
func (h *Hardware) FlushTLB() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tlbFlushes++
}

// FlushNestedRange drops the cached nested translations of the 2^order
// GFNs from gfn.
func (h *Hardware) FlushNestedRange(gfn hostarch.GFN, order uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.narrowFlushes++
	size := hostarch.PagesForOrder(order)
	for g := range h.tlb {
		if g >= gfn && uint64(g-gfn) < size {
			delete(h.tlb, g)
		}
	}
}

// FlushNestedAll drops every cached nested translation.
func (h *Hardware) FlushNestedAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadFlushes++
	h.tlb = nil
}

// nestedLookup returns the nested translation of gfn, from the TLB if
// cached. lookup is only consulted on a miss.
func (h *Hardware) nestedLookup(gfn hostarch.GFN, lookup func(hostarch.GFN) (p2m.Entry, uint)) (p2m.Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.nestedEnable {
		return 0, false
	}
	if e, ok := h.tlb[gfn]; ok {
		return e, true
	}
	e, order := lookup(gfn)
	if e.Present() {
		// Cache the 4K piece of a superpage.
		e += p2m.Entry(uint64(gfn)&(hostarch.PagesForOrder(order)-1)) << hostarch.PageShift
		if h.tlb == nil {
			h.tlb = make(map[hostarch.GFN]p2m.Entry)
		}
		h.tlb[gfn] = e
	}
	return e, true
}

type modeBox struct {
	m Mode
}

// Vcpu is a virtual CPU. Its guest-facing methods must be called from one
// goroutine at a time.
type Vcpu struct {
	ID int

	// HW is the hardware control block.
	HW Hardware

	// Mapcache is the vcpu's view of the domain mapcache.
	Mapcache mapcache.Vcpu

	// EngineState holds the engine's per-vcpu state.
	EngineState any

	// LastWriteWasPT records that the previous emulated write hit a page
	// table, and LastWriteGMFN which one.
	LastWriteWasPT bool
	LastWriteGMFN  hostarch.MFN

	// LastWriteEmulOK records that the previous emulation completed.
	LastWriteEmulOK bool

	d       *Domain
	cpu     locking.CPU
	control Control
	mode    atomic.Pointer[modeBox]
}

func newVcpu(d *Domain, id int, cpu locking.CPU) *Vcpu {
	v := &Vcpu{
		ID:            id,
		d:             d,
		cpu:           cpu,
		LastWriteGMFN: hostarch.InvalidMFN,
	}
	v.HW.cr3 = hostarch.InvalidMFN
	v.HW.hostCR3 = hostarch.InvalidMFN
	v.HW.nestedBase = hostarch.InvalidMFN
	return v
}

// String implements fmt.Stringer.String.
func (v *Vcpu) String() string {
	return fmt.Sprintf("d%dv%d", v.d.ID, v.ID)
}

// Domain returns the vcpu's domain.
func (v *Vcpu) Domain() *Domain {
	return v.d
}

// CPU returns the vcpu's lock identity.
func (v *Vcpu) CPU() locking.CPU {
	return v.cpu
}

// Context returns ctx identifying this vcpu to the lock validator.
func (v *Vcpu) Context(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return locking.WithCPU(ctx, v.cpu)
}

// Control returns the guest's paging control state.
func (v *Vcpu) Control() Control {
	return v.control
}

// Mode returns the current mode object, or nil before the first
// UpdatePagingModes.
func (v *Vcpu) Mode() Mode {
	if b := v.mode.Load(); b != nil {
		return b.m
	}
	return nil
}

func (v *Vcpu) setMode(m Mode) {
	v.mode.Store(&modeBox{m: m})
}
