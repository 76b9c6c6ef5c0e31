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

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
)

// Write is the decoded memory write of a faulting instruction. Instruction
// decoding happens outside this package; the fault handler only needs the
// effect.
type Write struct {
	// VA is the written address. It must be aligned to Bytes.
	VA hostarch.Addr

	// Value is the value written, in the low Bytes bytes.
	Value uint64

	// Bytes is 4 or 8.
	Bytes int

	// CmpXchg makes the write conditional on the old contents being Old.
	CmpXchg bool
	Old     uint64

	// Done is set by a handler that completed the write itself.
	Done bool
}

// Regs carry a fault into and out of the handlers.
type Regs struct {
	// PFEC is the hardware page-fault error code.
	PFEC uint32

	// Pending is the write being attempted, if the faulting access is a
	// write.
	Pending *Write

	// InjectPFEC is the error code to deliver to the guest when the fault
	// is not handled.
	InjectPFEC uint32

	// MMIO is the frame to hand to the device model, or InvalidGFN.
	MMIO hostarch.GFN
}

// NewRegs returns Regs for a fault with the given error code.
func NewRegs(pfec uint32, w *Write) *Regs {
	return &Regs{PFEC: pfec, Pending: w, MMIO: hostarch.InvalidGFN}
}

// Mode is the per-vcpu paging-mode object. There is one implementation per
// engine, guest paging shape and real mode; a vcpu's mode is swapped by
// UpdatePagingModes.
type Mode interface {
	// PageFault handles a guest page fault at va. It returns true if the
	// faulting access should be retried (or has been completed) and false
	// if the fault belongs to the guest, in which case regs.InjectPFEC is
	// set.
	PageFault(ctx context.Context, v *Vcpu, va hostarch.Addr, regs *Regs) (bool, error)

	// Invlpg handles a guest TLB invalidation of va. It returns true if the
	// hardware TLB must be flushed too.
	Invlpg(ctx context.Context, v *Vcpu, va hostarch.Addr) bool

	// GvaToGfn translates va for an access described by pfec. On failure it
	// returns InvalidGFN and sets the error code to inject.
	GvaToGfn(ctx context.Context, v *Vcpu, va hostarch.Addr, pfec *uint32) hostarch.GFN

	// UpdateCR3 installs the tables for the guest's current CR3.
	UpdateCR3(ctx context.Context, v *Vcpu) error

	// UpdatePagingModes is called when the guest's paging shape may have
	// changed.
	UpdatePagingModes(ctx context.Context, v *Vcpu) error

	// WriteP2MEntry is told about a P2M change after it is visible.
	WriteP2MEntry(ctx context.Context, v *Vcpu, gfn hostarch.GFN, level int, prev, next p2m.Entry)

	// WriteGuestEntry stores a guest page-table entry on the guest's
	// behalf, keeping derived tables in step. It returns false if the
	// entry could not be written.
	WriteGuestEntry(ctx context.Context, v *Vcpu, gmfn hostarch.MFN, idx int, val uint64) bool

	// CmpxchgGuestEntry is WriteGuestEntry conditional on the entry holding
	// *old. On a mismatch *old is updated to the current value.
	CmpxchgGuestEntry(ctx context.Context, v *Vcpu, gmfn hostarch.MFN, idx int, old *uint64, val uint64) bool

	// GuestMapL1E returns the guest l1 table frame and index mapping va.
	GuestMapL1E(ctx context.Context, v *Vcpu, va hostarch.Addr) (hostarch.MFN, int, bool)

	// GuestGetEffL1E returns the guest l1 entry for va with the
	// permissions of the whole walk folded in, or 0.
	GuestGetEffL1E(ctx context.Context, v *Vcpu, va hostarch.Addr) uint64

	// GuestLevels is the guest paging depth, 0 in real mode.
	GuestLevels() int

	// Shadow returns the shadow-specific operations, or nil.
	Shadow() ShadowMode
}

// ShadowMode is the part of a Mode only the shadow engine has.
type ShadowMode interface {
	// DetachOldTables drops the vcpu's references to its current shadows.
	DetachOldTables(ctx context.Context, v *Vcpu)

	// EmulateWrite performs a guest write to a shadowed page table.
	EmulateWrite(ctx context.Context, v *Vcpu, va hostarch.Addr, val uint64, bytes int) error

	// EmulateCmpxchg performs a guest compare-exchange on a shadowed page
	// table.
	EmulateCmpxchg(ctx context.Context, v *Vcpu, va hostarch.Addr, old, val uint64, bytes int) error

	// MakeMonitorTable builds the table the vcpu runs on in this mode.
	MakeMonitorTable(ctx context.Context, v *Vcpu) (hostarch.MFN, error)

	// DestroyMonitorTable frees a table from MakeMonitorTable.
	DestroyMonitorTable(ctx context.Context, v *Vcpu, mfn hostarch.MFN)

	// GuessWrmap tries to remove a writable mapping of gmfn by looking
	// where va maps. It returns true if it found one.
	GuessWrmap(ctx context.Context, v *Vcpu, va hostarch.Addr, gmfn hostarch.MFN) bool

	// ShadowLevels is the depth of the shadow tables.
	ShadowLevels() int
}

// GuestFault is returned by Vcpu accesses whose fault belongs to the guest.
type GuestFault struct {
	VA   hostarch.Addr
	PFEC uint32
}

// Error implements error.Error.
func (f *GuestFault) Error() string {
	return fmt.Sprintf("guest page fault at %v (pfec %#x)", f.VA, f.PFEC)
}

// MMIOExit is returned by Vcpu accesses that must go to the device model.
type MMIOExit struct {
	VA  hostarch.Addr
	GFN hostarch.GFN
}

// Error implements error.Error.
func (e *MMIOExit) Error() string {
	return fmt.Sprintf("mmio access at %v (%v)", e.VA, e.GFN)
}
