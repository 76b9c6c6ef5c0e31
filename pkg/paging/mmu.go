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
)

// Shadow and monitor table entries use the long-mode format.
const (
	// EntryMagic marks a not-present shadow entry that stands for emulated
	// MMIO. The GFN is kept in the address bits.
	EntryMagic uint64 = 1 << 62

	// EntryAddrMask covers the frame bits of a shadow entry.
	EntryAddrMask = pteAddrMask64
)

// maxAccessFaults bounds the faults one access may take.
const maxAccessFaults = 16

// translation is the outcome of a hardware walk.
type translation struct {
	mfn hostarch.MFN

	// fault is set for a page fault raised by the walk, with error code
	// pfec.
	fault bool
	pfec  uint32

	// nested is set for a nested fault on gfn.
	nested bool
	gfn    hostarch.GFN
}

// nestedMiss aborts a guest walk on a nested fault.
type nestedMiss struct {
	gfn hostarch.GFN
}

func (n *nestedMiss) Error() string {
	return fmt.Sprintf("nested fault on %v", n.gfn)
}

func pageFault(pfec uint32) translation {
	return translation{fault: true, pfec: pfec}
}

// translate walks the tables the hardware would walk for an access to va.
func (v *Vcpu) translate(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) (translation, error) {
	st := v.HW.State()
	if st.NestedEnable {
		return v.translateNested(ctx, va, at)
	}
	if !st.CR3.Valid() {
		return pageFault(at.PFEC(false)), nil
	}
	return v.translateShadow(va, at, st), nil
}

// translateShadow walks the shadow tables from CR3.
func (v *Vcpu) translateShadow(va hostarch.Addr, at hostarch.AccessType, st HardwareState) translation {
	mem := v.d.Machine.Mem
	levels := st.CR3Levels
	if levels < 4 && va >= 1<<32 || levels == 4 && va >= 1<<48 {
		return pageFault(at.PFEC(false))
	}
	table := st.CR3
	writable, user, nx := true, true, false
	var e uint64
	for level := levels; level >= 1; level-- {
		var idx int
		if levels == 3 && level == 3 {
			idx = int(va>>30) & 3
		} else {
			idx = int(va>>(hostarch.PageShift+9*uint(level-1))) & 511
		}
		e = mem.Load(table, idx)
		if e&PTEPresent == 0 {
			return pageFault(at.PFEC(false))
		}
		table = hostarch.MFN((e & EntryAddrMask) >> hostarch.PageShift)
		if levels == 3 && level == 3 {
			continue
		}
		writable = writable && e&PTEWrite != 0
		user = user && e&PTEUser != 0
		nx = nx || e&PTENX != 0
	}
	switch {
	case at.Write && !writable, at.User && !user, at.Execute && nx:
		return pageFault(at.PFEC(true))
	}
	return translation{mfn: table}
}

// nestedTable translates guest table frames for a hardware walk under
// nested paging.
func (v *Vcpu) nestedTable(ctx context.Context, gfn hostarch.GFN) (hostarch.MFN, bool, error) {
	e, ok := v.HW.nestedLookup(gfn, v.d.P2M.Lookup)
	if !ok || !e.Present() {
		return hostarch.InvalidMFN, false, &nestedMiss{gfn: gfn}
	}
	mfn, _ := e.Unpack()
	return mfn, true, nil
}

// translateNested walks the guest's own tables with every frame translated
// by the P2M.
func (v *Vcpu) translateNested(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) (translation, error) {
	w, fault, err := v.walk(ctx, va, at, v.nestedTable, true)
	if err != nil {
		if miss, ok := err.(*nestedMiss); ok {
			return translation{nested: true, gfn: miss.gfn}, nil
		}
		return translation{}, err
	}
	if fault != nil {
		return pageFault(fault.PFEC), nil
	}
	e, ok := v.HW.nestedLookup(w.GFN, v.d.P2M.Lookup)
	if !ok || !e.Present() || at.Write && !e.Writable() {
		return translation{nested: true, gfn: w.GFN}, nil
	}
	mfn, _ := e.Unpack()
	return translation{mfn: mfn}, nil
}

// Read reads bytes (4 or 8) at va, taking whatever faults the access
// raises.
func (v *Vcpu) Read(ctx context.Context, va hostarch.Addr, bytes int) (uint64, error) {
	return v.access(ctx, va, hostarch.Read, bytes, nil)
}

// Fetch is Read for an instruction fetch.
func (v *Vcpu) Fetch(ctx context.Context, va hostarch.Addr) (uint64, error) {
	return v.access(ctx, va, hostarch.Execute, 8, nil)
}

// Write writes the low bytes (4 or 8) of val at va.
func (v *Vcpu) Write(ctx context.Context, va hostarch.Addr, val uint64, bytes int) error {
	_, err := v.access(ctx, va, hostarch.Write, bytes, &Write{VA: va, Value: val, Bytes: bytes})
	return err
}

// Cmpxchg atomically replaces old with val at va. It returns the value found,
// which equals old if the exchange happened.
func (v *Vcpu) Cmpxchg(ctx context.Context, va hostarch.Addr, old, val uint64, bytes int) (uint64, error) {
	w := &Write{VA: va, Value: val, Bytes: bytes, CmpXchg: true, Old: old}
	if _, err := v.access(ctx, va, hostarch.Write, bytes, w); err != nil {
		return 0, err
	}
	return w.Old, nil
}

func (v *Vcpu) access(ctx context.Context, va hostarch.Addr, at hostarch.AccessType, bytes int, w *Write) (uint64, error) {
	if bytes != 4 && bytes != 8 || uint64(va)%uint64(bytes) != 0 {
		return 0, fmt.Errorf("%s: %d-byte access at %v: %w", v, bytes, va, hverr.EINVAL)
	}
	ctx = v.Context(ctx)
	for i := 0; i < maxAccessFaults; i++ {
		val, done, err := v.step(ctx, va, at, bytes, w)
		if err != nil || done {
			return val, err
		}
	}
	return 0, fmt.Errorf("%s: access to %v still faulting after %d faults: %w", v, va, maxAccessFaults, hverr.EIO)
}

// step makes one attempt at an access, handling the fault it raises if any.
// It runs inside the domain's running section.
func (v *Vcpu) step(ctx context.Context, va hostarch.Addr, at hostarch.AccessType, bytes int, w *Write) (uint64, bool, error) {
	v.d.running.RLock()
	defer v.d.running.RUnlock()
	if err := v.runnable(); err != nil {
		return 0, false, err
	}
	tr, err := v.translate(ctx, va, at)
	if err != nil {
		return 0, false, err
	}
	var regs *Regs
	switch {
	case tr.nested:
		regs = NewRegs(at.PFEC(true), w)
		ok, err := v.d.NestedFault(ctx, v, tr.gfn, at, regs)
		if err != nil {
			return 0, false, err
		}
		if !ok && regs.MMIO == hostarch.InvalidGFN {
			v.d.Crash(fmt.Sprintf("%s: unhandled nested fault on %v", v, tr.gfn))
			return 0, false, fmt.Errorf("%s: %w", v, hverr.EIO)
		}
	case tr.fault:
		if v.d.Flags().HAP() {
			return 0, false, &GuestFault{VA: va, PFEC: tr.pfec}
		}
		regs = NewRegs(tr.pfec, w)
		ok, err := v.Fault(ctx, va, regs)
		if err != nil {
			return 0, false, err
		}
		if !ok && regs.MMIO == hostarch.InvalidGFN {
			return 0, false, &GuestFault{VA: va, PFEC: regs.InjectPFEC}
		}
	default:
		return v.complete(tr.mfn, va, bytes, w), true, nil
	}
	if regs.MMIO != hostarch.InvalidGFN {
		return 0, false, &MMIOExit{VA: va, GFN: regs.MMIO}
	}
	return 0, w != nil && w.Done, nil
}

// complete performs the access on the translated frame.
func (v *Vcpu) complete(mfn hostarch.MFN, va hostarch.Addr, bytes int, w *Write) uint64 {
	mem := v.d.Machine.Mem
	wide := bytes == 8
	idx := int(va.PageOffset()) / bytes
	switch {
	case w == nil:
		return LoadEntry(mem, mfn, idx, wide)
	case w.CmpXchg:
		for {
			cur := LoadEntry(mem, mfn, idx, wide)
			if cur != w.Old {
				w.Old = cur
				break
			}
			if CASEntry(mem, mfn, idx, wide, cur, w.Value) {
				break
			}
		}
	default:
		StoreEntry(mem, mfn, idx, wide, w.Value)
	}
	w.Done = true
	return 0
}
