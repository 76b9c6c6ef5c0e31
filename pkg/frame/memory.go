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

// Package frame models machine memory: the frames themselves, the per-frame
// ownership ledger, and the heap that hands frames out to domains and to the
// hypervisor.
package frame

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// MaxFrames bounds the size of a machine (64GB).
const MaxFrames = 1 << 24

// Memory is the contents of machine memory. It is a single anonymous mapping
// so that every frame is page aligned and table entries can be accessed
// atomically in place.
type Memory struct {
	mem    []byte
	frames uint64
}

// NewMemory maps a machine with the given number of frames.
func NewMemory(frames uint64) (*Memory, error) {
	if frames == 0 || frames > MaxFrames {
		return nil, fmt.Errorf("machine of %d frames out of range (1..%d)", frames, MaxFrames)
	}
	mem, err := unix.Mmap(-1,
		0,
		int(frames*hostarch.PageSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d frames: %v", frames, err)
	}
	if sliceBackingPointer(mem)%hostarch.PageSize != 0 {
		unix.Munmap(mem)
		return nil, fmt.Errorf("machine memory is not page aligned (address %#x)", sliceBackingPointer(mem))
	}
	return &Memory{mem: mem, frames: frames}, nil
}

// Close unmaps the memory. No frame may be accessed afterwards.
func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Frames returns the number of frames.
func (m *Memory) Frames() uint64 {
	return m.frames
}

// Contains returns true if mfn is a frame of this machine.
func (m *Memory) Contains(mfn hostarch.MFN) bool {
	return uint64(mfn) < m.frames
}

func (m *Memory) check(mfn hostarch.MFN) {
	if !m.Contains(mfn) {
		panic(fmt.Sprintf("%v outside machine memory of %d frames", mfn, m.frames))
	}
}

// Page returns the contents of a frame.
func (m *Memory) Page(mfn hostarch.MFN) []byte {
	m.check(mfn)
	off := mfn.Addr()
	return m.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Clear zeroes a frame.
func (m *Memory) Clear(mfn hostarch.MFN) {
	clear(m.Page(mfn))
}

// Copy copies the contents of src into dst.
func (m *Memory) Copy(dst, src hostarch.MFN) {
	copy(m.Page(dst), m.Page(src))
}

// IsZero returns true if every byte of the frame is zero.
func (m *Memory) IsZero(mfn hostarch.MFN) bool {
	var zero [hostarch.PageSize]byte
	return bytes.Equal(m.Page(mfn), zero[:])
}

// Load atomically reads the 64-bit entry idx of the table in frame mfn.
func (m *Memory) Load(mfn hostarch.MFN, idx int) uint64 {
	return m.entry64(mfn, idx).Load()
}

// Store atomically writes the 64-bit entry idx of the table in frame mfn.
func (m *Memory) Store(mfn hostarch.MFN, idx int, v uint64) {
	m.entry64(mfn, idx).Store(v)
}

// CompareAndSwap atomically replaces entry idx of frame mfn if it holds old.
func (m *Memory) CompareAndSwap(mfn hostarch.MFN, idx int, old, new uint64) bool {
	return m.entry64(mfn, idx).CompareAndSwap(old, new)
}

// Load32 atomically reads the 32-bit entry idx of the table in frame mfn.
// Two-level guest tables use 32-bit entries.
func (m *Memory) Load32(mfn hostarch.MFN, idx int) uint32 {
	return m.entry32(mfn, idx).Load()
}

// Store32 atomically writes the 32-bit entry idx of the table in frame mfn.
func (m *Memory) Store32(mfn hostarch.MFN, idx int, v uint32) {
	m.entry32(mfn, idx).Store(v)
}

// CompareAndSwap32 atomically replaces 32-bit entry idx of frame mfn if it
// holds old.
func (m *Memory) CompareAndSwap32(mfn hostarch.MFN, idx int, old, new uint32) bool {
	return m.entry32(mfn, idx).CompareAndSwap(old, new)
}
