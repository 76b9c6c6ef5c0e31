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

// Package bitmap provides a fixed-size bitmap stored in 64-bit blocks.
//
// Dirty bitmaps are copied out to migration callers as Bitmaps, and the
// mapcache tracks in-use and garbage slots with them.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits.
type Bitmap struct {
	// size is the number of valid bits.
	size uint64

	// bitBlock holds the bits. Bit i lives in bitBlock[i/64] at position
	// i%64. Bits at and above size are always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap of n bits.
func New(n uint64) Bitmap {
	return Bitmap{
		size:     n,
		bitBlock: make([]uint64, (n+63)/64),
	}
}

// FromBlocks creates a Bitmap of n bits backed by a copy of blocks.
func FromBlocks(n uint64, blocks []uint64) Bitmap {
	b := New(n)
	copy(b.bitBlock, blocks)
	b.trim()
	return b
}

func (b *Bitmap) trim() {
	if rem := b.size % 64; rem != 0 && len(b.bitBlock) > 0 {
		b.bitBlock[len(b.bitBlock)-1] &= (1 << rem) - 1
	}
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() uint64 {
	return b.size
}

func (b *Bitmap) check(i uint64) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of %d bits", i, b.size))
	}
}

// Test returns whether bit i is set.
func (b *Bitmap) Test(i uint64) bool {
	b.check(i)
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// Set sets bit i and returns its previous value.
func (b *Bitmap) Set(i uint64) bool {
	b.check(i)
	mask := uint64(1) << (i % 64)
	old := b.bitBlock[i/64]&mask != 0
	b.bitBlock[i/64] |= mask
	return old
}

// Clear clears bit i and returns its previous value.
func (b *Bitmap) Clear(i uint64) bool {
	b.check(i)
	mask := uint64(1) << (i % 64)
	old := b.bitBlock[i/64]&mask != 0
	b.bitBlock[i/64] &^= mask
	return old
}

// ClearAll clears every bit.
func (b *Bitmap) ClearAll() {
	clear(b.bitBlock)
}

// AndNot clears every bit of b that is set in o. Both must have the same
// length.
func (b *Bitmap) AndNot(o *Bitmap) {
	if b.size != o.size {
		panic(fmt.Sprintf("AndNot of bitmaps of %d and %d bits", b.size, o.size))
	}
	for i := range b.bitBlock {
		b.bitBlock[i] &^= o.bitBlock[i]
	}
}

// FirstZero returns the first unset bit at or after start, or false if there
// is none.
func (b *Bitmap) FirstZero(start uint64) (uint64, bool) {
	for i := start; i < b.size; {
		block := ^b.bitBlock[i/64] >> (i % 64)
		if block != 0 {
			bit := i + uint64(bits.TrailingZeros64(block))
			if bit < b.size {
				return bit, true
			}
			return 0, false
		}
		i = (i/64 + 1) * 64
	}
	return 0, false
}

// FirstOne returns the first set bit at or after start, or false if there is
// none.
func (b *Bitmap) FirstOne(start uint64) (uint64, bool) {
	for i := start; i < b.size; {
		block := b.bitBlock[i/64] >> (i % 64)
		if block != 0 {
			return i + uint64(bits.TrailingZeros64(block)), true
		}
		i = (i/64 + 1) * 64
	}
	return 0, false
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	var n int
	for _, block := range b.bitBlock {
		n += bits.OnesCount64(block)
	}
	return uint64(n)
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	for _, block := range b.bitBlock {
		if block != 0 {
			return false
		}
	}
	return true
}

// Ones returns the indices of all set bits in ascending order.
func (b *Bitmap) Ones() []uint64 {
	var out []uint64
	for i, block := range b.bitBlock {
		for block != 0 {
			tz := bits.TrailingZeros64(block)
			out = append(out, uint64(i)*64+uint64(tz))
			block &^= 1 << tz
		}
	}
	return out
}

// Blocks returns the backing blocks. The caller must not modify them.
func (b *Bitmap) Blocks() []uint64 {
	return b.bitBlock
}

// Clone returns a copy of b.
func (b *Bitmap) Clone() Bitmap {
	return FromBlocks(b.size, b.bitBlock)
}
