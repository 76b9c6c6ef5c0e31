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

// Package hostarch describes the machine and guest address spaces that the
// memory virtualization core translates between.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the base frame size.
	PageShift = 12

	// PageSize is the base frame size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a superpage.
	HugePageShift = 21

	// HugePageSize is the superpage size.
	HugePageSize = 1 << HugePageShift

	// SuperPageOrder is the frame order of a superpage.
	SuperPageOrder = HugePageShift - PageShift

	// EntriesPerTable is the number of 64-bit entries in a table page.
	EntriesPerTable = PageSize / 8
)

// Addr is a guest virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PagesForOrder returns the number of base frames in a block of the given
// order.
func PagesForOrder(order uint) uint64 {
	return 1 << order
}
