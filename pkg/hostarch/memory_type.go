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

package hostarch

import "fmt"

// MemoryType is the effective memory type of a nested translation, in the
// encoding nested page table hardware expects.
type MemoryType uint8

const (
	// MemoryTypeUncached is strong uncacheable (UC).
	MemoryTypeUncached MemoryType = 0

	// MemoryTypeWriteCombine is write-combining (WC).
	MemoryTypeWriteCombine MemoryType = 1

	// MemoryTypeWriteThrough is write-through (WT).
	MemoryTypeWriteThrough MemoryType = 4

	// MemoryTypeWriteProtect is write-protected (WP).
	MemoryTypeWriteProtect MemoryType = 5

	// MemoryTypeWriteBack is write-back (WB). This is ordinary RAM.
	MemoryTypeWriteBack MemoryType = 6
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeUncached:
		return "UC"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeWriteProtect:
		return "WP"
	case MemoryTypeWriteBack:
		return "WB"
	default:
		return fmt.Sprintf("%d", mt)
	}
}
