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

package frame

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/hvmm/pkg/hostarch"
)

func sliceBackingPointer(slice []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(slice)))
}

// entry64 returns entry idx of the frame viewed as a table of 512 64-bit
// entries. Frames are page aligned, so every entry is naturally aligned.
func (m *Memory) entry64(mfn hostarch.MFN, idx int) *atomic.Uint64 {
	if idx < 0 || idx >= hostarch.PageSize/8 {
		panic(fmt.Sprintf("64-bit entry index %d out of range", idx))
	}
	page := m.Page(mfn)
	return (*atomic.Uint64)(unsafe.Pointer(&page[idx*8]))
}

// entry32 returns entry idx of the frame viewed as a table of 1024 32-bit
// entries.
func (m *Memory) entry32(mfn hostarch.MFN, idx int) *atomic.Uint32 {
	if idx < 0 || idx >= hostarch.PageSize/4 {
		panic(fmt.Sprintf("32-bit entry index %d out of range", idx))
	}
	page := m.Page(mfn)
	return (*atomic.Uint32)(unsafe.Pointer(&page[idx*4]))
}
