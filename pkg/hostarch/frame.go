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

// GFN is a guest frame number. It is only meaningful relative to a domain.
type GFN uint64

// MFN is a machine frame number.
type MFN uint64

// InvalidMFN is returned for lookups that resolve to no machine frame.
const InvalidMFN = MFN(^uint64(0))

// InvalidGFN marks machine frames that are not mapped by any guest.
const InvalidGFN = GFN(^uint64(0))

// Valid returns true if m names a real frame.
func (m MFN) Valid() bool {
	return m != InvalidMFN
}

// Addr returns the machine address of the start of the frame.
func (m MFN) Addr() uint64 {
	return uint64(m) << PageShift
}

// Add returns the frame n frames after m.
func (m MFN) Add(n uint64) MFN {
	return m + MFN(n)
}

// String implements fmt.Stringer.String.
func (m MFN) String() string {
	if m == InvalidMFN {
		return "mfn:invalid"
	}
	return fmt.Sprintf("mfn:%#x", uint64(m))
}

// Add returns the frame n frames after g.
func (g GFN) Add(n uint64) GFN {
	return g + GFN(n)
}

// Addr returns the guest physical address of the start of the frame.
func (g GFN) Addr() uint64 {
	return uint64(g) << PageShift
}

// String implements fmt.Stringer.String.
func (g GFN) String() string {
	if g == InvalidGFN {
		return "gfn:invalid"
	}
	return fmt.Sprintf("gfn:%#x", uint64(g))
}

// DomID identifies a domain.
type DomID uint16

const (
	// DomIDSelf owns frames used by the hypervisor itself: table pages,
	// shadows, snapshots. They are never mapped into a guest.
	DomIDSelf DomID = 0x7ff0

	// DomIDInvalid is the owner of a free frame.
	DomIDInvalid DomID = 0x7ff4
)
