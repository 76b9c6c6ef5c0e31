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

// AccessType specifies memory access types. This is used for permissions
// checks on guest and shadow entries and for fault classification.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool

	// User is an access from guest user mode.
	User bool
}

var (
	// Read is a read-only access.
	Read = AccessType{Read: true}

	// Write is a write access; writes imply reads.
	Write = AccessType{Read: true, Write: true}

	// Execute is an instruction fetch.
	Execute = AccessType{Read: true, Execute: true}
)

// Page fault error code bits, as delivered by the trap layer.
const (
	PFECPresent  = 1 << 0
	PFECWrite    = 1 << 1
	PFECUser     = 1 << 2
	PFECReserved = 1 << 3
	PFECFetch    = 1 << 4
)

// AccessFromPFEC decodes a page fault error code.
func AccessFromPFEC(pfec uint32) AccessType {
	return AccessType{
		Read:    true,
		Write:   pfec&PFECWrite != 0,
		Execute: pfec&PFECFetch != 0,
		User:    pfec&PFECUser != 0,
	}
}

// PFEC encodes at as a page fault error code, with present set if the
// faulting translation existed.
func (at AccessType) PFEC(present bool) uint32 {
	var ec uint32
	if present {
		ec |= PFECPresent
	}
	if at.Write {
		ec |= PFECWrite
	}
	if at.User {
		ec |= PFECUser
	}
	if at.Execute {
		ec |= PFECFetch
	}
	return ec
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. with a trailing u for user accesses.
func (at AccessType) String() string {
	b := [4]byte{'-', '-', '-', 's'}
	if at.Read {
		b[0] = 'r'
	}
	if at.Write {
		b[1] = 'w'
	}
	if at.Execute {
		b[2] = 'x'
	}
	if at.User {
		b[3] = 'u'
	}
	return string(b[:])
}
