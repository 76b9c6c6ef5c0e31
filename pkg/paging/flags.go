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
	"fmt"
	"strings"
)

// Flags is a domain's paging mode word.
type Flags uint32

const (
	flagModeShift = 10

	// FlagRefcounts means frame reference counts are taken by the paging
	// engine's tables rather than by guest tables.
	FlagRefcounts Flags = 1 << flagModeShift

	// FlagLogDirty means writes are being tracked.
	FlagLogDirty Flags = 2 << flagModeShift

	// FlagTranslate means the hypervisor translates GFNs, not the guest.
	FlagTranslate Flags = 4 << flagModeShift

	// FlagExternal means the hypervisor takes no guest address space for
	// itself.
	FlagExternal Flags = 8 << flagModeShift

	// FlagShadow means the shadow engine is in use.
	FlagShadow Flags = 1 << 20

	// FlagHAP means the HAP engine is in use.
	FlagHAP Flags = 1 << 21

	// controlFlags are the bits an administrator may request.
	controlFlags = FlagRefcounts | FlagLogDirty | FlagTranslate | FlagExternal
)

// Enabled returns true if any paging assistance is on.
func (f Flags) Enabled() bool { return f != 0 }

// Shadow returns true in shadow mode.
func (f Flags) Shadow() bool { return f&FlagShadow != 0 }

// HAP returns true in HAP mode.
func (f Flags) HAP() bool { return f&FlagHAP != 0 }

// Refcounts returns true if engine tables hold frame references.
func (f Flags) Refcounts() bool { return f&FlagRefcounts != 0 }

// LogDirty returns true while writes are tracked.
func (f Flags) LogDirty() bool { return f&FlagLogDirty != 0 }

// Translate returns true if GFNs are translated by the hypervisor.
func (f Flags) Translate() bool { return f&FlagTranslate != 0 }

// External returns true for externally-managed address spaces.
func (f Flags) External() bool { return f&FlagExternal != 0 }

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagShadow, "shadow"},
	{FlagHAP, "hap"},
	{FlagRefcounts, "refcounts"},
	{FlagLogDirty, "log_dirty"},
	{FlagTranslate, "translate"},
	{FlagExternal, "external"},
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	if f == 0 {
		return "off"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
			f &^= n.f
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// EngineKind names a paging engine.
type EngineKind string

// Engines.
const (
	EngineShadow EngineKind = "shadow"
	EngineHAP    EngineKind = "hap"
)

// flag returns the mode bit of the engine.
func (k EngineKind) flag() Flags {
	switch k {
	case EngineShadow:
		return FlagShadow
	case EngineHAP:
		return FlagHAP
	default:
		return 0
	}
}
