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
	"sort"
	"sync"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/logdirty"
	"gvisor.dev/hvmm/pkg/p2m"
)

// Engine is a paging-assistance implementation bound to one domain.
//
// An engine provides the domain's P2M table pages from its own pool and is
// told about P2M changes through its vcpus' modes.
type Engine interface {
	p2m.PageSource
	logdirty.Hooks

	// Kind returns the engine name.
	Kind() EngineKind

	// Enable sets up the engine with an initial pool of pages. It is
	// called once, before the P2M exists.
	Enable(ctx context.Context, pages uint64) error

	// VcpuInit prepares per-vcpu state.
	VcpuInit(ctx context.Context, v *Vcpu) error

	// VcpuDestroy releases per-vcpu state.
	VcpuDestroy(ctx context.Context, v *Vcpu)

	// Mode returns the mode object for a guest paging depth; 0 is real
	// mode.
	Mode(levels int) Mode

	// TypeChangedGlobal is told when the P2M retyped every entry of one
	// type.
	TypeChangedGlobal(ctx context.Context, from, to p2m.Type)

	// Allocation returns the pool size in pages.
	Allocation(ctx context.Context) uint64

	// SetAllocation resizes the pool.
	SetAllocation(ctx context.Context, pages uint64) error

	// Stats returns pool accounting.
	Stats(ctx context.Context) EngineStats

	// Teardown drops everything built from guest state. The P2M is still
	// intact.
	Teardown(ctx context.Context)

	// FinalTeardown returns the pool to the machine. It runs after the
	// P2M has returned its pages.
	FinalTeardown(ctx context.Context)
}

// NestedFaulter is implemented by engines where the hardware walks the P2M
// directly and reports its misses.
type NestedFaulter interface {
	NestedFault(ctx context.Context, v *Vcpu, gfn hostarch.GFN, at hostarch.AccessType, regs *Regs) (bool, error)
}

// EngineStats is pool accounting common to the engines, with engine specific
// counters in Extra.
type EngineStats struct {
	Kind       EngineKind
	TotalPages uint64
	FreePages  uint64
	P2MPages   uint64
	Extra      map[string]uint64
}

// EngineFactory builds an engine for d.
type EngineFactory func(d *Domain) Engine

var (
	enginesMu sync.Mutex
	engines   = make(map[EngineKind]EngineFactory)
)

// RegisterEngine makes an engine available to NewDomain. Engines register
// themselves from init.
func RegisterEngine(kind EngineKind, f EngineFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, ok := engines[kind]; ok {
		panic(fmt.Sprintf("paging engine %q registered twice", kind))
	}
	engines[kind] = f
}

func lookupEngine(kind EngineKind) (EngineFactory, bool) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	f, ok := engines[kind]
	return f, ok
}

// Engines returns the registered engine names.
func Engines() []EngineKind {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	var kinds []EngineKind
	for k := range engines {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
