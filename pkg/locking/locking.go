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

// Package locking implements the "locker" mutexes used by the memory
// virtualization core, together with a lock order validator.
//
// Every Mutex records the CPU that holds it and the function that acquired
// it. The validator checks the following conditions and panics when one is
// violated:
//   - A CPU never acquires a mutex it already holds. This is checked before
//     blocking, so a reentrant acquire never deadlocks and never mutates
//     state.
//   - Mutexes of the same class are not held twice by one CPU unless taken
//     with NestedLock.
//   - Mutexes are never locked in a reverse order. Lock dependencies are
//     tracked on the class level: for each class we keep the set of classes
//     that have ever been held while it was acquired, and a class may not be
//     acquired while one of its descendants is held.
//
// The CPU is carried in a context.Context; see WithCPU. Operations invoked
// without a CPU are not validated.
package locking

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// CPU identifies the execution context (a physical CPU running a vcpu, or an
// administrative caller) that holds a lock.
type CPU int32

// NoCPU is reported as the locker of an unlocked mutex.
const NoCPU CPU = -1

// NobodyFunction is reported as the locking function of an unlocked mutex.
const NobodyFunction = "nobody"

type cpuKey struct{}

// WithCPU returns a context that identifies its holder as cpu.
func WithCPU(ctx context.Context, cpu CPU) context.Context {
	return context.WithValue(ctx, cpuKey{}, cpu)
}

// CPUFromContext returns the CPU stored in ctx.
func CPUFromContext(ctx context.Context) (CPU, bool) {
	if ctx == nil {
		return NoCPU, false
	}
	cpu, ok := ctx.Value(cpuKey{}).(CPU)
	return cpu, ok
}

// adminCPUs hands out identities to callers that do not run on a vcpu. They
// start well above any real CPU number.
var adminCPUs atomic.Int32

func init() {
	adminCPUs.Store(1 << 20)
}

// EnsureCPU returns ctx if it already identifies a CPU, otherwise a derived
// context carrying a fresh administrative CPU identity.
func EnsureCPU(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := CPUFromContext(ctx); ok {
		return ctx
	}
	return WithNewCPU(ctx)
}

// WithNewCPU returns a context carrying a fresh administrative CPU identity,
// for a goroutine started by a caller that already has one.
func WithNewCPU(ctx context.Context) context.Context {
	return WithCPU(ctx, CPU(adminCPUs.Add(1)))
}

// MutexClass groups mutexes that play the same role, such as every domain's
// P2M lock.
type MutexClass struct {
	name string

	mu sync.Mutex
	// ancestors holds the classes that have been held while this class was
	// acquired, with the function that acquired this class.
	ancestors map[*MutexClass]string
}

// NewMutexClass returns a new class.
func NewMutexClass(name string) *MutexClass {
	return &MutexClass{
		name:      name,
		ancestors: make(map[*MutexClass]string),
	}
}

// String implements fmt.Stringer.String.
func (c *MutexClass) String() string {
	return c.name
}

// hasAncestor returns true if a has been held while c was taken.
func (c *MutexClass) hasAncestor(a *MutexClass) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.ancestors[a]
	return fn, ok
}

func (c *MutexClass) addAncestor(a *MutexClass, fn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ancestors[a]; !ok {
		c.ancestors[a] = fn
	}
}

// AddOrder declares that before is always acquired before after. The
// declaration is equivalent to having observed the order once, so the
// reverse order is rejected even if the forward order never happens.
func AddOrder(before, after *MutexClass) {
	after.addAncestor(before, "declared order")
}

type heldLock struct {
	m      *Mutex
	nested bool
}

var (
	heldMu sync.Mutex
	// held is the list of mutexes currently held by each CPU.
	held = make(map[CPU][]heldLock)
)

func checkAndAdd(cpu CPU, m *Mutex, fn string, nested bool) {
	heldMu.Lock()
	defer heldMu.Unlock()
	for _, h := range held[cpu] {
		if h.m == m {
			panic(fmt.Sprintf("%s lock %p already held by cpu %d (acquired in %s), %s attempted to re-acquire it", m.class, m, cpu, m.Function(), fn))
		}
		if h.m.class == m.class {
			if !nested {
				panic(fmt.Sprintf("cpu %d: two %s locks held at once, %s must use NestedLock", cpu, m.class, fn))
			}
			continue
		}
		if afn, ok := h.m.class.hasAncestor(m.class); ok {
			panic(fmt.Sprintf("cpu %d: lock order violation: %s taken in %s while holding %s, but %s is ordered before %s (%s)", cpu, m.class, fn, h.m.class, m.class, h.m.class, afn))
		}
	}
	for _, h := range held[cpu] {
		if h.m.class != m.class {
			m.class.addAncestor(h.m.class, fn)
		}
	}
}

func markHeld(cpu CPU, m *Mutex, nested bool) {
	heldMu.Lock()
	defer heldMu.Unlock()
	held[cpu] = append(held[cpu], heldLock{m: m, nested: nested})
}

func markReleased(cpu CPU, m *Mutex) {
	heldMu.Lock()
	defer heldMu.Unlock()
	locks := held[cpu]
	for i := len(locks) - 1; i >= 0; i-- {
		if locks[i].m == m {
			locks = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(locks) == 0 {
		delete(held, cpu)
	} else {
		held[cpu] = locks
	}
}

// callerName returns the short name of the function skip frames above the
// caller of callerName.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if slash := strings.LastIndexByte(name, '/'); slash >= 0 {
		name = name[slash+1:]
	}
	return name
}
