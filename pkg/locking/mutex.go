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

package locking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Mutex is a sync.Mutex that records its locker and validates lock order.
//
// The zero value is not usable; call Init first.
type Mutex struct {
	class *MutexClass
	mu    sync.Mutex

	// locker is the holding CPU plus one, so that zero means unlocked.
	locker atomic.Int32

	// lockerFunction names the function that acquired the lock.
	lockerFunction atomic.Pointer[string]
}

var nobody = NobodyFunction

// Init sets the class of m.
func (m *Mutex) Init(class *MutexClass) {
	m.class = class
	m.lockerFunction.Store(&nobody)
}

// Class returns the class of m.
func (m *Mutex) Class() *MutexClass {
	return m.class
}

// Locker returns the CPU holding m, or NoCPU.
func (m *Mutex) Locker() CPU {
	return CPU(m.locker.Load() - 1)
}

// Function returns the name of the function holding m, or "nobody".
func (m *Mutex) Function() string {
	if f := m.lockerFunction.Load(); f != nil {
		return *f
	}
	return NobodyFunction
}

// Lock locks m on behalf of the CPU in ctx.
//
// Acquiring m on a CPU that already holds it panics before blocking.
func (m *Mutex) Lock(ctx context.Context) {
	m.lock(ctx, false, callerName(1))
}

// NestedLock locks m knowing that another lock of the same class is held by
// this CPU.
func (m *Mutex) NestedLock(ctx context.Context) {
	m.lock(ctx, true, callerName(1))
}

func (m *Mutex) lock(ctx context.Context, nested bool, fn string) {
	cpu, ok := CPUFromContext(ctx)
	if ok {
		if m.Locker() == cpu {
			panic(fmt.Sprintf("%s lock %p already held by cpu %d (acquired in %s), %s attempted to re-acquire it", m.class, m, cpu, m.Function(), fn))
		}
		checkAndAdd(cpu, m, fn, nested)
	}
	m.mu.Lock()
	if ok {
		markHeld(cpu, m, nested)
	}
	m.locker.Store(int32(cpu) + 1)
	m.lockerFunction.Store(&fn)
}

// Unlock unlocks m. It must be called on the CPU that locked it.
func (m *Mutex) Unlock(ctx context.Context) {
	cpu, ok := CPUFromContext(ctx)
	if ok && m.Locker() != cpu {
		panic(fmt.Sprintf("%s lock %p unlocked by cpu %d but held by cpu %d (%s)", m.class, m, cpu, m.Locker(), m.Function()))
	}
	m.lockerFunction.Store(&nobody)
	m.locker.Store(0)
	if ok {
		markReleased(cpu, m)
	}
	m.mu.Unlock()
}

// LockedByMe returns true if the CPU in ctx holds m.
func (m *Mutex) LockedByMe(ctx context.Context) bool {
	cpu, ok := CPUFromContext(ctx)
	return ok && m.Locker() == cpu
}

// AssertHeld panics if the CPU in ctx does not hold m. Without a CPU in ctx
// it only checks that m is held by someone.
func (m *Mutex) AssertHeld(ctx context.Context) {
	if cpu, ok := CPUFromContext(ctx); ok {
		if m.Locker() != cpu {
			panic(fmt.Sprintf("%s lock %p not held by cpu %d (holder: cpu %d in %s)", m.class, m, cpu, m.Locker(), m.Function()))
		}
		return
	}
	if m.locker.Load() == 0 {
		panic(fmt.Sprintf("%s lock %p not held", m.class, m))
	}
}

// Guard is a scoped acquisition of a Mutex.
type Guard struct {
	m   *Mutex
	ctx context.Context
}

// Acquire locks m and returns a guard whose Release unlocks it. Typical use:
//
//	defer m.Acquire(ctx).Release()
func (m *Mutex) Acquire(ctx context.Context) *Guard {
	m.lock(ctx, false, callerName(1))
	return &Guard{m: m, ctx: ctx}
}

// Release unlocks the guarded mutex. Calling Release more than once is a
// no-op, which allows an early explicit release followed by a deferred one.
func (g *Guard) Release() {
	if g.m == nil {
		return
	}
	m := g.m
	g.m = nil
	m.Unlock(g.ctx)
}
