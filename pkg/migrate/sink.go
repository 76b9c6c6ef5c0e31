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

package migrate

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/p2m"
	"gvisor.dev/hvmm/pkg/paging"
)

// MemorySink keeps the received pages in memory.
type MemorySink struct {
	mu sync.Mutex
	// +checklocks:mu
	pages map[hostarch.GFN][]byte
	// +checklocks:mu
	writes uint64
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{pages: make(map[hostarch.GFN][]byte)}
}

// WritePage implements Sink.WritePage.
func (s *MemorySink) WritePage(_ context.Context, gfn hostarch.GFN, data []byte) error {
	if len(data) != hostarch.PageSize {
		return fmt.Errorf("page %v is %d bytes", gfn, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[gfn] = data
	s.writes++
	return nil
}

// Page returns the last copy of gfn received.
func (s *MemorySink) Page(gfn hostarch.GFN) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[gfn]
	return p, ok
}

// Writes returns the number of pages received, counting resends.
func (s *MemorySink) Writes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Verify compares the sink against d's RAM, which must no longer be
// changing. It returns the GFNs that differ or were never sent.
func (s *MemorySink) Verify(ctx context.Context, d *paging.Domain) []hostarch.GFN {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bad []hostarch.GFN
	for gfn := hostarch.GFN(0); gfn <= d.P2M.MaxMapped(); gfn++ {
		mfn, typ := d.GfnToMfn(ctx, gfn, p2m.QueryOnly)
		if !typ.IsRAM() {
			continue
		}
		got, ok := s.pages[gfn]
		if !ok || !bytes.Equal(got, ReadFrame(d, mfn)) {
			bad = append(bad, gfn)
		}
	}
	return bad
}
