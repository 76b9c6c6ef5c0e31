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

package shadow

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/hostarch"
)

// hashBuckets is prime so that keys differing only in the low bits spread.
const hashBuckets = 251

// upPointer locates the single parent entry pointing at a shadow.
type upPointer struct {
	frame hostarch.MFN
	idx   int
	ok    bool
}

// page is the metadata of one pool allocation. Every frame of the
// allocation maps to the same page in Engine.pages.
type page struct {
	typ  shadowType
	head hostarch.MFN

	// key is the guest frame shadowed, or the first GFN of the superpage
	// for fl1s.
	key uint64

	// refs counts parent entries, the pin and vcpus running on the
	// shadow. The shadow is destroyed when it drops to zero.
	refs uint32

	// up is set while the shadow has exactly one parent.
	up upPointer

	// next chains hash buckets.
	next *page

	pinned           bool
	pinPrev, pinNext *page

	// dead is set once the shadow is destroyed.
	dead bool
}

func (p *page) String() string {
	return fmt.Sprintf("%v %#x @%v refs %d", p.typ, p.key, p.head, p.refs)
}

// frame returns the i'th frame of the allocation.
func (p *page) frame(i int) hostarch.MFN {
	return p.head.Add(uint64(i))
}

// hashTable finds shadows by (key, type). Walks may not nest and the table
// may not change during a walk.
type hashTable struct {
	buckets [hashBuckets]*page
	walking bool
	count   int
}

func bucket(key uint64, t shadowType) int {
	return int((key*0x9e3779b97f4a7c15 + uint64(t)) % hashBuckets)
}

func (h *hashTable) checkIdle(op string) {
	if h.walking {
		panic(fmt.Sprintf("shadow hash %s during a hash walk", op))
	}
}

// lookup returns the shadow of type t for key, moving it to the front of
// its bucket.
func (h *hashTable) lookup(key uint64, t shadowType) *page {
	b := bucket(key, t)
	var prev *page
	for p := h.buckets[b]; p != nil; prev, p = p, p.next {
		if p.key != key || p.typ != t {
			continue
		}
		if prev != nil && !h.walking {
			prev.next = p.next
			p.next = h.buckets[b]
			h.buckets[b] = p
		}
		return p
	}
	return nil
}

func (h *hashTable) insert(p *page) {
	h.checkIdle("insert")
	b := bucket(p.key, p.typ)
	p.next = h.buckets[b]
	h.buckets[b] = p
	h.count++
}

func (h *hashTable) remove(p *page) {
	h.checkIdle("remove")
	b := bucket(p.key, p.typ)
	for pp := &h.buckets[b]; *pp != nil; pp = &(*pp).next {
		if *pp == p {
			*pp = p.next
			p.next = nil
			h.count--
			return
		}
	}
	panic(fmt.Sprintf("shadow %v not in hash", p))
}

// foreach calls fn for every shadow whose type is in mask until fn returns
// true. fn must not change the hash.
func (h *hashTable) foreach(mask uint32, fn func(p *page) bool) {
	h.checkIdle("walk")
	h.walking = true
	defer func() { h.walking = false }()
	for _, p := range h.buckets {
		for ; p != nil; p = p.next {
			if mask&p.typ.flag() == 0 {
				continue
			}
			if fn(p) {
				return
			}
		}
	}
}

// collect returns the shadows whose type is in mask.
func (h *hashTable) collect(mask uint32) []*page {
	var ps []*page
	h.foreach(mask, func(p *page) bool {
		ps = append(ps, p)
		return false
	})
	return ps
}

// pinList orders the pinned shadows, most recently used first.
type pinList struct {
	head, tail *page
	count      int
}

func (l *pinList) pushFront(p *page) {
	p.pinPrev = nil
	p.pinNext = l.head
	if l.head != nil {
		l.head.pinPrev = p
	} else {
		l.tail = p
	}
	l.head = p
	l.count++
}

func (l *pinList) remove(p *page) {
	if p.pinPrev != nil {
		p.pinPrev.pinNext = p.pinNext
	} else {
		l.head = p.pinNext
	}
	if p.pinNext != nil {
		p.pinNext.pinPrev = p.pinPrev
	} else {
		l.tail = p.pinPrev
	}
	p.pinPrev, p.pinNext = nil, nil
	l.count--
}
