// Copyright 2024-2025 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parallel

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/daviszhen/vexec/pkg/util"
)

// Pointer addresses an allocation inside a DSA area. zero is the null
// pointer. layout: extent index plus one in the high half, byte offset
// in the low half.
type Pointer uint64

const InvalidPointer Pointer = 0

func makePointer(extent int, offset int) Pointer {
	return Pointer(uint64(extent+1)<<32 | uint64(offset))
}

func (ptr Pointer) extent() int {
	return int(ptr>>32) - 1
}

func (ptr Pointer) offset() int {
	return int(ptr & 0xffffffff)
}

type freeSpan struct {
	extent int
	offset int
	size   int
}

func spanLess(a, b freeSpan) bool {
	if a.extent != b.extent {
		return a.extent < b.extent
	}
	return a.offset < b.offset
}

const dsaExtentSize = 1 << 20

// DSA is an arena shared by the leader and all workers, used for
// allocations whose size is only known at run time. free spans are
// indexed by position so neighbors coalesce on free. safe for
// concurrent allocation.
type DSA struct {
	mu      sync.Mutex
	extents [][]byte
	free    *btree.BTreeG[freeSpan]
	sizes   map[Pointer]int
}

func NewDSA() *DSA {
	return &DSA{
		free:  btree.NewBTreeG[freeSpan](spanLess),
		sizes: map[Pointer]int{},
	}
}

func (area *DSA) Allocate(size int) Pointer {
	util.AssertFunc(size > 0)
	need := util.AlignValue8(size)
	area.mu.Lock()
	defer area.mu.Unlock()

	var found freeSpan
	ok := false
	area.free.Scan(func(span freeSpan) bool {
		if span.size >= need {
			found = span
			ok = true
			return false
		}
		return true
	})
	if !ok {
		extentSize := max(dsaExtentSize, need)
		area.extents = append(area.extents, make([]byte, extentSize))
		found = freeSpan{extent: len(area.extents) - 1, offset: 0, size: extentSize}
		area.free.Set(found)
	}
	area.free.Delete(found)
	if found.size > need {
		area.free.Set(freeSpan{
			extent: found.extent,
			offset: found.offset + need,
			size:   found.size - need,
		})
	}
	ptr := makePointer(found.extent, found.offset)
	area.sizes[ptr] = need
	return ptr
}

// Bytes returns the allocation's storage. len equals the requested
// size rounded up to 8.
func (area *DSA) Bytes(ptr Pointer) []byte {
	util.AssertFunc(ptr != InvalidPointer)
	area.mu.Lock()
	defer area.mu.Unlock()
	size, ok := area.sizes[ptr]
	util.AssertFunc(ok)
	ext := area.extents[ptr.extent()]
	return ext[ptr.offset() : ptr.offset()+size]
}

func (area *DSA) Free(ptr Pointer) {
	util.AssertFunc(ptr != InvalidPointer)
	area.mu.Lock()
	defer area.mu.Unlock()
	size, ok := area.sizes[ptr]
	util.AssertFunc(ok)
	delete(area.sizes, ptr)
	span := freeSpan{extent: ptr.extent(), offset: ptr.offset(), size: size}

	// find the neighbor on each side. the tree cannot be mutated from
	// inside an iteration callback, so only record them here.
	var prev, next freeSpan
	hasPrev, hasNext := false, false
	area.free.Descend(span, func(s freeSpan) bool {
		if s.extent == span.extent && s.offset+s.size == span.offset {
			prev = s
			hasPrev = true
		}
		return false
	})
	area.free.Ascend(freeSpan{extent: span.extent, offset: span.offset + span.size},
		func(s freeSpan) bool {
			if s.extent == span.extent && s.offset == span.offset+span.size {
				next = s
				hasNext = true
			}
			return false
		})
	if hasPrev {
		area.free.Delete(prev)
		span.offset = prev.offset
		span.size += prev.size
	}
	if hasNext {
		area.free.Delete(next)
		span.size += next.size
	}
	area.free.Set(span)
}
