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

	"github.com/daviszhen/vexec/pkg/util"
)

// stable table-of-contents keys of the executor core. per-node state
// uses the node's plan node id as its key, which stays well below
// this range.
const (
	KeyExecutorFixed      uint64 = 0xE000000000000001
	KeyPlannedStmt        uint64 = 0xE000000000000002
	KeyParamListInfo      uint64 = 0xE000000000000003
	KeyBufferUsage        uint64 = 0xE000000000000004
	KeyTupleQueue         uint64 = 0xE000000000000005
	KeyInstrumentation    uint64 = 0xE000000000000006
	KeyDSA                uint64 = 0xE000000000000007
	KeyQueryText          uint64 = 0xE000000000000008
	KeyJitInstrumentation uint64 = 0xE000000000000009
	KeyWalUsage           uint64 = 0xE00000000000000A
)

// Estimator accumulates the shared-memory demand of a plan tree before
// the segment is created.
type Estimator struct {
	_bytes  int
	_chunks int
}

func (est *Estimator) Chunk(size int) {
	est._bytes += util.AlignValue8(size)
	est._chunks++
}

func (est *Estimator) Keys(n int) {
	est._chunks += n
}

func (est *Estimator) Bytes() int {
	return est._bytes
}

// Segment models the dynamic shared segment: a byte arena carved into
// chunks, plus a TOC mapping stable keys to them. chunks that are live
// Go objects (tuple queues, the DSA) are registered in the TOC
// directly.
type Segment struct {
	mu   sync.Mutex
	buf  []byte
	used int
	toc  map[uint64]any
}

func NewSegment(est *Estimator) *Segment {
	return &Segment{
		buf: make([]byte, est._bytes),
		toc: make(map[uint64]any, est._chunks),
	}
}

// Allocate carves size bytes out of the arena. exceeding the estimate
// is a programming error.
func (seg *Segment) Allocate(size int) []byte {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	aligned := util.AlignValue8(size)
	util.AssertFunc(seg.used+aligned <= len(seg.buf))
	chunk := seg.buf[seg.used : seg.used+size : seg.used+size]
	seg.used += aligned
	return chunk
}

func (seg *Segment) TocInsert(key uint64, val any) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	_, dup := seg.toc[key]
	util.AssertFunc(!dup)
	seg.toc[key] = val
}

func (seg *Segment) TocLookup(key uint64) (any, bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	val, ok := seg.toc[key]
	return val, ok
}

func (seg *Segment) TocKeys() []uint64 {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	keys := make([]uint64, 0, len(seg.toc))
	for key := range seg.toc {
		keys = append(keys, key)
	}
	return keys
}

// TocReplace overwrites an existing chunk. reinitialization rewrites
// the serialized params this way.
func (seg *Segment) TocReplace(key uint64, val any) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	_, ok := seg.toc[key]
	util.AssertFunc(ok)
	seg.toc[key] = val
}
