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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_dsaAllocate(t *testing.T) {
	area := NewDSA()
	a := area.Allocate(10)
	b := area.Allocate(20)
	require.NotEqual(t, InvalidPointer, a)
	require.NotEqual(t, InvalidPointer, b)
	require.NotEqual(t, a, b)

	// storage is stable and rounded up to 8
	bytesA := area.Bytes(a)
	assert.Len(t, bytesA, 16)
	copy(bytesA, "hello")
	assert.Equal(t, "hello", string(area.Bytes(a)[:5]))
}

func Test_dsaFreeCoalesce(t *testing.T) {
	area := NewDSA()
	a := area.Allocate(64)
	b := area.Allocate(64)
	c := area.Allocate(64)
	area.Free(a)
	area.Free(c)
	area.Free(b)
	// the three spans merged back; the next allocation reuses the front
	d := area.Allocate(192)
	assert.Equal(t, a, d)
}

func Test_dsaLargeAllocation(t *testing.T) {
	area := NewDSA()
	ptr := area.Allocate(2 * dsaExtentSize)
	assert.Len(t, area.Bytes(ptr), 2*dsaExtentSize)
}

func Test_dsaConcurrent(t *testing.T) {
	area := NewDSA()
	var wg sync.WaitGroup
	ptrs := make([][]Pointer, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ptr := area.Allocate(1 + (g*7+i)%100)
				ptrs[g] = append(ptrs[g], ptr)
			}
		}(g)
	}
	wg.Wait()
	seen := map[Pointer]struct{}{}
	for _, list := range ptrs {
		for _, ptr := range list {
			_, dup := seen[ptr]
			require.False(t, dup)
			seen[ptr] = struct{}{}
			area.Free(ptr)
		}
	}
}

func Test_segmentAllocate(t *testing.T) {
	est := &Estimator{}
	est.Chunk(10)
	est.Chunk(20)
	est.Keys(2)
	seg := NewSegment(est)
	a := seg.Allocate(10)
	b := seg.Allocate(20)
	assert.Len(t, a, 10)
	assert.Len(t, b, 20)
	seg.TocInsert(KeyQueryText, a)
	seg.TocInsert(KeyPlannedStmt, b)
	val, ok := seg.TocLookup(KeyQueryText)
	require.True(t, ok)
	assert.Equal(t, &a[0], &val.([]byte)[0])
	assert.Len(t, seg.TocKeys(), 2)
}
