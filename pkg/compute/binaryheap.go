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

package compute

import (
	"github.com/daviszhen/vexec/pkg/util"
)

// BinaryHeap is a fixed-capacity max-heap: cmp(parent, child) >= 0 for
// every parent/child pair once the heap property holds. the comparator
// must be a total order. indexed mode additionally tracks each
// element's slot so it can be removed or re-sifted by value.
type BinaryHeap[T comparable] struct {
	_nodes   []T
	_size    int
	_cmp     func(a, b T) int
	_hasHeap bool
	_index   map[T]int
}

func NewBinaryHeap[T comparable](capacity int, cmp func(a, b T) int, indexed bool) *BinaryHeap[T] {
	util.AssertFunc(capacity > 0)
	heap := &BinaryHeap[T]{
		_nodes:   make([]T, capacity),
		_cmp:     cmp,
		_hasHeap: true,
	}
	if indexed {
		heap._index = make(map[T]int, capacity)
	}
	return heap
}

func (heap *BinaryHeap[T]) Size() int {
	return heap._size
}

func (heap *BinaryHeap[T]) Empty() bool {
	return heap._size == 0
}

func (heap *BinaryHeap[T]) Reset() {
	heap._size = 0
	heap._hasHeap = true
	if heap._index != nil {
		clear(heap._index)
	}
}

// AddUnordered appends without restoring the heap property. Build must
// run before any read.
func (heap *BinaryHeap[T]) AddUnordered(x T) {
	util.AssertFunc(heap._size < len(heap._nodes))
	heap._hasHeap = false
	heap.setNode(heap._size, x)
	heap._size++
}

// Build imposes the heap property bottom-up.
func (heap *BinaryHeap[T]) Build() {
	for i := parentOf(heap._size - 1); i >= 0; i-- {
		heap.siftDown(i)
	}
	heap._hasHeap = true
}

func (heap *BinaryHeap[T]) Add(x T) {
	util.AssertFunc(heap._hasHeap)
	util.AssertFunc(heap._size < len(heap._nodes))
	heap.setNode(heap._size, x)
	heap._size++
	heap.siftUp(heap._size - 1)
}

func (heap *BinaryHeap[T]) First() T {
	util.AssertFunc(heap._hasHeap)
	util.AssertFunc(heap._size > 0)
	return heap._nodes[0]
}

func (heap *BinaryHeap[T]) RemoveFirst() T {
	util.AssertFunc(heap._hasHeap)
	util.AssertFunc(heap._size > 0)
	root := heap._nodes[0]
	heap.unsetNode(root)
	heap._size--
	if heap._size > 0 {
		heap.setNode(0, heap._nodes[heap._size])
		heap.siftDown(0)
	}
	return root
}

// ReplaceFirst overwrites the root and restores the property with a
// single sift, cheaper than RemoveFirst plus Add.
func (heap *BinaryHeap[T]) ReplaceFirst(x T) {
	util.AssertFunc(heap._hasHeap)
	util.AssertFunc(heap._size > 0)
	heap.unsetNode(heap._nodes[0])
	heap.setNode(0, x)
	heap.siftDown(0)
}

// RemoveNode removes the element at slot i. the element swapped into
// its place may need to move either direction.
func (heap *BinaryHeap[T]) RemoveNode(i int) {
	util.AssertFunc(heap._hasHeap)
	util.AssertFunc(i >= 0 && i < heap._size)
	removed := heap._nodes[i]
	heap.unsetNode(removed)
	heap._size--
	if i == heap._size {
		return
	}
	moved := heap._nodes[heap._size]
	heap.setNode(i, moved)
	if i > 0 && heap._cmp(moved, heap._nodes[parentOf(i)]) > 0 {
		heap.siftUp(i)
	} else {
		heap.siftDown(i)
	}
}

func (heap *BinaryHeap[T]) RemoveByValue(x T) {
	util.AssertFunc(heap._index != nil)
	i, ok := heap._index[x]
	util.AssertFunc(ok)
	heap.RemoveNode(i)
}

// UpdateUp re-sifts x toward the root after its key grew.
func (heap *BinaryHeap[T]) UpdateUp(x T) {
	util.AssertFunc(heap._index != nil)
	util.AssertFunc(heap._hasHeap)
	i, ok := heap._index[x]
	util.AssertFunc(ok)
	heap.siftUp(i)
}

// UpdateDown re-sifts x toward the leaves after its key shrank.
func (heap *BinaryHeap[T]) UpdateDown(x T) {
	util.AssertFunc(heap._index != nil)
	util.AssertFunc(heap._hasHeap)
	i, ok := heap._index[x]
	util.AssertFunc(ok)
	heap.siftDown(i)
}

func parentOf(i int) int {
	return (i - 1) / 2
}

// siftUp carries nodes[i] as a hole toward the root: slots are
// overwritten with the parent that displaces them and the carried
// element lands once at its final slot.
func (heap *BinaryHeap[T]) siftUp(i int) {
	held := heap._nodes[i]
	for i > 0 {
		p := parentOf(i)
		if heap._cmp(heap._nodes[p], held) >= 0 {
			break
		}
		heap.setNode(i, heap._nodes[p])
		i = p
	}
	heap.setNode(i, held)
}

func (heap *BinaryHeap[T]) siftDown(i int) {
	if heap._size == 0 {
		return
	}
	held := heap._nodes[i]
	for {
		left := 2*i + 1
		if left >= heap._size {
			break
		}
		largest := left
		right := left + 1
		if right < heap._size && heap._cmp(heap._nodes[right], heap._nodes[left]) > 0 {
			largest = right
		}
		if heap._cmp(held, heap._nodes[largest]) >= 0 {
			break
		}
		heap.setNode(i, heap._nodes[largest])
		i = largest
	}
	heap.setNode(i, held)
}

func (heap *BinaryHeap[T]) setNode(i int, x T) {
	heap._nodes[i] = x
	if heap._index != nil {
		heap._index[x] = i
	}
}

func (heap *BinaryHeap[T]) unsetNode(x T) {
	if heap._index != nil {
		delete(heap._index, x)
	}
}
