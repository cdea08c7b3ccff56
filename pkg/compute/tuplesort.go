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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

// TupleSort is a sort workspace. tuples are fed with Put, frozen with
// Sort, then read back in order with Next. a bound turns it into a
// top-N sort that keeps at most bound tuples; an unbounded sort that
// outgrows its memory budget spills sorted runs to lz4-compressed temp
// files and merges them on read.
type TupleSort struct {
	_desc     *chunk.Descriptor
	_spec     *chunk.SortSpec
	_memLimit int64

	_rows    []chunk.Row
	_memUsed int64
	_bound   int
	_heapify bool
	_sorted  bool
	_readPos int

	_runs       []*spillRun
	_spillCount int

	_merge *runMerge
}

func NewTupleSort(desc *chunk.Descriptor, spec *chunk.SortSpec, memLimit int64, bound int) *TupleSort {
	util.AssertFunc(bound != 0)
	return &TupleSort{
		_desc:     desc,
		_spec:     spec,
		_memLimit: memLimit,
		_bound:    bound,
	}
}

func (ts *TupleSort) Bounded() bool {
	return ts._bound > 0
}

func (ts *TupleSort) SpillCount() int {
	return ts._spillCount
}

func (ts *TupleSort) Put(row chunk.Row) error {
	util.AssertFunc(!ts._sorted)
	if ts.Bounded() {
		ts.putBounded(row)
		return nil
	}
	ts._rows = append(ts._rows, chunk.CloneRow(row))
	ts._memUsed += chunk.RowMemSize(row)
	if ts._memUsed > ts._memLimit {
		return ts.spillRun()
	}
	return nil
}

// putBounded keeps the bound smallest tuples in a max-heap over the
// row slice. a bound caps memory by construction, so this path never
// spills.
func (ts *TupleSort) putBounded(row chunk.Row) {
	if len(ts._rows) < ts._bound {
		ts._rows = append(ts._rows, chunk.CloneRow(row))
		return
	}
	if !ts._heapify {
		for i := len(ts._rows)/2 - 1; i >= 0; i-- {
			ts.rowSiftDown(i, len(ts._rows))
		}
		ts._heapify = true
	}
	if ts._spec.Compare(row, ts._rows[0]) >= 0 {
		return
	}
	ts._rows[0] = chunk.CloneRow(row)
	ts.rowSiftDown(0, len(ts._rows))
}

func (ts *TupleSort) rowSiftDown(i, n int) {
	held := ts._rows[i]
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		largest := left
		if left+1 < n && ts._spec.Compare(ts._rows[left+1], ts._rows[left]) > 0 {
			largest = left + 1
		}
		if ts._spec.Compare(held, ts._rows[largest]) >= 0 {
			break
		}
		ts._rows[i] = ts._rows[largest]
		i = largest
	}
	ts._rows[i] = held
}

func (ts *TupleSort) Sort() error {
	util.AssertFunc(!ts._sorted)
	if ts.Bounded() && ts._heapify {
		// heapsort in place: pop the max to the end repeatedly
		for i := len(ts._rows) - 1; i > 0; i-- {
			ts._rows[0], ts._rows[i] = ts._rows[i], ts._rows[0]
			ts.rowSiftDown(0, i)
		}
	} else {
		sort.Slice(ts._rows, func(i, j int) bool {
			return ts._spec.Compare(ts._rows[i], ts._rows[j]) < 0
		})
	}
	ts._sorted = true
	ts._readPos = 0
	if len(ts._runs) > 0 {
		merge, err := newRunMerge(ts)
		if err != nil {
			return err
		}
		ts._merge = merge
	}
	return nil
}

func (ts *TupleSort) Next() (chunk.Row, bool, error) {
	util.AssertFunc(ts._sorted)
	if ts._merge != nil {
		return ts._merge.next()
	}
	if ts._readPos >= len(ts._rows) {
		return nil, false, nil
	}
	row := ts._rows[ts._readPos]
	ts._readPos++
	return row, true, nil
}

// Reset empties the workspace for a new batch without freeing the row
// array, and installs a new bound (-1 for none).
func (ts *TupleSort) Reset(bound int) error {
	util.AssertFunc(bound != 0)
	if err := ts.closeRuns(); err != nil {
		return err
	}
	ts._rows = ts._rows[:0]
	ts._memUsed = 0
	ts._bound = bound
	ts._heapify = false
	ts._sorted = false
	ts._readPos = 0
	return nil
}

func (ts *TupleSort) Close() error {
	ts._rows = nil
	return ts.closeRuns()
}

func (ts *TupleSort) closeRuns() error {
	if ts._merge != nil {
		ts._merge.close()
		ts._merge = nil
	}
	var firstErr error
	for _, run := range ts._runs {
		if err := run.remove(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ts._runs = nil
	return firstErr
}

// spillRun sorts the in-memory tuples and writes them out as one run.
func (ts *TupleSort) spillRun() error {
	sort.Slice(ts._rows, func(i, j int) bool {
		return ts._spec.Compare(ts._rows[i], ts._rows[j]) < 0
	})
	run, err := newSpillRun()
	if err != nil {
		return err
	}
	for _, row := range ts._rows {
		if err = run.write(chunk.EncodeMinimal(ts._desc, row)); err != nil {
			_ = run.remove()
			return err
		}
	}
	if err = run.finish(); err != nil {
		_ = run.remove()
		return err
	}
	ts._runs = append(ts._runs, run)
	ts._spillCount++
	ts._rows = ts._rows[:0]
	ts._memUsed = 0
	return nil
}

type spillRun struct {
	file *os.File
	zw   *lz4.Writer
	zr   *lz4.Reader
}

func newSpillRun() (*spillRun, error) {
	file, err := os.CreateTemp("", "vexec-sort-*.run")
	if err != nil {
		return nil, err
	}
	return &spillRun{file: file, zw: lz4.NewWriter(file)}, nil
}

func (run *spillRun) write(mt chunk.MinimalTuple) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(mt)))
	if _, err := run.zw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := run.zw.Write(mt)
	return err
}

func (run *spillRun) finish() error {
	if err := run.zw.Close(); err != nil {
		return err
	}
	run.zw = nil
	if _, err := run.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	run.zr = lz4.NewReader(run.file)
	return nil
}

func (run *spillRun) read() (chunk.MinimalTuple, bool, error) {
	var hdr [4]byte
	_, err := io.ReadFull(run.zr, hdr[:])
	if err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	mt := make(chunk.MinimalTuple, binary.LittleEndian.Uint32(hdr[:]))
	if _, err = io.ReadFull(run.zr, mt); err != nil {
		return nil, false, fmt.Errorf("truncated sort run: %w", err)
	}
	return mt, true, nil
}

func (run *spillRun) remove() error {
	name := run.file.Name()
	_ = run.file.Close()
	return os.Remove(name)
}

// runMerge merges the spilled runs plus the final in-memory run k-way.
// the heap holds stream indices; the comparator inverts the row order
// so the minimum row sits at the root, and breaks ties toward the
// lower stream index.
type runMerge struct {
	ts    *TupleSort
	heads []chunk.Row
	heap  *BinaryHeap[int]
}

func newRunMerge(ts *TupleSort) (*runMerge, error) {
	nstreams := len(ts._runs) + 1
	merge := &runMerge{
		ts:    ts,
		heads: make([]chunk.Row, nstreams),
	}
	merge.heap = NewBinaryHeap[int](nstreams, func(a, b int) int {
		c := ts._spec.Compare(merge.heads[a], merge.heads[b])
		if c != 0 {
			return -c
		}
		return b - a
	}, false)
	for i := 0; i < nstreams; i++ {
		row, ok, err := merge.advance(i)
		if err != nil {
			return nil, err
		}
		if ok {
			merge.heads[i] = row
			merge.heap.AddUnordered(i)
		}
	}
	merge.heap.Build()
	return merge, nil
}

// advance pulls the next row of stream i. the last stream index is the
// in-memory run.
func (merge *runMerge) advance(i int) (chunk.Row, bool, error) {
	ts := merge.ts
	if i == len(ts._runs) {
		if ts._readPos >= len(ts._rows) {
			return nil, false, nil
		}
		row := ts._rows[ts._readPos]
		ts._readPos++
		return row, true, nil
	}
	mt, ok, err := ts._runs[i].read()
	if err != nil || !ok {
		return nil, false, err
	}
	row := make(chunk.Row, ts._desc.AttrCount())
	if err = chunk.DecodeMinimal(ts._desc, mt, row); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (merge *runMerge) next() (chunk.Row, bool, error) {
	if merge.heap.Empty() {
		return nil, false, nil
	}
	i := merge.heap.First()
	out := merge.heads[i]
	row, ok, err := merge.advance(i)
	if err != nil {
		return nil, false, err
	}
	if ok {
		merge.heads[i] = row
		merge.heap.ReplaceFirst(i)
	} else {
		merge.heap.RemoveFirst()
	}
	return out, true, nil
}

func (merge *runMerge) close() {
	merge.heads = nil
}
