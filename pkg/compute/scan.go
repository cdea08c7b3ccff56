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
	"sync/atomic"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/parallel"
	"github.com/daviszhen/vexec/pkg/util"
)

// ValuesScan returns a fixed list of rows. serial only.
type ValuesScan struct {
	_state *ExecState
	_desc  *chunk.Descriptor
	_rows  []chunk.Row
	_pos   int
}

func NewValuesScan(state *ExecState, desc *chunk.Descriptor, rows []chunk.Row) *ValuesScan {
	return &ValuesScan{_state: state, _desc: desc, _rows: rows}
}

func (vs *ValuesScan) Init() error {
	vs._pos = 0
	return nil
}

func (vs *ValuesScan) Next(output *chunk.Slot) (OperatorResult, error) {
	if err := vs._state.CheckInterrupt(); err != nil {
		return InvalidOpResult, err
	}
	if vs._pos >= len(vs._rows) {
		return Done, nil
	}
	output.StoreRow(vs._rows[vs._pos])
	vs._pos++
	return haveMoreOutput, nil
}

func (vs *ValuesScan) Rescan() error {
	vs._pos = 0
	return nil
}

func (vs *ValuesScan) Close() error {
	return nil
}

// rangeScanShared is the per-node shared state: a cursor every
// participant claims blocks from.
type rangeScanShared struct {
	nextBlock atomic.Int64
}

// RangeScan generates the integers of [lo, hi) as single-column INT64
// rows. parallel-aware: participants claim whole blocks from a shared
// cursor, so each stream is ascending and the union covers the range
// exactly once.
type RangeScan struct {
	_state *ExecState
	_node  *PlanNode
	_desc  *chunk.Descriptor

	_shared *rangeScanShared
	_cur    int64
	_curEnd int64

	_blksRead int64
	_nTuples  int64
}

func NewRangeScan(state *ExecState, node *PlanNode) *RangeScan {
	util.AssertFunc(node.Hi >= node.Lo)
	util.AssertFunc(node.BlockSize > 0)
	return &RangeScan{
		_state: state,
		_node:  node,
		_desc:  node.Descriptor(),
	}
}

func (rs *RangeScan) Init() error {
	// running serially with no shared state attached, the scan owns a
	// private cursor
	if rs._shared == nil {
		rs._shared = &rangeScanShared{}
	}
	return nil
}

func (rs *RangeScan) nextBlock() bool {
	blockCount := (rs._node.Hi - rs._node.Lo + rs._node.BlockSize - 1) / rs._node.BlockSize
	blk := rs._shared.nextBlock.Add(1) - 1
	if blk >= blockCount {
		return false
	}
	rs._cur = rs._node.Lo + blk*rs._node.BlockSize
	rs._curEnd = min(rs._cur+rs._node.BlockSize, rs._node.Hi)
	rs._blksRead++
	return true
}

func (rs *RangeScan) Next(output *chunk.Slot) (OperatorResult, error) {
	if err := rs._state.CheckInterrupt(); err != nil {
		return InvalidOpResult, err
	}
	for rs._cur >= rs._curEnd {
		if !rs.nextBlock() {
			return Done, nil
		}
	}
	output.StoreRow(chunk.Row{chunk.I64Val(rs._cur)})
	rs._cur++
	rs._nTuples++
	return haveMoreOutput, nil
}

func (rs *RangeScan) Rescan() error {
	// the shared cursor is reset by ReinitializeDSM before any
	// participant rescans
	rs._cur = 0
	rs._curEnd = 0
	if rs._state._workerId < 0 && rs._shared != nil {
		rs._shared.nextBlock.Store(0)
	}
	return nil
}

func (rs *RangeScan) Close() error {
	return nil
}

func (rs *RangeScan) Usage(bu *parallel.BufferUsage, in *parallel.Instrumentation) {
	bu.BlksRead += rs._blksRead
	in.NTuples += rs._nTuples
	in.NLoops++
}

func (rs *RangeScan) Estimate(est *parallel.Estimator) {
	est.Chunk(8)
	est.Keys(1)
}

func (rs *RangeScan) InitializeDSM(seg *parallel.Segment) {
	rs._shared = &rangeScanShared{}
	seg.TocInsert(uint64(rs._node.NodeId), rs._shared)
}

func (rs *RangeScan) ReinitializeDSM(seg *parallel.Segment) {
	util.AssertFunc(rs._shared != nil)
	rs._shared.nextBlock.Store(0)
}

func (rs *RangeScan) InitializeWorker(seg *parallel.Segment) {
	val, ok := seg.TocLookup(uint64(rs._node.NodeId))
	util.AssertFunc(ok)
	rs._shared = val.(*rangeScanShared)
}

func (rs *RangeScan) Shutdown() {
}
