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
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

func rangeUnderGather(typ POT, rows int64, workers int, singleCopy bool) *PlanNode {
	node := &PlanNode{
		Typ:        typ,
		Types:      []chunk.TypeId{chunk.INT64},
		NumWorkers: workers,
		SingleCopy: singleCopy,
		Children: []*PlanNode{
			{
				Typ:          POT_RangeScan,
				Types:        []chunk.TypeId{chunk.INT64},
				ParallelSafe: true,
				Lo:           0,
				Hi:           rows,
				BlockSize:    7,
			},
		},
	}
	if typ == POT_GatherMerge {
		node.SortKeys = []chunk.SortKey{{ColIdx: 0}}
	}
	AssignNodeIds(node)
	return node
}

func gatherState(t *testing.T, leaderPart bool) *ExecState {
	t.Helper()
	cfg := util.DefaultConfig()
	cfg.Parallel.LeaderParticipation = leaderPart
	return NewExecState(cfg)
}

func sortedI64(rows []chunk.Row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row[0].I64)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func wantI64(n int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

// every value of the range arrives exactly once, in whatever order.
func Test_gatherAllTuples(t *testing.T) {
	for _, leaderPart := range []bool{true, false} {
		state := gatherState(t, leaderPart)
		node := rangeUnderGather(POT_Gather, 1000, 2, false)
		op, err := BuildOperator(state, node)
		require.NoError(t, err)
		require.NoError(t, op.Init())
		out := drainOp(t, op, node.Descriptor())
		assert.Equal(t, wantI64(1000), sortedI64(out), "leaderPart=%v", leaderPart)
		require.NoError(t, op.Close())
	}
}

// single copy runs the subtree once in one worker; the leader never
// participates.
func Test_gatherSingleCopy(t *testing.T) {
	state := gatherState(t, true)
	node := rangeUnderGather(POT_Gather, 200, 4, true)
	op, err := BuildOperator(state, node)
	require.NoError(t, err)
	require.NoError(t, op.Init())
	out := drainOp(t, op, node.Descriptor())
	assert.Equal(t, wantI64(200), sortedI64(out))
	require.NoError(t, op.Close())
}

func Test_gatherEmptyRange(t *testing.T) {
	state := gatherState(t, true)
	node := rangeUnderGather(POT_Gather, 0, 2, false)
	op, err := BuildOperator(state, node)
	require.NoError(t, err)
	require.NoError(t, op.Init())
	out := drainOp(t, op, node.Descriptor())
	assert.Empty(t, out)
	require.NoError(t, op.Close())
}

// a rescan relaunches the workers against reinitialized shared state
// and produces the same bag of tuples.
func Test_gatherRescan(t *testing.T) {
	state := gatherState(t, true)
	node := rangeUnderGather(POT_Gather, 500, 2, false)
	op, err := BuildOperator(state, node)
	require.NoError(t, err)
	require.NoError(t, op.Init())
	first := drainOp(t, op, node.Descriptor())
	require.NoError(t, op.Rescan())
	second := drainOp(t, op, node.Descriptor())
	assert.Equal(t, wantI64(500), sortedI64(first))
	assert.Equal(t, sortedI64(first), sortedI64(second))
	require.NoError(t, op.Close())
}

func Test_gatherCancel(t *testing.T) {
	state := gatherState(t, false)
	node := rangeUnderGather(POT_Gather, 100000, 2, false)
	op, err := BuildOperator(state, node)
	require.NoError(t, err)
	require.NoError(t, op.Init())
	slot := chunk.NewSlot(node.Descriptor())
	res, err := op.Next(slot)
	require.NoError(t, err)
	require.Equal(t, haveMoreOutput, res)
	// Close while the workers still have most of the range to produce
	require.NoError(t, op.Close())
}
