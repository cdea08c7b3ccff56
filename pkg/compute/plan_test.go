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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daviszhen/vexec/pkg/chunk"
)

func Test_buildValuesScanPlan(t *testing.T) {
	node := &PlanNode{
		Typ:    POT_ValuesScan,
		Types:  []chunk.TypeId{chunk.INT64},
		Values: i64Rows(3, 1, 2),
	}
	AssignNodeIds(node)
	op, err := BuildOperator(testState(t), node)
	require.NoError(t, err)
	require.NoError(t, op.Init())
	out := drainOp(t, op, node.Descriptor())
	require.Equal(t, i64Rows(3, 1, 2), out)
	require.NoError(t, op.Close())
}

func Test_buildSortOverValuesPlan(t *testing.T) {
	node := &PlanNode{
		Typ:       POT_IncrementalSort,
		Types:     []chunk.TypeId{chunk.INT64, chunk.INT64},
		SortKeys:  []chunk.SortKey{{ColIdx: 0}, {ColIdx: 1}},
		Presorted: 1,
		Bound:     3,
		Children: []*PlanNode{
			{
				Typ:   POT_ValuesScan,
				Types: []chunk.TypeId{chunk.INT64, chunk.INT64},
				Values: pairRows([2]int64{1, 4}, [2]int64{1, 2},
					[2]int64{2, 8}, [2]int64{2, 6}),
			},
		},
	}
	AssignNodeIds(node)
	op, err := BuildOperator(testState(t), node)
	require.NoError(t, err)
	require.NoError(t, op.Init())
	out := drainOp(t, op, node.Descriptor())
	want := pairRows([2]int64{1, 2}, [2]int64{1, 4}, [2]int64{2, 6})
	require.Equal(t, want, out)
	require.NoError(t, op.Close())
}
