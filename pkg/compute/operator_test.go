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
	"github.com/daviszhen/vexec/pkg/util"
)

// rowsSource replays a fixed row list and counts how often the child
// boundary is crossed.
type rowsSource struct {
	rows    []chunk.Row
	pos     int
	nextCnt int
	rescans int
}

func (src *rowsSource) Init() error {
	return nil
}

func (src *rowsSource) Next(output *chunk.Slot) (OperatorResult, error) {
	src.nextCnt++
	if src.pos >= len(src.rows) {
		return Done, nil
	}
	output.StoreRow(src.rows[src.pos])
	src.pos++
	return haveMoreOutput, nil
}

func (src *rowsSource) Rescan() error {
	src.pos = 0
	src.rescans++
	return nil
}

func (src *rowsSource) Close() error {
	return nil
}

func testState(t *testing.T) *ExecState {
	t.Helper()
	return NewExecState(util.DefaultConfig())
}

func drainOp(t *testing.T, op Operator, desc *chunk.Descriptor) []chunk.Row {
	t.Helper()
	slot := chunk.NewSlot(desc)
	var out []chunk.Row
	for {
		res, err := op.Next(slot)
		require.NoError(t, err)
		if res == Done {
			return out
		}
		require.Equal(t, haveMoreOutput, res)
		out = append(out, chunk.CloneRow(slot.Row()))
	}
}

func i64Rows(vals ...int64) []chunk.Row {
	rows := make([]chunk.Row, 0, len(vals))
	for _, v := range vals {
		rows = append(rows, chunk.Row{chunk.I64Val(v)})
	}
	return rows
}

func pairRows(pairs ...[2]int64) []chunk.Row {
	rows := make([]chunk.Row, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, chunk.Row{chunk.I64Val(p[0]), chunk.I64Val(p[1])})
	}
	return rows
}
