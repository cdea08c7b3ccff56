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
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/vexec/pkg/chunk"
)

func sortDesc() *chunk.Descriptor {
	return chunk.NewDescriptor(chunk.INT64, chunk.VARCHAR)
}

func sortSpec() *chunk.SortSpec {
	return chunk.NewSortSpec(chunk.SortKey{ColIdx: 0})
}

func drainSort(t *testing.T, ts *TupleSort) []chunk.Row {
	t.Helper()
	var out []chunk.Row
	for {
		row, ok, err := ts.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, chunk.CloneRow(row))
	}
}

func Test_sortInMemory(t *testing.T) {
	ts := NewTupleSort(sortDesc(), sortSpec(), 1<<20, -1)
	rnd := rand.New(rand.NewSource(1))
	for _, v := range rnd.Perm(100) {
		row := chunk.Row{chunk.I64Val(int64(v)), chunk.StrVal(fmt.Sprintf("v%d", v))}
		require.NoError(t, ts.Put(row))
	}
	require.NoError(t, ts.Sort())
	out := drainSort(t, ts)
	require.Len(t, out, 100)
	for i, row := range out {
		assert.Equal(t, int64(i), row[0].I64)
		assert.Equal(t, fmt.Sprintf("v%d", i), row[1].Str)
	}
	assert.Zero(t, ts.SpillCount())
	require.NoError(t, ts.Close())
}

// a tiny budget forces several spilled runs; the merged read order must
// still be global.
func Test_sortSpill(t *testing.T) {
	ts := NewTupleSort(sortDesc(), sortSpec(), 8*1024, -1)
	rnd := rand.New(rand.NewSource(2))
	for _, v := range rnd.Perm(1000) {
		row := chunk.Row{chunk.I64Val(int64(v)), chunk.StrVal(fmt.Sprintf("payload-%06d", v))}
		require.NoError(t, ts.Put(row))
	}
	require.NoError(t, ts.Sort())
	assert.Greater(t, ts.SpillCount(), 1)
	out := drainSort(t, ts)
	require.Len(t, out, 1000)
	for i, row := range out {
		require.Equal(t, int64(i), row[0].I64)
		require.Equal(t, fmt.Sprintf("payload-%06d", i), row[1].Str)
	}
	require.NoError(t, ts.Close())
}

// a bound caps memory by construction, so even a tiny budget never
// spills.
func Test_sortBounded(t *testing.T) {
	ts := NewTupleSort(sortDesc(), sortSpec(), 1024, 10)
	rnd := rand.New(rand.NewSource(3))
	for _, v := range rnd.Perm(5000) {
		row := chunk.Row{chunk.I64Val(int64(v)), chunk.StrVal("x")}
		require.NoError(t, ts.Put(row))
	}
	require.NoError(t, ts.Sort())
	assert.Zero(t, ts.SpillCount())
	out := drainSort(t, ts)
	require.Len(t, out, 10)
	for i, row := range out {
		assert.Equal(t, int64(i), row[0].I64)
	}
	require.NoError(t, ts.Close())
}

func Test_sortBoundedFewerThanBound(t *testing.T) {
	ts := NewTupleSort(sortDesc(), sortSpec(), 1<<20, 100)
	for _, v := range []int64{5, 1, 3} {
		require.NoError(t, ts.Put(chunk.Row{chunk.I64Val(v), chunk.StrVal("")}))
	}
	require.NoError(t, ts.Sort())
	out := drainSort(t, ts)
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0][0].I64)
	assert.Equal(t, int64(3), out[1][0].I64)
	assert.Equal(t, int64(5), out[2][0].I64)
	require.NoError(t, ts.Close())
}

func Test_sortReset(t *testing.T) {
	ts := NewTupleSort(sortDesc(), sortSpec(), 4*1024, -1)
	for v := int64(0); v < 500; v++ {
		require.NoError(t, ts.Put(chunk.Row{chunk.I64Val(500 - v), chunk.StrVal("aaaaaaaaaa")}))
	}
	require.NoError(t, ts.Sort())
	assert.Greater(t, ts.SpillCount(), 0)

	// reset drops the runs and installs a bound
	require.NoError(t, ts.Reset(3))
	for _, v := range []int64{9, 7, 8, 1, 2} {
		require.NoError(t, ts.Put(chunk.Row{chunk.I64Val(v), chunk.StrVal("")}))
	}
	require.NoError(t, ts.Sort())
	out := drainSort(t, ts)
	require.Len(t, out, 3)
	assert.Equal(t, int64(1), out[0][0].I64)
	assert.Equal(t, int64(2), out[1][0].I64)
	assert.Equal(t, int64(7), out[2][0].I64)
	require.NoError(t, ts.Close())
}

func Test_sortNullOrdering(t *testing.T) {
	spec := chunk.NewSortSpec(chunk.SortKey{ColIdx: 0, NullsFirst: true})
	ts := NewTupleSort(sortDesc(), spec, 1<<20, -1)
	require.NoError(t, ts.Put(chunk.Row{chunk.I64Val(2), chunk.StrVal("b")}))
	require.NoError(t, ts.Put(chunk.Row{chunk.NullVal(chunk.INT64), chunk.StrVal("n")}))
	require.NoError(t, ts.Put(chunk.Row{chunk.I64Val(1), chunk.StrVal("a")}))
	require.NoError(t, ts.Sort())
	out := drainSort(t, ts)
	require.Len(t, out, 3)
	assert.True(t, out[0][0].IsNull)
	assert.Equal(t, int64(1), out[1][0].I64)
	assert.Equal(t, int64(2), out[2][0].I64)
	require.NoError(t, ts.Close())
}
