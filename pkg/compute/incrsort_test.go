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
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/vexec/pkg/chunk"
)

func pairDesc() *chunk.Descriptor {
	return chunk.NewDescriptor(chunk.INT64, chunk.INT64)
}

func pairSpec(presorted int) *chunk.SortSpec {
	return &chunk.SortSpec{
		Keys:      []chunk.SortKey{{ColIdx: 0}, {ColIdx: 1}},
		Presorted: presorted,
	}
}

func fullySorted(rows []chunk.Row) []chunk.Row {
	spec := pairSpec(0)
	out := make([]chunk.Row, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		return spec.Compare(out[i], out[j]) < 0
	})
	return out
}

func runIncrSort(t *testing.T, rows []chunk.Row, bound int) ([]chunk.Row, *IncrementalSort) {
	t.Helper()
	src := &rowsSource{rows: rows}
	is := NewIncrementalSort(testState(t), src, pairDesc(), pairSpec(1))
	if bound > 0 {
		is.SetBound(bound)
	}
	require.NoError(t, is.Init())
	out := drainOp(t, is, pairDesc())
	return out, is
}

func Test_incrSortConcrete(t *testing.T) {
	in := pairRows([2]int64{1, 5}, [2]int64{1, 2}, [2]int64{2, 9},
		[2]int64{2, 1}, [2]int64{2, 5}, [2]int64{3, 3}, [2]int64{3, 7})
	out, is := runIncrSort(t, in, -1)
	want := pairRows([2]int64{1, 2}, [2]int64{1, 5}, [2]int64{2, 1},
		[2]int64{2, 5}, [2]int64{2, 9}, [2]int64{3, 3}, [2]int64{3, 7})
	require.Equal(t, want, out)
	_ = is.Close()
}

func Test_incrSortManyGroups(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	var in []chunk.Row
	for g := int64(0); g < 200; g++ {
		n := rnd.Intn(7)
		for i := 0; i < n; i++ {
			in = append(in, chunk.Row{chunk.I64Val(g), chunk.I64Val(int64(rnd.Intn(1000)))})
		}
	}
	out, is := runIncrSort(t, in, -1)
	require.Equal(t, fullySorted(in), out)
	info := is.FullSortInfo()
	assert.Greater(t, info.GroupCount, int64(1))
	_ = is.Close()
}

// a single huge prefix group must flip into prefix-sort mode instead of
// accumulating everything in the full sort workspace.
func Test_incrSortLargeGroup(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	var in []chunk.Row
	in = append(in, pairRows([2]int64{1, 0}, [2]int64{1, 9})...)
	vals := rnd.Perm(10000)
	for _, v := range vals {
		in = append(in, chunk.Row{chunk.I64Val(2), chunk.I64Val(int64(v))})
	}
	in = append(in, pairRows([2]int64{3, 4})...)

	out, is := runIncrSort(t, in, -1)
	require.Equal(t, fullySorted(in), out)
	// the big group never sits in the full sort workspace whole
	assert.LessOrEqual(t, is.FullSortInfo().MaxGroupSize, int64(defaultMaxFullSortGroupSize+1))
	assert.Greater(t, is.PrefixSortInfo().GroupCount, int64(0))
	_ = is.Close()
}

// a bounded sort returns exactly the prefix of the unbounded output.
func Test_incrSortBound(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	var in []chunk.Row
	for g := int64(0); g < 50; g++ {
		n := 1 + rnd.Intn(100)
		for i := 0; i < n; i++ {
			in = append(in, chunk.Row{chunk.I64Val(g), chunk.I64Val(int64(rnd.Intn(500)))})
		}
	}
	full, is := runIncrSort(t, in, -1)
	_ = is.Close()
	for _, bound := range []int{1, 5, 31, 32, 33, 64, 100, len(in), len(in) + 10} {
		out, bis := runIncrSort(t, in, bound)
		want := full
		if bound < len(full) {
			want = full[:bound]
		}
		require.Equal(t, want, out, "bound %d", bound)
		_ = bis.Close()
	}
}

// a bound landing inside a group that was transferred into prefix-sort
// mode still cuts the output at exactly the bound; the groups after it
// never reach the output.
func Test_incrSortBoundModeSwitch(t *testing.T) {
	rnd := rand.New(rand.NewSource(19))
	var in []chunk.Row
	for _, size := range []int{9, 67, 40} {
		g := int64(len(in))
		for i := 0; i < size; i++ {
			in = append(in, chunk.Row{chunk.I64Val(g), chunk.I64Val(int64(rnd.Intn(500)))})
		}
	}
	full, is := runIncrSort(t, in, -1)
	_ = is.Close()
	out, bis := runIncrSort(t, in, 31)
	require.Len(t, out, 31)
	require.Equal(t, full[:31], out)
	_ = bis.Close()
}

// a bound past the minimum group size leaves the full sort workspace
// unbounded; a group straddling the bound must not drain whole.
func Test_incrSortBoundInsideGroup(t *testing.T) {
	rnd := rand.New(rand.NewSource(23))
	var in []chunk.Row
	for i := 0; i < 50; i++ {
		in = append(in, chunk.Row{chunk.I64Val(0), chunk.I64Val(int64(rnd.Intn(500)))})
	}
	in = append(in, chunk.Row{chunk.I64Val(1), chunk.I64Val(0)})
	full, is := runIncrSort(t, in, -1)
	_ = is.Close()
	out, bis := runIncrSort(t, in, 35)
	require.Len(t, out, 35)
	require.Equal(t, full[:35], out)
	_ = bis.Close()
}

func Test_incrSortSortedInput(t *testing.T) {
	in := pairRows([2]int64{1, 1}, [2]int64{1, 2}, [2]int64{2, 1},
		[2]int64{2, 2}, [2]int64{3, 1})
	out, is := runIncrSort(t, in, -1)
	require.Equal(t, in, out)
	_ = is.Close()
}

func Test_incrSortEmptyInput(t *testing.T) {
	out, is := runIncrSort(t, nil, -1)
	require.Empty(t, out)
	_ = is.Close()
}

func Test_incrSortRescan(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	var in []chunk.Row
	for g := int64(0); g < 10; g++ {
		for i := 0; i < 40; i++ {
			in = append(in, chunk.Row{chunk.I64Val(g), chunk.I64Val(int64(rnd.Intn(100)))})
		}
	}
	src := &rowsSource{rows: in}
	is := NewIncrementalSort(testState(t), src, pairDesc(), pairSpec(1))
	require.NoError(t, is.Init())
	first := drainOp(t, is, pairDesc())
	require.NoError(t, is.Rescan())
	second := drainOp(t, is, pairDesc())
	require.Equal(t, first, second)
	require.Equal(t, 1, src.rescans)
	_ = is.Close()
}
