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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

// paramSource produces rows derived from the current value of one
// param, like a parameterized inner scan under a nested loop.
type paramSource struct {
	state   *ExecState
	paramId int
	fanout  int

	rows    []chunk.Row
	pos     int
	nextCnt int
}

func (src *paramSource) Init() error {
	return nil
}

func (src *paramSource) Next(output *chunk.Slot) (OperatorResult, error) {
	src.nextCnt++
	if src.rows == nil {
		v, ok := src.state.Params().Get(src.paramId)
		util.AssertFunc(ok)
		src.rows = make([]chunk.Row, 0, src.fanout)
		for i := 0; i < src.fanout; i++ {
			src.rows = append(src.rows, chunk.Row{
				chunk.I64Val(v.I64),
				chunk.I64Val(v.I64*10 + int64(i)),
			})
		}
	}
	if src.pos >= len(src.rows) {
		return Done, nil
	}
	output.StoreRow(src.rows[src.pos])
	src.pos++
	return haveMoreOutput, nil
}

func (src *paramSource) Rescan() error {
	src.rows = nil
	src.pos = 0
	return nil
}

func (src *paramSource) Close() error {
	return nil
}

const memoKeyParam = 7

func newMemoizeTree(t *testing.T, memLimit int64, fanout int, binary, singleRow bool) (*Memoize, *paramSource, *ExecState) {
	t.Helper()
	cfg := util.DefaultConfig()
	cfg.Memory.MemoizeMemLimit = memLimit
	state := NewExecState(cfg)
	src := &paramSource{state: state, paramId: memoKeyParam, fanout: fanout}
	mz := NewMemoize(state, src, pairDesc(),
		[]int{memoKeyParam}, chunk.NewDescriptor(chunk.INT64), binary, singleRow)
	require.NoError(t, mz.Init())
	return mz, src, state
}

// scanKey binds the key param, rescans and drains one inner scan.
func scanKey(t *testing.T, mz *Memoize, state *ExecState, key int64, first bool) []chunk.Row {
	t.Helper()
	state.Params().Set(memoKeyParam, chunk.I64Val(key))
	if !first {
		state.MarkParamChanged(memoKeyParam)
		require.NoError(t, mz.Rescan())
		state.ClearChgParam()
	}
	return drainOp(t, mz, pairDesc())
}

func wantRows(key int64, fanout int) []chunk.Row {
	rows := make([]chunk.Row, 0, fanout)
	for i := 0; i < fanout; i++ {
		rows = append(rows, chunk.Row{chunk.I64Val(key), chunk.I64Val(key*10 + int64(i))})
	}
	return rows
}

func Test_memoizeTransparent(t *testing.T) {
	for _, binary := range []bool{false, true} {
		mz, _, state := newMemoizeTree(t, 1<<20, 3, binary, false)
		for _, key := range []int64{1, 2, 1, 3, 2, 2} {
			require.Equal(t, wantRows(key, 3), scanKey(t, mz, state, key, key == 1 && mz.Stats().Misses == 0))
		}
		_ = mz.Close()
	}
}

func Test_memoizeHit(t *testing.T) {
	mz, src, state := newMemoizeTree(t, 1<<20, 2, true, false)
	require.Equal(t, wantRows(5, 2), scanKey(t, mz, state, 5, true))
	pulls := src.nextCnt
	require.Equal(t, wantRows(5, 2), scanKey(t, mz, state, 5, false))
	// a hit serves from the cache without touching the child
	assert.Equal(t, pulls, src.nextCnt)
	assert.Equal(t, uint64(1), mz.Stats().Hits)
	assert.Equal(t, uint64(1), mz.Stats().Misses)
	_ = mz.Close()
}

// a budget that holds two complete entries: A, B, A(hit), then C evicts
// the least recently used key B, so B misses again.
func Test_memoizeEviction(t *testing.T) {
	mz, _, state := newMemoizeTree(t, 750, 1, true, false)
	require.Equal(t, wantRows(1, 1), scanKey(t, mz, state, 1, true))
	require.Equal(t, wantRows(2, 1), scanKey(t, mz, state, 2, false))
	require.Equal(t, wantRows(1, 1), scanKey(t, mz, state, 1, false))
	require.Equal(t, wantRows(3, 1), scanKey(t, mz, state, 3, false))
	require.Equal(t, wantRows(2, 1), scanKey(t, mz, state, 2, false))
	stats := mz.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(4), stats.Misses)
	assert.Greater(t, stats.Evictions, uint64(0))
	_ = mz.Close()
}

// one key whose result set cannot fit even alone flips the scan into
// bypass mode; the tuples still flow through.
func Test_memoizeBypass(t *testing.T) {
	mz, _, state := newMemoizeTree(t, 400, 5, true, false)
	require.Equal(t, wantRows(9, 5), scanKey(t, mz, state, 9, true))
	stats := mz.Stats()
	assert.Greater(t, stats.Overflows, uint64(0))
	// the abandoned key misses again next time
	require.Equal(t, wantRows(9, 5), scanKey(t, mz, state, 9, false))
	_ = mz.Close()
}

// a changed param outside the key set poisons every cached entry.
func Test_memoizePurge(t *testing.T) {
	const otherParam = 8
	mz, _, state := newMemoizeTree(t, 1<<20, 2, false, false)
	state.Params().Set(otherParam, chunk.I64Val(0))
	require.Equal(t, wantRows(4, 2), scanKey(t, mz, state, 4, true))

	state.Params().Set(otherParam, chunk.I64Val(1))
	state.MarkParamChanged(otherParam)
	state.Params().Set(memoKeyParam, chunk.I64Val(4))
	state.MarkParamChanged(memoKeyParam)
	require.NoError(t, mz.Rescan())
	state.ClearChgParam()
	require.Equal(t, wantRows(4, 2), drainOp(t, mz, pairDesc()))

	stats := mz.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	_ = mz.Close()
}

func Test_memoizeSingleRow(t *testing.T) {
	mz, src, state := newMemoizeTree(t, 1<<20, 1, true, true)
	require.Equal(t, wantRows(6, 1), scanKey(t, mz, state, 6, true))
	pulls := src.nextCnt
	require.Equal(t, wantRows(6, 1), scanKey(t, mz, state, 6, false))
	assert.Equal(t, pulls, src.nextCnt)
	assert.Equal(t, uint64(1), mz.Stats().Hits)
	_ = mz.Close()
}
