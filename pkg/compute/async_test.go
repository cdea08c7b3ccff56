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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/vexec/pkg/chunk"
)

// chanSource feeds tuples through a channel, standing in for any
// readiness-driven remote source.
type chanSource struct {
	rows  chan chunk.Row
	ready chan struct{}
}

func newChanSource(depth int) *chanSource {
	return &chanSource{
		rows:  make(chan chunk.Row, depth),
		ready: make(chan struct{}, depth),
	}
}

func (src *chanSource) produce(row chunk.Row) {
	src.rows <- row
	src.ready <- struct{}{}
}

func (src *chanSource) finish() {
	close(src.rows)
	src.ready <- struct{}{}
}

func (src *chanSource) deliver(areq *AsyncRequest) {
	select {
	case row, ok := <-src.rows:
		if !ok {
			areq.RequestDone(nil)
			return
		}
		areq.RequestDone(row)
	default:
		areq.RequestPending()
	}
}

func (src *chanSource) AsyncRequest(areq *AsyncRequest) error {
	src.deliver(areq)
	return nil
}

func (src *chanSource) AsyncConfigureWait(areq *AsyncRequest) error {
	areq.SetWaitEvent(src.ready)
	return nil
}

func (src *chanSource) AsyncNotify(areq *AsyncRequest) error {
	src.deliver(areq)
	return nil
}

func Test_asyncImmediate(t *testing.T) {
	src := newChanSource(4)
	src.produce(chunk.Row{chunk.I64Val(11)})

	var got []chunk.Row
	areq := NewAsyncRequest(src, chunk.NewDescriptor(chunk.INT64), 0,
		func(areq *AsyncRequest) {
			if !areq.Slot().IsEmpty() {
				got = append(got, chunk.CloneRow(areq.Slot().Row()))
			}
		})
	require.NoError(t, ExecAsyncRequest(areq))
	assert.False(t, areq.Pending())
	require.Len(t, got, 1)
	assert.Equal(t, int64(11), got[0][0].I64)
}

func Test_asyncPendingThenNotify(t *testing.T) {
	src := newChanSource(4)
	responses := 0
	areq := NewAsyncRequest(src, chunk.NewDescriptor(chunk.INT64), 3,
		func(areq *AsyncRequest) {
			responses++
		})
	assert.Equal(t, 3, areq.RequestIndex())

	// nothing available yet: the request parks
	require.NoError(t, ExecAsyncRequest(areq))
	require.True(t, areq.Pending())
	require.NoError(t, ExecAsyncConfigureWait(areq))
	require.NotNil(t, areq.WaitEvent())
	assert.Zero(t, responses)

	go func() {
		time.Sleep(5 * time.Millisecond)
		src.produce(chunk.Row{chunk.I64Val(7)})
	}()
	select {
	case <-areq.WaitEvent():
	case <-time.After(time.Second):
		t.Fatal("wait event never fired")
	}
	require.NoError(t, ExecAsyncNotify(areq))
	assert.False(t, areq.Pending())
	assert.Equal(t, 1, responses)
	assert.Equal(t, int64(7), areq.Slot().Row()[0].I64)
}

func Test_asyncEndOfStream(t *testing.T) {
	src := newChanSource(4)
	src.finish()
	ended := false
	areq := NewAsyncRequest(src, chunk.NewDescriptor(chunk.INT64), 0,
		func(areq *AsyncRequest) {
			ended = areq.Slot().IsEmpty()
		})
	require.NoError(t, ExecAsyncRequest(areq))
	assert.False(t, areq.Pending())
	assert.True(t, ended)
}

func Test_asyncSequence(t *testing.T) {
	src := newChanSource(8)
	for i := int64(0); i < 5; i++ {
		src.produce(chunk.Row{chunk.I64Val(i)})
	}
	src.finish()

	var got []int64
	done := false
	areq := NewAsyncRequest(src, chunk.NewDescriptor(chunk.INT64), 0,
		func(areq *AsyncRequest) {
			if areq.Slot().IsEmpty() {
				done = true
				return
			}
			got = append(got, areq.Slot().Row()[0].I64)
		})
	for !done {
		require.NoError(t, ExecAsyncRequest(areq))
		require.False(t, areq.Pending())
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
}
