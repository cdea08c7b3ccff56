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

package parallel

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

// PerWorkerQueueSize is the tuple queue capacity per worker.
const PerWorkerQueueSize = 65536

var ErrDetached = errors.New("tuple queue detached")

// Latch lets one goroutine sleep until another signals it. Set is
// sticky until Reset.
type Latch struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
}

func NewLatch() *Latch {
	latch := &Latch{}
	latch.cond = sync.NewCond(&latch.mu)
	return latch
}

func (latch *Latch) Set() {
	latch.mu.Lock()
	latch.set = true
	latch.mu.Unlock()
	latch.cond.Broadcast()
}

func (latch *Latch) Reset() {
	latch.mu.Lock()
	latch.set = false
	latch.mu.Unlock()
}

func (latch *Latch) Wait() {
	latch.mu.Lock()
	for !latch.set {
		latch.cond.Wait()
	}
	latch.mu.Unlock()
}

// TupleQueue carries length-prefixed minimal tuples from exactly one
// sender to exactly one receiver over a fixed-size byte ring. FIFO.
// the receiver detaching tells the sender to stop producing.
type TupleQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf  []byte
	head int
	used int

	finished bool
	detached bool
	err      error

	// shared with the consuming Gather node so it can sleep until any
	// of its queues has data
	latch *Latch
}

func NewTupleQueue(capacity int) *TupleQueue {
	util.AssertFunc(capacity > 0)
	queue := &TupleQueue{buf: make([]byte, capacity)}
	queue.notFull = sync.NewCond(&queue.mu)
	queue.notEmpty = sync.NewCond(&queue.mu)
	return queue
}

func (queue *TupleQueue) Cap() int {
	return len(queue.buf)
}

func (queue *TupleQueue) SetLatch(latch *Latch) {
	queue.mu.Lock()
	queue.latch = latch
	queue.mu.Unlock()
}

func (queue *TupleQueue) signalReceiver() {
	queue.notEmpty.Broadcast()
	if queue.latch != nil {
		queue.latch.Set()
	}
}

// Send enqueues one tuple, blocking while the ring is full. returns
// ErrDetached once the receiver has gone away; the sender must stop
// computing tuples at that point.
func (queue *TupleQueue) Send(mt chunk.MinimalTuple) error {
	need := 4 + len(mt)
	util.AssertFunc(need <= len(queue.buf))
	queue.mu.Lock()
	defer queue.mu.Unlock()
	util.AssertFunc(!queue.finished)
	for len(queue.buf)-queue.used < need {
		if queue.detached {
			return ErrDetached
		}
		queue.notFull.Wait()
	}
	if queue.detached {
		return ErrDetached
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(mt)))
	queue.put(hdr[:])
	queue.put(mt)
	queue.signalReceiver()
	return nil
}

// Finish writes the end-of-stream marker.
func (queue *TupleQueue) Finish() {
	queue.mu.Lock()
	queue.finished = true
	queue.signalReceiver()
	queue.mu.Unlock()
}

// SetError marks the stream failed and ends it. the receiver drains
// buffered tuples first; the error is surfaced when the coordinator
// waits for workers.
func (queue *TupleQueue) SetError(err error) {
	queue.mu.Lock()
	queue.err = err
	queue.finished = true
	queue.signalReceiver()
	queue.mu.Unlock()
}

func (queue *TupleQueue) Err() error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.err
}

// Receive dequeues one tuple. done reports end of stream. with nowait
// an empty-but-open queue returns (nil, false, nil) instead of
// blocking.
func (queue *TupleQueue) Receive(nowait bool) (chunk.MinimalTuple, bool, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	for {
		if queue.used > 0 {
			var hdr [4]byte
			queue.take(hdr[:])
			mt := make(chunk.MinimalTuple, binary.LittleEndian.Uint32(hdr[:]))
			queue.take(mt)
			queue.notFull.Broadcast()
			return mt, false, nil
		}
		if queue.finished {
			return nil, true, queue.err
		}
		if nowait {
			return nil, false, nil
		}
		queue.notEmpty.Wait()
	}
}

// Detach is the receiver-side cancellation primitive.
func (queue *TupleQueue) Detach() {
	queue.mu.Lock()
	queue.detached = true
	queue.mu.Unlock()
	queue.notFull.Broadcast()
}

// Reset empties the ring for the next batch of the same plan.
func (queue *TupleQueue) Reset() {
	queue.mu.Lock()
	queue.head = 0
	queue.used = 0
	queue.finished = false
	queue.detached = false
	queue.err = nil
	queue.mu.Unlock()
}

func (queue *TupleQueue) put(data []byte) {
	tail := (queue.head + queue.used) % len(queue.buf)
	n := copy(queue.buf[tail:], data)
	copy(queue.buf, data[n:])
	queue.used += len(data)
}

func (queue *TupleQueue) take(out []byte) {
	util.AssertFunc(queue.used >= len(out))
	n := copy(out, queue.buf[queue.head:])
	copy(out[n:], queue.buf)
	queue.head = (queue.head + len(out)) % len(queue.buf)
	queue.used -= len(out)
}
