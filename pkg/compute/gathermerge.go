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
	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/parallel"
	"github.com/daviszhen/vexec/pkg/util"
)

// each worker stream prefetches up to this many tuples so one queue
// read amortizes over several heap operations.
const maxTupleStore = 10

// gmReader buffers one worker's stream. stream 0 is the leader and
// has no buffer; its done flag is the subtree's exhaustion.
type gmReader struct {
	queue *parallel.TupleQueue
	buf   []chunk.MinimalTuple
	done  bool
}

// GatherMerge fans ordered worker streams in, preserving the order.
// the heap holds stream indices; the root always points at the stream
// whose current tuple is smallest on the sort keys.
type GatherMerge struct {
	_state *ExecState
	_plan  *PlanNode
	_child Operator
	_desc  *chunk.Descriptor
	_spec  *chunk.SortSpec

	_numWorkers int
	_leaderPart bool

	_pcxt    *ParallelContext
	_latch   *parallel.Latch
	_readers []*gmReader
	_slots   []*chunk.Slot
	_heap    *BinaryHeap[int]

	_initialized bool
	_localDone   bool
}

func NewGatherMerge(state *ExecState, plan *PlanNode) *GatherMerge {
	util.AssertFunc(len(plan.SortKeys) > 0)
	return &GatherMerge{
		_state:      state,
		_plan:       plan,
		_desc:       plan.Descriptor(),
		_spec:       &chunk.SortSpec{Keys: plan.SortKeys},
		_numWorkers: plan.NumWorkers,
		_leaderPart: state.Config().Parallel.LeaderParticipation,
	}
}

func (gm *GatherMerge) children() []Operator {
	if gm._child == nil {
		return nil
	}
	return []Operator{gm._child}
}

func (gm *GatherMerge) Init() error {
	child, err := BuildOperator(gm._state, gm._plan.Children[0])
	if err != nil {
		return err
	}
	gm._child = child
	gm._latch = parallel.NewLatch()
	return gm._child.Init()
}

func (gm *GatherMerge) setup() error {
	if gm._pcxt == nil {
		gm._pcxt = NewParallelContext(gm._state, gm._plan.Children[0], gm._child, gm._numWorkers, 0)
		if err := gm._pcxt.Setup(); err != nil {
			return err
		}
	}
	gm._pcxt.Launch()
	launched := gm._pcxt.NumLaunched()

	nstreams := launched + 1
	gm._readers = make([]*gmReader, nstreams)
	gm._slots = make([]*chunk.Slot, nstreams)
	for i := 0; i < nstreams; i++ {
		gm._slots[i] = chunk.NewSlot(gm._desc)
		if i == 0 {
			gm._readers[i] = &gmReader{done: !gm._leaderPart}
			continue
		}
		queue := gm._pcxt.Queues()[i-1]
		queue.SetLatch(gm._latch)
		gm._readers[i] = &gmReader{queue: queue}
	}
	gm._localDone = false

	gm._heap = NewBinaryHeap[int](nstreams, func(a, b int) int {
		c := gm._spec.Compare(gm._slots[a].Row(), gm._slots[b].Row())
		if c != 0 {
			// min at the root of a max heap
			return -c
		}
		return b - a
	}, false)

	return gm.buildHeap()
}

// buildHeap primes every stream: one non-blocking pass, then a
// blocking retry for streams that had nothing ready yet, then one
// Floyd build over the loaded indices.
func (gm *GatherMerge) buildHeap() error {
	nstreams := len(gm._readers)
	loaded := make([]bool, nstreams)
	for i := 0; i < nstreams; i++ {
		got, _, err := gm.loadTuple(i, true)
		if err != nil {
			return err
		}
		loaded[i] = got
	}
	for i := 0; i < nstreams; i++ {
		if loaded[i] || gm.streamDone(i) {
			continue
		}
		got, pending, err := gm.loadTuple(i, false)
		if err != nil {
			return err
		}
		util.AssertFunc(!pending)
		loaded[i] = got
	}
	for i := 0; i < nstreams; i++ {
		if loaded[i] {
			gm._heap.AddUnordered(i)
		}
	}
	gm._heap.Build()
	gm._initialized = true
	return nil
}

func (gm *GatherMerge) streamDone(i int) bool {
	if i == 0 {
		return gm._readers[0].done || gm._localDone
	}
	reader := gm._readers[i]
	return reader.done && len(reader.buf) == 0
}

// loadTuple advances stream i into its slot. pending is only possible
// with nowait.
func (gm *GatherMerge) loadTuple(i int, nowait bool) (got bool, pending bool, err error) {
	if i == 0 {
		if gm._readers[0].done || gm._localDone {
			return false, false, nil
		}
		res, lerr := gm._child.Next(gm._slots[0])
		if lerr != nil {
			return false, false, lerr
		}
		if res == Done {
			gm._localDone = true
			return false, false, nil
		}
		return true, false, nil
	}

	reader := gm._readers[i]
	if len(reader.buf) > 0 {
		mt := reader.buf[0]
		reader.buf = reader.buf[1:]
		if err = gm._slots[i].StoreMinimal(mt); err != nil {
			return false, false, err
		}
		gm.refill(reader)
		return true, false, nil
	}
	if reader.done {
		return false, false, nil
	}
	mt, done, _ := reader.queue.Receive(nowait)
	if done {
		// stream errors surface when the workers are waited out
		reader.done = true
		return false, false, nil
	}
	if mt == nil {
		return false, true, nil
	}
	if err = gm._slots[i].StoreMinimal(mt); err != nil {
		return false, false, err
	}
	gm.refill(reader)
	return true, false, nil
}

// refill tops the prefetch buffer up without blocking.
func (gm *GatherMerge) refill(reader *gmReader) {
	for !reader.done && len(reader.buf) < maxTupleStore {
		mt, done, _ := reader.queue.Receive(true)
		if done {
			reader.done = true
			return
		}
		if mt == nil {
			return
		}
		reader.buf = append(reader.buf, mt)
	}
}

func (gm *GatherMerge) Next(output *chunk.Slot) (OperatorResult, error) {
	if err := gm._state.CheckInterrupt(); err != nil {
		return InvalidOpResult, err
	}
	if !gm._initialized {
		if err := gm.setup(); err != nil {
			return InvalidOpResult, err
		}
	} else if !gm._heap.Empty() {
		// the root stream delivered the previous tuple; advance it
		// before picking the next root
		i := gm._heap.First()
		got, pending, err := gm.loadTuple(i, false)
		if err != nil {
			return InvalidOpResult, err
		}
		util.AssertFunc(!pending)
		if got {
			gm._heap.ReplaceFirst(i)
		} else {
			gm._heap.RemoveFirst()
		}
	}
	if gm._heap.Empty() {
		if err := gm._pcxt.WaitForFinish(); err != nil {
			return InvalidOpResult, err
		}
		return Done, nil
	}
	output.CopyFrom(gm._slots[gm._heap.First()])
	return haveMoreOutput, nil
}

func (gm *GatherMerge) Rescan() error {
	if err := gm.shutdownWorkers(); err != nil {
		return err
	}
	gm._initialized = false
	return gm._child.Rescan()
}

func (gm *GatherMerge) shutdownWorkers() error {
	if gm._pcxt == nil {
		return nil
	}
	err := gm._pcxt.Cancel()
	gm._readers = nil
	return err
}

func (gm *GatherMerge) Close() error {
	err := gm.shutdownWorkers()
	walkOperators(gm._child, func(op Operator) {
		if pa, ok := op.(ParallelAware); ok {
			pa.Shutdown()
		}
	})
	cerr := gm._child.Close()
	if err != nil {
		return err
	}
	return cerr
}
