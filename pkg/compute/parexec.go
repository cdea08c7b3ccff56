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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/huandu/go-clone"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/parallel"
	"github.com/daviszhen/vexec/pkg/util"
)

// ParallelAware operators have per-worker behavior and shared state in
// the segment. the coordinator guarantees ReinitializeDSM runs before
// any rescan reaches the node in a new batch.
type ParallelAware interface {
	Operator
	Estimate(est *parallel.Estimator)
	InitializeDSM(seg *parallel.Segment)
	ReinitializeDSM(seg *parallel.Segment)
	InitializeWorker(seg *parallel.Segment)
	Shutdown()
}

type childrenHolder interface {
	children() []Operator
}

func (is *IncrementalSort) children() []Operator { return []Operator{is._child} }
func (mz *Memoize) children() []Operator         { return []Operator{mz._child} }

type instrumented interface {
	nodeId() int
	Usage(bu *parallel.BufferUsage, in *parallel.Instrumentation)
}

func (rs *RangeScan) nodeId() int { return rs._node.NodeId }

func walkOperators(op Operator, fn func(Operator)) {
	fn(op)
	if holder, ok := op.(childrenHolder); ok {
		for _, child := range holder.children() {
			walkOperators(child, fn)
		}
	}
}

// executorFixed is the fixed-size chunk every worker reads first.
type executorFixed struct {
	TuplesNeeded int64
	ParamExec    uint64
	Eflags       int32
	JitFlags     int32
}

const executorFixedSize = 24

func writeExecutorFixed(dst []byte, fixed *executorFixed) {
	var buf util.BufferSerialize
	err := util.Write(*fixed, &buf)
	util.AssertFunc(err == nil)
	copy(dst, buf.Data.Bytes())
}

func readExecutorFixed(src []byte) *executorFixed {
	buf := util.BufferSerialize{Data: *bytes.NewBuffer(src)}
	fixed := &executorFixed{}
	err := util.Read(fixed, &buf)
	util.AssertFunc(err == nil)
	return fixed
}

// SerializeParams encodes the param set as <count>(<paramid><datum>)*.
func SerializeParams(params *ParamSet) []byte {
	var buf util.BufferSerialize
	ids := params.Ids()
	err := util.Write(uint32(len(ids)), &buf)
	util.AssertFunc(err == nil)
	for _, id := range ids {
		val, _ := params.Get(id)
		err = util.Write(int32(id), &buf)
		util.AssertFunc(err == nil)
		err = util.Write(val.Typ, &buf)
		util.AssertFunc(err == nil)
		desc := chunk.NewDescriptor(val.Typ)
		err = util.WriteBytes(chunk.EncodeMinimal(desc, chunk.Row{val}), &buf)
		util.AssertFunc(err == nil)
	}
	return buf.Data.Bytes()
}

func DeserializeParams(data []byte, params *ParamSet) error {
	buf := util.BufferSerialize{Data: *bytes.NewBuffer(data)}
	var count uint32
	if err := util.Read(&count, &buf); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var id int32
		if err := util.Read(&id, &buf); err != nil {
			return err
		}
		var typ chunk.TypeId
		if err := util.Read(&typ, &buf); err != nil {
			return err
		}
		raw, err := util.ReadBytes(&buf)
		if err != nil {
			return err
		}
		desc := chunk.NewDescriptor(typ)
		row := make(chunk.Row, 1)
		if err = chunk.DecodeMinimal(desc, raw, row); err != nil {
			return err
		}
		params.Set(int(id), row[0])
	}
	return nil
}

// serializePlan prepares the subtree for transport: clone it, clear
// the top node's resjunk flags so tuples arrive intact, null out
// parallel-unsafe subplans while keeping list indices, then marshal as
// NUL-terminated JSON.
func serializePlan(plan *PlanNode) ([]byte, error) {
	copied := clone.Clone(plan).(*PlanNode)
	copied.Resjunk = nil
	var scrub func(n *PlanNode)
	scrub = func(n *PlanNode) {
		if n == nil {
			return
		}
		for i, sub := range n.Subplans {
			if sub != nil && !sub.ParallelSafe {
				n.Subplans[i] = nil
			} else {
				scrub(sub)
			}
		}
		for _, child := range n.Children {
			scrub(child)
		}
	}
	scrub(copied)
	data, err := json.Marshal(copied)
	if err != nil {
		return nil, err
	}
	return append(data, 0), nil
}

func deserializePlan(data []byte) (*PlanNode, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, errors.New("transported plan is not NUL terminated")
	}
	plan := &PlanNode{}
	if err := json.Unmarshal(data[:len(data)-1], plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ParallelContext drives one parallel subtree through the
// estimate/initialize/launch/reinitialize/finish phases.
type ParallelContext struct {
	_state      *ExecState
	_plan       *PlanNode
	_leaderTree Operator
	_nworkers   int

	_tuplesNeeded int64

	_seg     *parallel.Segment
	_dsa     *parallel.DSA
	_queues  []*parallel.TupleQueue
	_instr   *parallel.InstrumentationArray
	_buf     []parallel.BufferUsage
	_wal     []parallel.WalUsage
	_jit     []parallel.JitInstrumentation
	_workers *parallel.WorkerGroup

	_planBytes []byte
	_fixed     []byte
	_paramPtr  parallel.Pointer

	// batches launched so far. every launch after the first must
	// reinitialize the shared state before any worker attaches.
	_generation int

	_totalBuf parallel.BufferUsage
	_totalWal parallel.WalUsage
}

func NewParallelContext(state *ExecState, plan *PlanNode, leaderTree Operator,
	nworkers int, tuplesNeeded int64) *ParallelContext {
	util.AssertFunc(nworkers > 0)
	return &ParallelContext{
		_state:        state,
		_plan:         plan,
		_leaderTree:   leaderTree,
		_nworkers:     nworkers,
		_tuplesNeeded: tuplesNeeded,
	}
}

// Setup sizes and fills the shared segment: fixed state, transported
// plan, params, query text, usage arrays, tuple queues, the DSA, and
// every parallel-aware node's shared chunk.
func (pcxt *ParallelContext) Setup() error {
	planBytes, err := serializePlan(pcxt._plan)
	if err != nil {
		return err
	}
	pcxt._planBytes = planBytes
	paramBytes := SerializeParams(pcxt._state.Params())
	queryText := append([]byte(pcxt._state._queryText), 0)

	est := &parallel.Estimator{}
	est.Chunk(executorFixedSize)
	est.Chunk(len(planBytes))
	est.Chunk(len(paramBytes))
	est.Chunk(len(queryText))
	est.Keys(6)
	walkOperators(pcxt._leaderTree, func(op Operator) {
		if pa, ok := op.(ParallelAware); ok {
			pa.Estimate(est)
		}
	})

	seg := parallel.NewSegment(est)
	pcxt._seg = seg
	pcxt._dsa = parallel.NewDSA()
	seg.TocInsert(parallel.KeyDSA, pcxt._dsa)

	pcxt._paramPtr = pcxt._dsa.Allocate(max(len(paramBytes), 8))
	copy(pcxt._dsa.Bytes(pcxt._paramPtr), paramBytes)

	pcxt._fixed = seg.Allocate(executorFixedSize)
	writeExecutorFixed(pcxt._fixed, &executorFixed{
		TuplesNeeded: pcxt._tuplesNeeded,
		ParamExec:    uint64(pcxt._paramPtr),
	})
	seg.TocInsert(parallel.KeyExecutorFixed, pcxt._fixed)

	planChunk := seg.Allocate(len(planBytes))
	copy(planChunk, planBytes)
	seg.TocInsert(parallel.KeyPlannedStmt, planChunk)

	paramChunk := seg.Allocate(len(paramBytes))
	copy(paramChunk, paramBytes)
	seg.TocInsert(parallel.KeyParamListInfo, paramChunk)

	textChunk := seg.Allocate(len(queryText))
	copy(textChunk, queryText)
	seg.TocInsert(parallel.KeyQueryText, textChunk)

	pcxt._buf = make([]parallel.BufferUsage, pcxt._nworkers)
	seg.TocInsert(parallel.KeyBufferUsage, pcxt._buf)
	pcxt._wal = make([]parallel.WalUsage, pcxt._nworkers)
	seg.TocInsert(parallel.KeyWalUsage, pcxt._wal)
	pcxt._jit = make([]parallel.JitInstrumentation, pcxt._nworkers)
	seg.TocInsert(parallel.KeyJitInstrumentation, pcxt._jit)

	queueSize := pcxt._state.Config().Parallel.QueueSize
	if queueSize <= 0 {
		queueSize = parallel.PerWorkerQueueSize
	}
	pcxt._queues = make([]*parallel.TupleQueue, pcxt._nworkers)
	for i := range pcxt._queues {
		pcxt._queues[i] = parallel.NewTupleQueue(queueSize)
	}
	seg.TocInsert(parallel.KeyTupleQueue, pcxt._queues)

	pcxt._instr = parallel.NewInstrumentationArray(CollectNodeIds(pcxt._plan), pcxt._nworkers)
	seg.TocInsert(parallel.KeyInstrumentation, pcxt._instr)

	walkOperators(pcxt._leaderTree, func(op Operator) {
		if pa, ok := op.(ParallelAware); ok {
			pa.InitializeDSM(seg)
		}
	})
	return nil
}

// reinitialize resets queues and shared state for the next batch of
// the same plan. params may have changed size, so they are
// reserialized into the side allocator rather than the main segment.
func (pcxt *ParallelContext) reinitialize() {
	for _, queue := range pcxt._queues {
		queue.Reset()
	}
	pcxt._instr.Reset()
	clear(pcxt._buf)
	clear(pcxt._wal)
	clear(pcxt._jit)

	paramBytes := SerializeParams(pcxt._state.Params())
	pcxt._dsa.Free(pcxt._paramPtr)
	pcxt._paramPtr = pcxt._dsa.Allocate(max(len(paramBytes), 8))
	copy(pcxt._dsa.Bytes(pcxt._paramPtr), paramBytes)
	writeExecutorFixed(pcxt._fixed, &executorFixed{
		TuplesNeeded: pcxt._tuplesNeeded,
		ParamExec:    uint64(pcxt._paramPtr),
	})

	walkOperators(pcxt._leaderTree, func(op Operator) {
		if pa, ok := op.(ParallelAware); ok {
			pa.ReinitializeDSM(pcxt._seg)
		}
	})
}

// Launch starts the workers for one batch. a relaunch reinitializes
// before any worker can attach.
func (pcxt *ParallelContext) Launch() {
	util.AssertFunc(pcxt._workers == nil)
	if pcxt._generation > 0 {
		pcxt.reinitialize()
	}
	pcxt._generation++
	cfg := pcxt._state.Config()
	pcxt._workers = parallel.LaunchWorkers(pcxt._nworkers, pcxt._seg,
		func(workerId int, seg *parallel.Segment) error {
			return runParallelWorker(workerId, seg, cfg, pcxt._state)
		})
}

func (pcxt *ParallelContext) Queues() []*parallel.TupleQueue {
	return pcxt._queues
}

func (pcxt *ParallelContext) NumLaunched() int {
	if pcxt._workers == nil {
		return 0
	}
	return pcxt._workers.Launched()
}

// WaitForFinish blocks until every worker exited, aggregates their
// usage, and surfaces the first worker error.
func (pcxt *ParallelContext) WaitForFinish() error {
	if pcxt._workers == nil {
		return nil
	}
	err := pcxt._workers.Wait()
	pcxt._workers = nil
	for i := range pcxt._buf {
		pcxt._totalBuf.Accumulate(&pcxt._buf[i])
		pcxt._totalWal.Accumulate(&pcxt._wal[i])
	}
	return err
}

// Cancel detaches every queue so workers stop producing, then waits
// them out.
func (pcxt *ParallelContext) Cancel() error {
	for _, queue := range pcxt._queues {
		queue.Detach()
	}
	return pcxt.WaitForFinish()
}

func (pcxt *ParallelContext) TotalBufferUsage() parallel.BufferUsage {
	return pcxt._totalBuf
}

func (pcxt *ParallelContext) Instrumentation() *parallel.InstrumentationArray {
	return pcxt._instr
}

// runParallelWorker is the worker main: attach, rebuild the plan, run
// it forward into the worker's tuple queue, report usage, exit.
func runParallelWorker(workerId int, seg *parallel.Segment, cfg *util.Config, leaderState *ExecState) error {
	raw, ok := seg.TocLookup(parallel.KeyPlannedStmt)
	if !ok {
		return errors.New("no transported plan in segment")
	}
	plan, err := deserializePlan(raw.([]byte))
	if err != nil {
		return fmt.Errorf("worker %d: %w", workerId, err)
	}

	fixedRaw, ok := seg.TocLookup(parallel.KeyExecutorFixed)
	util.AssertFunc(ok)
	fixed := readExecutorFixed(fixedRaw.([]byte))

	wstate := NewExecState(cfg)
	wstate._workerId = workerId

	paramRaw, ok := seg.TocLookup(parallel.KeyParamListInfo)
	util.AssertFunc(ok)
	if err = DeserializeParams(paramRaw.([]byte), wstate.Params()); err != nil {
		return err
	}
	if ptr := parallel.Pointer(fixed.ParamExec); ptr != parallel.InvalidPointer {
		dsaRaw, ok2 := seg.TocLookup(parallel.KeyDSA)
		util.AssertFunc(ok2)
		area := dsaRaw.(*parallel.DSA)
		if err = DeserializeParams(area.Bytes(ptr), wstate.Params()); err != nil {
			return err
		}
	}

	tree, err := BuildOperator(wstate, plan)
	if err != nil {
		return err
	}
	walkOperators(tree, func(op Operator) {
		if pa, ok2 := op.(ParallelAware); ok2 {
			pa.InitializeWorker(seg)
		}
	})

	queuesRaw, ok := seg.TocLookup(parallel.KeyTupleQueue)
	util.AssertFunc(ok)
	queue := queuesRaw.([]*parallel.TupleQueue)[workerId]

	instrRaw, ok := seg.TocLookup(parallel.KeyInstrumentation)
	util.AssertFunc(ok)
	instr := instrRaw.(*parallel.InstrumentationArray)
	bufRaw, ok := seg.TocLookup(parallel.KeyBufferUsage)
	util.AssertFunc(ok)
	bufUsage := bufRaw.([]parallel.BufferUsage)

	if err = tree.Init(); err != nil {
		queue.SetError(err)
		return err
	}
	defer func() {
		_ = tree.Close()
	}()

	slot := chunk.NewSlot(plan.Descriptor())
	sent := int64(0)
	for {
		if err = leaderState.CheckInterrupt(); err != nil {
			queue.SetError(err)
			return err
		}
		res, nerr := tree.Next(slot)
		if nerr != nil {
			queue.SetError(nerr)
			return nerr
		}
		if res == Done {
			break
		}
		if serr := queue.Send(slot.Minimal()); serr != nil {
			if errors.Is(serr, parallel.ErrDetached) {
				break
			}
			return serr
		}
		sent++
		if fixed.TuplesNeeded > 0 && sent >= fixed.TuplesNeeded {
			break
		}
	}

	walkOperators(tree, func(op Operator) {
		if rep, ok2 := op.(instrumented); ok2 {
			rep.Usage(&bufUsage[workerId], instr.WorkerSlot(workerId, rep.nodeId()))
		}
	})
	queue.Finish()
	return nil
}
