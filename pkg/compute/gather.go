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
	"go.uber.org/zap"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/parallel"
	"github.com/daviszhen/vexec/pkg/util"
)

// Gather fans the output of a parallel subtree in, unordered. workers
// are launched lazily on the first tuple request; the leader can run
// the subtree too when it has nothing to read.
type Gather struct {
	_state *ExecState
	_plan  *PlanNode
	_child Operator
	_desc  *chunk.Descriptor

	_numWorkers int
	_singleCopy bool
	_leaderPart bool

	_pcxt       *ParallelContext
	_readers    []*parallel.TupleQueue
	_nextReader int
	_latch      *parallel.Latch

	_initialized   bool
	_needLocalScan bool
	_localDone     bool
}

func NewGather(state *ExecState, plan *PlanNode) *Gather {
	return &Gather{
		_state:      state,
		_plan:       plan,
		_desc:       plan.Descriptor(),
		_numWorkers: plan.NumWorkers,
		_singleCopy: plan.SingleCopy,
		_leaderPart: state.Config().Parallel.LeaderParticipation && !plan.SingleCopy,
	}
}

func (ga *Gather) children() []Operator {
	if ga._child == nil {
		return nil
	}
	return []Operator{ga._child}
}

func (ga *Gather) Init() error {
	child, err := BuildOperator(ga._state, ga._plan.Children[0])
	if err != nil {
		return err
	}
	ga._child = child
	ga._latch = parallel.NewLatch()
	return ga._child.Init()
}

// setup launches the workers and attaches one reader per launched
// worker. deferred to the first Next so a query that never pulls a
// tuple never pays for workers.
func (ga *Gather) setup() error {
	nworkers := ga._numWorkers
	if ga._singleCopy {
		nworkers = 1
	}
	if ga._pcxt == nil {
		ga._pcxt = NewParallelContext(ga._state, ga._plan.Children[0], ga._child, nworkers, 0)
		if err := ga._pcxt.Setup(); err != nil {
			return err
		}
	}
	ga._pcxt.Launch()
	launched := ga._pcxt.NumLaunched()
	util.Debug("gather launched workers",
		zap.Int("requested", nworkers),
		zap.Int("launched", launched))

	ga._readers = make([]*parallel.TupleQueue, 0, launched)
	for _, queue := range ga._pcxt.Queues()[:launched] {
		queue.SetLatch(ga._latch)
		ga._readers = append(ga._readers, queue)
	}
	ga._nextReader = 0
	// without any worker the leader has to run the subtree itself,
	// single copy or not
	ga._needLocalScan = ga._leaderPart || launched == 0
	ga._localDone = false
	ga._initialized = true
	return nil
}

func (ga *Gather) Next(output *chunk.Slot) (OperatorResult, error) {
	if !ga._initialized {
		if err := ga.setup(); err != nil {
			return InvalidOpResult, err
		}
	}
	for len(ga._readers) > 0 || (ga._needLocalScan && !ga._localDone) {
		if err := ga._state.CheckInterrupt(); err != nil {
			return InvalidOpResult, err
		}
		if len(ga._readers) > 0 {
			mt, yield, err := ga.readNext()
			if err != nil {
				return InvalidOpResult, err
			}
			if mt != nil {
				if err = output.StoreMinimal(mt); err != nil {
					return InvalidOpResult, err
				}
				return haveMoreOutput, nil
			}
			if !yield {
				// every reader is done
				continue
			}
		}
		if ga._needLocalScan && !ga._localDone {
			res, err := ga._child.Next(output)
			if err != nil {
				return InvalidOpResult, err
			}
			if res == haveMoreOutput {
				return haveMoreOutput, nil
			}
			ga._localDone = true
		}
	}
	// all streams ended; worker errors surface here
	if err := ga._pcxt.WaitForFinish(); err != nil {
		return InvalidOpResult, err
	}
	return Done, nil
}

// readNext polls the readers round-robin, staying on the current
// reader until it would block. returns a tuple, or yield=true when
// every live reader is pending and the caller should run the local
// scan, or (nil, false) when no readers remain.
func (ga *Gather) readNext() (chunk.MinimalTuple, bool, error) {
	nvisited := 0
	for {
		if err := ga._state.CheckInterrupt(); err != nil {
			return nil, false, err
		}
		if len(ga._readers) == 0 {
			return nil, false, nil
		}
		reader := ga._readers[ga._nextReader]
		mt, done, _ := reader.Receive(true)
		if done {
			// note: a failed stream also reports done here; its error
			// is raised when we wait for the workers
			ga._readers = util.RemoveAt(ga._readers, ga._nextReader)
			if len(ga._readers) == 0 {
				return nil, false, nil
			}
			if ga._nextReader >= len(ga._readers) {
				ga._nextReader = 0
			}
			nvisited = 0
			continue
		}
		if mt != nil {
			return mt, false, nil
		}
		ga._nextReader = (ga._nextReader + 1) % len(ga._readers)
		nvisited++
		if nvisited >= len(ga._readers) {
			if ga._needLocalScan && !ga._localDone {
				return nil, true, nil
			}
			ga._latch.Wait()
			ga._latch.Reset()
			nvisited = 0
		}
	}
}

// Rescan shuts the workers down and marks the subtree for a fresh
// launch; shared state is reinitialized before any worker attaches to
// the next batch.
func (ga *Gather) Rescan() error {
	if err := ga.shutdownWorkers(); err != nil {
		return err
	}
	ga._initialized = false
	return ga._child.Rescan()
}

func (ga *Gather) shutdownWorkers() error {
	if ga._pcxt == nil {
		return nil
	}
	err := ga._pcxt.Cancel()
	ga._readers = nil
	return err
}

func (ga *Gather) Close() error {
	err := ga.shutdownWorkers()
	walkOperators(ga._child, func(op Operator) {
		if pa, ok := op.(ParallelAware); ok {
			pa.Shutdown()
		}
	})
	cerr := ga._child.Close()
	if err != nil {
		return err
	}
	return cerr
}
