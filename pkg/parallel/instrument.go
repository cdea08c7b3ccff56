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
	"time"

	"github.com/daviszhen/vexec/pkg/util"
)

// BufferUsage counts block-level IO of one worker. each slot has
// exactly one writer; the leader reads it only after the worker exits.
type BufferUsage struct {
	BlksRead    int64
	BlksWritten int64
}

func (bu *BufferUsage) Accumulate(other *BufferUsage) {
	bu.BlksRead += other.BlksRead
	bu.BlksWritten += other.BlksWritten
}

type WalUsage struct {
	Records int64
	Bytes   int64
}

func (wu *WalUsage) Accumulate(other *WalUsage) {
	wu.Records += other.Records
	wu.Bytes += other.Bytes
}

// Instrumentation is the per-node execution profile.
type Instrumentation struct {
	NTuples   int64
	NLoops    int64
	TotalTime time.Duration
}

func (in *Instrumentation) Accumulate(other *Instrumentation) {
	in.NTuples += other.NTuples
	in.NLoops += other.NLoops
	in.TotalTime += other.TotalTime
}

// JitInstrumentation is per-worker expression compilation profile.
// carried for layout parity; zero when compilation is disabled.
type JitInstrumentation struct {
	Functions      int64
	GenerationTime time.Duration
}

func (ji *JitInstrumentation) Accumulate(other *JitInstrumentation) {
	ji.Functions += other.Functions
	ji.GenerationTime += other.GenerationTime
}

// InstrumentationArray holds one Instrumentation per (worker, plan
// node), worker-major.
type InstrumentationArray struct {
	_nodeIds    []int
	_numWorkers int
	_slots      []Instrumentation
}

func NewInstrumentationArray(nodeIds []int, numWorkers int) *InstrumentationArray {
	return &InstrumentationArray{
		_nodeIds:    nodeIds,
		_numWorkers: numWorkers,
		_slots:      make([]Instrumentation, len(nodeIds)*numWorkers),
	}
}

func (arr *InstrumentationArray) nodeIndex(planNodeId int) int {
	for i, id := range arr._nodeIds {
		if id == planNodeId {
			return i
		}
	}
	panic("unknown plan node id")
}

func (arr *InstrumentationArray) WorkerSlot(workerId, planNodeId int) *Instrumentation {
	util.AssertFunc(workerId >= 0 && workerId < arr._numWorkers)
	return &arr._slots[workerId*len(arr._nodeIds)+arr.nodeIndex(planNodeId)]
}

// Aggregate sums the profile of one plan node across workers.
func (arr *InstrumentationArray) Aggregate(planNodeId int) Instrumentation {
	idx := arr.nodeIndex(planNodeId)
	var total Instrumentation
	for w := 0; w < arr._numWorkers; w++ {
		total.Accumulate(&arr._slots[w*len(arr._nodeIds)+idx])
	}
	return total
}

func (arr *InstrumentationArray) Reset() {
	clear(arr._slots)
}
