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
	"errors"
	"sort"
	"sync/atomic"

	"github.com/gofrs/uuid"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

type OperatorResult int

const (
	InvalidOpResult OperatorResult = 0
	haveMoreOutput  OperatorResult = 2
	Done            OperatorResult = 3
)

// Operator is the demand-pull interface every executor node implements.
// Next fills the output slot and returns haveMoreOutput, or leaves it
// alone and returns Done at end of stream.
type Operator interface {
	Init() error
	Next(output *chunk.Slot) (OperatorResult, error)
	Rescan() error
	Close() error
}

var ErrQueryCanceled = errors.New("query canceled")

// ExecState is per-query state shared by every operator of one plan
// tree within one process. workers get their own copy.
type ExecState struct {
	_cfg       *util.Config
	_queryId   uuid.UUID
	_queryText string
	_params    *ParamSet
	_interrupt atomic.Bool

	// params changed since the last rescan, by param id. consulted by
	// operators whose cached state depends on params.
	_chgParam map[int]struct{}

	// set while running inside a worker
	_workerId int
}

func NewExecState(cfg *util.Config) *ExecState {
	id, _ := uuid.NewV4()
	return &ExecState{
		_cfg:      cfg,
		_queryId:  id,
		_params:   NewParamSet(),
		_chgParam: map[int]struct{}{},
		_workerId: -1,
	}
}

func (state *ExecState) Config() *util.Config {
	return state._cfg
}

func (state *ExecState) QueryId() uuid.UUID {
	return state._queryId
}

func (state *ExecState) Params() *ParamSet {
	return state._params
}

func (state *ExecState) Cancel() {
	state._interrupt.Store(true)
}

// CheckInterrupt is polled at every operator boundary and inside long
// loops.
func (state *ExecState) CheckInterrupt() error {
	if state._interrupt.Load() {
		return ErrQueryCanceled
	}
	return nil
}

func (state *ExecState) MarkParamChanged(id int) {
	state._chgParam[id] = struct{}{}
}

func (state *ExecState) ClearChgParam() {
	state._chgParam = map[int]struct{}{}
}

// ChgParamOutside reports whether any changed param is not in keys.
func (state *ExecState) ChgParamOutside(keys []int) bool {
	for id := range state._chgParam {
		hit := false
		for _, k := range keys {
			if k == id {
				hit = true
				break
			}
		}
		if !hit {
			return true
		}
	}
	return false
}

// ParamSet holds PARAM_EXEC values by param id.
type ParamSet struct {
	_vals map[int]chunk.Value
}

func NewParamSet() *ParamSet {
	return &ParamSet{_vals: map[int]chunk.Value{}}
}

func (params *ParamSet) Set(id int, val chunk.Value) {
	params._vals[id] = val
}

func (params *ParamSet) Get(id int) (chunk.Value, bool) {
	v, ok := params._vals[id]
	return v, ok
}

func (params *ParamSet) Count() int {
	return len(params._vals)
}

// Ids returns the param ids in ascending order. serialization and key
// encoding need a stable order.
func (params *ParamSet) Ids() []int {
	ids := make([]int, 0, len(params._vals))
	for id := range params._vals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (params *ParamSet) CopyFrom(other *ParamSet) {
	params._vals = make(map[int]chunk.Value, len(other._vals))
	for id, v := range other._vals {
		params._vals[id] = v
	}
}

func ValidOutput(res OperatorResult, slot *chunk.Slot) {
	if res == haveMoreOutput {
		util.AssertFunc(!slot.IsEmpty())
	}
}
