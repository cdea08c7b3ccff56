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
	"github.com/daviszhen/vexec/pkg/util"
)

// AsyncCapable is implemented by readiness-driven sources. every
// AsyncRequest call must end by calling exactly one of RequestDone or
// RequestPending on the request.
type AsyncCapable interface {
	AsyncRequest(areq *AsyncRequest) error
	AsyncConfigureWait(areq *AsyncRequest) error
	AsyncNotify(areq *AsyncRequest) error
}

// AsyncRequest tracks one in-flight tuple request between a consumer
// and an async source.
type AsyncRequest struct {
	_requestee AsyncCapable
	_slot      *chunk.Slot
	_response  func(areq *AsyncRequest)

	_requestIndex int
	_done         bool
	_pending      bool

	// event the source registered in ConfigureWait
	_waitEvent <-chan struct{}
}

func NewAsyncRequest(requestee AsyncCapable, desc *chunk.Descriptor,
	requestIndex int, response func(areq *AsyncRequest)) *AsyncRequest {
	return &AsyncRequest{
		_requestee:    requestee,
		_slot:         chunk.NewSlot(desc),
		_requestIndex: requestIndex,
		_response:     response,
	}
}

func (areq *AsyncRequest) RequestIndex() int {
	return areq._requestIndex
}

func (areq *AsyncRequest) Slot() *chunk.Slot {
	return areq._slot
}

// RequestDone is called by the source when a tuple (or end of stream,
// with an empty slot) is ready.
func (areq *AsyncRequest) RequestDone(row chunk.Row) {
	util.AssertFunc(!areq._done && !areq._pending)
	if row != nil {
		areq._slot.StoreRow(row)
	} else {
		areq._slot.Clear()
	}
	areq._done = true
}

// RequestPending is called by the source when it needs an event
// callback before it can produce.
func (areq *AsyncRequest) RequestPending() {
	util.AssertFunc(!areq._done && !areq._pending)
	areq._pending = true
}

func (areq *AsyncRequest) Pending() bool {
	return areq._pending
}

func (areq *AsyncRequest) SetWaitEvent(event <-chan struct{}) {
	areq._waitEvent = event
}

func (areq *AsyncRequest) WaitEvent() <-chan struct{} {
	return areq._waitEvent
}

// ExecAsyncRequest asks the source for its next tuple. a source that
// calls neither RequestDone nor RequestPending violates the protocol
// and is treated as a bug, not papered over.
func ExecAsyncRequest(areq *AsyncRequest) error {
	areq._done = false
	areq._pending = false
	if err := areq._requestee.AsyncRequest(areq); err != nil {
		return err
	}
	util.AssertFunc(areq._done != areq._pending)
	if areq._done {
		areq.dispatchResponse()
	}
	return nil
}

// ExecAsyncConfigureWait has a pending source register its readiness
// event.
func ExecAsyncConfigureWait(areq *AsyncRequest) error {
	util.AssertFunc(areq._pending)
	return areq._requestee.AsyncConfigureWait(areq)
}

// ExecAsyncNotify resumes a pending request after its event fired.
func ExecAsyncNotify(areq *AsyncRequest) error {
	util.AssertFunc(areq._pending)
	areq._done = false
	areq._pending = false
	if err := areq._requestee.AsyncNotify(areq); err != nil {
		return err
	}
	util.AssertFunc(areq._done != areq._pending)
	if areq._done {
		areq.dispatchResponse()
	}
	return nil
}

// dispatchResponse delivers the tuple (or end of stream) upward.
func (areq *AsyncRequest) dispatchResponse() {
	if areq._response != nil {
		areq._response(areq)
	}
}
