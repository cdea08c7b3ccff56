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
	"github.com/petermattis/goid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/vexec/pkg/util"
)

// WorkerMain runs one worker's share of a parallel plan. it must
// attach to the segment, run the plan to completion and report its
// usage before returning.
type WorkerMain func(workerId int, seg *Segment) error

// WorkerGroup tracks the workers of one parallel batch. the first
// error (or converted panic) of any worker surfaces from Wait.
type WorkerGroup struct {
	_group    *errgroup.Group
	_launched int
}

func LaunchWorkers(n int, seg *Segment, main WorkerMain) *WorkerGroup {
	wg := &WorkerGroup{_group: &errgroup.Group{}, _launched: n}
	for i := 0; i < n; i++ {
		workerId := i
		wg._group.Go(func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = util.ConvertPanicError(v)
				}
			}()
			util.Debug("parallel worker start",
				zap.Int("worker", workerId),
				zap.Int64("goid", goid.Get()))
			err = main(workerId, seg)
			if err != nil {
				util.Error("parallel worker failed",
					zap.Int("worker", workerId),
					zap.Error(err))
			} else {
				util.Debug("parallel worker exit",
					zap.Int("worker", workerId),
					zap.Int64("goid", goid.Get()))
			}
			return err
		})
	}
	return wg
}

func (wg *WorkerGroup) Launched() int {
	return wg._launched
}

// Wait blocks until every worker has exited and returns the first
// worker error.
func (wg *WorkerGroup) Wait() error {
	return wg._group.Wait()
}
