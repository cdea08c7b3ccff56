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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

// Run executes a plan tree to exhaustion and returns the row count.
// plan printing and result printing follow the debug options.
func Run(cfg *util.Config, plan *PlanNode) (int64, error) {
	if cfg.Debug.EnableDebugLog {
		util.EnableDebugLog()
	}
	AssignNodeIds(plan)
	if cfg.Debug.PrintPlan {
		fmt.Println(plan.String())
	}

	state := NewExecState(cfg)
	state._queryText = plan.label()
	tree, err := BuildOperator(state, plan)
	if err != nil {
		return 0, err
	}
	if err = tree.Init(); err != nil {
		return 0, err
	}
	defer func() {
		_ = tree.Close()
	}()

	slot := chunk.NewSlot(plan.Descriptor())
	rowCount := int64(0)
	start := time.Now()
	for {
		res, nerr := tree.Next(slot)
		if nerr != nil {
			return rowCount, nerr
		}
		if res == Done {
			break
		}
		ValidOutput(res, slot)
		if cfg.Debug.PrintResult {
			fmt.Println(slot.Row())
		}
		rowCount++
		if cfg.Debug.MaxOutputRowCount > 0 && rowCount >= int64(cfg.Debug.MaxOutputRowCount) {
			break
		}
	}
	util.Info("query finished",
		zap.String("queryId", state.QueryId().String()),
		zap.Int64("rows", rowCount),
		zap.Duration("elapsed", time.Since(start)))
	return rowCount, nil
}
