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

	"github.com/xlab/treeprint"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

type POT int

const (
	POT_ValuesScan POT = iota
	POT_RangeScan
	POT_IncrementalSort
	POT_Memoize
	POT_Gather
	POT_GatherMerge
)

func (typ POT) String() string {
	switch typ {
	case POT_ValuesScan:
		return "ValuesScan"
	case POT_RangeScan:
		return "RangeScan"
	case POT_IncrementalSort:
		return "IncrementalSort"
	case POT_Memoize:
		return "Memoize"
	case POT_Gather:
		return "Gather"
	case POT_GatherMerge:
		return "GatherMerge"
	default:
		panic("usp")
	}
}

// PlanNode is the serializable physical plan. the whole tree crosses
// the leader/worker boundary as JSON, so every field the workers need
// is exported.
type PlanNode struct {
	Typ          POT            `json:"typ"`
	NodeId       int            `json:"nodeId"`
	Types        []chunk.TypeId `json:"types"`
	Resjunk      []bool         `json:"resjunk,omitempty"`
	ParallelSafe bool           `json:"parallelSafe"`
	Children     []*PlanNode    `json:"children,omitempty"`

	// subplans referenced by expressions; list indices are stable so
	// parallel-unsafe ones are nulled, not removed, for transport
	Subplans []*PlanNode `json:"subplans,omitempty"`

	// sort
	SortKeys  []chunk.SortKey `json:"sortKeys,omitempty"`
	Presorted int             `json:"presorted,omitempty"`
	Bound     int             `json:"bound,omitempty"`

	// memoize
	ParamIds   []int          `json:"paramIds,omitempty"`
	KeyTypes   []chunk.TypeId `json:"keyTypes,omitempty"`
	BinaryMode bool           `json:"binaryMode,omitempty"`
	SingleRow  bool           `json:"singleRow,omitempty"`

	// gather, gather-merge
	NumWorkers int  `json:"numWorkers,omitempty"`
	SingleCopy bool `json:"singleCopy,omitempty"`

	// range scan
	Lo        int64 `json:"lo,omitempty"`
	Hi        int64 `json:"hi,omitempty"`
	BlockSize int64 `json:"blockSize,omitempty"`

	// values scan
	Values []chunk.Row `json:"values,omitempty"`
}

func (node *PlanNode) Descriptor() *chunk.Descriptor {
	return chunk.NewDescriptor(node.Types...)
}

// AssignNodeIds numbers the tree depth-first. node ids key per-node
// shared state and instrumentation slots.
func AssignNodeIds(node *PlanNode) {
	next := 0
	var walk func(n *PlanNode)
	walk = func(n *PlanNode) {
		if n == nil {
			return
		}
		n.NodeId = next
		next++
		for _, child := range n.Children {
			walk(child)
		}
		for _, sub := range n.Subplans {
			walk(sub)
		}
	}
	walk(node)
}

func CollectNodeIds(node *PlanNode) []int {
	var ids []int
	var walk func(n *PlanNode)
	walk = func(n *PlanNode) {
		if n == nil {
			return
		}
		ids = append(ids, n.NodeId)
		for _, child := range n.Children {
			walk(child)
		}
		for _, sub := range n.Subplans {
			walk(sub)
		}
	}
	walk(node)
	return ids
}

func (node *PlanNode) label() string {
	switch node.Typ {
	case POT_IncrementalSort:
		return fmt.Sprintf("%v keys=%d presorted=%d", node.Typ, len(node.SortKeys), node.Presorted)
	case POT_Memoize:
		return fmt.Sprintf("%v params=%v binary=%v", node.Typ, node.ParamIds, node.BinaryMode)
	case POT_Gather:
		return fmt.Sprintf("%v workers=%d singleCopy=%v", node.Typ, node.NumWorkers, node.SingleCopy)
	case POT_GatherMerge:
		return fmt.Sprintf("%v workers=%d keys=%d", node.Typ, node.NumWorkers, len(node.SortKeys))
	case POT_RangeScan:
		return fmt.Sprintf("%v [%d,%d)", node.Typ, node.Lo, node.Hi)
	case POT_ValuesScan:
		return fmt.Sprintf("%v rows=%d", node.Typ, len(node.Values))
	default:
		return node.Typ.String()
	}
}

func (node *PlanNode) explain(branch treeprint.Tree) {
	sub := branch.AddBranch(node.label())
	for _, child := range node.Children {
		child.explain(sub)
	}
	for i, sp := range node.Subplans {
		if sp == nil {
			sub.AddNode(fmt.Sprintf("subplan %d: <not transported>", i))
			continue
		}
		sp.explain(sub.AddBranch(fmt.Sprintf("subplan %d", i)))
	}
}

func (node *PlanNode) String() string {
	tree := treeprint.New()
	node.explain(tree)
	return tree.String()
}

// BuildOperator turns a plan subtree into an executable operator tree.
func BuildOperator(state *ExecState, node *PlanNode) (Operator, error) {
	util.AssertFunc(node != nil)
	switch node.Typ {
	case POT_ValuesScan:
		return NewValuesScan(state, node.Descriptor(), node.Values), nil
	case POT_RangeScan:
		return NewRangeScan(state, node), nil
	case POT_IncrementalSort:
		child, err := BuildOperator(state, node.Children[0])
		if err != nil {
			return nil, err
		}
		spec := &chunk.SortSpec{Keys: node.SortKeys, Presorted: node.Presorted}
		is := NewIncrementalSort(state, child, node.Descriptor(), spec)
		if node.Bound > 0 {
			is.SetBound(node.Bound)
		}
		return is, nil
	case POT_Memoize:
		child, err := BuildOperator(state, node.Children[0])
		if err != nil {
			return nil, err
		}
		keyDesc := chunk.NewDescriptor(node.KeyTypes...)
		return NewMemoize(state, child, node.Descriptor(),
			node.ParamIds, keyDesc, node.BinaryMode, node.SingleRow), nil
	case POT_Gather:
		return NewGather(state, node), nil
	case POT_GatherMerge:
		return NewGatherMerge(state, node), nil
	default:
		return nil, fmt.Errorf("cannot build operator for %v", node.Typ)
	}
}
