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

type incrSortStatus int

const (
	loadFullSort incrSortStatus = iota
	readFullSort
	loadPrefixSort
	readPrefixSort
)

// sorting many tiny prefix groups separately is inefficient, so a new
// group is not started until the current one holds at least this many
// tuples. below the threshold tuples are accumulated without checking
// the prefix at all.
const defaultMinGroupSize = 32

// past this size without a prefix change we assume one large group and
// switch to sorting only the suffix keys.
const defaultMaxFullSortGroupSize = 2 * defaultMinGroupSize

// SortGroupInfo counts the batches one sort workspace handled.
type SortGroupInfo struct {
	GroupCount   int64
	TotalTuples  int64
	MaxGroupSize int64
}

func (info *SortGroupInfo) record(n int64) {
	info.GroupCount++
	info.TotalTuples += n
	info.MaxGroupSize = max(info.MaxGroupSize, n)
}

// IncrementalSort turns a stream sorted on the first Presorted keys
// into a stream sorted on all keys, sorting one prefix group worth of
// tuples at a time. small groups are batched together and sorted on
// all keys; a group that outgrows the full-sort threshold is handed to
// a workspace that sorts only the suffix keys.
type IncrementalSort struct {
	_state *ExecState
	_child Operator
	_desc  *chunk.Descriptor
	_spec  *chunk.SortSpec

	_status     incrSortStatus
	_fullsort   *TupleSort
	_prefixsort *TupleSort
	_groupPivot *chunk.Slot
	_transfer   *chunk.Slot
	_childSlot  *chunk.Slot

	_bound     int
	_boundDone int
	_nEmitted  int
	_outerDone bool

	// tuples still sitting in fullsort awaiting transfer into
	// prefixsort during a mode switch
	_nFullsortRemaining int

	_fullsortInfo   SortGroupInfo
	_prefixsortInfo SortGroupInfo
}

func NewIncrementalSort(state *ExecState, child Operator, desc *chunk.Descriptor, spec *chunk.SortSpec) *IncrementalSort {
	util.AssertFunc(spec.Presorted >= 0 && spec.Presorted <= len(spec.Keys))
	return &IncrementalSort{
		_state: state,
		_child: child,
		_desc:  desc,
		_spec:  spec,
		_bound: -1,
	}
}

// SetBound caps the output at n tuples. call before Init.
func (is *IncrementalSort) SetBound(n int) {
	util.AssertFunc(n > 0)
	is._bound = n
}

func (is *IncrementalSort) FullSortInfo() SortGroupInfo {
	return is._fullsortInfo
}

func (is *IncrementalSort) PrefixSortInfo() SortGroupInfo {
	return is._prefixsortInfo
}

func (is *IncrementalSort) Init() error {
	memLimit := is._state.Config().Memory.SortMemLimit
	is._fullsort = NewTupleSort(is._desc, is._spec.FullSpec(), memLimit, -1)
	is._prefixsort = NewTupleSort(is._desc, is._spec.SuffixSpec(), memLimit, -1)
	is._groupPivot = chunk.NewSlot(is._desc)
	is._transfer = chunk.NewSlot(is._desc)
	is._childSlot = chunk.NewSlot(is._desc)
	is._status = loadFullSort
	return is._child.Init()
}

func (is *IncrementalSort) currentBound() int {
	return is._bound - is._boundDone
}

func (is *IncrementalSort) bounded() bool {
	return is._bound > 0
}

func (is *IncrementalSort) accountBound(nTuples int) {
	if is.bounded() {
		is._boundDone = min(is._bound, is._boundDone+nTuples)
	}
}

func (is *IncrementalSort) readState() *TupleSort {
	if is._status == readFullSort {
		return is._fullsort
	}
	return is._prefixsort
}

func (is *IncrementalSort) Next(output *chunk.Slot) (OperatorResult, error) {
	if err := is._state.CheckInterrupt(); err != nil {
		return InvalidOpResult, err
	}

	// the batch accounting below is per workspace load; a group can
	// straddle the bound, so the emitted count is the hard cap
	if is.bounded() && is._nEmitted >= is._bound {
		return Done, nil
	}

	// drain the batch sorted by a previous call first
	if is._status == readFullSort || is._status == readPrefixSort {
		row, ok, err := is.readState().Next()
		if err != nil {
			return InvalidOpResult, err
		}
		if ok {
			output.StoreRow(row)
			is._nEmitted++
			return haveMoreOutput, nil
		}
		if is._outerDone {
			return Done, nil
		}
		if is.bounded() && is.currentBound() <= 0 {
			return Done, nil
		}
		if is._nFullsortRemaining > 0 {
			// the full sort state still holds at least one more prefix
			// key group; pull the next one out
			if err = is.switchToPrefixMode(); err != nil {
				return InvalidOpResult, err
			}
		} else {
			is._status = loadFullSort
		}
	}

	if is.bounded() && is.currentBound() <= 0 {
		return Done, nil
	}

	if is._status == loadFullSort {
		if err := is.loadFullSort(); err != nil {
			return InvalidOpResult, err
		}
	}

	if is._status == loadPrefixSort {
		if err := is.loadPrefixSort(); err != nil {
			return InvalidOpResult, err
		}
	}

	row, ok, err := is.readState().Next()
	if err != nil {
		return InvalidOpResult, err
	}
	if !ok {
		return Done, nil
	}
	output.StoreRow(row)
	is._nEmitted++
	return haveMoreOutput, nil
}

// loadFullSort accumulates the next batch into the full sort state,
// sorting by all keys since a batch below the minimum group size may
// span several prefix groups.
func (is *IncrementalSort) loadFullSort() error {
	minGroupSize := defaultMinGroupSize
	fullsortBound := -1
	if is.bounded() {
		// bounded sort only pays off in full sort mode when the bound
		// is small enough to undercut the minimum group size
		if cb := is.currentBound(); cb < defaultMinGroupSize {
			fullsortBound = cb
			minGroupSize = cb
		}
	}
	if err := is._fullsort.Reset(fullsortBound); err != nil {
		return err
	}

	nTuples := 0

	// a prefix change is only discovered by reading one tuple past the
	// group, so that tuple was carried over in the pivot slot
	if !is._groupPivot.IsEmpty() {
		if err := is._fullsort.Put(is._groupPivot.Row()); err != nil {
			return err
		}
		nTuples++
		// below the minimum group size the pivot is not meaningful yet,
		// unless the group size is one
		if nTuples != minGroupSize {
			is._groupPivot.Clear()
		}
	}

	for {
		res, err := is._child.Next(is._childSlot)
		if err != nil {
			return err
		}
		if res == Done {
			is._outerDone = true
			if err = is._fullsort.Sort(); err != nil {
				return err
			}
			is._fullsortInfo.record(int64(nTuples))
			is._status = readFullSort
			break
		}
		if nTuples < minGroupSize {
			if err = is._fullsort.Put(is._childSlot.Row()); err != nil {
				return err
			}
			nTuples++
			if nTuples == minGroupSize {
				is._groupPivot.CopyFrom(is._childSlot)
			}
		} else if is._spec.PrefixEqual(is._groupPivot.Row(), is._childSlot.Row()) {
			if err = is._fullsort.Put(is._childSlot.Row()); err != nil {
				return err
			}
			nTuples++
		} else {
			// end of the group. carry the unconsumed tuple over in the
			// pivot slot, sort what we have and start reading it out.
			is._groupPivot.CopyFrom(is._childSlot)
			is.accountBound(nTuples)
			if err = is._fullsort.Sort(); err != nil {
				return err
			}
			is._fullsortInfo.record(int64(nTuples))
			is._status = readFullSort
			break
		}

		if nTuples > defaultMaxFullSortGroupSize && is._status != readFullSort {
			// apparently one large prefix group. the pivot is already
			// inside the sort state, so drop it and let the mode switch
			// recover its own pivot.
			is._groupPivot.Clear()
			if err = is._fullsort.Sort(); err != nil {
				return err
			}
			is._fullsortInfo.record(int64(nTuples))
			if is._fullsort.Bounded() {
				// top-n retained only currentBound tuples
				nTuples = min(is.currentBound(), nTuples)
			}
			is._nFullsortRemaining = nTuples
			if err = is.switchToPrefixMode(); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// switchToPrefixMode moves tuples of one prefix group out of the full
// sort state into the prefix sort state, which only sorts the suffix
// keys. the full sort state may hold several groups, so the move stops
// at the first prefix change.
func (is *IncrementalSort) switchToPrefixMode() error {
	prefixBound := -1
	if is.bounded() {
		prefixBound = is.currentBound()
	}
	if err := is._prefixsort.Reset(prefixBound); err != nil {
		return err
	}

	nTuples := 0
	for ; nTuples < is._nFullsortRemaining; nTuples++ {
		if nTuples == 0 && !is._transfer.IsEmpty() {
			// a group change in a previous transfer left this tuple
			// behind; it opens the next group
			if err := is._prefixsort.Put(is._transfer.Row()); err != nil {
				return err
			}
			is._groupPivot.CopyFrom(is._transfer)
			continue
		}
		row, ok, err := is._fullsort.Next()
		if err != nil {
			return err
		}
		util.AssertFunc(ok)
		is._transfer.StoreRow(row)
		if is._groupPivot.IsEmpty() {
			is._groupPivot.CopyFrom(is._transfer)
		}
		if !is._spec.PrefixEqual(is._groupPivot.Row(), is._transfer.Row()) {
			// the tuple belongs to the next group; it stays in the
			// transfer slot until that group is transferred
			is._groupPivot.Clear()
			break
		}
		if err = is._prefixsort.Put(is._transfer.Row()); err != nil {
			return err
		}
	}

	is._nFullsortRemaining -= nTuples

	if is._nFullsortRemaining == 0 {
		// everything left in the full sort state was one group; keep
		// pulling that group's tuples straight from the child. the
		// transferred tuples count against the bound here, loadPrefixSort
		// accounts only what it pulls from the child itself.
		is._groupPivot.CopyFrom(is._transfer)
		is._status = loadPrefixSort
		is._transfer.Clear()
		is.accountBound(nTuples)
		return nil
	}
	if err := is._prefixsort.Sort(); err != nil {
		return err
	}
	is._prefixsortInfo.record(int64(nTuples))
	is.accountBound(nTuples)
	is._status = readPrefixSort
	return nil
}

// loadPrefixSort keeps feeding the current large group from the child
// into the prefix sort state until the prefix changes or the child is
// exhausted.
func (is *IncrementalSort) loadPrefixSort() error {
	util.AssertFunc(!is._groupPivot.IsEmpty())
	nTuples := 0
	for {
		res, err := is._child.Next(is._childSlot)
		if err != nil {
			return err
		}
		if res == Done {
			is._outerDone = true
			break
		}
		if is._spec.PrefixEqual(is._groupPivot.Row(), is._childSlot.Row()) {
			if err = is._prefixsort.Put(is._childSlot.Row()); err != nil {
				return err
			}
			nTuples++
		} else {
			is._groupPivot.CopyFrom(is._childSlot)
			break
		}
	}
	if err := is._prefixsort.Sort(); err != nil {
		return err
	}
	is._prefixsortInfo.record(int64(nTuples))
	is._status = readPrefixSort
	is.accountBound(nTuples)
	return nil
}

// Rescan resets the workspaces without freeing them and rescans the
// child.
func (is *IncrementalSort) Rescan() error {
	is._outerDone = false
	is._nFullsortRemaining = 0
	is._boundDone = 0
	is._nEmitted = 0
	is._status = loadFullSort
	is._groupPivot.Clear()
	is._transfer.Clear()
	if err := is._fullsort.Reset(-1); err != nil {
		return err
	}
	if err := is._prefixsort.Reset(-1); err != nil {
		return err
	}
	return is._child.Rescan()
}

func (is *IncrementalSort) Close() error {
	if is._fullsort != nil {
		_ = is._fullsort.Close()
	}
	if is._prefixsort != nil {
		_ = is._prefixsort.Close()
	}
	return is._child.Close()
}
