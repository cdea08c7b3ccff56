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
	"github.com/liyue201/gostl/ds/list/bidlist"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/util"
)

type memoizeStatus int

const (
	memoCacheLookup memoizeStatus = iota
	memoFetchNextTuple
	memoFillingCache
	memoBypassMode
	memoEndOfScan
)

const (
	memoEntryOverhead = 64
	memoTupleOverhead = 16
)

// memoEntry caches one key's result tuples. the entry owns its tuple
// list; the LRU node is owned by the key so it survives bucket moves.
type memoEntry struct {
	keyBytes string
	keyRow   chunk.Row
	tuples   []chunk.Row
	complete bool
	memBytes int64
	lruNode  *bidlist.Node[*memoEntry]
}

// MemoizeStats counts cache effectiveness for explain output.
type MemoizeStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Overflows uint64
}

// Memoize caches the child's result tuples per parameter key, bounded
// by a byte budget with LRU eviction. a key whose result set cannot be
// held even after evicting everything else flips the scan into bypass
// mode, where tuples stream through uncached.
type Memoize struct {
	_state *ExecState
	_child Operator
	_desc  *chunk.Descriptor

	_paramIds   []int
	_keyDesc    *chunk.Descriptor
	_binaryMode bool
	_singleRow  bool
	_memLimit   int64

	_status  memoizeStatus
	_tab     map[uint64][]*memoEntry
	_lru     *bidlist.List[*memoEntry]
	_memUsed int64

	// entry being read or filled. while filling it is the specialkey
	// that eviction must not remove.
	_entry   *memoEntry
	_readPos int

	_probeRow  chunk.Row
	_childSlot *chunk.Slot
	_stats     MemoizeStats
}

func NewMemoize(state *ExecState, child Operator, desc *chunk.Descriptor,
	paramIds []int, keyDesc *chunk.Descriptor, binaryMode, singleRow bool) *Memoize {
	util.AssertFunc(len(paramIds) == keyDesc.AttrCount())
	return &Memoize{
		_state:      state,
		_child:      child,
		_desc:       desc,
		_paramIds:   paramIds,
		_keyDesc:    keyDesc,
		_binaryMode: binaryMode,
		_singleRow:  singleRow,
	}
}

func (mz *Memoize) Stats() MemoizeStats {
	return mz._stats
}

func (mz *Memoize) Init() error {
	mz._memLimit = mz._state.Config().Memory.MemoizeMemLimit
	mz._tab = map[uint64][]*memoEntry{}
	mz._lru = bidlist.New[*memoEntry]()
	mz._probeRow = make(chunk.Row, mz._keyDesc.AttrCount())
	mz._childSlot = chunk.NewSlot(mz._desc)
	mz._status = memoCacheLookup
	return mz._child.Init()
}

// probeKey materializes the current parameter values into the probe
// row and returns their hash and, in binary mode, the canonical bytes.
func (mz *Memoize) probeKey() (uint64, string) {
	for i, id := range mz._paramIds {
		v, ok := mz._state.Params().Get(id)
		util.AssertFunc(ok)
		mz._probeRow[i] = v
	}
	if mz._binaryMode {
		mt := chunk.EncodeMinimal(mz._keyDesc, mz._probeRow)
		return chunk.HashMinimal(mt), string(mt)
	}
	cols := make([]int, len(mz._probeRow))
	for i := range cols {
		cols[i] = i
	}
	return chunk.HashRow(mz._probeRow, cols), ""
}

func (mz *Memoize) keysEqual(entry *memoEntry, keyBytes string) bool {
	if mz._binaryMode {
		return entry.keyBytes == keyBytes
	}
	cols := make([]int, len(mz._probeRow))
	for i := range cols {
		cols[i] = i
	}
	return chunk.RowsEqual(entry.keyRow, mz._probeRow, cols)
}

func (mz *Memoize) findEntry(hash uint64, keyBytes string) *memoEntry {
	for _, entry := range mz._tab[hash] {
		if mz.keysEqual(entry, keyBytes) {
			return entry
		}
	}
	return nil
}

func (mz *Memoize) removeEntry(hash uint64, victim *memoEntry) {
	bucket := mz._tab[hash]
	for i, entry := range bucket {
		if entry == victim {
			mz._tab[hash] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(mz._tab[hash]) == 0 {
		delete(mz._tab, hash)
	}
	mz._lru.Remove(victim.lruNode)
	mz._memUsed -= victim.memBytes
}

func (mz *Memoize) entryHash(entry *memoEntry) uint64 {
	if mz._binaryMode {
		return chunk.HashMinimal(chunk.MinimalTuple(entry.keyBytes))
	}
	cols := make([]int, len(entry.keyRow))
	for i := range cols {
		cols[i] = i
	}
	return chunk.HashRow(entry.keyRow, cols)
}

// reduceMemory evicts whole entries from the LRU head until the budget
// is met. it refuses to evict specialkey and reports failure instead,
// which the caller turns into bypass mode.
func (mz *Memoize) reduceMemory(specialkey *memoEntry) bool {
	for mz._memUsed > mz._memLimit {
		node := mz._lru.FrontNode()
		if node == nil {
			return mz._memUsed <= mz._memLimit
		}
		victim := node.Value
		if victim == specialkey {
			return false
		}
		mz.removeEntry(mz.entryHash(victim), victim)
		mz._stats.Evictions++
	}
	return true
}

// purgeAll drops the whole cache. used when a rescan changed params
// outside the key set, so every cached tuple may be stale.
func (mz *Memoize) purgeAll() {
	mz._tab = map[uint64][]*memoEntry{}
	mz._lru = bidlist.New[*memoEntry]()
	mz._memUsed = 0
	mz._entry = nil
}

func (mz *Memoize) entryPurgeTuples(entry *memoEntry) {
	freed := int64(0)
	for _, row := range entry.tuples {
		freed += memoTupleOverhead + chunk.RowMemSize(row)
	}
	entry.tuples = nil
	entry.complete = false
	entry.memBytes -= freed
	mz._memUsed -= freed
}

// storeTuple appends one result tuple to the entry being filled.
// returns false when the budget cannot be met without evicting the
// entry itself.
func (mz *Memoize) storeTuple(entry *memoEntry, row chunk.Row) bool {
	sz := memoTupleOverhead + chunk.RowMemSize(row)
	entry.tuples = append(entry.tuples, chunk.CloneRow(row))
	entry.memBytes += sz
	mz._memUsed += sz
	if mz._memUsed > mz._memLimit {
		return mz.reduceMemory(entry)
	}
	return true
}

func (mz *Memoize) Next(output *chunk.Slot) (OperatorResult, error) {
	if err := mz._state.CheckInterrupt(); err != nil {
		return InvalidOpResult, err
	}
	switch mz._status {
	case memoCacheLookup:
		return mz.lookup(output)
	case memoFetchNextTuple:
		if mz._readPos < len(mz._entry.tuples) {
			output.StoreRow(mz._entry.tuples[mz._readPos])
			mz._readPos++
			return haveMoreOutput, nil
		}
		mz._status = memoEndOfScan
		return Done, nil
	case memoFillingCache:
		return mz.filling(output)
	case memoBypassMode:
		res, err := mz._child.Next(output)
		if err != nil {
			return InvalidOpResult, err
		}
		if res == Done {
			mz._status = memoEndOfScan
			return Done, nil
		}
		return haveMoreOutput, nil
	case memoEndOfScan:
		return Done, nil
	default:
		panic("usp")
	}
}

func (mz *Memoize) lookup(output *chunk.Slot) (OperatorResult, error) {
	hash, keyBytes := mz.probeKey()
	entry := mz.findEntry(hash, keyBytes)
	if entry != nil {
		if entry.complete {
			mz._stats.Hits++
			mz._lru.MoveToBack(entry.lruNode)
			mz._entry = entry
			mz._readPos = 0
			if len(entry.tuples) == 0 {
				mz._status = memoEndOfScan
				return Done, nil
			}
			mz._status = memoFetchNextTuple
			output.StoreRow(entry.tuples[0])
			mz._readPos = 1
			return haveMoreOutput, nil
		}
		// a previous scan abandoned this entry mid-fill; its tuple
		// list is unusable
		mz.entryPurgeTuples(entry)
		mz._lru.MoveToBack(entry.lruNode)
	} else {
		entry = &memoEntry{
			keyBytes: keyBytes,
			keyRow:   chunk.CloneRow(mz._probeRow),
		}
		entry.memBytes = memoEntryOverhead + int64(len(keyBytes)) + chunk.RowMemSize(entry.keyRow)
		mz._tab[hash] = append(mz._tab[hash], entry)
		mz._lru.PushBack(entry)
		entry.lruNode = mz._lru.BackNode()
		mz._memUsed += entry.memBytes
		if mz._memUsed > mz._memLimit && !mz.reduceMemory(entry) {
			mz.removeEntry(hash, entry)
			mz._stats.Overflows++
			mz._status = memoBypassMode
			return mz.Next(output)
		}
	}
	mz._stats.Misses++
	mz._entry = entry

	res, err := mz._child.Next(mz._childSlot)
	if err != nil {
		return InvalidOpResult, err
	}
	if res == Done {
		entry.complete = true
		mz._status = memoEndOfScan
		return Done, nil
	}
	if !mz.storeTuple(entry, mz._childSlot.Row()) {
		mz.abandonEntry(hash, entry)
		output.CopyFrom(mz._childSlot)
		return haveMoreOutput, nil
	}
	if mz._singleRow {
		entry.complete = true
	}
	mz._status = memoFillingCache
	output.CopyFrom(mz._childSlot)
	return haveMoreOutput, nil
}

func (mz *Memoize) filling(output *chunk.Slot) (OperatorResult, error) {
	entry := mz._entry
	res, err := mz._child.Next(mz._childSlot)
	if err != nil {
		return InvalidOpResult, err
	}
	if res == Done {
		entry.complete = true
		mz._status = memoEndOfScan
		return Done, nil
	}
	if !mz.storeTuple(entry, mz._childSlot.Row()) {
		mz.abandonEntry(mz.entryHash(entry), entry)
		output.CopyFrom(mz._childSlot)
		return haveMoreOutput, nil
	}
	if mz._singleRow {
		entry.complete = true
	}
	output.CopyFrom(mz._childSlot)
	return haveMoreOutput, nil
}

// abandonEntry releases the in-progress entry and makes bypass sticky
// for the rest of the scan.
func (mz *Memoize) abandonEntry(hash uint64, entry *memoEntry) {
	mz.removeEntry(hash, entry)
	mz._entry = nil
	mz._stats.Overflows++
	mz._status = memoBypassMode
}

// Rescan restarts the scan for the current parameter values. a change
// to any param outside the key set invalidates everything cached.
func (mz *Memoize) Rescan() error {
	if mz._state.ChgParamOutside(mz._paramIds) {
		mz.purgeAll()
	}
	mz._status = memoCacheLookup
	mz._entry = nil
	mz._readPos = 0
	return mz._child.Rescan()
}

func (mz *Memoize) Close() error {
	mz.purgeAll()
	return mz._child.Close()
}
