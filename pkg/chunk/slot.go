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

package chunk

import (
	"github.com/daviszhen/vexec/pkg/util"
)

// Descriptor fixes the ordered attribute types of a tuple stream.
type Descriptor struct {
	Types []TypeId
}

func NewDescriptor(types ...TypeId) *Descriptor {
	return &Descriptor{Types: types}
}

func (desc *Descriptor) AttrCount() int {
	return len(desc.Types)
}

func (desc *Descriptor) Equal(other *Descriptor) bool {
	if len(desc.Types) != len(other.Types) {
		return false
	}
	for i, t := range desc.Types {
		if other.Types[i] != t {
			return false
		}
	}
	return true
}

// Slot holds zero or one tuple. slots are created once per operator
// and reused. storing into a slot invalidates prior borrows of its row.
type Slot struct {
	_desc  *Descriptor
	_vals  Row
	_empty bool
}

func NewSlot(desc *Descriptor) *Slot {
	return &Slot{
		_desc:  desc,
		_vals:  make(Row, desc.AttrCount()),
		_empty: true,
	}
}

func (slot *Slot) Desc() *Descriptor {
	return slot._desc
}

func (slot *Slot) IsEmpty() bool {
	return slot._empty
}

func (slot *Slot) Clear() {
	slot._empty = true
}

// StoreRow copies the row into the slot.
func (slot *Slot) StoreRow(row Row) {
	util.AssertFunc(len(row) == slot._desc.AttrCount())
	copy(slot._vals, row)
	slot._empty = false
}

// StoreMinimal decodes the minimal tuple into the slot.
func (slot *Slot) StoreMinimal(mt MinimalTuple) error {
	err := DecodeMinimal(slot._desc, mt, slot._vals)
	if err != nil {
		return err
	}
	slot._empty = false
	return nil
}

func (slot *Slot) CopyFrom(other *Slot) {
	util.AssertFunc(!other.IsEmpty())
	copy(slot._vals, other._vals)
	slot._empty = false
}

func (slot *Slot) GetAttr(i int) (Value, bool) {
	util.AssertFunc(!slot.IsEmpty())
	v := slot._vals[i]
	return v, v.IsNull
}

// Row borrows the slot's values. valid until the next store.
func (slot *Slot) Row() Row {
	util.AssertFunc(!slot.IsEmpty())
	return slot._vals
}

func (slot *Slot) Minimal() MinimalTuple {
	util.AssertFunc(!slot.IsEmpty())
	return EncodeMinimal(slot._desc, slot._vals)
}
