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

// SortKey is one ordering column.
type SortKey struct {
	ColIdx     int
	Desc       bool
	NullsFirst bool
}

// SortSpec is an ordering over some columns, with the first Presorted
// keys already satisfied by the input stream.
type SortSpec struct {
	Keys      []SortKey
	Presorted int
}

func NewSortSpec(keys ...SortKey) *SortSpec {
	return &SortSpec{Keys: keys}
}

// Compare orders a before b when the result is negative. NULL placement
// follows each key's NullsFirst flag.
func (spec *SortSpec) Compare(a, b Row) int {
	for _, key := range spec.Keys {
		c := compareKey(key, a[key.ColIdx], b[key.ColIdx])
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareKey(key SortKey, av, bv Value) int {
	if av.IsNull || bv.IsNull {
		if av.IsNull && bv.IsNull {
			return 0
		}
		if av.IsNull {
			if key.NullsFirst {
				return -1
			}
			return 1
		}
		if key.NullsFirst {
			return 1
		}
		return -1
	}
	c := CompareValue(av, bv)
	if key.Desc {
		return -c
	}
	return c
}

// PrefixEqual reports whether a and b agree on the presorted key
// columns. it compares the last presorted key first since consecutive
// rows most often differ there.
func (spec *SortSpec) PrefixEqual(a, b Row) bool {
	for i := spec.Presorted - 1; i >= 0; i-- {
		key := spec.Keys[i]
		if compareKey(key, a[key.ColIdx], b[key.ColIdx]) != 0 {
			return false
		}
	}
	return true
}

// SuffixSpec is the ordering restricted to the non-presorted keys.
func (spec *SortSpec) SuffixSpec() *SortSpec {
	return &SortSpec{Keys: spec.Keys[spec.Presorted:]}
}

// FullSpec is the same ordering with no key treated as presorted.
func (spec *SortSpec) FullSpec() *SortSpec {
	return &SortSpec{Keys: spec.Keys}
}
