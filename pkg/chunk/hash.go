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
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	dec "github.com/govalues/decimal"
)

// HashMinimal hashes the canonical byte form. rows that encode to the
// same bytes hash the same, which is what binary key mode needs.
func HashMinimal(mt MinimalTuple) uint64 {
	return xxhash.Sum64(mt)
}

// HashRow hashes the datums in key column order under type-specific
// equality: decimals are trimmed so 1.0 and 1.00 collide, NULLs hash
// to a fixed sentinel.
func HashRow(row Row, cols []int) uint64 {
	var d xxhash.Digest
	d.Reset()
	var scratch [8]byte
	for _, col := range cols {
		v := row[col]
		if v.IsNull {
			_, _ = d.Write([]byte{0xff})
			continue
		}
		_, _ = d.Write([]byte{byte(v.Typ)})
		switch v.Typ {
		case BOOL:
			if v.Bool {
				_, _ = d.Write([]byte{1})
			} else {
				_, _ = d.Write([]byte{0})
			}
		case INT32:
			binary.LittleEndian.PutUint32(scratch[:4], uint32(v.I32))
			_, _ = d.Write(scratch[:4])
		case INT64:
			binary.LittleEndian.PutUint64(scratch[:], uint64(v.I64))
			_, _ = d.Write(scratch[:])
		case FLOAT64:
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v.F64))
			_, _ = d.Write(scratch[:])
		case VARCHAR:
			_, _ = d.WriteString(v.Str)
		case DECIMAL:
			_, _ = d.WriteString(canonDecimal(v.Dec))
		default:
			panic("usp")
		}
	}
	return d.Sum64()
}

func canonDecimal(v dec.Decimal) string {
	return v.Trim(0).String()
}

// RowsEqual compares the key columns of two rows with NULL equal to
// NULL. this is the semantic equality that pairs with HashRow.
func RowsEqual(a, b Row, cols []int) bool {
	for _, col := range cols {
		av, bv := a[col], b[col]
		if av.IsNull || bv.IsNull {
			if av.IsNull != bv.IsNull {
				return false
			}
			continue
		}
		if CompareValue(av, bv) != 0 {
			return false
		}
	}
	return true
}
