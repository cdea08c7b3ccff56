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
	"fmt"
	"strings"

	dec "github.com/govalues/decimal"
)

type TypeId uint8

const (
	BOOL TypeId = iota
	INT32
	INT64
	FLOAT64
	VARCHAR
	DECIMAL
)

func (id TypeId) String() string {
	switch id {
	case BOOL:
		return "bool"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	case FLOAT64:
		return "float64"
	case VARCHAR:
		return "varchar"
	case DECIMAL:
		return "decimal"
	default:
		panic("usp")
	}
}

// Value is one datum plus its NULL flag.
type Value struct {
	Typ    TypeId
	IsNull bool
	Bool   bool
	I32    int32
	I64    int64
	F64    float64
	Str    string
	Dec    dec.Decimal
}

func BoolVal(v bool) Value {
	return Value{Typ: BOOL, Bool: v}
}

func I32Val(v int32) Value {
	return Value{Typ: INT32, I32: v}
}

func I64Val(v int64) Value {
	return Value{Typ: INT64, I64: v}
}

func F64Val(v float64) Value {
	return Value{Typ: FLOAT64, F64: v}
}

func StrVal(v string) Value {
	return Value{Typ: VARCHAR, Str: v}
}

func DecVal(v dec.Decimal) Value {
	return Value{Typ: DECIMAL, Dec: v}
}

func NullVal(typ TypeId) Value {
	return Value{Typ: typ, IsNull: true}
}

func (v Value) String() string {
	if v.IsNull {
		return "NULL"
	}
	switch v.Typ {
	case BOOL:
		return fmt.Sprintf("%v", v.Bool)
	case INT32:
		return fmt.Sprintf("%d", v.I32)
	case INT64:
		return fmt.Sprintf("%d", v.I64)
	case FLOAT64:
		return fmt.Sprintf("%g", v.F64)
	case VARCHAR:
		return v.Str
	case DECIMAL:
		return v.Dec.String()
	default:
		panic("usp")
	}
}

// CompareValue compares two non-null datums of the same type.
// NULL ordering belongs to the sort key layer.
func CompareValue(a, b Value) int {
	AssertSameType(a, b)
	switch a.Typ {
	case BOOL:
		return cmpBool(a.Bool, b.Bool)
	case INT32:
		return cmpOrdered(a.I32, b.I32)
	case INT64:
		return cmpOrdered(a.I64, b.I64)
	case FLOAT64:
		return cmpOrdered(a.F64, b.F64)
	case VARCHAR:
		return strings.Compare(a.Str, b.Str)
	case DECIMAL:
		return a.Dec.Cmp(b.Dec)
	default:
		panic("usp")
	}
}

func AssertSameType(a, b Value) {
	if a.Typ != b.Typ {
		panic(fmt.Sprintf("type mismatch: %s vs %s", a.Typ, b.Typ))
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func cmpOrdered[T int32 | int64 | float64](a, b T) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// Row is one tuple worth of values.
type Row []Value

func CloneRow(r Row) Row {
	dst := make(Row, len(r))
	copy(dst, r)
	return dst
}

// RowMemSize approximates the bytes a row occupies in memory.
func RowMemSize(r Row) int64 {
	sz := int64(48)
	for _, v := range r {
		sz += 56
		sz += int64(len(v.Str))
	}
	return sz
}
