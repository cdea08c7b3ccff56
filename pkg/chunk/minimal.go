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
	"fmt"
	"math"

	dec "github.com/govalues/decimal"
)

// MinimalTuple is the compact serialization of one tuple. it is the
// canonical on-wire form between workers and the canonical form for
// binary key comparison: equal rows encode to equal bytes.
//
// layout: null bitmap ((nattrs+7)/8 bytes) followed by the non-null
// attribute datums. fixed-width datums are little endian; varlen
// datums carry a uint32 length prefix.
type MinimalTuple []byte

func EncodeMinimal(desc *Descriptor, row Row) MinimalTuple {
	nattrs := desc.AttrCount()
	bitmapLen := (nattrs + 7) / 8
	buf := make([]byte, bitmapLen, bitmapLen+16*nattrs)
	for i := 0; i < nattrs; i++ {
		v := row[i]
		if v.IsNull {
			buf[i/8] |= 1 << (i % 8)
			continue
		}
		switch desc.Types[i] {
		case BOOL:
			b := byte(0)
			if v.Bool {
				b = 1
			}
			buf = append(buf, b)
		case INT32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v.I32))
		case INT64:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.I64))
		case FLOAT64:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
		case VARCHAR:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Str)))
			buf = append(buf, v.Str...)
		case DECIMAL:
			s := v.Dec.String()
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		default:
			panic("usp")
		}
	}
	return buf
}

// DecodeMinimal fills out with the datums encoded in mt. out must have
// the descriptor's attribute count.
func DecodeMinimal(desc *Descriptor, mt MinimalTuple, out Row) error {
	nattrs := desc.AttrCount()
	bitmapLen := (nattrs + 7) / 8
	if len(mt) < bitmapLen {
		return fmt.Errorf("minimal tuple too short: %d bytes", len(mt))
	}
	pos := bitmapLen
	for i := 0; i < nattrs; i++ {
		typ := desc.Types[i]
		if mt[i/8]&(1<<(i%8)) != 0 {
			out[i] = NullVal(typ)
			continue
		}
		switch typ {
		case BOOL:
			if pos+1 > len(mt) {
				return errTupleTruncated(i)
			}
			out[i] = BoolVal(mt[pos] != 0)
			pos++
		case INT32:
			if pos+4 > len(mt) {
				return errTupleTruncated(i)
			}
			out[i] = I32Val(int32(binary.LittleEndian.Uint32(mt[pos:])))
			pos += 4
		case INT64:
			if pos+8 > len(mt) {
				return errTupleTruncated(i)
			}
			out[i] = I64Val(int64(binary.LittleEndian.Uint64(mt[pos:])))
			pos += 8
		case FLOAT64:
			if pos+8 > len(mt) {
				return errTupleTruncated(i)
			}
			out[i] = F64Val(math.Float64frombits(binary.LittleEndian.Uint64(mt[pos:])))
			pos += 8
		case VARCHAR:
			s, next, err := decodeVarlen(mt, pos, i)
			if err != nil {
				return err
			}
			out[i] = StrVal(s)
			pos = next
		case DECIMAL:
			s, next, err := decodeVarlen(mt, pos, i)
			if err != nil {
				return err
			}
			d, err := dec.Parse(s)
			if err != nil {
				return fmt.Errorf("bad decimal datum at attr %d: %w", i, err)
			}
			out[i] = DecVal(d)
			pos = next
		default:
			panic("usp")
		}
	}
	if pos != len(mt) {
		return fmt.Errorf("minimal tuple has %d trailing bytes", len(mt)-pos)
	}
	return nil
}

func decodeVarlen(mt MinimalTuple, pos, attr int) (string, int, error) {
	if pos+4 > len(mt) {
		return "", 0, errTupleTruncated(attr)
	}
	l := int(binary.LittleEndian.Uint32(mt[pos:]))
	pos += 4
	if pos+l > len(mt) {
		return "", 0, errTupleTruncated(attr)
	}
	return string(mt[pos : pos+l]), pos + l, nil
}

func errTupleTruncated(attr int) error {
	return fmt.Errorf("minimal tuple truncated at attr %d", attr)
}
