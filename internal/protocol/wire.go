package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded tag/value pair. Scalars land in u, length-delimited
// values in b (aliasing the input).
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

// eachField walks a message, skipping nothing: unknown fields are passed to fn
// like any other and it simply ignores them.
func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("bad tag", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(fmt.Sprintf("bad value for field %d", num), protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) mismatch() error {
	return malformed(fmt.Sprintf("field %d has unexpected wire type %d", f.num, f.typ), nil)
}

func (f field) uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.mismatch()
	}
	return f.u, nil
}

func (f field) uint32() (uint32, error) {
	v, err := f.uint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, malformed(fmt.Sprintf("field %d overflows uint32", f.num), nil)
	}
	return uint32(v), nil
}

func (f field) bool() (bool, error) {
	v, err := f.uint()
	return v != 0, err
}

func (f field) double() (float64, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, f.mismatch()
	}
	return math.Float64frombits(f.u), nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, f.mismatch()
	}
	return f.b, nil
}

func (f field) str() (string, error) {
	b, err := f.bytes()
	return string(b), err
}

// appendUint32s appends a repeated uint32 field. It accepts both packed and
// unpacked encodings when reading, so either form on the wire is fine.
func (f field) appendUint32s(dst []uint32) ([]uint32, error) {
	switch f.typ {
	case protowire.VarintType:
		v, err := f.uint32()
		if err != nil {
			return dst, err
		}
		return append(dst, v), nil
	case protowire.BytesType:
		b := f.b
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst, malformed(fmt.Sprintf("bad packed field %d", f.num), protowire.ParseError(n))
			}
			if v > math.MaxUint32 {
				return dst, malformed(fmt.Sprintf("field %d overflows uint32", f.num), nil)
			}
			dst = append(dst, uint32(v))
			b = b[n:]
		}
		return dst, nil
	default:
		return dst, f.mismatch()
	}
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendBytesField always emits the field, even when empty, since presence
// carries meaning for oneof members.
func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPackedField(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytesField(b, num, packed)
}
