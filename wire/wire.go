// Package wire holds the protobuf wire-format helpers shared by the checkpoint record and the ONNX
// model encoder. Messages are built by appending fields and read back with Walk; there are no
// generated types.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded field. Scalar values are kept raw until an accessor interprets them.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	v    uint64
	b    []byte
}

// Walk calls fn for every field of the message in b, in encoding order. Groups are skipped.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.StartGroupType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) expect(typ protowire.Type) error {
	if f.Type != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.Num, f.Type, typ)
	}
	return nil
}

func (f Field) Uint() (uint64, error) {
	return f.v, f.expect(protowire.VarintType)
}

// Int reads a two's complement int64 varint.
func (f Field) Int() (int64, error) {
	return int64(f.v), f.expect(protowire.VarintType)
}

func (f Field) Bool() (bool, error) {
	return f.v != 0, f.expect(protowire.VarintType)
}

func (f Field) Float32() (float32, error) {
	return math.Float32frombits(uint32(f.v)), f.expect(protowire.Fixed32Type)
}

func (f Field) Float64() (float64, error) {
	return math.Float64frombits(f.v), f.expect(protowire.Fixed64Type)
}

// Bytes returns the payload of a length-delimited field. It aliases the input buffer.
func (f Field) Bytes() ([]byte, error) {
	return f.b, f.expect(protowire.BytesType)
}

func (f Field) Text() (string, error) {
	return string(f.b), f.expect(protowire.BytesType)
}

// Float32s appends a repeated float field, accepting both packed and unpacked encodings.
func (f Field) Float32s(dst []float32) ([]float32, error) {
	switch f.Type {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.v))), nil
	case protowire.BytesType:
		if len(f.b)%4 != 0 {
			return dst, fmt.Errorf("field %d: packed floats of %d bytes", f.Num, len(f.b))
		}
		for b := f.b; len(b) > 0; b = b[4:] {
			v, _ := protowire.ConsumeFixed32(b)
			dst = append(dst, math.Float32frombits(v))
		}
		return dst, nil
	}
	return dst, f.expect(protowire.Fixed32Type)
}

// Int64s appends a repeated int64 field, accepting both packed and unpacked encodings.
func (f Field) Int64s(dst []int64) ([]int64, error) {
	switch f.Type {
	case protowire.VarintType:
		return append(dst, int64(f.v)), nil
	case protowire.BytesType:
		for b := f.b; len(b) > 0; {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst, fmt.Errorf("field %d: %w", f.Num, protowire.ParseError(n))
			}
			dst = append(dst, int64(v))
			b = b[n:]
		}
		return dst, nil
	}
	return dst, f.expect(protowire.VarintType)
}

func AppendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	return AppendUint(b, num, uint64(v))
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendUint(b, num, protowire.EncodeBool(v))
}

func AppendFloat32(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func AppendFloat64(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendMessage appends an embedded message (or any bytes payload).
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// AppendPackedFloat32s appends vs as one packed field. Nothing is written for an empty slice.
func AppendPackedFloat32s(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

// AppendPackedInt64s appends vs as one packed field. Nothing is written for an empty slice.
func AppendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	size := 0
	for _, v := range vs {
		size += protowire.SizeVarint(uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	for _, v := range vs {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

// AppendInt64s appends vs unpacked, one tag per element.
func AppendInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	for _, v := range vs {
		b = AppendInt(b, num, v)
	}
	return b
}

// AppendFloat32s appends vs unpacked, one tag per element.
func AppendFloat32s(b []byte, num protowire.Number, vs []float32) []byte {
	for _, v := range vs {
		b = AppendFloat32(b, num, v)
	}
	return b
}
