package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/warninglights/wire"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed ONNX model")

// Marshal encodes m in the ONNX protobuf wire format.
func Marshal(m *ModelProto) []byte {
	var b []byte
	if m.IRVersion != 0 {
		b = wire.AppendInt(b, 1, m.IRVersion)
	}
	if m.ProducerName != "" {
		b = wire.AppendString(b, 2, m.ProducerName)
	}
	if m.ProducerVersion != "" {
		b = wire.AppendString(b, 3, m.ProducerVersion)
	}
	if m.Domain != "" {
		b = wire.AppendString(b, 4, m.Domain)
	}
	if m.ModelVersion != 0 {
		b = wire.AppendInt(b, 5, m.ModelVersion)
	}
	if m.DocString != "" {
		b = wire.AppendString(b, 6, m.DocString)
	}
	if m.Graph != nil {
		b = wire.AppendMessage(b, 7, marshalGraph(m.Graph))
	}
	for _, o := range m.OpsetImport {
		var ob []byte
		ob = wire.AppendString(ob, 1, o.Domain)
		ob = wire.AppendInt(ob, 2, o.Version)
		b = wire.AppendMessage(b, 8, ob)
	}
	for _, p := range m.MetadataProps {
		var pb []byte
		pb = wire.AppendString(pb, 1, p.Key)
		pb = wire.AppendString(pb, 2, p.Value)
		b = wire.AppendMessage(b, 14, pb)
	}
	return b
}

func marshalGraph(g *GraphProto) []byte {
	var b []byte
	for _, n := range g.Node {
		b = wire.AppendMessage(b, 1, marshalNode(n))
	}
	if g.Name != "" {
		b = wire.AppendString(b, 2, g.Name)
	}
	for _, t := range g.Initializer {
		b = wire.AppendMessage(b, 5, marshalTensor(t))
	}
	for _, v := range g.Input {
		b = wire.AppendMessage(b, 11, marshalValueInfo(v))
	}
	for _, v := range g.Output {
		b = wire.AppendMessage(b, 12, marshalValueInfo(v))
	}
	return b
}

func marshalNode(n *NodeProto) []byte {
	var b []byte
	for _, in := range n.Input {
		b = wire.AppendString(b, 1, in)
	}
	for _, out := range n.Output {
		b = wire.AppendString(b, 2, out)
	}
	if n.Name != "" {
		b = wire.AppendString(b, 3, n.Name)
	}
	b = wire.AppendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = wire.AppendMessage(b, 5, marshalAttribute(a))
	}
	if n.Domain != "" {
		b = wire.AppendString(b, 7, n.Domain)
	}
	return b
}

func marshalAttribute(a *AttributeProto) []byte {
	var b []byte
	b = wire.AppendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = wire.AppendFloat32(b, 2, a.F)
	case AttributeInt:
		b = wire.AppendInt(b, 3, a.I)
	case AttributeString:
		b = wire.AppendMessage(b, 4, a.S)
	case AttributeFloats:
		b = wire.AppendFloat32s(b, 7, a.Floats)
	case AttributeInts:
		b = wire.AppendInt64s(b, 8, a.Ints)
	}
	return wire.AppendInt(b, 20, int64(a.Type))
}

func marshalTensor(t *TensorProto) []byte {
	var b []byte
	b = wire.AppendInt64s(b, 1, t.Dims)
	b = wire.AppendInt(b, 2, int64(t.DataType))
	if t.Name != "" {
		b = wire.AppendString(b, 8, t.Name)
	}
	raw := make([]byte, 4*len(t.FloatData))
	for i, v := range t.FloatData {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return wire.AppendMessage(b, 9, raw)
}

func marshalValueInfo(v *ValueInfoProto) []byte {
	var shape []byte
	for _, d := range v.Shape {
		var db []byte
		if d.Param != "" {
			db = wire.AppendString(db, 2, d.Param)
		} else {
			db = wire.AppendInt(db, 1, d.Value)
		}
		shape = wire.AppendMessage(shape, 1, db)
	}
	var tt []byte
	tt = wire.AppendInt(tt, 1, int64(v.ElemType))
	tt = wire.AppendMessage(tt, 2, shape)

	var b []byte
	b = wire.AppendString(b, 1, v.Name)
	return wire.AppendMessage(b, 2, wire.AppendMessage(nil, 1, tt))
}

// Unmarshal decodes an ONNX model. Fields outside the supported subset are skipped.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := wire.Walk(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			m.IRVersion, err = f.Int()
		case 2:
			m.ProducerName, err = f.Text()
		case 3:
			m.ProducerVersion, err = f.Text()
		case 4:
			m.Domain, err = f.Text()
		case 5:
			m.ModelVersion, err = f.Int()
		case 6:
			m.DocString, err = f.Text()
		case 7:
			var b []byte
			if b, err = f.Bytes(); err == nil {
				m.Graph, err = unmarshalGraph(b)
			}
		case 8:
			var b []byte
			if b, err = f.Bytes(); err == nil {
				var o OperatorSetIdProto
				err = wire.Walk(b, func(f wire.Field) error {
					switch f.Num {
					case 1:
						var err error
						o.Domain, err = f.Text()
						return err
					case 2:
						var err error
						o.Version, err = f.Int()
						return err
					}
					return nil
				})
				m.OpsetImport = append(m.OpsetImport, o)
			}
		case 14:
			var b []byte
			if b, err = f.Bytes(); err == nil {
				var p StringStringEntryProto
				err = wire.Walk(b, func(f wire.Field) error {
					var err error
					switch f.Num {
					case 1:
						p.Key, err = f.Text()
					case 2:
						p.Value, err = f.Text()
					}
					return err
				})
				m.MetadataProps = append(m.MetadataProps, p)
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%v", err)
	}
	return m, nil
}

func unmarshalGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num == 2 {
			var err error
			g.Name, err = f.Text()
			return err
		}
		if f.Num != 1 && f.Num != 5 && f.Num != 11 && f.Num != 12 {
			return nil
		}
		b, err := f.Bytes()
		if err != nil {
			return err
		}
		switch f.Num {
		case 1:
			n, err := unmarshalNode(b)
			if err != nil {
				return err
			}
			g.Node = append(g.Node, n)
		case 5:
			t, err := unmarshalTensor(b)
			if err != nil {
				return err
			}
			g.Initializer = append(g.Initializer, t)
		case 11, 12:
			v, err := unmarshalValueInfo(b)
			if err != nil {
				return err
			}
			if f.Num == 11 {
				g.Input = append(g.Input, v)
			} else {
				g.Output = append(g.Output, v)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(data []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := wire.Walk(data, func(f wire.Field) error {
		var err error
		var s string
		switch f.Num {
		case 1:
			if s, err = f.Text(); err == nil {
				n.Input = append(n.Input, s)
			}
		case 2:
			if s, err = f.Text(); err == nil {
				n.Output = append(n.Output, s)
			}
		case 3:
			n.Name, err = f.Text()
		case 4:
			n.OpType, err = f.Text()
		case 5:
			var b []byte
			if b, err = f.Bytes(); err == nil {
				var a *AttributeProto
				if a, err = unmarshalAttribute(b); err == nil {
					n.Attribute = append(n.Attribute, a)
				}
			}
		case 7:
			n.Domain, err = f.Text()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Name, err)
	}
	return n, nil
}

func unmarshalAttribute(data []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := wire.Walk(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			a.Name, err = f.Text()
		case 2:
			a.F, err = f.Float32()
		case 3:
			a.I, err = f.Int()
		case 4:
			var b []byte
			if b, err = f.Bytes(); err == nil {
				a.S = append([]byte(nil), b...)
			}
		case 7:
			a.Floats, err = f.Float32s(a.Floats)
		case 8:
			a.Ints, err = f.Int64s(a.Ints)
		case 20:
			var v int64
			v, err = f.Int()
			a.Type = AttributeType(v)
		}
		return err
	})
	return a, err
}

func unmarshalTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	var raw []byte
	err := wire.Walk(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			t.Dims, err = f.Int64s(t.Dims)
		case 2:
			var v int64
			v, err = f.Int()
			t.DataType = int32(v)
		case 4:
			t.FloatData, err = f.Float32s(t.FloatData)
		case 8:
			t.Name, err = f.Text()
		case 9:
			raw, err = f.Bytes()
		case 13, 14:
			return fmt.Errorf("externally stored data is not supported")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializer %s: %w", t.Name, err)
	}
	if raw != nil {
		if t.DataType != DataTypeFloat || len(raw)%4 != 0 {
			return nil, fmt.Errorf("initializer %s: %d raw bytes of data type %d", t.Name, len(raw), t.DataType)
		}
		t.FloatData = make([]float32, len(raw)/4)
		for i := range t.FloatData {
			t.FloatData[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return t, nil
}

func unmarshalValueInfo(data []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			var err error
			v.Name, err = f.Text()
			return err
		case 2:
			typ, err := f.Bytes()
			if err != nil {
				return err
			}
			return nested(typ, 1, func(tt []byte) error {
				return wire.Walk(tt, func(f wire.Field) error {
					switch f.Num {
					case 1:
						e, err := f.Int()
						v.ElemType = int32(e)
						return err
					case 2:
						shape, err := f.Bytes()
						if err != nil {
							return err
						}
						return nested(shape, 1, func(db []byte) error {
							var d Dimension
							err := wire.Walk(db, func(f wire.Field) error {
								var err error
								switch f.Num {
								case 1:
									d.Value, err = f.Int()
								case 2:
									d.Param, err = f.Text()
								}
								return err
							})
							v.Shape = append(v.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("value %s: %w", v.Name, err)
	}
	return v, nil
}

// nested calls fn with the payload of every length-delimited field num of msg.
func nested(msg []byte, num protowire.Number, fn func([]byte) error) error {
	return wire.Walk(msg, func(f wire.Field) error {
		if f.Num != num {
			return nil
		}
		b, err := f.Bytes()
		if err != nil {
			return err
		}
		return fn(b)
	})
}

// ReadFile loads and decodes an ONNX file.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return m, nil
}

// WriteFile encodes m into path.
func WriteFile(path string, m *ModelProto) error {
	return errors.Wrapf(os.WriteFile(path, Marshal(m), 0o644), "writing %s", path)
}
