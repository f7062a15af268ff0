// Package onnx reads, writes, checks and evaluates the subset of ONNX used by exported
// warning-light classifiers. The message types mirror onnx.proto field for field where they are
// kept; everything else in the schema is skipped on decode and never written.
package onnx

import (
	"fmt"

	"github.com/tsawler/warninglights/tensor"
)

// Tensor element types (TensorProto.DataType).
const (
	DataTypeFloat int32 = 1
	DataTypeInt64 int32 = 7
)

// AttributeType is AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat   AttributeType = 1
	AttributeInt     AttributeType = 2
	AttributeString  AttributeType = 3
	AttributeFloats  AttributeType = 6
	AttributeInts    AttributeType = 7
	attributeUnknown AttributeType = 0
)

func (t AttributeType) String() string {
	switch t {
	case AttributeFloat:
		return "FLOAT"
	case AttributeInt:
		return "INT"
	case AttributeString:
		return "STRING"
	case AttributeFloats:
		return "FLOATS"
	case AttributeInts:
		return "INTS"
	default:
		return fmt.Sprintf("AttributeType(%d)", int32(t))
	}
}

// MinOpset and MaxOpset bound the default-domain opsets this package writes and evaluates.
const (
	MinOpset = 9
	MaxOpset = 18
)

// IRVersionFor returns the IR version that introduced opset.
func IRVersionFor(opset int64) int64 {
	switch {
	case opset <= 9:
		return 4
	case opset == 10:
		return 5
	case opset == 11:
		return 6
	case opset <= 14:
		return 7
	default:
		return 8
	}
}

type ModelProto struct {
	IRVersion       int64
	OpsetImport     []OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []StringStringEntryProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type StringStringEntryProto struct {
	Key, Value string
}

// Opset returns the version imported for the default domain, or 0.
func (m *ModelProto) Opset() int64 {
	for _, o := range m.OpsetImport {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

// Metadata looks up a metadata property.
func (m *ModelProto) Metadata(key string) (string, bool) {
	for _, p := range m.MetadataProps {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Name      string
	OpType    string
	Domain    string
	Input     []string
	Output    []string
	Attribute []*AttributeProto
}

// Attr returns the named attribute or nil.
func (n *NodeProto) Attr(name string) *AttributeProto {
	for _, a := range n.Attribute {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (n *NodeProto) AttrInt(name string, def int64) int64 {
	if a := n.Attr(name); a != nil {
		return a.I
	}
	return def
}

func (n *NodeProto) AttrFloat(name string, def float32) float32 {
	if a := n.Attr(name); a != nil {
		return a.F
	}
	return def
}

func (n *NodeProto) AttrInts(name string) []int64 {
	if a := n.Attr(name); a != nil {
		return a.Ints
	}
	return nil
}

type AttributeProto struct {
	Name   string
	Type   AttributeType
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

func IntAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: v}
}

func IntsAttr(name string, vs ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: vs}
}

func FloatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: v}
}

// TensorProto is a float initializer. Data is written as raw little-endian bytes.
type TensorProto struct {
	Name      string
	Dims      []int64
	DataType  int32
	FloatData []float32
}

// NewTensorProto copies data into a float initializer of the given shape.
func NewTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	return &TensorProto{
		Name:      name,
		DataType:  DataTypeFloat,
		Dims:      dims,
		FloatData: append([]float32(nil), data...),
	}
}

// NumElements is the product of Dims (1 for a scalar).
func (t *TensorProto) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Tensor converts the initializer for evaluation. The data is shared.
func (t *TensorProto) Tensor() (*tensor.Tensor, error) {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	x, err := tensor.FromSlice(shape, t.FloatData)
	if err != nil {
		return nil, fmt.Errorf("initializer %s: %w", t.Name, err)
	}
	return x, nil
}

// Dimension is one axis of a ValueInfoProto shape: a fixed size, or a symbolic name when Param is set.
type Dimension struct {
	Value int64
	Param string
}

// ValueInfoProto describes a graph input or output tensor.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []Dimension
}

// TensorValueInfo describes a float tensor; a negative size becomes the symbolic dimension
// "batch_size".
func TensorValueInfo(name string, shape ...int) *ValueInfoProto {
	v := &ValueInfoProto{Name: name, ElemType: DataTypeFloat}
	for _, s := range shape {
		if s < 0 {
			v.Shape = append(v.Shape, Dimension{Param: "batch_size"})
		} else {
			v.Shape = append(v.Shape, Dimension{Value: int64(s)})
		}
	}
	return v
}
