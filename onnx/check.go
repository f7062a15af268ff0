package onnx

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalid wraps every structural problem Check finds.
var ErrInvalid = errors.New("invalid ONNX model")

// opSchema lists the inputs and attributes each supported operator accepts.
type opSchema struct {
	minInputs, maxInputs int
	attrs                map[string]AttributeType
}

var ops = map[string]opSchema{
	"Conv": {2, 3, map[string]AttributeType{
		"kernel_shape": AttributeInts, "strides": AttributeInts, "pads": AttributeInts,
		"dilations": AttributeInts, "group": AttributeInt, "auto_pad": AttributeString,
	}},
	"BatchNormalization": {5, 5, map[string]AttributeType{
		"epsilon": AttributeFloat, "momentum": AttributeFloat,
	}},
	"Relu": {1, 1, nil},
	"MaxPool": {1, 1, map[string]AttributeType{
		"kernel_shape": AttributeInts, "strides": AttributeInts, "pads": AttributeInts,
		"dilations": AttributeInts, "ceil_mode": AttributeInt, "storage_order": AttributeInt,
		"auto_pad": AttributeString,
	}},
	"Add":               {2, 2, nil},
	"GlobalAveragePool": {1, 1, nil},
	"Flatten":           {1, 1, map[string]AttributeType{"axis": AttributeInt}},
	"Gemm": {2, 3, map[string]AttributeType{
		"alpha": AttributeFloat, "beta": AttributeFloat, "transA": AttributeInt, "transB": AttributeInt,
	}},
	"Identity": {1, 1, nil},
}

// SupportedOps lists the operators Check accepts and Runtime evaluates.
func SupportedOps() []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	return names
}

func invalid(format string, args ...any) error {
	return errors.Wrap(ErrInvalid, fmt.Sprintf(format, args...))
}

// Check validates the structure of m: versions, graph inputs and outputs, operator support,
// single assignment, definition before use, initializer sizes and attribute types.
func Check(m *ModelProto) error {
	if m.IRVersion <= 0 {
		return invalid("missing ir_version")
	}
	opset := m.Opset()
	if opset == 0 {
		return invalid("no opset imported for the default domain")
	}
	if opset < MinOpset || opset > MaxOpset {
		return invalid("opset %d outside [%d, %d]", opset, MinOpset, MaxOpset)
	}
	if m.IRVersion < IRVersionFor(opset) {
		return invalid("ir_version %d is too old for opset %d", m.IRVersion, opset)
	}
	g := m.Graph
	if g == nil {
		return invalid("missing graph")
	}

	defined := make(map[string]bool)
	for _, t := range g.Initializer {
		if t.Name == "" {
			return invalid("unnamed initializer")
		}
		if defined[t.Name] {
			return invalid("initializer %s defined twice", t.Name)
		}
		if t.DataType != DataTypeFloat {
			return invalid("initializer %s has data type %d, want FLOAT", t.Name, t.DataType)
		}
		for _, d := range t.Dims {
			if d <= 0 {
				return invalid("initializer %s has dims %v", t.Name, t.Dims)
			}
		}
		if int64(len(t.FloatData)) != t.NumElements() {
			return invalid("initializer %s holds %d values for dims %v", t.Name, len(t.FloatData), t.Dims)
		}
		defined[t.Name] = true
	}

	var inputs []*ValueInfoProto
	for _, in := range g.Input {
		if !defined[in.Name] {
			inputs = append(inputs, in)
		}
	}
	if len(inputs) != 1 {
		return invalid("want exactly one graph input besides initializers, found %d", len(inputs))
	}
	in := inputs[0]
	if in.Name == "" {
		return invalid("unnamed graph input")
	}
	if in.ElemType != DataTypeFloat {
		return invalid("input %s has element type %d, want FLOAT", in.Name, in.ElemType)
	}
	if len(in.Shape) == 0 || in.Shape[0].Param == "" {
		return invalid("input %s needs a symbolic batch dimension", in.Name)
	}
	defined[in.Name] = true

	for i, n := range g.Node {
		schema, ok := ops[n.OpType]
		if !ok || (n.Domain != "" && n.Domain != "ai.onnx") {
			return invalid("node %d (%s): unsupported operator %s", i, n.Name, n.OpType)
		}
		if len(n.Input) < schema.minInputs || len(n.Input) > schema.maxInputs {
			return invalid("node %d (%s): %s takes %d-%d inputs, got %d", i, n.Name, n.OpType, schema.minInputs, schema.maxInputs, len(n.Input))
		}
		for _, name := range n.Input {
			if !defined[name] {
				return invalid("node %d (%s): input %q is used before it is defined", i, n.Name, name)
			}
		}
		for _, a := range n.Attribute {
			want, ok := schema.attrs[a.Name]
			if !ok {
				return invalid("node %d (%s): %s has no attribute %q", i, n.Name, n.OpType, a.Name)
			}
			if a.Type == attributeUnknown || a.Type != want {
				return invalid("node %d (%s): attribute %s is %s, want %s", i, n.Name, a.Name, a.Type, want)
			}
		}
		if len(n.Output) == 0 {
			return invalid("node %d (%s): no outputs", i, n.Name)
		}
		for _, name := range n.Output {
			if name == "" {
				return invalid("node %d (%s): unnamed output", i, n.Name)
			}
			if defined[name] {
				return invalid("node %d (%s): %q is assigned more than once", i, n.Name, name)
			}
			defined[name] = true
		}
	}

	if len(g.Output) == 0 {
		return invalid("graph has no outputs")
	}
	for _, out := range g.Output {
		if out.Name == "" {
			return invalid("unnamed graph output")
		}
		if !defined[out.Name] {
			return invalid("graph output %s is never produced", out.Name)
		}
	}
	return nil
}
