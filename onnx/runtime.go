package onnx

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/tensor"
)

// Runtime evaluates a checked model on float32 tensors. It supports the operators listed by
// SupportedOps with the attribute values an exported classifier uses: square kernels, symmetric
// padding, no dilation or grouping.
type Runtime struct {
	model   *ModelProto
	weights map[string]*tensor.Tensor
	input   *ValueInfoProto
	output  string
}

// NewRuntime checks m and prepares its initializers.
func NewRuntime(m *ModelProto) (*Runtime, error) {
	if err := Check(m); err != nil {
		return nil, err
	}
	r := &Runtime{model: m, weights: make(map[string]*tensor.Tensor, len(m.Graph.Initializer))}
	for _, t := range m.Graph.Initializer {
		x, err := t.Tensor()
		if err != nil {
			return nil, errors.Wrap(ErrInvalid, err.Error())
		}
		r.weights[t.Name] = x
	}
	for _, in := range m.Graph.Input {
		if _, ok := r.weights[in.Name]; !ok {
			r.input = in
		}
	}
	r.output = m.Graph.Output[0].Name
	return r, nil
}

// LoadRuntime reads path and prepares it for evaluation.
func LoadRuntime(path string) (*Runtime, error) {
	m, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRuntime(m)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return r, nil
}

func (r *Runtime) Model() *ModelProto { return r.model }

// InputName and OutputName are the graph's single input and first output.
func (r *Runtime) InputName() string  { return r.input.Name }
func (r *Runtime) OutputName() string { return r.output }

// Close releases nothing; it lets a Runtime stand in for sessions that do hold resources.
func (r *Runtime) Close() error { return nil }

// Run evaluates the graph on x and returns the first graph output.
func (r *Runtime) Run(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != len(r.input.Shape) {
		return nil, errdefs.ShapeMismatch("input "+r.input.Name, dimsOf(r.input.Shape, x.Shape), x.Shape)
	}
	for i, d := range r.input.Shape {
		if d.Param == "" && int64(x.Shape[i]) != d.Value {
			return nil, errdefs.ShapeMismatch("input "+r.input.Name, dimsOf(r.input.Shape, x.Shape), x.Shape)
		}
	}

	values := make(map[string]*tensor.Tensor, len(r.model.Graph.Node)+len(r.weights)+1)
	for name, w := range r.weights {
		values[name] = w
	}
	values[r.input.Name] = x

	for i, n := range r.model.Graph.Node {
		args := make([]*tensor.Tensor, len(n.Input))
		for j, name := range n.Input {
			args[j] = values[name]
		}
		out, err := evaluate(n, args)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s %s): %w", i, n.OpType, n.Name, err)
		}
		values[n.Output[0]] = out
	}
	return values[r.output], nil
}

// dimsOf renders the declared shape with symbolic dimensions filled from actual.
func dimsOf(dims []Dimension, actual []int) []int {
	out := make([]int, len(dims))
	for i, d := range dims {
		switch {
		case d.Param == "":
			out[i] = int(d.Value)
		case i < len(actual):
			out[i] = actual[i]
		default:
			out[i] = -1
		}
	}
	return out
}

func evaluate(n *NodeProto, args []*tensor.Tensor) (*tensor.Tensor, error) {
	switch n.OpType {
	case "Conv":
		var bias *tensor.Tensor
		if len(args) == 3 {
			bias = args[2]
		}
		return conv(n, args[0], args[1], bias)
	case "BatchNormalization":
		return batchNorm(n, args[0], args[1], args[2], args[3], args[4])
	case "Relu":
		out := args[0].Clone()
		for i, v := range out.Data {
			if v < 0 {
				out.Data[i] = 0
			}
		}
		return out, nil
	case "MaxPool":
		return maxPool(n, args[0])
	case "Add":
		return tensor.Add(args[0], args[1])
	case "GlobalAveragePool":
		return globalAveragePool(args[0])
	case "Flatten":
		return flatten(n, args[0])
	case "Gemm":
		var c *tensor.Tensor
		if len(args) == 3 {
			c = args[2]
		}
		return gemm(n, args[0], args[1], c)
	case "Identity":
		return args[0], nil
	}
	return nil, fmt.Errorf("unsupported operator %s", n.OpType)
}

// window reads the square kernel, stride and symmetric padding of a Conv or MaxPool node.
func window(n *NodeProto, kernel int) (stride, pad int, err error) {
	if ap := n.Attr("auto_pad"); ap != nil && string(ap.S) != "" && string(ap.S) != "NOTSET" {
		return 0, 0, fmt.Errorf("auto_pad %s is not supported", ap.S)
	}
	if ks := n.AttrInts("kernel_shape"); ks != nil && (len(ks) != 2 || ks[0] != int64(kernel) || ks[1] != int64(kernel)) {
		return 0, 0, fmt.Errorf("kernel_shape %v, want a square kernel of %d", ks, kernel)
	}
	for _, d := range n.AttrInts("dilations") {
		if d != 1 {
			return 0, 0, fmt.Errorf("dilations %v are not supported", n.AttrInts("dilations"))
		}
	}
	stride = 1
	if s := n.AttrInts("strides"); s != nil {
		if len(s) != 2 || s[0] != s[1] || s[0] <= 0 {
			return 0, 0, fmt.Errorf("strides %v are not supported", s)
		}
		stride = int(s[0])
	}
	if p := n.AttrInts("pads"); p != nil {
		if len(p) != 4 || p[0] != p[1] || p[0] != p[2] || p[0] != p[3] || p[0] < 0 {
			return 0, 0, fmt.Errorf("pads %v are not supported", p)
		}
		pad = int(p[0])
	}
	return stride, pad, nil
}

func conv(n *NodeProto, x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || w.Rank() != 4 {
		return nil, errdefs.ShapeMismatch("Conv operands", []int{-1, w.Dim(1), -1, -1}, x.Shape)
	}
	if g := n.AttrInt("group", 1); g != 1 {
		return nil, fmt.Errorf("group %d is not supported", g)
	}
	outC, inC, k := w.Shape[0], w.Shape[1], w.Shape[2]
	if w.Shape[3] != k {
		return nil, fmt.Errorf("non-square kernel %v", w.Shape)
	}
	if x.Shape[1] != inC {
		return nil, errdefs.ShapeMismatch("Conv input channels", []int{inC}, []int{x.Shape[1]})
	}
	if bias != nil && bias.Size() != outC {
		return nil, errdefs.ShapeMismatch("Conv bias", []int{outC}, bias.Shape)
	}
	stride, pad, err := window(n, k)
	if err != nil {
		return nil, err
	}

	batch, h, wd := x.Shape[0], x.Shape[2], x.Shape[3]
	geo := tensor.ConvGeometry{Channels: inC, Height: h, Width: wd, Kernel: k, Stride: stride, Pad: pad}
	oh, ow := geo.OutHeight(), geo.OutWidth()
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("input %v is smaller than the kernel", x.Shape)
	}
	out := tensor.New(batch, outC, oh, ow)
	plane := oh * ow
	var cols []float32
	if !geo.Pointwise() {
		cols = make([]float32, geo.ColRows()*geo.ColCols())
	}
	for i := 0; i < batch; i++ {
		b := x.Item(i)
		if cols != nil {
			tensor.Im2Col(geo, b, cols)
			b = cols
		}
		dst := out.Item(i)
		if bias != nil {
			for c := 0; c < outC; c++ {
				v := bias.Data[c]
				for j := c * plane; j < (c+1)*plane; j++ {
					dst[j] = v
				}
			}
		}
		tensor.Gemm(false, false, outC, plane, geo.ColRows(), 1, w.Data, b, 1, dst)
	}
	return out, nil
}

func batchNorm(n *NodeProto, x, scale, shift, mean, variance *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 && x.Rank() != 4 {
		return nil, fmt.Errorf("BatchNormalization input of rank %d", x.Rank())
	}
	c := x.Shape[1]
	for _, p := range []*tensor.Tensor{scale, shift, mean, variance} {
		if p.Size() != c {
			return nil, errdefs.ShapeMismatch("BatchNormalization parameter", []int{c}, p.Shape)
		}
	}
	eps := float64(n.AttrFloat("epsilon", 1e-5))
	spatial := 1
	for _, d := range x.Shape[2:] {
		spatial *= d
	}
	out := tensor.New(x.Shape...)
	for i := 0; i < x.Shape[0]; i++ {
		for ch := 0; ch < c; ch++ {
			a := float64(scale.Data[ch]) / math.Sqrt(float64(variance.Data[ch])+eps)
			b := float64(shift.Data[ch]) - float64(mean.Data[ch])*a
			off := (i*c + ch) * spatial
			for j := off; j < off+spatial; j++ {
				out.Data[j] = float32(a*float64(x.Data[j]) + b)
			}
		}
	}
	return out, nil
}

func maxPool(n *NodeProto, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("MaxPool input of rank %d", x.Rank())
	}
	ks := n.AttrInts("kernel_shape")
	if len(ks) != 2 {
		return nil, fmt.Errorf("MaxPool needs a 2D kernel_shape, got %v", ks)
	}
	if n.AttrInt("ceil_mode", 0) != 0 {
		return nil, fmt.Errorf("ceil_mode is not supported")
	}
	k := int(ks[0])
	stride, pad, err := window(n, k)
	if err != nil {
		return nil, err
	}
	batch, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := (h+2*pad-k)/stride+1, (w+2*pad-k)/stride+1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("input %v is smaller than the kernel", x.Shape)
	}
	out := tensor.New(batch, c, oh, ow)
	for p := 0; p < batch*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*oh*ow : (p+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				for ky := 0; ky < k; ky++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*stride - pad + kx
						if ix >= 0 && ix < w && src[iy*w+ix] > best {
							best = src[iy*w+ix]
						}
					}
				}
				dst[oy*ow+ox] = best
			}
		}
	}
	return out, nil
}

func globalAveragePool(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("GlobalAveragePool input of rank %d", x.Rank())
	}
	batch, c, plane := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := tensor.New(batch, c, 1, 1)
	for p := 0; p < batch*c; p++ {
		var sum float64
		for _, v := range x.Data[p*plane : (p+1)*plane] {
			sum += float64(v)
		}
		out.Data[p] = float32(sum / float64(plane))
	}
	return out, nil
}

func flatten(n *NodeProto, x *tensor.Tensor) (*tensor.Tensor, error) {
	axis := int(n.AttrInt("axis", 1))
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis > x.Rank() {
		return nil, fmt.Errorf("Flatten axis %d for rank %d", n.AttrInt("axis", 1), x.Rank())
	}
	outer := tensor.NumElements(x.Shape[:axis])
	if axis == 0 {
		outer = 1
	}
	return x.Reshape(outer, x.Size()/outer)
}

func gemm(n *NodeProto, a, b, c *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("Gemm operands of rank %d and %d", a.Rank(), b.Rank())
	}
	transA, transB := n.AttrInt("transA", 0) != 0, n.AttrInt("transB", 0) != 0
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	kb, cols := b.Shape[0], b.Shape[1]
	if transB {
		kb, cols = cols, kb
	}
	if k != kb {
		return nil, errdefs.ShapeMismatch("Gemm inner dimension", []int{k}, []int{kb})
	}
	out := tensor.New(m, cols)
	if c != nil {
		beta := n.AttrFloat("beta", 1)
		switch {
		case c.Size() == 1:
			for i := range out.Data {
				out.Data[i] = beta * c.Data[0]
			}
		case c.Size() == cols && c.Shape[len(c.Shape)-1] == cols:
			for i := 0; i < m; i++ {
				row := out.Data[i*cols : (i+1)*cols]
				for j := range row {
					row[j] = beta * c.Data[j]
				}
			}
		case c.Size() == m*cols:
			for i, v := range c.Data {
				out.Data[i] = beta * v
			}
		default:
			return nil, errdefs.ShapeMismatch("Gemm C", []int{m, cols}, c.Shape)
		}
	}
	tensor.Gemm(transA, transB, m, cols, k, n.AttrFloat("alpha", 1), a.Data, b.Data, 1, out.Data)
	return out, nil
}
