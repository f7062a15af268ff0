package layers

import (
	"math"
	"math/rand"

	"github.com/tsawler/warninglights/tensor"
)

// Conv2DLayer is a square-kernel 2D convolution over NCHW input, lowered to im2col + GEMM.
type Conv2DLayer struct {
	Name        string
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Pad         int
	Weight      *Parameter // [out, in, k, k]
	Bias        *Parameter // nil when the convolution has no bias

	// SkipInputGrad disables the input gradient for the first layer of a network.
	SkipInputGrad bool

	input *tensor.Tensor
}

// NewConv2D creates a new convolution with Kaiming-normal (fan_out) weights.
func NewConv2D(name string, in, out, kernel, stride, pad int, bias bool, rng *rand.Rand) *Conv2DLayer {
	c := &Conv2DLayer{
		Name:        name,
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Pad:         pad,
		Weight:      newParameter(name+".weight", true, out, in, kernel, kernel),
	}
	std := math.Sqrt(2.0 / float64(out*kernel*kernel))
	for i := range c.Weight.Value.Data {
		c.Weight.Value.Data[i] = float32(rng.NormFloat64() * std)
	}
	if bias {
		c.Bias = newParameter(name+".bias", true, out)
	}
	return c
}

func (c *Conv2DLayer) Type() LayerType { return Conv2D }

func (c *Conv2DLayer) Parameters() []*Parameter {
	if c.Bias == nil {
		return []*Parameter{c.Weight}
	}
	return []*Parameter{c.Weight, c.Bias}
}

// Geometry returns the window geometry for an input of height h and width w.
func (c *Conv2DLayer) Geometry(h, w int) tensor.ConvGeometry {
	return tensor.ConvGeometry{
		Channels: c.InChannels, Height: h, Width: w,
		Kernel: c.Kernel, Stride: c.Stride, Pad: c.Pad,
	}
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := expectRank(c.Name, x, 4); err != nil {
		return nil, err
	}
	if err := expectChannels(c.Name, x, c.InChannels); err != nil {
		return nil, err
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	g := c.Geometry(h, w)
	oh, ow := g.OutHeight(), g.OutWidth()
	plane := oh * ow
	rows := g.ColRows()

	out := tensor.New(n, c.OutChannels, oh, ow)
	var cols []float32
	if !g.Pointwise() {
		cols = make([]float32, rows*plane)
	}
	for i := 0; i < n; i++ {
		src := x.Item(i)
		col := src
		if cols != nil {
			tensor.Im2Col(g, src, cols)
			col = cols
		}
		dst := out.Item(i)
		tensor.Gemm(false, false, c.OutChannels, plane, rows, 1, c.Weight.Value.Data, col, 0, dst)
		if c.Bias != nil {
			for o, b := range c.Bias.Value.Data {
				row := dst[o*plane : (o+1)*plane]
				for j := range row {
					row[j] += b
				}
			}
		}
	}

	if training {
		c.input = x
	}
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, errNoForward
	}
	c.input = nil

	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	g := c.Geometry(h, w)
	plane := g.ColCols()
	rows := g.ColRows()

	var gradIn *tensor.Tensor
	if !c.SkipInputGrad {
		gradIn = tensor.New(x.Shape...)
	}
	var cols, dcols []float32
	if !g.Pointwise() {
		cols = make([]float32, rows*plane)
		dcols = make([]float32, rows*plane)
	}
	for i := 0; i < n; i++ {
		src := x.Item(i)
		gOut := gradOut.Item(i)
		col := src
		if cols != nil {
			tensor.Im2Col(g, src, cols)
			col = cols
		}
		// dW += dY · colᵀ
		tensor.Gemm(false, true, c.OutChannels, rows, plane, 1, gOut, col, 1, c.Weight.Grad.Data)
		if c.Bias != nil {
			for o := range c.Bias.Grad.Data {
				var s float32
				for _, v := range gOut[o*plane : (o+1)*plane] {
					s += v
				}
				c.Bias.Grad.Data[o] += s
			}
		}
		if gradIn == nil {
			continue
		}
		// dcol = Wᵀ · dY
		if dcols == nil {
			tensor.Gemm(true, false, rows, plane, c.OutChannels, 1, c.Weight.Value.Data, gOut, 0, gradIn.Item(i))
			continue
		}
		tensor.Gemm(true, false, rows, plane, c.OutChannels, 1, c.Weight.Value.Data, gOut, 0, dcols)
		tensor.Col2Im(g, dcols, gradIn.Item(i))
	}
	return gradIn, nil
}
