package layers

import (
	"math"
	"math/rand"

	"github.com/tsawler/warninglights/tensor"
)

// DenseLayer is a fully connected layer y = x·Wᵀ + b with W stored as [out, in].
type DenseLayer struct {
	Name    string
	In, Out int
	Weight  *Parameter
	Bias    *Parameter

	input *tensor.Tensor
}

// NewDense creates a new dense layer with weights and bias drawn from U(-1/√in, 1/√in).
func NewDense(name string, in, out int, rng *rand.Rand) *DenseLayer {
	d := &DenseLayer{
		Name:   name,
		In:     in,
		Out:    out,
		Weight: newParameter(name+".weight", true, out, in),
		Bias:   newParameter(name+".bias", true, out),
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := range d.Weight.Value.Data {
		d.Weight.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	for i := range d.Bias.Value.Data {
		d.Bias.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return d
}

func (d *DenseLayer) Type() LayerType          { return Dense }
func (d *DenseLayer) Parameters() []*Parameter { return []*Parameter{d.Weight, d.Bias} }

func (d *DenseLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := expectRank(d.Name, x, 2); err != nil {
		return nil, err
	}
	if err := expectChannels(d.Name, x, d.In); err != nil {
		return nil, err
	}
	n := x.Shape[0]
	out := tensor.New(n, d.Out)
	for i := 0; i < n; i++ {
		copy(out.Item(i), d.Bias.Value.Data)
	}
	tensor.Gemm(false, true, n, d.Out, d.In, 1, x.Data, d.Weight.Value.Data, 1, out.Data)
	if training {
		d.input = x
	}
	return out, nil
}

func (d *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := d.input
	if x == nil {
		return nil, errNoForward
	}
	d.input = nil
	n := x.Shape[0]

	tensor.Gemm(true, false, d.Out, d.In, n, 1, gradOut.Data, x.Data, 1, d.Weight.Grad.Data)
	for i := 0; i < n; i++ {
		for o, g := range gradOut.Item(i) {
			d.Bias.Grad.Data[o] += g
		}
	}
	gradIn := tensor.New(n, d.In)
	tensor.Gemm(false, false, n, d.In, d.Out, 1, gradOut.Data, d.Weight.Value.Data, 0, gradIn.Data)
	return gradIn, nil
}
