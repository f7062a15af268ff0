package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/warninglights/tensor"
)

// ReLULayer computes max(0, x).
type ReLULayer struct {
	Name   string
	output *tensor.Tensor
}

// NewReLU creates a new ReLU activation.
func NewReLU(name string) *ReLULayer { return &ReLULayer{Name: name} }

func (r *ReLULayer) Type() LayerType          { return ReLU }
func (r *ReLULayer) Parameters() []*Parameter { return nil }

func (r *ReLULayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	if training {
		r.output = out
	}
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, errNoForward
	}
	y := r.output
	r.output = nil
	gradIn := tensor.New(y.Shape...)
	for i, v := range y.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn, nil
}

// DropoutLayer zeroes each element with probability P during training and rescales survivors by
// 1/(1-P). It is the identity at inference.
type DropoutLayer struct {
	Name string
	P    float64

	rng  *rand.Rand
	mask []float32
}

// NewDropout creates a new dropout layer drawing its masks from rng.
func NewDropout(name string, p float64, rng *rand.Rand) (*DropoutLayer, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %v", p)
	}
	return &DropoutLayer{Name: name, P: p, rng: rng}, nil
}

func (d *DropoutLayer) Type() LayerType          { return Dropout }
func (d *DropoutLayer) Parameters() []*Parameter { return nil }

func (d *DropoutLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training {
		return x, nil
	}
	out := tensor.New(x.Shape...)
	mask := make([]float32, len(x.Data))
	keep := float32(1 / (1 - d.P))
	for i, v := range x.Data {
		if d.P == 0 || d.rng.Float64() >= d.P {
			mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	d.mask = mask
	return out, nil
}

func (d *DropoutLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return nil, errNoForward
	}
	mask := d.mask
	d.mask = nil
	gradIn := tensor.New(gradOut.Shape...)
	for i, m := range mask {
		gradIn.Data[i] = gradOut.Data[i] * m
	}
	return gradIn, nil
}
