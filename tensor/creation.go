package tensor

import (
	"fmt"
	"math/rand"
)

// New returns a zero-filled tensor. It panics on a non-positive dimension, which is a programming error.
func New(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(fmt.Sprintf("tensor.New: %v", err))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, NumElements(shape)),
	}
}

// FromSlice wraps data (without copying) as a tensor of the given shape.
func FromSlice(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if len(data) != NumElements(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, NumElements(shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// FromNamed copies a state-dictionary entry into a tensor.
func FromNamed(n NamedTensor) (*Tensor, error) {
	return FromSlice(n.Shape, append([]float32(nil), n.Data...))
}

// Full returns a tensor with every element set to value.
func Full(value float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// RandNormal returns a tensor of samples from N(mean, std²) drawn from rng.
func RandNormal(rng *rand.Rand, mean, std float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()*std + mean)
	}
	return t
}

// RandUniform returns a tensor of samples from U(low, high) drawn from rng.
func RandUniform(rng *rand.Rand, low, high float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(low + rng.Float64()*(high-low))
	}
	return t
}
