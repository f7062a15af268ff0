// Package layers implements the CPU building blocks of the classifier: convolution, batch
// normalization, pooling, dense layers and the ResNet bottleneck block. Every layer caches what
// its backward pass needs only during a training forward; an inference forward mutates nothing.
package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	GlobalAvgPool
	Dropout
	BatchNorm
	Bottleneck
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Bottleneck:
		return "Bottleneck"
	default:
		return "Unknown"
	}
}

// Module is a differentiable computation with named parameters.
type Module interface {
	Type() LayerType
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// Backward consumes the gradient of the loss with respect to the last training Forward's output,
	// accumulates parameter gradients and returns the gradient with respect to that Forward's input.
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Parameter is a named tensor owned by a layer. Buffers such as BatchNorm running statistics are
// parameters with Learnable=false and no gradient.
type Parameter struct {
	Name      string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Learnable bool
}

func newParameter(name string, learnable bool, shape ...int) *Parameter {
	p := &Parameter{Name: name, Value: tensor.New(shape...), Learnable: learnable}
	if learnable {
		p.Grad = tensor.New(shape...)
	}
	return p
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
}

// Summary returns a human-readable listing of modules and their parameter shapes.
func Summary(modules ...Module) string {
	var b strings.Builder
	var total int
	for _, m := range modules {
		for _, p := range m.Parameters() {
			fmt.Fprintf(&b, "%-48s %-14s %v\n", p.Name, m.Type(), p.Value.Shape)
			if p.Learnable {
				total += p.Value.Size()
			}
		}
	}
	fmt.Fprintf(&b, "Trainable parameters: %d\n", total)
	return b.String()
}

var errNoForward = errors.New("backward called without a preceding training forward")

func expectRank(what string, x *tensor.Tensor, rank int) error {
	if x.Rank() != rank {
		return errdefs.ShapeMismatch(what+" rank", []int{rank}, []int{x.Rank()})
	}
	return nil
}

func expectChannels(what string, x *tensor.Tensor, channels int) error {
	if x.Rank() < 2 || x.Shape[1] != channels {
		return errdefs.ShapeMismatch(what+" input", []int{-1, channels}, x.Shape)
	}
	return nil
}
