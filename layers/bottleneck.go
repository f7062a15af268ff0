package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/warninglights/tensor"
)

// BottleneckExpansion is the ratio of a bottleneck block's output channels to its inner width.
const BottleneckExpansion = 4

// BottleneckBlock is the ResNet v1.5 residual block: 1×1 reduce, 3×3 (carrying the stride),
// 1×1 expand, each followed by batch norm, with an optional projection shortcut.
type BottleneckBlock struct {
	Name  string
	Conv1 *Conv2DLayer
	BN1   *BatchNormLayer
	Relu1 *ReLULayer
	Conv2 *Conv2DLayer
	BN2   *BatchNormLayer
	Relu2 *ReLULayer
	Conv3 *Conv2DLayer
	BN3   *BatchNormLayer

	// DownConv and DownBN project the shortcut when the stride or channel count changes.
	DownConv *Conv2DLayer
	DownBN   *BatchNormLayer

	Relu3 *ReLULayer
}

// NewBottleneck creates a new bottleneck block named like torchvision's "layerX.Y".
func NewBottleneck(name string, inChannels, planes, stride int, rng *rand.Rand) *BottleneckBlock {
	out := planes * BottleneckExpansion
	b := &BottleneckBlock{
		Name:  name,
		Conv1: NewConv2D(name+".conv1", inChannels, planes, 1, 1, 0, false, rng),
		BN1:   NewBatchNorm(name+".bn1", planes),
		Relu1: NewReLU(name + ".relu1"),
		Conv2: NewConv2D(name+".conv2", planes, planes, 3, stride, 1, false, rng),
		BN2:   NewBatchNorm(name+".bn2", planes),
		Relu2: NewReLU(name + ".relu2"),
		Conv3: NewConv2D(name+".conv3", planes, out, 1, 1, 0, false, rng),
		BN3:   NewBatchNorm(name+".bn3", out),
		Relu3: NewReLU(name + ".relu3"),
	}
	if stride != 1 || inChannels != out {
		b.DownConv = NewConv2D(name+".downsample.0", inChannels, out, 1, stride, 0, false, rng)
		b.DownBN = NewBatchNorm(name+".downsample.1", out)
	}
	return b
}

func (b *BottleneckBlock) Type() LayerType { return Bottleneck }

func (b *BottleneckBlock) mainPath() []Module {
	return []Module{b.Conv1, b.BN1, b.Relu1, b.Conv2, b.BN2, b.Relu2, b.Conv3, b.BN3}
}

func (b *BottleneckBlock) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range b.mainPath() {
		params = append(params, m.Parameters()...)
	}
	if b.DownConv != nil {
		params = append(params, b.DownConv.Parameters()...)
		params = append(params, b.DownBN.Parameters()...)
	}
	return params
}

func (b *BottleneckBlock) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x
	var err error
	for _, m := range b.mainPath() {
		if out, err = m.Forward(out, training); err != nil {
			return nil, err
		}
	}

	identity := x
	if b.DownConv != nil {
		if identity, err = b.DownConv.Forward(x, training); err != nil {
			return nil, err
		}
		if identity, err = b.DownBN.Forward(identity, training); err != nil {
			return nil, err
		}
	}
	if err := out.AddInPlace(identity); err != nil {
		return nil, fmt.Errorf("%s: residual: %w", b.Name, err)
	}
	return b.Relu3.Forward(out, training)
}

func (b *BottleneckBlock) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := b.Relu3.Backward(gradOut)
	if err != nil {
		return nil, err
	}

	main := b.mainPath()
	gMain := g
	for i := len(main) - 1; i >= 0; i-- {
		if gMain, err = main[i].Backward(gMain); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name, err)
		}
	}

	gShort := g
	if b.DownConv != nil {
		if gShort, err = b.DownBN.Backward(g); err != nil {
			return nil, err
		}
		if gShort, err = b.DownConv.Backward(gShort); err != nil {
			return nil, err
		}
	}
	if err := gMain.AddInPlace(gShort); err != nil {
		return nil, fmt.Errorf("%s: residual gradient: %w", b.Name, err)
	}
	return gMain, nil
}
