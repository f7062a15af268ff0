package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/warninglights/layers"
	"github.com/tsawler/warninglights/tensor"
)

// Backbone is a bottleneck ResNet truncated after global average pooling.
type Backbone struct {
	Conv1   *layers.Conv2DLayer
	BN1     *layers.BatchNormLayer
	Relu    *layers.ReLULayer
	MaxPool *layers.MaxPool2DLayer
	Blocks  []*layers.BottleneckBlock
	Pool    *layers.GlobalAvgPoolLayer
}

func newBackbone(spec BackboneSpec, rng *rand.Rand) *Backbone {
	b := &Backbone{
		Conv1:   layers.NewConv2D("backbone.conv1", 3, spec.Width, 7, 2, 3, false, rng),
		BN1:     layers.NewBatchNorm("backbone.bn1", spec.Width),
		Relu:    layers.NewReLU("backbone.relu"),
		MaxPool: layers.NewMaxPool2D("backbone.maxpool", 3, 2, 1),
		Pool:    layers.NewGlobalAvgPool("backbone.avgpool"),
	}
	b.Conv1.SkipInputGrad = true

	in := spec.Width
	for stage, count := range spec.Blocks {
		planes := spec.Width << stage
		stride := 1
		if stage > 0 {
			stride = 2
		}
		for i := 0; i < count; i++ {
			s := 1
			if i == 0 {
				s = stride
			}
			name := fmt.Sprintf("backbone.layer%d.%d", stage+1, i)
			b.Blocks = append(b.Blocks, layers.NewBottleneck(name, in, planes, s, rng))
			in = planes * layers.BottleneckExpansion
		}
	}
	return b
}

func (b *Backbone) modules() []layers.Module {
	mods := []layers.Module{b.Conv1, b.BN1, b.Relu, b.MaxPool}
	for _, blk := range b.Blocks {
		mods = append(mods, blk)
	}
	return append(mods, b.Pool)
}

func (b *Backbone) Parameters() []*layers.Parameter {
	return collect(b.modules())
}

func (b *Backbone) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return forward(b.modules(), x, training)
}

func (b *Backbone) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return backward(b.modules(), grad)
}

// Head maps the pooled embedding to class logits:
// Dropout(p) → Dense(embed, 512) → ReLU → BatchNorm1d → Dropout(p/2) → Dense(512, classes).
type Head struct {
	Dropout1 *layers.DropoutLayer
	FC1      *layers.DenseLayer
	Relu     *layers.ReLULayer
	BN       *layers.BatchNormLayer
	Dropout2 *layers.DropoutLayer
	FC2      *layers.DenseLayer
}

func newHead(embed int, cfg Config, rng *rand.Rand) (*Head, error) {
	d1, err := layers.NewDropout("head.dropout1", cfg.DropoutRate, rng)
	if err != nil {
		return nil, err
	}
	d2, err := layers.NewDropout("head.dropout2", cfg.HeadDropoutRate, rng)
	if err != nil {
		return nil, err
	}
	return &Head{
		Dropout1: d1,
		FC1:      layers.NewDense("head.fc1", embed, HiddenUnits, rng),
		Relu:     layers.NewReLU("head.relu"),
		BN:       layers.NewBatchNorm("head.bn", HiddenUnits),
		Dropout2: d2,
		FC2:      layers.NewDense("head.fc2", HiddenUnits, cfg.NumClasses, rng),
	}, nil
}

func (h *Head) modules() []layers.Module {
	return []layers.Module{h.Dropout1, h.FC1, h.Relu, h.BN, h.Dropout2, h.FC2}
}

func (h *Head) Parameters() []*layers.Parameter {
	return collect(h.modules())
}

func (h *Head) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return forward(h.modules(), x, training)
}

func (h *Head) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return backward(h.modules(), grad)
}

func collect(mods []layers.Module) []*layers.Parameter {
	var params []*layers.Parameter
	for _, m := range mods {
		params = append(params, m.Parameters()...)
	}
	return params
}

func forward(mods []layers.Module, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	var err error
	for _, m := range mods {
		if x, err = m.Forward(x, training); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func backward(mods []layers.Module, grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(mods) - 1; i >= 0; i-- {
		if grad, err = mods[i].Backward(grad); err != nil {
			return nil, err
		}
		if grad == nil {
			// The stem convolution does not propagate to the image.
			return nil, nil
		}
	}
	return grad, nil
}
