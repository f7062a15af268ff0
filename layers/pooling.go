package layers

import (
	"github.com/tsawler/warninglights/tensor"
)

// MaxPool2DLayer takes the maximum over square windows. Padded positions never win.
type MaxPool2DLayer struct {
	Name   string
	Kernel int
	Stride int
	Pad    int

	argmax  []int32
	inShape []int
}

// NewMaxPool2D creates a new max pooling layer.
func NewMaxPool2D(name string, kernel, stride, pad int) *MaxPool2DLayer {
	return &MaxPool2DLayer{Name: name, Kernel: kernel, Stride: stride, Pad: pad}
}

func (p *MaxPool2DLayer) Type() LayerType          { return MaxPool2D }
func (p *MaxPool2DLayer) Parameters() []*Parameter { return nil }

func (p *MaxPool2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := expectRank(p.Name, x, 4); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	g := tensor.ConvGeometry{Channels: c, Height: h, Width: w, Kernel: p.Kernel, Stride: p.Stride, Pad: p.Pad}
	oh, ow := g.OutHeight(), g.OutWidth()
	out := tensor.New(n, c, oh, ow)
	var argmax []int32
	if training {
		argmax = make([]int32, len(out.Data))
	}

	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		base := plane * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := int32(-1)
				var bestVal float32
				for ky := 0; ky < p.Kernel; ky++ {
					iy := oy*p.Stride - p.Pad + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < p.Kernel; kx++ {
						ix := ox*p.Stride - p.Pad + kx
						if ix < 0 || ix >= w {
							continue
						}
						idx := int32(iy*w + ix)
						if best < 0 || src[idx] > bestVal {
							best, bestVal = idx, src[idx]
						}
					}
				}
				o := base + oy*ow + ox
				out.Data[o] = bestVal
				if argmax != nil {
					argmax[o] = best
				}
			}
		}
	}

	if training {
		p.argmax = argmax
		p.inShape = append([]int(nil), x.Shape...)
	}
	return out, nil
}

func (p *MaxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, errNoForward
	}
	argmax := p.argmax
	p.argmax = nil
	gradIn := tensor.New(p.inShape...)
	hw := p.inShape[2] * p.inShape[3]
	outPlane := len(argmax) / (p.inShape[0] * p.inShape[1])
	for o, idx := range argmax {
		plane := o / outPlane
		gradIn.Data[plane*hw+int(idx)] += gradOut.Data[o]
	}
	return gradIn, nil
}

// GlobalAvgPoolLayer averages each channel over its spatial extent, mapping [N,C,H,W] to [N,C].
type GlobalAvgPoolLayer struct {
	Name    string
	inShape []int
}

// NewGlobalAvgPool creates a new global average pooling layer.
func NewGlobalAvgPool(name string) *GlobalAvgPoolLayer { return &GlobalAvgPoolLayer{Name: name} }

func (p *GlobalAvgPoolLayer) Type() LayerType          { return GlobalAvgPool }
func (p *GlobalAvgPoolLayer) Parameters() []*Parameter { return nil }

func (p *GlobalAvgPoolLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := expectRank(p.Name, x, 4); err != nil {
		return nil, err
	}
	n, c := x.Shape[0], x.Shape[1]
	s := x.Shape[2] * x.Shape[3]
	out := tensor.New(n, c)
	for plane := range out.Data {
		var sum float64
		for _, v := range x.Data[plane*s : (plane+1)*s] {
			sum += float64(v)
		}
		out.Data[plane] = float32(sum / float64(s))
	}
	if training {
		p.inShape = append([]int(nil), x.Shape...)
	}
	return out, nil
}

func (p *GlobalAvgPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inShape == nil {
		return nil, errNoForward
	}
	shape := p.inShape
	p.inShape = nil
	gradIn := tensor.New(shape...)
	s := shape[2] * shape[3]
	inv := 1 / float32(s)
	for plane, g := range gradOut.Data {
		row := gradIn.Data[plane*s : (plane+1)*s]
		for j := range row {
			row[j] = g * inv
		}
	}
	return gradIn, nil
}
