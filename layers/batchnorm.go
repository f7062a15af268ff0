package layers

import (
	"math"

	"github.com/tsawler/warninglights/tensor"
)

const (
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1
)

// BatchNormLayer normalizes over the batch (and spatial dimensions for 4D input) per feature.
// Running statistics follow the exponential moving average with the unbiased batch variance.
type BatchNormLayer struct {
	Name        string
	Features    int
	Eps         float32
	Momentum    float32
	Weight      *Parameter
	Bias        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter

	xhat   []float32
	invStd []float32
	shape  []int
}

// NewBatchNorm creates a new batch normalization layer with γ=1, β=0, running mean 0 and running variance 1.
func NewBatchNorm(name string, features int) *BatchNormLayer {
	bn := &BatchNormLayer{
		Name:        name,
		Features:    features,
		Eps:         DefaultBatchNormEps,
		Momentum:    DefaultBatchNormMomentum,
		Weight:      newParameter(name+".weight", true, features),
		Bias:        newParameter(name+".bias", true, features),
		RunningMean: newParameter(name+".running_mean", false, features),
		RunningVar:  newParameter(name+".running_var", false, features),
	}
	for i := 0; i < features; i++ {
		bn.Weight.Value.Data[i] = 1
		bn.RunningVar.Value.Data[i] = 1
	}
	return bn
}

func (bn *BatchNormLayer) Type() LayerType { return BatchNorm }

func (bn *BatchNormLayer) Parameters() []*Parameter {
	return []*Parameter{bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar}
}

func (bn *BatchNormLayer) spatial(x *tensor.Tensor) (int, error) {
	if x.Rank() != 2 && x.Rank() != 4 {
		return 0, expectRank(bn.Name, x, 4)
	}
	if err := expectChannels(bn.Name, x, bn.Features); err != nil {
		return 0, err
	}
	s := 1
	for _, d := range x.Shape[2:] {
		s *= d
	}
	return s, nil
}

// InferenceScaleShift returns per-feature a, b such that the inference output is a·x + b.
func (bn *BatchNormLayer) InferenceScaleShift() (scale, shift []float64) {
	scale = make([]float64, bn.Features)
	shift = make([]float64, bn.Features)
	for c := 0; c < bn.Features; c++ {
		inv := 1 / math.Sqrt(float64(bn.RunningVar.Value.Data[c])+float64(bn.Eps))
		scale[c] = float64(bn.Weight.Value.Data[c]) * inv
		shift[c] = float64(bn.Bias.Value.Data[c]) - float64(bn.RunningMean.Value.Data[c])*scale[c]
	}
	return scale, shift
}

func (bn *BatchNormLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	s, err := bn.spatial(x)
	if err != nil {
		return nil, err
	}
	n, c := x.Shape[0], bn.Features
	out := tensor.New(x.Shape...)

	if !training {
		scale, shift := bn.InferenceScaleShift()
		for i := 0; i < n; i++ {
			for ch := 0; ch < c; ch++ {
				a, b := float32(scale[ch]), float32(shift[ch])
				base := (i*c + ch) * s
				for j := base; j < base+s; j++ {
					out.Data[j] = a*x.Data[j] + b
				}
			}
		}
		return out, nil
	}

	m := n * s
	xhat := make([]float32, len(x.Data))
	invStd := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var sum float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for _, v := range x.Data[base : base+s] {
				sum += float64(v)
			}
		}
		mean := sum / float64(m)
		var sq float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for _, v := range x.Data[base : base+s] {
				d := float64(v) - mean
				sq += d * d
			}
		}
		variance := sq / float64(m)
		inv := 1 / math.Sqrt(variance+float64(bn.Eps))
		invStd[ch] = float32(inv)

		gamma, beta := bn.Weight.Value.Data[ch], bn.Bias.Value.Data[ch]
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for j := base; j < base+s; j++ {
				h := float32((float64(x.Data[j]) - mean) * inv)
				xhat[j] = h
				out.Data[j] = gamma*h + beta
			}
		}

		unbiased := variance
		if m > 1 {
			unbiased = sq / float64(m-1)
		}
		mom := bn.Momentum
		bn.RunningMean.Value.Data[ch] = (1-mom)*bn.RunningMean.Value.Data[ch] + mom*float32(mean)
		bn.RunningVar.Value.Data[ch] = (1-mom)*bn.RunningVar.Value.Data[ch] + mom*float32(unbiased)
	}

	bn.xhat = xhat
	bn.invStd = invStd
	bn.shape = append([]int(nil), x.Shape...)
	return out, nil
}

func (bn *BatchNormLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, errNoForward
	}
	xhat, invStd := bn.xhat, bn.invStd
	bn.xhat, bn.invStd = nil, nil

	n, c := bn.shape[0], bn.Features
	s := len(xhat) / (n * c)
	m := float64(n * s)
	gradIn := tensor.New(bn.shape...)
	g := gradOut.Data

	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float64
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for j := base; j < base+s; j++ {
				sumG += float64(g[j])
				sumGX += float64(g[j]) * float64(xhat[j])
			}
		}
		bn.Weight.Grad.Data[ch] += float32(sumGX)
		bn.Bias.Grad.Data[ch] += float32(sumG)

		k := float64(bn.Weight.Value.Data[ch]) * float64(invStd[ch]) / m
		for i := 0; i < n; i++ {
			base := (i*c + ch) * s
			for j := base; j < base+s; j++ {
				gradIn.Data[j] = float32(k * (m*float64(g[j]) - sumG - float64(xhat[j])*sumGX))
			}
		}
	}
	return gradIn, nil
}
