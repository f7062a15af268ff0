package optimizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/warninglights/layers"
	"github.com/tsawler/warninglights/tensor"
)

const (
	adamType         = "Adam"
	expAvgPrefix     = "exp_avg."
	expAvgSqPrefix   = "exp_avg_sq."
	paramLR          = "learning_rate"
	paramBeta1       = "beta1"
	paramBeta2       = "beta2"
	paramEpsilon     = "epsilon"
	paramWeightDecay = "weight_decay"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements bias-corrected Adam with optional L2 weight decay folded into the gradient.
type Adam struct {
	config AdamConfig
	params []*layers.Parameter
	m      [][]float32
	v      [][]float32
	step   int64
}

// NewAdam creates a new Adam optimizer over the learnable params.
func NewAdam(params []*layers.Parameter, config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v, %v", config.Beta1, config.Beta2)
	}
	adam := &Adam{config: config}
	for _, p := range params {
		if !p.Learnable {
			continue
		}
		adam.params = append(adam.params, p)
		adam.m = append(adam.m, make([]float32, p.Value.Size()))
		adam.v = append(adam.v, make([]float32, p.Value.Size()))
	}
	if len(adam.params) == 0 {
		return nil, fmt.Errorf("no learnable parameters")
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (a *Adam) Step() error {
	a.step++
	b1, b2 := a.config.Beta1, a.config.Beta2
	bc1 := 1 - math.Pow(b1, float64(a.step))
	bc2 := 1 - math.Pow(b2, float64(a.step))
	stepSize := a.config.LearningRate / bc1
	sqrtBC2 := math.Sqrt(bc2)
	wd := a.config.WeightDecay

	for i, p := range a.params {
		if p.Grad == nil {
			return fmt.Errorf("parameter %s has no gradient", p.Name)
		}
		w, g := p.Value.Data, p.Grad.Data
		m, v := a.m[i], a.v[i]
		for j := range w {
			grad := float64(g[j])
			if wd != 0 {
				grad += wd * float64(w[j])
			}
			mj := b1*float64(m[j]) + (1-b1)*grad
			vj := b2*float64(v[j]) + (1-b2)*grad*grad
			m[j], v[j] = float32(mj), float32(vj)
			denom := math.Sqrt(vj)/sqrtBC2 + a.config.Epsilon
			w[j] -= float32(stepSize * mj / denom)
		}
	}
	return nil
}

func (a *Adam) StepCount() int64           { return a.step }
func (a *Adam) LearningRate() float64      { return a.config.LearningRate }
func (a *Adam) SetLearningRate(lr float64) { a.config.LearningRate = lr }

// State copies both moment estimates of every parameter, named after the parameter.
func (a *Adam) State() *OptimizerState {
	state := &OptimizerState{
		Type: adamType,
		Step: a.step,
		Parameters: map[string]float64{
			paramLR:          a.config.LearningRate,
			paramBeta1:       a.config.Beta1,
			paramBeta2:       a.config.Beta2,
			paramEpsilon:     a.config.Epsilon,
			paramWeightDecay: a.config.WeightDecay,
		},
	}
	for i, p := range a.params {
		shape := append([]int(nil), p.Value.Shape...)
		state.StateData = append(state.StateData,
			tensor.NamedTensor{Name: expAvgPrefix + p.Name, Shape: shape, Data: append([]float32(nil), a.m[i]...)},
			tensor.NamedTensor{Name: expAvgSqPrefix + p.Name, Shape: shape, Data: append([]float32(nil), a.v[i]...)},
		)
	}
	return state
}

// LoadState restores moments and hyperparameters. Every optimized parameter needs both moments.
func (a *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(adamType, state); err != nil {
		return err
	}
	if state.Step < 0 {
		return fmt.Errorf("negative step count %d", state.Step)
	}
	byName := make(map[string]tensor.NamedTensor, len(state.StateData))
	for _, t := range state.StateData {
		if !strings.HasPrefix(t.Name, expAvgPrefix) && !strings.HasPrefix(t.Name, expAvgSqPrefix) {
			return fmt.Errorf("unexpected optimizer state tensor %s", t.Name)
		}
		byName[t.Name] = t
	}
	for i, p := range a.params {
		for _, key := range []string{expAvgPrefix + p.Name, expAvgSqPrefix + p.Name} {
			t, ok := byName[key]
			if !ok {
				return fmt.Errorf("optimizer state is missing %s", key)
			}
			if len(t.Data) != len(a.m[i]) {
				return fmt.Errorf("optimizer state %s has %d elements, expected %d", key, len(t.Data), len(a.m[i]))
			}
		}
	}

	for i, p := range a.params {
		copy(a.m[i], byName[expAvgPrefix+p.Name].Data)
		copy(a.v[i], byName[expAvgSqPrefix+p.Name].Data)
	}
	a.step = state.Step
	a.config.LearningRate = extractParam(state.Parameters, paramLR, a.config.LearningRate)
	a.config.Beta1 = extractParam(state.Parameters, paramBeta1, a.config.Beta1)
	a.config.Beta2 = extractParam(state.Parameters, paramBeta2, a.config.Beta2)
	a.config.Epsilon = extractParam(state.Parameters, paramEpsilon, a.config.Epsilon)
	a.config.WeightDecay = extractParam(state.Parameters, paramWeightDecay, a.config.WeightDecay)
	return nil
}
