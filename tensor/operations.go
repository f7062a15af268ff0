package tensor

import (
	"fmt"
	"math"
)

// Add returns a+b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a.Shape, b.Shape) {
		return nil, fmt.Errorf("cannot add %v and %v", a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// AddInPlace accumulates src into t.
func (t *Tensor) AddInPlace(src *Tensor) error {
	if !SameShape(t.Shape, src.Shape) {
		return fmt.Errorf("cannot add %v into %v", src.Shape, t.Shape)
	}
	for i, v := range src.Data {
		t.Data[i] += v
	}
	return nil
}

// Softmax returns the probability distribution of one row of logits, computed in float64 with the
// maximum subtracted for stability.
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxVal := math.Inf(-1)
	for _, v := range logits {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LogSumExp returns log(Σ exp(x_i)) for one row.
func LogSumExp(row []float32) float64 {
	maxVal := math.Inf(-1)
	for _, v := range row {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}

// ArgMax returns the index of the largest element, preferring the lowest index on ties.
func ArgMax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// ArgMaxRows applies ArgMax to every row of a 2D tensor.
func ArgMaxRows(t *Tensor) []int {
	out := make([]int, t.Shape[0])
	for i := range out {
		out[i] = ArgMax(t.Item(i))
	}
	return out
}

// AllFinite reports whether no element is NaN or ±Inf.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
