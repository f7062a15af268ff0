package training

import (
	"math"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/tensor"
)

// CrossEntropyLoss is softmax cross-entropy over integer class labels, averaged over the batch.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean loss of logits [N,C] against labels.
func (l *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, error) {
	n, c, err := checkLogits(logits, labels)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		row := logits.Data[i*c : (i+1)*c]
		sum += tensor.LogSumExp(row) - float64(row[labels[i]])
	}
	return sum / float64(n), nil
}

// Backward returns dLoss/dLogits = (softmax - onehot) / N.
func (l *CrossEntropyLoss) Backward(logits *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	_, grad, err := l.ForwardBackward(logits, labels)
	return grad, err
}

// ForwardBackward computes the loss and its gradient in one pass over the logits.
func (l *CrossEntropyLoss) ForwardBackward(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	n, c, err := checkLogits(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	grad := tensor.New(n, c)
	inv := 1 / float64(n)
	var sum float64
	for i := 0; i < n; i++ {
		row := logits.Data[i*c : (i+1)*c]
		lse := tensor.LogSumExp(row)
		sum += lse - float64(row[labels[i]])
		g := grad.Data[i*c : (i+1)*c]
		for j, v := range row {
			p := math.Exp(float64(v) - lse)
			if j == labels[i] {
				p--
			}
			g[j] = float32(p * inv)
		}
	}
	return sum * inv, grad, nil
}

func checkLogits(logits *tensor.Tensor, labels []int) (int, int, error) {
	if logits.Rank() != 2 {
		return 0, 0, errdefs.ShapeMismatch("logits", []int{len(labels), -1}, logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if n != len(labels) {
		return 0, 0, errdefs.CountMismatch("labels", n, len(labels))
	}
	if n == 0 {
		return 0, 0, errdefs.CountMismatch("batch size", 1, 0)
	}
	for _, y := range labels {
		if y < 0 || y >= c {
			return 0, 0, errdefs.Configf("label", y, "outside [0, %d)", c)
		}
	}
	return n, c, nil
}

// countCorrect counts rows whose arg-max equals the label.
func countCorrect(logits *tensor.Tensor, labels []int) int {
	correct := 0
	for i, p := range tensor.ArgMaxRows(logits) {
		if p == labels[i] {
			correct++
		}
	}
	return correct
}
