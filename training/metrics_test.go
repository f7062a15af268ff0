package training

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	// Predictions: 0, 1, 1, 2, 0, 2
	cm.Update(logits(t, 6, 3,
		9, 0, 0,
		0, 9, 0,
		0, 9, 0,
		0, 0, 9,
		9, 0, 0,
		0, 0, 9), []int{0, 1, 2, 2, 1, 2})

	assert.Equal(t, 6, cm.Total)
	assert.Equal(t, [][]int{{1, 0, 0}, {1, 1, 0}, {0, 1, 2}}, cm.Matrix)
	assert.InDelta(t, 400.0/6, cm.Accuracy(), 1e-9)

	recall := cm.Recall()
	assert.InDelta(t, 100, recall[0], 1e-9)
	assert.InDelta(t, 50, recall[1], 1e-9)
	assert.InDelta(t, 200.0/3, recall[2], 1e-9)

	// F1: class 0 = 2/3, class 1 = 1/2, class 2 = 4/5.
	assert.InDelta(t, (2.0/3+0.5+0.8)/3, cm.MacroF1(), 1e-9)

	out := cm.Format([]string{"abs", "battery"})
	assert.Contains(t, out, "abs")
	assert.Contains(t, out, "battery")
	assert.Contains(t, out, "50.00%")
	assert.Contains(t, out, "  2 ")
}

func TestConfusionMatrixEmpty(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.Zero(t, cm.Accuracy())
	assert.Zero(t, cm.MacroF1())
	assert.Equal(t, []float64{0, 0}, cm.Recall())
}

func TestHistorySeries(t *testing.T) {
	h := History{
		{Epoch: 1, ValAcc: 40, Duration: time.Second},
		{Epoch: 2, ValAcc: 55},
	}
	assert.Equal(t, []float64{40, 55}, h.Series(func(m EpochMetrics) float64 { return m.ValAcc }))
	assert.Contains(t, h[0].String(), "epoch 1:")
	assert.Contains(t, h[0].String(), "val loss 0.0000 acc 40.00%")
	assert.Equal(t, "CheckpointDecision", CheckpointDecision.String())
}
