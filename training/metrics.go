package training

import (
	"fmt"
	"strings"
	"time"

	"github.com/tsawler/warninglights/tensor"
)

// State is the phase of the training loop.
type State int

const (
	Initializing State = iota
	EpochRunning
	Validating
	CheckpointDecision
	EarlyStopCheck
	Completed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case EpochRunning:
		return "EpochRunning"
	case Validating:
		return "Validating"
	case CheckpointDecision:
		return "CheckpointDecision"
	case EarlyStopCheck:
		return "EarlyStopCheck"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// EpochMetrics holds metrics for a single epoch. Accuracies are percentages.
type EpochMetrics struct {
	Epoch     int           `json:"epoch"`
	TrainLoss float64       `json:"train_loss"`
	TrainAcc  float64       `json:"train_acc"`
	ValLoss   float64       `json:"val_loss"`
	ValAcc    float64       `json:"val_acc"`
	Duration  time.Duration `json:"duration_ns"`

	LearningRate float64 `json:"learning_rate"`
}

func (m EpochMetrics) String() string {
	return fmt.Sprintf("epoch %d: train loss %.4f acc %.2f%%, val loss %.4f acc %.2f%% (%s)",
		m.Epoch, m.TrainLoss, m.TrainAcc, m.ValLoss, m.ValAcc, m.Duration.Round(time.Millisecond))
}

// History is the append-only list of completed epochs.
type History []EpochMetrics

// Series extracts one metric per epoch, for plotting.
func (h History) Series(metric func(EpochMetrics) float64) []float64 {
	out := make([]float64, len(h))
	for i, m := range h {
		out[i] = metric(m)
	}
	return out
}

// ConfusionMatrix counts validation predictions: Matrix[true][predicted].
type ConfusionMatrix struct {
	NumClasses int     `json:"num_classes"`
	Matrix     [][]int `json:"matrix"`
	Total      int     `json:"total"`
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	m := make([][]int, numClasses)
	for i := range m {
		m[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: m}
}

// Update adds a batch of logits [N,C] and their labels.
func (cm *ConfusionMatrix) Update(logits *tensor.Tensor, labels []int) {
	for i, p := range tensor.ArgMaxRows(logits) {
		y := labels[i]
		if y < 0 || y >= cm.NumClasses || p >= cm.NumClasses {
			continue
		}
		cm.Matrix[y][p]++
		cm.Total++
	}
}

// Accuracy returns the percentage of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return 100 * float64(correct) / float64(cm.Total)
}

// Recall returns each class's share of its samples predicted correctly, in percent. Classes
// without samples report 0.
func (cm *ConfusionMatrix) Recall() []float64 {
	out := make([]float64, cm.NumClasses)
	for c, row := range cm.Matrix {
		n := 0
		for _, v := range row {
			n += v
		}
		if n > 0 {
			out[c] = 100 * float64(row[c]) / float64(n)
		}
	}
	return out
}

// MacroF1 averages the per-class F1 over classes that were seen or predicted.
func (cm *ConfusionMatrix) MacroF1() float64 {
	var sum float64
	classes := 0
	for c := 0; c < cm.NumClasses; c++ {
		tp := float64(cm.Matrix[c][c])
		var fp, fn float64
		for o := 0; o < cm.NumClasses; o++ {
			if o != c {
				fp += float64(cm.Matrix[o][c])
				fn += float64(cm.Matrix[c][o])
			}
		}
		if tp+fp+fn == 0 {
			continue
		}
		sum += 2 * tp / (2*tp + fp + fn)
		classes++
	}
	if classes == 0 {
		return 0
	}
	return sum / float64(classes)
}

// Format renders per-class recall against names.
func (cm *ConfusionMatrix) Format(names []string) string {
	var sb strings.Builder
	for c, r := range cm.Recall() {
		name := fmt.Sprint(c)
		if c < len(names) {
			name = names[c]
		}
		fmt.Fprintf(&sb, "  %-24s %6.2f%%\n", name, r)
	}
	return sb.String()
}
