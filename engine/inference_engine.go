// Package engine serves predictions from a trained checkpoint. A loaded engine only runs evaluation
// forwards, which leave the model untouched, so one engine can serve concurrent callers.
package engine

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/checkpoints"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/tensor"
	"github.com/tsawler/warninglights/vision/dataset"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

// DefaultBatchSize bounds how many images PredictBatch pushes through one forward.
const DefaultBatchSize = 16

// Options configure how an engine pairs a checkpoint with class names.
type Options struct {
	// ClassNames must equal the training class list (count and order). When empty, the names
	// stored in the checkpoint are used.
	ClassNames []string
	// NumClasses pairs by count only; used when no names are known (export).
	NumClasses int
	// Workers bounds concurrent image decoding. Defaults to the number of CPUs.
	Workers   int
	BatchSize int
}

// Prediction is one ranked class.
type Prediction struct {
	ClassName  string  `json:"class_name"`
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"` // percent
	// Diagnostic is set by Diagnostics.Annotate when the knowledge base knows the class.
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

func (p Prediction) String() string {
	return fmt.Sprintf("%s (%.2f%%)", p.ClassName, p.Confidence)
}

// InferenceEngine pairs a model with its class names and preprocessing.
type InferenceEngine struct {
	handle     *model.Handle
	checkpoint *checkpoints.Checkpoint
	classNames []string
	pipe       *preprocessing.Pipeline
	workers    int
	batchSize  int
}

// New loads the checkpoint at location and validates the class pairing.
func New(location string, opts Options) (*InferenceEngine, error) {
	ckpt, err := checkpoints.Load(location)
	if err != nil {
		return nil, err
	}
	names, err := pairClasses(ckpt, opts)
	if err != nil {
		return nil, errors.WithMessage(err, location)
	}

	handle := model.NewHandle(location)
	if err := handle.Load(ckpt.Restore); err != nil {
		return nil, errors.WithMessagef(err, "restoring %s", location)
	}
	e, err := newEngine(handle, ckpt, names, opts)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded %s: %s", location, ckpt)
	return e, nil
}

// NewFromModel wraps an in-memory model, for example the one a training run just finished.
func NewFromModel(m *model.Model, pre preprocessing.Config, classNames []string, opts Options) (*InferenceEngine, error) {
	if len(classNames) != 0 && len(classNames) != m.NumClasses() {
		return nil, errdefs.CountMismatch("class names", m.NumClasses(), len(classNames))
	}
	if len(classNames) == 0 {
		classNames = indexNames(m.NumClasses())
	}
	ckpt := &checkpoints.Checkpoint{
		FormatVersion: checkpoints.FormatVersion,
		ModelConfig:   m.Config(),
		NumClasses:    m.NumClasses(),
		ClassHash:     dataset.HashNames(classNames),
		ClassNames:    classNames,
		Preprocessing: pre,
	}
	handle := model.NewHandle("memory")
	if err := handle.Load(func() (*model.Model, error) { return m, nil }); err != nil {
		return nil, err
	}
	return newEngine(handle, ckpt, classNames, opts)
}

func newEngine(handle *model.Handle, ckpt *checkpoints.Checkpoint, names []string, opts Options) (*InferenceEngine, error) {
	pre := ckpt.Preprocessing
	if pre.ImageSize != ckpt.ModelConfig.ImageSize {
		return nil, errdefs.CountMismatch("preprocessing image size", ckpt.ModelConfig.ImageSize, pre.ImageSize)
	}
	pipe, err := preprocessing.NewEvalPipeline(pre)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &InferenceEngine{
		handle:     handle,
		checkpoint: ckpt,
		classNames: names,
		pipe:       pipe,
		workers:    opts.Workers,
		batchSize:  opts.BatchSize,
	}, nil
}

// pairClasses resolves the class names the engine reports and rejects lists that cannot belong to
// the checkpoint.
func pairClasses(ckpt *checkpoints.Checkpoint, opts Options) ([]string, error) {
	switch {
	case len(opts.ClassNames) > 0:
		if len(opts.ClassNames) != ckpt.NumClasses {
			return nil, errdefs.CountMismatch("class names", ckpt.NumClasses, len(opts.ClassNames))
		}
		if ckpt.ClassHash != "" {
			if h := dataset.HashNames(opts.ClassNames); h != ckpt.ClassHash {
				return nil, errdefs.ShapeMismatch(
					fmt.Sprintf("class list (hash %.12s, checkpoint trained on %.12s)", h, ckpt.ClassHash),
					[]int{ckpt.NumClasses}, []int{len(opts.ClassNames)})
			}
		}
		return append([]string(nil), opts.ClassNames...), nil
	case opts.NumClasses > 0:
		if opts.NumClasses != ckpt.NumClasses {
			return nil, errdefs.CountMismatch("num_classes", ckpt.NumClasses, opts.NumClasses)
		}
	}
	if len(ckpt.ClassNames) == ckpt.NumClasses {
		return append([]string(nil), ckpt.ClassNames...), nil
	}
	return indexNames(ckpt.NumClasses), nil
}

func indexNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

// Handle returns the handle holding the loaded model.
func (e *InferenceEngine) Handle() *model.Handle { return e.handle }

// Checkpoint returns the checkpoint the engine was built from.
func (e *InferenceEngine) Checkpoint() *checkpoints.Checkpoint { return e.checkpoint }

// NumClasses returns the number of output classes.
func (e *InferenceEngine) NumClasses() int { return len(e.classNames) }

// ClassNames returns a copy of the class names in index order.
func (e *InferenceEngine) ClassNames() []string { return append([]string(nil), e.classNames...) }

// Preprocessing returns the evaluation preprocessing applied to every image.
func (e *InferenceEngine) Preprocessing() preprocessing.Config { return e.pipe.Config() }

// Model returns the loaded model, or the error that kept it from loading.
func (e *InferenceEngine) Model() (*model.Model, error) { return e.handle.Model() }

// InputShape is the per-image input shape [3,S,S].
func (e *InferenceEngine) InputShape() []int {
	s := e.pipe.Config().ImageSize
	return []int{3, s, s}
}

// Logits runs the evaluation forward on a preprocessed batch [N,3,S,S].
func (e *InferenceEngine) Logits(batch *tensor.Tensor) (*tensor.Tensor, error) {
	m, err := e.handle.Model()
	if err != nil {
		return nil, err
	}
	return m.Forward(batch, false)
}

// Probabilities returns the softmax distribution over all classes, in percent.
func (e *InferenceEngine) Probabilities(img image.Image) ([]float64, error) {
	logits, err := e.Logits(e.imageBatch(img))
	if err != nil {
		return nil, err
	}
	probs := tensor.Softmax(logits.Data)
	for i := range probs {
		probs[i] *= 100
	}
	return probs, nil
}

// PredictImage ranks the classes of one decoded image and returns the topK best.
func (e *InferenceEngine) PredictImage(img image.Image, topK int) ([]Prediction, error) {
	if err := checkTopK(topK); err != nil {
		return nil, err
	}
	logits, err := e.Logits(e.imageBatch(img))
	if err != nil {
		return nil, err
	}
	return e.rank(logits.Data, topK), nil
}

// Predict decodes the image at path and returns its topK classes.
func (e *InferenceEngine) Predict(path string, topK int) ([]Prediction, error) {
	if err := checkTopK(topK); err != nil {
		return nil, err
	}
	img, err := preprocessing.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return e.PredictImage(img, topK)
}

// PredictBatch predicts every path. Images are decoded concurrently and each result depends only
// on its own image. The first image that cannot be decoded fails the whole call.
func (e *InferenceEngine) PredictBatch(ctx context.Context, paths []string, topK int) (map[string][]Prediction, error) {
	if err := checkTopK(topK); err != nil {
		return nil, err
	}
	data, err := preprocessing.PreprocessBatch(ctx, e.pipe, paths, nil, e.workers)
	if err != nil {
		return nil, err
	}

	s := e.pipe.Config().ImageSize
	size := e.pipe.Config().TensorSize()
	results := make(map[string][]Prediction, len(paths))
	for start := 0; start < len(paths); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.batchSize, len(paths))
		batch := tensor.New(end-start, 3, s, s)
		for i := start; i < end; i++ {
			copy(batch.Data[(i-start)*size:], data[i])
		}
		logits, err := e.Logits(batch)
		if err != nil {
			return nil, err
		}
		for i := start; i < end; i++ {
			results[paths[i]] = e.rank(logits.Item(i-start), topK)
		}
	}
	return results, nil
}

// PredictAll is PredictBatch for callers that need results in input order.
func (e *InferenceEngine) PredictAll(ctx context.Context, paths []string, topK int) ([][]Prediction, error) {
	byPath, err := e.PredictBatch(ctx, paths, topK)
	if err != nil {
		return nil, err
	}
	out := make([][]Prediction, len(paths))
	for i, p := range paths {
		out[i] = byPath[p]
	}
	return out, nil
}

func checkTopK(topK int) error {
	if topK <= 0 {
		return errdefs.Configf("top_k", topK, "must be positive")
	}
	return nil
}

func (e *InferenceEngine) imageBatch(img image.Image) *tensor.Tensor {
	s := e.pipe.Config().ImageSize
	t, _ := tensor.FromSlice([]int{1, 3, s, s}, e.pipe.Apply(img))
	return t
}

// rank converts one row of logits to the topK predictions, most confident first. Equal
// confidences keep class order.
func (e *InferenceEngine) rank(logits []float32, topK int) []Prediction {
	probs := tensor.Softmax(logits)
	preds := make([]Prediction, len(probs))
	for i, p := range probs {
		preds[i] = Prediction{ClassName: e.classNames[i], Index: i, Confidence: p * 100}
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Confidence > preds[j].Confidence })
	return preds[:min(topK, len(preds))]
}
