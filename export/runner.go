package export

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tsawler/warninglights/onnx"
	"github.com/tsawler/warninglights/tensor"
)

// Runner evaluates an exported ONNX file on one input batch. outputShape is the expected shape
// of the graph output for that batch.
type Runner interface {
	Name() string
	Run(modelPath string, input *tensor.Tensor, outputShape []int) (*tensor.Tensor, error)
}

// GoRunner evaluates with the pure-Go onnx.Runtime.
type GoRunner struct{}

func (GoRunner) Name() string { return "go" }

func (GoRunner) Run(modelPath string, input *tensor.Tensor, outputShape []int) (*tensor.Tensor, error) {
	rt, err := onnx.LoadRuntime(modelPath)
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	return rt.Run(input)
}

// ORTRunner evaluates with the ONNX Runtime shared library. The runtime environment is process
// wide: it is initialized on first use and torn down by Close.
type ORTRunner struct {
	// LibraryPath locates onnxruntime.so / .dylib / .dll; empty uses the library's default.
	LibraryPath string
}

var (
	ortMu   sync.Mutex
	ortInit bool
)

func (r *ORTRunner) Name() string { return "onnxruntime" }

func (r *ORTRunner) init() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortInit {
		return nil
	}
	if r.LibraryPath != "" {
		ort.SetSharedLibraryPath(r.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnxruntime")
	}
	ortInit = true
	return nil
}

func (r *ORTRunner) Run(modelPath string, input *tensor.Tensor, outputShape []int) (*tensor.Tensor, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	in, err := ort.NewTensor(ort.NewShape(int64s(input.Shape)...), input.Data)
	if err != nil {
		return nil, errors.Wrap(err, "creating onnxruntime input")
	}
	defer in.Destroy()
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64s(outputShape)...))
	if err != nil {
		return nil, errors.Wrap(err, "creating onnxruntime output")
	}
	defer out.Destroy()

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{InputName}, []string{OutputName},
		[]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s into onnxruntime", modelPath)
	}
	defer session.Destroy()
	if err := session.Run(); err != nil {
		return nil, errors.Wrapf(err, "running %s", modelPath)
	}
	return tensor.FromSlice(outputShape, append([]float32(nil), out.GetData()...))
}

// Close tears down the onnxruntime environment.
func (r *ORTRunner) Close() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if !ortInit {
		return nil
	}
	ortInit = false
	return ort.DestroyEnvironment()
}

func int64s(shape []int) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		out[i] = int64(d)
	}
	return out
}
