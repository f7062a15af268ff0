// Package export converts a trained classifier into an ONNX graph and proves the graph computes
// the same logits as the source model before publishing it.
package export

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/engine"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/onnx"
	"github.com/tsawler/warninglights/tensor"
	"github.com/tsawler/warninglights/vision/dataset"
)

// SidecarSuffix is appended to the output path to name the JSON metadata file.
const SidecarSuffix = ".json"

// Sidecar describes an exported graph for serving code that does not read ONNX metadata.
type Sidecar struct {
	InputName   string     `json:"input_name"`
	OutputName  string     `json:"output_name"`
	InputShape  []int64    `json:"input_shape"` // -1 marks the dynamic batch dimension
	OutputShape []int64    `json:"output_shape"`
	Classes     []string   `json:"classes"`
	ClassHash   string     `json:"class_hash"`
	ImageSize   int        `json:"image_size"`
	Mean        [3]float32 `json:"mean"`
	Std         [3]float32 `json:"std"`
	Opset       int        `json:"opset"`
	RunID       string     `json:"run_id,omitempty"`
	ExportID    string     `json:"export_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReadSidecar loads the metadata written next to an exported graph.
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &s, nil
}

// Result reports a successful export.
type Result struct {
	Path        string
	SidecarPath string
	Bytes       int
	Nodes       int
	Runner      string
	Probes      []int
	MaxAbsDiff  float64
}

// Export writes the engine's model to output as ONNX. The graph is written to a temporary file,
// re-read and checked, then evaluated on random inputs at every probe batch size and compared with
// the engine's own logits. Only a graph that passes replaces output; on any failure the temporary
// file is removed and output is left untouched.
func Export(ctx context.Context, eng *engine.InferenceEngine, output string, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m, err := eng.Model()
	if err != nil {
		return nil, err
	}

	md := Metadata{ClassNames: eng.ClassNames()}
	pre := eng.Preprocessing()
	md.Mean, md.Std = pre.Mean, pre.Std
	md.ClassHash = dataset.HashNames(md.ClassNames)
	if c := eng.Checkpoint(); c != nil {
		md.RunID = c.RunID
		if c.ClassHash != "" {
			md.ClassHash = c.ClassHash
		}
	}
	graph, err := Build(m, md, opts)
	if err != nil {
		return nil, err
	}
	data := onnx.Marshal(graph)

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.onnx")
	if err != nil {
		return nil, errors.Wrapf(err, "creating temporary file in %s", dir)
	}
	published := false
	defer func() {
		if !published {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrapf(err, "writing %s", tmp.Name())
	}

	written, err := onnx.ReadFile(tmp.Name())
	if err != nil {
		return nil, err
	}
	if err := onnx.Check(written); err != nil {
		return nil, errors.WithMessage(err, "exported graph")
	}

	runner := opts.runner()
	res := &Result{
		Path:        output,
		SidecarPath: output + SidecarSuffix,
		Bytes:       len(data),
		Nodes:       len(written.Graph.Node),
		Runner:      runner.Name(),
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	numClasses := m.NumClasses()
	for _, n := range opts.ProbeBatchSizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		shape := append([]int{n}, eng.InputShape()...)
		probe := tensor.RandNormal(rng, 0, 1, shape...)
		want, err := eng.Logits(probe)
		if err != nil {
			return nil, err
		}
		got, err := runner.Run(tmp.Name(), probe, []int{n, numClasses})
		if err != nil {
			return nil, errors.WithMessagef(err, "running exported graph at batch size %d", n)
		}
		diff, err := Compare(output, n, want, got, opts.Atol, opts.Rtol)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("batch size %d: max |diff| %.3g (%s runner)", n, diff, runner.Name())
		res.Probes = append(res.Probes, n)
		res.MaxAbsDiff = math.Max(res.MaxAbsDiff, diff)
	}

	if err := os.Rename(tmp.Name(), output); err != nil {
		return nil, errors.Wrapf(err, "publishing %s", output)
	}
	published = true

	side := &Sidecar{
		InputName:   InputName,
		OutputName:  OutputName,
		InputShape:  []int64{-1, 3, int64(pre.ImageSize), int64(pre.ImageSize)},
		OutputShape: []int64{-1, int64(numClasses)},
		Classes:     md.ClassNames,
		ClassHash:   md.ClassHash,
		ImageSize:   pre.ImageSize,
		Mean:        pre.Mean,
		Std:         pre.Std,
		Opset:       opts.OpsetVersion,
		RunID:       md.RunID,
		ExportID:    uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
	}
	sideData, err := json.MarshalIndent(side, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding sidecar")
	}
	if err := os.WriteFile(res.SidecarPath, sideData, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", res.SidecarPath)
	}

	klog.Infof("exported %s (%s, %d nodes, opset %d), max |diff| %.3g over batch sizes %v",
		output, humanize.Bytes(uint64(res.Bytes)), res.Nodes, opts.OpsetVersion, res.MaxAbsDiff, res.Probes)
	return res, nil
}

// Compare checks |got - want| ≤ atol + rtol·|want| element-wise and returns the largest absolute
// difference. The first violating element is reported as an EquivalenceError.
func Compare(artifact string, batch int, want, got *tensor.Tensor, atol, rtol float64) (float64, error) {
	if !tensor.SameShape(want.Shape, got.Shape) {
		return 0, errdefs.ShapeMismatch("exported graph output", want.Shape, got.Shape)
	}
	var maxDiff float64
	bad := -1
	for i, w := range want.Data {
		d := math.Abs(float64(got.Data[i]) - float64(w))
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		if d > maxDiff {
			maxDiff = d
		}
		if bad < 0 && d > atol+rtol*math.Abs(float64(w)) {
			bad = i
		}
	}
	if bad >= 0 {
		return maxDiff, errors.WithStack(&errdefs.EquivalenceError{
			Artifact:   artifact,
			BatchSize:  batch,
			Index:      bad,
			Expected:   want.Data[bad],
			Actual:     got.Data[bad],
			MaxAbsDiff: maxDiff,
			Atol:       atol,
			Rtol:       rtol,
		})
	}
	return maxDiff, nil
}
