package export

import (
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/onnx"
)

const (
	DefaultOpset = 12
	DefaultAtol  = 1e-4
	DefaultRtol  = 1e-3
)

// Options controls graph construction and the equivalence check.
type Options struct {
	OpsetVersion  int
	FoldBatchNorm bool
	// Atol and Rtol bound |exported - source| ≤ Atol + Rtol·|source| for every logit.
	Atol, Rtol float64
	// ProbeBatchSizes are the batch sizes the exported graph is run at during validation.
	ProbeBatchSizes []int
	Seed            int64
	// Runner evaluates the exported file; nil uses the pure-Go runtime.
	Runner Runner
}

func DefaultOptions() Options {
	return Options{
		OpsetVersion:    DefaultOpset,
		FoldBatchNorm:   true,
		Atol:            DefaultAtol,
		Rtol:            DefaultRtol,
		ProbeBatchSizes: []int{1, 2},
		Seed:            1,
	}
}

func (o Options) Validate() error {
	if o.OpsetVersion < onnx.MinOpset || o.OpsetVersion > onnx.MaxOpset {
		return errdefs.Configf("opset", o.OpsetVersion, "must be between %d and %d", onnx.MinOpset, onnx.MaxOpset)
	}
	if o.Atol < 0 || o.Rtol < 0 {
		return errdefs.Configf("tolerance", [2]float64{o.Atol, o.Rtol}, "must not be negative")
	}
	if len(o.ProbeBatchSizes) == 0 {
		return errdefs.Configf("probe_batch_sizes", o.ProbeBatchSizes, "at least one probe is required")
	}
	for _, n := range o.ProbeBatchSizes {
		if n <= 0 {
			return errdefs.Configf("probe_batch_sizes", o.ProbeBatchSizes, "batch sizes must be positive")
		}
	}
	return nil
}

func (o Options) runner() Runner {
	if o.Runner != nil {
		return o.Runner
	}
	return GoRunner{}
}
