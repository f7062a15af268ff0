package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"

	"github.com/tsawler/warninglights/engine"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/export"
	"github.com/tsawler/warninglights/vision/dataset"
)

func runExport(ctx context.Context, args []string) error {
	defaults := export.DefaultOptions()
	fs := newFlagSet("export")
	checkpoint := fs.String("checkpoint", "", "Checkpoint file to export.")
	output := fs.String("output", "", "Destination .onnx file; a .json sidecar is written next to it.")
	numClasses := fs.Int("num-classes", 0, "Expected number of classes; 0 accepts the checkpoint's.")
	classes := fs.String("classes", "", "Class list JSON to embed; must match the checkpoint's classes.")
	opset := fs.Int("opset", defaults.OpsetVersion, "ONNX opset version.")
	noFold := fs.Bool("no-fold", false, "Keep BatchNormalization nodes instead of folding them into convolutions.")
	atol := fs.Float64("atol", defaults.Atol, "Absolute tolerance of the equivalence check.")
	rtol := fs.Float64("rtol", defaults.Rtol, "Relative tolerance of the equivalence check.")
	probes := fs.String("probe-batch-sizes", "1,2", "Comma-separated batch sizes the exported graph is verified at.")
	ortLib := fs.String("ort-lib", "", "Verify with ONNX Runtime loaded from this shared library instead of the built-in evaluator.")
	must.M(fs.Parse(args))

	if *checkpoint == "" {
		return errdefs.Configf("checkpoint", *checkpoint, "is required")
	}
	if *output == "" {
		return errdefs.Configf("output", *output, "is required")
	}
	opts := defaults
	opts.OpsetVersion = *opset
	opts.FoldBatchNorm = !*noFold
	opts.Atol, opts.Rtol = *atol, *rtol
	sizes, err := parseInts(*probes)
	if err != nil {
		return errdefs.Configf("probe-batch-sizes", *probes, "%v", err)
	}
	opts.ProbeBatchSizes = sizes
	if *ortLib != "" {
		runner := &export.ORTRunner{LibraryPath: *ortLib}
		defer runner.Close()
		opts.Runner = runner
	}

	engOpts := engine.Options{NumClasses: *numClasses}
	if *classes != "" {
		labels, err := dataset.ReadClassLabels(*classes)
		if err != nil {
			return err
		}
		engOpts.ClassNames = labels.Names()
	}
	eng, err := engine.New(*checkpoint, engOpts)
	if err != nil {
		return err
	}
	res, err := export.Export(ctx, eng, *output, opts)
	if err != nil {
		return err
	}

	t := newTable(lipgloss.Right, lipgloss.Left).Headers("", "")
	t.Row("graph", fmt.Sprintf("%s (%s, %d nodes)", res.Path, humanize.Bytes(uint64(res.Bytes)), res.Nodes))
	t.Row("metadata", res.SidecarPath)
	t.Row("opset", strconv.Itoa(opts.OpsetVersion))
	t.Row("verified with", fmt.Sprintf("%s at batch sizes %v", res.Runner, res.Probes))
	t.Row("max |diff|", fmt.Sprintf("%.3g (atol %g, rtol %g)", res.MaxAbsDiff, opts.Atol, opts.Rtol))
	fmt.Fprintln(os.Stdout, t.Render())
	return nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
