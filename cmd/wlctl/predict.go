package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/janpfeifer/must"

	"github.com/tsawler/warninglights/engine"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/vision/dataset"
)

func runPredict(ctx context.Context, args []string) error {
	fs := newFlagSet("predict")
	var images stringList
	fs.Var(&images, "image", "Image to classify; repeat for several images.")
	checkpoint := fs.String("checkpoint", "", "Checkpoint file to load.")
	classes := fs.String("classes", "", "Class list JSON (a list, or an object keyed by index). Defaults to the names stored in the checkpoint.")
	topK := fs.Int("top-k", 3, "Number of predictions to show per image.")
	workers := fs.Int("workers", 0, "Concurrent image decoders; 0 uses every CPU.")
	diagnostics := fs.String("diagnostics", "", "Knowledge-base JSON keyed by class name; adds severity and recommended action to each prediction.")
	must.M(fs.Parse(args))
	images = append(images, fs.Args()...)

	if *checkpoint == "" {
		return errdefs.Configf("checkpoint", *checkpoint, "is required")
	}
	if len(images) == 0 {
		return errdefs.Configf("image", "", "at least one image is required")
	}
	opts := engine.Options{Workers: *workers}
	if *classes != "" {
		labels, err := dataset.ReadClassLabels(*classes)
		if err != nil {
			return err
		}
		opts.ClassNames = labels.Names()
	}
	var kb engine.Diagnostics
	if *diagnostics != "" {
		var err error
		if kb, err = engine.ReadDiagnostics(*diagnostics); err != nil {
			return err
		}
	}
	eng, err := engine.New(*checkpoint, opts)
	if err != nil {
		return err
	}
	preds, err := eng.PredictAll(ctx, images, *topK)
	if err != nil {
		return err
	}
	for _, p := range preds {
		kb.Annotate(p)
	}
	fmt.Fprintln(os.Stdout, predictionTable(images, preds).Render())
	return nil
}

// predictionTable lists the ranked classes of every image, one row per prediction. Severity and
// action columns appear when any prediction carries a diagnostic.
func predictionTable(images []string, preds [][]engine.Prediction) *lgtable.Table {
	annotated := false
	for _, ps := range preds {
		for _, p := range ps {
			annotated = annotated || p.Diagnostic != nil
		}
	}
	headers := []string{"image", "rank", "class", "confidence"}
	if annotated {
		headers = append(headers, "severity", "action")
	}
	t := newTable(lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Left).
		Headers(headers...)
	for i, path := range images {
		for rank, p := range preds[i] {
			name := path
			if rank > 0 {
				name = ""
			}
			row := []string{name, strconv.Itoa(rank + 1), p.ClassName, fmt.Sprintf("%.2f%%", p.Confidence)}
			if annotated {
				severity, action := "", ""
				if d := p.Diagnostic; d != nil {
					severity, action = d.Severity, d.Action
				}
				row = append(row, severity, action)
			}
			t.Row(row...)
		}
	}
	return t
}
