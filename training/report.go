package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	ReportFile = "training_report.json"
	CurvesFile = "training_curves.png"
)

// Report is the JSON summary written at the end of a run.
type Report struct {
	RunID               string           `json:"run_id"`
	BestEpoch           int              `json:"best_epoch"`
	BestValAcc          float64          `json:"best_val_acc"`
	BestCheckpoint      string           `json:"best_checkpoint"`
	TotalEpochs         int              `json:"total_epochs"`
	StoppedEarly        bool             `json:"stopped_early"`
	TrainingTimeMinutes float64          `json:"training_time_minutes"`
	Config              Config           `json:"config"`
	Classes             []string         `json:"classes"`
	Device              string           `json:"device"`
	History             History          `json:"history"`
	Confusion           *ConfusionMatrix `json:"best_confusion_matrix,omitempty"`
}

// Device describes the CPU the run used.
func Device() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	return fmt.Sprintf("cpu: %s (%d logical cores)", brand, cpuid.CPU.LogicalCores)
}

// WriteReport writes r as indented JSON.
func WriteReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding training report")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing %s", path)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &r, nil
}

// PlotCurves renders loss and accuracy per epoch side by side as a PNG.
func PlotCurves(path string, h History) error {
	if len(h) == 0 {
		return errors.New("no epochs to plot")
	}
	loss, err := curvePlot("Loss", "loss", h,
		func(m EpochMetrics) float64 { return m.TrainLoss },
		func(m EpochMetrics) float64 { return m.ValLoss })
	if err != nil {
		return err
	}
	acc, err := curvePlot("Accuracy", "accuracy (%)", h,
		func(m EpochMetrics) float64 { return m.TrainAcc },
		func(m EpochMetrics) float64 { return m.ValAcc })
	if err != nil {
		return err
	}

	img := vgimg.New(15*vg.Centimeter, 6*vg.Centimeter)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2), PadLeft: vg.Points(2), PadRight: vg.Points(2)}
	plots := [][]*plot.Plot{{loss, acc}}
	canvases := plot.Align(plots, tiles, dc)
	for j := range plots {
		for i := range plots[j] {
			plots[j][i].Draw(canvases[j][i])
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "writing %s", path)
}

func curvePlot(title, ylabel string, h History, train, val func(EpochMetrics) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = ylabel
	p.Legend.Top = true

	trainXY := make(plotter.XYs, len(h))
	valXY := make(plotter.XYs, len(h))
	for i, m := range h {
		trainXY[i] = plotter.XY{X: float64(m.Epoch), Y: train(m)}
		valXY[i] = plotter.XY{X: float64(m.Epoch), Y: val(m)}
	}
	if err := plotutil.AddLinePoints(p, "train", trainXY, "val", valXY); err != nil {
		return nil, errors.Wrapf(err, "plotting %s", title)
	}
	return p, nil
}
