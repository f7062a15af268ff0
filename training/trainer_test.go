package training

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/checkpoints"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/optimizer"
	"github.com/tsawler/warninglights/tensor"
	"github.com/tsawler/warninglights/vision/dataset"
)

// fakeRunner replays fixed validation accuracies.
type fakeRunner struct {
	valAccs []float64
	saveErr error
	cancel  func()

	trained []int
	saved   []int
}

func (f *fakeRunner) trainEpoch(_ context.Context, epoch int) (float64, float64, error) {
	f.trained = append(f.trained, epoch)
	if f.cancel != nil && epoch == 2 {
		f.cancel()
	}
	return 1 / float64(epoch), 50, nil
}

func (f *fakeRunner) validate(_ context.Context, epoch int) (float64, float64, error) {
	return 0.5, f.valAccs[epoch-1], nil
}

func (f *fakeRunner) saveCheckpoint(m EpochMetrics) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.saved = append(f.saved, m.Epoch)
	return fmt.Sprintf("epoch_%d", m.Epoch), nil
}

func loopTrainer(maxEpochs, patience int) *Trainer {
	return &Trainer{
		cfg:        Config{MaxEpochs: maxEpochs, EarlyStoppingPatience: patience},
		runID:      "run",
		stopper:    NewEarlyStopping(patience),
		startEpoch: 1,
	}
}

func TestLoopEarlyStopping(t *testing.T) {
	tr := loopTrainer(10, 3)
	r := &fakeRunner{valAccs: []float64{50, 60, 70, 65, 70, 69, 99, 99, 99, 99}}

	res, err := tr.loop(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, r.trained)
	assert.Equal(t, []int{1, 2, 3}, r.saved)
	assert.True(t, res.StoppedEarly)
	assert.Equal(t, 6, res.EpochsRun)
	assert.Equal(t, 3, res.BestEpoch)
	assert.Equal(t, 70.0, res.BestValAcc)
	assert.Equal(t, "epoch_3", res.BestCheckpoint)
	assert.Len(t, res.History, 6)
	assert.Equal(t, 65.0, res.History[3].ValAcc)
	assert.Equal(t, Completed, tr.State())
}

func TestLoopRunsToMaxEpochs(t *testing.T) {
	tr := loopTrainer(4, 0)
	r := &fakeRunner{valAccs: []float64{90, 10, 10, 10}}

	res, err := tr.loop(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, 4, res.EpochsRun)
	assert.Equal(t, []int{1}, r.saved)
}

func TestLoopErrors(t *testing.T) {
	t.Run("SaveFailure", func(t *testing.T) {
		boom := errors.New("disk full")
		tr := loopTrainer(5, 2)
		res, err := tr.loop(context.Background(), &fakeRunner{valAccs: []float64{1, 2}, saveErr: boom})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, res.EpochsRun)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		tr := loopTrainer(5, 0)
		r := &fakeRunner{valAccs: []float64{1, 2, 3, 4, 5}, cancel: cancel}
		res, err := tr.loop(ctx, r)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []int{1, 2}, r.trained)
		assert.Equal(t, 2, res.EpochsRun)
		assert.Equal(t, []int{1, 2}, r.saved)
	})
}

// writeDataset writes perClass images per class; classes differ by hue.
func writeDataset(t *testing.T, names []string, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for c, name := range names {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			base := color.NRGBA{R: uint8(220 - 200*c), G: uint8(40 + 5*i), B: uint8(20 + 200*c), A: 255}
			img := imaging.New(40, 30, base)
			require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))))
		}
	}
	return root
}

func smallConfig(t *testing.T, data string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TrainDir = data
	cfg.ValDir = data
	cfg.OutputDir = t.TempDir()
	cfg.BatchSize = 4
	cfg.MaxEpochs = 5
	cfg.EarlyStoppingPatience = 10
	cfg.Backbone = "resnet-micro"
	cfg.ImageSize = 32
	cfg.NumWorkers = 2
	cfg.Quiet = true
	return cfg
}

func TestTrainEndToEnd(t *testing.T) {
	names := []string{"abs", "battery"}
	cfg := smallConfig(t, writeDataset(t, names, 10))

	tr, err := NewTrainer(cfg)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, res.EpochsRun)
	require.Len(t, res.History, 5)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, Completed, tr.State())
	for i, m := range res.History {
		assert.Equal(t, i+1, m.Epoch)
		assert.GreaterOrEqual(t, m.ValAcc, 0.0)
		assert.LessOrEqual(t, m.ValAcc, 100.0)
		assert.Equal(t, cfg.LearningRate, m.LearningRate)
	}

	entries, err := tr.Checkpoints().Store().List()
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the best checkpoint is kept")
	assert.Equal(t, res.BestCheckpoint, entries[0].Path)
	assert.Equal(t, filepath.Join(cfg.OutputDir, CheckpointsDir), filepath.Dir(res.BestCheckpoint))

	c, err := checkpoints.Load(res.BestCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, res.BestEpoch, c.Epoch)
	assert.Equal(t, names, c.ClassNames)
	assert.Equal(t, dataset.HashNames(names), c.ClassHash)
	assert.InDelta(t, res.BestValAcc, c.ValAcc, 1e-9)
	assert.Equal(t, cfg.Preprocessing(), c.Preprocessing)
	assert.Equal(t, res.RunID, c.RunID)
	assert.NotNil(t, c.OptimizerState)

	labels, err := dataset.ReadClassLabels(filepath.Join(cfg.OutputDir, ClassesFile))
	require.NoError(t, err)
	assert.Equal(t, names, labels.Names())

	report, err := ReadReport(filepath.Join(cfg.OutputDir, ReportFile))
	require.NoError(t, err)
	assert.Equal(t, res.BestEpoch, report.BestEpoch)
	assert.Equal(t, 5, report.TotalEpochs)
	assert.Equal(t, names, report.Classes)
	assert.Len(t, report.History, 5)
	require.NotNil(t, report.Confusion)
	assert.Equal(t, 20, report.Confusion.Total)

	info, err := os.Stat(filepath.Join(cfg.OutputDir, CurvesFile))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestTrainResume(t *testing.T) {
	names := []string{"abs", "battery"}
	data := writeDataset(t, names, 10)

	cfg := smallConfig(t, data)
	cfg.MaxEpochs = 2
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)
	first, err := tr.Run(context.Background())
	require.NoError(t, err)
	c, err := checkpoints.Load(first.BestCheckpoint)
	require.NoError(t, err)

	cfg = smallConfig(t, data)
	cfg.MaxEpochs = 3
	cfg.ResumeFrom = first.BestCheckpoint
	tr, err = NewTrainer(cfg)
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, res.History)
	assert.Equal(t, c.Epoch+1, res.History[0].Epoch)
	assert.Equal(t, 3, res.History[len(res.History)-1].Epoch)
	assert.Equal(t, c.OptimizerState.Step+int64(5*len(res.History)), tr.Optimizer().StepCount())

	// A checkpoint from another class list cannot be resumed.
	cfg = smallConfig(t, writeDataset(t, []string{"abs", "battery", "oil"}, 2))
	cfg.ResumeFrom = first.BestCheckpoint
	tr, err = NewTrainer(cfg)
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

func TestTrainFrozenBackbone(t *testing.T) {
	cfg := smallConfig(t, writeDataset(t, []string{"abs", "battery"}, 10))
	cfg.MaxEpochs = 2
	cfg.FreezeBackbone = true
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)
	m := tr.Model()
	for _, p := range m.Parameters() {
		assert.False(t, strings.HasPrefix(p.Name, model.BackbonePrefix), p.Name)
	}
	before := m.State()

	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	headChanged := false
	for i, after := range m.State() {
		p := m.Parameter(after.Name)
		require.NotNil(t, p, after.Name)
		if !p.Learnable {
			continue
		}
		if strings.HasPrefix(after.Name, model.BackbonePrefix) {
			assert.Equal(t, before[i].Data, after.Data, after.Name)
		} else if !assert.ObjectsAreEqual(before[i].Data, after.Data) {
			headChanged = true
		}
	}
	assert.True(t, headChanged, "the head must still learn")
}

func TestTrainTwiceIntoOneOutputDir(t *testing.T) {
	data := writeDataset(t, []string{"abs", "battery"}, 10)
	cfg := smallConfig(t, data)
	cfg.MaxEpochs = 4
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)
	first, err := tr.Run(context.Background())
	require.NoError(t, err)

	// The same seed reproduces the first run's epoch 1, name and all but the run tag.
	cfg.MaxEpochs = 1
	tr, err = NewTrainer(cfg)
	require.NoError(t, err)
	second, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	for _, res := range []*Result{first, second} {
		c, err := checkpoints.Load(res.BestCheckpoint)
		require.NoError(t, err, res.BestCheckpoint)
		assert.Equal(t, res.RunID, c.RunID)
		assert.Equal(t, res.BestEpoch, c.Epoch)
	}
	entries, err := tr.Checkpoints().Store().List()
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one best checkpoint per run")
}

func TestNewTrainerErrors(t *testing.T) {
	data := writeDataset(t, []string{"abs", "battery"}, 2)

	cfg := smallConfig(t, data)
	cfg.ValDir = writeDataset(t, []string{"abs", "oil"}, 2)
	_, err := NewTrainer(cfg)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	cfg = smallConfig(t, data)
	cfg.ValDir = writeDataset(t, []string{"abs"}, 2)
	_, err = NewTrainer(cfg)
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	cfg = smallConfig(t, data)
	cfg.NumClasses = 3
	_, err = NewTrainer(cfg)
	assert.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	cfg = smallConfig(t, data)
	cfg.BatchSize = 0
	_, err = NewTrainer(cfg)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestOverfitSingleBatch(t *testing.T) {
	mc := model.Config{NumClasses: 2, Backbone: "resnet-micro", ImageSize: 32}
	m, err := model.New(mc, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = 1e-2
	opt, err := optimizer.NewAdam(m.Parameters(), cfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(4))
	x := tensor.New(4, 3, 32, 32)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	labels := []int{0, 1, 0, 1}
	loss := NewCrossEntropyLoss()

	var first, last float64
	for step := 0; step < 25; step++ {
		m.ZeroGrad()
		out, err := m.Forward(x, true)
		require.NoError(t, err)
		l, grad, err := loss.ForwardBackward(out, labels)
		require.NoError(t, err)
		require.NoError(t, m.Backward(grad))
		require.NoError(t, opt.Step())
		if step == 0 {
			first = l
		}
		last = l
	}
	assert.Less(t, last, first)
}

func TestPlotCurves(t *testing.T) {
	path := filepath.Join(t.TempDir(), CurvesFile)
	h := History{
		{Epoch: 1, TrainLoss: 0.9, ValLoss: 1.0, TrainAcc: 40, ValAcc: 35},
		{Epoch: 2, TrainLoss: 0.6, ValLoss: 0.8, TrainAcc: 60, ValAcc: 55},
	}
	require.NoError(t, PlotCurves(path, h))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))

	assert.Error(t, PlotCurves(path, nil))
}
