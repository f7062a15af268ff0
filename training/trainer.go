// Package training runs the supervised training loop: seeded shuffled batches, Adam updates,
// evaluation on the validation split after every epoch, best-checkpoint saving and early stopping.
package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/checkpoints"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/optimizer"
	"github.com/tsawler/warninglights/vision/dataloader"
	"github.com/tsawler/warninglights/vision/dataset"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

const (
	// ClassesFile is the class list written into the output directory.
	ClassesFile = "classes.json"
	// CheckpointsDir is the output subdirectory holding the run's checkpoints.
	CheckpointsDir = "checkpoints"
)

// Result summarizes a finished run.
type Result struct {
	RunID          string
	History        History
	BestEpoch      int
	BestValAcc     float64
	BestCheckpoint string
	EpochsRun      int
	StoppedEarly   bool
	Duration       time.Duration
	Confusion      *ConfusionMatrix // validation confusion matrix of the best epoch
}

// epochRunner is the work of one epoch; the loop's decisions only depend on what it returns.
type epochRunner interface {
	trainEpoch(ctx context.Context, epoch int) (loss, acc float64, err error)
	validate(ctx context.Context, epoch int) (loss, acc float64, err error)
	saveCheckpoint(m EpochMetrics) (string, error)
}

// Trainer manages the training process
type Trainer struct {
	cfg    Config
	runID  string
	labels dataset.ClassLabels

	model *model.Model
	opt   *optimizer.Adam
	sched LRScheduler
	loss  *CrossEntropyLoss

	trainLoader *dataloader.DataLoader
	valLoader   *dataloader.DataLoader
	ckpts       *CheckpointManager

	mu         sync.Mutex
	state      State
	history    History
	stopper    *EarlyStopping
	startEpoch int
	confusion  *ConfusionMatrix // of the latest validation
	best       *ConfusionMatrix
}

// NewTrainer scans both splits, checks that they share one class list, builds the model and
// optimizer, and writes the class list into the output directory.
func NewTrainer(cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	train, err := dataset.NewImageFolderDataset(cfg.TrainDir, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "training split")
	}
	val, err := dataset.NewImageFolderDataset(cfg.ValDir, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "validation split")
	}
	labels := train.Labels()
	if err := labels.Validate(val.Labels()); err != nil {
		return nil, errors.WithMessage(err, "validation classes differ from training classes")
	}
	if cfg.NumClasses != 0 && cfg.NumClasses != labels.Len() {
		return nil, errdefs.CountMismatch("num_classes vs. class directories in "+cfg.TrainDir, cfg.NumClasses, labels.Len())
	}
	klog.Infof("training split: %s", train)
	klog.Infof("validation split: %s", val)

	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	m, err := model.New(cfg.ModelConfig(labels.Len()), rng)
	if err != nil {
		return nil, err
	}
	if cfg.UsePretrainedBackbone {
		if err := loadPretrained(m, cfg.PretrainedBackbonePath); err != nil {
			return nil, err
		}
	}
	if cfg.FreezeBackbone {
		if !cfg.UsePretrainedBackbone {
			klog.Warning("freezing a randomly initialized backbone; only the head will learn")
		}
		m.FreezeBackbone(true)
	}

	adamCfg := optimizer.DefaultAdamConfig()
	adamCfg.LearningRate = cfg.LearningRate
	opt, err := optimizer.NewAdam(m.Parameters(), adamCfg)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(cfg.LRSchedule, cfg.LearningRate, cfg.MaxEpochs)
	if err != nil {
		return nil, err
	}

	trainPipe, err := preprocessing.NewTrainPipeline(cfg.Preprocessing(), cfg.Augmentation, rand.New(rand.NewSource(cfg.RandomSeed+1)))
	if err != nil {
		return nil, err
	}
	evalPipe, err := preprocessing.NewEvalPipeline(cfg.Preprocessing())
	if err != nil {
		return nil, err
	}
	trainLoader, err := dataloader.NewDataLoader(train.Samples(), trainPipe, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		NumWorkers: cfg.workers(),
		Seed:       cfg.RandomSeed + 2,
	})
	if err != nil {
		return nil, err
	}
	valLoader, err := dataloader.NewDataLoader(val.Samples(), evalPipe, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		NumWorkers:   cfg.workers(),
		MaxCacheSize: val.Len(),
	})
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ckpts, err := NewCheckpointManager(filepath.Join(cfg.OutputDir, CheckpointsDir), cfg.KeepCheckpoints, runID, labels, cfg.Preprocessing())
	if err != nil {
		return nil, err
	}
	if err := dataset.WriteClassLabels(filepath.Join(cfg.OutputDir, ClassesFile), labels); err != nil {
		return nil, err
	}

	klog.Infof("model %s: %s parameters", m.Config(), m.NumParameters())
	return &Trainer{
		cfg:         cfg,
		runID:       runID,
		labels:      labels,
		model:       m,
		opt:         opt,
		sched:       sched,
		loss:        NewCrossEntropyLoss(),
		trainLoader: trainLoader,
		valLoader:   valLoader,
		ckpts:       ckpts,
		stopper:     NewEarlyStopping(cfg.EarlyStoppingPatience),
		startEpoch:  1,
	}, nil
}

func loadPretrained(m *model.Model, path string) error {
	c, err := checkpoints.Load(path)
	if err != nil {
		return errors.WithMessage(err, "pretrained backbone")
	}
	n, err := m.LoadBackboneState(c.ModelState)
	if err != nil {
		return errors.WithMessagef(err, "pretrained backbone %s", path)
	}
	if n == 0 {
		return errdefs.Configf("pretrained_backbone_path", path, "contains no backbone weights")
	}
	klog.Infof("initialized backbone from %s (%d tensors)", path, n)
	return nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *model.Model { return t.model }

// Labels returns the class list shared by both splits.
func (t *Trainer) Labels() dataset.ClassLabels { return t.labels }

// Config returns the settings the trainer was built from.
func (t *Trainer) Config() Config { return t.cfg }

// Checkpoints returns the manager saving this run's best checkpoints.
func (t *Trainer) Checkpoints() *CheckpointManager { return t.ckpts }

// Optimizer returns the Adam optimizer updating the trainable parameters.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.opt }

// State returns the current lifecycle state.
func (t *Trainer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Trainer) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		klog.V(2).Infof("training state %s -> %s", prev, s)
	}
}

// History returns a copy of the completed epochs.
func (t *Trainer) History() History {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(History(nil), t.history...)
}

// Run trains until MaxEpochs or early stopping, then writes the report and curves. On
// cancellation it returns the context error together with the partial result; checkpoints saved
// so far stay intact.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	if t.cfg.ResumeFrom != "" {
		c, err := t.ckpts.Resume(t.cfg.ResumeFrom, t.model, t.opt)
		if err != nil {
			return nil, err
		}
		t.startEpoch = c.Epoch + 1
		t.stopper.Restore(c.Epoch, c.ValAcc, 0)
		klog.Infof("resuming after %s", c)
	}

	res, err := t.loop(ctx, t)
	if res != nil && res.BestCheckpoint == "" && t.cfg.ResumeFrom != "" {
		res.BestCheckpoint = t.cfg.ResumeFrom
	}
	if err != nil {
		return res, err
	}
	t.writeArtifacts(res)
	return res, nil
}

// loop drives the epoch state machine.
func (t *Trainer) loop(ctx context.Context, r epochRunner) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: t.runID}
	finish := func() *Result {
		res.History = t.History()
		res.EpochsRun = len(res.History)
		res.BestEpoch, res.BestValAcc = t.stopper.Best()
		res.Duration = time.Since(start)
		res.Confusion = t.best
		return res
	}

	t.setState(Initializing)
	for epoch := t.startEpoch; epoch <= t.cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return finish(), err
		}
		epochStart := time.Now()

		t.setState(EpochRunning)
		trainLoss, trainAcc, err := r.trainEpoch(ctx, epoch)
		if err != nil {
			return finish(), errors.WithMessagef(err, "epoch %d", epoch)
		}

		t.setState(Validating)
		valLoss, valAcc, err := r.validate(ctx, epoch)
		if err != nil {
			return finish(), errors.WithMessagef(err, "validating epoch %d", epoch)
		}

		m := EpochMetrics{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			TrainAcc:  trainAcc,
			ValLoss:   valLoss,
			ValAcc:    valAcc,
			Duration:  time.Since(epochStart),
		}
		if t.opt != nil {
			m.LearningRate = t.opt.LearningRate()
		}
		t.mu.Lock()
		t.history = append(t.history, m)
		t.mu.Unlock()
		klog.Infof("%d/%d %s", epoch, t.cfg.MaxEpochs, m)

		t.setState(CheckpointDecision)
		if t.stopper.Observe(epoch, valAcc) {
			path, err := r.saveCheckpoint(m)
			if err != nil {
				return finish(), errors.WithMessagef(err, "checkpoint for epoch %d", epoch)
			}
			res.BestCheckpoint = path
			t.best = t.confusion
		}

		t.setState(EarlyStopCheck)
		if t.stopper.ShouldStop() {
			best, acc := t.stopper.Best()
			klog.Infof("early stopping after epoch %d: no improvement for %d epochs (best %.2f%% at epoch %d)",
				epoch, t.stopper.EpochsWithoutImprovement(), acc, best)
			res.StoppedEarly = true
			break
		}
	}
	t.setState(Completed)
	return finish(), nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, float64, error) {
	if lr := t.sched.LR(epoch); lr != t.opt.LearningRate() {
		klog.Infof("epoch %d: learning rate %g", epoch, lr)
		t.opt.SetLearningRate(lr)
	}
	bar := NewProgressBar(t.cfg.Progress, t.cfg.Quiet, fmt.Sprintf("epoch %d/%d train", epoch, t.cfg.MaxEpochs), t.trainLoader.NumBatches())
	defer bar.Finish()

	var lossSum float64
	var correct, count int
	err := t.trainLoader.ForEach(ctx, func(b *dataloader.Batch) error {
		t.model.ZeroGrad()
		logits, err := t.model.Forward(b.Images, true)
		if err != nil {
			return err
		}
		loss, grad, err := t.loss.ForwardBackward(logits, b.Labels)
		if err != nil {
			return err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			klog.Warningf("epoch %d batch %d: non-finite loss %v", epoch, b.Index, loss)
		}
		if err := t.model.Backward(grad); err != nil {
			return err
		}
		if err := t.opt.Step(); err != nil {
			return err
		}
		lossSum += loss * float64(b.Size())
		correct += countCorrect(logits, b.Labels)
		count += b.Size()
		bar.Update(lossSum/float64(count), 100*float64(correct)/float64(count))
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return lossSum / float64(count), 100 * float64(correct) / float64(count), nil
}

func (t *Trainer) validate(ctx context.Context, epoch int) (float64, float64, error) {
	bar := NewProgressBar(t.cfg.Progress, t.cfg.Quiet, fmt.Sprintf("epoch %d/%d val", epoch, t.cfg.MaxEpochs), t.valLoader.NumBatches())
	defer bar.Finish()

	cm := NewConfusionMatrix(t.labels.Len())
	var lossSum float64
	var count int
	err := t.valLoader.ForEach(ctx, func(b *dataloader.Batch) error {
		logits, err := t.model.Forward(b.Images, false)
		if err != nil {
			return err
		}
		loss, err := t.loss.Forward(logits, b.Labels)
		if err != nil {
			return err
		}
		lossSum += loss * float64(b.Size())
		count += b.Size()
		cm.Update(logits, b.Labels)
		bar.Update(lossSum/float64(count), cm.Accuracy())
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	t.confusion = cm
	t.sched.Observe(epoch, cm.Accuracy())
	return lossSum / float64(count), cm.Accuracy(), nil
}

func (t *Trainer) saveCheckpoint(m EpochMetrics) (string, error) {
	return t.ckpts.Save(m, t.model, t.opt)
}

// writeArtifacts writes the report and the curves. Failures are logged; the checkpoints are the
// primary output of a run.
func (t *Trainer) writeArtifacts(res *Result) {
	report := &Report{
		RunID:               res.RunID,
		BestEpoch:           res.BestEpoch,
		BestValAcc:          res.BestValAcc,
		BestCheckpoint:      res.BestCheckpoint,
		TotalEpochs:         res.EpochsRun,
		StoppedEarly:        res.StoppedEarly,
		TrainingTimeMinutes: res.Duration.Minutes(),
		Config:              t.cfg,
		Classes:             t.labels.Names(),
		Device:              Device(),
		History:             res.History,
		Confusion:           res.Confusion,
	}
	if err := WriteReport(filepath.Join(t.cfg.OutputDir, ReportFile), report); err != nil {
		klog.Warningf("training report: %v", err)
	}
	if len(res.History) > 0 {
		if err := PlotCurves(filepath.Join(t.cfg.OutputDir, CurvesFile), res.History); err != nil {
			klog.Warningf("training curves: %v", err)
		}
	}
	if res.Confusion != nil {
		klog.Infof("best epoch %d per-class validation recall:\n%s", res.BestEpoch, res.Confusion.Format(t.labels.Names()))
	}
}
