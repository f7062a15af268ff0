package training

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/checkpoints"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/optimizer"
	"github.com/tsawler/warninglights/vision/dataset"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

// CheckpointManager saves best-so-far checkpoints for a run and applies retention.
type CheckpointManager struct {
	store  *checkpoints.Store
	keep   int
	runID  string
	labels dataset.ClassLabels
	pre    preprocessing.Config
	saved  []string
}

// NewCheckpointManager creates a new checkpoint manager writing into dir.
func NewCheckpointManager(dir string, keep int, runID string, labels dataset.ClassLabels, pre preprocessing.Config) (*CheckpointManager, error) {
	store, err := checkpoints.NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &CheckpointManager{store: store, keep: keep, runID: runID, labels: labels, pre: pre}, nil
}

// Store returns the directory store the manager writes into.
func (cm *CheckpointManager) Store() *checkpoints.Store { return cm.store }

// Saved returns the paths written by this manager, oldest first, including pruned ones.
func (cm *CheckpointManager) Saved() []string { return append([]string(nil), cm.saved...) }

// Save snapshots the model and optimizer after epoch m, then prunes older checkpoints. A failed
// prune is logged; the new checkpoint is already durable.
func (cm *CheckpointManager) Save(m EpochMetrics, mdl *model.Model, opt optimizer.Optimizer) (string, error) {
	c := &checkpoints.Checkpoint{
		FormatVersion:  checkpoints.FormatVersion,
		RunID:          cm.runID,
		Epoch:          m.Epoch,
		ModelConfig:    mdl.Config(),
		ModelState:     mdl.State(),
		OptimizerState: opt.State(),
		TrainAcc:       m.TrainAcc,
		ValAcc:         m.ValAcc,
		TrainLoss:      m.TrainLoss,
		ValLoss:        m.ValLoss,
		NumClasses:     cm.labels.Len(),
		ClassHash:      cm.labels.Hash(),
		ClassNames:     cm.labels.Names(),
		Preprocessing:  cm.pre,
		CreatedAt:      time.Now().UTC(),
	}
	path, err := cm.store.Save(c)
	if err != nil {
		return "", err
	}
	cm.saved = append(cm.saved, path)
	klog.Infof("saved best checkpoint %s (val acc %.2f%%)", path, m.ValAcc)

	removed, err := cm.store.Prune(cm.runID, cm.keep)
	if err != nil {
		klog.Warningf("checkpoint retention in %s: %v", cm.store.Dir, err)
	}
	for _, p := range removed {
		klog.V(1).Infof("removed old checkpoint %s", p)
	}
	return path, nil
}

// Resume loads path into mdl and opt. The checkpoint must come from the same class list.
func (cm *CheckpointManager) Resume(path string, mdl *model.Model, opt optimizer.Optimizer) (*checkpoints.Checkpoint, error) {
	c, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	if c.ClassHash != cm.labels.Hash() {
		return nil, errdefs.ShapeMismatch("class list of "+path, []int{cm.labels.Len()}, []int{c.NumClasses})
	}
	if err := mdl.LoadState(c.ModelState); err != nil {
		return nil, errors.WithMessagef(err, "resuming from %s", path)
	}
	if c.OptimizerState == nil {
		return nil, errors.Wrapf(checkpoints.ErrMalformed, "%s has no optimizer state to resume from", path)
	}
	if err := opt.LoadState(c.OptimizerState); err != nil {
		return nil, errors.WithMessagef(err, "resuming from %s", path)
	}
	return c, nil
}
