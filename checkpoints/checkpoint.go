// Package checkpoints persists training snapshots: model state, optimizer state, metrics, class
// pairing data and preprocessing constants, in a versioned binary record.
package checkpoints

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/optimizer"
	"github.com/tsawler/warninglights/tensor"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

// FormatVersion is the record version written by this package.
const FormatVersion = 1

var (
	ErrNotFound  = fmt.Errorf("checkpoint not found: %w", errdefs.ErrConfiguration)
	ErrMalformed = fmt.Errorf("malformed checkpoint: %w", errdefs.ErrConfiguration)
)

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	FormatVersion int
	RunID         string
	Epoch         int

	ModelConfig    model.Config
	ModelState     []tensor.NamedTensor
	OptimizerState *optimizer.OptimizerState // nil for weight-only snapshots

	TrainAcc  float64
	ValAcc    float64
	TrainLoss float64
	ValLoss   float64

	// Pairing data: the inference side must be given the same class list.
	NumClasses int
	ClassHash  string
	ClassNames []string

	Preprocessing preprocessing.Config
	CreatedAt     time.Time
}

// Validate checks the invariants a loaded record must satisfy before it is used.
func (c *Checkpoint) Validate() error {
	switch {
	case c.FormatVersion != FormatVersion:
		return errors.Wrapf(ErrMalformed, "unsupported format version %d", c.FormatVersion)
	case len(c.ModelState) == 0:
		return errors.Wrap(ErrMalformed, "no model state")
	case c.NumClasses <= 0:
		return errors.Wrapf(ErrMalformed, "num_classes %d", c.NumClasses)
	case c.ModelConfig.NumClasses != c.NumClasses:
		return errors.Wrapf(ErrMalformed, "model config has %d classes, record has %d", c.ModelConfig.NumClasses, c.NumClasses)
	case len(c.ClassNames) != 0 && len(c.ClassNames) != c.NumClasses:
		return errors.Wrapf(ErrMalformed, "%d class names for %d classes", len(c.ClassNames), c.NumClasses)
	}
	for _, e := range c.ModelState {
		if len(e.Data) != e.Size() {
			return errors.Wrapf(ErrMalformed, "state entry %s has %d values for shape %s",
				e.Name, len(e.Data), tensor.ShapeString(e.Shape))
		}
	}
	return nil
}

// Restore builds a model from the checkpoint's architecture and loads its state. Pretrained
// backbone loading is always disabled; the state replaces every weight.
func (c *Checkpoint) Restore() (*model.Model, error) {
	cfg := c.ModelConfig
	cfg.Pretrained = false
	m, err := model.New(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(c.ModelState); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Checkpoint) String() string {
	return fmt.Sprintf("epoch %d, val acc %.2f%%, val loss %.4f, %s", c.Epoch, c.ValAcc, c.ValLoss, c.ModelConfig)
}
