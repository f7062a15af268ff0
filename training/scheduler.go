package training

import (
	"math"

	"github.com/tsawler/warninglights/errdefs"
)

// Schedule names accepted in ScheduleConfig.Name.
const (
	ScheduleConstant = "constant"
	ScheduleStep     = "step"
	ScheduleCosine   = "cosine"
	SchedulePlateau  = "plateau"
)

// ScheduleConfig selects how the learning rate changes between epochs. Fields that do not apply
// to the chosen schedule are ignored.
type ScheduleConfig struct {
	Name     string  `json:"name" yaml:"name"`
	StepSize int     `json:"step_size,omitempty" yaml:"step_size"` // step: epochs between decays
	Gamma    float64 `json:"gamma,omitempty" yaml:"gamma"`         // step: decay factor
	MinLR    float64 `json:"min_lr,omitempty" yaml:"min_lr"`       // cosine: floor
	Factor   float64 `json:"factor,omitempty" yaml:"factor"`       // plateau: decay factor
	Patience int     `json:"patience,omitempty" yaml:"patience"`   // plateau: epochs without improvement
}

func (c ScheduleConfig) Validate() error {
	switch c.Name {
	case "", ScheduleConstant:
	case ScheduleStep:
		if c.StepSize <= 0 {
			return errdefs.Configf("lr_schedule.step_size", c.StepSize, "must be positive")
		}
		if c.Gamma <= 0 || c.Gamma >= 1 {
			return errdefs.Configf("lr_schedule.gamma", c.Gamma, "must be in (0, 1)")
		}
	case ScheduleCosine:
		if c.MinLR < 0 {
			return errdefs.Configf("lr_schedule.min_lr", c.MinLR, "must not be negative")
		}
	case SchedulePlateau:
		if c.Factor <= 0 || c.Factor >= 1 {
			return errdefs.Configf("lr_schedule.factor", c.Factor, "must be in (0, 1)")
		}
		if c.Patience <= 0 {
			return errdefs.Configf("lr_schedule.patience", c.Patience, "must be positive")
		}
	default:
		return errdefs.Configf("lr_schedule.name", c.Name, "unknown schedule (want constant, step, cosine or plateau)")
	}
	return nil
}

// LRScheduler picks the learning rate of each epoch.
type LRScheduler interface {
	// LR returns the rate for epoch (1-based).
	LR(epoch int) float64
	// Observe reports the validation accuracy of a finished epoch.
	Observe(epoch int, valAcc float64)
}

// NewScheduler builds the schedule described by c around baseLR. maxEpochs bounds the cosine
// period.
func NewScheduler(c ScheduleConfig, baseLR float64, maxEpochs int) (LRScheduler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Name {
	case ScheduleStep:
		return &stepSchedule{base: baseLR, size: c.StepSize, gamma: c.Gamma}, nil
	case ScheduleCosine:
		return &cosineSchedule{base: baseLR, min: c.MinLR, period: maxEpochs}, nil
	case SchedulePlateau:
		return &plateauSchedule{lr: baseLR, factor: c.Factor, patience: c.Patience}, nil
	default:
		return constantSchedule(baseLR), nil
	}
}

type constantSchedule float64

func (s constantSchedule) LR(int) float64     { return float64(s) }
func (constantSchedule) Observe(int, float64) {}

// stepSchedule multiplies the rate by gamma every size epochs.
type stepSchedule struct {
	base  float64
	size  int
	gamma float64
}

func (s *stepSchedule) LR(epoch int) float64 {
	return s.base * math.Pow(s.gamma, float64((epoch-1)/s.size))
}

func (*stepSchedule) Observe(int, float64) {}

// cosineSchedule anneals from base at epoch 1 to min at the last epoch.
type cosineSchedule struct {
	base, min float64
	period    int
}

func (s *cosineSchedule) LR(epoch int) float64 {
	if s.period <= 1 || epoch >= s.period {
		return s.min
	}
	t := float64(epoch-1) / float64(s.period-1)
	return s.min + (s.base-s.min)*(1+math.Cos(math.Pi*t))/2
}

func (*cosineSchedule) Observe(int, float64) {}

// plateauSchedule decays the rate after patience epochs without a new best validation accuracy.
type plateauSchedule struct {
	lr       float64
	factor   float64
	patience int

	seen bool
	best float64
	bad  int
}

func (s *plateauSchedule) LR(int) float64 { return s.lr }

func (s *plateauSchedule) Observe(_ int, valAcc float64) {
	if !s.seen || valAcc > s.best {
		s.seen, s.best, s.bad = true, valAcc, 0
		return
	}
	s.bad++
	if s.bad >= s.patience {
		s.lr *= s.factor
		s.bad = 0
	}
}
