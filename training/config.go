package training

import (
	"io"
	"os"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

// Config holds every setting of a training run. It is passed by value and never modified once
// a Trainer is built from it.
type Config struct {
	TrainDir  string `json:"train_dir" yaml:"train_dir"`
	ValDir    string `json:"val_dir" yaml:"val_dir"`
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	BatchSize             int            `json:"batch_size" yaml:"batch_size"`
	LearningRate          float64        `json:"learning_rate" yaml:"learning_rate"`
	LRSchedule            ScheduleConfig `json:"lr_schedule" yaml:"lr_schedule"`
	MaxEpochs             int            `json:"max_epochs" yaml:"max_epochs"`
	EarlyStoppingPatience int            `json:"early_stopping_patience" yaml:"early_stopping_patience"` // 0 disables
	NumClasses            int            `json:"num_classes" yaml:"num_classes"`                         // 0: taken from the dataset
	RandomSeed            int64          `json:"random_seed" yaml:"random_seed"`

	Backbone               string  `json:"backbone" yaml:"backbone"`
	DropoutRate            float64 `json:"dropout_rate" yaml:"dropout_rate"`
	UsePretrainedBackbone  bool    `json:"use_pretrained_backbone" yaml:"use_pretrained_backbone"`
	PretrainedBackbonePath string  `json:"pretrained_backbone_path,omitempty" yaml:"pretrained_backbone_path"`
	// FreezeBackbone trains only the head; backbone weights keep their initial values.
	FreezeBackbone bool `json:"freeze_backbone" yaml:"freeze_backbone"`

	ImageSize         int                        `json:"image_size" yaml:"image_size"`
	NormalizationMean [3]float32                 `json:"normalization_mean" yaml:"normalization_mean"`
	NormalizationStd  [3]float32                 `json:"normalization_std" yaml:"normalization_std"`
	Augmentation      preprocessing.Augmentation `json:"augmentation" yaml:"augmentation"`

	NumWorkers      int    `json:"num_workers" yaml:"num_workers"`
	KeepCheckpoints int    `json:"keep_checkpoints" yaml:"keep_checkpoints"` // 0 keeps all
	ResumeFrom      string `json:"resume_from,omitempty" yaml:"resume_from"`
	Quiet           bool   `json:"-" yaml:"quiet"`

	// Progress receives the per-batch progress bars; nil means stderr.
	Progress io.Writer `json:"-" yaml:"-"`
}

// DefaultConfig returns the standard settings: ResNet-50, batch 64, Adam at 1e-3, up to 100 epochs
// with patience 20, 224px ImageNet-normalized input, seed 42.
func DefaultConfig() Config {
	return Config{
		OutputDir:             "output",
		BatchSize:             64,
		LearningRate:          1e-3,
		LRSchedule:            ScheduleConfig{Name: ScheduleConstant},
		MaxEpochs:             100,
		EarlyStoppingPatience: 20,
		RandomSeed:            42,
		Backbone:              model.DefaultBackbone,
		DropoutRate:           0.3,
		ImageSize:             224,
		NormalizationMean:     preprocessing.ImageNetMean,
		NormalizationStd:      preprocessing.ImageNetStd,
		Augmentation:          preprocessing.DefaultAugmentation(),
		NumWorkers:            cpuid.CPU.LogicalCores,
		KeepCheckpoints:       1,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys that are absent keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errdefs.Configf("config", path, "invalid YAML: %v", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting as a ConfigurationError.
func (c Config) Validate() error {
	switch {
	case c.TrainDir == "":
		return errdefs.Configf("train_dir", c.TrainDir, "is required")
	case c.ValDir == "":
		return errdefs.Configf("val_dir", c.ValDir, "is required")
	case c.OutputDir == "":
		return errdefs.Configf("output_dir", c.OutputDir, "is required")
	case c.BatchSize <= 0:
		return errdefs.Configf("batch_size", c.BatchSize, "must be positive")
	case c.LearningRate <= 0:
		return errdefs.Configf("learning_rate", c.LearningRate, "must be positive")
	case c.MaxEpochs <= 0:
		return errdefs.Configf("max_epochs", c.MaxEpochs, "must be positive")
	case c.EarlyStoppingPatience < 0:
		return errdefs.Configf("early_stopping_patience", c.EarlyStoppingPatience, "must not be negative")
	case c.NumClasses < 0:
		return errdefs.Configf("num_classes", c.NumClasses, "must not be negative")
	case c.NumWorkers < 0:
		return errdefs.Configf("num_workers", c.NumWorkers, "must not be negative")
	case c.KeepCheckpoints < 0:
		return errdefs.Configf("keep_checkpoints", c.KeepCheckpoints, "must not be negative")
	case c.UsePretrainedBackbone && c.PretrainedBackbonePath == "":
		return errdefs.Configf("pretrained_backbone_path", "", "is required when use_pretrained_backbone is set")
	}
	if err := c.Preprocessing().Validate(); err != nil {
		return err
	}
	if err := c.Augmentation.Validate(); err != nil {
		return err
	}
	if err := c.LRSchedule.Validate(); err != nil {
		return err
	}
	// The class count is not known yet; any positive value checks the architecture fields.
	return c.ModelConfig(max(c.NumClasses, 1)).Validate()
}

// ModelConfig derives the architecture for numClasses classes.
func (c Config) ModelConfig(numClasses int) model.Config {
	return model.Config{
		NumClasses:      numClasses,
		Backbone:        c.Backbone,
		DropoutRate:     c.DropoutRate,
		HeadDropoutRate: c.DropoutRate / 2,
		ImageSize:       c.ImageSize,
		Pretrained:      c.UsePretrainedBackbone,
	}
}

// Preprocessing returns the image geometry and normalization shared with inference.
func (c Config) Preprocessing() preprocessing.Config {
	return preprocessing.Config{ImageSize: c.ImageSize, Mean: c.NormalizationMean, Std: c.NormalizationStd}
}

func (c Config) workers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return max(cpuid.CPU.LogicalCores, 1)
}
