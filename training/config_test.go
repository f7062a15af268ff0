package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/errdefs"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.TrainDir = "train"
	cfg.ValDir = "val"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 1e-3, cfg.LearningRate)
	assert.Equal(t, 100, cfg.MaxEpochs)
	assert.Equal(t, 20, cfg.EarlyStoppingPatience)
	assert.Equal(t, int64(42), cfg.RandomSeed)
	assert.Equal(t, "resnet50", cfg.Backbone)
	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, 1, cfg.KeepCheckpoints)

	// Directories are the only required settings without a default.
	assert.ErrorIs(t, cfg.Validate(), errdefs.ErrConfiguration)
	assert.NoError(t, validConfig().Validate())

	mc := cfg.ModelConfig(7)
	assert.Equal(t, 7, mc.NumClasses)
	assert.InDelta(t, 0.3, mc.DropoutRate, 1e-12)
	assert.InDelta(t, 0.15, mc.HeadDropoutRate, 1e-12)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative learning rate", func(c *Config) { c.LearningRate = -1 }},
		{"zero epochs", func(c *Config) { c.MaxEpochs = 0 }},
		{"negative patience", func(c *Config) { c.EarlyStoppingPatience = -1 }},
		{"dropout of one", func(c *Config) { c.DropoutRate = 1 }},
		{"unknown backbone", func(c *Config) { c.Backbone = "vgg16" }},
		{"tiny images", func(c *Config) { c.ImageSize = 8 }},
		{"zero std", func(c *Config) { c.NormalizationStd[1] = 0 }},
		{"flip above one", func(c *Config) { c.Augmentation.FlipProb = 1.5 }},
		{"pretrained without path", func(c *Config) { c.UsePretrainedBackbone = true }},
		{"unknown schedule", func(c *Config) { c.LRSchedule.Name = "warmup" }},
		{"step without size", func(c *Config) { c.LRSchedule = ScheduleConfig{Name: ScheduleStep, Gamma: 0.5} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), errdefs.ErrConfiguration)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
train_dir: data/train
val_dir: data/val
batch_size: 16
learning_rate: 0.0005
backbone: resnet26
freeze_backbone: true
normalization_mean: [0.5, 0.5, 0.5]
augmentation:
  flip_prob: 0
lr_schedule:
  name: step
  step_size: 10
  gamma: 0.5
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "data/train", cfg.TrainDir)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 0.0005, cfg.LearningRate)
	assert.Equal(t, "resnet26", cfg.Backbone)
	assert.True(t, cfg.FreezeBackbone)
	assert.False(t, DefaultConfig().FreezeBackbone)
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, cfg.NormalizationMean)
	assert.Zero(t, cfg.Augmentation.FlipProb)
	assert.Equal(t, ScheduleConfig{Name: ScheduleStep, StepSize: 10, Gamma: 0.5}, cfg.LRSchedule)

	// Absent keys keep their defaults.
	assert.Equal(t, 100, cfg.MaxEpochs)
	assert.Equal(t, 20, cfg.EarlyStoppingPatience)
	assert.Equal(t, DefaultConfig().NormalizationStd, cfg.NormalizationStd)

	require.NoError(t, os.WriteFile(path, []byte("batch_size: [1, 2"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
