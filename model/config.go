package model

import (
	"fmt"
	"sort"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/layers"
)

// HiddenUnits is the width of the classification head's hidden layer.
const HiddenUnits = 512

// DefaultBackbone is the primary backbone preset.
const DefaultBackbone = "resnet50"

// Config fixes the architecture. Two models built from equal configs have identical state-dict
// layouts.
type Config struct {
	NumClasses      int     `json:"num_classes" yaml:"num_classes"`
	Backbone        string  `json:"backbone" yaml:"backbone"`
	DropoutRate     float64 `json:"dropout_rate" yaml:"dropout_rate"`
	HeadDropoutRate float64 `json:"head_dropout_rate" yaml:"head_dropout_rate"`
	ImageSize       int     `json:"image_size" yaml:"image_size"`
	Pretrained      bool    `json:"pretrained" yaml:"pretrained"`
}

// DefaultConfig returns the ResNet-50 configuration for numClasses classes.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:      numClasses,
		Backbone:        DefaultBackbone,
		DropoutRate:     0.3,
		HeadDropoutRate: 0.15,
		ImageSize:       224,
	}
}

// Validate checks every field.
func (c Config) Validate() error {
	if c.NumClasses <= 0 {
		return errdefs.Configf("num_classes", c.NumClasses, "must be positive")
	}
	if _, err := LookupBackbone(c.Backbone); err != nil {
		return err
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errdefs.Configf("dropout_rate", c.DropoutRate, "must be in [0, 1)")
	}
	if c.HeadDropoutRate < 0 || c.HeadDropoutRate >= 1 {
		return errdefs.Configf("head_dropout_rate", c.HeadDropoutRate, "must be in [0, 1)")
	}
	if c.ImageSize < MinImageSize {
		return errdefs.Configf("image_size", c.ImageSize, "must be at least %d", MinImageSize)
	}
	return nil
}

// MinImageSize is the smallest input edge that survives the backbone's five stride-2 stages.
const MinImageSize = 32

// BackboneSpec describes a bottleneck ResNet.
type BackboneSpec struct {
	Name   string
	Blocks [4]int
	Width  int
}

// EmbeddingSize is the length of the pooled feature vector.
func (b BackboneSpec) EmbeddingSize() int {
	return b.Width * 8 * layers.BottleneckExpansion
}

var backbones = map[string]BackboneSpec{
	"resnet50":     {Name: "resnet50", Blocks: [4]int{3, 4, 6, 3}, Width: 64},
	"resnet26":     {Name: "resnet26", Blocks: [4]int{2, 2, 2, 2}, Width: 64},
	"resnet-mini":  {Name: "resnet-mini", Blocks: [4]int{1, 1, 1, 1}, Width: 16},
	"resnet-micro": {Name: "resnet-micro", Blocks: [4]int{1, 1, 1, 1}, Width: 4},
}

// LookupBackbone returns the named preset.
func LookupBackbone(name string) (BackboneSpec, error) {
	spec, ok := backbones[name]
	if !ok {
		return BackboneSpec{}, errdefs.Configf("backbone", name, "unknown preset (available: %v)", Backbones())
	}
	return spec, nil
}

// Backbones lists the preset names.
func Backbones() []string {
	names := make([]string, 0, len(backbones))
	for name := range backbones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Config) String() string {
	return fmt.Sprintf("%s/%d classes/%dpx/dropout %.2f+%.2f", c.Backbone, c.NumClasses, c.ImageSize, c.DropoutRate, c.HeadDropoutRate)
}
