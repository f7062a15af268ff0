package preprocessing

import (
	"image"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/tsawler/warninglights/errdefs"
)

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Config fixes the output geometry and normalization shared by training and inference.
type Config struct {
	ImageSize int        `json:"image_size" yaml:"image_size"`
	Mean      [3]float32 `json:"mean" yaml:"mean"`
	Std       [3]float32 `json:"std" yaml:"std"`
}

// DefaultConfig returns 224×224 with ImageNet normalization.
func DefaultConfig() Config {
	return Config{ImageSize: 224, Mean: ImageNetMean, Std: ImageNetStd}
}

func (c Config) Validate() error {
	if c.ImageSize <= 0 {
		return errdefs.Configf("image_size", c.ImageSize, "must be positive")
	}
	for i, s := range c.Std {
		if s <= 0 {
			return errdefs.Configf("normalization_std", c.Std, "channel %d must be positive", i)
		}
	}
	return nil
}

// TensorSize is the element count of one preprocessed image.
func (c Config) TensorSize() int { return 3 * c.ImageSize * c.ImageSize }

// ValueRange returns the per-channel bounds every normalized value falls within.
func (c Config) ValueRange() (lo, hi [3]float32) {
	for i := range lo {
		lo[i] = (0 - c.Mean[i]) / c.Std[i]
		hi[i] = (1 - c.Mean[i]) / c.Std[i]
	}
	return lo, hi
}

// Pipeline is one preprocessing variant. It is safe for concurrent use.
type Pipeline struct {
	cfg Config
	aug *Augmentation

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEvalPipeline creates the deterministic variant: decode, resize, normalize.
func NewEvalPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

// NewTrainPipeline creates the augmenting variant. All randomness comes from rng.
func NewTrainPipeline(cfg Config, aug Augmentation, rng *rand.Rand) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := aug.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, aug: &aug, rng: rng}, nil
}

func (p *Pipeline) Config() Config { return p.cfg }

// Training reports whether the pipeline augments.
func (p *Pipeline) Training() bool { return p.aug != nil }

// SampleParams draws the next image's augmentation parameters. The evaluation variant always
// returns the identity and consumes no randomness.
func (p *Pipeline) SampleParams() Params {
	if p.aug == nil {
		return IdentityParams()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aug.sample(p.rng)
}

// Apply preprocesses img with freshly sampled parameters.
func (p *Pipeline) Apply(img image.Image) []float32 {
	return p.ApplyWithParams(img, p.SampleParams())
}

// ApplyWithParams preprocesses img deterministically. The evaluation variant ignores params.
func (p *Pipeline) ApplyWithParams(img image.Image, params Params) []float32 {
	s := uint(p.cfg.ImageSize)
	out := imaging.Clone(resize.Resize(s, s, img, resize.Bilinear))
	if p.aug != nil {
		out = augment(out, params)
	}
	return ToTensor(out, p.cfg.Mean, p.cfg.Std)
}

// LoadFile decodes and preprocesses the image at path.
func (p *Pipeline) LoadFile(path string) ([]float32, error) {
	return p.LoadFileWithParams(path, p.SampleParams())
}

// LoadFileWithParams decodes and preprocesses the image at path with the given parameters.
func (p *Pipeline) LoadFileWithParams(path string, params Params) ([]float32, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return p.ApplyWithParams(img, params), nil
}
