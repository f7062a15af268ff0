package preprocessing

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"

	"github.com/tsawler/warninglights/errdefs"
)

// Augmentation bounds the random training transforms.
type Augmentation struct {
	FlipProb    float64 `json:"flip_prob" yaml:"flip_prob"`       // probability of a horizontal flip
	MaxRotation float64 `json:"max_rotation" yaml:"max_rotation"` // degrees, uniform in ±MaxRotation
	Brightness  float64 `json:"brightness" yaml:"brightness"`     // factor uniform in [1-b, 1+b]
	Contrast    float64 `json:"contrast" yaml:"contrast"`         // factor uniform in [1-c, 1+c]
}

// DefaultAugmentation returns flip 0.5, rotation ±15°, brightness and contrast jitter of 0.2.
func DefaultAugmentation() Augmentation {
	return Augmentation{FlipProb: 0.5, MaxRotation: 15, Brightness: 0.2, Contrast: 0.2}
}

func (a Augmentation) Validate() error {
	switch {
	case a.FlipProb < 0 || a.FlipProb > 1:
		return errdefs.Configf("flip_prob", a.FlipProb, "must be in [0, 1]")
	case a.MaxRotation < 0 || a.MaxRotation > 180:
		return errdefs.Configf("max_rotation", a.MaxRotation, "must be in [0, 180]")
	case a.Brightness < 0 || a.Brightness > 1:
		return errdefs.Configf("brightness", a.Brightness, "must be in [0, 1]")
	case a.Contrast < 0 || a.Contrast > 1:
		return errdefs.Configf("contrast", a.Contrast, "must be in [0, 1]")
	}
	return nil
}

// Params are the random choices for one image.
type Params struct {
	Flip       bool
	Angle      float64 // degrees, counter-clockwise
	Brightness float64
	Contrast   float64
}

// IdentityParams leaves an image unchanged.
func IdentityParams() Params {
	return Params{Brightness: 1, Contrast: 1}
}

func (a Augmentation) sample(rng *rand.Rand) Params {
	return Params{
		Flip:       rng.Float64() < a.FlipProb,
		Angle:      (rng.Float64()*2 - 1) * a.MaxRotation,
		Brightness: 1 + (rng.Float64()*2-1)*a.Brightness,
		Contrast:   1 + (rng.Float64()*2-1)*a.Contrast,
	}
}

// augment applies flip, rotation (same canvas, black fill), brightness, then contrast.
func augment(img *image.NRGBA, p Params) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if p.Flip {
		img = imaging.FlipH(img)
	}
	if p.Angle != 0 {
		img = imaging.CropCenter(imaging.Rotate(img, p.Angle, color.Black), w, h)
		if rb := img.Bounds(); rb.Dx() != w || rb.Dy() != h {
			img = imaging.Resize(img, w, h, imaging.Linear)
		}
	}
	if p.Brightness != 1 {
		f := p.Brightness
		img = imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			return color.NRGBA{R: scale(c.R, f, 0), G: scale(c.G, f, 0), B: scale(c.B, f, 0), A: c.A}
		})
	}
	if p.Contrast != 1 {
		f := p.Contrast
		mean := meanGray(img)
		img = imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			return color.NRGBA{R: scale(c.R, f, mean), G: scale(c.G, f, mean), B: scale(c.B, f, mean), A: c.A}
		})
	}
	return img
}

// scale moves v away from (or toward) pivot by factor f and clamps to a byte.
func scale(v uint8, f, pivot float64) uint8 {
	x := pivot + f*(float64(v)-pivot)
	return uint8(math.Max(0, math.Min(255, math.Round(x))))
}

// meanGray is the rounded mean ITU-R 601 luma of img.
func meanGray(img *image.NRGBA) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			sum += 0.299*float64(row[4*x]) + 0.587*float64(row[4*x+1]) + 0.114*float64(row[4*x+2])
		}
	}
	return math.Round(sum / float64(w*h))
}
