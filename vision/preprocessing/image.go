// Package preprocessing turns image files into normalized CHW float32 tensors. The evaluation
// variant is deterministic; the training variant adds flip, rotation and color jitter whose random
// parameters are drawn up front so that concurrent decoding stays reproducible.
package preprocessing

import (
	"context"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/warninglights/errdefs"
)

// Decode reads an image, honoring EXIF orientation. name identifies the source in errors.
func Decode(r io.Reader, name string) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errdefs.Decode(name, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errdefs.Decode(name, io.ErrUnexpectedEOF)
	}
	return img, nil
}

// DecodeFile opens and decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Decode(path, err)
	}
	defer f.Close()
	return Decode(f, path)
}

// ToTensor converts an RGB image to CHW floats scaled to [0,1] and normalized per channel.
func ToTensor(img *image.NRGBA, mean, std [3]float32) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := 0; x < w; x++ {
			idx := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(row[4*x+c]) / 255
				data[c*plane+idx] = (v - mean[c]) / std[c]
			}
		}
	}
	return data
}

// PreprocessBatch loads paths concurrently with at most maxWorkers goroutines. params supplies the
// augmentation parameters of each path (nil for identity). Results keep the order of paths; the
// first failure cancels the rest.
func PreprocessBatch(ctx context.Context, p *Pipeline, paths []string, params []Params, maxWorkers int) ([][]float32, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([][]float32, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pr := IdentityParams()
			if params != nil {
				pr = params[i]
			}
			data, err := p.LoadFileWithParams(path, pr)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
