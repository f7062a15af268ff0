// Package dataloader batches dataset samples through a preprocessing pipeline. Images of the next
// batch are decoded concurrently while the caller works on the current one; sample order and
// augmentation parameters are fixed on the calling goroutine before any decoding starts, so a
// seeded run is reproducible regardless of worker scheduling.
package dataloader

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/tensor"
	"github.com/tsawler/warninglights/vision/dataset"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	NumWorkers   int   // parallel decoders per batch
	MaxCacheSize int   // preprocessed images kept in memory; ignored for augmenting pipelines
	Seed         int64 // shuffle seed
}

// Batch is one mini-batch: images [N,3,S,S] with their labels and source paths.
type Batch struct {
	Index  int
	Images *tensor.Tensor
	Labels []int
	Paths  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// DataLoader handles batch loading with concurrent decoding and one batch of prefetch
type DataLoader struct {
	samples []dataset.Sample
	pipe    *preprocessing.Pipeline
	cfg     Config
	rng     *rand.Rand
	cache   *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(samples []dataset.Sample, pipe *preprocessing.Pipeline, cfg Config) (*DataLoader, error) {
	if len(samples) == 0 {
		return nil, errdefs.Configf("samples", 0, "data loader needs at least one sample")
	}
	if cfg.BatchSize <= 0 {
		return nil, errdefs.Configf("batch_size", cfg.BatchSize, "must be positive")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	dl := &DataLoader{
		samples: samples,
		pipe:    pipe,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	if !pipe.Training() && cfg.MaxCacheSize > 0 {
		dl.cache = NewCacheManager(cfg.MaxCacheSize)
	}
	return dl, nil
}

// Len returns the number of samples per epoch.
func (dl *DataLoader) Len() int { return len(dl.samples) }

// NumBatches returns the number of batches per epoch; the last one may be short.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.samples) + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

type batchPlan struct {
	indices []int
	params  []preprocessing.Params
}

// plan fixes this epoch's sample order and augmentation parameters.
func (dl *DataLoader) plan() []batchPlan {
	n := len(dl.samples)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if dl.cfg.Shuffle {
		dl.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	plans := make([]batchPlan, 0, dl.NumBatches())
	for start := 0; start < n; start += dl.cfg.BatchSize {
		end := min(start+dl.cfg.BatchSize, n)
		bp := batchPlan{indices: order[start:end]}
		for range bp.indices {
			bp.params = append(bp.params, dl.pipe.SampleParams())
		}
		plans = append(plans, bp)
	}
	return plans
}

// ForEach runs one epoch, calling fn for every batch in order. The next batch is decoded while fn
// runs. The first error from decoding or from fn stops the epoch and is returned.
func (dl *DataLoader) ForEach(ctx context.Context, fn func(*Batch) error) error {
	plans := dl.plan()
	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan *Batch, 1)

	g.Go(func() error {
		defer close(batches)
		for i, bp := range plans {
			b, err := dl.load(ctx, i, bp)
			if err != nil {
				return err
			}
			select {
			case batches <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for b := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if dl.cache != nil {
		klog.V(2).Info(dl.cache.Stats())
	}
	return nil
}

func (dl *DataLoader) load(ctx context.Context, index int, bp batchPlan) (*Batch, error) {
	cfg := dl.pipe.Config()
	size := cfg.TensorSize()
	n := len(bp.indices)
	b := &Batch{
		Index:  index,
		Images: tensor.New(n, 3, cfg.ImageSize, cfg.ImageSize),
		Labels: make([]int, n),
		Paths:  make([]string, n),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.cfg.NumWorkers)
	for i, idx := range bp.indices {
		s := dl.samples[idx]
		b.Labels[i] = s.Label
		b.Paths[i] = s.Path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := dl.loadImage(s.Path, bp.params[i])
			if err != nil {
				return err
			}
			copy(b.Images.Data[i*size:(i+1)*size], data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch %d: %w", index, err)
	}
	klog.V(3).Infof("loaded batch %d (%d images)", index, n)
	return b, nil
}

func (dl *DataLoader) loadImage(path string, params preprocessing.Params) ([]float32, error) {
	if dl.cache != nil {
		if data, ok := dl.cache.Get(path); ok {
			return data, nil
		}
	}
	data, err := dl.pipe.LoadFileWithParams(path, params)
	if err != nil {
		return nil, err
	}
	if dl.cache != nil {
		dl.cache.Put(path, data)
	}
	return data, nil
}

// Stats returns cache statistics, or an empty string when nothing is cached.
func (dl *DataLoader) Stats() string {
	if dl.cache == nil {
		return ""
	}
	return dl.cache.Stats().String()
}
