package engine

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/checkpoints"
	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/model"
	"github.com/tsawler/warninglights/vision/dataset"
	"github.com/tsawler/warninglights/vision/preprocessing"
)

var classNames = []string{"abs", "battery", "check_engine"}

func newModel(t *testing.T, classes int) *model.Model {
	t.Helper()
	cfg := model.DefaultConfig(classes)
	cfg.Backbone = "resnet-micro"
	cfg.ImageSize = 32
	m, err := model.New(cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	return m
}

func saveCheckpoint(t *testing.T, m *model.Model, names []string) string {
	t.Helper()
	pre := preprocessing.DefaultConfig()
	pre.ImageSize = m.Config().ImageSize
	c := &checkpoints.Checkpoint{
		FormatVersion: checkpoints.FormatVersion,
		Epoch:         4,
		ModelConfig:   m.Config(),
		ModelState:    m.State(),
		ValAcc:        90,
		NumClasses:    m.NumClasses(),
		ClassHash:     dataset.HashNames(names),
		ClassNames:    names,
		Preprocessing: pre,
	}
	path := filepath.Join(t.TempDir(), "model"+checkpoints.Extension)
	require.NoError(t, checkpoints.Save(path, c))
	return path
}

func writeImage(t *testing.T, dir, name string, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: c.R, G: uint8(int(c.G) + x), B: uint8(int(c.B) + y), A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestPredict(t *testing.T) {
	e, err := New(saveCheckpoint(t, newModel(t, 3), classNames), Options{ClassNames: classNames})
	require.NoError(t, err)
	assert.Equal(t, model.Loaded, e.Handle().State())
	assert.Equal(t, 3, e.NumClasses())
	assert.Equal(t, []int{3, 32, 32}, e.InputShape())

	path := writeImage(t, t.TempDir(), "light.png", color.RGBA{R: 200, G: 40, B: 10})

	preds, err := e.Predict(path, 2)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.GreaterOrEqual(t, preds[0].Confidence, preds[1].Confidence)
	assert.Equal(t, classNames[preds[0].Index], preds[0].ClassName)

	all, err := e.Predict(path, 5)
	require.NoError(t, err)
	require.Len(t, all, 3, "topK larger than the class count returns every class")
	var sum float64
	for i, p := range all {
		sum += p.Confidence
		if i > 0 {
			assert.LessOrEqual(t, p.Confidence, all[i-1].Confidence)
		}
	}
	assert.InDelta(t, 100, sum, 1e-6)

	again, err := e.Predict(path, 5)
	require.NoError(t, err)
	assert.Equal(t, all, again, "evaluation is deterministic")

	img, err := preprocessing.DecodeFile(path)
	require.NoError(t, err)
	probs, err := e.Probabilities(img)
	require.NoError(t, err)
	require.Len(t, probs, 3)
	for _, p := range all {
		assert.InDelta(t, probs[p.Index], p.Confidence, 1e-9)
	}

	_, err = e.Predict(path, 0)
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = e.Predict(filepath.Join(t.TempDir(), "missing.png"), 1)
	require.ErrorIs(t, err, errdefs.ErrDecode)
}

func TestPredictKnownLogits(t *testing.T) {
	m := newModel(t, 2)
	m.Head.FC2.Weight.Value.Zero()
	copy(m.Head.FC2.Bias.Value.Data, []float32{2.0, 0.5})

	e, err := NewFromModel(m, preprocessing.Config{ImageSize: 32, Mean: preprocessing.ImageNetMean, Std: preprocessing.ImageNetStd},
		[]string{"on", "off"}, Options{})
	require.NoError(t, err)

	path := writeImage(t, t.TempDir(), "x.png", color.RGBA{R: 10, G: 10, B: 10})
	preds, err := e.Predict(path, 3)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	want := 100 / (1 + math.Exp(-1.5))
	assert.Equal(t, "on", preds[0].ClassName)
	assert.InDelta(t, want, preds[0].Confidence, 1e-4)
	assert.InDelta(t, 100-want, preds[1].Confidence, 1e-4)
}

func TestPredictBatch(t *testing.T) {
	e, err := New(saveCheckpoint(t, newModel(t, 3), classNames), Options{Workers: 2, BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, classNames, e.ClassNames(), "names come from the checkpoint")

	dir := t.TempDir()
	var paths []string
	for i, c := range []color.RGBA{{R: 255}, {G: 200}, {B: 180}, {R: 90, G: 90}, {R: 1}} {
		paths = append(paths, writeImage(t, dir, string(rune('a'+i))+".png", c))
	}

	got, err := e.PredictBatch(context.Background(), paths, 3)
	require.NoError(t, err)
	require.Len(t, got, len(paths))
	for _, p := range paths {
		single, err := e.Predict(p, 3)
		require.NoError(t, err)
		require.Len(t, got[p], 3)
		for i := range single {
			assert.Equal(t, single[i].Index, got[p][i].Index)
			assert.InDelta(t, single[i].Confidence, got[p][i].Confidence, 1e-3, "batch results do not depend on batch mates")
		}
	}

	ordered, err := e.PredictAll(context.Background(), paths, 1)
	require.NoError(t, err)
	require.Len(t, ordered, len(paths))
	assert.Equal(t, got[paths[2]][0].Index, ordered[2][0].Index)

	_, err = e.PredictBatch(context.Background(), append(paths, filepath.Join(dir, "nope.png")), 3)
	require.ErrorIs(t, err, errdefs.ErrDecode)
}

func TestClassPairing(t *testing.T) {
	path := saveCheckpoint(t, newModel(t, 3), classNames)

	_, err := New(path, Options{ClassNames: []string{"abs", "battery"}})
	require.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	_, err = New(path, Options{ClassNames: []string{"battery", "abs", "check_engine"}})
	require.ErrorIs(t, err, errdefs.ErrShapeMismatch, "same count, different order")

	_, err = New(path, Options{NumClasses: 4})
	require.ErrorIs(t, err, errdefs.ErrShapeMismatch)

	e, err := New(path, Options{NumClasses: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, e.NumClasses())

	_, err = New(filepath.Join(t.TempDir(), "missing"+checkpoints.Extension), Options{})
	require.ErrorIs(t, err, checkpoints.ErrNotFound)
}

func TestHandleNotLoaded(t *testing.T) {
	e := &InferenceEngine{handle: model.NewHandle("nowhere")}
	_, err := e.Logits(nil)
	require.ErrorIs(t, err, model.ErrNotLoaded)
	assert.Contains(t, err.Error(), "Unloaded")
}
