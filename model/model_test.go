package model

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/tensor"
)

func microConfig(classes int) Config {
	return Config{
		NumClasses:      classes,
		Backbone:        "resnet-micro",
		DropoutRate:     0.3,
		HeadDropoutRate: 0.15,
		ImageSize:       32,
	}
}

func newMicro(t *testing.T, classes int, seed int64) *Model {
	t.Helper()
	m, err := New(microConfig(classes), rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero classes", func(c *Config) { c.NumClasses = 0 }},
		{"unknown backbone", func(c *Config) { c.Backbone = "vgg16" }},
		{"dropout of one", func(c *Config) { c.DropoutRate = 1 }},
		{"negative head dropout", func(c *Config) { c.HeadDropoutRate = -0.1 }},
		{"tiny images", func(c *Config) { c.ImageSize = 16 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := microConfig(3)
			tt.mutate(&cfg)
			_, err := New(cfg, rand.New(rand.NewSource(1)))
			require.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestForwardShapes(t *testing.T) {
	m := newMicro(t, 5, 1)
	x := tensor.RandNormal(rand.New(rand.NewSource(2)), 0, 1, 2, 3, 32, 32)

	logits, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, logits.Shape)

	_, err = m.Forward(tensor.New(2, 3, 64, 64), false)
	var shapeErr *errdefs.ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, []int{2, 3, 64, 64}, shapeErr.Actual)

	_, err = m.Forward(tensor.New(2, 1, 32, 32), false)
	require.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

func TestInferenceIsDeterministicAndStateless(t *testing.T) {
	m := newMicro(t, 4, 1)
	x := tensor.RandNormal(rand.New(rand.NewSource(3)), 0, 1, 3, 3, 32, 32)
	before := m.State()

	a, err := m.Forward(x, false)
	require.NoError(t, err)
	b, err := m.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, before, m.State())
}

func TestTrainingForwardUpdatesRunningStatistics(t *testing.T) {
	m := newMicro(t, 4, 1)
	x := tensor.RandNormal(rand.New(rand.NewSource(3)), 0, 1, 2, 3, 32, 32)
	before := m.Parameter("head.bn.running_mean").Value.Clone()

	_, err := m.Forward(x, true)
	require.NoError(t, err)
	assert.NotEqual(t, before.Data, m.Parameter("head.bn.running_mean").Value.Data)
}

func TestStateNamesFollowTorchvision(t *testing.T) {
	m := newMicro(t, 3, 1)
	names := make(map[string]bool)
	for _, e := range m.State() {
		names[e.Name] = true
	}
	for _, want := range []string{
		"backbone.conv1.weight",
		"backbone.bn1.running_var",
		"backbone.layer1.0.conv1.weight",
		"backbone.layer1.0.downsample.0.weight",
		"backbone.layer4.0.bn3.bias",
		"head.fc1.weight",
		"head.bn.running_mean",
		"head.fc2.bias",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
	assert.Equal(t, []int{3, 512}, m.Parameter("head.fc2.weight").Value.Shape)
	assert.Equal(t, []int{512, 128}, m.Parameter("head.fc1.weight").Value.Shape)
}

func TestStateRoundTrip(t *testing.T) {
	src := newMicro(t, 3, 1)
	dst := newMicro(t, 3, 2)
	x := tensor.RandNormal(rand.New(rand.NewSource(4)), 0, 1, 2, 3, 32, 32)

	require.NoError(t, dst.LoadState(src.State()))

	want, err := src.Forward(x, false)
	require.NoError(t, err)
	got, err := dst.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestLoadStateIsStrict(t *testing.T) {
	m := newMicro(t, 3, 1)

	t.Run("class count", func(t *testing.T) {
		other := newMicro(t, 4, 1)
		err := m.LoadState(other.State())
		var shapeErr *errdefs.ShapeMismatchError
		require.True(t, errors.As(err, &shapeErr))
		assert.True(t, strings.HasPrefix(shapeErr.What, "head.fc2"))
	})

	t.Run("missing entry", func(t *testing.T) {
		state := m.State()
		err := m.LoadState(state[1:])
		require.ErrorIs(t, err, errdefs.ErrShapeMismatch)
		assert.Contains(t, err.Error(), "missing state entry")
	})

	t.Run("unexpected entry", func(t *testing.T) {
		state := append(m.State(), tensor.NamedTensor{Name: "head.fc3.weight", Shape: []int{1}, Data: []float32{0}})
		require.ErrorIs(t, m.LoadState(state), errdefs.ErrShapeMismatch)
	})

	t.Run("failed load changes nothing", func(t *testing.T) {
		before := m.State()
		state := m.State()
		for i := range state[0].Data {
			state[0].Data[i] = 42
		}
		state = state[:len(state)-1]
		require.Error(t, m.LoadState(state))
		assert.Equal(t, before, m.State())
	})
}

func TestLoadBackboneState(t *testing.T) {
	src := newMicro(t, 3, 1)
	dst := newMicro(t, 7, 2)
	headBefore := dst.Parameter("head.fc1.weight").Value.Clone()

	n, err := dst.LoadBackboneState(src.State())
	require.NoError(t, err)
	assert.Equal(t, len(src.Backbone.Parameters()), n)
	assert.Equal(t, src.Parameter("backbone.conv1.weight").Value.Data, dst.Parameter("backbone.conv1.weight").Value.Data)
	assert.Equal(t, headBefore.Data, dst.Parameter("head.fc1.weight").Value.Data)
}

func TestFreezeBackbone(t *testing.T) {
	m := newMicro(t, 3, 1)
	all := m.NumParameters()
	assert.Zero(t, all.Frozen)

	m.FreezeBackbone(true)
	for _, p := range m.Parameters() {
		assert.True(t, strings.HasPrefix(p.Name, "head."), p.Name)
	}
	frozen := m.NumParameters()
	assert.Equal(t, all.Total, frozen.Total)
	assert.Equal(t, frozen.Total, frozen.Trainable+frozen.Frozen)
	assert.Positive(t, frozen.Frozen)
}

func TestResNet50ParameterCount(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates the full ResNet-50")
	}
	m, err := New(DefaultConfig(68), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	// torchvision's ResNet-50 without its classifier has 23,508,032 parameters.
	head := 2048*512 + 512 + 2*512 + 512*68 + 68
	assert.Equal(t, 23508032+head, m.NumParameters().Total)
	assert.Equal(t, 2048, m.BackboneSpec().EmbeddingSize())
}

func TestBackbones(t *testing.T) {
	assert.Equal(t, []string{"resnet-micro", "resnet-mini", "resnet26", "resnet50"}, Backbones())
	_, err := LookupBackbone("resnet18")
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
}
