package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/errdefs"
	"github.com/tsawler/warninglights/tensor"
)

// weightedSum evaluates L = Σ w_i·y_i for the module's training forward.
func weightedSum(t *testing.T, m Module, x *tensor.Tensor, w []float32) float64 {
	t.Helper()
	y, err := m.Forward(x, true)
	require.NoError(t, err)
	var s float64
	for i, v := range y.Data {
		s += float64(v) * float64(w[i])
	}
	return s
}

// checkGradients compares the analytic gradients of L = Σ w·Forward(x) with central differences.
func checkGradients(t *testing.T, m Module, x *tensor.Tensor, eps float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(99))

	y, err := m.Forward(x, true)
	require.NoError(t, err)
	w := tensor.RandNormal(rng, 0, 1, y.Shape...)
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
	gradIn, err := m.Backward(w)
	require.NoError(t, err)

	type probe struct {
		name     string
		data     []float32
		analytic []float32
	}
	probes := []probe{{"input", x.Data, gradIn.Data}}
	for _, p := range m.Parameters() {
		if p.Learnable {
			probes = append(probes, probe{p.Name, p.Value.Data, append([]float32(nil), p.Grad.Data...)})
		}
	}

	for _, pr := range probes {
		for i := range pr.data {
			orig := pr.data[i]
			pr.data[i] = orig + float32(eps)
			plus := weightedSum(t, m, x, w.Data)
			pr.data[i] = orig - float32(eps)
			minus := weightedSum(t, m, x, w.Data)
			pr.data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(pr.analytic[i])
			tol := 2e-3 + 2e-2*math.Abs(numeric)
			if math.Abs(numeric-analytic) > tol {
				t.Fatalf("%s[%d]: analytic %v, numeric %v", pr.name, i, analytic, numeric)
			}
		}
	}
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, tc := range []struct {
		name                string
		kernel, stride, pad int
		bias                bool
	}{
		{"3x3 same", 3, 1, 1, false},
		{"3x3 stride 2", 3, 2, 1, true},
		{"1x1", 1, 1, 0, false},
		{"1x1 stride 2", 1, 2, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conv := NewConv2D("conv", 2, 3, tc.kernel, tc.stride, tc.pad, tc.bias, rng)
			x := tensor.RandNormal(rng, 0, 1, 2, 2, 5, 5)
			checkGradients(t, conv, x, 1e-2)
		})
	}
}

func TestConv2DForwardKnownValues(t *testing.T) {
	conv := NewConv2D("conv", 1, 1, 3, 1, 1, false, rand.New(rand.NewSource(1)))
	for i := range conv.Weight.Value.Data {
		conv.Weight.Value.Data[i] = 1
	}
	x := tensor.Full(1, 1, 1, 3, 3)
	y, err := conv.Forward(x, false)
	require.NoError(t, err)
	// Each output counts the in-bounds cells of its 3x3 window.
	assert.Equal(t, []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}, y.Data)
}

func TestConv2DRejectsWrongChannels(t *testing.T) {
	conv := NewConv2D("conv", 3, 4, 3, 1, 1, false, rand.New(rand.NewSource(1)))
	_, err := conv.Forward(tensor.New(1, 1, 8, 8), false)
	require.ErrorIs(t, err, errdefs.ErrShapeMismatch)
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	t.Run("1d", func(t *testing.T) {
		bn := NewBatchNorm("bn", 3)
		copy(bn.Weight.Value.Data, []float32{0.5, 1.5, -1})
		checkGradients(t, bn, tensor.RandNormal(rng, 1, 2, 4, 3), 1e-2)
	})
	t.Run("2d", func(t *testing.T) {
		bn := NewBatchNorm("bn", 2)
		copy(bn.Bias.Value.Data, []float32{0.1, -0.2})
		checkGradients(t, bn, tensor.RandNormal(rng, 0, 1, 2, 2, 3, 3), 1e-2)
	})
}

func TestBatchNormRunningStatistics(t *testing.T) {
	bn := NewBatchNorm("bn", 1)
	x, err := tensor.FromSlice([]int{4, 1}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = bn.Forward(x, true)
	require.NoError(t, err)
	// mean 2.5, unbiased variance 5/3
	assert.InDelta(t, 0.25, bn.RunningMean.Value.Data[0], 1e-6)
	assert.InDelta(t, 0.9+0.1*5.0/3.0, bn.RunningVar.Value.Data[0], 1e-6)

	before := bn.RunningMean.Value.Clone()
	_, err = bn.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, before.Data, bn.RunningMean.Value.Data, "inference forward must not touch running statistics")
}

func TestBatchNormSingleSample(t *testing.T) {
	bn := NewBatchNorm("bn", 2)
	y, err := bn.Forward(tensor.Full(3, 1, 2), true)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, y.Data)
}

func TestDenseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	d := NewDense("fc", 4, 3, rng)
	checkGradients(t, d, tensor.RandNormal(rng, 0, 1, 5, 4), 1e-2)
}

func TestDenseForwardKnownValues(t *testing.T) {
	d := NewDense("fc", 2, 2, rand.New(rand.NewSource(1)))
	copy(d.Weight.Value.Data, []float32{1, 2, 3, 4})
	copy(d.Bias.Value.Data, []float32{0.5, -0.5})
	x, _ := tensor.FromSlice([]int{1, 2}, []float32{1, 1})
	y, err := d.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{3.5, 6.5}, y.Data)
}

func TestMaxPoolGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	// Distinct, well-separated values keep every window's winner stable under perturbation.
	n := 2 * 2 * 6 * 6
	perm := rng.Perm(n)
	data := make([]float32, n)
	for i, p := range perm {
		data[i] = float32(p) * 0.1
	}
	x, _ := tensor.FromSlice([]int{2, 2, 6, 6}, data)
	pool := NewMaxPool2D("pool", 3, 2, 1)
	y, err := pool.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3, 3}, y.Shape)
	checkGradients(t, pool, x, 1e-3)
}

func TestGlobalAvgPoolGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pool := NewGlobalAvgPool("pool")
	x := tensor.RandNormal(rng, 0, 1, 2, 3, 4, 4)
	y, err := pool.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, y.Shape)
	checkGradients(t, pool, x, 1e-2)
}

func TestReLU(t *testing.T) {
	r := NewReLU("relu")
	x, _ := tensor.FromSlice([]int{1, 4}, []float32{-1, 0, 2, -3})
	y, err := r.Forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2, 0}, y.Data)
	g, err := r.Backward(tensor.Full(1, 1, 4))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 0}, g.Data)

	_, err = r.Backward(tensor.Full(1, 1, 4))
	assert.Error(t, err, "second backward without forward")
}

func TestDropout(t *testing.T) {
	_, err := NewDropout("drop", 1, nil)
	require.Error(t, err)

	d, err := NewDropout("drop", 0.5, rand.New(rand.NewSource(6)))
	require.NoError(t, err)
	x := tensor.Full(1, 1, 10000)

	y, err := d.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, x.Data, y.Data, "inference dropout is the identity")

	y, err = d.Forward(x, true)
	require.NoError(t, err)
	var sum float64
	for _, v := range y.Data {
		assert.Contains(t, []float32{0, 2}, v)
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum/float64(len(y.Data)), 0.05)

	g, err := d.Backward(tensor.Full(1, 1, 10000))
	require.NoError(t, err)
	assert.Equal(t, y.Data, g.Data, "gradient follows the same mask")
}

func TestBottleneck(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	t.Run("projection shortcut", func(t *testing.T) {
		b := NewBottleneck("layer2.0", 8, 4, 2, rng)
		require.NotNil(t, b.DownConv)
		x := tensor.RandNormal(rng, 0, 1, 2, 8, 8, 8)
		y, err := b.Forward(x, true)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 16, 4, 4}, y.Shape)

		g, err := b.Backward(tensor.RandNormal(rng, 0, 1, y.Shape...))
		require.NoError(t, err)
		assert.Equal(t, x.Shape, g.Shape)
		assert.NotZero(t, b.Conv1.Weight.Grad.Data[0]+b.Conv1.Weight.Grad.Data[1])
		assert.Equal(t, "layer2.0.downsample.0.weight", b.DownConv.Weight.Name)
	})

	t.Run("identity shortcut", func(t *testing.T) {
		b := NewBottleneck("layer1.1", 16, 4, 1, rng)
		assert.Nil(t, b.DownConv)
		assert.Len(t, b.Parameters(), 3+3*4)
	})
}

func TestSummaryListsParameters(t *testing.T) {
	d := NewDense("head.fc1", 4, 2, rand.New(rand.NewSource(1)))
	s := Summary(d)
	assert.Contains(t, s, "head.fc1.weight")
	assert.Contains(t, s, "Trainable parameters: 10")
}
