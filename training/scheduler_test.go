package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantSchedule(t *testing.T) {
	s, err := NewScheduler(ScheduleConfig{}, 0.01, 10)
	require.NoError(t, err)
	for epoch := 1; epoch <= 10; epoch++ {
		s.Observe(epoch, 0)
		assert.Equal(t, 0.01, s.LR(epoch))
	}
}

func TestStepSchedule(t *testing.T) {
	s, err := NewScheduler(ScheduleConfig{Name: ScheduleStep, StepSize: 2, Gamma: 0.1}, 0.1, 10)
	require.NoError(t, err)
	want := map[int]float64{1: 0.1, 2: 0.1, 3: 0.01, 4: 0.01, 5: 0.001}
	for epoch, lr := range want {
		assert.InDelta(t, lr, s.LR(epoch), 1e-12, "epoch %d", epoch)
	}
}

func TestCosineSchedule(t *testing.T) {
	s, err := NewScheduler(ScheduleConfig{Name: ScheduleCosine, MinLR: 0.001}, 0.011, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.011, s.LR(1), 1e-12)
	assert.InDelta(t, 0.006, s.LR(3), 1e-12)
	assert.InDelta(t, 0.001, s.LR(5), 1e-12)
	assert.InDelta(t, 0.001, s.LR(9), 1e-12)
	assert.Greater(t, s.LR(2), s.LR(3))
}

func TestPlateauSchedule(t *testing.T) {
	s, err := NewScheduler(ScheduleConfig{Name: SchedulePlateau, Factor: 0.5, Patience: 2}, 0.1, 100)
	require.NoError(t, err)
	for i, acc := range []float64{50, 60, 60, 55} {
		s.Observe(i+1, acc)
	}
	assert.InDelta(t, 0.05, s.LR(5), 1e-12)
	s.Observe(5, 70)
	s.Observe(6, 69)
	assert.InDelta(t, 0.05, s.LR(7), 1e-12)
}
