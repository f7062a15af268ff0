package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(3)
	accs := []float64{50, 60, 70, 65, 70, 69, 99}

	var improved []int
	stoppedAt := 0
	for i, acc := range accs {
		epoch := i + 1
		if es.Observe(epoch, acc) {
			improved = append(improved, epoch)
		}
		if es.ShouldStop() {
			stoppedAt = epoch
			break
		}
	}
	// Equal accuracy at epoch 5 is not an improvement.
	assert.Equal(t, []int{1, 2, 3}, improved)
	assert.Equal(t, 6, stoppedAt)
	best, acc := es.Best()
	assert.Equal(t, 3, best)
	assert.Equal(t, 70.0, acc)
	assert.Equal(t, 3, es.EpochsWithoutImprovement())
}

func TestEarlyStoppingFirstEpoch(t *testing.T) {
	es := NewEarlyStopping(1)
	assert.True(t, es.Observe(1, 0), "first epoch is always the best so far")
	assert.False(t, es.ShouldStop())
	assert.False(t, es.Observe(2, 0))
	assert.True(t, es.ShouldStop())
}

func TestEarlyStoppingDisabled(t *testing.T) {
	es := NewEarlyStopping(0)
	es.Observe(1, 90)
	for epoch := 2; epoch < 50; epoch++ {
		es.Observe(epoch, 10)
	}
	assert.False(t, es.ShouldStop())
	assert.Equal(t, 48, es.EpochsWithoutImprovement())
}

func TestEarlyStoppingRestore(t *testing.T) {
	es := NewEarlyStopping(2)
	es.Restore(4, 80, 1)
	assert.False(t, es.Observe(5, 80))
	assert.True(t, es.ShouldStop())
	assert.True(t, NewEarlyStopping(2).Observe(1, 1))
}
