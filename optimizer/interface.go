// Package optimizer updates model parameters from their accumulated gradients.
package optimizer

import (
	"fmt"

	"github.com/tsawler/warninglights/tensor"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step applies one update using the gradients currently held by the parameters
	Step() error

	// State copies the optimizer state for checkpointing
	State() *OptimizerState

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// StepCount returns the number of updates applied so far
	StepCount() int64

	LearningRate() float64
	SetLearningRate(lr float64)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string               `json:"type"`       // "Adam"
	Step       int64                `json:"step"`       // updates applied
	Parameters map[string]float64   `json:"parameters"` // hyperparameters
	StateData  []tensor.NamedTensor `json:"state_data"` // per-parameter moment tensors
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("optimizer type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractParam reads a hyperparameter from the state map, falling back to defaultValue
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return defaultValue
}
