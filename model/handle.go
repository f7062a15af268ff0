package model

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// HandleState tracks whether a handle holds usable weights.
type HandleState int

const (
	Unloaded HandleState = iota
	Loaded
	LoadFailed
)

func (s HandleState) String() string {
	switch s {
	case Unloaded:
		return "Unloaded"
	case Loaded:
		return "Loaded"
	case LoadFailed:
		return "LoadFailed"
	default:
		return "Unknown"
	}
}

// ErrNotLoaded is returned when a handle is used before a successful Load.
var ErrNotLoaded = errors.New("model not loaded")

// Handle guards a model that must come from a successful load. A failed load leaves the handle in
// LoadFailed rather than silently holding random weights.
type Handle struct {
	mu     sync.RWMutex
	source string
	state  HandleState
	model  *Model
	err    error
}

// NewHandle creates a new, unloaded handle for weights found at source.
func NewHandle(source string) *Handle {
	return &Handle{source: source}
}

// Load runs loader and records its outcome. A handle can be reloaded.
func (h *Handle) Load(loader func() (*Model, error)) error {
	m, err := loader()
	if err == nil && m == nil {
		err = fmt.Errorf("loader for %q returned no model", h.source)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state, h.model, h.err = LoadFailed, nil, err
		return err
	}
	h.state, h.model, h.err = Loaded, m, nil
	return nil
}

// Model returns the loaded model or an error naming the handle's state.
func (h *Handle) Model() (*Model, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch h.state {
	case Loaded:
		return h.model, nil
	case LoadFailed:
		return nil, errors.Wrapf(ErrNotLoaded, "model %q is %s: %v", h.source, h.state, h.err)
	default:
		return nil, errors.Wrapf(ErrNotLoaded, "model %q is %s", h.source, h.state)
	}
}

func (h *Handle) State() HandleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the error of the last failed load.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *Handle) Source() string { return h.source }
