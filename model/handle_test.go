package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLifecycle(t *testing.T) {
	h := NewHandle("weights.wlckpt")
	assert.Equal(t, Unloaded, h.State())

	_, err := h.Model()
	require.ErrorIs(t, err, ErrNotLoaded)
	assert.Contains(t, err.Error(), "Unloaded")

	loadErr := errors.New("disk on fire")
	require.ErrorIs(t, h.Load(func() (*Model, error) { return nil, loadErr }), loadErr)
	assert.Equal(t, LoadFailed, h.State())
	assert.Equal(t, loadErr, h.Err())
	_, err = h.Model()
	require.ErrorIs(t, err, ErrNotLoaded)
	assert.Contains(t, err.Error(), "LoadFailed")
	assert.Contains(t, err.Error(), "disk on fire")

	m := newMicro(t, 2, 1)
	require.NoError(t, h.Load(func() (*Model, error) { return m, nil }))
	assert.Equal(t, Loaded, h.State())
	got, err := h.Model()
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestHandleRejectsNilModel(t *testing.T) {
	h := NewHandle("x")
	require.Error(t, h.Load(func() (*Model, error) { return nil, nil }))
	assert.Equal(t, LoadFailed, h.State())
}
