package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/warninglights/errdefs"
)

func TestClassLabels(t *testing.T) {
	l, err := NewClassLabels([]string{"abs", "battery", "oil"})
	require.NoError(t, err)

	i, ok := l.Index("battery")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	name, err := l.Name(2)
	require.NoError(t, err)
	assert.Equal(t, "oil", name)
	_, err = l.Name(3)
	assert.Error(t, err)

	_, err = NewClassLabels([]string{"a", "a"})
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = NewClassLabels([]string{"a", ""})
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestHashDependsOnOrder(t *testing.T) {
	a, _ := NewClassLabels([]string{"x", "y"})
	b, _ := NewClassLabels([]string{"y", "x"})
	c, _ := NewClassLabels([]string{"x", "y"})
	assert.Equal(t, a.Hash(), c.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)
}

func TestValidate(t *testing.T) {
	train, _ := NewClassLabels([]string{"a", "b"})
	same, _ := NewClassLabels([]string{"a", "b"})
	fewer, _ := NewClassLabels([]string{"a"})
	renamed, _ := NewClassLabels([]string{"a", "c"})

	assert.NoError(t, train.Validate(same))
	assert.ErrorIs(t, train.Validate(fewer), errdefs.ErrShapeMismatch)
	assert.ErrorIs(t, train.Validate(renamed), errdefs.ErrConfiguration)
}

func TestClassLabelFiles(t *testing.T) {
	dir := t.TempDir()

	t.Run("RoundTrip", func(t *testing.T) {
		l, _ := NewClassLabels([]string{"check_engine", "abs"})
		path := filepath.Join(dir, "out", "classes.json")
		require.NoError(t, WriteClassLabels(path, l))
		got, err := ReadClassLabels(path)
		require.NoError(t, err)
		assert.True(t, l.Equal(got))
	})

	t.Run("IndexObject", func(t *testing.T) {
		path := filepath.Join(dir, "map.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"1": "battery", "0": "abs"}`), 0o644))
		got, err := ReadClassLabels(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"abs", "battery"}, got.Names())
	})

	for name, content := range map[string]string{
		"Gap":       `{"0": "a", "2": "b"}`,
		"Duplicate": `["a", "a"]`,
		"Empty":     `[]`,
		"Scalar":    `"a"`,
		"Broken":    `["a",`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := ReadClassLabels(path)
			require.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}

	t.Run("Missing", func(t *testing.T) {
		_, err := ReadClassLabels(filepath.Join(dir, "missing.json"))
		require.ErrorIs(t, err, errdefs.ErrConfiguration)
	})
}
