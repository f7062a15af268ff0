package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/warninglights/errdefs"
)

// ClassLabels is the ordered list of class names. The index of a name is its class index.
type ClassLabels struct {
	names []string
	index map[string]int
}

// NewClassLabels creates labels in the given order. Names must be non-empty and unique.
func NewClassLabels(names []string) (ClassLabels, error) {
	l := ClassLabels{names: slices.Clone(names), index: make(map[string]int, len(names))}
	for i, name := range names {
		if name == "" {
			return ClassLabels{}, errdefs.Configf("class labels", i, "empty class name")
		}
		if prev, ok := l.index[name]; ok {
			return ClassLabels{}, errdefs.Configf("class labels", name, "duplicate class name at %d and %d", prev, i)
		}
		l.index[name] = i
	}
	return l, nil
}

func (l ClassLabels) Len() int { return len(l.names) }

// Names returns a copy of the names in index order.
func (l ClassLabels) Names() []string { return slices.Clone(l.names) }

// Name returns the name of class i.
func (l ClassLabels) Name(i int) (string, error) {
	if i < 0 || i >= len(l.names) {
		return "", fmt.Errorf("class index %d out of range [0, %d)", i, len(l.names))
	}
	return l.names[i], nil
}

// Index returns the class index of name.
func (l ClassLabels) Index(name string) (int, bool) {
	i, ok := l.index[name]
	return i, ok
}

// Hash identifies the exact ordered label list.
func (l ClassLabels) Hash() string {
	return HashNames(l.names)
}

// Equal reports whether both lists have the same names in the same order.
func (l ClassLabels) Equal(other ClassLabels) bool {
	return slices.Equal(l.names, other.names)
}

// Validate checks that other (typically the validation split) uses exactly these labels.
func (l ClassLabels) Validate(other ClassLabels) error {
	if l.Equal(other) {
		return nil
	}
	if l.Len() != other.Len() {
		return errdefs.CountMismatch("validation classes", l.Len(), other.Len())
	}
	for i := range l.names {
		if l.names[i] != other.names[i] {
			return errdefs.Configf("validation classes", other.names[i], "expected class %q at index %d", l.names[i], i)
		}
	}
	return nil
}

// HashNames returns the hex SHA-256 of the names joined by newlines.
func HashNames(names []string) string {
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}

// ReadClassLabels reads a JSON class-label file: either a list of names in index order or an
// object mapping decimal indices to names. Indices must be contiguous from zero.
func ReadClassLabels(path string) (ClassLabels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClassLabels{}, errdefs.Configf("class label file", path, "%v", err)
	}
	data = bytes.TrimSpace(data)

	var names []string
	switch {
	case bytes.HasPrefix(data, []byte("[")):
		if err := json.Unmarshal(data, &names); err != nil {
			return ClassLabels{}, errdefs.Configf("class label file", path, "invalid JSON list: %v", err)
		}
	case bytes.HasPrefix(data, []byte("{")):
		var byIndex map[string]string
		if err := json.Unmarshal(data, &byIndex); err != nil {
			return ClassLabels{}, errdefs.Configf("class label file", path, "invalid JSON object: %v", err)
		}
		names = make([]string, len(byIndex))
		for key, name := range byIndex {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(byIndex) {
				return ClassLabels{}, errdefs.Configf("class label file", path, "index %q is not in [0, %d)", key, len(byIndex))
			}
			names[i] = name
		}
	default:
		return ClassLabels{}, errdefs.Configf("class label file", path, "expected a JSON list or object")
	}
	if len(names) == 0 {
		return ClassLabels{}, errdefs.Configf("class label file", path, "no classes")
	}

	labels, err := NewClassLabels(names)
	if err != nil {
		return ClassLabels{}, errors.Wrapf(err, "class label file %s", path)
	}
	return labels, nil
}

// WriteClassLabels writes labels as an indented JSON list, creating the parent directory.
func WriteClassLabels(path string, labels ClassLabels) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create label directory")
	}
	data, err := json.MarshalIndent(labels.names, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode class labels")
	}
	return errors.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "write %s", path)
}
