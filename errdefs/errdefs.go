// Package errdefs defines the error taxonomy shared by every stage of the model lifecycle.
//
// Each typed error matches exactly one sentinel through errors.Is, so callers can branch on the
// category without caring which component produced it. None of these errors are transient: they
// describe structural or data problems and are never retried.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel categories.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrDecode        = errors.New("decode error")
	ErrEquivalence   = errors.New("equivalence error")
)

// ConfigurationError reports a bad or missing path, an empty dataset, or an invalid setting.
type ConfigurationError struct {
	Field  string // setting name or path that is wrong
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Is makes the error match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configf builds a ConfigurationError with a formatted reason and a stack trace.
func Configf(field string, value any, format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)})
}

// ShapeMismatchError reports a tensor shape or a count that differs from what the architecture expects.
type ShapeMismatchError struct {
	What     string
	Expected []int
	Actual   []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: expected %v, got %v", e.What, e.Expected, e.Actual)
}

// Is makes the error match ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// ShapeMismatch builds a ShapeMismatchError with a stack trace.
func ShapeMismatch(what string, expected, actual []int) error {
	return errors.WithStack(&ShapeMismatchError{
		What:     what,
		Expected: append([]int(nil), expected...),
		Actual:   append([]int(nil), actual...),
	})
}

// CountMismatch is ShapeMismatch for scalar counts such as the number of classes.
func CountMismatch(what string, expected, actual int) error {
	return ShapeMismatch(what, []int{expected}, []int{actual})
}

// DecodeError reports an image that cannot be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying I/O or codec error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes the error match ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Decode wraps err as a DecodeError for path.
func Decode(path string, err error) error {
	return errors.WithStack(&DecodeError{Path: path, Err: err})
}

// EquivalenceError reports an exported graph whose output diverges from the source model.
type EquivalenceError struct {
	Artifact   string
	BatchSize  int
	Index      int // flat index of the worst element
	Expected   float32
	Actual     float32
	MaxAbsDiff float64
	Atol, Rtol float64
}

func (e *EquivalenceError) Error() string {
	return fmt.Sprintf("exported graph %q diverges from source model at batch size %d: element %d expected %g, got %g "+
		"(max |diff| %.3g, atol %g, rtol %g)",
		e.Artifact, e.BatchSize, e.Index, e.Expected, e.Actual, e.MaxAbsDiff, e.Atol, e.Rtol)
}

// Is makes the error match ErrEquivalence.
func (e *EquivalenceError) Is(target error) bool { return target == ErrEquivalence }
