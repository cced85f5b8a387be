// Package hints provides a mechanism for identifying "soft failures" or ignorable errors
// within the system.
//
// Some errors (like "snapshot already absent" during cleanup or "nothing to
// prune") are not actually failures that require retries or alerts; they are
// simply signals that a step was skipped. This package allows producers to
// "label" these errors as hints, and allows consumers to identify them without
// needing to import specific sentinel errors from the producing package.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// hinter is the behavioral interface checked by IsHint.
type hinter interface {
	IsHint() bool
}

// IsHint reports whether err (or any error in its chain) is marked as a hint.
func IsHint(err error) bool {
	var h hinter
	return errors.As(err, &h) && h.IsHint()
}
