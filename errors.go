package tieredcache

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel wrapped by every input validation failure.
// Validation errors are never retried.
var ErrValidation = errors.New("validation failed")

// InvalidVectorError is returned when a vector cannot be coerced to the
// configured dimensionality or contains non-finite components.
type InvalidVectorError struct {
	OID      string
	Expected int
	Got      int
	Reason   string
}

func (e *InvalidVectorError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid vector for %q: %s", e.OID, e.Reason)
	}
	return fmt.Sprintf("invalid vector for %q: expected dimension %d, got %d", e.OID, e.Expected, e.Got)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *InvalidVectorError) Unwrap() error {
	return ErrValidation
}

// StorageError wraps a failure of the durable store (open, commit, decode).
// These are infrastructure failures and must halt forward progress.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err, returning nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Validationf formats a validation error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
