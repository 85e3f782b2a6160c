package storage

import (
	"errors"
	"fmt"
)

// Size limits enforced on every Put
const (
	MaxKeyBytes   = 256
	MaxValueBytes = 256
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError describes a rejected key or value. The store is left untouched.
type ValidationError struct {
	Field  string // "key" or "value"
	Length int
	Limit  int
}

func (e *ValidationError) Error() string {
	if e.Length == 0 {
		return fmt.Sprintf("%s cannot be empty", e.Field)
	}
	return fmt.Sprintf("%s length %d exceeds limit of %d bytes", e.Field, e.Length, e.Limit)
}

// Is lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validate(key, value string) error {
	switch {
	case len(key) == 0:
		return &ValidationError{Field: "key", Limit: MaxKeyBytes}
	case len(key) > MaxKeyBytes:
		return &ValidationError{Field: "key", Length: len(key), Limit: MaxKeyBytes}
	case len(value) == 0:
		return &ValidationError{Field: "value", Limit: MaxValueBytes}
	case len(value) > MaxValueBytes:
		return &ValidationError{Field: "value", Length: len(value), Limit: MaxValueBytes}
	}
	return nil
}
