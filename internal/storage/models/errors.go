package models

import (
	"context"
	"errors"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrConnection        = errors.New("backend unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrNotFound          = errors.New("not found")
)

// IsConnectionError treats timeouts the same as unreachable backends.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, context.DeadlineExceeded)
}
