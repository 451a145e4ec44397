// Package domain holds the sentinel errors shared by every layer. Adapters
// wrap them with %w and the HTTP layer maps them to status codes.
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("conflict: resource was modified by another request")

	// ErrValidation covers bad input and operations the entity's current
	// state forbids. It is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is a validation error: errors.Is(err, ErrValidation) holds.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrValidation)
)
