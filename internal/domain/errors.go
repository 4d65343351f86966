// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist or is owned by someone else.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity is in a state that forbids the operation,
// e.g. deleting a task whose run is still in flight.
var ErrConflict = errors.New("conflict: resource is in an incompatible state")

// ErrValidation wraps input that failed validation. The text after the
// "validation: " prefix is safe to show to clients.
var ErrValidation = errors.New("validation")
