package db

import "errors"

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update would violate the
// delivery state machine.
var ErrInvalidTransition = errors.New("invalid status transition")
