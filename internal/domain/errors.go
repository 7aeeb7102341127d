package domain

import "errors"

// Store errors shared by every persistence backend.
var (
	ErrNotFound = errors.New("not found")
	// ErrCursorMismatch means a batch was computed against a stale event
	// cursor; another delivery already committed it.
	ErrCursorMismatch = errors.New("event cursor mismatch")
	ErrAlreadyExists  = errors.New("already exists")
)
