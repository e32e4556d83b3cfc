package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a transient failure of a local dependency.
	ErrUnavailable = errors.New("store unavailable")
)
