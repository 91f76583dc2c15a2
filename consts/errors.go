// Package consts holds error sentinels shared across layers.
package consts

import "errors"

var (
	// ErrUserNotFound is the definitive "no such recipient" answer from
	// the user directory. It must never be retried or treated as a
	// backend failure.
	ErrUserNotFound = errors.New("user not found")

	// ErrDBNotFound marks a definitive empty lookup result below the
	// directory layer.
	ErrDBNotFound = errors.New("not found")
)
