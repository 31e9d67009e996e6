package store

import "errors"

var (
	// ErrNotFound indicates a missing record, outbox entry, or conflict.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a retryable store failure (network, timeout, lock).
	ErrTransient = errors.New("transient store error")

	// ErrTerminal marks a permanent store rejection; outbox entries hitting
	// it are routed straight to failed.
	ErrTerminal = errors.New("terminal store error")
)
