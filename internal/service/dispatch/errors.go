package dispatch

import "errors"

// Sentinel errors for the dispatch pipeline.
var (
	// ErrNotFound is returned when a dispatch attempt does not exist.
	ErrNotFound = errors.New("dispatch attempt not found")

	// ErrQueueFull is returned by Enqueue when the channel queue stayed
	// full past the enqueue timeout. Callers must treat it as retryable:
	// the attempt goes back through the retry path, never dropped silently.
	ErrQueueFull = errors.New("dispatch queue full")
)
