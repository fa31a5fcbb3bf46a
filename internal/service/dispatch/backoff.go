package dispatch

import "time"

// Backoff retry policy: exponential, base 1s, factor 2, capped at 60s.
// No jitter: retry timing is part of the delivery contract and tests
// observe the exact delays.
const (
	backoffBase   = time.Second
	backoffFactor = 2
	backoffCap    = 60 * time.Second
)

// Backoff returns the delay before the next retry after the given number
// of consumed attempts (attempt >= 1).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
