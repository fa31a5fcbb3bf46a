// Package domain holds the core types shared across the engine: events,
// triggers, dispatch attempts, and the delivery state machine. It depends
// on nothing outside the standard library and uuid.
package domain
