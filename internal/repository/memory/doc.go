// Package memory provides in-memory repository implementations backed by
// maps and a mutex. They satisfy the same contracts as the postgres
// repositories and serve tests and single-process development runs.
package memory
