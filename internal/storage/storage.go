// Package storage persists pipeline progress to a JSON sidecar: one
// top-level array, one element per discovered bundle, each element an
// array of {position, size} fragment objects (§6). It is an opaque
// progress log, not required for correctness.
package storage

// Fragment is one {position, size} pair as written to the sidecar.
type Fragment struct {
	Position uint64 `json:"position"`
	Size     uint64 `json:"size"`
}

// Sidecar is the interface the pipeline writes progress through.
type Sidecar interface {
	// Record appends or replaces the fragment list for bundle index i.
	Record(i int, fragments []Fragment) error
	// Flush persists the current state to disk.
	Flush() error
}
