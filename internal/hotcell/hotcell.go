// Package hotcell provides an atomic-pointer cell for the mutable
// function slots spec.md section 9 calls for: queryFn, filterFn,
// retryHandleFn and friends must be swappable at runtime without
// disturbing an in-flight retry loop that already captured the old
// value.
//
// Grounded on the teacher's pervasive sync/atomic counters
// (cache-manager/service.go, monitoring/service.go): the same
// "atomic pointer to latest value" shape, generalized from counters
// to arbitrary values including function types.
package hotcell

import "sync/atomic"

// Cell holds a value swappable across goroutines without locking.
type Cell[V any] struct {
	ptr atomic.Pointer[V]
}

// New creates a Cell initialized to v.
func New[V any](v V) *Cell[V] {
	c := &Cell[V]{}
	c.Store(v)
	return c
}

// Load returns the current value.
func (c *Cell[V]) Load() V {
	return *c.ptr.Load()
}

// Store swaps in a new value. Already-running consumers that loaded
// the previous value keep using it; only the next Load observes v.
func (c *Cell[V]) Store(v V) {
	c.ptr.Store(&v)
}
