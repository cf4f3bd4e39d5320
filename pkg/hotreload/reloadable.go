// Package hotreload swaps immutable values atomically and watches the files
// they are built from.
package hotreload

import (
	"sync"
	"sync/atomic"
)

// Reloadable holds a value that is replaced wholesale. Readers call Get once
// and keep using the returned pointer; writers never mutate a published value.
type Reloadable[T any] struct {
	value   atomic.Pointer[T]
	mu      sync.Mutex
	version atomic.Int64
}

// NewReloadable creates a new reloadable value. initial may be nil.
func NewReloadable[T any](initial *T) *Reloadable[T] {
	r := &Reloadable[T]{}
	if initial != nil {
		r.value.Store(initial)
	}
	return r
}

// Get returns the current value, or nil before the first Swap.
func (r *Reloadable[T]) Get() *T {
	return r.value.Load()
}

// Swap publishes next and returns the value it replaced.
func (r *Reloadable[T]) Swap(next *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.value.Swap(next)
	r.version.Add(1)
	return old
}

// CompareAndSwap publishes next only if old is still current.
func (r *Reloadable[T]) CompareAndSwap(old, next *T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value.CompareAndSwap(old, next) {
		r.version.Add(1)
		return true
	}
	return false
}

// Version returns the number of successful swaps.
func (r *Reloadable[T]) Version() int64 {
	return r.version.Load()
}
