// File: pool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package pool recycles the reactor's per-iteration allocations. The only
// hot-path consumer is the timer-expiry drain, which borrows a callback slice
// for each pass instead of allocating one.
package pool

import "sync"

// SyncPool is a typed wrapper over sync.Pool.
type SyncPool[T any] struct {
	inner sync.Pool
}

// NewSyncPool creates a pool whose empty slots are filled by creator.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	p := &SyncPool[T]{}
	p.inner.New = func() any { return creator() }
	return p
}

// Get borrows a value.
func (p *SyncPool[T]) Get() T {
	return p.inner.Get().(T)
}

// Put returns a value for reuse.
func (p *SyncPool[T]) Put(v T) {
	p.inner.Put(v)
}

// CallbackBatch recycles []func() slices across reactor iterations.
type CallbackBatch struct {
	slices *SyncPool[*[]func()]
}

// NewCallbackBatch creates a batch pool whose slices start at the given
// capacity.
func NewCallbackBatch(capacity int) *CallbackBatch {
	if capacity <= 0 {
		capacity = 16
	}
	return &CallbackBatch{
		slices: NewSyncPool(func() *[]func() {
			s := make([]func(), 0, capacity)
			return &s
		}),
	}
}

// Get borrows an empty slice.
func (b *CallbackBatch) Get() []func() {
	return (*b.slices.Get())[:0]
}

// Put returns a slice after its callbacks were dispatched. Stored references
// are cleared so the pool does not pin closures.
func (b *CallbackBatch) Put(cbs []func()) {
	for i := range cbs {
		cbs[i] = nil
	}
	cbs = cbs[:0]
	b.slices.Put(&cbs)
}
