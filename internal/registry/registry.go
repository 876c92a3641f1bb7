// Package registry tracks live sessions under a process-wide ceiling.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eljapi/code-talk-reviwer/domain"
)

// Registry maps session IDs to values. The ceiling counter is touched only
// through Add and the release closures it hands out.
type Registry[T any] struct {
	max    int64
	active atomic.Int64

	mu      sync.RWMutex
	entries map[string]*entry[T]
	wg      sync.WaitGroup
}

type entry[T any] struct {
	value T
	once  sync.Once
}

func New[T any](max int) *Registry[T] {
	return &Registry[T]{
		max:     int64(max),
		entries: make(map[string]*entry[T]),
	}
}

// Add claims a slot and stores v under id. The returned release removes the
// entry and frees the slot exactly once, however many times it is called.
func (r *Registry[T]) Add(id string, v T) (release func(), err error) {
	if !r.reserve() {
		return nil, domain.ErrCapacityExceeded
	}

	e := &entry[T]{value: v}
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		r.active.Add(-1)
		return nil, fmt.Errorf("session %s already registered", id)
	}
	r.entries[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	return func() { r.release(id, e) }, nil
}

func (r *Registry[T]) reserve() bool {
	for {
		n := r.active.Load()
		if n >= r.max {
			return false
		}
		if r.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *Registry[T]) release(id string, e *entry[T]) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.active.Add(-1)
		r.wg.Done()
	})
}

// Remove releases id if present and reports whether it was
func (r *Registry[T]) Remove(id string) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.release(id, e)
	return true
}

func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// List returns a snapshot of all registered values
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.value)
	}
	return out
}

// Len is the number of claimed slots
func (r *Registry[T]) Len() int {
	return int(r.active.Load())
}

func (r *Registry[T]) Capacity() int {
	return int(r.max)
}

// Wait blocks until every entry has been released or ctx is done
func (r *Registry[T]) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
