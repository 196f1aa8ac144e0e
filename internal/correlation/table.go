// ABOUTME: Generic table of outstanding request ids and their pending responses.
// ABOUTME: Used for agent queries, relay responders and Discord RPC nonces.

package correlation

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrDuplicate indicates the id is already outstanding.
	ErrDuplicate = errors.New("correlation id already outstanding")

	// ErrCancelled indicates the entry was removed without a response.
	ErrCancelled = errors.New("correlation cancelled")
)

// Pending is a single outstanding request.
type Pending[T any] struct {
	ID string
	ch chan T
}

// Wait blocks until the response arrives, the entry is cancelled, or ctx is
// done. It does not remove the entry on ctx expiry; callers use Table.Cancel.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-p.ch:
		if !ok {
			return zero, ErrCancelled
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Table maps outstanding ids to pending responses.
type Table[T any] struct {
	mu      sync.Mutex
	pending map[string]*Pending[T]
}

// New creates an empty Table.
func New[T any]() *Table[T] {
	return &Table[T]{pending: make(map[string]*Pending[T])}
}

// Register records id as outstanding.
func (t *Table[T]) Register(id string) (*Pending[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicate
	}
	p := &Pending[T]{ID: id, ch: make(chan T, 1)}
	t.pending[id] = p
	return p, nil
}

// Resolve delivers v to the pending entry for id and removes it.
// Returns false if id was not outstanding.
func (t *Table[T]) Resolve(id string, v T) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	// Capacity 1 and the entry is gone from the map, so this never blocks.
	p.ch <- v
	return true
}

// Cancel removes id without a response. Waiters get ErrCancelled.
func (t *Table[T]) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	close(p.ch)
	return true
}

// CancelAll cancels every outstanding entry.
func (t *Table[T]) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pending {
		delete(t.pending, id)
		close(p.ch)
	}
}

// Outstanding reports whether id is awaiting a response.
func (t *Table[T]) Outstanding(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of outstanding entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
