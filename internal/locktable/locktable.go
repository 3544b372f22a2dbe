// Package locktable provides per-key mutual exclusion. Each key gets its own
// single-slot channel, created on first use and kept for the lifetime of the
// table, so waiting on one key never touches the state of another.
package locktable

import (
	"context"
	"sync"
)

// Table maps keys to their lock slot.
type Table struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func New() *Table {
	return &Table{slots: make(map[string]chan struct{})}
}

func (t *Table) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		t.slots[key] = s
	}

	return s
}

// Acquire blocks until key is free and marks it held. If ctx is done first the
// lock is not taken and ctx's error is returned.
func (t *Table) Acquire(ctx context.Context, key string) error {
	s := t.slot(key)

	// Fast path so an already cancelled ctx still wins a free lock deterministically.
	select {
	case s <- struct{}{}:
		return nil
	default:
	}

	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes key if it is free and reports whether it did.
func (t *Table) TryAcquire(key string) bool {
	select {
	case t.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees key and wakes one waiter. Releasing a key that is not held
// is a programming error and panics, like unlocking an unlocked sync.Mutex.
func (t *Table) Release(key string) {
	select {
	case <-t.slot(key):
	default:
		panic("locktable: release of unheld key " + key)
	}
}

// IsHeld reports whether key is currently held.
func (t *Table) IsHeld(key string) bool {
	t.mu.Lock()
	s, ok := t.slots[key]
	t.mu.Unlock()

	return ok && len(s) == 1
}

// Len returns the number of keys the table has seen.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.slots)
}
