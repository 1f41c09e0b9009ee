// Package syncutil provides locking primitives that cooperate with
// context cancellation.
package syncutil

import (
	"context"
	"sync"
)

// Mutex is an exclusive lock backed by a one-slot channel, so waiters can
// give up when their context ends. The zero value is not usable; call
// NewMutex.
type Mutex struct {
	ch chan struct{}
}

// NewMutex creates an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext acquires the lock or returns ctx.Err() if the context ends
// first. On success the returned unlock function must be called exactly
// once; extra calls are no-ops, so it is safe to defer it and also call it
// early.
func (m *Mutex) LockContext(ctx context.Context) (func(), error) {
	// Fail fast on a dead context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return m.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock only if it is free right now.
func (m *Mutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return m.releaser(), true
	default:
		return nil, false
	}
}

func (m *Mutex) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.ch <- struct{}{} })
	}
}
