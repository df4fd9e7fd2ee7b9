// Package lock provides a FIFO mutual-exclusion lock whose holders
// receive an explicit release token.
package lock

import (
	"context"
	"sync"
)

// Release gives up a held lock. Calling it more than once is a no-op.
type Release func()

// Mutex grants exclusive access in the order Acquire was called.
//
// It is not reentrant: a holder that calls Acquire again waits on itself
// forever. Code that runs while the lock is held must use helpers that
// assume the lock instead of re-acquiring it.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// New creates an unlocked Mutex.
func New() *Mutex {
	return &Mutex{}
}

// Acquire blocks until the caller holds the lock or ctx is done.
func (m *Mutex) Acquire(ctx context.Context) (Release, error) {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return m.token(), nil
	}

	grant := make(chan struct{})
	m.waiters = append(m.waiters, grant)
	m.mu.Unlock()

	select {
	case <-grant:
		return m.token(), nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-grant:
		// Ownership was handed over while we were giving up; pass it on.
		m.mu.Unlock()
		m.release()
		return nil, ctx.Err()
	default:
	}
	for i, waiter := range m.waiters {
		if waiter == grant {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil, ctx.Err()
}

// TryAcquire takes the lock only if it is free and nobody is queued.
func (m *Mutex) TryAcquire() (Release, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, false
	}
	m.locked = true
	return m.token(), true
}

// Do runs fn while holding the lock. The lock is released on every exit
// path, including a panic in fn.
func (m *Mutex) Do(ctx context.Context, fn func() error) error {
	release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Locked reports whether the lock is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Mutex) token() Release {
	var once sync.Once
	return func() {
		once.Do(m.release)
	}
}

func (m *Mutex) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	next := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	close(next)
}
