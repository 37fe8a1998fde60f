package diagos

import "sync"

// Mutex names the spec's init/lock/trylock/unlock/destroy vocabulary
// (spec.md §4.1) over a sync.Mutex. Destroy is a no-op in Go (there is no
// handle to release) but is kept so call sites that mirror the original
// lifecycle read the same regardless of platform.
type Mutex struct {
	mu sync.Mutex
}

// NewMutex returns an initialized, unlocked Mutex.
func NewMutex() *Mutex { return &Mutex{} }

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() { m.mu.Lock() }

// Unlock releases the mutex.
func (m *Mutex) Unlock() { m.mu.Unlock() }

// TryLock acquires the mutex without blocking, reporting success. Used by
// the periodic timer callback (§4.1, §5) so a tick that arrives while the
// mutator holds the lock returns immediately instead of stalling the
// timer goroutine.
func (m *Mutex) TryLock() bool { return m.mu.TryLock() }

// Destroy releases any resources held by the mutex. No-op on this
// platform; present for symmetry with the original init/lock/trylock/
// unlock/destroy contract.
func (m *Mutex) Destroy() {}
