// Package guard provides the advisory lock that serializes mutation of the
// ware registry and account ledger between user trades and background ticks.
package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the observable state of a Guard.
type State uint8

const (
	Free State = iota
	Held
)

func (s State) String() string {
	if s == Held {
		return "HELD"
	}
	return "FREE"
}

// Guard protects shared market state. Writers take it exclusively; read-only
// queries (price checks, quotes) share it. It is not reentrant: code already
// inside a critical section must call the *Locked variants of other APIs.
type Guard struct {
	mu   sync.RWMutex
	held atomic.Bool

	// Waits counts acquisitions that found the guard held.
	waits atomic.Int64
	// OnWait, if set, receives the time spent waiting for exclusive access.
	OnWait func(d time.Duration)
}

// New returns a free guard.
func New() *Guard {
	return &Guard{}
}

// Lock acquires exclusive access, blocking while another holder is active.
func (g *Guard) Lock() {
	if g.mu.TryLock() {
		g.held.Store(true)
		return
	}
	g.waits.Add(1)
	start := time.Now()
	g.mu.Lock()
	g.held.Store(true)
	if g.OnWait != nil {
		g.OnWait(time.Since(start))
	}
}

// Unlock releases exclusive access.
func (g *Guard) Unlock() {
	g.held.Store(false)
	g.mu.Unlock()
}

// RLock acquires shared access for readers.
func (g *Guard) RLock() {
	g.mu.RLock()
}

// RUnlock releases shared access.
func (g *Guard) RUnlock() {
	g.mu.RUnlock()
}

// Do runs fn while holding the guard exclusively. The guard is released even
// if fn panics.
func (g *Guard) Do(fn func()) {
	g.Lock()
	defer g.Unlock()
	fn()
}

// View runs fn while holding shared access.
func (g *Guard) View(fn func()) {
	g.RLock()
	defer g.RUnlock()
	fn()
}

// State reports whether a writer currently holds the guard.
func (g *Guard) State() State {
	if g.held.Load() {
		return Held
	}
	return Free
}

// Waits returns how many exclusive acquisitions had to wait.
func (g *Guard) Waits() int64 {
	return g.waits.Load()
}
