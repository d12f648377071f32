// Package spinlock implements a busy-waiting mutex for very short critical
// sections shared between worker threads.
package spinlock

import (
	"runtime"

	"go.uber.org/atomic"
)

// Lock is a test-and-test-and-set spin lock. The zero value is unlocked.
type Lock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (l *Lock) Lock() {
	for spins := 0; ; spins++ {
		if !l.held.Load() && l.held.CompareAndSwap(false, true) {
			return
		}
		if spins&63 == 63 {
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return !l.held.Load() && l.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.held.Store(false)
}
