// Package single coordinates coroutines blocked on a mutex across workers.
//
// A coroutine that fails to take a mutex parks for the configured retry time
// and registers itself as a waiter. Unlock hands the wake-up to the oldest
// waiter still parked, on whichever worker it lives.
package single

import (
	"sync"

	"github.com/searchktools/coserver/core"
	"github.com/searchktools/coserver/core/logging"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/spinlock"
)

// TryLocker is a mutex that can be tried without blocking. *sync.Mutex and
// *sync.RWMutex satisfy it.
type TryLocker interface {
	sync.Locker
	TryLock() bool
}

type waiter struct {
	w       *core.Worker
	conn    *pools.Connection
	version uint32
}

// Single is shared by every worker of a server.
type Single struct {
	log *logging.Logger

	mu      spinlock.Lock
	blocked map[uint64]struct{}
	waiters map[TryLocker][]waiter
}

// Option configures a Single.
type Option func(*Single)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Single) { s.log = l }
}

// New creates an empty coordinator.
func New(opts ...Option) *Single {
	s := &Single{
		blocked: map[uint64]struct{}{},
		waiters: map[TryLocker][]waiter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindBlockMutex reports whether the connection behind id is still parked
// on a mutex. Resumes of connections that already left are dropped.
func (s *Single) FindBlockMutex(id uint64) bool {
	s.mu.Lock()
	_, ok := s.blocked[id]
	s.mu.Unlock()
	return ok
}

// AddBlockMutex parks the current coroutine of w as a waiter of mu until an
// unlock resumes it or the retry time elapses. The caller retries the lock
// afterwards either way.
func (s *Single) AddBlockMutex(w *core.Worker, mu TryLocker) core.Result {
	c := w.Current()
	if c == nil {
		return core.Error
	}
	id := core.ThreadConnID(w.ID(), c.ID)

	s.mu.Lock()
	if _, ok := s.blocked[id]; !ok {
		s.waiters[mu] = append(s.waiters[mu], waiter{w: w, conn: c, version: c.Version})
		s.blocked[id] = struct{}{}
		s.mu.Unlock()
		s.log.Debug().Int("cid", int(c.ID)).Int("worker", w.ID()).Log("mutex waiter added")
	} else {
		s.mu.Unlock()
		s.log.Debug().Int("cid", int(c.ID)).Int("worker", w.ID()).Log("mutex waiter already queued")
	}

	ret := w.Dispatcher.YieldTimer(c, w.Config().Hook.MutexRetryTime)

	s.mu.Lock()
	delete(s.blocked, id)
	s.mu.Unlock()
	return ret
}

// FreeBlockMutex resumes the oldest waiter of mu that is still parked.
// Waiters that gave up are discarded on the way. Any goroutine may call it.
func (s *Single) FreeBlockMutex(mu TryLocker) {
	s.mu.Lock()
	queue, ok := s.waiters[mu]
	if !ok {
		s.mu.Unlock()
		return
	}

	var next *waiter
	for len(queue) > 0 {
		wt := queue[0]
		queue[0] = waiter{}
		queue = queue[1:]
		if _, parked := s.blocked[core.ThreadConnID(wt.w.ID(), wt.conn.ID)]; parked {
			next = &wt
			break
		}
	}
	if len(queue) == 0 {
		delete(s.waiters, mu)
	} else {
		s.waiters[mu] = queue
	}
	s.mu.Unlock()

	if next == nil {
		s.log.Debug().Log("mutex freed without parked waiters")
		return
	}
	s.log.Debug().Int("cid", int(next.conn.ID)).Int("worker", next.w.ID()).Log("mutex waiter resumed")
	next.w.Dispatcher.ResumeSingleAsync(next.conn, next.version)
}

// Waiters returns the number of queued waiters of mu.
func (s *Single) Waiters(mu TryLocker) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[mu])
}
