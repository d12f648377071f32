package hook

import (
	"github.com/searchktools/coserver/core"
	"github.com/searchktools/coserver/core/single"
)

// blocker is the part of the block coordinator the mutex hooks need.
type blocker interface {
	AddBlockMutex(w *core.Worker, mu single.TryLocker) core.Result
	FreeBlockMutex(mu single.TryLocker)
}

// Lock takes mu without blocking the worker. While mu is held elsewhere the
// coroutine parks as a waiter of the worker's block coordinator, or simply
// sleeps the retry time when the worker has none, and then tries again.
func Lock(w *core.Worker, mu single.TryLocker) {
	c := current(w)
	if c == nil {
		mu.Lock()
		return
	}

	b, _ := w.Single().(blocker)
	for !mu.TryLock() {
		if b != nil {
			b.AddBlockMutex(w, mu)
			continue
		}
		w.Dispatcher.YieldTimer(c, w.Config().Hook.MutexRetryTime)
	}
	w.Logger().Trace().Int("cid", int(c.ID)).Log("hook lock acquired")
}

// Unlock releases mu and, on a worker, resumes the oldest coroutine parked
// on it. Callers off a worker that want to hand over call FreeBlockMutex on
// the coordinator themselves.
func Unlock(w *core.Worker, mu single.TryLocker) {
	mu.Unlock()
	if current(w) == nil {
		return
	}
	if b, ok := w.Single().(blocker); ok {
		b.FreeBlockMutex(mu)
	}
}
