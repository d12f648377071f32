package core

import (
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core/coroutine"
	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/spinlock"
)

type pending struct {
	conn    *pools.Connection
	version uint32
}

// Dispatcher drives a worker: it waits for readiness, resumes the owning
// coroutines and drains the follow-up queues before waiting again.
//
// The delay queue is only touched by the worker itself. The resume and
// single queues are fed by other goroutines under a spinlock, each followed
// by a byte on the wake-up pair when the queue was empty. wakeMu orders those
// writes against close, so no byte is ever written to a recycled descriptor.
type Dispatcher struct {
	w *Worker

	stopping atomic.Bool

	delay []pending

	mu      spinlock.Lock
	resumes []pending
	singles []pending

	wakeMu    sync.Mutex
	wakeRead  *pools.Connection
	wakeWrite *pools.Connection
	wakeFD    int

	dispatched atomic.Uint64
	stale      atomic.Uint64
	wakeups    atomic.Uint64
}

func newDispatcher(w *Worker) *Dispatcher {
	return &Dispatcher{w: w, wakeFD: -1}
}

// init creates the wake-up socket pair. Its read side is an arena connection
// with an exception-free handler that drains the pair.
func (d *Dispatcher) init() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		d.w.log.Crit().Err(err).Log("wakeup socketpair failed")
		return err
	}

	r, err := d.w.Arena.GetFD(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return err
	}
	wr, err := d.w.Arena.GetFD(fds[1])
	if err != nil {
		d.w.Arena.Free(r)
		_ = unix.Close(fds[1])
		return err
	}
	for _, c := range []*pools.Connection{r, wr} {
		c.Handler = pools.Handler{Kind: pools.HandlerWakeup}
		c.Exception = pools.ExceptionNone
	}
	d.wakeMu.Lock()
	d.wakeRead, d.wakeWrite = r, wr
	d.wakeFD = wr.Socket.FD
	d.wakeMu.Unlock()

	if err := d.w.Poller.Modify(r, poller.OpAdd, poller.Read); err != nil {
		return err
	}
	return nil
}

// Start runs the loop until Stop has been called and every timer is gone.
func (d *Dispatcher) Start() error {
	w := d.w
	w.log.Info().Log("dispatcher start")
	for {
		if d.stopping.Load() {
			w.Arena.CloseAll(d.Push)
			d.drain()
			if w.Timer.Empty() {
				break
			}
		}
		if err := d.processEventsAndTimers(); err != nil {
			return err
		}
	}
	w.log.Info().Uint64("dispatched", d.dispatched.Load()).Log("dispatcher stop")
	return nil
}

// Stop makes the loop close every connection and exit once drained.
func (d *Dispatcher) Stop() {
	if d.stopping.Swap(true) {
		return
	}
	d.wake()
}

// Stopping reports whether Stop has been called.
func (d *Dispatcher) Stopping() bool { return d.stopping.Load() }

func (d *Dispatcher) processEventsAndTimers() error {
	w := d.w
	wait := w.Timer.NearestWait()
	if len(d.delay) > 0 {
		wait = 0
	}
	ready, err := w.Poller.Wait(wait)
	if err != nil {
		return err
	}
	events := len(ready)
	for _, r := range ready {
		w.Poller.Process(r, d.Dispatch)
	}

	for {
		work := d.drain()
		if wait == 0 || events > 0 || work > 0 {
			w.Timer.ExpireDue()
			events = 0
			wait = w.Timer.NearestWait()
			continue
		}
		break
	}
	w.publish()
	return nil
}

// drain runs the delay, resume and single queues in that order and returns
// how many live entries were dispatched.
func (d *Dispatcher) drain() int {
	n := 0
	for len(d.delay) > 0 {
		p := d.delay[0]
		d.delay[0] = pending{}
		d.delay = d.delay[1:]
		if d.dispatchLive(p) {
			n++
		}
	}
	if len(d.delay) == 0 {
		d.delay = nil
	}

	d.mu.Lock()
	resumes := d.resumes
	d.resumes = nil
	d.mu.Unlock()
	for _, p := range resumes {
		if d.dispatchLive(p) {
			n++
		}
	}

	d.mu.Lock()
	singles := d.singles
	d.singles = nil
	d.mu.Unlock()
	for _, p := range singles {
		if s := d.w.single; s != nil && !s.FindBlockMutex(ThreadConnID(d.w.id, p.conn.ID)) {
			continue
		}
		if d.dispatchLive(p) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) dispatchLive(p pending) bool {
	if !p.conn.Alive(p.version) {
		d.stale.Inc()
		d.w.log.Debug().
			Limit().
			Int("cid", int(p.conn.ID)).
			Uint64("old_version", uint64(p.version)).
			Uint64("version", uint64(p.conn.Version)).
			Log("stale queued connection")
		return false
	}
	d.Dispatch(p.conn)
	return true
}

// Push queues c for dispatch before the next wait. Worker-local only.
func (d *Dispatcher) Push(c *pools.Connection) {
	d.delay = append(d.delay, pending{conn: c, version: c.Version})
}

// ResumeAsync queues a resume of c from any goroutine. Entries whose version
// no longer matches are dropped by the worker.
func (d *Dispatcher) ResumeAsync(c *pools.Connection, version uint32) {
	d.mu.Lock()
	first := len(d.resumes) == 0
	d.resumes = append(d.resumes, pending{conn: c, version: version})
	d.mu.Unlock()
	if first {
		d.wake()
	}
}

// ResumeSingleAsync is ResumeAsync for a connection parked on a mutex. The
// worker only resumes it while it is still registered as blocked.
func (d *Dispatcher) ResumeSingleAsync(c *pools.Connection, version uint32) {
	d.mu.Lock()
	first := len(d.singles) == 0
	d.singles = append(d.singles, pending{conn: c, version: version})
	d.mu.Unlock()
	if first {
		d.wake()
	}
}

func (d *Dispatcher) wake() {
	d.wakeMu.Lock()
	defer d.wakeMu.Unlock()
	fd := d.wakeFD
	if fd < 0 {
		return
	}
	d.wakeups.Inc()
	if _, err := unix.Write(fd, []byte{'w'}); err != nil && err != unix.EAGAIN {
		d.w.log.Err().Int("fd", fd).Err(err).Limit().Log("wakeup write failed")
	}
}

func (d *Dispatcher) drainWakeup(c *pools.Connection) {
	var buf [8]byte
	for {
		n, err := c.Socket.Read(buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

// Dispatch resumes the coroutine owning c, creating it when the previous body
// has returned. A shadow connection resumes its origin.
func (d *Dispatcher) Dispatch(c *pools.Connection) {
	w := d.w
	w.current = c
	defer func() { w.current = nil }()

	if w.exception(c) == Exception {
		w.log.Debug().Int("cid", int(c.ID)).Log("dispatch stopped by exception")
		return
	}

	owner := c
	if c.IsShadow {
		owner = c.Origin
	}
	d.dispatched.Inc()

	co := owner.Coroutine
	if co == nil || co.Finished() {
		if c.IsShadow {
			w.log.Err().Int("cid", int(c.ID)).Log("shadow event without a suspended origin")
			return
		}
		var err error
		co, err = w.Coroutines.Create(func() { w.run(owner) })
		if err != nil {
			w.log.Crit().Int("cid", int(owner.ID)).Err(err).Log("coroutine create failed")
			return
		}
		owner.Coroutine = co
	}

	switch co.State() {
	case coroutine.Ready, coroutine.Suspended:
		if err := w.Coroutines.SwapIn(co); err != nil {
			w.log.Crit().Int("cid", int(owner.ID)).Err(err).Log("coroutine swap in failed")
		}
	case coroutine.Running:
		w.log.Crit().Int("cid", int(owner.ID)).Log("dispatch of a running coroutine")
	case coroutine.Down:
		w.log.Crit().Int("cid", int(owner.ID)).Log("dispatch of a down coroutine")
	}
}

// Yield suspends the coroutine of c until its connection is dispatched again.
// It returns Error when the connection is dying or was recycled meanwhile.
func (d *Dispatcher) Yield(c *pools.Connection, version uint32) Result {
	if err := d.w.Coroutines.SwapOut(c.Coroutine); err != nil {
		d.w.log.Crit().Int("cid", int(c.ID)).Err(err).Log("coroutine swap out failed")
		return Error
	}
	if c.Dying || c.Version != version {
		return Error
	}
	return OK
}

// YieldThirdSocket parks the coroutine of c until fd, a socket the arena does
// not own, becomes ready for interest or timeoutMs elapses. A timeoutMs of 0
// or less arms no timer. The shadow of c carries the registration and is
// always deregistered before it is unbound.
//
// The result is Exception when c is being torn down, then Timeout when the
// wait expired, Error on a hangup of fd, Exception when only the shadow is
// dying, and OK otherwise. A shadow that timed out is marked dying as well,
// hence its dying flag is checked last.
func (d *Dispatcher) YieldThirdSocket(fd int, interest uint32, timeoutMs int, c *pools.Connection) Result {
	w := d.w
	s := c.Shadow
	ev := s.Read
	if interest&poller.Out != 0 {
		ev = s.Write
	}
	defer func() {
		w.disarm(ev)
		if s.EpollMask != 0 {
			_ = w.Poller.Remove(s)
		}
		c.UseShadow = false
		c.ResetShadow()
	}()

	c.UseShadow = true
	s.Socket.Bind(fd)

	if err := w.Poller.Modify(s, poller.OpAdd, interest); err != nil {
		return Error
	}
	if timeoutMs > 0 {
		w.Timer.Add(ev, timeoutMs)
	}

	if err := w.Coroutines.SwapOut(c.Coroutine); err != nil {
		w.log.Crit().Int("cid", int(c.ID)).Err(err).Log("coroutine swap out failed")
		return Error
	}
	w.current = c

	_ = w.Poller.Modify(s, poller.OpDel, interest)

	switch {
	case c.Dying:
		return Exception
	case s.TimedOut:
		return Timeout
	case s.PendingEOF:
		return Error
	case s.Dying:
		return Exception
	}
	return OK
}

// YieldTimer sleeps the coroutine of c for ms milliseconds. The connection
// cannot be torn down while it sleeps.
func (d *Dispatcher) YieldTimer(c *pools.Connection, ms int) Result {
	w := d.w
	c.ThirdFuncBlocking = true
	w.Timer.Add(c.Sleep, ms)

	err := w.Coroutines.SwapOut(c.Coroutine)
	c.ThirdFuncBlocking = false
	w.disarm(c.Sleep)
	if err != nil {
		w.log.Crit().Int("cid", int(c.ID)).Err(err).Log("coroutine swap out failed")
		return Error
	}
	if c.Dying {
		return Error
	}
	return OK
}

// close frees the wake-up pair. It runs after Start has returned.
func (d *Dispatcher) close() {
	d.wakeMu.Lock()
	defer d.wakeMu.Unlock()
	d.wakeFD = -1
	for _, c := range []*pools.Connection{d.wakeRead, d.wakeWrite} {
		if c == nil || !c.Socket.Valid() {
			continue
		}
		if d.w.Poller != nil {
			_ = d.w.Poller.Remove(c)
		}
		d.w.Arena.Free(c)
	}
	d.wakeRead, d.wakeWrite = nil, nil
}
