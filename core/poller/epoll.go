package poller

import (
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/searchktools/coserver/core/logging"
	"github.com/searchktools/coserver/core/pools"
)

// Option configures an EpollPoller.
type Option func(*EpollPoller)

// WithLogger sets the poller logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *EpollPoller) { p.log = l }
}

// WithEvents sets the event buffer size, clamped to [MinEvents, MaxEvents].
func WithEvents(n int) Option {
	return func(p *EpollPoller) {
		p.size = min(max(n, MinEvents), MaxEvents)
	}
}

// EpollPoller is an edge-triggered epoll instance owned by one worker.
type EpollPoller struct {
	epfd   int
	size   int
	events []unix.EpollEvent
	ready  []Ready
	lookup Lookup
	log    *logging.Logger

	add, mod, del, noop, fail, stale, waits atomic.Uint64
}

// New creates an epoll instance resolving tags through lookup.
func New(lookup Lookup, opts ...Option) (*EpollPoller, error) {
	p := &EpollPoller{
		size:   DefaultEvents,
		lookup: lookup,
	}
	for _, opt := range opts {
		opt(p)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll create: %w", err)
	}
	p.epfd = epfd
	p.events = make([]unix.EpollEvent, p.size)
	p.ready = make([]Ready, 0, p.size)
	return p, nil
}

// Size returns the event buffer size.
func (p *EpollPoller) Size() int { return p.size }

// Modify adds or removes mask from the interest of c. Nothing is issued when
// neither the resulting mask nor the connection version changed, nor when an
// unregistered connection would be left without interest.
func (p *EpollPoller) Modify(c *pools.Connection, op Op, mask uint32) error {
	prev := c.EpollMask
	cur := prev | mask
	if op == OpDel {
		cur = prev &^ mask
	}

	if (cur == prev && c.EpollVersion == c.Version) || (prev == 0 && cur == 0) {
		p.noop.Inc()
		return nil
	}

	ctl := unix.EPOLL_CTL_ADD
	if prev != 0 {
		if cur == 0 {
			ctl = unix.EPOLL_CTL_DEL
		} else {
			ctl = unix.EPOLL_CTL_MOD
		}
	}

	ev := unix.EpollEvent{Events: cur | unix.EPOLLET}
	setTag(&ev, Tag(c.ID, c.Version))
	if err := unix.EpollCtl(p.epfd, ctl, c.Socket.FD, &ev); err != nil {
		p.fail.Inc()
		p.log.Crit().
			Int("cid", int(c.ID)).
			Int("fd", c.Socket.FD).
			Int("ctl", ctl).
			Uint64("mask", uint64(cur)).
			Err(err).
			Log("epoll ctl failed")
		return fmt.Errorf("poller: epoll ctl %d fd %d: %w", ctl, c.Socket.FD, err)
	}

	switch ctl {
	case unix.EPOLL_CTL_ADD:
		p.add.Inc()
	case unix.EPOLL_CTL_MOD:
		p.mod.Inc()
	default:
		p.del.Inc()
	}

	c.EpollMask = cur
	c.EpollVersion = c.Version
	c.Read.Active = cur&Read != 0
	c.Write.Active = cur&Out != 0
	return nil
}

// Remove drops every registration of c.
func (p *EpollPoller) Remove(c *pools.Connection) error {
	if c.EpollMask == 0 {
		p.noop.Inc()
		return nil
	}

	var ev unix.EpollEvent
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, c.Socket.FD, &ev)

	c.EpollMask = 0
	c.EpollVersion = 0
	c.Read.Active = false
	c.Write.Active = false

	if err != nil {
		p.fail.Inc()
		p.log.Crit().Int("cid", int(c.ID)).Int("fd", c.Socket.FD).Err(err).Log("epoll del failed")
		return fmt.Errorf("poller: epoll del fd %d: %w", c.Socket.FD, err)
	}
	p.del.Inc()
	return nil
}

// Wait blocks for at most timeoutMs. The returned slice is reused by the
// next call.
func (p *EpollPoller) Wait(timeoutMs int) ([]Ready, error) {
	p.waits.Inc()
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return p.ready[:0], nil
		}
		p.log.Crit().Err(err).Log("epoll wait failed")
		return nil, fmt.Errorf("poller: epoll wait: %w", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, Ready{Tag: tag(&p.events[i]), Events: p.events[i].Events})
	}
	return p.ready, nil
}

// Resolve maps r to its connection. Events for recycled connections are
// counted and reported as not ok.
func (p *EpollPoller) Resolve(r Ready) (*pools.Connection, bool) {
	c := p.lookup.Lookup(r.ID())
	if c == nil {
		p.stale.Inc()
		p.log.Err().Uint64("tag", r.Tag).Log("epoll event for unknown connection")
		return nil, false
	}
	if c.Version != r.Version() {
		p.stale.Inc()
		p.log.Debug().
			Limit().
			Int("cid", int(c.ID)).
			Uint64("old_version", uint64(r.Version())).
			Uint64("version", uint64(c.Version)).
			Log("stale epoll event")
		return nil, false
	}
	return c, true
}

// Process resolves r and dispatches its connection once per active
// direction. Error or hangup without readiness wakes both directions, and a
// peer close is recorded as a pending EOF.
func (p *EpollPoller) Process(r Ready, dispatch func(*pools.Connection)) {
	c, ok := p.Resolve(r)
	if !ok {
		return
	}

	ev := r.Events
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		p.log.Warning().Int("cid", int(c.ID)).Uint64("events", uint64(ev)).Log("epoll error event")
		if ev&(In|Out) == 0 {
			ev |= In | Out
		}
	}

	version := c.Version
	if ev&Read != 0 && c.Read.Active {
		if ev&RDHup != 0 {
			c.PendingEOF = true
		}
		dispatch(c)
	}
	if ev&Out != 0 && c.Write.Active && c.Version == version {
		dispatch(c)
	}
}

// Counters returns the control-plane statistics.
func (p *EpollPoller) Counters() Counters {
	return Counters{
		Add:   p.add.Load(),
		Mod:   p.mod.Load(),
		Del:   p.del.Load(),
		Noop:  p.noop.Load(),
		Fail:  p.fail.Load(),
		Stale: p.stale.Load(),
		Waits: p.waits.Load(),
	}
}

// Close releases the epoll descriptor.
func (p *EpollPoller) Close() error {
	if p.epfd < 0 {
		return ErrClosed
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}
