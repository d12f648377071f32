// Package timer keeps the deadline-ordered timer queue of a worker.
package timer

import (
	"time"

	rb "github.com/glycerine/rbtree"

	"github.com/searchktools/coserver/core/logging"
	"github.com/searchktools/coserver/core/pools"
)

// MaxWait is the poll timeout used when no timer is pending, in milliseconds.
const MaxWait = 1000

type node struct {
	deadline int64
	seq      uint64
	ev       *pools.Event
}

// Option configures a Timer.
type Option func(*Timer)

// WithClock replaces the millisecond wall clock.
func WithClock(now func() int64) Option {
	return func(t *Timer) { t.now = now }
}

// WithLogger sets the timer logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Timer) { t.log = l }
}

// Timer orders event deadlines. It belongs to one worker and is not safe for
// concurrent use.
type Timer struct {
	tree     *rb.Tree
	seq      uint64
	now      func() int64
	dispatch func(*pools.Connection)
	log      *logging.Logger
	expired  uint64
}

// New creates a timer queue whose expired events are passed to dispatch.
func New(dispatch func(*pools.Connection), opts ...Option) *Timer {
	t := &Timer{
		dispatch: dispatch,
		now:      func() int64 { return time.Now().UnixMilli() },
		tree: rb.NewTree(func(a, b rb.Item) int {
			x, y := a.(*node), b.(*node)
			switch {
			case x == y:
				return 0
			case x.deadline < y.deadline:
				return -1
			case x.deadline > y.deadline:
				return 1
			case x.seq < y.seq:
				return -1
			case x.seq > y.seq:
				return 1
			}
			return 0
		}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NowMs returns the timer clock in milliseconds.
func (t *Timer) NowMs() int64 { return t.now() }

// Add arms ev to fire after ms milliseconds. It refuses an event whose timer
// is already set.
func (t *Timer) Add(ev *pools.Event, ms int) bool {
	if ev.TimerSet {
		t.log.Err().Int("cid", int(ev.Conn.ID)).Str("event", ev.Kind.String()).Log("timer already set")
		return false
	}

	t.seq++
	n := &node{deadline: t.now() + int64(ms), seq: t.seq, ev: ev}
	t.tree.InsertGetIt(n)
	ev.TimerNode = n
	ev.TimerSet = true
	return true
}

// Del disarms ev. Deleting an unset timer is logged, as a warning when the
// connection has already timed out.
func (t *Timer) Del(ev *pools.Event) bool {
	if !ev.TimerSet {
		if ev.Conn.TimedOut {
			t.log.Warning().Int("cid", int(ev.Conn.ID)).Str("event", ev.Kind.String()).Log("timer not set, connection timed out")
		} else {
			t.log.Err().Int("cid", int(ev.Conn.ID)).Str("event", ev.Kind.String()).Log("timer not set")
		}
		return false
	}

	if n, ok := ev.TimerNode.(*node); ok {
		t.tree.DeleteWithKey(n)
	}
	ev.TimerNode = nil
	ev.TimerSet = false
	return true
}

// NearestWait returns the milliseconds until the earliest deadline, 0 when it
// is due, or MaxWait when the queue is empty.
func (t *Timer) NearestWait() int {
	if t.tree.Len() == 0 {
		return MaxWait
	}
	n := t.tree.Min().Item().(*node)
	if d := n.deadline - t.now(); d > 0 {
		return int(d)
	}
	return 0
}

// ExpireDue fires every event whose deadline has passed and returns how many
// fired. The clock is read once per call.
func (t *Timer) ExpireDue() int {
	now := t.now()
	fired := 0
	for t.tree.Len() > 0 {
		it := t.tree.Min()
		n := it.Item().(*node)
		if n.deadline > now {
			break
		}
		t.tree.DeleteWithIterator(it)

		ev := n.ev
		ev.TimerNode = nil
		ev.TimerSet = false
		c := ev.Conn
		c.TimedOut = true
		if ev.PreExpiry != nil {
			ev.PreExpiry(ev)
		}

		t.log.Debug().Int("cid", int(c.ID)).Str("event", ev.Kind.String()).Int("remain", t.tree.Len()).Log("timer expired")
		fired++
		t.expired++
		t.dispatch(c)
	}
	return fired
}

// Len returns the number of armed timers.
func (t *Timer) Len() int { return t.tree.Len() }

// Empty reports whether no timer is armed.
func (t *Timer) Empty() bool { return t.tree.Len() == 0 }

// Expired returns the number of timers fired so far.
func (t *Timer) Expired() uint64 { return t.expired }
