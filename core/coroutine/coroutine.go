// Package coroutine provides stackful coroutines scheduled by hand.
//
// A Manager belongs to exactly one worker. At most one of its coroutines runs
// at a time: SwapIn transfers control from the worker to a coroutine and
// SwapOut hands it back. Bodies are driven through iter.Pull, so every switch
// is a direct runtime hand-off without a scheduler round trip.
package coroutine

import (
	"errors"
	"fmt"
	"iter"
)

// State is the lifecycle state of a coroutine.
type State uint8

const (
	Ready State = iota
	Running
	Suspended
	Down
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Stack size bounds, in bytes.
const (
	DefaultStackSize = 1 << 20
	MinStackSize     = 1 << 10
	MaxStackSize     = 10 << 20
)

var (
	ErrNilBody    = errors.New("coroutine: nil body")
	ErrNested     = errors.New("coroutine: swap in while another coroutine is running")
	ErrDown       = errors.New("coroutine: coroutine is down")
	ErrNotCurrent = errors.New("coroutine: swap out of a coroutine that is not running")
	ErrFinished   = errors.New("coroutine: coroutine has finished")
	// ErrStopped is raised inside a suspended body when its coroutine is
	// stopped. It unwinds the body so deferred calls run, and never escapes.
	ErrStopped = errors.New("coroutine: stopped")
)

// Tracer observes every context switch.
type Tracer interface {
	OnSwapIn(co *Coroutine)
	OnSwapOut(co *Coroutine)
}

// Coroutine is a resumable body bound to a Manager.
type Coroutine struct {
	id       uint64
	state    State
	started  bool
	finished bool
	stopping bool
	next     func() (struct{}, bool)
	stop     func()
	yield    func(struct{}) bool
	panicked any
}

// ID returns the manager-unique id of the coroutine.
func (co *Coroutine) ID() uint64 { return co.id }

// State returns the current lifecycle state.
func (co *Coroutine) State() State { return co.state }

// Finished reports whether the body has returned.
func (co *Coroutine) Finished() bool { return co.finished }

// Option configures a Manager.
type Option func(*Manager)

// WithStackSize sets the per-coroutine stack budget. Values outside
// [MinStackSize, MaxStackSize] fall back to DefaultStackSize.
//
// The budget is advisory: bodies run on goroutine stacks, which the Go
// runtime grows on demand, so it neither reserves memory nor limits how
// deep a body may recurse. It is only reported through Stats.
func WithStackSize(n int) Option {
	return func(m *Manager) {
		if n < MinStackSize || n > MaxStackSize {
			n = DefaultStackSize
		}
		m.stackSize = n
	}
}

// WithTracer installs a switch observer.
func WithTracer(t Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Created   uint64 `json:"created"`
	SwapIns   uint64 `json:"swap_ins"`
	Live      int    `json:"live"`
	StackSize int    `json:"stack_size"` // advisory, see WithStackSize
}

// Manager owns the coroutines of one worker. It is not safe for concurrent use.
type Manager struct {
	stackSize int
	tracer    Tracer
	current   *Coroutine
	live      map[uint64]*Coroutine
	seq       uint64
	swapIns   uint64
}

// NewManager creates a Manager with the default stack budget.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		stackSize: DefaultStackSize,
		live:      make(map[uint64]*Coroutine),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StackSize returns the clamped stack budget. It is not enforced; see
// WithStackSize.
func (m *Manager) StackSize() int { return m.stackSize }

// Current returns the running coroutine, or nil when the worker's main
// context is running.
func (m *Manager) Current() *Coroutine { return m.current }

// Create prepares body to run on the first SwapIn.
func (m *Manager) Create(body func()) (*Coroutine, error) {
	if body == nil {
		return nil, ErrNilBody
	}

	m.seq++
	co := &Coroutine{id: m.seq, state: Ready}
	co.next, co.stop = iter.Pull(func(yield func(struct{}) bool) {
		co.yield = yield
		defer func() {
			if r := recover(); r != nil && r != ErrStopped {
				panic(r)
			}
		}()
		body()
	})
	m.live[co.id] = co
	return co, nil
}

// SwapIn runs co until it calls SwapOut or its body returns. A panic in the
// body marks the coroutine Down and is returned as an error.
func (m *Manager) SwapIn(co *Coroutine) (err error) {
	if m.current != nil {
		return ErrNested
	}
	switch {
	case co.finished:
		return ErrFinished
	case co.state == Down:
		return ErrDown
	}

	m.current = co
	co.state = Running
	co.started = true
	m.swapIns++
	if m.tracer != nil {
		m.tracer.OnSwapIn(co)
	}

	defer func() {
		if r := recover(); r != nil {
			m.current = nil
			co.state = Down
			co.finished = true
			co.panicked = r
			delete(m.live, co.id)
			err = fmt.Errorf("coroutine: %d panicked: %v", co.id, r)
		}
	}()

	if _, ok := co.next(); !ok {
		m.current = nil
		co.state = Ready
		co.finished = true
		delete(m.live, co.id)
	}
	return nil
}

// SwapOut suspends the running coroutine co and returns control to the
// caller of SwapIn. It returns once co is swapped in again.
func (m *Manager) SwapOut(co *Coroutine) error {
	if co == nil || m.current != co || co.stopping {
		return ErrNotCurrent
	}

	co.state = Suspended
	m.current = nil
	if m.tracer != nil {
		m.tracer.OnSwapOut(co)
	}

	if !co.yield(struct{}{}) {
		co.stopping = true
		panic(ErrStopped)
	}
	return nil
}

// Stop discards a coroutine that is not running. A suspended body unwinds
// from its SwapOut call.
func (m *Manager) Stop(co *Coroutine) {
	if co == nil || co.finished || co.state == Running {
		return
	}
	co.stop()
	co.state = Down
	co.finished = true
	delete(m.live, co.id)
}

// Close stops every coroutine that has not finished.
func (m *Manager) Close() {
	for _, co := range m.live {
		m.Stop(co)
	}
}

// Stats returns a counter snapshot.
func (m *Manager) Stats() Stats {
	return Stats{
		Created:   m.seq,
		SwapIns:   m.swapIns,
		Live:      len(m.live),
		StackSize: m.stackSize,
	}
}
