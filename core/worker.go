// Package core is the coroutine-driven server runtime: the per-thread worker
// context, its dispatcher loop, the request and upstream lifecycles and the
// listening server controls.
package core

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core/coroutine"
	"github.com/searchktools/coserver/core/logging"
	"github.com/searchktools/coserver/core/poller"
	"github.com/searchktools/coserver/core/pools"
	"github.com/searchktools/coserver/core/timer"
)

// BlockCoordinator tracks connections parked on a contended mutex. It is
// shared by every worker of a server.
type BlockCoordinator interface {
	FindBlockMutex(id uint64) bool
}

// ThreadConnID packs a worker index and a connection id.
func ThreadConnID(worker int, connID uint32) uint64 {
	return uint64(uint32(worker))<<32 | uint64(connID)
}

// UserFuncs is a registered request handler. Process runs once per decoded
// request and Destroy once per finished request, error or not.
type UserFuncs struct {
	Process func(*HandlerData) Result
	Destroy func(*HandlerData) Result
	Data    any
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l *logging.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithHandlers sets the handler registry servers are bound against.
func WithHandlers(h map[string]*UserFuncs) WorkerOption {
	return func(w *Worker) { w.handlers = h }
}

// WithBlockCoordinator installs the shared mutex coordinator.
func WithBlockCoordinator(b BlockCoordinator) WorkerOption {
	return func(w *Worker) { w.single = b }
}

// WithClock replaces the millisecond clock of the timer queue.
func WithClock(now func() int64) WorkerOption {
	return func(w *Worker) { w.clock = now }
}

// Worker is the runtime context of one OS thread. Apart from Stop, Stats and
// the dispatcher's async resumes it must only be used from the goroutine
// running Start.
type Worker struct {
	id  int
	cfg *config.Config
	log *logging.Logger

	Coroutines *coroutine.Manager
	Arena      *pools.Arena
	Timer      *timer.Timer
	Poller     *poller.EpollPoller
	Dispatcher *Dispatcher
	Upstreams  *UpstreamPool

	single   BlockCoordinator
	handlers map[string]*UserFuncs
	servers  []*ServerControl
	clock    func() int64

	current    *pools.Connection
	requestSeq uint32

	requests atomic.Uint64
	timers   atomic.Int64
	expired  atomic.Uint64
	coStats  atomic.Value
}

// NewWorker builds the worker at index id: arena, poller, timer queue,
// dispatcher with its wake-up pair, upstream pools and one listener per
// configured server.
func NewWorker(id int, cfg *config.Config, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		id:       id,
		cfg:      cfg,
		handlers: map[string]*UserFuncs{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Clone().Int("worker", id).Logger()

	w.Coroutines = coroutine.NewManager(coroutine.WithStackSize(cfg.StackSize))
	w.Arena = pools.NewArena(
		pools.WithLogger(w.log),
		pools.WithCoroutines(w.Coroutines),
		pools.WithSleepExpiry(sleepExpiry),
	)
	if err := w.Arena.Init(cfg.ArenaSize()); err != nil {
		return nil, fmt.Errorf("core: worker %d arena: %w", id, err)
	}

	p, err := poller.New(w.Arena, poller.WithLogger(w.log), poller.WithEvents(cfg.EventSize))
	if err != nil {
		return nil, fmt.Errorf("core: worker %d poller: %w", id, err)
	}
	w.Poller = p

	w.Dispatcher = newDispatcher(w)
	topts := []timer.Option{timer.WithLogger(w.log)}
	if w.clock != nil {
		topts = append(topts, timer.WithClock(w.clock))
	}
	w.Timer = timer.New(w.Dispatcher.Dispatch, topts...)

	w.Upstreams, err = newUpstreamPool(w, cfg.Upstreams)
	if err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Dispatcher.init(); err != nil {
		w.Close()
		return nil, err
	}
	for _, sc := range cfg.Servers {
		s, err := newServerControl(w, sc)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.servers = append(w.servers, s)
	}

	w.coStats.Store(w.Coroutines.Stats())
	w.log.Info().Int("servers", len(w.servers)).Int("upstreams", len(cfg.Upstreams)).Log("worker init")
	return w, nil
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// Config returns the configuration the worker was built from.
func (w *Worker) Config() *config.Config { return w.cfg }

// Logger returns the worker logger.
func (w *Worker) Logger() *logging.Logger { return w.log }

// Single returns the shared mutex coordinator, or nil.
func (w *Worker) Single() BlockCoordinator { return w.single }

// Servers returns the listening server controls.
func (w *Worker) Servers() []*ServerControl { return w.servers }

// Current returns the connection being dispatched, or nil outside a dispatch.
func (w *Worker) Current() *pools.Connection { return w.current }

// Dying reports whether the current connection is being torn down.
func (w *Worker) Dying() bool {
	return w.current != nil && w.current.Dying
}

// Start runs the dispatcher loop until Stop drains every connection.
func (w *Worker) Start() error {
	return w.Dispatcher.Start()
}

// Stop asks the dispatcher loop to shut down. It is safe from any goroutine.
func (w *Worker) Stop() {
	w.Dispatcher.Stop()
}

// Close releases whatever Start left behind: the wake-up pair, remaining
// connections, the coroutines and the poller.
func (w *Worker) Close() {
	if w.Dispatcher != nil {
		w.Dispatcher.close()
	}
	if w.Coroutines != nil {
		w.Coroutines.Close()
	}
	if w.Poller != nil {
		_ = w.Poller.Close()
		w.Poller = nil
	}
}

// FreeConnection releases a connection with the outcome of its last step,
// choosing the upstream pool or the request path by its owner.
func (w *Worker) FreeConnection(c *pools.Connection, ret Result) {
	if u, ok := c.Upstream.(*Upstream); ok {
		u.free(c, ret)
		return
	}
	w.FreeRequestConnection(c, ret)
}

// run is the body of every connection coroutine.
func (w *Worker) run(c *pools.Connection) {
	switch c.Handler.Kind {
	case pools.HandlerWakeup:
		w.Dispatcher.drainWakeup(c)
	case pools.HandlerListen:
		s, ok := c.Server.(*ServerControl)
		if !ok {
			w.log.Crit().Int("cid", int(c.ID)).Log("listener without server control")
			return
		}
		s.listen(c)
	case pools.HandlerRequest:
		w.requestInit(c)
	case pools.HandlerUpstream:
		w.upstreamInit(c)
	case pools.HandlerCustom:
		if c.Handler.Fn != nil {
			c.Handler.Fn(c)
		}
	case pools.HandlerNone:
		w.log.Err().Int("cid", int(c.ID)).Log("dispatch connection without handler")
	}
}

func (w *Worker) pollerAdd(c *pools.Connection, mask uint32) bool {
	return w.Poller.Modify(c, poller.OpAdd, mask) == nil
}

func (w *Worker) pollerDel(c *pools.Connection, mask uint32) bool {
	return w.Poller.Modify(c, poller.OpDel, mask) == nil
}

// disarm removes the timer of ev if it is still queued.
func (w *Worker) disarm(ev *pools.Event) {
	if ev.TimerSet {
		w.Timer.Del(ev)
	}
}

func (w *Worker) nextRequestID() uint32 {
	w.requestSeq++
	return w.requestSeq
}

func sleepExpiry(ev *pools.Event) {
	ev.Conn.TimedOut = false
	ev.Conn.ThirdFuncBlocking = false
}
