// Package app boots a coserver: it owns the handler registry, one worker per
// OS thread, the shared mutex coordinator and the optional admin endpoint.
package app

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/coserver/config"
	"github.com/searchktools/coserver/core"
	"github.com/searchktools/coserver/core/admin"
	"github.com/searchktools/coserver/core/logging"
	"github.com/searchktools/coserver/core/single"
)

var (
	ErrStarted          = errors.New("app: already started")
	ErrNotStarted       = errors.New("app: not started")
	ErrDuplicateHandler = errors.New("app: duplicate handler")
)

// Option configures an App.
type Option func(*App)

// WithLogger replaces the logger built from the configured level.
func WithLogger(l *logging.Logger) Option {
	return func(a *App) { a.log = l }
}

// App is the application instance.
type App struct {
	cfg      *config.Config
	log      *logging.Logger
	handlers map[string]*core.UserFuncs
	single   *single.Single

	mu      sync.Mutex
	started bool
	workers []*core.Worker
	admin   *admin.Server
	group   errgroup.Group
}

// New validates cfg and creates an application instance.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		handlers: map[string]*core.UserFuncs{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		l, err := logging.New(logging.Config{Level: cfg.LogLevel})
		if err != nil {
			return nil, err
		}
		a.log = l
	}
	a.single = single.New(single.WithLogger(a.log))
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *logging.Logger { return a.log }

// Register binds funcs to name for the servers whose handler is name. It
// must be called before Start.
func (a *App) Register(name string, funcs *core.UserFuncs) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrStarted
	}
	if _, dup := a.handlers[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	a.handlers[name] = funcs
	return nil
}

// Start builds every worker and runs each on its own locked OS thread. The
// admin endpoint is started when configured.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrStarted
	}

	workers := make([]*core.Worker, 0, a.cfg.Workers)
	for i := 0; i < a.cfg.Workers; i++ {
		w, err := core.NewWorker(i, a.cfg,
			core.WithLogger(a.log),
			core.WithHandlers(a.handlers),
			core.WithBlockCoordinator(a.single),
		)
		if err != nil {
			for _, w := range workers {
				w.Close()
			}
			return err
		}
		workers = append(workers, w)
	}
	a.workers = workers
	a.started = true

	for _, w := range workers {
		a.group.Go(func() error { return a.runWorker(w) })
	}

	if a.cfg.Admin.Addr != "" {
		a.admin = admin.NewServer(admin.Config{
			Addr:   a.cfg.Admin.Addr,
			Source: admin.SourceFunc(a.Stats),
			Logger: a.log,
		})
		go func() {
			if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, admin.ErrServerClosed) {
				a.log.Err().Err(err).Str("addr", a.cfg.Admin.Addr).Log("admin server failed")
			}
		}()
	}

	a.log.Notice().Int("workers", len(workers)).Int("servers", len(a.cfg.Servers)).Log("coserver started")
	return nil
}

func (a *App) runWorker(w *core.Worker) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.Start(); err != nil {
		a.log.Err().Int("worker", w.ID()).Err(err).Log("worker stopped with error")
		return fmt.Errorf("worker %d: %w", w.ID(), err)
	}
	return nil
}

// Workers returns the workers once started.
func (a *App) Workers() []*core.Worker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workers
}

// Stats returns a snapshot of every worker.
func (a *App) Stats() []core.WorkerStats {
	workers := a.Workers()
	out := make([]core.WorkerStats, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Stats())
	}
	return out
}

// Shutdown stops every dispatcher and the admin endpoint. It does not wait;
// see Wait.
func (a *App) Shutdown() {
	a.mu.Lock()
	workers, adm := a.workers, a.admin
	a.mu.Unlock()

	a.log.Notice().Log("coserver shutting down")
	for _, w := range workers {
		w.Stop()
	}
	if adm != nil {
		_ = adm.Close()
	}
}

// Wait blocks until every worker loop returned, then releases the workers.
// It returns the first worker error.
func (a *App) Wait() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return ErrNotStarted
	}
	a.mu.Unlock()

	err := a.group.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.admin != nil {
		_ = a.admin.Close()
	}
	for _, w := range a.workers {
		w.Close()
	}
	a.workers = nil
	return err
}

// Run starts the application and serves until SIGINT or SIGTERM.
func (a *App) Run() error {
	signal.Ignore(syscall.SIGPIPE)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	if err := a.Start(); err != nil {
		return err
	}

	stopped := make(chan struct{})
	go func() {
		_ = a.group.Wait()
		close(stopped)
	}()

	select {
	case sig := <-quit:
		a.log.Notice().Str("signal", sig.String()).Log("signal received")
		a.Shutdown()
	case <-stopped:
	}
	return a.Wait()
}
