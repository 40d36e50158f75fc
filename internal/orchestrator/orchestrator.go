// Package orchestrator wires the dev loop together. Startup is a fixed
// pipeline (compile, watch, serve, proxy) and afterwards every source
// change runs one compile followed by one browser notification.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/watcher"
)

// Stage names, in startup order.
const (
	StageCompile = "compile"
	StageWatch   = "watch"
	StageServe   = "serve"
	StageProxy   = "proxy"
)

// ShutdownTimeout bounds the teardown after Run's context ends.
const ShutdownTimeout = 10 * time.Second

// Server is the supervised application server.
type Server interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Restart()
	Stop(ctx context.Context) error
	OnReady(fn func(addr string, restarts int))
}

// Proxy is the live-reload front end.
type Proxy interface {
	Reloader
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Watcher delivers batches of file changes.
type Watcher interface {
	AddHandler(handler watcher.ChangeHandler)
	Start(ctx context.Context) error
	Stop() error
}

// WatcherFactory builds a watcher for a set of glob patterns.
type WatcherFactory func(debounce time.Duration, logger logging.Logger, patterns ...string) (Watcher, error)

// Options configure what is watched.
type Options struct {
	Sources     []string
	Views       []string
	ServerWatch []string
	Debounce    time.Duration
}

// Orchestrator owns the startup pipeline and the rebuild loop.
type Orchestrator struct {
	opts       Options
	compiler   Compiler
	server     Server
	proxy      Proxy
	logger     logging.Logger
	newWatcher WatcherFactory
	rebuilder  *Rebuilder

	mutex    sync.Mutex
	watchers []Watcher
}

// New creates an orchestrator over the given components.
func New(opts Options, compiler Compiler, server Server, proxy Proxy, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	logger = logger.WithComponent("orchestrator")

	return &Orchestrator{
		opts:      opts,
		compiler:  compiler,
		server:    server,
		proxy:     proxy,
		logger:    logger,
		rebuilder: NewRebuilder(compiler, proxy, logger),
		newWatcher: func(d time.Duration, l logging.Logger, patterns ...string) (Watcher, error) {
			fw, err := watcher.NewGlobWatcher(d, l, patterns...)
			if err != nil {
				return nil, err
			}
			return fw, nil
		},
	}
}

// SetWatcherFactory replaces how watchers are built.
func (o *Orchestrator) SetWatcherFactory(f WatcherFactory) {
	o.newWatcher = f
}

// Rebuilder exposes the rebuild loop.
func (o *Orchestrator) Rebuilder() *Rebuilder {
	return o.rebuilder
}

// Pipeline returns the startup pipeline bound to this orchestrator.
func (o *Orchestrator) Pipeline() *Pipeline {
	p := NewPipeline()

	_ = p.Add(StageCompile, o.compileStage)
	_ = p.Add(StageWatch, o.watchStage, StageCompile)
	_ = p.Add(StageServe, o.serveStage, StageWatch)
	_ = p.Add(StageProxy, o.proxyStage, StageServe)

	return p
}

// Run starts everything, blocks until ctx ends and then tears down in
// reverse order. A failing stage aborts startup and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.Pipeline().Run(ctx, o.logger)
	if err == nil {
		o.logger.Info(ctx, "Dev loop running")
		<-ctx.Done()
	}

	o.shutdown()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (o *Orchestrator) compileStage(ctx context.Context) error {
	// Failures are logged by the compiler and the loop carries on
	_, _ = o.compiler.Compile(ctx)
	return nil
}

func (o *Orchestrator) watchStage(ctx context.Context) error {
	go o.rebuilder.Run(ctx)

	if err := o.watch(ctx, o.opts.Sources, "sources", func([]watcher.ChangeEvent) {
		o.rebuilder.Trigger()
	}); err != nil {
		return err
	}

	if err := o.watch(ctx, o.opts.Views, "views", func([]watcher.ChangeEvent) {
		o.proxy.Reload()
	}); err != nil {
		return err
	}

	return o.watch(ctx, o.opts.ServerWatch, "server", func([]watcher.ChangeEvent) {
		o.server.Restart()
	})
}

func (o *Orchestrator) watch(ctx context.Context, patterns []string, name string, onChange func([]watcher.ChangeEvent)) error {
	if len(patterns) == 0 {
		return nil
	}

	w, err := o.newWatcher(o.opts.Debounce, o.logger.WithComponent("watcher"), patterns...)
	if err != nil {
		return err
	}

	w.AddHandler(func(events []watcher.ChangeEvent) error {
		o.logger.Info(ctx, "Files changed", "set", name, "files", len(events), "first", events[0].Path)
		onChange(events)
		return nil
	})

	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}

	o.mutex.Lock()
	o.watchers = append(o.watchers, w)
	o.mutex.Unlock()

	return nil
}

func (o *Orchestrator) serveStage(ctx context.Context) error {
	// Browsers reload once a restarted server is ready again
	o.server.OnReady(func(addr string, restarts int) {
		if restarts > 0 {
			o.proxy.Reload()
		}
	})

	if err := o.server.Start(ctx); err != nil {
		return err
	}
	return o.server.WaitReady(ctx)
}

func (o *Orchestrator) proxyStage(ctx context.Context) error {
	return o.proxy.Start(ctx)
}

func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := o.proxy.Shutdown(ctx); err != nil {
		o.logger.Warn(ctx, err, "Proxy shutdown incomplete")
	}

	o.mutex.Lock()
	watchers := o.watchers
	o.watchers = nil
	o.mutex.Unlock()
	for _, w := range watchers {
		_ = w.Stop()
	}

	if err := o.server.Stop(ctx); err != nil {
		o.logger.Warn(ctx, err, "Server shutdown incomplete")
	}

	o.logger.Info(ctx, "Dev loop stopped")
}
