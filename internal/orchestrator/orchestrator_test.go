package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a shared, ordered log of what the fakes were asked to do.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(e string) int {
	n := 0
	for _, got := range r.list() {
		if got == e {
			n++
		}
	}
	return n
}

type fakeCompiler struct {
	rec  *recorder
	fail bool
	gate chan struct{}

	mu      sync.Mutex
	running chan struct{}
}

func (c *fakeCompiler) Compile(ctx context.Context) (*build.Result, error) {
	c.rec.add("compile")
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running != nil {
		select {
		case running <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		<-c.gate
	}
	if c.fail {
		err := fmt.Errorf("TYPE MISMATCH")
		return &build.Result{Err: err}, err
	}
	return &build.Result{Output: "static/js/app.js"}, nil
}

type fakeServer struct {
	rec        *recorder
	mu         sync.Mutex
	readyHooks []func(string, int)
}

func (s *fakeServer) Start(context.Context) error {
	s.rec.add("serve.start")
	return nil
}

func (s *fakeServer) WaitReady(context.Context) error {
	s.rec.add("serve.ready")
	return nil
}

func (s *fakeServer) Restart() { s.rec.add("serve.restart") }

func (s *fakeServer) Stop(context.Context) error {
	s.rec.add("serve.stop")
	return nil
}

func (s *fakeServer) OnReady(fn func(string, int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyHooks = append(s.readyHooks, fn)
}

func (s *fakeServer) fireReady(restarts int) {
	s.mu.Lock()
	hooks := s.readyHooks
	s.mu.Unlock()
	for _, h := range hooks {
		h("127.0.0.1:6400", restarts)
	}
}

type fakeProxy struct{ rec *recorder }

func (p *fakeProxy) Reload()                { p.rec.add("reload") }
func (p *fakeProxy) NotifyBuildError(error) { p.rec.add("build_error") }

func (p *fakeProxy) Start(context.Context) error {
	p.rec.add("proxy.start")
	return nil
}

func (p *fakeProxy) Shutdown(context.Context) error {
	p.rec.add("proxy.shutdown")
	return nil
}

type fakeWatcher struct {
	rec      *recorder
	name     string
	mu       sync.Mutex
	handlers []watcher.ChangeHandler
}

func (w *fakeWatcher) AddHandler(h watcher.ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}
func (w *fakeWatcher) Start(context.Context) error {
	w.rec.add("watch:" + w.name)
	return nil
}

func (w *fakeWatcher) Stop() error { return nil }

func (w *fakeWatcher) fire(path string) {
	w.mu.Lock()
	handlers := w.handlers
	w.mu.Unlock()
	for _, h := range handlers {
		_ = h([]watcher.ChangeEvent{{Type: watcher.EventTypeModified, Path: path}})
	}
}

type harness struct {
	rec      *recorder
	compiler *fakeCompiler
	server   *fakeServer
	proxy    *fakeProxy
	watchers map[string]*fakeWatcher
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	rec := &recorder{}
	h := &harness{
		rec:      rec,
		compiler: &fakeCompiler{rec: rec},
		server:   &fakeServer{rec: rec},
		proxy:    &fakeProxy{rec: rec},
		watchers: make(map[string]*fakeWatcher),
	}

	h.orch = New(Options{
		Sources:     []string{"elm/**/*.elm"},
		Views:       []string{"views/**/*"},
		ServerWatch: []string{"cmd/**/*.go"},
		Debounce:    10 * time.Millisecond,
	}, h.compiler, h.server, h.proxy, logging.Discard())

	var mu sync.Mutex
	h.orch.SetWatcherFactory(func(_ time.Duration, _ logging.Logger, patterns ...string) (Watcher, error) {
		mu.Lock()
		defer mu.Unlock()
		w := &fakeWatcher{rec: rec, name: patterns[0]}
		h.watchers[patterns[0]] = w
		return w, nil
	})

	return h
}

func (h *harness) start(t *testing.T) (context.CancelFunc, chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return h.rec.count("proxy.start") == 1 }, 2*time.Second, 5*time.Millisecond)
	return cancel, done
}

func TestStartupOrder(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)

	assert.Equal(t, []string{
		"compile",
		"watch:elm/**/*.elm",
		"watch:views/**/*",
		"watch:cmd/**/*.go",
		"serve.start",
		"serve.ready",
		"proxy.start",
	}, h.rec.list())

	cancel()
	require.NoError(t, <-done)

	events := h.rec.list()
	assert.Equal(t, []string{"proxy.shutdown", "serve.stop"}, events[len(events)-2:])
}

func TestInitialCompileFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.compiler.fail = true

	cancel, done := h.start(t)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, h.rec.count("build_error"), "no browsers are connected during startup")
}

func TestSourceChangeCompilesThenReloads(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer func() {
		cancel()
		<-done
	}()

	base := len(h.rec.list())
	h.watchers["elm/**/*.elm"].fire("elm/Main.elm")

	require.Eventually(t, func() bool { return h.rec.count("reload") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"compile", "reload"}, h.rec.list()[base:])
}

func TestFailedRebuildNotifiesInsteadOfReloading(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer func() {
		cancel()
		<-done
	}()

	h.compiler.fail = true
	base := len(h.rec.list())
	h.watchers["elm/**/*.elm"].fire("elm/Main.elm")

	require.Eventually(t, func() bool { return h.rec.count("build_error") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"compile", "build_error"}, h.rec.list()[base:])
}

func TestViewChangeReloadsWithoutCompiling(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer func() {
		cancel()
		<-done
	}()

	compiles := h.rec.count("compile")
	h.watchers["views/**/*"].fire("views/index.html")

	assert.Equal(t, 1, h.rec.count("reload"))
	assert.Equal(t, compiles, h.rec.count("compile"))
}

func TestServerWatchRestartsServer(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer func() {
		cancel()
		<-done
	}()

	h.watchers["cmd/**/*.go"].fire("cmd/serve.go")
	assert.Equal(t, 1, h.rec.count("serve.restart"))

	h.server.fireReady(0)
	assert.Zero(t, h.rec.count("reload"), "first readiness does not reload")
	h.server.fireReady(1)
	assert.Equal(t, 1, h.rec.count("reload"))
}

func TestRebuildsCoalesceWhileCompiling(t *testing.T) {
	rec := &recorder{}
	compiler := &fakeCompiler{rec: rec, gate: make(chan struct{}), running: make(chan struct{}, 1)}
	b := NewRebuilder(compiler, &fakeProxy{rec: rec}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Trigger()
	<-compiler.running

	// A burst while the first compile is in flight
	for i := 0; i < 10; i++ {
		b.Trigger()
	}

	compiler.gate <- struct{}{}
	<-compiler.running
	compiler.gate <- struct{}{}

	require.Eventually(t, func() bool { return rec.count("reload") == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 2, rec.count("compile"), "the burst collapses into one extra compile")
	assert.Equal(t, 2, b.Cycles())
	assert.Equal(t, []string{"compile", "reload", "compile", "reload"}, rec.list())
}

func TestStageFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.orch.SetWatcherFactory(func(time.Duration, logging.Logger, ...string) (Watcher, error) {
		return nil, fmt.Errorf("too many open files")
	})

	err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage watch failed")
	assert.Zero(t, h.rec.count("serve.start"))
	assert.Equal(t, 1, h.rec.count("serve.stop"), "teardown still runs")
}
