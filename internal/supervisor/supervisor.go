// Package supervisor runs the application server as a child process,
// restarts it when it crashes or when asked to, and reports readiness.
//
// The child announces readiness by printing a marker line on stdout. The
// first readiness of a session fires a one-shot latch; readiness after a
// restart does not fire it again.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

// ReadyMarker starts the stdout line a supervised server prints once it
// accepts connections.
const ReadyMarker = "devloop:ready"

// Options configure a Supervisor.
type Options struct {
	Command      string
	Args         []string
	Env          map[string]string
	RestartDelay time.Duration
	StopTimeout  time.Duration

	// Stdout and Stderr receive the child's output. Nil means os.Stdout
	// and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor keeps one child process running.
type Supervisor struct {
	opts   Options
	logger logging.Logger
	latch  *Latch

	mutex        sync.Mutex
	pid          int
	addr         string
	restarts     int
	restartHooks []func(restarts int)
	readyHooks   []func(addr string, restarts int)
	started      bool
	fatal        error

	restartCh chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

type process struct {
	cmd    *exec.Cmd
	output *markerWriter
	exited chan error
}

// New creates a supervisor. Nothing runs until Start.
func New(opts Options, logger logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	s := &Supervisor{
		opts:      opts,
		logger:    logger.WithComponent("supervisor"),
		latch:     NewLatch(),
		restartCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.latch.OnFirstReady(func() {
		s.logger.Info(context.Background(), "Server started...", "addr", s.Addr(), "pid", s.PID())
	})

	return s
}

// Latch returns the session's started latch.
func (s *Supervisor) Latch() *Latch {
	return s.latch
}

// OnRestart registers fn to run every time the child is respawned.
func (s *Supervisor) OnRestart(fn func(restarts int)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.restartHooks = append(s.restartHooks, fn)
}

// OnReady registers fn to run on every readiness, the first one included.
func (s *Supervisor) OnReady(fn func(addr string, restarts int)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.readyHooks = append(s.readyHooks, fn)
}

// Start launches the run loop. It returns immediately; use WaitReady to
// block until the server accepts connections.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	if s.opts.Command == "" {
		return errors.NewProcessError(errors.CodeSpawnFailed, "no command to supervise", nil)
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)

	return nil
}

// WaitReady blocks until the first readiness. It fails if the first child
// could not be spawned, if the supervisor stops, or if ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case <-s.latch.Ready():
		return nil
	case <-s.done:
		s.mutex.Lock()
		err := s.fatal
		s.mutex.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("supervisor stopped before the server was ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart asks for the child to be terminated and respawned. Requests made
// while one is pending collapse into one.
func (s *Supervisor) Restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Stop terminates the child and waits for the run loop to finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mutex.Lock()
	cancel := s.cancel
	started := s.started
	s.mutex.Unlock()

	if !started {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the run loop has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Restarts returns how many times the child has been respawned.
func (s *Supervisor) Restarts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.restarts
}

// PID returns the current child's process id, or 0 when none runs.
func (s *Supervisor) PID() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pid
}

// Addr returns the address the child last reported as ready.
func (s *Supervisor) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.addr
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	first := true
	for {
		proc, err := s.spawn()
		if err != nil {
			if first {
				s.mutex.Lock()
				s.fatal = err
				s.mutex.Unlock()
				s.logger.Error(ctx, err, "Failed to start server process", "command", s.opts.Command)
				return
			}
			s.logger.Error(ctx, err, "Failed to respawn server process")
			if !s.sleep(ctx, s.opts.RestartDelay) {
				return
			}
			s.noteRestart(ctx, "respawn")
			continue
		}
		first = false

		select {
		case <-ctx.Done():
			s.terminate(proc)
			return

		case <-s.restartCh:
			s.terminate(proc)
			s.noteRestart(ctx, "requested")

		case err := <-proc.exited:
			s.clearPID()
			s.logger.Warn(ctx, err, "Server process exited, restarting", "delay", s.opts.RestartDelay.String())
			if !s.sleep(ctx, s.opts.RestartDelay) {
				return
			}
			s.noteRestart(ctx, "crash")
		}
	}
}

// sleep waits d, ending early on a restart request. It reports false when
// ctx ended.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-s.restartCh:
	}
	return true
}

func (s *Supervisor) noteRestart(ctx context.Context, reason string) {
	s.mutex.Lock()
	s.restarts++
	restarts := s.restarts
	hooks := append([]func(int){}, s.restartHooks...)
	s.mutex.Unlock()

	s.logger.Info(ctx, "Server restarted...", "reason", reason, "restarts", restarts)
	for _, hook := range hooks {
		hook(restarts)
	}
}

func (s *Supervisor) spawn() (*process, error) {
	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Env = s.environ()
	cmd.Stderr = s.opts.Stderr
	cmd.WaitDelay = s.opts.StopTimeout

	output := newMarkerWriter(ReadyMarker, s.opts.Stdout, s.handleReady)
	cmd.Stdout = output

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError(errors.CodeSpawnFailed,
			fmt.Sprintf("failed to start %s", s.opts.Command), err)
	}

	s.mutex.Lock()
	s.pid = cmd.Process.Pid
	s.mutex.Unlock()

	proc := &process{cmd: cmd, output: output, exited: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		output.Flush()
		proc.exited <- err
	}()

	return proc, nil
}

func (s *Supervisor) handleReady(addr string) {
	s.mutex.Lock()
	s.addr = addr
	restarts := s.restarts
	hooks := append([]func(string, int){}, s.readyHooks...)
	s.mutex.Unlock()

	s.latch.SignalReady()
	for _, hook := range hooks {
		hook(addr, restarts)
	}
}

// terminate sends SIGTERM and kills the child if it outlives StopTimeout.
func (s *Supervisor) terminate(proc *process) {
	defer s.clearPID()

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = proc.cmd.Process.Kill()
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-proc.exited:
	case <-timer.C:
		s.logger.Warn(context.Background(), nil, "Server did not stop in time, killing", "pid", proc.cmd.Process.Pid)
		_ = proc.cmd.Process.Kill()
		<-proc.exited
	}
}

func (s *Supervisor) clearPID() {
	s.mutex.Lock()
	s.pid = 0
	s.mutex.Unlock()
}

// environ is the parent environment plus the configured overrides. The
// child always runs in development mode and knows it is supervised.
func (s *Supervisor) environ() []string {
	env := os.Environ()
	env = append(env, config.EnvVar+"="+string(config.ModeDevelopment))

	keys := make([]string, 0, len(s.opts.Env))
	for k := range s.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.opts.Env[k])
	}

	return append(env, config.SupervisedEnvVar+"=1")
}
