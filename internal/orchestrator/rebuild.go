package orchestrator

import (
	"context"
	"sync"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/logging"
)

// Compiler produces the bundle.
type Compiler interface {
	Compile(ctx context.Context) (*build.Result, error)
}

// Reloader tells browsers about the outcome of a build.
type Reloader interface {
	Reload()
	NotifyBuildError(err error)
}

// Rebuilder runs compile-then-notify cycles one at a time. Triggers that
// arrive during a compile collapse into a single follow-up cycle.
type Rebuilder struct {
	compiler Compiler
	reloader Reloader
	logger   logging.Logger

	trigger chan struct{}

	mutex  sync.Mutex
	cycles int
}

// NewRebuilder creates a rebuilder. Nothing happens until Run.
func NewRebuilder(compiler Compiler, reloader Reloader, logger logging.Logger) *Rebuilder {
	return &Rebuilder{
		compiler: compiler,
		reloader: reloader,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a rebuild. It never blocks; if one is already pending
// the request merges with it.
func (b *Rebuilder) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run serves triggers until ctx ends.
func (b *Rebuilder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.trigger:
			b.Cycle(ctx)
		}
	}
}

// Cycle compiles once and then notifies: a reload on success, the build
// error otherwise. The compile always finishes before the notification.
func (b *Rebuilder) Cycle(ctx context.Context) {
	result, err := b.compiler.Compile(ctx)

	b.mutex.Lock()
	b.cycles++
	b.mutex.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		b.reloader.NotifyBuildError(err)
		return
	}

	b.logger.Debug(ctx, "Rebuild complete, reloading", "output", result.Output)
	b.reloader.Reload()
}

// Cycles returns how many compile cycles have run.
func (b *Rebuilder) Cycles() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.cycles
}
