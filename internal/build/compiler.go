// Package build compiles the frontend sources into the single bundle served
// from the static directory.
//
// The compiler is an external program (elm make by default). It writes into
// a temporary file beside the destination and the result is renamed into
// place only when the compiler succeeds, so a failed build leaves the last
// good bundle untouched and readers never observe a partial file.
package build

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/validation"
	"github.com/conneroisu/devloop/internal/watcher"
	"github.com/dustin/go-humanize"
)

// Placeholders understood in Options.Args.
const (
	SourcesPlaceholder = "{sources}"
	OutputPlaceholder  = "{output}"
)

// DefaultAllowedCommands are the compiler binaries accepted without extra
// configuration.
var DefaultAllowedCommands = []string{"elm", "elm-make", "esbuild", "tsc", "npx", "node", "go", "make"}

// Options configure a Compiler.
type Options struct {
	Command string
	Args    []string
	Sources []string
	Output  string
	Debug   bool
	Dir     string

	// AllowedCommands extends DefaultAllowedCommands.
	AllowedCommands []string
}

// Result is the outcome of one compile.
type Result struct {
	Output         string
	Sources        []string
	Size           int64
	Duration       time.Duration
	FinishedAt     time.Time
	CompilerOutput string
	Diagnostics    []Diagnostic
	Err            error
}

// OK reports whether the compile produced a new bundle.
func (r *Result) OK() bool {
	return r != nil && r.Err == nil
}

// Compiler runs the external compiler for the configured sources.
type Compiler struct {
	opts     Options
	patterns []*watcher.Pattern
	allowed  map[string]bool
	logger   logging.Logger

	mutex sync.Mutex
	last  *Result
	runs  int
}

// NewCompiler validates opts and returns a Compiler.
func NewCompiler(opts Options, logger logging.Logger) (*Compiler, error) {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	if opts.Output == "" {
		return nil, errors.NewValidationError(errors.CodeInvalidCommand, "build output path is required")
	}

	patterns := make([]*watcher.Pattern, 0, len(opts.Sources))
	for _, expr := range opts.Sources {
		p, err := watcher.NewPattern(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid source pattern: %w", err)
		}
		patterns = append(patterns, p)
	}

	allowed := make(map[string]bool)
	for _, name := range DefaultAllowedCommands {
		allowed[name] = true
	}
	for _, name := range opts.AllowedCommands {
		allowed[filepath.Base(name)] = true
	}

	c := &Compiler{
		opts:     opts,
		patterns: patterns,
		allowed:  allowed,
		logger:   logger.WithComponent("compiler"),
	}

	if err := c.validateCommand(); err != nil {
		return nil, err
	}

	return c, nil
}

// Compile runs the compiler once. The error is also logged here; callers
// use it only to decide what to tell the browser.
func (c *Compiler) Compile(ctx context.Context) (*Result, error) {
	op := logging.StartOperation(c.logger, "compile")
	result, err := c.compile(ctx)
	result.Duration = op.Elapsed()
	result.FinishedAt = time.Now()
	result.Err = err

	c.mutex.Lock()
	c.last = result
	c.runs++
	c.mutex.Unlock()

	if err != nil {
		fields := []interface{}{"output", c.opts.Output}
		if len(result.Diagnostics) > 0 {
			first := result.Diagnostics[0]
			fields = append(fields, "problems", len(result.Diagnostics), "first", first.String())
		}
		op.EndWithError(ctx, err, "Compile failed, keeping previous bundle", fields...)
		return result, err
	}

	op.End(ctx, "Compiled bundle",
		"output", result.Output,
		"size", humanize.Bytes(uint64(result.Size)),
		"sources", len(result.Sources),
	)
	return result, nil
}

func (c *Compiler) compile(ctx context.Context) (*Result, error) {
	result := &Result{Output: c.opts.Output}

	sources, err := c.ResolveSources()
	if err != nil {
		return result, errors.NewBuildError(errors.CodeNoSources, "failed to resolve sources", err)
	}
	if len(sources) == 0 {
		return result, errors.NewBuildError(errors.CodeNoSources,
			fmt.Sprintf("no sources matched %s", strings.Join(c.opts.Sources, ", ")), nil)
	}
	result.Sources = sources

	outputDir := filepath.Dir(c.opts.Output)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, errors.NewBuildError(errors.CodeCompileFailed, "failed to create output directory", err)
	}

	tmp, err := os.CreateTemp(outputDir, ".devloop-*-"+filepath.Base(c.opts.Output))
	if err != nil {
		return result, errors.NewBuildError(errors.CodeCompileFailed, "failed to create temporary output", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	args := c.expandArgs(sources, tmpPath)
	for _, arg := range args {
		if err := validation.ValidateArgument(arg); err != nil {
			return result, errors.NewBuildError(errors.CodeInvalidCommand,
				fmt.Sprintf("invalid argument '%s'", arg), err)
		}
	}

	cmd := exec.CommandContext(ctx, c.opts.Command, args...)
	cmd.Dir = c.opts.Dir
	output, err := cmd.CombinedOutput()
	result.CompilerOutput = strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			return result, errors.NewBuildError(errors.CodeCompileFailed, "compile cancelled", ctx.Err())
		}
		result.Diagnostics = ParseDiagnostics(result.CompilerOutput)
		if result.CompilerOutput != "" {
			err = fmt.Errorf("%w\n\n%s", err, result.CompilerOutput)
		}
		return result, errors.NewBuildError(errors.CodeCompileFailed,
			fmt.Sprintf("%s failed", filepath.Base(c.opts.Command)), err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		return result, errors.NewBuildError(errors.CodeCompileFailed, "compiler produced no output", err)
	}

	if err := os.Rename(tmpPath, c.opts.Output); err != nil {
		return result, errors.NewBuildError(errors.CodeCompileFailed, "failed to replace bundle", err)
	}
	committed = true
	result.Size = info.Size()

	return result, nil
}

// ResolveSources expands the source globs into a sorted, de-duplicated list.
func (c *Compiler) ResolveSources() ([]string, error) {
	seen := make(map[string]bool)
	var sources []string

	for _, p := range c.patterns {
		root := p.Root()
		if c.opts.Dir != "" && !filepath.IsAbs(root) {
			root = filepath.Join(c.opts.Dir, root)
		}
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && (d.Name() == "elm-stuff" || d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}
				return nil
			}

			rel := path
			if c.opts.Dir != "" && !filepath.IsAbs(p.Root()) {
				if r, err := filepath.Rel(c.opts.Dir, path); err == nil {
					rel = r
				}
			}
			if p.Match(rel) && !seen[rel] {
				seen[rel] = true
				sources = append(sources, rel)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(sources)
	return sources, nil
}

// expandArgs substitutes the placeholders. Sources are appended when the
// template has no {sources} entry, and --debug is appended for debug builds.
func (c *Compiler) expandArgs(sources []string, output string) []string {
	args := make([]string, 0, len(c.opts.Args)+len(sources)+1)
	sawSources := false

	for _, arg := range c.opts.Args {
		if arg == SourcesPlaceholder {
			args = append(args, sources...)
			sawSources = true
			continue
		}
		args = append(args, strings.ReplaceAll(arg, OutputPlaceholder, output))
	}
	if !sawSources {
		args = append(args, sources...)
	}
	if c.opts.Debug {
		args = append(args, "--debug")
	}

	return args
}

// validateCommand validates the command and arguments to prevent command injection
func (c *Compiler) validateCommand() error {
	if err := validation.ValidateCommand(c.opts.Command, c.allowed); err != nil {
		return errors.NewValidationError(errors.CodeInvalidCommand, err.Error())
	}
	return nil
}

// LastResult returns the most recent compile result, or nil before the first.
func (c *Compiler) LastResult() *Result {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.last
}

// Runs returns how many compiles have been attempted.
func (c *Compiler) Runs() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.runs
}
