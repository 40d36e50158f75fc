package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It stands in for the external
// compiler when re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "no arguments")
		os.Exit(2)
	}
	args = args[1:]

	var output string
	var sources []string
	debug := false
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--output="):
			output = strings.TrimPrefix(arg, "--output=")
		case arg == "--debug":
			debug = true
		default:
			sources = append(sources, arg)
		}
	}

	switch os.Getenv("HELPER_MODE") {
	case "fail":
		fmt.Fprintln(os.Stderr, "-- TYPE MISMATCH ---------- elm/Main.elm")
		os.Exit(1)
	case "silent":
		return
	}

	body := fmt.Sprintf("compiled %s debug=%t", strings.Join(sources, ","), debug)
	if err := os.WriteFile(output, []byte(body), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTestCompiler(t *testing.T, dir string, debug bool) *Compiler {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	exe, err := os.Executable()
	require.NoError(t, err)

	c, err := NewCompiler(Options{
		Command:         exe,
		Args:            []string{"-test.run=TestHelperProcess", "--", "{sources}", "--output={output}"},
		Sources:         []string{"elm/**/*.elm"},
		Output:          filepath.Join(dir, "static", "js", "app.js"),
		Debug:           debug,
		Dir:             dir,
		AllowedCommands: []string{exe},
	}, logging.Discard())
	require.NoError(t, err)
	return c
}

func writeSources(t *testing.T, dir string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("module M exposing (..)"), 0o644))
	}
}

func TestNewCompilerRejectsUnknownCommand(t *testing.T) {
	_, err := NewCompiler(Options{
		Command: "rm",
		Output:  "static/js/app.js",
	}, logging.Discard())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetType(err))
}

func TestNewCompilerRequiresOutput(t *testing.T) {
	_, err := NewCompiler(Options{Command: "elm"}, logging.Discard())
	assert.Error(t, err)
}

func TestNewCompilerAllowsAbsoluteCommandPath(t *testing.T) {
	_, err := NewCompiler(Options{
		Command: "/usr/local/bin/elm",
		Output:  "static/js/app.js",
		Sources: []string{"elm/**/*.elm"},
	}, logging.Discard())
	assert.NoError(t, err)
}

func TestResolveSources(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, "elm/Main.elm", "elm/Page/Home.elm", "elm/notes.md", "elm/elm-stuff/Cached.elm")

	c := newTestCompiler(t, dir, false)
	sources, err := c.ResolveSources()
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join("elm", "Main.elm"),
		filepath.Join("elm", "Page", "Home.elm"),
	}, sources)
}

func TestExpandArgs(t *testing.T) {
	c := &Compiler{opts: Options{Args: []string{"make", "{sources}", "--output={output}"}, Debug: true}}
	args := c.expandArgs([]string{"elm/A.elm", "elm/B.elm"}, "out.js")
	assert.Equal(t, []string{"make", "elm/A.elm", "elm/B.elm", "--output=out.js", "--debug"}, args)

	c = &Compiler{opts: Options{Args: []string{"--outfile={output}"}}}
	args = c.expandArgs([]string{"main.ts"}, "out.js")
	assert.Equal(t, []string{"--outfile=out.js", "main.ts"}, args, "sources are appended without a placeholder")
}

func TestCompileWritesBundle(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, "elm/Main.elm")
	t.Setenv("HELPER_MODE", "ok")

	c := newTestCompiler(t, dir, true)
	assert.Nil(t, c.LastResult())

	result, err := c.Compile(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK())

	data, err := os.ReadFile(result.Output)
	require.NoError(t, err)
	assert.Equal(t, "compiled "+filepath.Join("elm", "Main.elm")+" debug=true", string(data))
	assert.Equal(t, int64(len(data)), result.Size)
	assert.Same(t, result, c.LastResult())
	assert.Equal(t, 1, c.Runs())

	entries, err := os.ReadDir(filepath.Dir(result.Output))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestCompileFailureKeepsPreviousBundle(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, "elm/Main.elm")

	c := newTestCompiler(t, dir, false)

	t.Setenv("HELPER_MODE", "ok")
	_, err := c.Compile(context.Background())
	require.NoError(t, err)
	good, err := os.ReadFile(c.opts.Output)
	require.NoError(t, err)

	t.Setenv("HELPER_MODE", "fail")
	result, err := c.Compile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsBuildError(err))
	assert.False(t, result.OK())
	assert.Contains(t, result.CompilerOutput, "TYPE MISMATCH")

	after, err := os.ReadFile(c.opts.Output)
	require.NoError(t, err)
	assert.Equal(t, good, after, "the last good bundle is still served")
	assert.Equal(t, 2, c.Runs())
}

func TestCompileWithoutOutputFails(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, "elm/Main.elm")
	t.Setenv("HELPER_MODE", "silent")

	c := newTestCompiler(t, dir, false)
	_, err := c.Compile(context.Background())
	require.Error(t, err)

	_, statErr := os.Stat(c.opts.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCompileWithoutSources(t *testing.T) {
	dir := t.TempDir()
	c := newTestCompiler(t, dir, false)

	_, err := c.Compile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNoSources))
}

func TestCompileHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, "elm/Main.elm")
	t.Setenv("HELPER_MODE", "ok")

	c := newTestCompiler(t, dir, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := c.Compile(ctx)
	assert.Error(t, err)
}
