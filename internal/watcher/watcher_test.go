package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/devloop/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(99), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestPatternMatch(t *testing.T) {
	testCases := []struct {
		pattern  string
		path     string
		expected bool
	}{
		{"elm/**/*.elm", "elm/Main.elm", true},
		{"elm/**/*.elm", "elm/Page/Home.elm", true},
		{"elm/**/*.elm", "./elm/Page/Deep/View.elm", true},
		{"elm/**/*.elm", "elm/Main.js", false},
		{"elm/**/*.elm", "other/Main.elm", false},
		{"views/**/*", "views/index.html", true},
		{"views/**/*", "views/partials/head.html", true},
		{"views/**", "views", true},
		{"*.elm", "Main.elm", true},
		{"*.elm", "src/Main.elm", false},
		{"static/js/app.js", "static/js/app.js", true},
		{"/abs/**/*.elm", "/abs/x/y.elm", true},
	}

	for _, tc := range testCases {
		t.Run(tc.pattern+"|"+tc.path, func(t *testing.T) {
			p, err := NewPattern(tc.pattern)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, p.Match(tc.path))
		})
	}
}

func TestPatternRoot(t *testing.T) {
	testCases := []struct {
		pattern string
		root    string
	}{
		{"elm/**/*.elm", "elm"},
		{"src/app/*.elm", filepath.FromSlash("src/app")},
		{"**/*.elm", "."},
		{"*.elm", "."},
		{"views/index.html", "views"},
		{"/abs/**/*.elm", filepath.FromSlash("/abs")},
	}

	for _, tc := range testCases {
		t.Run(tc.pattern, func(t *testing.T) {
			assert.Equal(t, tc.root, MustPattern(tc.pattern).Root())
		})
	}
}

func TestPatternInvalid(t *testing.T) {
	for _, expr := range []string{"", "  ", "elm/[.elm", "elm/a**b/*.elm"} {
		_, err := NewPattern(expr)
		assert.Error(t, err, expr)
	}
}

func TestFilters(t *testing.T) {
	glob := GlobFilter(MustPattern("elm/**/*.elm"), MustPattern("views/*.html"))
	assert.True(t, glob("elm/Main.elm"))
	assert.True(t, glob("views/index.html"))
	assert.False(t, glob("static/js/app.js"))

	ext := ExtensionFilter(".elm", ".HTML")
	assert.True(t, ext("a/B.elm"))
	assert.True(t, ext("index.html"))
	assert.False(t, ext("app.js"))

	assert.True(t, NoHiddenFilter("elm/Main.elm"))
	assert.False(t, NoHiddenFilter("elm/.#Main.elm"))
	assert.False(t, NoHiddenFilter("elm/Main.elm~"))
}

func TestNewGlobWatcherRequiresPatterns(t *testing.T) {
	_, err := NewGlobWatcher(10*time.Millisecond, logging.Discard())
	assert.Error(t, err)

	_, err = NewGlobWatcher(10*time.Millisecond, logging.Discard(), "elm/[")
	assert.Error(t, err)
}

func TestAddRecursiveSkipsVendoredDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "Page"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "elm-stuff", "0.19.1"), 0o755))

	fw, err := NewFileWatcher(10 * time.Millisecond)
	require.NoError(t, err)
	defer fw.Stop()

	require.NoError(t, fw.AddRecursive(root))

	list := fw.WatchList()
	assert.Contains(t, list, filepath.Join(root, "src", "Page"))
	assert.NotContains(t, list, filepath.Join(root, "elm-stuff"))
}

type eventSink struct {
	mu     sync.Mutex
	calls  int
	events []ChangeEvent
}

func (s *eventSink) handle(events []ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.events = append(s.events, events...)
	return nil
}

func (s *eventSink) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Path)
	}
	return out
}

func (s *eventSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestGlobWatcherDeliversMatchingChanges(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "elm")
	require.NoError(t, os.MkdirAll(src, 0o755))

	fw, err := NewGlobWatcher(50*time.Millisecond, logging.Discard(), filepath.Join(src, "**", "*.elm"))
	require.NoError(t, err)
	defer fw.Stop()

	sink := &eventSink{}
	fw.AddHandler(sink.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	main := filepath.Join(src, "Main.elm")
	require.NoError(t, os.WriteFile(main, []byte("module Main exposing (..)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("ignored"), 0o644))

	assert.Eventually(t, func() bool {
		return len(sink.paths()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{main}, sink.paths())
}

func TestGlobWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "elm")
	require.NoError(t, os.MkdirAll(src, 0o755))

	fw, err := NewGlobWatcher(50*time.Millisecond, logging.Discard(), filepath.Join(src, "**", "*.elm"))
	require.NoError(t, err)
	defer fw.Stop()

	sink := &eventSink{}
	fw.AddHandler(sink.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	page := filepath.Join(src, "Page")
	require.NoError(t, os.MkdirAll(page, 0o755))

	assert.Eventually(t, func() bool {
		for _, dir := range fw.WatchList() {
			if dir == page {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	home := filepath.Join(page, "Home.elm")
	require.NoError(t, os.WriteFile(home, []byte("module Page.Home exposing (..)"), 0o644))

	assert.Eventually(t, func() bool {
		for _, p := range sink.paths() {
			if p == home {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGlobWatcherWaitsForMissingRoot(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "frontend", "elm")

	fw, err := NewGlobWatcher(50*time.Millisecond, logging.Discard(), filepath.Join(src, "**", "*.elm"))
	require.NoError(t, err)
	defer fw.Stop()
	assert.Equal(t, []string{root}, fw.WatchList())

	sink := &eventSink{}
	fw.AddHandler(sink.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	unrelated := filepath.Join(root, "dist")
	require.NoError(t, os.MkdirAll(unrelated, 0o755))
	require.NoError(t, os.MkdirAll(src, 0o755))

	assert.Eventually(t, func() bool {
		for _, dir := range fw.WatchList() {
			if dir == src {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	main := filepath.Join(src, "Main.elm")
	require.NoError(t, os.WriteFile(main, []byte("module Main exposing (..)"), 0o644))

	assert.Eventually(t, func() bool {
		for _, p := range sink.paths() {
			if p == main {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
	assert.NotContains(t, fw.WatchList(), unrelated)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("elm/Page", "elm"))
	assert.True(t, within("elm", "elm"))
	assert.True(t, within("elm", "."))
	assert.False(t, within("dist", "elm"))
	assert.False(t, within("elmx", "elm"))
	assert.False(t, within(".", "elm"))
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "Main.elm")
	require.NoError(t, os.WriteFile(file, []byte("v0"), 0o644))

	fw, err := NewGlobWatcher(150*time.Millisecond, logging.Discard(), filepath.Join(root, "*.elm"))
	require.NoError(t, err)
	defer fw.Stop()

	sink := &eventSink{}
	fw.AddHandler(sink.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte{byte('a' + i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return sink.callCount() >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 1, sink.callCount(), "burst is delivered as one batch")
	assert.Equal(t, []string{file}, sink.paths(), "events are deduplicated by path")
}

func TestStopIsIdempotent(t *testing.T) {
	fw, err := NewFileWatcher(10 * time.Millisecond)
	require.NoError(t, err)

	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
