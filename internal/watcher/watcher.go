// Package watcher turns fsnotify events into debounced batches of changes for
// files matching a set of globs. Directories created after the watch starts
// are picked up automatically, so new files join the watch set without a
// restart.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// FileWatcher watches for file changes with intelligent debouncing
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filters   []FileFilter
	handlers  []ChangeHandler
	roots     []string
	logger    logging.Logger
	mutex     sync.RWMutex
	stopOnce  sync.Once
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// FileFilter determines if a file should be watched
type FileFilter func(path string) bool

// ChangeHandler handles file change events
type ChangeHandler func(events []ChangeEvent) error

// Debouncer groups rapid file changes together
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending []ChangeEvent
	mutex   sync.Mutex
}

// skipDirs are never descended into when adding recursive watches.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"elm-stuff":    true,
	"vendor":       true,
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(debounceDelay time.Duration) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	debouncer := &Debouncer{
		delay:   debounceDelay,
		events:  make(chan ChangeEvent, 100),
		output:  make(chan []ChangeEvent, 10),
		pending: make([]ChangeEvent, 0),
	}

	return &FileWatcher{
		watcher:   watcher,
		debouncer: debouncer,
		filters:   make([]FileFilter, 0),
		handlers:  make([]ChangeHandler, 0),
		logger:    logging.NewLogger(nil).WithComponent("watcher"),
	}, nil
}

// NewGlobWatcher creates a watcher for the files matched by patterns. The
// static root of every pattern is watched recursively. A root that does not
// exist yet is awaited through its nearest existing parent and joins the
// watch set once it is created.
func NewGlobWatcher(debounceDelay time.Duration, logger logging.Logger, patterns ...string) (*FileWatcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no watch patterns given")
	}

	parsed := make([]*Pattern, 0, len(patterns))
	for _, expr := range patterns {
		p, err := NewPattern(expr)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}

	fw, err := NewFileWatcher(debounceDelay)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		fw.SetLogger(logger)
	}
	fw.AddFilter(NoHiddenFilter)
	fw.AddFilter(GlobFilter(parsed...))

	seen := make(map[string]bool)
	for _, p := range parsed {
		root := filepath.Clean(p.Root())
		if seen[root] {
			continue
		}
		seen[root] = true
		fw.roots = append(fw.roots, root)

		if _, err := os.Stat(root); os.IsNotExist(err) {
			parent := existingParent(root)
			fw.logger.Info(context.Background(), "Watch root missing, waiting for it", "root", root, "parent", parent)
			if err := fw.AddPath(parent); err != nil {
				fw.logger.Warn(context.Background(), err, "Skipping watch root", "root", root, "pattern", p.String())
			}
			continue
		}

		if err := fw.AddRecursive(root); err != nil {
			fw.logger.Warn(context.Background(), err, "Skipping watch root", "root", root, "pattern", p.String())
		}
	}

	return fw, nil
}

// SetLogger replaces the watcher's logger.
func (fw *FileWatcher) SetLogger(logger logging.Logger) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.logger = logger
}

// AddFilter adds a file filter
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddPath adds a path to watch
func (fw *FileWatcher) AddPath(path string) error {
	return fw.watcher.Add(filepath.Clean(path))
}

// AddRecursive adds a directory and all subdirectories to watch
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot := filepath.Clean(root)

	return filepath.WalkDir(cleanRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != cleanRoot && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// WatchList returns the directories currently watched.
func (fw *FileWatcher) WatchList() []string {
	list := fw.watcher.WatchList()
	sort.Strings(list)
	return list
}

// Start starts the file watcher
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.debouncer.start(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.debouncer.stop()
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			// Log error but continue watching
			fw.getLogger().Warn(ctx, err, "File watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)

	// New directories join the watch set, along with the files already in them
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			fw.addCreatedDir(event.Name)
		}
		return
	}

	if !fw.accept(event.Name) {
		return
	}

	changeEvent := ChangeEvent{
		Type: eventTypeOf(event.Op),
		Path: event.Name,
	}
	if statErr == nil {
		changeEvent.ModTime = info.ModTime()
		changeEvent.Size = info.Size()
	}

	fw.debouncer.push(changeEvent)
}

func (fw *FileWatcher) addCreatedDir(dir string) {
	if skipDirs[filepath.Base(dir)] || !fw.wantsDir(dir) {
		return
	}
	if err := fw.AddRecursive(dir); err != nil {
		fw.getLogger().Warn(context.Background(), err, "Failed to watch new directory", "path", dir)
		return
	}

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !fw.accept(path) {
			return nil
		}
		ev := ChangeEvent{Type: EventTypeCreated, Path: path}
		if info, err := d.Info(); err == nil {
			ev.ModTime = info.ModTime()
			ev.Size = info.Size()
		}
		fw.debouncer.push(ev)
		return nil
	})
}

// wantsDir reports whether dir is inside a watch root or on the way to one
// that does not exist yet.
func (fw *FileWatcher) wantsDir(dir string) bool {
	fw.mutex.RLock()
	roots := fw.roots
	fw.mutex.RUnlock()

	if len(roots) == 0 {
		return true
	}

	dir = filepath.Clean(dir)
	for _, root := range roots {
		if within(dir, root) || within(root, dir) {
			return true
		}
	}
	return false
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// existingParent returns the closest ancestor of path that is a directory.
func existingParent(path string) string {
	dir := filepath.Clean(path)
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return parent
		}
		if info, err := os.Stat(parent); err == nil && info.IsDir() {
			return parent
		}
		dir = parent
	}
}

func (fw *FileWatcher) accept(path string) bool {
	fw.mutex.RLock()
	filters := fw.filters
	fw.mutex.RUnlock()

	for _, filter := range filters {
		if !filter(path) {
			return false
		}
	}
	return true
}

func (fw *FileWatcher) getLogger() logging.Logger {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()
	return fw.logger
}

func eventTypeOf(op fsnotify.Op) EventType {
	switch {
	case op.Has(fsnotify.Create):
		return EventTypeCreated
	case op.Has(fsnotify.Write):
		return EventTypeModified
	case op.Has(fsnotify.Remove):
		return EventTypeDeleted
	case op.Has(fsnotify.Rename):
		return EventTypeRenamed
	default:
		return EventTypeModified
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(events); err != nil {
					// Log error but continue processing
					fw.getLogger().Warn(ctx, err, "File watcher handler error")
				}
			}
		}
	}
}

// Debouncer implementation
func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) push(event ChangeEvent) {
	select {
	case d.events <- event:
	default:
		// Channel full, a flush is already pending for this burst
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = append(d.pending, event)

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *Debouncer) stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return
	}

	// Deduplicate events by path, the latest event wins
	eventMap := make(map[string]ChangeEvent, len(d.pending))
	for _, event := range d.pending {
		eventMap[event.Path] = event
	}

	events := make([]ChangeEvent, 0, len(eventMap))
	for _, event := range eventMap {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	select {
	case d.output <- events:
	default:
		// Channel full, skip
	}

	d.pending = d.pending[:0]
}

// GlobFilter accepts paths matched by any of the patterns.
func GlobFilter(patterns ...*Pattern) FileFilter {
	return func(path string) bool {
		for _, p := range patterns {
			if p.Match(path) {
				return true
			}
		}
		return false
	}
}

// ExtensionFilter accepts files with one of the given extensions.
func ExtensionFilter(exts ...string) FileFilter {
	return func(path string) bool {
		ext := filepath.Ext(path)
		for _, e := range exts {
			if strings.EqualFold(ext, e) {
				return true
			}
		}
		return false
	}
}

// NoHiddenFilter rejects editor swap files and dotfiles.
func NoHiddenFilter(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}
