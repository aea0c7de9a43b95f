// Package collector implements DevLoop's filesystem collector: it watches a
// project directory tree for changes, applies ignore-glob filtering and
// per-path debouncing, and emits file:* events onto the event bus.
package collector

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/eventbus"
	"github.com/devloop-dev/devloop/pkg/metrics"
)

// DefaultIgnoreGlobs covers the directories that virtually every project
// wants excluded from a recursive watch: VCS metadata, dependency caches,
// virtualenvs, and build output, plus DevLoop's own state directory.
var DefaultIgnoreGlobs = []string{
	"**/.git/**",
	"**/.devloop/**",
	"**/node_modules/**",
	"**/.venv/**",
	"**/venv/**",
	"**/__pycache__/**",
	"**/.tox/**",
	"**/dist/**",
	"**/build/**",
	"**/*.egg-info/**",
	"**/target/**",
}

// DefaultDebounce is the coalescing window for consecutive modified events
// on the same path.
const DefaultDebounce = 250 * time.Millisecond

// renameGrace is how long the collector waits for a paired Create event
// after a Rename, before giving up and reporting the old path as deleted.
const renameGrace = 50 * time.Millisecond

// Config configures a Collector instance.
type Config struct {
	RootDir     string
	IgnoreGlobs []string // appended to DefaultIgnoreGlobs
	Debounce    time.Duration
}

// Collector watches RootDir and emits file:* events onto a Bus. The zero
// value is not usable; construct with New.
type Collector struct {
	cfg    Config
	bus    *eventbus.Bus
	log    zerolog.Logger
	ignore []string

	watcher *fsnotify.Watcher

	mu             sync.Mutex
	debounceTimers map[string]*time.Timer
	pending        *pendingRename

	stopCh chan struct{}
	doneCh chan struct{}
}

type pendingRename struct {
	oldPath string
	timer   *time.Timer
}

// New constructs a Collector. The watcher is not started until Start is
// called.
func New(cfg Config, bus *eventbus.Bus, log zerolog.Logger) *Collector {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	ignore := make([]string, 0, len(DefaultIgnoreGlobs)+len(cfg.IgnoreGlobs))
	ignore = append(ignore, DefaultIgnoreGlobs...)
	ignore = append(ignore, cfg.IgnoreGlobs...)

	return &Collector{
		cfg:            cfg,
		bus:            bus,
		log:            log.With().Str("component", "collector").Logger(),
		ignore:         ignore,
		debounceTimers: make(map[string]*time.Timer),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start begins watching cfg.RootDir recursively and returns once the
// initial watch tree is established. Events are emitted asynchronously on
// a background goroutine until Stop is called.
func (c *Collector) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return dlerrors.Watcher(fmt.Errorf("create fsnotify watcher: %w", err))
	}
	c.watcher = w

	root, err := filepath.Abs(c.cfg.RootDir)
	if err != nil {
		w.Close()
		return dlerrors.Watcher(fmt.Errorf("resolve root dir: %w", err))
	}
	c.cfg.RootDir = root

	if err := c.addTree(root); err != nil {
		w.Close()
		return dlerrors.Watcher(fmt.Errorf("walk watch tree: %w", err))
	}

	go c.run()
	return nil
}

// Stop halts the watch loop, cancels any pending debounce timers, and
// releases the underlying OS watcher handles.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	for _, t := range c.debounceTimers {
		t.Stop()
	}
	if c.pending != nil {
		c.pending.timer.Stop()
	}
	c.mu.Unlock()

	if c.watcher != nil {
		c.watcher.Close()
	}
}

// addTree walks dir and adds every non-ignored directory to the watcher.
// fsnotify has no native recursive mode, so new subdirectories are picked
// up incrementally as Create events arrive (see handleCreate).
func (c *Collector) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if c.isIgnored(path) {
			return filepath.SkipDir
		}
		return c.watcher.Add(path)
	})
}

func (c *Collector) isIgnored(path string) bool {
	rel, err := filepath.Rel(c.cfg.RootDir, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, g := range c.ignore {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// canonicalize resolves symlinks in path and verifies the result stays
// within the watched root. It returns the original path, unresolved, if
// the target no longer exists (a delete/rename race).
func (c *Collector) canonicalize(path string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	rel, err := filepath.Rel(c.cfg.RootDir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return resolved, true
}

func (c *Collector) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (c *Collector) handle(ev fsnotify.Event) {
	if c.isIgnored(ev.Name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		c.handleCreate(ev.Name)
	case ev.Has(fsnotify.Write):
		c.handleWrite(ev.Name)
	case ev.Has(fsnotify.Remove):
		c.handleRemove(ev.Name)
	case ev.Has(fsnotify.Rename):
		c.handleRename(ev.Name)
	}
}

func (c *Collector) handleCreate(path string) {
	c.mu.Lock()
	pending := c.pending
	if pending != nil {
		pending.timer.Stop()
		c.pending = nil
	}
	c.mu.Unlock()

	if pending != nil {
		c.emitRenamed(pending.oldPath, path)
		return
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		// A new subdirectory: extend the watch tree but don't surface it
		// as a file event.
		_ = c.addTree(path)
		return
	}

	resolved, ok := c.canonicalize(path)
	if !ok {
		return
	}
	c.emit(event.TypeFileCreated, resolved, nil)
}

func (c *Collector) handleWrite(path string) {
	c.mu.Lock()
	if t, exists := c.debounceTimers[path]; exists {
		t.Stop()
	}
	c.debounceTimers[path] = time.AfterFunc(c.cfg.Debounce, func() {
		c.mu.Lock()
		delete(c.debounceTimers, path)
		c.mu.Unlock()

		resolved, ok := c.canonicalize(path)
		if !ok {
			return
		}
		c.emit(event.TypeFileModified, resolved, nil)
	})
	c.mu.Unlock()
}

func (c *Collector) handleRemove(path string) {
	c.mu.Lock()
	if t, exists := c.debounceTimers[path]; exists {
		t.Stop()
		delete(c.debounceTimers, path)
	}
	c.mu.Unlock()

	// The target is gone, so there are no symlinks left to resolve; report
	// the raw path as fsnotify delivered it.
	c.emit(event.TypeFileDeleted, path, nil)
}

func (c *Collector) handleRename(path string) {
	c.mu.Lock()
	if c.pending != nil {
		c.pending.timer.Stop()
		stale := c.pending.oldPath
		c.pending = nil
		c.mu.Unlock()
		// The previous rename never found its pair; treat it as a delete.
		c.emit(event.TypeFileDeleted, stale, nil)
		c.mu.Lock()
	}
	c.pending = &pendingRename{oldPath: path}
	c.pending.timer = time.AfterFunc(renameGrace, func() {
		c.mu.Lock()
		if c.pending != nil && c.pending.oldPath == path {
			c.pending = nil
		}
		c.mu.Unlock()
		c.emit(event.TypeFileDeleted, path, nil)
	})
	c.mu.Unlock()
}

func (c *Collector) emitRenamed(oldPath, newPath string) {
	resolved, ok := c.canonicalize(newPath)
	if !ok {
		resolved = newPath
	}
	c.emit(event.TypeFileRenamed, resolved, map[string]any{
		"old_path": oldPath,
		"new_path": resolved,
	})
}

func (c *Collector) emit(eventType, path string, extra map[string]any) {
	payload := map[string]any{"path": path}
	for k, v := range extra {
		payload[k] = v
	}
	c.bus.Emit(event.New(eventType, "collector:fs", payload))
	metrics.FileEventsTotal.WithLabelValues(strings.TrimPrefix(eventType, "file:")).Inc()
}
