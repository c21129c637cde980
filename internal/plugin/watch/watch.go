// Package watch reloads plugins when their files change.
//
// A Watcher follows the directory tree of every loaded plugin with fsnotify.
// Changes are coalesced per plugin: a burst of writes within the debounce
// delay produces a single callback once the burst is over.
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/logging"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed   = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("plugin is already being watched")
	ErrPathNotExist    = errors.New("path does not exist")
)

// DefaultDelay is the debounce delay used when none is configured.
const DefaultDelay = 300 * time.Millisecond

// DefaultIgnore lists directory and file names that never trigger a reload.
var DefaultIgnore = []string{"data", "temp", ".git"}

// Watcher calls a function with the plugin id whenever a watched plugin's
// files settle after a change.
type Watcher struct {
	mu sync.Mutex

	fsw      *fsnotify.Watcher
	onChange func(pluginID string)
	delay    time.Duration
	ignore   map[string]bool

	// plugin id -> root dir, and every watched dir -> plugin id
	roots map[string]string
	dirs  map[string]string

	pending map[string]*time.Timer

	log      *zerolog.Logger
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDelay sets the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithIgnore replaces the ignored names.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) {
		w.ignore = make(map[string]bool, len(names))
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// New starts a watcher that reports settled changes to onChange. onChange
// runs on its own goroutine per change.
func New(onChange func(pluginID string), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		delay:    DefaultDelay,
		roots:    make(map[string]string),
		dirs:     make(map[string]string),
		pending:  make(map[string]*time.Timer),
		log:      logging.GetSubsystemLogger("watch"),
		closeCh:  make(chan struct{}),
	}
	WithIgnore(DefaultIgnore...)(w)
	for _, opt := range opts {
		opt(w)
	}

	w.closedWg.Add(1)
	go w.processLoop()
	return w, nil
}

// Add watches the directory tree of a plugin.
func (w *Watcher) Add(pluginID, dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return ErrPathNotExist
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	if _, ok := w.roots[pluginID]; ok {
		return ErrAlreadyWatching
	}
	w.roots[pluginID] = absDir
	return w.addTree(pluginID, absDir)
}

// addTree watches root and its subdirectories. Callers hold w.mu.
func (w *Watcher) addTree(pluginID, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.ignored(p) {
			return filepath.SkipDir
		}
		if _, ok := w.dirs[p]; ok {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		w.dirs[p] = pluginID
		return nil
	})
}

// Remove stops watching a plugin and drops any pending change for it.
func (w *Watcher) Remove(pluginID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.roots[pluginID]; !ok {
		return
	}
	delete(w.roots, pluginID)
	for dir, id := range w.dirs {
		if id == pluginID {
			_ = w.fsw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	if t, ok := w.pending[pluginID]; ok {
		t.Stop()
		delete(w.pending, pluginID)
	}
}

// Watched returns the ids of watched plugins, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.roots))
	for id := range w.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingCount returns the number of plugins with a change waiting out the
// debounce delay.
func (w *Watcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops the watcher. Pending changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	pluginID, ok := w.owner(ev.Name)
	if !ok || w.ignored(ev.Name) {
		return
	}

	// New directories inside a plugin are followed.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(pluginID, ev.Name); err != nil {
				w.log.Warn().Err(err).Str("path", ev.Name).Msg("watch new directory")
			}
		}
	}

	if t, ok := w.pending[pluginID]; ok {
		t.Reset(w.delay)
		return
	}
	w.pending[pluginID] = time.AfterFunc(w.delay, func() { w.fire(pluginID) })
}

func (w *Watcher) fire(pluginID string) {
	w.mu.Lock()
	if _, ok := w.pending[pluginID]; !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, pluginID)
	w.mu.Unlock()

	w.log.Debug().Str("plugin", pluginID).Msg("plugin files changed")
	w.onChange(pluginID)
}

// owner maps a changed path to the plugin whose tree contains it. Callers
// hold w.mu.
func (w *Watcher) owner(path string) (string, bool) {
	if id, ok := w.dirs[filepath.Dir(path)]; ok {
		return id, true
	}
	for id, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return id, true
		}
	}
	return "", false
}

// ignored reports whether any element of path below its plugin root is an
// ignored or hidden name.
func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if w.ignore[base] || strings.HasPrefix(base, ".") {
		return true
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if _, isRoot := w.rootOf(dir); isRoot {
			return false
		}
		name := filepath.Base(dir)
		if w.ignore[name] || strings.HasPrefix(name, ".") {
			return true
		}
		if parent := filepath.Dir(dir); parent == dir {
			return false
		}
	}
}

func (w *Watcher) rootOf(dir string) (string, bool) {
	for id, root := range w.roots {
		if root == dir {
			return id, true
		}
	}
	return "", false
}
