// Package watch drives hot reload. It debounces filesystem events on
// the bot config and plugin descriptor trees, then routes each settled
// change to the supervisor's reload callbacks.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups bursts of writes (editors, sync tools) into
// a single reload.
const DefaultDebounce = 1600 * time.Millisecond

// Watcher observes the config and plugin directories. Events settle
// for one debounce window, then every touched YAML file is routed by
// location: config dir → OnConfigChange with the filename stem as the
// bot id, plugins dir → OnPluginChange with the descriptor name.
// Deletions are logged and otherwise ignored.
type Watcher struct {
	configDir  string
	pluginsDir string
	debounce   time.Duration
	fw         *fsnotify.Watcher

	// OnConfigChange and OnPluginChange are invoked from the debounce
	// goroutine, one settled batch at a time. Set them before Run.
	OnConfigChange func(botID, path string)
	OnPluginChange func(name, path string)

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	// flushMu serializes reload batches, so a slow reload never
	// overlaps the next one.
	flushMu sync.Mutex
}

// New establishes watches on every directory that exists. It fails
// when no path can be watched at all; a single missing directory is
// only a warning.
func New(configDir, pluginsDir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		configDir:  configDir,
		pluginsDir: pluginsDir,
		debounce:   debounce,
		fw:         fw,
		pending:    make(map[string]fsnotify.Op),
	}

	watched := 0
	for _, dir := range []string{configDir, pluginsDir} {
		if dir == "" {
			continue
		}
		if err := w.addTree(dir); err != nil {
			slog.Warn("watch path unavailable", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		fw.Close()
		return nil, fmt.Errorf("no valid paths to watch")
	}

	slog.Info("hot reload watching",
		"config_dir", configDir, "plugins_dir", pluginsDir, "debounce", debounce)
	return w, nil
}

// Run drains events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				w.stopTimer()
				return
			}
			w.observe(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				w.stopTimer()
				return
			}
			slog.Error("watch error", "error", err)
		}
	}
}

// Close releases the underlying OS watches. Run returns shortly
// after.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

// addTree watches a directory and its non-hidden subdirectories.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
			return fs.SkipDir
		}
		return w.fw.Add(path)
	})
}

// observe folds one raw event into the pending batch and re-arms the
// settle timer.
func (w *Watcher) observe(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return
	}

	// A new subdirectory needs its own watch; it carries no reload of
	// its own.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("could not watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}

	w.mu.Lock()
	w.pending[ev.Name] |= ev.Op
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
	w.mu.Unlock()
}

// flush routes one settled batch.
func (w *Watcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	for _, path := range paths {
		w.route(path)
	}
}

func (w *Watcher) route(path string) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Info("watched file deleted", "path", path)
		return
	}
	if info.IsDir() {
		return
	}

	switch {
	case within(path, w.configDir):
		botID := fileStem(path)
		slog.Info("config change detected", "bot_id", botID, "path", path)
		if w.OnConfigChange != nil {
			w.OnConfigChange(botID, path)
		}
	case within(path, w.pluginsDir):
		name := descriptorStem(path)
		if strings.HasPrefix(filepath.Base(path), "_") {
			return
		}
		slog.Info("plugin change detected", "plugin", name, "path", path)
		if w.OnPluginChange != nil {
			w.OnPluginChange(name, path)
		}
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// within reports whether path sits under dir.
func within(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// descriptorStem names a plugin descriptor: the file stem, or for a
// packaged <name>/plugin.yaml layout the directory name.
func descriptorStem(path string) string {
	name := fileStem(path)
	if name == "plugin" {
		if parent := filepath.Base(filepath.Dir(path)); parent != "." && parent != string(filepath.Separator) {
			return parent
		}
	}
	return name
}
