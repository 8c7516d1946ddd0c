package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a config when it or one of its included files changes on
// disk. Editors commonly replace files by rename, so parent directories are
// watched and events are filtered by name.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	sources map[string]bool
	dirs    map[string]bool
}

// WatchOptions configures Watch.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch starts watching path. onChange receives every configuration that
// loads and validates after a change; invalid edits are logged and skipped.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(*Config)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watch: onChange is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     absPath,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "config-watch"),
		watcher:  fw,
		cancel:   cancel,
		sources:  make(map[string]bool),
		dirs:     make(map[string]bool),
	}

	// An unreadable include is not fatal here; the main file is watched and
	// the include list is refreshed on every successful reload.
	sources, err := Sources(absPath)
	if err != nil {
		sources = []string{absPath}
	}
	if err := w.track(sources); err != nil {
		cancel()
		_ = fw.Close()
		return nil, fmt.Errorf("config watch %s: %w", absPath, err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.tracked(filepath.Clean(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed", "path", w.path, "error", err)
			return
		}
		if sources, err := Sources(w.path); err == nil {
			if err := w.track(sources); err != nil {
				w.logger.Warn("config watch update failed", "error", err)
			}
		}
		w.logger.Info("config reloaded", "path", w.path)
		w.onChange(cfg)
	})
}

// track replaces the watched file set and adds any new parent directories.
func (w *Watcher) track(sources []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources = make(map[string]bool, len(sources))
	for _, src := range sources {
		w.sources[src] = true
		dir := filepath.Dir(src)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = true
	}
	return nil
}

func (w *Watcher) tracked(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sources[path]
}
