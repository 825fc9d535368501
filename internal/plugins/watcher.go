package plugins

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher observes plugin directories and invokes a callback, debounced,
// when manifests change. The callback decides what a reload means; the
// watcher only reports.
type Watcher struct {
	paths    []string
	onChange func()
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over the given plugin paths.
func NewWatcher(paths []string, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		paths:    paths,
		onChange: onChange,
		logger:   logger.With("component", "plugin-watcher"),
		debounce: defaultWatchDebounce,
	}
}

// Start begins watching. Paths that do not exist yet are skipped with a
// debug log; Start is idempotent.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range w.paths {
		if _, err := os.Stat(path); err != nil {
			w.logger.Debug("skipping missing plugin path", "path", path)
			continue
		}
		if err := watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch plugin path", "path", path, "error", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	cancel := w.cancel
	w.watcher = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if w.onChange != nil {
				w.onChange()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Info("plugin path changed", "path", event.Name, "op", event.Op.String())
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watch error", "error", err)
		}
	}
}
