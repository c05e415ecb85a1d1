package kanban

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce lets the write and rename of an atomic replace settle
// into one change.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports board changes in one project's specs directory.
type Watcher struct {
	specsDir string
	debounce time.Duration
	onChange func(specID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(specsDir string, debounce time.Duration, onChange func(specID string)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		specsDir: specsDir,
		debounce: debounce,
		onChange: onChange,
		timers:   make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done. fsnotify does not recurse, so the specs
// directory and each spec directory are watched individually.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.specsDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.specsDir, err)
	}
	entries, err := os.ReadDir(w.specsDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.specsDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addSpecDir(ctx, watcher, filepath.Join(w.specsDir, e.Name()))
		}
	}
	slog.DebugContext(ctx, "watching boards", "dir", w.specsDir)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "fsnotify error", "dir", w.specsDir, "error", err)
		}
	}
}

func (w *Watcher) addSpecDir(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		slog.WarnContext(ctx, "failed to watch spec directory", "dir", dir, "error", err)
	}
}

func (w *Watcher) handle(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Dir(event.Name) == w.specsDir {
		// A new spec directory.
		if event.Has(fsnotify.Create) {
			if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
				w.addSpecDir(ctx, watcher, event.Name)
				if _, err := os.Stat(filepath.Join(event.Name, BoardFileName)); err == nil {
					w.schedule(filepath.Base(event.Name))
				}
			}
		}
		return
	}
	if filepath.Base(event.Name) != BoardFileName {
		return
	}
	w.schedule(filepath.Base(filepath.Dir(event.Name)))
}

func (w *Watcher) schedule(specID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[specID]; ok {
		t.Stop()
	}
	w.timers[specID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, specID)
		w.mu.Unlock()
		w.onChange(specID)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
