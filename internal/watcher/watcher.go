package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must be quiet before it is imported
const DefaultSettle = 2 * time.Second

// Watcher monitors the capture inbox and emits settled file events
type Watcher struct {
	root            string
	fs              *fsnotify.Watcher
	debouncer       *Debouncer
	ignorePatterns  []string
	includePatterns []string

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a watcher for root. A path is reported when it matches an
// include pattern (or there are none) and no ignore pattern.
func New(root string, settle time.Duration, ignorePatterns, includePatterns []string) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:            abs,
		fs:              fsWatcher,
		debouncer:       NewDebouncer(settle),
		ignorePatterns:  ignorePatterns,
		includePatterns: includePatterns,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}, nil
}

// Root returns the absolute inbox path
func (w *Watcher) Root() string {
	return w.root
}

// Start watches root and every subdirectory
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	w.started.Store(true)
	go w.processEvents(ctx)

	slog.Info("inbox watcher started",
		"path", w.root,
		"include_patterns", len(w.includePatterns),
		"ignore_patterns", len(w.ignorePatterns))
	return nil
}

// Events returns the channel of settled events
func (w *Watcher) Events() <-chan Event {
	return w.debouncer.Events()
}

// Flush emits all settling events immediately
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// Stop stops watching and closes the event channel
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
		if w.started.Load() {
			<-w.done
		}
		w.debouncer.Stop()
	})
	return err
}

// Scan returns the absolute paths of existing files under root that the
// watcher would report
func (w *Watcher) Scan() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking inbox", "path", path, "error", err)
			return nil
		}
		rel := w.rel(path)
		if w.Ignored(rel) {
			if d.IsDir() && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && w.Included(rel) {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.Ignored(w.rel(path)) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			slog.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel := w.rel(event.Name)
	if w.Ignored(rel) {
		return
	}

	info, statErr := os.Stat(event.Name)
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				slog.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
		}
		return
	}

	if !w.Included(rel) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.debouncer.Add(Event{Path: rel, AbsPath: event.Name, Op: OpWrite})
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename target shows up as its own Create
		w.debouncer.Add(Event{Path: rel, AbsPath: event.Name, Op: OpRemove})
	}
}

// Ignored reports whether rel or one of its parent directories matches an
// ignore pattern
func (w *Watcher) Ignored(rel string) bool {
	for _, pattern := range w.ignorePatterns {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}

		parts := strings.Split(rel, "/")
		for i := 1; i < len(parts); i++ {
			if matched, _ := doublestar.Match(pattern, strings.Join(parts[:i], "/")); matched {
				return true
			}
		}
	}
	return false
}

// Included reports whether rel matches an include pattern
func (w *Watcher) Included(rel string) bool {
	if len(w.includePatterns) == 0 {
		return true
	}
	for _, pattern := range w.includePatterns {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}
