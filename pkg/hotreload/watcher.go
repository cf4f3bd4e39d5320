package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileLoader applies one watched file.
type FileLoader interface {
	LoadFromPath(path string) error
	Validate(path string) error
}

// FileWatcher watches a fixed set of files and reloads each one after its
// changes settle. Files may be created, replaced or removed; the parent
// directories are watched so that editors that rename over a file are seen.
type FileWatcher struct {
	files      map[string]struct{}
	loader     FileLoader
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(path string, err error)
	running    atomic.Bool
	reloadChan chan string
	stats      WatcherStats
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	Files    []string
	Loader   FileLoader
	Debounce time.Duration // Debounce period for rapid changes
	OnChange func(path string, err error)
}

// NewFileWatcher creates a watcher for config.Files.
func NewFileWatcher(config WatcherConfig) (*FileWatcher, error) {
	if len(config.Files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	if config.Loader == nil {
		return nil, fmt.Errorf("file loader is required")
	}

	files := make(map[string]struct{}, len(config.Files))
	for _, f := range config.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", f, err)
		}
		files[abs] = struct{}{}
	}

	debounce := config.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	return &FileWatcher{
		files:      files,
		loader:     config.Loader,
		debounce:   debounce,
		onChange:   config.OnChange,
		reloadChan: make(chan string, 100),
	}, nil
}

// Files returns the watched files in order.
func (w *FileWatcher) Files() []string {
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Start begins watching. It returns once the watches are in place.
func (w *FileWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	dirs := make(map[string]struct{})
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			w.running.Store(false)
			return fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}

	go w.processEvents(ctx)
	go w.processReloads(ctx)

	return nil
}

// processEvents handles fsnotify events.
func (w *FileWatcher) processEvents(ctx context.Context) {
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending[filepath.Clean(event.Name)] = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			now := time.Now()
			for path, lastChange := range pending {
				if now.Sub(lastChange) >= w.debounce {
					delete(pending, path)
					select {
					case w.reloadChan <- path:
					default:
						// Channel full, skip
					}
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// processReloads handles reload requests.
func (w *FileWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case path := <-w.reloadChan:
			w.handleReload(path)
		case <-ctx.Done():
			return
		}
	}
}

// handleReload validates and then applies one file. A file that fails
// validation is not applied.
func (w *FileWatcher) handleReload(path string) {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	if err := w.loader.Validate(path); err != nil {
		w.recordError(fmt.Sprintf("invalid file %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	if err := w.loader.LoadFromPath(path); err != nil {
		w.recordError(fmt.Sprintf("loading %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path, nil)
	}
}

func (w *FileWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *FileWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns the current watcher statistics.
func (w *FileWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload of every watched file.
func (w *FileWatcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	for _, f := range w.Files() {
		select {
		case w.reloadChan <- f:
		default:
			return fmt.Errorf("reload channel full")
		}
	}
	return nil
}
