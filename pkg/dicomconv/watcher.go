package dicomconv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rtbids/rtbids/pkg/logging"
)

// Watcher emits DICOM file paths as a scanner writes them into a
// directory. A path is emitted only after it has settled: no create or
// write event within the settle window, so half-written scans never
// reach the converter.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	pattern string
	settle  time.Duration
	log     *logging.Logger

	paths   chan string
	pending map[string]time.Time
	mu      sync.Mutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for the given directory. pattern is a
// glob matched against base names; empty means *.dcm.
func NewWatcher(dir, pattern string, settle time.Duration, log *logging.Logger) (*Watcher, error) {
	if pattern == "" {
		pattern = "*.dcm"
	}
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
	}
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fsw,
		dir:     dir,
		pattern: pattern,
		settle:  settle,
		log:     log,
		paths:   make(chan string, 64),
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the directory. It is non-blocking; emitted
// paths arrive on Paths.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching for DICOM files", map[string]interface{}{
		"dir":     w.dir,
		"pattern": w.pattern,
	})

	go w.run(ctx)
	return nil
}

// Paths returns the channel of settled DICOM file paths. It is closed
// when the watcher stops.
func (w *Watcher) Paths() <-chan string { return w.paths }

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("closing watcher", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.paths)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", map[string]interface{}{"error": err.Error()})
		case <-ticker.C:
			if !w.emitSettled(ctx) {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if ok, err := filepath.Match(w.pattern, filepath.Base(event.Name)); err != nil || !ok {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// emitSettled sends every pending path whose last event is older than
// the settle window. Scanners number their files, so settled paths go
// out in name order.
func (w *Watcher) emitSettled(ctx context.Context) bool {
	now := time.Now()
	w.mu.Lock()
	var ready []string
	for p, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, p := range ready {
		select {
		case w.paths <- p:
		case <-w.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// WaitForFile blocks until the file at path exists and its size has
// been stable for the settle window. Used when the next scan's
// filename is known up front.
func WaitForFile(ctx context.Context, path string, settle time.Duration) error {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var lastSize int64 = -1
	var stableSince time.Time
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				lastSize = -1
				continue
			}
			if info.Size() != lastSize {
				lastSize = info.Size()
				stableSince = time.Now()
				continue
			}
			if time.Since(stableSince) >= settle {
				return nil
			}
		}
	}
}
