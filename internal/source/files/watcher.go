package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

// settleDelay gives the writer time to finish before the file is queued
const settleDelay = time.Second

// supportedExtensions are the document types the extractor can handle
var supportedExtensions = map[string]bool{
	".txt":  true,
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".tiff": true,
}

// Watcher turns files dropped into a directory into work items. Files already
// present at startup are queued too, so nothing is lost across restarts.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	queue   chan entity.WorkItem
	logger  *zap.Logger

	mu      sync.Mutex
	queued  map[string]bool
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a file drop watcher for the given directory
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		watcher: fsWatcher,
		queue:   make(chan entity.WorkItem, 256),
		queued:  make(map[string]bool),
		stopped: make(chan struct{}),
		logger:  logger,
	}, nil
}

// Name returns the worker name
func (w *Watcher) Name() string {
	return "file-source"
}

// Start scans the directory for pre-existing files and begins watching
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.scanExisting(); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.Info("File source started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher
func (w *Watcher) Stop() {
	close(w.stopped)
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Failed to close fs watcher", zap.Error(err))
	}
	w.wg.Wait()
}

// Next returns the next pending work item without blocking
func (w *Watcher) Next() (entity.WorkItem, bool) {
	select {
	case item := <-w.queue:
		return item, true
	default:
		return entity.WorkItem{}, false
	}
}

// scanExisting queues supported files already present in the directory
func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if w.supported(path) {
			w.enqueue(path)
		}
	}
	return nil
}

// watchLoop consumes fsnotify events until the watcher stops
func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !w.supported(event.Name) {
				continue
			}
			// Let the writer finish before queueing
			go func(path string) {
				select {
				case <-time.After(settleDelay):
				case <-w.stopped:
					return
				}
				if info, err := os.Stat(path); err != nil || info.IsDir() {
					return
				}
				w.enqueue(path)
			}(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// enqueue adds the file to the queue if it has not been queued this session
func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	if w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	item := entity.WorkItem{
		Key:          filepath.Base(path),
		Source:       entity.SourceFile,
		DocumentPath: path,
	}

	select {
	case w.queue <- item:
		w.logger.Info("Document queued", zap.String("path", path))
	default:
		w.logger.Warn("Document queue full, dropping", zap.String("path", path))
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
	}
}

// supported reports whether the extractor can handle the file type
func (w *Watcher) supported(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}
