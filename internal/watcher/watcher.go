// Package watcher ingests review files dropped into an inbox directory.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/nickcecere/revsearch/internal/indexer"
)

// Suffixes appended to processed inbox files.
const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

// Importer imports one review file.
type Importer interface {
	ImportFile(ctx context.Context, opts indexer.ImportOptions) (*indexer.Result, error)
}

// Watcher watches a directory for *.jsonl files and imports each one after
// it has been quiet for the debounce period.
type Watcher struct {
	dir      string
	importer Importer
	batch    int

	// pending maps a file to the time of its last event.
	pending      map[string]time.Time
	pendingMu    sync.Mutex
	debounceTime time.Duration

	// callback for status updates
	onEvent func(event string, path string)
}

// Option configures the watcher.
type Option func(*Watcher)

// WithDebounceTime sets how long a file must be quiet before it is imported.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounceTime = d
		}
	}
}

// WithEventCallback sets a callback for import outcomes. The event is
// "import" or "failed".
func WithEventCallback(fn func(event string, path string)) Option {
	return func(w *Watcher) {
		w.onEvent = fn
	}
}

// WithBatchSize sets the embedding batch size used for imports.
func WithBatchSize(n int) Option {
	return func(w *Watcher) {
		w.batch = n
	}
}

// New creates a watcher for dir.
func New(dir string, imp Importer, opts ...Option) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("ingest.watch_dir is not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:          abs,
		importer:     imp,
		pending:      make(map[string]time.Time),
		debounceTime: 2 * time.Second,
		onEvent:      func(string, string) {}, // noop default
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches until ctx is cancelled. Files already in the inbox are
// queued first.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	if err := w.scanBacklog(); err != nil {
		return err
	}

	log.Info("Watching inbox for review files", "dir", w.dir)

	ticker := time.NewTicker(w.debounceTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Watcher error", "error", err)

		case now := <-ticker.C:
			w.flushQuiet(ctx, now)
		}
	}
}

// scanBacklog queues files that arrived while nothing was watching.
func (w *Watcher) scanBacklog() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	now := time.Now()
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for _, e := range entries {
		if e.Type().IsRegular() && isReviewFile(e.Name()) {
			w.pending[filepath.Join(w.dir, e.Name())] = now
		}
	}
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isReviewFile(filepath.Base(event.Name)) {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(w.pending, event.Name)
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		w.pending[event.Name] = time.Now()
	}
}

// isReviewFile reports whether name is an unprocessed inbox file.
func isReviewFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".jsonl")
}

// flushQuiet imports every pending file with no events in the last
// debounce period.
func (w *Watcher) flushQuiet(ctx context.Context, now time.Time) {
	w.pendingMu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounceTime {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	}
}

// process imports one file and renames it with the outcome.
func (w *Watcher) process(ctx context.Context, path string) {
	name := filepath.Base(path)

	if _, err := os.Stat(path); err != nil {
		log.Debug("Inbox file vanished before import", "file", name)
		return
	}

	res, err := w.importer.ImportFile(ctx, indexer.ImportOptions{
		Path:        path,
		BatchSize:   w.batch,
		SkipInvalid: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted by shutdown; leave the file for the next start.
			return
		}
		log.Error("Failed to import review file", "file", name, "error", err)
		w.finish(path, FailedSuffix)
		w.onEvent("failed", name)
		return
	}

	log.Info("Imported review file", "file", name, "added", res.Added, "skipped", res.Skipped)
	w.finish(path, DoneSuffix)
	w.onEvent("import", name)
}

func (w *Watcher) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		log.Error("Failed to mark inbox file", "file", filepath.Base(path), "error", err)
	}
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}
