package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"
)

// WatcherConfig configures the document watcher.
type WatcherConfig struct {
	// Debounce batches changes arriving within this window.
	Debounce time.Duration
	Dir      DirConfig
}

// DefaultWatcherConfig returns sensible defaults for the watcher.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 500 * time.Millisecond,
		Dir:      DefaultDirConfig(),
	}
}

// WatchOp is the kind of change seen for a path.
type WatchOp int

const (
	OpWrite WatchOp = iota
	OpRemove
)

func (op WatchOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// WatchEvent is one debounced change.
type WatchEvent struct {
	Path         string
	RelativePath string
	Op           WatchOp
}

// WatchCallback receives every change collected since the last flush.
type WatchCallback func(events []WatchEvent)

// Watcher reports document changes under a directory tree.
type Watcher struct {
	config   WatcherConfig
	watcher  *fsnotify.Watcher
	ignore   *gitignore.GitIgnore
	callback WatchCallback
	rootPath string
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]WatchEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for rootPath.
func NewWatcher(rootPath string, cfg WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	if cfg.Dir.MaxFileSize <= 0 {
		cfg.Dir.MaxFileSize = DefaultDirConfig().MaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		config:   cfg,
		watcher:  fsWatcher,
		ignore:   BuildIgnoreMatcher(absRoot, cfg.Dir.IgnorePatterns),
		rootPath: absRoot,
		logger:   logger,
		pending:  make(map[string]WatchEvent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetCallback sets the function receiving batched events.
func (w *Watcher) SetCallback(cb WatchCallback) {
	w.callback = cb
}

// Start watches every non-ignored directory under the root.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) rel(path string) string {
	relPath, err := filepath.Rel(w.rootPath, path)
	if err != nil {
		return path
	}
	return relPath
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if relPath := w.rel(p); relPath != "." && w.ignore.MatchesPath(relPath) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Debounce)
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
			w.logger.Warn("watcher error", "err", err)
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath := w.rel(event.Name)
	if w.ignore.MatchesPath(relPath) {
		return
	}

	op := OpWrite
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		op = OpRemove
	} else if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if op == OpWrite {
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("watch new directory", "path", event.Name, "err", err)
				}
			}
			return
		}
		if info.Size() > w.config.Dir.MaxFileSize {
			return
		}
	}
	if !IsDocument(event.Name) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = WatchEvent{Path: event.Name, RelativePath: relPath, Op: op}
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	events := make([]WatchEvent, 0, len(w.pending))
	for _, e := range w.pending {
		events = append(events, e)
	}
	w.pending = make(map[string]WatchEvent)
	w.pendingMu.Unlock()

	if w.callback != nil {
		w.callback(events)
	}
}

// SourceDeleter removes sources that disappeared from disk.
type SourceDeleter interface {
	Delete(ctx context.Context, sourceIDs []int64) (int64, error)
}

// WatchAndIngest re-ingests changed documents and deletes removed ones.
func WatchAndIngest(ctx context.Context, in *Ingester, deleter SourceDeleter, rootPath string, cfg WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	w, err := NewWatcher(rootPath, cfg, logger)
	if err != nil {
		return nil, err
	}

	w.SetCallback(func(events []WatchEvent) {
		var changed []string
		var removed []int64
		for _, e := range events {
			switch e.Op {
			case OpWrite:
				changed = append(changed, e.RelativePath)
			case OpRemove:
				removed = append(removed, SourceIDFor(e.RelativePath))
			}
		}

		if len(changed) > 0 {
			res, err := in.IngestDir(ctx, w.rootPath, cfg.Dir, nil, changed...)
			if err != nil {
				w.logger.Error("re-ingest failed", "err", err)
			} else {
				w.logger.Info("documents re-ingested", "files", res.FilesProcessed, "entries", res.EntriesCreated)
			}
		}
		if len(removed) > 0 && deleter != nil {
			if _, err := deleter.Delete(ctx, removed); err != nil {
				w.logger.Error("delete removed documents", "err", err)
			}
		}
	})

	if err := w.Start(ctx); err != nil {
		_ = w.watcher.Close()
		return nil, err
	}
	return w, nil
}
