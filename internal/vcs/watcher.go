package vcs

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"patchpilot/internal/logging"
)

// ExternalWrite reports a file modified by something other than the
// pipeline while a transaction window was open.
type ExternalWrite struct {
	Path string
	At   time.Time
}

// Watcher detects external writes to worktree files between snapshot and
// commit. The pipeline marks its own writes so they are not reported.
type Watcher struct {
	mu          sync.Mutex
	root        string
	fsw         *fsnotify.Watcher
	ownWrites   map[string]time.Time
	debounceMap map[string]time.Time
	debounceDur time.Duration
	events      chan ExternalWrite
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	log         *zap.Logger
}

// NewWatcher creates a watcher rooted at the worktree root.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:        root,
		fsw:         fsw,
		ownWrites:   make(map[string]time.Time),
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		events:      make(chan ExternalWrite, 64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		log:         logging.Get(logging.CategoryVCS),
	}, nil
}

// Watch adds the parent directories of paths to the watch set. fsnotify
// watches directories, not globs, so each distinct parent is added once.
func (w *Watcher) Watch(paths []string) error {
	seen := make(map[string]bool)
	for _, path := range paths {
		dir := filepath.Dir(filepath.Join(w.root, filepath.FromSlash(path)))
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := w.fsw.Add(dir); err != nil {
			w.log.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	return nil
}

// MarkOwnWrite records that the pipeline is about to write path, so the
// resulting event is swallowed.
func (w *Watcher) MarkOwnWrite(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	full := filepath.Join(w.root, filepath.FromSlash(path))
	w.ownWrites[full] = time.Now()
}

// Events returns the external-write stream.
func (w *Watcher) Events() <-chan ExternalWrite { return w.events }

// Start begins watching. Non-blocking; the loop runs until Stop or ctx
// cancellation.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleWrite(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleWrite(name string) {
	w.mu.Lock()
	if at, ours := w.ownWrites[name]; ours && time.Since(at) < 5*time.Second {
		w.mu.Unlock()
		return
	}
	if last, seen := w.debounceMap[name]; seen && time.Since(last) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.debounceMap[name] = time.Now()
	w.mu.Unlock()

	w.log.Warn("external write detected", zap.String("path", name))
	select {
	case w.events <- ExternalWrite{Path: name, At: time.Now()}:
	default:
		// Channel full; conflict detection at apply time still catches it.
	}
}

// Stop halts the watcher and releases the fsnotify handle.
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
	_ = w.fsw.Close()
}
