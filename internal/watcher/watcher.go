// Package watcher turns a per-container inbox directory into ingest
// jobs. Files dropped into <inbox>/<container-slug>/ are enqueued once
// writes settle.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/latentlabs/llc/internal/ingest"
	"github.com/latentlabs/llc/internal/queue"
	"github.com/latentlabs/llc/internal/store"
)

// Options tunes the watcher.
type Options struct {
	// Debounce is how long a file must stay quiet before it is
	// enqueued. Editors and browsers write in bursts.
	Debounce time.Duration
	// MaxRetries is stamped onto the enqueued jobs.
	MaxRetries int
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{Debounce: 2 * time.Second, MaxRetries: 3}
}

// Watcher observes one inbox root. The first path segment below the
// root names the target container by slug.
type Watcher struct {
	root   string
	meta   store.RelationalStore
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a watcher rooted at dir, creating it if needed.
func New(dir string, meta store.RelationalStore, opts Options, logger *slog.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Watcher{
		root:    dir,
		meta:    meta,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run watches until the context is cancelled. Container subdirectories
// created while running are picked up automatically.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.root); err != nil {
		return err
	}
	// Watch existing container inboxes and sweep files already there.
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			sub := filepath.Join(w.root, e.Name())
			if err := fsw.Add(sub); err != nil {
				w.logger.Warn("failed to watch inbox", "dir", sub, "error", err)
			}
			w.sweepExisting(sub)
		}
	}

	w.logger.Info("inbox watcher started", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if isHidden(event.Name) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// A new container inbox appeared.
		if filepath.Dir(event.Name) == w.root {
			if err := fsw.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch inbox", "dir", event.Name, "error", err)
			}
		}
		return
	}

	w.debounce(ctx, event.Name)
}

// debounce (re)starts the settle timer for a path.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.opts.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.enqueue(ctx, path)
	})
}

// enqueue creates an ingest job for a settled file.
func (w *Watcher) enqueue(ctx context.Context, path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 {
		// Files dropped directly into the root have no container.
		w.logger.Warn("ignoring file outside a container inbox", "path", path)
		return
	}
	slug := parts[0]

	job, err := queue.EnqueueIngest(ctx, w.meta, slug, ingest.Source{URI: path}, w.opts.MaxRetries)
	if err != nil {
		w.logger.Error("failed to enqueue inbox file", "path", path, "error", err)
		return
	}
	w.logger.Info("inbox file enqueued", "path", path, "container", slug, "job", job.ID)
}

// sweepExisting enqueues files that were dropped while nothing watched.
func (w *Watcher) sweepExisting(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) {
			continue
		}
		w.debounce(context.Background(), filepath.Join(dir, e.Name()))
	}
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part")
}
