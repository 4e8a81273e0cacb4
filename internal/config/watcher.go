package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"promptc/internal/logging"
)

// Watcher watches the config file and hot-reloads the log level on
// change. Nothing else is reloaded at runtime: routing behavior only
// changes through registry pointer writes.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	debounceDur time.Duration
	lastEvent   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher prepares a watcher for the given config path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        path,
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a
// goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	log := logging.Get(logging.CategoryBoot)

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
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.mu.Lock()
			if time.Since(w.lastEvent) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastEvent = time.Now()
			w.mu.Unlock()

			cfg, err := Load(w.path)
			if err != nil {
				log.Warnw("config reload failed", "path", w.path, "error", err)
				continue
			}
			if err := logging.SetLevel(cfg.Logging.Level); err != nil {
				log.Warnw("invalid log level in config", "level", cfg.Logging.Level, "error", err)
				continue
			}
			log.Infow("log level reloaded", "level", cfg.Logging.Level)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "error", err)
		}
	}
}

// Stop ends the watch loop and releases the underlying watcher.
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
	w.watcher.Close()
}
