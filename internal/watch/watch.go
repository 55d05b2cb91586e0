// Package watch notifies the run loop when the config file changes on disk so
// edits take effect before the next regular tick. Polling by fingerprint stays
// the source of truth; a missed event only delays a reload by one interval.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var log = slog.Default()

// DefaultDebounce collapses the burst of events produced by one save.
const DefaultDebounce = 200 * time.Millisecond

// Triggerer is anything that can be asked for an early tick.
type Triggerer interface {
	Trigger()
}

// Watcher watches one file through its parent directory. The config store
// replaces the file by rename, which drops a watch placed on the file itself.
type Watcher struct {
	path     string
	name     string
	target   Triggerer
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Watcher for path. The parent directory must exist.
func New(path string, target Triggerer, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		path:     path,
		name:     filepath.Base(path),
		target:   target,
		debounce: debounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start processes events in a new goroutine until ctx is done or Close is
// called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	log.Info("Watching config file", "path", w.path, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				log.Debug("Config file event", "op", event.Op.String())
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Config watcher error", "error", err)
		}
	}
}

// schedule (re)starts the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.target.Trigger)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
