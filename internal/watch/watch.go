// Package watch reports changes to the project descriptor.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moltbunker/locker/internal/logging"
)

// DefaultDebounce is the quiet period after the last change before a
// change is reported.
const DefaultDebounce = 500 * time.Millisecond

// Watcher follows one file. The parent directory is watched so that
// editors replacing the file are noticed.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger
}

// New creates a Watcher for path.
func New(path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		log:      logging.With(logging.Component("watch"), "path", abs),
	}, nil
}

// Run calls onChange once after every burst of changes to the file until
// ctx is done. onChange runs on the caller's goroutine.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("watching descriptor")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !relevant(event) {
				continue
			}
			w.log.Debug("descriptor event", "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", logging.Err(err))
		case <-timer.C:
			onChange()
		}
	}
}

func relevant(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
