// Package watch reports changes to a single file, debouncing bursts of
// filesystem events such as an editor's write-rename-chmod sequence.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"strata/internal/logging"
)

var logger = logging.For("watch")

// DefaultDebounce is the quiet period used when none is given.
const DefaultDebounce = 250 * time.Millisecond

// FileWatcher calls a function once a watched file has settled after a
// change.
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func(path string)
	watcher  *fsnotify.Watcher
}

// New watches path. The parent directory is watched so that files replaced
// by rename are still seen. onChange runs on the watcher goroutine.
func New(path string, debounce time.Duration, onChange func(path string)) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &FileWatcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		watcher:  w,
	}, nil
}

// Path returns the absolute path being watched.
func (fw *FileWatcher) Path() string { return fw.path }

// Run delivers change callbacks until ctx is cancelled, then releases the
// watcher. It returns nil on cancellation.
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.watcher.Close()

	timer := time.NewTimer(fw.debounce)
	timer.Stop()
	defer timer.Stop()

	logger.Info("watching file", "path", fw.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != fw.path || !relevant(ev.Op) {
				continue
			}
			logger.Debug("file event", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(fw.debounce)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "path", fw.path, "err", err)

		case <-timer.C:
			fw.onChange(fw.path)
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename)
}
