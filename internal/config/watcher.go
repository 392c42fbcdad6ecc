package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is invoked after a watched file changes on disk.
type ChangeHandler func(path string) error

// Watcher reloads rule files (intent rules, style templates) when they
// change, so classification and style data can be tuned without a
// restart.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	mu       sync.Mutex
	handlers map[string]ChangeHandler
	debounce map[string]time.Time
}

// NewWatcher creates a watcher with no files registered yet.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		logger:   logger,
		handlers: make(map[string]ChangeHandler),
		debounce: make(map[string]time.Time),
	}, nil
}

// Watch registers a file and the handler to run when it changes. The
// handler also runs once immediately so callers start from the on-disk
// state.
func (w *Watcher) Watch(path string, handler ChangeHandler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := handler(abs); err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	w.mu.Lock()
	w.handlers[abs] = handler
	w.mu.Unlock()
	return nil
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer w.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	handler, ok := w.handlers[abs]
	if ok {
		// Editors fire several events per save; collapse them.
		if last, seen := w.debounce[abs]; seen && time.Since(last) < 500*time.Millisecond {
			ok = false
		} else {
			w.debounce[abs] = time.Now()
		}
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := handler(abs); err != nil {
		w.logger.Warn("Config reload failed, keeping previous state",
			zap.String("path", abs),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Config file reloaded", zap.String("path", abs))
}
