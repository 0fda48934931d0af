package auth

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// DefaultReloadDebounce collapses the burst of events an editor or an atomic
// rename produces into one reload.
const DefaultReloadDebounce = 100 * time.Millisecond

// Watcher reloads an Authority's user table whenever its users file changes.
type Watcher struct {
	authority *Authority
	watcher   *fsnotify.Watcher
	path      string
	debounce  time.Duration
	onReload  func(error)
	logger    *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultReloadDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after every reload attempt with its result.
func WithReloadHook(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher watches the authority's users file. The containing directory is
// watched rather than the file, since SaveUsersFile replaces the file by
// rename.
func NewWatcher(a *Authority, opts ...WatcherOption) (*Watcher, error) {
	if a.usersFile == "" {
		return nil, errors.NewValidationError("authority has no users file").WithField("auth.users_file")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create file watcher")
	}

	w := &Watcher{
		authority: a,
		watcher:   fw,
		path:      filepath.Clean(a.usersFile),
		debounce:  DefaultReloadDebounce,
		logger:    a.logger.WithComponent("users-watcher"),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "watch users directory")
	}
	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case <-w.stopCh:
			debounceTimer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			err := w.authority.Reload()
			if err != nil {
				w.logger.Warn("users file reload failed, keeping previous table", "path", w.path, "error", err)
			} else {
				w.logger.Info("users file reloaded", "path", w.path)
			}
			if w.onReload != nil {
				w.onReload(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
