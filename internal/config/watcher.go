package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherClosed is returned when operating on a closed watcher.
var ErrWatcherClosed = errors.New("config watcher is closed")

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 200 * time.Millisecond

// Watcher reloads the host configuration when its file changes and hands
// the result to a callback, letting the host re-apply trusted roots and
// replacement policies.
type Watcher struct {
	mu sync.Mutex

	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	logger   *slog.Logger

	closed  bool
	closeCh chan struct{}
	doneWg  sync.WaitGroup
}

// NewWatcher watches the config file at path. The callback runs on the
// watcher goroutine for every successful reload.
func NewWatcher(path string, onChange func(Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}

	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		watcher:  fsw,
		onChange: onChange,
		logger:   logger,
		closeCh:  make(chan struct{}),
	}

	w.doneWg.Add(1)
	go w.loop()
	return w, nil
}

// loop processes file events until the watcher closes.
func (w *Watcher) loop() {
	defer w.doneWg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "path", w.path, "error", err)
		}
	}
}

// reload parses the config file and invokes the callback. Parse failures
// keep the previous configuration in force.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching. It is idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.doneWg.Wait()
	return err
}
