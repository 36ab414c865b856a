// Package watcher notices when the session's executable is replaced on disk.
// Self-updating CLIs swap their binary in place; a process started from the
// old image keeps running it until it is restarted.
package watcher

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last filesystem event before
// the callback fires. Installers tend to write, chmod and rename in a burst.
const DefaultDebounce = 500 * time.Millisecond

// ChangeCallback is called once per burst of changes to a watched binary.
type ChangeCallback func(path string)

// Watcher monitors executables for replacement.
type Watcher struct {
	log      *zap.SugaredLogger
	debounce time.Duration
	callback ChangeCallback

	mu       sync.Mutex
	watchers map[string]*binaryWatcher // absolute path → watcher
}

type binaryWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// New creates a watcher. A non-positive debounce selects DefaultDebounce.
func New(log *zap.SugaredLogger, debounce time.Duration, callback ChangeCallback) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		log:      log,
		debounce: debounce,
		callback: callback,
		watchers: make(map[string]*binaryWatcher),
	}
}

// ResolveBinary returns the absolute path exec would run for command.
func ResolveBinary(command string) (string, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

// Watch starts watching path. The parent directory is watched rather than
// the file itself so that rename-over and delete-then-create replacements
// are seen. Watching the same path twice is a no-op.
func (w *Watcher) Watch(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[path]; ok {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	bw := &binaryWatcher{
		path:      path,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.watchers[path] = bw

	go w.watchLoop(bw)
	w.log.Infow("watching binary", "path", path)
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	path, _ = filepath.Abs(path)

	w.mu.Lock()
	bw, ok := w.watchers[path]
	if ok {
		delete(w.watchers, path)
	}
	w.mu.Unlock()

	if ok {
		close(bw.cancel)
		bw.fsWatcher.Close()
		<-bw.done
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(bw *binaryWatcher) {
	defer close(bw.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-bw.cancel:
			return

		case event, ok := <-bw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != bw.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.log.Debugw("binary changed", "path", bw.path, "op", event.Op.String())

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.log.Infow("binary replaced", "path", bw.path)
				if w.callback != nil {
					w.callback(bw.path)
				}
			})

		case err, ok := <-bw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("watcher error", "path", bw.path, "error", err)
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}
