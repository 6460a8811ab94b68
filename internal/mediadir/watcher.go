package mediadir

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher watches a tree and calls changed once events stop arriving for
// the debounce interval.
type watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	changed  func()
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
}

func newWatcher(root string, debounce time.Duration, changed func(), logger *slog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &watcher{
		fsw:      fsw,
		debounce: debounce,
		changed:  changed,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *watcher) run() {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("watch new directory", "path", ev.Name, "error", err)
				}
			}
			w.schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("media watcher", "error", err)
		}
	}
}

func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.changed)
		return
	}
	w.timer.Reset(w.debounce)
}

// Close stops watching. A pending notification is dropped.
func (w *watcher) Close() error {
	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
