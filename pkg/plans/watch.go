package plans

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

// WatchedCatalog serves a YAML catalog file and reloads it whenever the file
// changes. A reload that fails to parse keeps the previous catalog.
type WatchedCatalog struct {
	swappableCatalog

	path     string
	watcher  *fsnotify.Watcher
	logger   *observability.Logger
	onReload func(error)
	done     chan struct{}
	closeMu  sync.Once
}

// WatchFile loads path and starts watching it. onReload, when not nil, is
// invoked after every reload attempt with its outcome.
func WatchFile(path string, logger *observability.Logger, onReload func(error)) (*WatchedCatalog, error) {
	initial, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and config-map mounts replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	wc := &WatchedCatalog{
		path:     filepath.Clean(path),
		watcher:  watcher,
		logger:   logger.WithField("catalog", path),
		onReload: onReload,
		done:     make(chan struct{}),
	}
	wc.current = initial

	go wc.loop()
	return wc, nil
}

func (w *WatchedCatalog) loop() {
	defer close(w.done)
	for {
		select {
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
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("plan catalog watcher error")
		}
	}
}

func (w *WatchedCatalog) reload() {
	next, err := LoadFile(w.path)
	if err != nil {
		w.logger.WithError(err).Error("plan catalog reload failed, keeping previous catalog")
	} else {
		w.swap(next)
		w.logger.Infof("plan catalog reloaded with %d plans", len(next.keys))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Close stops watching the file
func (w *WatchedCatalog) Close() error {
	var err error
	w.closeMu.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
