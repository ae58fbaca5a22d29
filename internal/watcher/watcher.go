// Package watcher watches a torrent's current directory so external
// deletion or modification of a file is noticed without waiting for an
// explicit verify. Built on fsnotify.Watcher plus a debounce map, feeding
// changes into torrentengine.Torrent.RecheckCompleteness, which recomputes
// status from the completion view; files are not re-read or re-hashed.
package watcher

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haldane/torrentd/internal/torrentengine"
)

// Watcher monitors one torrent's current directory for changes that might
// invalidate its completion status.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	torrent   *torrentengine.Torrent

	debounce time.Duration

	mu      sync.Mutex
	pending bool
	dueAt   time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a Watcher over t's current directory. debounce is how long
// to wait after the last observed event before triggering a recheck; 0
// defaults to 10s.
func New(t *torrentengine.Torrent, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		torrent:   t,
		debounce:  debounce,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching t's current directory and the directory holding
// each of its files, at any depth (multi-file torrents lay files out under
// one root). Intermediate directories holding no file are not watched.
func (w *Watcher) Start() error {
	root := w.torrent.CurrentDir
	if root == "" {
		return fmt.Errorf("watcher: torrent has no current directory yet")
	}
	if err := w.fsWatcher.Add(root); err != nil {
		return fmt.Errorf("watcher: add %s: %w", root, err)
	}
	subdirs := map[string]struct{}{}
	for _, f := range w.torrent.FileMap.Files {
		dir := filepath.Dir(filepath.Join(root, f.Name))
		if dir != root {
			subdirs[dir] = struct{}{}
		}
	}
	for dir := range subdirs {
		_ = w.fsWatcher.Add(dir) // best-effort; a missing dir just isn't watched
	}

	log.Printf("[watcher] %s: watching %s", w.torrent.ShortHash(), root)
	go w.loop()
	return nil
}

// Stop tears down the watcher's goroutine and underlying fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] %s: error: %v", w.torrent.ShortHash(), err)
		case <-ticker.C:
			w.maybeFire()
		case <-w.stop:
			return
		}
	}
}

// handleEvent marks a recheck as due after the debounce window. Only
// writes, removes and renames are interesting; creates of brand-new files never
// invalidate completeness.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = true
	w.dueAt = time.Now().Add(w.debounce)
	w.mu.Unlock()
}

func (w *Watcher) maybeFire() {
	w.mu.Lock()
	fire := w.pending && time.Now().After(w.dueAt)
	if fire {
		w.pending = false
	}
	w.mu.Unlock()

	if !fire {
		return
	}
	log.Printf("[watcher] %s: filesystem settled, triggering recheck", w.torrent.ShortHash())
	w.torrent.RecheckCompleteness()
}
