// Package watcher observes the specification directory tree and turns
// raw filesystem events into debounced per-spec change notifications
// for the conflict resolver.
package watcher

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/specsync/internal/conflict"
)

// Watcher watches one specs root. Each immediate subdirectory is one
// specification; a burst of writes inside it collapses into a single
// FileChange after the debounce window.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *log.Logger

	fw      *fsnotify.Watcher
	changes chan conflict.FileChange

	mu     sync.Mutex
	timers map[string]*time.Timer
	latest map[string]string // spec id -> last path seen in the burst
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Watcher for the specs root. Start must be called
// before changes are delivered.
func New(root string, debounce time.Duration, logger *log.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan conflict.FileChange, 16),
		timers:   make(map[string]*time.Timer),
		latest:   make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Changes is the debounced notification stream. It is closed by Close.
func (w *Watcher) Changes() <-chan conflict.FileChange { return w.changes }

// Start registers the root and its existing spec directories and
// begins processing events.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		fw.Close()
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !ignoredName(e.Name()) {
			if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
				w.logf("watch %s: %v", e.Name(), err)
			}
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops the watcher, cancels pending debounce timers and closes
// the change stream.
func (w *Watcher) Close() error {
	close(w.done)
	var err error
	if w.fw != nil {
		err = w.fw.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.mu.Unlock()

	close(w.changes)
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if ignoredPath(event.Name) {
		return
	}

	// A new spec directory gets its own watch.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == w.root {
				if err := w.fw.Add(event.Name); err != nil {
					w.logf("watch %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	specID, ok := w.specIDFor(event.Name)
	if !ok {
		return
	}
	w.logf("event=%s file=%s spec=%s", event.Op, event.Name, specID)
	w.note(specID, event.Name)
}

// note records a change for the spec and (re)arms its debounce timer.
// Only the last path of a burst survives.
func (w *Watcher) note(specID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.latest[specID] = path
	if t, ok := w.timers[specID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[specID] = time.AfterFunc(w.debounce, func() {
		w.flush(specID)
	})
}

// flush sends the coalesced change while holding the mutex: a timer
// that fired just before Close cannot be stopped, and Close only closes
// the stream after it has observed closed=true under the same mutex.
func (w *Watcher) flush(specID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	path := w.latest[specID]
	delete(w.timers, specID)
	delete(w.latest, specID)

	fc := conflict.FileChange{
		SpecID:  specID,
		Path:    path,
		Version: readSpecVersion(path),
		Time:    time.Now().UTC(),
	}
	select {
	case w.changes <- fc:
	default:
		w.logf("change stream full, dropping notification for %s", specID)
	}
}

// specIDFor maps a path under the root to the spec directory name.
func (w *Watcher) specIDFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		// A loose file directly under the root is not a spec.
		return "", false
	}
	return parts[0], true
}

// readSpecVersion extracts the version from a spec.json metadata file.
// Any other file, or unreadable metadata, yields 0 (unknown).
func readSpecVersion(path string) int {
	if filepath.Base(path) != "spec.json" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var meta struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0
	}
	return meta.Version
}

// ignoredPath filters out write artifacts so atomic saves and
// quarantined files never look like external edits.
func ignoredPath(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if ignoredName(part) {
			return true
		}
	}
	return false
}

func ignoredName(name string) bool {
	if name == "quarantine" {
		return true
	}
	if strings.HasPrefix(name, ".specsync-tmp-") {
		return true
	}
	switch filepath.Ext(name) {
	case ".bak", ".corrupt":
		return true
	}
	return strings.HasPrefix(name, ".")
}

func (w *Watcher) logf(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf("[watcher] "+format, args...)
	}
}
