package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kecho/coalpy-sub001/internal/obs"
	"github.com/kecho/coalpy-sub001/pkg/tasks"
)

// ChangeKind classifies a directory-change event.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeRemoved
	ChangeRenamed
)

// Change is a single debounced directory-change notification.
type Change struct {
	Kind ChangeKind
	Path string
}

// Watcher watches a directory tree for changes and surfaces debounced
// events through a tasks.Queue rather than a raw channel, grounded on
// noisefs's pkg/sync file_watcher.go (fsnotify + per-path debounce
// timers) but restructured around this module's own Queue so a caller can
// combine a blocking wait for the next change with a non-blocking drain of
// whatever else has already arrived, exactly the pattern Queue's
// Acquire/Release exists for.
type Watcher struct {
	fsw   *fsnotify.Watcher
	queue *tasks.Queue[Change]
	log   *obs.Logger

	debounce time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]ChangeKind

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher constructs a Watcher rooted at dir, recursively adding every
// subdirectory present at construction time. debounce coalesces bursts of
// events on the same path (editors often emit several writes per save)
// into a single Change, delivered debounce after the last event on that
// path.
func NewWatcher(dir string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("files: creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		queue:    tasks.NewQueue[Change](),
		log:      obs.Default().WithComponent("watcher"),
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]ChangeKind),
		done:     make(chan struct{}),
	}

	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("files: watching %s: %w", dir, err)
	}
	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil
	}
	for _, e := range entries {
		info, err := fileInfoOrNil(e)
		if err == nil && info != nil && info.IsDir() {
			if err := w.addTree(e); err != nil {
				w.log.Warnf("skipping subtree %s: %v", e, err)
			}
		}
	}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Errorf("watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	var kind ChangeKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = ChangeCreated
		if info, err := fileInfoOrNil(ev.Name); err == nil && info != nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Warnf("failed to watch new directory %s: %v", ev.Name, err)
			}
		}
	case ev.Op&fsnotify.Remove != 0:
		kind = ChangeRemoved
	case ev.Op&fsnotify.Rename != 0:
		kind = ChangeRenamed
	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		kind = ChangeModified
	default:
		return
	}

	w.mu.Lock()
	w.pending[ev.Name] = kind
	if t, ok := w.timers[ev.Name]; ok {
		t.Stop()
	}
	path := ev.Name
	w.timers[ev.Name] = time.AfterFunc(w.debounce, func() { w.flush(path) })
	w.mu.Unlock()
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	kind, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.mu.Unlock()

	if !ok {
		return
	}
	w.queue.Push(Change{Kind: kind, Path: path})
}

// Next blocks until a debounced Change is available or timeout elapses.
func (w *Watcher) Next(timeout time.Duration) (Change, bool) {
	return w.queue.WaitPopUntil(timeout)
}

// DrainPending acquires the queue's lock and non-blockingly drains every
// Change currently buffered, for a caller that just returned from a
// blocking Next and wants to catch up on anything else that piled up
// while it was busy.
func (w *Watcher) DrainPending() []Change {
	w.queue.Acquire()
	defer w.queue.Release()

	var out []Change
	for {
		c, ok := w.queue.UnsafeTryPop()
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

// Close stops the underlying fsnotify watcher and any pending debounce
// timers.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	})
	return w.fsw.Close()
}

func fileInfoOrNil(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
