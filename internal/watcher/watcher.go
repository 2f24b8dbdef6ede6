package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"p4vault/internal/logging"
	"p4vault/internal/paths"
)

// EventType classifies a vault file-system event.
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event is a file-system event inside the vault. Paths are
// vault-relative; OldPath is set only for renames.
type Event struct {
	Type    EventType
	Path    string
	OldPath string
}

type pendingRename struct {
	oldPath string
	timer   *time.Timer
}

// Watcher watches the vault tree recursively and delivers debounced,
// vault-relative events. The OS reports a rename as a rename on the old
// name followed by a create on the new name; those two are correlated
// into a single rename event when the create arrives inside the window,
// otherwise the old name degrades to a delete.
type Watcher struct {
	tr           *paths.Translator
	debounce     time.Duration
	renameWindow time.Duration
	callback     func(Event)
	watcher      *fsnotify.Watcher
	log          zerolog.Logger

	done    chan struct{}
	started bool
	closed  bool
	mu      sync.Mutex

	debouncer  map[string]*time.Timer
	debounceMu sync.Mutex

	renames  []*pendingRename
	renameMu sync.Mutex
}

// New creates a Watcher over the vault root. Hidden entries (dot
// prefixed) are ignored so editor state directories never produce
// events.
func New(tr *paths.Translator, debounce time.Duration, callback func(Event)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		tr:           tr,
		debounce:     debounce,
		renameWindow: 500 * time.Millisecond,
		callback:     callback,
		watcher:      fsw,
		log:          logging.GetLogger("watcher"),
		done:         make(chan struct{}),
		debouncer:    make(map[string]*time.Timer),
	}

	if err := w.watchTree(tr.VaultRoot()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchTree registers root and every non-hidden directory below it.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Start starts the event loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	go w.watch()
	return nil
}

// Close stops watching and cancels all pending timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.started {
		close(w.done)
	}

	w.debounceMu.Lock()
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.debouncer = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	w.renameMu.Lock()
	for _, pr := range w.renames {
		pr.timer.Stop()
	}
	w.renames = nil
	w.renameMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	vaultPath, ok := w.tr.VaultRel(event.Name)
	if !ok || vaultPath == "" {
		return
	}
	for _, part := range strings.Split(vaultPath, "/") {
		if hidden(part) {
			return
		}
	}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		w.handleCreate(event.Name, vaultPath)

	case event.Op&fsnotify.Write == fsnotify.Write:
		w.debounceEvent(Event{Type: EventModify, Path: vaultPath})

	case event.Op&fsnotify.Remove == fsnotify.Remove:
		w.debounceEvent(Event{Type: EventDelete, Path: vaultPath})

	case event.Op&fsnotify.Rename == fsnotify.Rename:
		w.armRename(vaultPath)
	}
}

// handleCreate completes a pending rename when one is waiting, watches
// new directories, and otherwise reports a plain create.
func (w *Watcher) handleCreate(absPath, vaultPath string) {
	if oldPath, ok := w.takePendingRename(); ok {
		// the renamed entry may itself be a directory
		if info, err := os.Stat(absPath); err == nil && info.IsDir() {
			if err := w.watchTree(absPath); err != nil {
				w.log.Warn().Err(err).Str("path", vaultPath).Msg("failed to watch renamed directory")
			}
		}
		w.callback(Event{Type: EventRename, Path: vaultPath, OldPath: oldPath})
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.watchTree(absPath); err != nil {
			w.log.Warn().Err(err).Str("path", vaultPath).Msg("failed to watch new directory")
		}
		// files dragged in with the directory still need reporting
		w.reportTreeFiles(absPath)
		return
	}

	w.debounceEvent(Event{Type: EventCreate, Path: vaultPath})
}

func (w *Watcher) reportTreeFiles(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if vaultPath, ok := w.tr.VaultRel(path); ok {
			w.debounceEvent(Event{Type: EventCreate, Path: vaultPath})
		}
		return nil
	})
}

// armRename remembers the vacated name; if no create claims it within
// the window the file has left the vault and a delete is reported.
func (w *Watcher) armRename(oldPath string) {
	pr := &pendingRename{oldPath: oldPath}
	pr.timer = time.AfterFunc(w.renameWindow, func() {
		w.renameMu.Lock()
		for i, cand := range w.renames {
			if cand == pr {
				w.renames = append(w.renames[:i], w.renames[i+1:]...)
				break
			}
		}
		w.renameMu.Unlock()
		w.callback(Event{Type: EventDelete, Path: oldPath})
	})

	w.renameMu.Lock()
	w.renames = append(w.renames, pr)
	w.renameMu.Unlock()
}

// takePendingRename claims the oldest armed rename, if any.
func (w *Watcher) takePendingRename() (string, bool) {
	w.renameMu.Lock()
	defer w.renameMu.Unlock()

	if len(w.renames) == 0 {
		return "", false
	}
	pr := w.renames[0]
	w.renames = w.renames[1:]
	pr.timer.Stop()
	return pr.oldPath, true
}

// debounceEvent coalesces rapid events for one path; a pending timer for
// the path is replaced, not queued.
func (w *Watcher) debounceEvent(e Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debouncer[e.Path]; exists {
		timer.Stop()
	}

	w.debouncer[e.Path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debouncer, e.Path)
		w.debounceMu.Unlock()

		w.callback(e)
	})
}
