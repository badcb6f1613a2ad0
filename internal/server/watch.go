package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/store"
)

// stateWatcher follows the active issue's state dir with fsnotify. Agents
// and other processes land documents there by atomic rename; the watcher
// folds changed documents back into the store and broadcasts fresh state,
// so viewers see mutations this process never made. Watcher failures log
// warnings and never take the server down.
type stateWatcher struct {
	store    *store.Store
	hub      *events.Hub
	snapshot func() (*lifecycle.Snapshot, error)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	// debounce coalesces the burst of events one atomic rename produces.
	debounce time.Duration
	rearm    chan string

	mu  sync.Mutex
	dir string
}

func newStateWatcher(st *store.Store, hub *events.Hub, snapshot func() (*lifecycle.Snapshot, error), logger *slog.Logger) (*stateWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &stateWatcher{
		store:    st,
		hub:      hub,
		snapshot: snapshot,
		logger:   logger,
		fsw:      fsw,
		debounce: 100 * time.Millisecond,
		rearm:    make(chan string, 4),
	}, nil
}

// run blocks until ctx is done. Every state broadcast names the active
// state dir, so re-arming after an issue switch rides the hub subscription
// instead of polling the store.
func (w *stateWatcher) run(ctx context.Context) {
	defer w.fsw.Close()

	id := w.hub.AddSubscriber(func(ev events.Event) error {
		snap, ok := ev.Data.(*lifecycle.Snapshot)
		if ev.Type != "state" || !ok {
			return nil
		}
		select {
		case w.rearm <- snap.Paths.StateDir:
		default:
		}
		return nil
	})
	defer w.hub.RemoveSubscriber(id)

	if snap, err := w.snapshot(); err == nil {
		w.watch(snap.Paths.StateDir)
	} else {
		w.logger.Warn("initial state lookup failed", "err", err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case dir := <-w.rearm:
			w.watch(dir)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !stateDocEvent(ev) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.sync()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watcher error", "err", err)
		}
	}
}

// stateDocEvent reports whether ev touches a watched document. Atomic
// writers rename a temp file over the target, so Create and Rename count
// alongside Write.
func stateDocEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	switch filepath.Base(ev.Name) {
	case "issue.json", "tasks.json":
		return true
	}
	return false
}

// watch moves the fsnotify subscription to dir. An empty dir (no active
// issue) leaves nothing watched.
func (w *stateWatcher) watch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if dir == w.dir {
		return
	}
	if w.dir != "" {
		_ = w.fsw.Remove(w.dir)
	}
	w.dir = dir
	if dir == "" {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		// Leaving dir unset lets the next rearm retry the Add.
		w.logger.Warn("watch state dir failed", "dir", dir, "err", err)
		w.dir = ""
	}
}

func (w *stateWatcher) currentDir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// sync imports the on-disk documents into the store and broadcasts fresh
// state. The store mirrors its own writes back to the same files; the
// equality checks inside the importers keep those echoes from re-entering
// the store, which would loop (every import writes the mirror again).
// Broadcasting is unconditional: the files changed, so viewers re-read.
func (w *stateWatcher) sync() {
	w.mu.Lock()
	dir := w.dir
	w.mu.Unlock()
	if dir == "" {
		return
	}

	w.importIssue(dir)
	w.importTasks(dir)

	snap, err := w.snapshot()
	if err != nil {
		w.logger.Warn("state snapshot failed", "err", err)
		return
	}
	w.hub.Broadcast(events.Event{Type: "state", Data: snap})
}

func (w *stateWatcher) importIssue(dir string) {
	path := paths.IssueJSONPath(dir)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var disk model.IssueState
	if err := json.Unmarshal(raw, &disk); err != nil {
		// Non-atomic writers produce transient partial documents; the next
		// write fires another event.
		w.logger.Debug("skipping unparsable issue.json", "path", path, "err", err)
		return
	}
	if disk.Owner == "" || disk.Repo == "" || disk.IssueNumber <= 0 {
		return
	}
	cur, err := w.store.ReadIssue(dir)
	if err != nil {
		w.logger.Warn("read issue state failed", "err", err)
		return
	}
	if cur != nil && sameIssue(&disk, cur) {
		return
	}
	if err := w.store.WriteIssue(dir, &disk); err != nil {
		w.logger.Warn("import issue.json failed", "err", err)
		return
	}
	w.logger.Info("imported external issue.json write", "dir", dir)
}

func (w *stateWatcher) importTasks(dir string) {
	path := paths.TasksJSONPath(dir)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var disk model.TaskFile
	if err := json.Unmarshal(raw, &disk); err != nil {
		w.logger.Debug("skipping unparsable tasks.json", "path", path, "err", err)
		return
	}
	cur, err := w.store.ReadTasks(dir)
	if err != nil {
		w.logger.Warn("read tasks failed", "err", err)
		return
	}
	if cur != nil && sameDoc(&disk, cur) {
		return
	}
	if err := w.store.WriteTasks(dir, &disk); err != nil {
		w.logger.Warn("import tasks.json failed", "err", err)
		return
	}
	w.logger.Info("imported external tasks.json write", "dir", dir)
}

// sameIssue compares documents ignoring updatedAtMs, which the store
// stamps on every write.
func sameIssue(a, b *model.IssueState) bool {
	ca, cb := *a, *b
	ca.UpdatedAtMS, cb.UpdatedAtMS = 0, 0
	return sameDoc(&ca, &cb)
}

// sameDoc compares two documents by canonical JSON form. Marshal sorts map
// keys, so semantically equal documents always match.
func sameDoc(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
