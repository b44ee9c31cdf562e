// Package watcher observes the transcript log tree and turns filesystem
// activity into typed events for the event loop. Directory-level watches
// discover new session files; individual files are watched only while some
// client holds the session active, so watch fan-out tracks viewer interest
// rather than total conversation count.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/reifying/untethered/internal/logstore"
	"github.com/reifying/untethered/internal/transcript"
)

// EventType discriminates watcher events.
type EventType int

const (
	// FileCreated reports a new .jsonl file appearing under the log tree.
	FileCreated EventType = iota
	// FileAppended reports bytes read past a watched session's offset.
	FileAppended
	// FileRemoved reports a watched or discovered log file disappearing.
	FileRemoved
)

// Event is one observation delivered to the event loop. For FileAppended,
// Entries holds the parsed (unfiltered) records and NewOffset the position
// the reader advanced to; the loop owns filtering and index updates.
type Event struct {
	Type      EventType
	SessionID string
	Path      string
	NewOffset int64
	Entries   []transcript.Entry
}

// Watcher owns the fsnotify instance and the per-session reader workers.
type Watcher struct {
	store  logstore.Store
	fsw    *fsnotify.Watcher
	events chan Event

	mu     sync.Mutex
	active map[string]*fileWatch // sessionID -> reader worker
	byPath map[string]string     // watched file path -> sessionID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// fileWatch is one active session's reader worker. The worker owns the byte
// offset for its file; notifications are coalesced through a 1-slot channel.
type fileWatch struct {
	sessionID string
	path      string
	offset    int64
	notify    chan struct{}
	done      chan struct{}
}

// New creates a Watcher over the given log store.
func New(store logstore.Store, queueSize int) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:  store,
		fsw:    fsw,
		events: make(chan Event, queueSize),
		active: make(map[string]*fileWatch),
		byPath: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Events returns the channel the event loop consumes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start adds directory watches for the log root tree and begins processing
// filesystem notifications.
func (w *Watcher) Start() error {
	if err := w.watchTree(w.store.Root()); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// watchTree adds a directory watch for root and every subdirectory.
func (w *Watcher) watchTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch directory %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch log tree %s: %w", root, err)
	}
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		w.handleCreate(event.Name)
	case event.Has(fsnotify.Write):
		w.handleWrite(event.Name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.handleRemove(event.Name)
	}
}

func (w *Watcher) handleCreate(path string) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		// New project directory: watch it so its session files are
		// discovered too.
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("Failed to watch new directory", "path", path, "error", err)
		}
		return
	}
	if !strings.HasSuffix(path, ".jsonl") {
		return
	}
	w.emit(Event{Type: FileCreated, Path: path})
}

func (w *Watcher) handleWrite(path string) {
	w.mu.Lock()
	sessionID, ok := w.byPath[path]
	var fw *fileWatch
	if ok {
		fw = w.active[sessionID]
	}
	w.mu.Unlock()

	if fw == nil {
		// Not an actively watched session; its offset catches up when
		// a client subscribes.
		return
	}
	fw.wake()
}

func (w *Watcher) handleRemove(path string) {
	if !strings.HasSuffix(path, ".jsonl") {
		return
	}

	w.mu.Lock()
	sessionID := w.byPath[path]
	w.mu.Unlock()

	w.emit(Event{Type: FileRemoved, SessionID: sessionID, Path: path})
}

// Activate starts actively watching a session file, reading from offset.
// Safe to call for an already-active session; the existing worker is kept.
func (w *Watcher) Activate(sessionID, path string, offset int64) {
	w.mu.Lock()
	if _, exists := w.active[sessionID]; exists {
		w.mu.Unlock()
		return
	}

	fw := &fileWatch{
		sessionID: sessionID,
		path:      path,
		offset:    offset,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	w.active[sessionID] = fw
	w.byPath[path] = sessionID
	w.mu.Unlock()

	if err := w.fsw.Add(path); err != nil {
		slog.Warn("Failed to watch session file", "path", path, "error", err)
	}

	w.wg.Add(1)
	go w.runReader(fw)

	// Initial poll covers bytes appended between the offset the caller
	// holds and the watch being established.
	fw.wake()

	slog.Debug("Session watch activated", "session_id", sessionID, "offset", offset)
}

// Deactivate stops actively watching a session file.
func (w *Watcher) Deactivate(sessionID string) {
	w.mu.Lock()
	fw, ok := w.active[sessionID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.active, sessionID)
	delete(w.byPath, fw.path)
	w.mu.Unlock()

	_ = w.fsw.Remove(fw.path)
	close(fw.done)

	slog.Debug("Session watch deactivated", "session_id", sessionID)
}

// ActiveCount returns the number of actively watched sessions.
func (w *Watcher) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// runReader is the per-session worker. It is the only reader of its file,
// so the offset only ever moves forward and bytes are read exactly once.
func (w *Watcher) runReader(fw *fileWatch) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-fw.done:
			return
		case <-fw.notify:
			w.readOnce(fw)
		}
	}
}

func (w *Watcher) readOnce(fw *fileWatch) {
	size, err := w.store.Size(fw.path)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			w.emit(Event{Type: FileRemoved, SessionID: fw.sessionID, Path: fw.path})
			return
		}
		slog.Warn("Failed to stat watched file", "path", fw.path, "error", err)
		return
	}
	if size <= fw.offset {
		return
	}

	data, err := w.store.ReadRange(fw.path, fw.offset, size)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			w.emit(Event{Type: FileRemoved, SessionID: fw.sessionID, Path: fw.path})
			return
		}
		slog.Warn("Failed to read watched file", "path", fw.path, "error", err)
		return
	}

	entries := transcript.Parse(data)
	fw.offset = size

	w.emit(Event{
		Type:      FileAppended,
		SessionID: fw.sessionID,
		Path:      fw.path,
		NewOffset: size,
		Entries:   entries,
	})
}

func (fw *fileWatch) wake() {
	select {
	case fw.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) emit(e Event) {
	select {
	case w.events <- e:
	case <-w.ctx.Done():
	}
}

// Close stops all workers and the underlying fsnotify watcher.
func (w *Watcher) Close() {
	w.cancel()
	_ = w.fsw.Close()
	w.wg.Wait()
}
