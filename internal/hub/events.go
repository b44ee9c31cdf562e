package hub

import (
	"errors"
	"log/slog"
	"time"

	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/index"
	"github.com/reifying/untethered/internal/logstore"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/transcript"
	"github.com/reifying/untethered/internal/watcher"
)

func (h *Hub) handleWatcherEvent(ev watcher.Event) {
	switch ev.Type {
	case watcher.FileCreated:
		h.handleFileCreated(ev.Path)
	case watcher.FileAppended:
		h.handleFileAppended(ev)
	case watcher.FileRemoved:
		h.handleFileRemoved(ev)
	}
}

func (h *Hub) handleFileCreated(path string) {
	sessionID, ok := index.SessionIDFromPath(path)
	if !ok {
		slog.Warn("Ignoring log file with non-UUID name", "path", path)
		return
	}
	if _, exists := h.idx.Get(sessionID); exists {
		return
	}

	// Metadata needs a file read, so it happens off the loop and comes
	// back as a command.
	go h.loadDiscovered(sessionID, path)
}

// loadDiscovered runs off the event loop.
func (h *Hub) loadDiscovered(sessionID, path string) {
	meta, err := index.BuildMetadata(h.logs, sessionID, path)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			// Deleted before we could read it.
			return
		}
		slog.Warn("Failed to read discovered session", "path", path, "error", err)
		return
	}
	h.postBackground(&discoveredCmd{meta: meta})
}

type discoveredCmd struct {
	meta *domain.SessionMetadata
}

func (c *discoveredCmd) apply(h *Hub) {
	if _, exists := h.idx.Get(c.meta.ID); exists {
		return
	}
	meta := c.meta
	h.idx.Put(meta)

	slog.Info("Session discovered",
		"session_id", meta.ID,
		"path", meta.FilePath,
		"visible_messages", meta.VisibleMessageCount)

	// Freshly created sessions are watched immediately: the agent that
	// just created the file is almost certainly still writing to it. The
	// sweep retires this watch if no client ever subscribes.
	h.watches.Activate(meta.ID, meta.FilePath, meta.ByteOffset)
	if h.refCounts[meta.ID] == 0 {
		h.discovery[meta.ID] = true
	}

	if meta.VisibleMessageCount > 0 {
		h.broadcastSessionCreated(meta.ID, meta.WorkingDirectory, meta.VisibleMessageCount)
	}
}

func (h *Hub) handleFileAppended(ev watcher.Event) {
	meta, ok := h.idx.Get(ev.SessionID)
	if !ok {
		return
	}

	// A read that does not advance past the stored offset carries bytes a
	// history reply already covered; routing it would deliver them twice.
	if ev.NewOffset <= meta.ByteOffset {
		return
	}
	meta.ByteOffset = ev.NewOffset
	meta.LastModifiedAt = time.Now()
	if meta.WorkingDirectory == "" {
		for _, e := range ev.Entries {
			if e.Cwd != "" {
				meta.WorkingDirectory = e.Cwd
				break
			}
		}
	}

	// Emptiness is judged after filtering: a batch of internal records
	// must not produce an update event.
	visible := transcript.FilterVisible(ev.Entries)
	if len(visible) == 0 {
		return
	}

	hadVisible := meta.VisibleMessageCount > 0
	meta.VisibleMessageCount += len(visible)

	if !hadVisible {
		h.broadcastSessionCreated(meta.ID, meta.WorkingDirectory, meta.VisibleMessageCount)
	}

	h.routeToSubscribers(meta.ID, &protocol.Message{
		Type:       protocol.TypeSessionUpdated,
		SessionID:  meta.ID,
		NewEntries: visible,
	})
}

func (h *Hub) handleFileRemoved(ev watcher.Event) {
	sessionID := ev.SessionID
	if sessionID == "" {
		id, ok := index.SessionIDFromPath(ev.Path)
		if !ok {
			return
		}
		sessionID = id
	}
	if _, exists := h.idx.Get(sessionID); !exists {
		return
	}

	slog.Info("Session log removed", "session_id", sessionID, "path", ev.Path)
	h.removeSession(sessionID, "session log removed")
}

// removeSession drops a vanished session and unsubscribes its viewers. A
// client left pointing at a dead session would wait forever for updates, so
// each subscriber gets an error notice and a cleared active session.
func (h *Hub) removeSession(sessionID, notice string) {
	h.watches.Deactivate(sessionID)
	delete(h.discovery, sessionID)
	h.idx.Delete(sessionID)

	for _, cs := range h.clients {
		if cs.activeSessionID != sessionID {
			continue
		}
		cs.activeSessionID = ""
		h.persistClient(cs)
		h.enqueue(cs, &protocol.Message{
			Type:      protocol.TypeError,
			SessionID: sessionID,
			Message:   notice,
		}, false)
	}
	delete(h.refCounts, sessionID)
}

// loadHistory runs off the event loop: it reads the full file and posts the
// result back as a command.
func (h *Hub) loadHistory(clientID, sessionID, path string) {
	size, err := h.logs.Size(path)
	if err != nil {
		h.postBackground(&historyFailedCmd{clientID: clientID, sessionID: sessionID, err: err})
		return
	}
	data, err := h.logs.ReadRange(path, 0, size)
	if err != nil {
		h.postBackground(&historyFailedCmd{clientID: clientID, sessionID: sessionID, err: err})
		return
	}

	visible := transcript.FilterVisible(transcript.Parse(data))
	h.postBackground(&historyLoadedCmd{
		clientID:  clientID,
		sessionID: sessionID,
		size:      size,
		visible:   visible,
	})
}

type historyLoadedCmd struct {
	clientID  string
	sessionID string
	size      int64
	visible   []transcript.Entry
}

func (c *historyLoadedCmd) apply(h *Hub) {
	cs, ok := h.clients[c.clientID]
	if !ok || cs.activeSessionID != c.sessionID {
		// Client switched away or expired while the read ran.
		return
	}

	h.enqueue(cs, &protocol.Message{
		Type:      protocol.TypeSessionHistory,
		SessionID: c.sessionID,
		Entries:   c.visible,
	}, false)

	meta, ok := h.idx.Get(c.sessionID)
	if !ok {
		return
	}

	// Everything up to the history read boundary has now been delivered;
	// move the offset there so the watch only surfaces newer bytes. The
	// offset never moves backward.
	if c.size > meta.ByteOffset {
		meta.ByteOffset = c.size
		meta.VisibleMessageCount = len(c.visible)
	}

	h.watches.Activate(c.sessionID, meta.FilePath, meta.ByteOffset)
}

type historyFailedCmd struct {
	clientID  string
	sessionID string
	err       error
}

func (c *historyFailedCmd) apply(h *Hub) {
	if errors.Is(c.err, logstore.ErrNotFound) {
		// The index referenced a file that is gone; drop the session
		// rather than crash the watcher path. The requester is among the
		// subscribers removeSession notifies.
		slog.Warn("Session log missing during history read", "session_id", c.sessionID)
		h.removeSession(c.sessionID, "session log removed")
		return
	}

	slog.Error("Failed to read session history", "session_id", c.sessionID, "error", c.err)
	if cs, ok := h.clients[c.clientID]; ok {
		h.enqueue(cs, &protocol.Message{
			Type:      protocol.TypeError,
			SessionID: c.sessionID,
			Message:   "failed to load session history",
		}, false)
	}
}
