package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/index"
	"github.com/reifying/untethered/internal/protocol"
)

// command is one unit of work for the event loop.
type command interface {
	apply(h *Hub)
}

// Conn is a live client connection handle. The transport's write loop drains
// Outbound; channel identity ties a disconnect to the connection that raised
// it, so a stale disconnect cannot tear down a replacement connection.
type Conn struct {
	ClientID string
	Outbound <-chan []byte

	outbound chan []byte
}

// Connect registers (or restores) a client identity and attaches a fresh
// transport. Returns the connection handle whose Outbound channel the caller
// must drain until closed.
func (h *Hub) Connect(ctx context.Context, clientID string) (*Conn, error) {
	id, err := index.NormalizeID(clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid client id: %w", err)
	}

	reply := make(chan *Conn, 1)
	if err := h.post(ctx, &connectCmd{clientID: id, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case conn := <-reply:
		return conn, nil
	case <-h.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect detaches a transport. The client record and its subscription
// survive until the TTL sweep.
func (h *Hub) Disconnect(conn *Conn) {
	h.postBackground(&disconnectCmd{clientID: conn.ClientID, outbound: conn.outbound})
}

// SetActiveSession subscribes a client to a session and triggers the
// history reply.
func (h *Hub) SetActiveSession(clientID, sessionID string) {
	h.postBackground(&setActiveCmd{clientID: clientID, sessionID: sessionID})
}

// ClearActiveSession unsubscribes a client from its active session.
func (h *Hub) ClearActiveSession(clientID string) {
	h.postBackground(&clearActiveCmd{clientID: clientID})
}

// Ack removes an undelivered message a client has confirmed receiving.
func (h *Hub) Ack(clientID, messageID string) {
	h.postBackground(&ackCmd{clientID: clientID, messageID: messageID})
}

// ApplyLock applies a lock transition. A nil version marks an optimistic
// local transition; an explicit version is used as-is and discarded when
// stale.
func (h *Hub) ApplyLock(sessionID string, locked bool, reason domain.LockReason, version *uint64) {
	h.postBackground(&applyLockCmd{sessionID: sessionID, locked: locked, reason: reason, version: version})
}

// ForceUnlock manually clears a stuck lock, bypassing version comparison.
// Reports whether the session was actually unlocked.
func (h *Hub) ForceUnlock(ctx context.Context, sessionID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.post(ctx, &forceUnlockCmd{sessionID: sessionID, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-h.done:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SessionSummaries returns the current session list snapshot.
func (h *Hub) SessionSummaries(ctx context.Context) ([]protocol.SessionSummary, error) {
	reply := make(chan []protocol.SessionSummary, 1)
	if err := h.post(ctx, &summariesCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrStopped reports that the event loop has shut down.
var ErrStopped = errors.New("event loop stopped")

func (h *Hub) post(ctx context.Context, cmd command) error {
	select {
	case h.commands <- cmd:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) postBackground(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

type connectCmd struct {
	clientID string
	reply    chan *Conn
}

func (c *connectCmd) apply(h *Hub) {
	cs, known := h.clients[c.clientID]
	if !known {
		cs = &clientState{
			id:        c.clientID,
			createdAt: time.Now(),
		}
		h.clients[c.clientID] = cs
	}

	// A second connection under the same identity replaces the first.
	if cs.outbound != nil {
		close(cs.outbound)
	}
	cs.outbound = make(chan []byte, h.cfg.OutboundQueueSize)
	cs.lastSeenAt = time.Now()
	h.persistClient(cs)

	slog.Info("Client connected", "client_id", cs.id, "known", known, "active_session", cs.activeSessionID)

	h.enqueue(cs, &protocol.Message{Type: protocol.TypeConnected, ClientID: cs.id}, false)
	h.enqueue(cs, &protocol.Message{Type: protocol.TypeSessionList, Sessions: h.sessionSummaries()}, false)

	// Reconnect with a prior subscription: restore it without client
	// action, make sure the watch is live again, and replay anything the
	// client missed while offline.
	if known && cs.activeSessionID != "" {
		if meta, ok := h.idx.Get(cs.activeSessionID); ok {
			h.watches.Activate(cs.activeSessionID, meta.FilePath, meta.ByteOffset)
		}
		h.enqueue(cs, &protocol.Message{
			Type:      protocol.TypeActiveSessionRestored,
			SessionID: cs.activeSessionID,
		}, false)
		h.replayUndelivered(cs)
	}

	c.reply <- &Conn{ClientID: cs.id, Outbound: cs.outbound, outbound: cs.outbound}
}

type disconnectCmd struct {
	clientID string
	outbound chan []byte
}

func (c *disconnectCmd) apply(h *Hub) {
	cs, ok := h.clients[c.clientID]
	if !ok || cs.outbound != c.outbound {
		// Stale disconnect from a replaced connection.
		return
	}
	close(cs.outbound)
	cs.outbound = nil
	cs.lastSeenAt = time.Now()
	h.persistClient(cs)
	slog.Info("Client disconnected", "client_id", cs.id, "active_session", cs.activeSessionID)
}

type setActiveCmd struct {
	clientID  string
	sessionID string
}

func (c *setActiveCmd) apply(h *Hub) {
	cs, ok := h.clients[c.clientID]
	if !ok {
		slog.Warn("set_active_session for unknown client", "client_id", c.clientID)
		return
	}
	cs.lastSeenAt = time.Now()

	sessionID, err := index.NormalizeID(c.sessionID)
	if err != nil {
		h.enqueue(cs, &protocol.Message{
			Type:    protocol.TypeError,
			Message: "invalid session id",
		}, false)
		return
	}

	meta, exists := h.idx.Get(sessionID)
	if !exists {
		h.enqueue(cs, &protocol.Message{
			Type:      protocol.TypeError,
			SessionID: sessionID,
			Message:   "unknown session",
		}, false)
		return
	}

	if cs.activeSessionID != sessionID {
		if cs.activeSessionID != "" {
			h.decRef(cs.activeSessionID)
		}
		cs.activeSessionID = sessionID
		h.incRef(sessionID)
	}
	h.persistClient(cs)

	// History is read off the loop; the loaded result comes back as a
	// command, and the per-client FIFO guarantees the history reply lands
	// before any update that follows it.
	go h.loadHistory(cs.id, sessionID, meta.FilePath)
}

type clearActiveCmd struct {
	clientID string
}

func (c *clearActiveCmd) apply(h *Hub) {
	cs, ok := h.clients[c.clientID]
	if !ok {
		return
	}
	cs.lastSeenAt = time.Now()
	if cs.activeSessionID == "" {
		return
	}
	h.decRef(cs.activeSessionID)
	cs.activeSessionID = ""
	h.persistClient(cs)
}

type ackCmd struct {
	clientID  string
	messageID string
}

func (c *ackCmd) apply(h *Hub) {
	cs, ok := h.clients[c.clientID]
	if !ok {
		return
	}
	cs.lastSeenAt = time.Now()
	for i, um := range cs.undelivered {
		if um.ID == c.messageID {
			cs.undelivered = append(cs.undelivered[:i], cs.undelivered[i+1:]...)
			return
		}
	}
}

type applyLockCmd struct {
	sessionID string
	locked    bool
	reason    domain.LockReason
	version   *uint64
}

func (c *applyLockCmd) apply(h *Hub) {
	sessionID, err := index.NormalizeID(c.sessionID)
	if err != nil {
		slog.Warn("Lock update with invalid session id", "session_id", c.sessionID)
		return
	}

	var version uint64
	explicit := c.version != nil
	if explicit {
		version = *c.version
	}

	state, applied := h.locks.Apply(sessionID, c.locked, c.reason, version, explicit)
	if !applied {
		return
	}
	h.broadcastLockState(state)
}

type forceUnlockCmd struct {
	sessionID string
	reply     chan bool
}

func (c *forceUnlockCmd) apply(h *Hub) {
	sessionID, err := index.NormalizeID(c.sessionID)
	if err != nil {
		c.reply <- false
		return
	}
	state, ok := h.locks.ForceUnlock(sessionID)
	if ok {
		h.broadcastLockState(state)
	}
	c.reply <- ok
}

type summariesCmd struct {
	reply chan []protocol.SessionSummary
}

func (c *summariesCmd) apply(h *Hub) {
	c.reply <- h.sessionSummaries()
}

func (h *Hub) sessionSummaries() []protocol.SessionSummary {
	metas := h.idx.Snapshot()
	summaries := make([]protocol.SessionSummary, 0, len(metas))
	for _, meta := range metas {
		state := h.locks.Get(meta.ID)
		summaries = append(summaries, protocol.SessionSummary{
			SessionID:           meta.ID,
			WorkingDirectory:    meta.WorkingDirectory,
			VisibleMessageCount: meta.VisibleMessageCount,
			CreatedAt:           protocol.FormatTime(meta.CreatedAt),
			LastModifiedAt:      protocol.FormatTime(meta.LastModifiedAt),
			Locked:              state.IsLocked,
			LockVersion:         state.Version,
			LockReason:          string(state.Reason),
		})
	}
	return summaries
}
