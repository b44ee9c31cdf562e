package hub

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/protocol"
)

// enqueue serializes a message and hands it to the client's outbound FIFO.
// Tracked messages get an ID and sit in the undelivered queue until the
// client acknowledges them; for a disconnected client that queue is the only
// destination. A full outbound queue means the transport has stalled: the
// client is downgraded to disconnected rather than allowed to stall the
// event loop, and tracked messages survive in the undelivered queue for
// replay.
func (h *Hub) enqueue(cs *clientState, msg *protocol.Message, tracked bool) {
	if tracked {
		msg.MessageID = uuid.NewString()
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode outbound message", "type", msg.Type, "error", err)
		return
	}

	if tracked {
		cs.undelivered = append(cs.undelivered, &domain.UndeliveredMessage{
			ID:         msg.MessageID,
			ClientID:   cs.id,
			Payload:    data,
			EnqueuedAt: time.Now(),
		})
		if len(cs.undelivered) > h.cfg.UndeliveredQueueLimit {
			dropped := cs.undelivered[0]
			cs.undelivered = cs.undelivered[1:]
			slog.Warn("Undelivered queue overflow, dropping oldest",
				"client_id", cs.id,
				"dropped_message_id", dropped.ID)
		}
	}

	if cs.outbound == nil {
		return
	}

	select {
	case cs.outbound <- data:
	default:
		slog.Warn("Outbound queue full, downgrading client to disconnected", "client_id", cs.id)
		close(cs.outbound)
		cs.outbound = nil
		cs.lastSeenAt = time.Now()
	}
}

// replayUndelivered re-sends every pending message in FIFO order. Messages
// stay queued until acknowledged.
func (h *Hub) replayUndelivered(cs *clientState) {
	if len(cs.undelivered) == 0 {
		return
	}
	slog.Info("Replaying undelivered messages", "client_id", cs.id, "count", len(cs.undelivered))
	for _, um := range cs.undelivered {
		if cs.outbound == nil {
			return
		}
		select {
		case cs.outbound <- um.Payload:
		default:
			slog.Warn("Outbound queue full during replay", "client_id", cs.id)
			close(cs.outbound)
			cs.outbound = nil
			cs.lastSeenAt = time.Now()
			return
		}
	}
}

// routeToSubscribers delivers an event only to clients whose active session
// matches. Each client UI shows exactly one conversation; wider fan-out is
// wasted bandwidth.
func (h *Hub) routeToSubscribers(sessionID string, msg *protocol.Message) {
	for _, cs := range h.clients {
		if cs.activeSessionID != sessionID {
			continue
		}
		h.enqueue(cs, msg, true)
	}
}

// broadcastSessionCreated announces a session's first visible content to
// every known client.
func (h *Hub) broadcastSessionCreated(sessionID, workingDirectory string, visibleCount int) {
	msg := &protocol.Message{
		Type:                protocol.TypeSessionCreated,
		SessionID:           sessionID,
		WorkingDirectory:    workingDirectory,
		VisibleMessageCount: visibleCount,
	}
	for _, cs := range h.clients {
		h.enqueue(cs, msg, true)
	}
}

// broadcastLockState tells subscribers of a session about an applied lock
// transition. Lock messages are not ack-tracked: only the latest state
// matters and a reconnecting client gets it from the session list snapshot.
func (h *Hub) broadcastLockState(state domain.SessionLockState) {
	version := state.Version
	var msg *protocol.Message
	if state.IsLocked {
		locked := true
		msg = &protocol.Message{
			Type:      protocol.TypeSessionLocked,
			SessionID: state.SessionID,
			Locked:    &locked,
			Reason:    string(state.Reason),
			Version:   &version,
		}
	} else {
		msg = &protocol.Message{
			Type:      protocol.TypeTurnComplete,
			SessionID: state.SessionID,
			Version:   &version,
		}
	}

	for _, cs := range h.clients {
		if cs.activeSessionID != state.SessionID {
			continue
		}
		h.enqueue(cs, msg, false)
	}
}
