// Package ws provides the WebSocket endpoint bridging viewer clients to the
// event loop.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/hub"
	"github.com/reifying/untethered/internal/protocol"
)

const connectDeadline = 10 * time.Second

// Handler upgrades HTTP requests and speaks the bridge protocol.
type Handler struct {
	hub           *hub.Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new WebSocket handler.
func NewHandler(h *hub.Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		hub:           h,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := h.handshake(ctx, ws)
	if err != nil {
		slog.Warn("WebSocket handshake failed", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer h.hub.Disconnect(conn)

	var wg sync.WaitGroup
	wg.Add(2)

	// Outbound loop: event loop -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outboundLoop(ctx, ws, conn)
	}()

	// Inbound loop: client -> event loop.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inboundLoop(ctx, ws, conn)
	}()

	wg.Wait()
	slog.Info("WebSocket session ended", "client_id", conn.ClientID)
}

// handshake reads the initial connect message and registers the client.
func (h *Handler) handshake(ctx context.Context, ws *websocket.Conn) (*hub.Conn, error) {
	readCtx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		return nil, err
	}

	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeConnect {
		h.writeMessage(ws, &protocol.Message{
			Type:    protocol.TypeError,
			Message: "expected connect message",
		})
		return nil, errClientMisbehaved("first message was not connect")
	}

	conn, err := h.hub.Connect(ctx, msg.ClientID)
	if err != nil {
		h.writeMessage(ws, &protocol.Message{
			Type:    protocol.TypeError,
			Message: "invalid client id",
		})
		return nil, err
	}

	slog.Info("WebSocket client connected", "client_id", conn.ClientID)
	return conn, nil
}

type errClientMisbehaved string

func (e errClientMisbehaved) Error() string { return string(e) }

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// outboundLoop drains the client's FIFO queue onto the wire. The hub closes
// the channel when the connection is replaced or the client downgraded.
func (h *Handler) outboundLoop(ctx context.Context, ws *websocket.Conn, conn *hub.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-conn.Outbound:
			if !ok {
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("WebSocket write failed", "client_id", conn.ClientID, "error", err)
				return
			}
		}
	}
}

func (h *Handler) inboundLoop(ctx context.Context, ws *websocket.Conn, conn *hub.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "client_id", conn.ClientID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "client_id", conn.ClientID, "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			h.writeMessage(ws, &protocol.Message{
				Type:    protocol.TypeError,
				Message: "malformed message",
			})
			continue
		}

		h.dispatch(ws, conn, msg)
	}
}

func (h *Handler) dispatch(ws *websocket.Conn, conn *hub.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		h.writeMessage(ws, &protocol.Message{Type: protocol.TypePong})
	case protocol.TypeSetActiveSession:
		h.hub.SetActiveSession(conn.ClientID, msg.SessionID)
	case protocol.TypeClearActiveSession:
		h.hub.ClearActiveSession(conn.ClientID)
	case protocol.TypeMessageAck:
		h.hub.Ack(conn.ClientID, msg.MessageID)
	case protocol.TypeSessionLocked:
		h.hub.ApplyLock(msg.SessionID, true, lockReason(msg, domain.LockReasonProcessingTurn), msg.Version)
	case protocol.TypeTurnComplete:
		h.hub.ApplyLock(msg.SessionID, false, lockReason(msg, domain.LockReasonConfirmed), msg.Version)
	case protocol.TypeConnect:
		h.writeMessage(ws, &protocol.Message{
			Type:    protocol.TypeError,
			Message: "already connected",
		})
	default:
		h.writeMessage(ws, &protocol.Message{
			Type:    protocol.TypeError,
			Message: "unknown message type: " + msg.Type,
		})
	}
}

func lockReason(msg *protocol.Message, fallback domain.LockReason) domain.LockReason {
	if msg.Reason != "" {
		return domain.LockReason(msg.Reason)
	}
	if msg.Version == nil {
		return domain.LockReasonOptimistic
	}
	return fallback
}

// writeMessage sends a reply outside the hub's outbound queue. These are
// request-scoped replies (pong, protocol errors); the websocket library
// serializes concurrent writers.
func (h *Handler) writeMessage(ws *websocket.Conn, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write reply", "type", msg.Type, "error", err)
	}
}
