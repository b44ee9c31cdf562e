// Package protocol defines the wire message envelope exchanged with viewer
// clients. Field names are part of the client compatibility contract.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/reifying/untethered/internal/transcript"
)

// Message types. Inbound: connect, set_active_session, clear_active_session,
// session_locked, turn_complete, message_ack, ping. Outbound: the rest.
const (
	TypeConnect               = "connect"
	TypeConnected             = "connected"
	TypeSessionList           = "session_list"
	TypeSetActiveSession      = "set_active_session"
	TypeClearActiveSession    = "clear_active_session"
	TypeSessionHistory        = "session_history"
	TypeSessionCreated        = "session_created"
	TypeSessionUpdated        = "session_updated"
	TypeSessionLocked         = "session_locked"
	TypeTurnComplete          = "turn_complete"
	TypeActiveSessionRestored = "active_session_restored"
	TypeMessageAck            = "message_ack"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Message is the single envelope for all wire traffic. Unused fields are
// omitted per message type.
type Message struct {
	Type                string             `json:"type"`
	ClientID            string             `json:"clientId,omitempty"`
	SessionID           string             `json:"sessionId,omitempty"`
	MessageID           string             `json:"messageId,omitempty"`
	WorkingDirectory    string             `json:"workingDirectory,omitempty"`
	VisibleMessageCount int                `json:"visibleMessageCount,omitempty"`
	Locked              *bool              `json:"locked,omitempty"`
	Reason              string             `json:"reason,omitempty"`
	Version             *uint64            `json:"version,omitempty"`
	Sessions            []SessionSummary   `json:"sessions,omitempty"`
	NewEntries          []transcript.Entry `json:"newEntries,omitempty"`
	Entries             []transcript.Entry `json:"entries,omitempty"`
	Message             string             `json:"message,omitempty"`
}

// SessionSummary is one session's metadata in a session_list snapshot.
type SessionSummary struct {
	SessionID           string `json:"sessionId"`
	WorkingDirectory    string `json:"workingDirectory"`
	VisibleMessageCount int    `json:"visibleMessageCount"`
	CreatedAt           string `json:"createdAt"`
	LastModifiedAt      string `json:"lastModifiedAt"`
	Locked              bool   `json:"locked"`
	LockVersion         uint64 `json:"lockVersion,omitempty"`
	LockReason          string `json:"lockReason,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FormatTime renders timestamps the way clients expect.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
