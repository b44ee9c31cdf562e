package domain

import (
	"time"
)

// ClientRecord is the durable identity of a viewer client. The record
// outlives any single transport connection: disconnects null the transport
// but keep the record (and its active-session subscription) until the TTL
// sweep removes it.
type ClientRecord struct {
	ClientID        string
	ActiveSessionID string // empty means no active session
	LastSeenAt      time.Time
	CreatedAt       time.Time
}

// UndeliveredMessage is an outbound event pending client acknowledgment.
// Removed on message_ack, or dropped by the sweep once older than the
// configured retention window.
type UndeliveredMessage struct {
	ID         string
	ClientID   string
	Payload    []byte
	EnqueuedAt time.Time
}
