// Package domain holds the core data model shared across packages.
package domain

import (
	"time"
)

// SessionMetadata describes one conversation transcript file. The session ID
// is the lower-cased UUID stem of the log filename; all lookups normalize to
// that form before touching the index.
type SessionMetadata struct {
	ID                  string
	FilePath            string
	ByteOffset          int64
	VisibleMessageCount int
	WorkingDirectory    string
	CreatedAt           time.Time
	LastModifiedAt      time.Time
}

// Clone returns a copy safe to hand outside the owning event loop.
func (m *SessionMetadata) Clone() *SessionMetadata {
	c := *m
	return &c
}
