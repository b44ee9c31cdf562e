package domain

import (
	"time"
)

// LockReason explains why a session is locked.
type LockReason string

const (
	LockReasonOptimistic     LockReason = "optimistic"
	LockReasonConfirmed      LockReason = "confirmed"
	LockReasonProcessingTurn LockReason = "processing_turn"
	LockReasonCompaction     LockReason = "compaction"
	LockReasonManual         LockReason = "manual"
)

// SessionLockState is the versioned "agent turn in progress" flag for one
// session. Versions are strictly monotonic; an update carrying a version at
// or below the stored one is stale and must be discarded.
type SessionLockState struct {
	SessionID string
	IsLocked  bool
	Version   uint64
	Reason    LockReason
	UpdatedAt time.Time
}
