// Package lock tracks the versioned "agent turn in progress" state for each
// session. The registry is owned by the event loop; it carries no internal
// locking.
package lock

import (
	"log/slog"
	"time"

	"github.com/reifying/untethered/internal/domain"
)

// Registry holds per-session lock state. States are created implicitly on
// the first lock-affecting update and never deleted, only transitioned.
type Registry struct {
	states map[string]*domain.SessionLockState
}

// NewRegistry returns an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*domain.SessionLockState)}
}

// Get returns a copy of the current lock state for a session. A session
// never touched by a lock update reports unlocked at version zero.
func (r *Registry) Get(sessionID string) domain.SessionLockState {
	if s, ok := r.states[sessionID]; ok {
		return *s
	}
	return domain.SessionLockState{SessionID: sessionID}
}

// Apply attempts a lock transition. When explicit is false the transition is
// an optimistic local one and the registry assigns max(stored, version)+1.
// When explicit is true the supplied version is used as-is and the update is
// discarded unless strictly newer than the stored version; that rejection is
// what keeps a delayed "turn started" confirmation from re-locking a session
// a later "turn complete" already unlocked.
func (r *Registry) Apply(sessionID string, locked bool, reason domain.LockReason, version uint64, explicit bool) (domain.SessionLockState, bool) {
	state, ok := r.states[sessionID]
	if !ok {
		state = &domain.SessionLockState{SessionID: sessionID}
		r.states[sessionID] = state
	}

	newVersion := version
	if !explicit {
		newVersion = max(state.Version, version) + 1
	} else if version <= state.Version {
		slog.Debug("Discarding stale lock update",
			"session_id", sessionID,
			"stored_version", state.Version,
			"update_version", version,
			"locked", locked)
		return *state, false
	}

	state.IsLocked = locked
	state.Version = newVersion
	state.Reason = reason
	state.UpdatedAt = time.Now()
	return *state, true
}

// ForceUnlock bypasses version comparison for manual recovery from a stuck
// lock. It only acts on a currently locked session.
func (r *Registry) ForceUnlock(sessionID string) (domain.SessionLockState, bool) {
	state, ok := r.states[sessionID]
	if !ok || !state.IsLocked {
		slog.Warn("Force unlock requested for session that is not locked", "session_id", sessionID)
		if state != nil {
			return *state, false
		}
		return domain.SessionLockState{SessionID: sessionID}, false
	}

	state.IsLocked = false
	state.Version++
	state.Reason = domain.LockReasonManual
	state.UpdatedAt = time.Now()
	return *state, true
}
