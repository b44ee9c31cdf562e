// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/reifying/untethered/internal/domain"
)

// Repository persists the session index snapshot and durable client records.
type Repository interface {
	// LoadSessions reads the persisted session index snapshot.
	LoadSessions(ctx context.Context) ([]*domain.SessionMetadata, error)

	// ReplaceSessions atomically replaces the persisted snapshot.
	ReplaceSessions(ctx context.Context, sessions []*domain.SessionMetadata) error

	// LoadClients reads all durable client records.
	LoadClients(ctx context.Context) ([]*domain.ClientRecord, error)

	// UpsertClient creates or updates a client record.
	UpsertClient(ctx context.Context, client *domain.ClientRecord) error

	// DeleteClient removes a client record.
	DeleteClient(ctx context.Context, clientID string) error

	// DeleteExpiredClients removes clients not seen within ttl and returns
	// their IDs.
	DeleteExpiredClients(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
