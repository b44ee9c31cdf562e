package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		byte_offset INTEGER NOT NULL,
		visible_count INTEGER NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_modified ON sessions(last_modified_at);

	CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		active_session_id TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clients_last_seen ON clients(last_seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadSessions reads the persisted session index snapshot.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]*domain.SessionMetadata, error) {
	query := `
		SELECT session_id, file_path, byte_offset, visible_count,
		       working_dir, created_at, last_modified_at
		FROM sessions`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.SessionMetadata
	for rows.Next() {
		var meta domain.SessionMetadata
		var createdAt, modifiedAt int64

		if err := rows.Scan(
			&meta.ID, &meta.FilePath, &meta.ByteOffset, &meta.VisibleMessageCount,
			&meta.WorkingDirectory, &createdAt, &modifiedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		meta.CreatedAt = time.Unix(createdAt, 0)
		meta.LastModifiedAt = time.Unix(modifiedAt, 0)
		sessions = append(sessions, &meta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// ReplaceSessions atomically replaces the persisted snapshot in one
// transaction so a crash mid-persist never leaves a half-written index.
func (s *SQLiteStore) ReplaceSessions(ctx context.Context, sessions []*domain.SessionMetadata) error {
	return s.withConflictRetry(ctx, "replace sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}

		insert := `
			INSERT INTO sessions (
				session_id, file_path, byte_offset, visible_count,
				working_dir, created_at, last_modified_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, meta := range sessions {
			if _, err := tx.ExecContext(ctx, insert,
				meta.ID, meta.FilePath, meta.ByteOffset, meta.VisibleMessageCount,
				meta.WorkingDirectory, meta.CreatedAt.Unix(), meta.LastModifiedAt.Unix(),
			); err != nil {
				return fmt.Errorf("insert session %s: %w", meta.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit snapshot: %w", err)
		}
		return nil
	})
}

// LoadClients reads all durable client records.
func (s *SQLiteStore) LoadClients(ctx context.Context) ([]*domain.ClientRecord, error) {
	query := `SELECT client_id, active_session_id, last_seen_at, created_at FROM clients`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close client rows", "error", closeErr)
		}
	}()

	var clients []*domain.ClientRecord
	for rows.Next() {
		var rec domain.ClientRecord
		var activeSession sql.NullString
		var lastSeen, createdAt int64

		if err := rows.Scan(&rec.ClientID, &activeSession, &lastSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("scan client row: %w", err)
		}

		rec.ActiveSessionID = activeSession.String
		rec.LastSeenAt = time.Unix(lastSeen, 0)
		rec.CreatedAt = time.Unix(createdAt, 0)
		clients = append(clients, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}

	return clients, nil
}

// UpsertClient creates or updates a client record.
func (s *SQLiteStore) UpsertClient(ctx context.Context, client *domain.ClientRecord) error {
	query := `
		INSERT INTO clients (client_id, active_session_id, last_seen_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			active_session_id = excluded.active_session_id,
			last_seen_at = excluded.last_seen_at`

	var activeSession interface{}
	if client.ActiveSessionID != "" {
		activeSession = client.ActiveSessionID
	}

	return s.withConflictRetry(ctx, "upsert client", func() error {
		_, err := s.db.ExecContext(ctx, query,
			client.ClientID, activeSession,
			client.LastSeenAt.Unix(), client.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert client %s: %w", client.ClientID, err)
		}
		return nil
	})
}

// DeleteClient removes a client record.
func (s *SQLiteStore) DeleteClient(ctx context.Context, clientID string) error {
	return s.withConflictRetry(ctx, "delete client", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID); err != nil {
			return fmt.Errorf("delete client %s: %w", clientID, err)
		}
		return nil
	})
}

// DeleteExpiredClients removes clients not seen within ttl.
func (s *SQLiteStore) DeleteExpiredClients(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()

	rows, err := s.db.QueryContext(ctx, `SELECT client_id FROM clients WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired clients: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired client: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate expired clients: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close expired client rows", "error", err)
	}

	if len(expired) == 0 {
		return nil, nil
	}

	err = s.withConflictRetry(ctx, "delete expired clients", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE last_seen_at < ?`, threshold); err != nil {
			return fmt.Errorf("delete expired clients: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return expired, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withConflictRetry retries an operation with exponential backoff when
// SQLite reports a concurrency conflict (SQLITE_BUSY / locked).
func (s *SQLiteStore) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
