// Package index maintains the authoritative in-memory directory of
// per-session transcript metadata. The index has a single writer (the event
// loop); everything else reads through copies.
package index

import (
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/logstore"
	"github.com/reifying/untethered/internal/transcript"
)

// Validation thresholds: a persisted snapshot is trusted only if its session
// count is within countDriftLimit of a fresh scan and most of a small random
// sample of its file paths still exist.
const (
	countDriftLimit  = 0.10
	sampleLimit      = 10
	logFileExtension = ".jsonl"
)

// Index is the session metadata directory, keyed by lower-cased UUID.
type Index struct {
	sessions map[string]*domain.SessionMetadata
}

// New returns an empty index.
func New() *Index {
	return &Index{sessions: make(map[string]*domain.SessionMetadata)}
}

// NewFromSessions builds an index from persisted metadata, normalizing IDs.
func NewFromSessions(sessions []*domain.SessionMetadata) *Index {
	idx := New()
	for _, s := range sessions {
		id, err := NormalizeID(s.ID)
		if err != nil {
			slog.Warn("Dropping persisted session with invalid id", "session_id", s.ID, "error", err)
			continue
		}
		c := s.Clone()
		c.ID = id
		idx.sessions[id] = c
	}
	return idx
}

// NormalizeID canonicalizes a session UUID to its lower-cased string form.
// The agent and viewer clients generate UUIDs in different letter case; a
// case-sensitive key here silently breaks lookups for half the traffic.
func NormalizeID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("parse session id %q: %w", id, err)
	}
	return u.String(), nil
}

// SessionIDFromPath extracts the normalized session ID from a log file path.
// Returns false when the filename stem is not a syntactically valid UUID.
func SessionIDFromPath(path string) (string, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), logFileExtension)
	id, err := NormalizeID(stem)
	if err != nil {
		return "", false
	}
	return id, true
}

// Get looks up session metadata by ID in any letter case.
func (idx *Index) Get(id string) (*domain.SessionMetadata, bool) {
	norm, err := NormalizeID(id)
	if err != nil {
		return nil, false
	}
	meta, ok := idx.sessions[norm]
	return meta, ok
}

// Put inserts or replaces session metadata. The ID must already be
// normalized; callers inside the event loop only ever hold normalized IDs.
func (idx *Index) Put(meta *domain.SessionMetadata) {
	idx.sessions[meta.ID] = meta
}

// Delete removes a session from the index.
func (idx *Index) Delete(id string) {
	norm, err := NormalizeID(id)
	if err != nil {
		return
	}
	delete(idx.sessions, norm)
}

// Len returns the number of indexed sessions.
func (idx *Index) Len() int {
	return len(idx.sessions)
}

// Snapshot returns copies of all metadata, most recently modified first.
func (idx *Index) Snapshot() []*domain.SessionMetadata {
	out := make([]*domain.SessionMetadata, 0, len(idx.sessions))
	for _, meta := range idx.sessions {
		out = append(out, meta.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModifiedAt.Equal(out[j].LastModifiedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastModifiedAt.After(out[j].LastModifiedAt)
	})
	return out
}

// Validate checks a loaded index against the filesystem. It returns false
// (demanding a rebuild) when the session count has drifted more than 10%
// from a fresh scan, or when more than half of a random sample of indexed
// paths no longer exist.
func (idx *Index) Validate(store logstore.Store) bool {
	paths, err := store.List()
	if err != nil {
		slog.Warn("Index validation scan failed, forcing rebuild", "error", err)
		return false
	}

	onDisk := 0
	for _, p := range paths {
		if _, ok := SessionIDFromPath(p); ok {
			onDisk++
		}
	}

	indexed := len(idx.sessions)
	if onDisk == 0 && indexed == 0 {
		return true
	}

	larger := max(indexed, onDisk)
	drift := float64(larger-min(indexed, onDisk)) / float64(larger)
	if drift > countDriftLimit {
		slog.Info("Index count diverged from filesystem",
			"indexed", indexed,
			"on_disk", onDisk,
			"drift", drift)
		return false
	}

	sample := idx.samplePaths(sampleLimit)
	missing := 0
	for _, p := range sample {
		if !store.Exists(p) {
			missing++
		}
	}
	if len(sample) > 0 && missing*2 > len(sample) {
		slog.Info("Index sample references missing files",
			"sampled", len(sample),
			"missing", missing)
		return false
	}

	return true
}

func (idx *Index) samplePaths(limit int) []string {
	paths := make([]string, 0, len(idx.sessions))
	for _, meta := range idx.sessions {
		paths = append(paths, meta.FilePath)
	}
	rand.Shuffle(len(paths), func(i, j int) {
		paths[i], paths[j] = paths[j], paths[i]
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

// Rebuild scans the log tree and constructs a fresh index. Files whose
// names do not parse as UUIDs are skipped with a warning. Each session is
// registered at the file's current size: content already on disk at rebuild
// time is history, not new output.
func Rebuild(store logstore.Store) (*Index, error) {
	paths, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("scan log root: %w", err)
	}

	idx := New()
	skipped := 0
	for _, path := range paths {
		id, ok := SessionIDFromPath(path)
		if !ok {
			slog.Warn("Skipping log file with non-UUID name", "path", path)
			skipped++
			continue
		}

		meta, err := BuildMetadata(store, id, path)
		if err != nil {
			slog.Warn("Skipping unreadable log file", "path", path, "error", err)
			continue
		}
		idx.sessions[id] = meta
	}

	slog.Info("Index rebuilt", "sessions", idx.Len(), "skipped", skipped)
	return idx, nil
}

// BuildMetadata reads a log file in full and derives its session metadata.
// The byte offset is set to the file's current size: everything on disk at
// build time is history, never new output.
func BuildMetadata(store logstore.Store, id, path string) (*domain.SessionMetadata, error) {
	size, err := store.Size(path)
	if err != nil {
		return nil, err
	}

	data, err := store.ReadRange(path, 0, size)
	if err != nil {
		return nil, err
	}

	entries := transcript.Parse(data)
	visible := transcript.FilterVisible(entries)

	meta := &domain.SessionMetadata{
		ID:                  id,
		FilePath:            path,
		ByteOffset:          size,
		VisibleMessageCount: len(visible),
		CreatedAt:           time.Now(),
		LastModifiedAt:      time.Now(),
	}
	for _, e := range entries {
		if e.Cwd != "" {
			meta.WorkingDirectory = e.Cwd
			break
		}
	}
	if ts := firstTimestamp(entries); !ts.IsZero() {
		meta.CreatedAt = ts
	}
	if ts := lastTimestamp(entries); !ts.IsZero() {
		meta.LastModifiedAt = ts
	}
	return meta, nil
}

func firstTimestamp(entries []transcript.Entry) time.Time {
	for _, e := range entries {
		if t := parseTimestamp(e.Timestamp); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func lastTimestamp(entries []transcript.Entry) time.Time {
	for i := len(entries) - 1; i >= 0; i-- {
		if t := parseTimestamp(entries[i].Timestamp); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
