package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/index"
	"github.com/reifying/untethered/internal/lock"
	"github.com/reifying/untethered/internal/logstore"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/transcript"
	"github.com/reifying/untethered/internal/watcher"
)

// fakeWatches records watch activations instead of touching the filesystem.
type fakeWatches struct {
	mu      sync.Mutex
	offsets map[string]int64
	active  map[string]bool
}

func newFakeWatches() *fakeWatches {
	return &fakeWatches{offsets: make(map[string]int64), active: make(map[string]bool)}
}

func (f *fakeWatches) Activate(sessionID, path string, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets[sessionID] = offset
	f.active[sessionID] = true
}

func (f *fakeWatches) Deactivate(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[sessionID] = false
}

func (f *fakeWatches) isActive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionID]
}

func (f *fakeWatches) lastOffset(sessionID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offsets[sessionID]
}

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu       sync.Mutex
	sessions []*domain.SessionMetadata
	clients  map[string]*domain.ClientRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{clients: make(map[string]*domain.ClientRecord)}
}

func (r *fakeRepo) LoadSessions(ctx context.Context) ([]*domain.SessionMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.SessionMetadata(nil), r.sessions...), nil
}

func (r *fakeRepo) ReplaceSessions(ctx context.Context, sessions []*domain.SessionMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append([]*domain.SessionMetadata(nil), sessions...)
	return nil
}

func (r *fakeRepo) LoadClients(ctx context.Context) ([]*domain.ClientRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ClientRecord, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeRepo) UpsertClient(ctx context.Context, client *domain.ClientRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *client
	r.clients[client.ClientID] = &c
	return nil
}

func (r *fakeRepo) DeleteClient(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
	return nil
}

func (r *fakeRepo) DeleteExpiredClients(ctx context.Context, ttl time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	threshold := time.Now().Add(-ttl)
	var expired []string
	for id, c := range r.clients {
		if c.LastSeenAt.Before(threshold) {
			expired = append(expired, id)
			delete(r.clients, id)
		}
	}
	return expired, nil
}

func (r *fakeRepo) hasClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[clientID]
	return ok
}

func (r *fakeRepo) Ping(ctx context.Context) error { return nil }
func (r *fakeRepo) Close() error                   { return nil }

type fixture struct {
	hub     *Hub
	events  chan watcher.Event
	watches *fakeWatches
	repo    *fakeRepo
	root    string
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		DBPath:                "unused",
		LogRoot:               "unused",
		ClientTTL:             time.Hour,
		SweepInterval:         time.Hour,
		UndeliveredTTL:        time.Hour,
		UndeliveredQueueLimit: 256,
		EventQueueSize:        64,
		OutboundQueueSize:     64,
	}
}

// newFixture builds a running hub over root. Sessions already on disk are
// indexed; watcher events are injected through f.events.
func newFixture(t *testing.T, cfg *config.Config, root string, seed []*domain.ClientRecord) *fixture {
	t.Helper()

	logs := logstore.NewFSStore(root)
	idx, err := index.Rebuild(logs)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}

	f := &fixture{
		events:  make(chan watcher.Event, 64),
		watches: newFakeWatches(),
		repo:    newFakeRepo(),
		root:    root,
	}
	f.hub = New(cfg, idx, lock.NewRegistry(), f.repo, logs, f.watches, f.events, seed)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.hub.Run(ctx)
	return f
}

func writeSession(t *testing.T, root string, lines ...string) (string, string) {
	t.Helper()
	id := uuid.NewString()
	path := filepath.Join(root, id+".jsonl")
	var data string
	for _, l := range lines {
		data += l + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write session log: %v", err)
	}
	return id, path
}

func userLine(text string) string {
	return fmt.Sprintf(`{"type":"user","cwd":"/work","message":{"role":"user","content":%q}}`, text)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close log: %v", err)
	}
}

func connect(t *testing.T, f *fixture, clientID string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := f.hub.Connect(ctx, clientID)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return conn
}

func recv(t *testing.T, conn *Conn) *protocol.Message {
	t.Helper()
	select {
	case data, ok := <-conn.Outbound:
		if !ok {
			t.Fatalf("Outbound channel closed while expecting a message")
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Failed to decode outbound message: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a message")
	}
	return nil
}

func expectType(t *testing.T, conn *Conn, want string) *protocol.Message {
	t.Helper()
	msg := recv(t, conn)
	if msg.Type != want {
		t.Fatalf("Expected message type %q, got %q (%+v)", want, msg.Type, msg)
	}
	return msg
}

func expectNone(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case data, ok := <-conn.Outbound:
		if ok {
			t.Fatalf("Expected no message, got %s", data)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func drainUntilClosed(t *testing.T, conn *Conn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Outbound:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for outbound channel to close")
		}
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", desc)
}

func TestConnect_Welcome(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, userLine("hello"))
	f := newFixture(t, testConfig(), root, nil)

	conn := connect(t, f, uuid.NewString())

	welcome := expectType(t, conn, protocol.TypeConnected)
	if welcome.ClientID != conn.ClientID {
		t.Errorf("Expected welcome for %q, got %q", conn.ClientID, welcome.ClientID)
	}
	list := expectType(t, conn, protocol.TypeSessionList)
	if len(list.Sessions) != 1 {
		t.Errorf("Expected 1 session in list, got %d", len(list.Sessions))
	}
}

func TestConnect_InvalidClientID(t *testing.T) {
	f := newFixture(t, testConfig(), t.TempDir(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.hub.Connect(ctx, "not-a-uuid"); err == nil {
		t.Errorf("Expected error for malformed client id")
	}
}

func TestSetActiveSession_HistoryThenUpdates(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root,
		userLine("first"),
		`{"type":"system"}`,
		userLine("second"),
	)
	f := newFixture(t, testConfig(), root, nil)

	conn := connect(t, f, uuid.NewString())
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)

	f.hub.SetActiveSession(conn.ClientID, sessionID)

	history := expectType(t, conn, protocol.TypeSessionHistory)
	if history.SessionID != sessionID {
		t.Errorf("Expected history for %q, got %q", sessionID, history.SessionID)
	}
	if len(history.Entries) != 2 {
		t.Fatalf("Expected 2 visible history entries, got %d", len(history.Entries))
	}
	if history.Entries[0].Text != "first" || history.Entries[1].Text != "second" {
		t.Errorf("Expected history in file order, got %+v", history.Entries)
	}

	waitFor(t, "watch activation", func() bool { return f.watches.isActive(sessionID) })

	// New content lands after the history boundary.
	f.events <- watcher.Event{
		Type:      watcher.FileAppended,
		SessionID: sessionID,
		NewOffset: f.watches.lastOffset(sessionID) + 100,
		Entries:   transcript.Parse([]byte(userLine("third"))),
	}

	update := expectType(t, conn, protocol.TypeSessionUpdated)
	if update.SessionID != sessionID {
		t.Errorf("Expected update for %q, got %q", sessionID, update.SessionID)
	}
	if len(update.NewEntries) != 1 || update.NewEntries[0].Text != "third" {
		t.Errorf("Expected only the new entry, got %+v", update.NewEntries)
	}
	if update.MessageID == "" {
		t.Errorf("Expected update to carry a message id for acknowledgment")
	}
}

func TestSetActiveSession_UnknownSession(t *testing.T) {
	f := newFixture(t, testConfig(), t.TempDir(), nil)

	conn := connect(t, f, uuid.NewString())
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)

	f.hub.SetActiveSession(conn.ClientID, uuid.NewString())

	errMsg := expectType(t, conn, protocol.TypeError)
	if errMsg.Message != "unknown session" {
		t.Errorf("Expected unknown session error, got %q", errMsg.Message)
	}
}

func TestSwitchingSessionsMovesWatch(t *testing.T) {
	root := t.TempDir()
	first, _ := writeSession(t, root, userLine("a"))
	second, _ := writeSession(t, root, userLine("b"))
	f := newFixture(t, testConfig(), root, nil)

	conn := connect(t, f, uuid.NewString())
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)

	f.hub.SetActiveSession(conn.ClientID, first)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "first watch", func() bool { return f.watches.isActive(first) })

	f.hub.SetActiveSession(conn.ClientID, second)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "watch handover", func() bool {
		return !f.watches.isActive(first) && f.watches.isActive(second)
	})

	f.hub.ClearActiveSession(conn.ClientID)
	waitFor(t, "watch release", func() bool { return !f.watches.isActive(second) })
}

// A freshly created session emits nothing while the agent writes warmup
// records, then exactly one announcement once visible content appears.
func TestNewSessionStaysQuietUntilVisible(t *testing.T) {
	root := t.TempDir()
	f := newFixture(t, testConfig(), root, nil)

	conn := connect(t, f, uuid.NewString())
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)

	// The agent creates the file with warmup records only.
	sessionID, path := writeSession(t, root,
		`{"type":"user","isMeta":true,"message":{"role":"user","content":"caveat"}}`,
		`{"type":"system","subtype":"init"}`,
	)
	f.events <- watcher.Event{Type: watcher.FileCreated, Path: path}

	waitFor(t, "discovery watch", func() bool { return f.watches.isActive(sessionID) })
	expectNone(t, conn)

	// More internal records: offset moves, nothing is announced.
	f.events <- watcher.Event{
		Type:      watcher.FileAppended,
		SessionID: sessionID,
		NewOffset: f.watches.lastOffset(sessionID) + 50,
		Entries:   transcript.Parse([]byte(`{"type":"file-history-snapshot"}`)),
	}
	expectNone(t, conn)

	// First visible content: exactly one announcement.
	f.events <- watcher.Event{
		Type:      watcher.FileAppended,
		SessionID: sessionID,
		NewOffset: f.watches.lastOffset(sessionID) + 150,
		Entries:   transcript.Parse([]byte(userLine("hello agent"))),
	}

	created := expectType(t, conn, protocol.TypeSessionCreated)
	if created.SessionID != sessionID {
		t.Errorf("Expected announcement for %q, got %q", sessionID, created.SessionID)
	}
	if created.VisibleMessageCount != 1 {
		t.Errorf("Expected 1 visible message, got %d", created.VisibleMessageCount)
	}
	if created.MessageID == "" {
		t.Errorf("Expected tracked announcement with a message id")
	}
	expectNone(t, conn)
}

// Messages produced while a client is offline are replayed in order on
// reconnect and stay queued until acknowledged.
func TestReconnectReplaysMissedUpdates(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "watch activation", func() bool { return f.watches.isActive(sessionID) })

	f.hub.Disconnect(conn)
	drainUntilClosed(t, conn)

	// Three turns land while the client is away.
	offset := f.watches.lastOffset(sessionID)
	for i := 0; i < 3; i++ {
		offset += 100
		f.events <- watcher.Event{
			Type:      watcher.FileAppended,
			SessionID: sessionID,
			NewOffset: offset,
			Entries:   transcript.Parse([]byte(userLine(fmt.Sprintf("missed %d", i)))),
		}
	}

	conn = connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	restored := expectType(t, conn, protocol.TypeActiveSessionRestored)
	if restored.SessionID != sessionID {
		t.Errorf("Expected restored session %q, got %q", sessionID, restored.SessionID)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		update := expectType(t, conn, protocol.TypeSessionUpdated)
		want := fmt.Sprintf("missed %d", i)
		if len(update.NewEntries) != 1 || update.NewEntries[0].Text != want {
			t.Errorf("Expected replay %d to carry %q, got %+v", i, want, update.NewEntries)
		}
		ids = append(ids, update.MessageID)
	}
	expectNone(t, conn)

	// Acknowledge everything; the next reconnect replays nothing.
	for _, id := range ids {
		f.hub.Ack(clientID, id)
	}
	f.hub.Disconnect(conn)
	drainUntilClosed(t, conn)

	conn = connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	expectType(t, conn, protocol.TypeActiveSessionRestored)
	expectNone(t, conn)
}

func TestUndeliveredOverflowDropsOldest(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	cfg := testConfig()
	cfg.UndeliveredQueueLimit = 3
	f := newFixture(t, cfg, root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "watch activation", func() bool { return f.watches.isActive(sessionID) })

	f.hub.Disconnect(conn)
	drainUntilClosed(t, conn)

	offset := f.watches.lastOffset(sessionID)
	for i := 0; i < 5; i++ {
		offset += 100
		f.events <- watcher.Event{
			Type:      watcher.FileAppended,
			SessionID: sessionID,
			NewOffset: offset,
			Entries:   transcript.Parse([]byte(userLine(fmt.Sprintf("msg %d", i)))),
		}
	}

	conn = connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	expectType(t, conn, protocol.TypeActiveSessionRestored)

	// Only the newest three survive.
	for i := 2; i < 5; i++ {
		update := expectType(t, conn, protocol.TypeSessionUpdated)
		want := fmt.Sprintf("msg %d", i)
		if len(update.NewEntries) != 1 || update.NewEntries[0].Text != want {
			t.Errorf("Expected %q after overflow, got %+v", want, update.NewEntries)
		}
	}
	expectNone(t, conn)
}

// Entries appended while a session was unwatched arrive once, in the history
// reply, never again as an update. Runs the real watcher so the reader's
// initial poll races the history read the way it does in production.
func TestSubscribeAfterGrowthDeliversOnce(t *testing.T) {
	root := t.TempDir()
	sessionID, path := writeSession(t, root, userLine("one"))

	logs := logstore.NewFSStore(root)
	idx, err := index.Rebuild(logs)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}
	w, err := watcher.New(logs, 64)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	t.Cleanup(w.Close)

	h := New(testConfig(), idx, lock.NewRegistry(), newFakeRepo(), logs, w, w.Events(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	// The file grows while nothing watches it.
	appendLine(t, path, userLine("two"))

	ctxConn, cancelConn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelConn()
	conn, err := h.Connect(ctxConn, uuid.NewString())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)

	h.SetActiveSession(conn.ClientID, sessionID)
	history := expectType(t, conn, protocol.TypeSessionHistory)
	if len(history.Entries) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history.Entries))
	}
	if history.Entries[0].Text != "one" || history.Entries[1].Text != "two" {
		t.Errorf("Expected full history in order, got %+v", history.Entries)
	}

	// The grown entry must not come back as an update.
	expectNone(t, conn)

	// Later appends arrive exactly once.
	appendLine(t, path, userLine("three"))
	update := expectType(t, conn, protocol.TypeSessionUpdated)
	if len(update.NewEntries) != 1 || update.NewEntries[0].Text != "three" {
		t.Errorf("Expected only the new entry, got %+v", update.NewEntries)
	}
	expectNone(t, conn)
}

// A reader wake that raced the history load reports an offset the history
// reply already covered; those entries must not be routed again.
func TestStaleAppendEventIsDropped(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "watch activation", func() bool { return f.watches.isActive(sessionID) })

	f.events <- watcher.Event{
		Type:      watcher.FileAppended,
		SessionID: sessionID,
		NewOffset: f.watches.lastOffset(sessionID),
		Entries:   transcript.Parse([]byte(userLine("history"))),
	}
	expectNone(t, conn)
}

func TestRemovedSessionNotifiesSubscriber(t *testing.T) {
	root := t.TempDir()
	sessionID, path := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "watch activation", func() bool { return f.watches.isActive(sessionID) })

	f.events <- watcher.Event{Type: watcher.FileRemoved, SessionID: sessionID, Path: path}

	gone := expectType(t, conn, protocol.TypeError)
	if gone.SessionID != sessionID || gone.Message != "session log removed" {
		t.Errorf("Expected removal notice for %q, got %+v", sessionID, gone)
	}
	waitFor(t, "watch release", func() bool { return !f.watches.isActive(sessionID) })

	// The subscription is gone with the session.
	f.hub.SetActiveSession(clientID, sessionID)
	unknown := expectType(t, conn, protocol.TypeError)
	if unknown.Message != "unknown session" {
		t.Errorf("Expected unknown session after removal, got %q", unknown.Message)
	}
}

func TestShutdownUnblocksCallers(t *testing.T) {
	root := t.TempDir()
	logs := logstore.NewFSStore(root)
	idx, err := index.Rebuild(logs)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}
	h := New(testConfig(), idx, lock.NewRegistry(), newFakeRepo(), logs, newFakeWatches(), make(chan watcher.Event), nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Event loop did not stop")
	}

	if _, err := h.SessionSummaries(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after shutdown, got %v", err)
	}

	// Fire-and-forget posts return instead of blocking forever.
	posted := make(chan struct{})
	go func() {
		h.SetActiveSession(uuid.NewString(), uuid.NewString())
		close(posted)
	}()
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Errorf("Expected post after shutdown to return")
	}
}

func TestLockBroadcast(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)

	v1, v2 := uint64(1), uint64(2)
	f.hub.ApplyLock(sessionID, true, domain.LockReasonProcessingTurn, &v1)

	locked := expectType(t, conn, protocol.TypeSessionLocked)
	if locked.Locked == nil || !*locked.Locked {
		t.Errorf("Expected locked=true, got %+v", locked.Locked)
	}
	if locked.Version == nil || *locked.Version != 1 {
		t.Errorf("Expected version 1, got %+v", locked.Version)
	}
	if locked.Reason != string(domain.LockReasonProcessingTurn) {
		t.Errorf("Expected processing_turn reason, got %q", locked.Reason)
	}

	f.hub.ApplyLock(sessionID, false, domain.LockReasonConfirmed, &v2)
	complete := expectType(t, conn, protocol.TypeTurnComplete)
	if complete.Version == nil || *complete.Version != 2 {
		t.Errorf("Expected version 2, got %+v", complete.Version)
	}

	// A late lock for the already-completed turn is swallowed.
	f.hub.ApplyLock(sessionID, true, domain.LockReasonProcessingTurn, &v1)
	expectNone(t, conn)
}

func TestForceUnlock(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)

	v5 := uint64(5)
	f.hub.ApplyLock(sessionID, true, domain.LockReasonProcessingTurn, &v5)
	expectType(t, conn, protocol.TypeSessionLocked)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := f.hub.ForceUnlock(ctx, sessionID)
	if err != nil {
		t.Fatalf("ForceUnlock failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected force unlock to act on a locked session")
	}

	complete := expectType(t, conn, protocol.TypeTurnComplete)
	if complete.Version == nil || *complete.Version != 6 {
		t.Errorf("Expected version bump past 5, got %+v", complete.Version)
	}

	// Second force unlock has nothing to do.
	ok, err = f.hub.ForceUnlock(ctx, sessionID)
	if err != nil {
		t.Fatalf("ForceUnlock failed: %v", err)
	}
	if ok {
		t.Errorf("Expected second force unlock to be a no-op")
	}
}

func TestSweepExpiresIdleClients(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	cfg := testConfig()
	cfg.ClientTTL = 50 * time.Millisecond
	cfg.SweepInterval = 25 * time.Millisecond
	f := newFixture(t, cfg, root, nil)

	clientID := uuid.NewString()
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	f.hub.SetActiveSession(clientID, sessionID)
	expectType(t, conn, protocol.TypeSessionHistory)
	waitFor(t, "watch activation", func() bool { return f.watches.isActive(sessionID) })
	waitFor(t, "client persisted", func() bool { return f.repo.hasClient(clientID) })

	f.hub.Disconnect(conn)
	drainUntilClosed(t, conn)

	waitFor(t, "client expiry", func() bool { return !f.repo.hasClient(clientID) })
	waitFor(t, "watch release", func() bool { return !f.watches.isActive(sessionID) })
}

func TestRestartRestoresSubscriptions(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))

	clientID := uuid.NewString()
	seed := []*domain.ClientRecord{{
		ClientID:        clientID,
		ActiveSessionID: sessionID,
		LastSeenAt:      time.Now(),
		CreatedAt:       time.Now().Add(-time.Hour),
	}}
	f := newFixture(t, testConfig(), root, seed)

	// The seeded subscription re-activates its watch without any client
	// connecting.
	waitFor(t, "restored watch", func() bool { return f.watches.isActive(sessionID) })

	// The returning client is recognized and restored.
	conn := connect(t, f, clientID)
	expectType(t, conn, protocol.TypeConnected)
	expectType(t, conn, protocol.TypeSessionList)
	restored := expectType(t, conn, protocol.TypeActiveSessionRestored)
	if restored.SessionID != sessionID {
		t.Errorf("Expected restored session %q, got %q", sessionID, restored.SessionID)
	}
}

func TestSessionSummariesCarryLockState(t *testing.T) {
	root := t.TempDir()
	sessionID, _ := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	v3 := uint64(3)
	f.hub.ApplyLock(sessionID, true, domain.LockReasonProcessingTurn, &v3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitFor(t, "lock visible in summaries", func() bool {
		summaries, err := f.hub.SessionSummaries(ctx)
		if err != nil {
			return false
		}
		for _, s := range summaries {
			if s.SessionID == sessionID {
				return s.Locked && s.LockVersion == 3
			}
		}
		return false
	})
}

func TestRemovedSessionLeavesIndex(t *testing.T) {
	root := t.TempDir()
	sessionID, path := writeSession(t, root, userLine("history"))
	f := newFixture(t, testConfig(), root, nil)

	f.events <- watcher.Event{Type: watcher.FileRemoved, SessionID: sessionID, Path: path}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitFor(t, "session removal", func() bool {
		summaries, err := f.hub.SessionSummaries(ctx)
		if err != nil {
			return false
		}
		for _, s := range summaries {
			if s.SessionID == sessionID {
				return false
			}
		}
		return true
	})
}
