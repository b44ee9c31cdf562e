// Package hub runs the event loop that owns all mutable bridge state: the
// session index, the client/subscription table, and the lock registry. Every
// mutation flows through one goroutine via a command channel; with a single
// writer, nothing in this package needs a lock.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/domain"
	"github.com/reifying/untethered/internal/index"
	"github.com/reifying/untethered/internal/lock"
	"github.com/reifying/untethered/internal/logstore"
	"github.com/reifying/untethered/internal/store"
	"github.com/reifying/untethered/internal/watcher"
)

// WatchController is the slice of the log watcher the hub drives. Watch
// activation follows subscription reference counts, never the other way
// around.
type WatchController interface {
	Activate(sessionID, path string, offset int64)
	Deactivate(sessionID string)
}

// clientState is one durable client identity and its live-connection state.
// The record survives transport loss; only the TTL sweep removes it.
type clientState struct {
	id              string
	activeSessionID string
	lastSeenAt      time.Time
	createdAt       time.Time

	// outbound is the live transport's FIFO send queue, nil while
	// disconnected. Channel identity doubles as the connection identity.
	outbound chan []byte

	undelivered []*domain.UndeliveredMessage
}

// Hub is the event-loop actor.
type Hub struct {
	cfg     *config.Config
	idx     *index.Index
	locks   *lock.Registry
	repo    store.Repository
	logs    logstore.Store
	watches WatchController

	commands      chan command
	watcherEvents <-chan watcher.Event

	// done is closed when Run returns so posters never block against a
	// loop that is no longer draining.
	done chan struct{}

	clients   map[string]*clientState
	refCounts map[string]int

	// discovery holds sessions watched because they were just created,
	// before any client subscribed. The sweep retires these once idle so
	// watch fan-out stays bounded by interest.
	discovery map[string]bool
}

// New constructs a Hub. seedClients restores durable client records from the
// repository so subscriptions survive a server restart.
func New(cfg *config.Config, idx *index.Index, locks *lock.Registry, repo store.Repository, logs logstore.Store, watches WatchController, events <-chan watcher.Event, seedClients []*domain.ClientRecord) *Hub {
	h := &Hub{
		cfg:           cfg,
		idx:           idx,
		locks:         locks,
		repo:          repo,
		logs:          logs,
		watches:       watches,
		commands:      make(chan command, cfg.EventQueueSize),
		watcherEvents: events,
		done:          make(chan struct{}),
		clients:       make(map[string]*clientState),
		refCounts:     make(map[string]int),
		discovery:     make(map[string]bool),
	}

	for _, rec := range seedClients {
		h.clients[rec.ClientID] = &clientState{
			id:              rec.ClientID,
			activeSessionID: rec.ActiveSessionID,
			lastSeenAt:      rec.LastSeenAt,
			createdAt:       rec.CreatedAt,
		}
	}

	return h
}

// Run processes commands, watcher events, and sweep ticks until ctx is
// cancelled. It must be the only goroutine touching hub state.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.restoreSubscriptions()

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.persistIndex()
			slog.Info("Event loop stopped", "reason", ctx.Err())
			return
		case cmd := <-h.commands:
			cmd.apply(h)
		case ev := <-h.watcherEvents:
			h.handleWatcherEvent(ev)
		case <-ticker.C:
			h.sweep()
		}
	}
}

// restoreSubscriptions rebuilds reference counts from seeded client records
// and re-activates watches their sessions need.
func (h *Hub) restoreSubscriptions() {
	for _, cs := range h.clients {
		if cs.activeSessionID == "" {
			continue
		}
		h.refCounts[cs.activeSessionID]++
	}
	for sessionID, count := range h.refCounts {
		if count == 0 {
			continue
		}
		if meta, ok := h.idx.Get(sessionID); ok {
			h.watches.Activate(sessionID, meta.FilePath, meta.ByteOffset)
		}
	}
	if len(h.refCounts) > 0 {
		slog.Info("Restored subscriptions", "sessions", len(h.refCounts), "clients", len(h.clients))
	}
}

// incRef counts a new subscriber. The watch itself is activated by the
// history load that follows every subscription: activating here, at the
// pre-history offset, would have the reader re-deliver bytes the history
// reply already covers.
func (h *Hub) incRef(sessionID string) {
	h.refCounts[sessionID]++
	delete(h.discovery, sessionID)
}

// decRef drops a subscriber and deactivates the watch at zero.
func (h *Hub) decRef(sessionID string) {
	count, ok := h.refCounts[sessionID]
	if !ok {
		return
	}
	if count <= 1 {
		delete(h.refCounts, sessionID)
		if !h.discovery[sessionID] {
			h.watches.Deactivate(sessionID)
		}
		return
	}
	h.refCounts[sessionID] = count - 1
}

// sweep removes expired client records, prunes stale undelivered messages,
// retires idle discovery watches, and persists the index snapshot.
func (h *Hub) sweep() {
	now := time.Now()

	for id, cs := range h.clients {
		if cs.outbound != nil {
			continue
		}
		if now.Sub(cs.lastSeenAt) < h.cfg.ClientTTL {
			continue
		}

		slog.Info("Removing expired client", "client_id", id, "last_seen", cs.lastSeenAt)
		if cs.activeSessionID != "" {
			h.decRef(cs.activeSessionID)
		}
		delete(h.clients, id)
		go h.deleteClientRecord(id)
	}

	for _, cs := range h.clients {
		h.pruneUndelivered(cs, now)
	}

	for sessionID := range h.discovery {
		if h.refCounts[sessionID] > 0 {
			delete(h.discovery, sessionID)
			continue
		}
		h.watches.Deactivate(sessionID)
		delete(h.discovery, sessionID)
		slog.Debug("Retired idle discovery watch", "session_id", sessionID)
	}

	h.persistIndex()
}

// pruneUndelivered drops messages older than the retention window.
func (h *Hub) pruneUndelivered(cs *clientState, now time.Time) {
	kept := cs.undelivered[:0]
	dropped := 0
	for _, um := range cs.undelivered {
		if now.Sub(um.EnqueuedAt) > h.cfg.UndeliveredTTL {
			dropped++
			continue
		}
		kept = append(kept, um)
	}
	cs.undelivered = kept
	if dropped > 0 {
		slog.Debug("Dropped abandoned undelivered messages", "client_id", cs.id, "count", dropped)
	}
}

// persistIndex writes the current snapshot to the repository off the loop.
func (h *Hub) persistIndex() {
	snapshot := h.idx.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.repo.ReplaceSessions(ctx, snapshot); err != nil {
			slog.Error("Failed to persist session index", "error", err)
		}
	}()
}

// persistClient mirrors a client's durable fields to the repository.
func (h *Hub) persistClient(cs *clientState) {
	rec := &domain.ClientRecord{
		ClientID:        cs.id,
		ActiveSessionID: cs.activeSessionID,
		LastSeenAt:      cs.lastSeenAt,
		CreatedAt:       cs.createdAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpsertClient(ctx, rec); err != nil {
			slog.Warn("Failed to persist client record", "client_id", rec.ClientID, "error", err)
		}
	}()
}

func (h *Hub) deleteClientRecord(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.DeleteClient(ctx, clientID); err != nil {
		slog.Warn("Failed to delete client record", "client_id", clientID, "error", err)
	}
}
