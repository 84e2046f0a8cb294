package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	clk "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/store"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

// entry is one live Session plus the bookkeeping the Registry needs
// to evict it and to route a websocket reconnect to the right loop.
type entry struct {
	session  *Session
	cancel   context.CancelFunc
	lastSeen time.Time
}

// Config holds the Registry's lifecycle tunables (warm/cold
// session TTLs, command queue depth).
type Config struct {
	TTLWarm          time.Duration
	TTLCold          time.Duration
	CommandQueueSize int
}

// Registry is the Session Registry: the dual user_id/session_id index
// over live Sessions, their rehydration from the Persistence Adapter
// on a miss, and the eviction sweep that trims idle Sessions down to
// a cold (unloaded) state.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*entry
	byUserID map[string]*entry

	cfg         Config
	clock       clk.Clock
	store       store.SnapshotStore
	writeBehind *store.WriteBehindAdapter
	feed        *broker.Client
	paperEngine *trading.Engine
	logger      zerolog.Logger
}

// NewRegistry builds a Registry around its collaborators. The
// WriteBehindAdapter must be constructed with this Registry as its
// SnapshotSource (see store.NewWriteBehindAdapter), so wiring happens
// in the caller: build the Registry, then the adapter, then call
// SetWriteBehind.
func NewRegistry(cfg Config, clock clk.Clock, snapshotStore store.SnapshotStore, feed *broker.Client, paperEngine *trading.Engine, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:        make(map[string]*entry),
		byUserID:    make(map[string]*entry),
		cfg:         cfg,
		clock:       clock,
		store:       snapshotStore,
		feed:        feed,
		paperEngine: paperEngine,
		logger:      logger,
	}
}

// SetWriteBehind wires the Persistence Adapter's background flusher
// after construction, breaking the Registry/WriteBehindAdapter
// initialization cycle.
func (r *Registry) SetWriteBehind(wb *store.WriteBehindAdapter) {
	r.writeBehind = wb
}

// GetOrCreate returns the live Session for userID, rehydrating it from
// the Persistence Adapter (or starting a fresh one) if none is running.
func (r *Registry) GetOrCreate(ctx context.Context, userID string, creds broker.Credentials) (*Session, error) {
	r.mu.RLock()
	if e, ok := r.byUserID[userID]; ok {
		r.mu.RUnlock()
		r.touch(e)
		return e.session, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byUserID[userID]; ok {
		r.touch(e)
		return e.session, nil
	}

	snapshot, err := r.loadOrNew(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := New(snapshot, Deps{
		Clock:       r.clock,
		PaperEngine: r.paperEngine,
		Feed:        r.feed,
		Creds:       creds,
		OnDirty:     r.markDirty,
		Logger:      r.logger,
		QueueSize:   r.cfg.CommandQueueSize,
	})

	if r.feed != nil {
		r.feed.RegisterSink(sess)
		if len(snapshot.Watchlist) > 0 {
			keys := make([]models.InstrumentKey, len(snapshot.Watchlist))
			for i, w := range snapshot.Watchlist {
				keys[i] = w.Instrument.Key()
			}
			r.feed.Subscribe(sess.SessionID(), creds, keys)
		}
	}

	e := &entry{session: sess, cancel: cancel, lastSeen: r.clock.NowWall()}
	r.byID[sess.SessionID()] = e
	r.byUserID[userID] = e

	go sess.Run(sessCtx)

	return sess, nil
}

func (r *Registry) loadOrNew(ctx context.Context, userID string) (models.SessionSnapshot, error) {
	blob, err := r.store.LoadSnapshot(ctx, userID)
	if err != nil {
		return models.SessionSnapshot{}, apperrors.NewPersistenceError("load", userID, err)
	}
	if blob == nil {
		return models.SessionSnapshot{
			Version:   models.SnapshotVersion,
			UserID:    userID,
			SessionID: uuid.NewString(),
			LastLTP:   make(map[models.InstrumentKey]float64),
		}, nil
	}
	snapshot, err := decodeSnapshot(blob)
	if err != nil {
		return models.SessionSnapshot{}, apperrors.NewPersistenceError("decode", userID, err)
	}
	return snapshot, nil
}

// ByID looks up a live Session by its session_id, used to rebind a
// reconnecting websocket without touching user_id at all.
func (r *Registry) ByID(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) touch(e *entry) {
	r.mu.Lock()
	e.lastSeen = r.clock.NowWall()
	r.mu.Unlock()
}

func (r *Registry) markDirty(userID string) {
	if r.writeBehind != nil {
		r.writeBehind.MarkDirty(userID)
	}
}

// RenderSnapshot implements store.SnapshotSource: it asks the owning
// Session's command loop for a consistent snapshot rather than reading
// its fields from the flush worker's goroutine.
func (r *Registry) RenderSnapshot(userID string) ([]byte, bool) {
	r.mu.RLock()
	e, ok := r.byUserID[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.renderSnapshotFromEntry(e)
}

// renderSnapshotFromEntry renders and encodes e's snapshot directly,
// without a byUserID lookup. Sweep needs this: it must flush an entry
// that it is about to (or has already) removed from the index, and a
// lookup by user_id would find nothing once that removal has happened.
func (r *Registry) renderSnapshotFromEntry(e *entry) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	val, err := e.session.Submit(ctx, &renderSnapshotCmd{})
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", e.session.UserID()).Msg("snapshot render failed")
		return nil, false
	}
	snapshot := val.(models.SessionSnapshot)
	blob, err := encodeSnapshot(snapshot)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", e.session.UserID()).Msg("snapshot encode failed")
		return nil, false
	}
	return blob, true
}

// Forget evicts userID's live Session, if any, and purges its durable
// snapshot. Used by the account-deletion endpoint; unlike Sweep, it
// acts immediately and unconditionally rather than on a TTL.
func (r *Registry) Forget(ctx context.Context, userID string) error {
	r.mu.Lock()
	e, ok := r.byUserID[userID]
	if ok {
		delete(r.byUserID, userID)
		delete(r.byID, e.session.SessionID())
	}
	r.mu.Unlock()

	if ok {
		_, _ = e.session.Submit(ctx, &ShutdownCmd{})
		e.cancel()
	}
	return r.store.DeleteSnapshot(ctx, userID)
}

// Sweep evicts Sessions idle past TTLCold: it renders each one's
// snapshot and saves it straight to the SnapshotStore, removes it from
// both indexes, and shuts its command loop down. Sessions idle less
// than TTLCold are left running; Sweep does not read TTLWarm.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock.NowWall()

	r.mu.RLock()
	var stale []*entry
	for _, e := range r.byUserID {
		if now.Sub(e.lastSeen) >= r.cfg.TTLCold {
			stale = append(stale, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range stale {
		// Flush while e is still (or still might be) indexed: render
		// directly from the entry so the final snapshot isn't lost to
		// a byUserID lookup racing the index removal below.
		if blob, ok := r.renderSnapshotFromEntry(e); ok {
			if err := r.store.SaveSnapshot(ctx, e.session.UserID(), blob); err != nil {
				r.logger.Warn().Err(err).Str("user_id", e.session.UserID()).Msg("final flush before eviction failed")
			}
		}

		r.mu.Lock()
		delete(r.byUserID, e.session.UserID())
		delete(r.byID, e.session.SessionID())
		r.mu.Unlock()

		_, _ = e.session.Submit(ctx, &ShutdownCmd{})
		e.cancel()
	}
}
