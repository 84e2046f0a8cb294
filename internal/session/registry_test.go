package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	clk "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

// fakeFeed is a minimal broker.Feed double that just records the
// token lists passed to Subscribe, so tests can assert a rehydrated
// watchlist is re-subscribed through the Upstream Feed Client.
type fakeFeed struct {
	mu         sync.Mutex
	subscribed []uint32
}

func (f *fakeFeed) Connect(ctx context.Context, creds broker.Credentials) error { return nil }
func (f *fakeFeed) Disconnect() error                                           { return nil }
func (f *fakeFeed) Subscribe(tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, tokens...)
	return nil
}
func (f *fakeFeed) Unsubscribe(tokens []uint32) error       { return nil }
func (f *fakeFeed) OnTick(h func(models.Tick))              {}
func (f *fakeFeed) OnError(h func(error))                   {}
func (f *fakeFeed) OnConnect(h func())                      {}
func (f *fakeFeed) OnClose(h func(code int, reason string)) {}

type fakeSnapshotStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{blobs: make(map[string][]byte)}
}

func (f *fakeSnapshotStore) SaveSnapshot(ctx context.Context, userID string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[userID] = blob
	return nil
}

func (f *fakeSnapshotStore) LoadSnapshot(ctx context.Context, userID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[userID], nil
}

func (f *fakeSnapshotStore) DeleteSnapshot(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}

func (f *fakeSnapshotStore) Close() error { return nil }

func newTestRegistry(snapshotStore *fakeSnapshotStore) *Registry {
	loc := time.UTC
	clock := clk.NewFakeClock(time.Date(2026, 8, 6, 10, 0, 0, 0, loc), loc, clk.Window{StartMinute: 915, EndMinute: 930})
	cfg := Config{TTLWarm: time.Minute, TTLCold: 2 * time.Minute, CommandQueueSize: 16}
	return NewRegistry(cfg, clock, snapshotStore, nil, trading.NewEngine(trading.Config{PerTradeCap: 1}), zerolog.Nop())
}

func TestRegistry_GetOrCreateIsIdempotentPerUser(t *testing.T) {
	r := newTestRegistry(newFakeSnapshotStore())
	ctx := context.Background()

	s1, err := r.GetOrCreate(ctx, "u1", broker.Credentials{})
	require.NoError(t, err)
	s2, err := r.GetOrCreate(ctx, "u1", broker.Credentials{})
	require.NoError(t, err)

	assert.Same(t, s1, s2)
}

func TestRegistry_ByIDFindsASessionCreatedViaGetOrCreate(t *testing.T) {
	r := newTestRegistry(newFakeSnapshotStore())
	s, err := r.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)

	found, ok := r.ByID(s.SessionID())
	require.True(t, ok)
	assert.Same(t, s, found)
}

func TestRegistry_GetOrCreateRehydratesFromStore(t *testing.T) {
	store := newFakeSnapshotStore()
	r := newTestRegistry(store)

	s, err := r.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)
	sessionID := s.SessionID()

	blob, ok := r.RenderSnapshot("u1")
	require.True(t, ok)
	require.NoError(t, store.SaveSnapshot(context.Background(), "u1", blob))

	// A fresh registry over the same store must rehydrate the same
	// session_id rather than minting a new one.
	r2 := newTestRegistry(store)
	s2, err := r2.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, sessionID, s2.SessionID())
}

func TestRegistry_GetOrCreateResubscribesRehydratedWatchlistToTheFeed(t *testing.T) {
	inst := models.Instrument{Exchange: models.NSE, Token: 256265, Symbol: "NIFTY"}

	// Seed the store directly with a snapshot that already carries a
	// watchlist item, bypassing AddToWatchlistCmd so the Upstream Feed
	// Client's ledger starts out with no knowledge of this token —
	// exactly the state after a process restart.
	snapshot := models.SessionSnapshot{
		Version:   models.SnapshotVersion,
		UserID:    "u1",
		SessionID: "s1",
		LastLTP:   make(map[models.InstrumentKey]float64),
		Watchlist: []models.WatchlistItem{{Instrument: inst}},
	}
	blob, err := encodeSnapshot(snapshot)
	require.NoError(t, err)

	store := newFakeSnapshotStore()
	require.NoError(t, store.SaveSnapshot(context.Background(), "u1", blob))

	feed := &fakeFeed{}
	clientCfg := broker.DefaultClientConfig()
	clientCfg.SubscriptionBatchWindow = 5 * time.Millisecond
	client := broker.NewClient(feed, clientCfg, zerolog.Nop())

	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	go client.Run(clientCtx)

	loc := time.UTC
	clock := clk.NewFakeClock(time.Date(2026, 8, 6, 10, 0, 0, 0, loc), loc, clk.Window{StartMinute: 915, EndMinute: 930})
	cfg := Config{TTLWarm: time.Minute, TTLCold: 2 * time.Minute, CommandQueueSize: 16}
	r := NewRegistry(cfg, clock, store, client, trading.NewEngine(trading.Config{PerTradeCap: 1}), zerolog.Nop())

	_, err = r.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		for _, tok := range feed.subscribed {
			if tok == inst.Token {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "rehydrated watchlist must be re-subscribed through the feed")
}

func TestRegistry_SweepFlushesDirtyStateBeforeEviction(t *testing.T) {
	store := newFakeSnapshotStore()
	r := newTestRegistry(store)

	s, err := r.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)

	inst := models.Instrument{Exchange: models.NSE, Token: 1}
	_, err = s.Submit(context.Background(), &AddToWatchlistCmd{Instrument: inst})
	require.NoError(t, err)

	// Nothing has flushed this mutation to the store yet — only Sweep's
	// final-flush-before-eviction path will do that.
	_, ok := store.blobs["u1"]
	assert.False(t, ok, "watchlist add must not be flushed until sweep evicts")

	fakeClock := r.clock.(*clk.FakeClock)
	fakeClock.Advance(3 * time.Minute)
	r.Sweep(context.Background())

	blob, ok := store.blobs["u1"]
	require.True(t, ok, "sweep must flush the dirty snapshot before evicting it")

	snapshot, err := decodeSnapshot(blob)
	require.NoError(t, err)
	require.Len(t, snapshot.Watchlist, 1)
	assert.Equal(t, inst.Token, snapshot.Watchlist[0].Instrument.Token)
}

func TestRegistry_ForgetEvictsAndPurges(t *testing.T) {
	store := newFakeSnapshotStore()
	r := newTestRegistry(store)
	s, err := r.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)

	require.NoError(t, r.Forget(context.Background(), "u1"))

	_, ok := r.ByID(s.SessionID())
	assert.False(t, ok, "forgotten session must be gone from the id index")
	assert.Contains(t, store.deleted, "u1")
}

func TestRegistry_SweepEvictsOnlyPastTTLCold(t *testing.T) {
	store := newFakeSnapshotStore()
	loc := time.UTC
	clock := clk.NewFakeClock(time.Date(2026, 8, 6, 10, 0, 0, 0, loc), loc, clk.Window{StartMinute: 915, EndMinute: 930})
	cfg := Config{TTLWarm: time.Minute, TTLCold: 2 * time.Minute, CommandQueueSize: 16}
	r := NewRegistry(cfg, clock, store, nil, trading.NewEngine(trading.Config{PerTradeCap: 1}), zerolog.Nop())

	s, err := r.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)

	r.Sweep(context.Background())
	_, ok := r.ByID(s.SessionID())
	assert.True(t, ok, "sweeping before TTLCold elapses must not evict")

	clock.Advance(3 * time.Minute)
	r.Sweep(context.Background())

	_, ok = r.ByID(s.SessionID())
	assert.False(t, ok, "sweeping past TTLCold must evict")
}
