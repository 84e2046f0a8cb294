package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
)

// SnapshotSource supplies the latest in-memory snapshot bytes for a
// dirty user id. The Session Registry implements this by rendering
// each dirty Session's current SessionSnapshot to bytes on demand, so
// the flush worker always writes the freshest state, not a stale copy
// queued at mark-dirty time.
type SnapshotSource interface {
	RenderSnapshot(userID string) ([]byte, bool)
}

// WriteBehindAdapter coalesces snapshot writes behind a dirty set,
// bounding staleness by flushInterval. A single background worker
// drains the dirty set; store failures are logged and retried on the
// next tick, never blocking foreground MarkDirty calls.
type WriteBehindAdapter struct {
	inner    SnapshotStore
	source   SnapshotSource
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	dirty map[string]struct{}

	failuresMu sync.Mutex
	failures   map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriteBehindAdapter wraps inner with a write-behind worker that
// flushes dirty users every flushInterval, rendering their latest
// bytes via source.
func NewWriteBehindAdapter(inner SnapshotStore, source SnapshotSource, flushInterval time.Duration, logger zerolog.Logger) *WriteBehindAdapter {
	return &WriteBehindAdapter{
		inner:    inner,
		source:   source,
		interval: flushInterval,
		logger:   logger,
		dirty:    make(map[string]struct{}),
		failures: make(map[string]int),
		done:     make(chan struct{}),
	}
}

// MarkDirty records that userID's durable state changed and should be
// flushed on the next tick. Never blocks.
func (a *WriteBehindAdapter) MarkDirty(userID string) {
	a.mu.Lock()
	a.dirty[userID] = struct{}{}
	a.mu.Unlock()
}

// Start begins the background flush loop.
func (a *WriteBehindAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
}

// Stop signals the flush loop to exit and waits for it to drain.
func (a *WriteBehindAdapter) Stop() {
	close(a.done)
	a.wg.Wait()
}

func (a *WriteBehindAdapter) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(context.Background())
			return
		case <-a.done:
			a.flushAll(context.Background())
			return
		case <-ticker.C:
			a.flushAll(ctx)
		}
	}
}

func (a *WriteBehindAdapter) flushAll(ctx context.Context) {
	a.mu.Lock()
	pending := make([]string, 0, len(a.dirty))
	for userID := range a.dirty {
		pending = append(pending, userID)
	}
	a.mu.Unlock()

	for _, userID := range pending {
		blob, ok := a.source.RenderSnapshot(userID)
		if !ok {
			a.clearDirty(userID)
			continue
		}
		if err := a.inner.SaveSnapshot(ctx, userID, blob); err != nil {
			a.recordFailure(userID, err)
			continue
		}
		a.failuresMu.Lock()
		delete(a.failures, userID)
		a.failuresMu.Unlock()
		a.clearDirty(userID)
	}
}

func (a *WriteBehindAdapter) clearDirty(userID string) {
	a.mu.Lock()
	delete(a.dirty, userID)
	a.mu.Unlock()
}

const maxLoggedFailures = 5

func (a *WriteBehindAdapter) recordFailure(userID string, err error) {
	a.failuresMu.Lock()
	a.failures[userID]++
	n := a.failures[userID]
	a.failuresMu.Unlock()

	if n <= maxLoggedFailures {
		a.logger.Warn().Err(apperrors.NewPersistenceError("flush", userID, err)).
			Int("attempt", n).Msg("snapshot flush failed, will retry")
	}
}
