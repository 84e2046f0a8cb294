// Package session implements the Session Registry: per-user state,
// connection identity, and the per-session command loop that owns it.
package session

import (
	"sync"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// mailbox is a Session's single-slot "latest tick per token" inbox.
// Delivery overwrites rather than queues, giving an
// implicit conflate policy: a slow Session sees the newest price,
// never a backlog. TickSink is implemented directly by *Session so
// the Upstream Feed Client can dispatch without an intermediary.
type mailbox struct {
	mu    sync.Mutex
	dirty map[models.InstrumentKey]models.Tick
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		dirty: make(map[models.InstrumentKey]models.Tick),
		wake:  make(chan struct{}, 1),
	}
}

// deliver overwrites the latest tick for its token and signals the
// command loop that there is fresh work, without blocking.
func (m *mailbox) deliver(t models.Tick) {
	m.mu.Lock()
	m.dirty[t.Key()] = t
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drain atomically removes and returns every pending tick.
func (m *mailbox) drain() []models.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dirty) == 0 {
		return nil
	}
	out := make([]models.Tick, 0, len(m.dirty))
	for _, t := range m.dirty {
		out = append(out, t)
	}
	m.dirty = make(map[models.InstrumentKey]models.Tick)
	return out
}
