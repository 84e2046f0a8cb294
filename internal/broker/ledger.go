package broker

import (
	"sync"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// ledger is the Upstream Client's authoritative mapping from
// instrument to the set of subscribed session ids. The invariant it
// maintains: the upstream
// connection holds exactly the union of all sets as its live
// subscription set; when a set becomes empty its token is
// unsubscribed.
type ledger struct {
	mu   sync.Mutex
	subs map[models.InstrumentKey]map[string]struct{}
}

func newLedger() *ledger {
	return &ledger{subs: make(map[models.InstrumentKey]map[string]struct{})}
}

// delta describes the net effect of a ledger mutation: tokens whose
// subscriber set went from empty to non-empty (added) or non-empty to
// empty (removed).
type delta struct {
	added   []models.InstrumentKey
	removed []models.InstrumentKey
}

func (l *ledger) add(sessionID string, keys []models.InstrumentKey) delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d delta
	for _, k := range keys {
		set, ok := l.subs[k]
		if !ok {
			set = make(map[string]struct{})
			l.subs[k] = set
			d.added = append(d.added, k)
		}
		set[sessionID] = struct{}{}
	}
	return d
}

func (l *ledger) remove(sessionID string, keys []models.InstrumentKey) delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d delta
	for _, k := range keys {
		set, ok := l.subs[k]
		if !ok {
			continue
		}
		delete(set, sessionID)
		if len(set) == 0 {
			delete(l.subs, k)
			d.removed = append(d.removed, k)
		}
	}
	return d
}

// removeSession drops sessionID from every key it subscribes to,
// used when a Session is destroyed.
func (l *ledger) removeSession(sessionID string) delta {
	l.mu.Lock()
	defer l.mu.Unlock()

	var d delta
	for k, set := range l.subs {
		if _, ok := set[sessionID]; !ok {
			continue
		}
		delete(set, sessionID)
		if len(set) == 0 {
			delete(l.subs, k)
			d.removed = append(d.removed, k)
		}
	}
	return d
}

// subscribers returns the session ids currently subscribed to k.
func (l *ledger) subscribers(k models.InstrumentKey) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.subs[k]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// snapshot returns every currently-subscribed key, used to
// re-subscribe the entire ledger in one command after a reconnect.
func (l *ledger) snapshot() []models.InstrumentKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.InstrumentKey, 0, len(l.subs))
	for k := range l.subs {
		out = append(out, k)
	}
	return out
}

// isSubscribed reports whether sessionID is a subscriber of k —
// exposed so tests can check the ledger invariant directly:
// t ∈ watchlist(S) ↔ S ∈ ledger.subscribers(t).
func (l *ledger) isSubscribed(sessionID string, k models.InstrumentKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.subs[k]
	if !ok {
		return false
	}
	_, ok = set[sessionID]
	return ok
}

func (l *ledger) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs) == 0
}
