package broker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// State is a connection state of the Upstream Feed Client.
type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateLive           State = "LIVE"
	StateDraining       State = "DRAINING"
)

// ClientConfig holds the Upstream Feed Client's tunables.
type ClientConfig struct {
	ReadDeadline            time.Duration
	ReconnectBackoffBase    time.Duration
	ReconnectBackoffMax     time.Duration
	ReconnectBackoffJitter  float64
	SubscriptionBatchWindow time.Duration
	// DrainLinger is how long the client waits with an empty ledger
	// before tearing the connection down (LIVE -> DRAINING). Pinned
	// here as an implementation decision (see DESIGN.md).
	DrainLinger time.Duration
	// DecodeErrorThreshold is the run of consecutive frame-decode
	// errors that forces a reconnect.
	DecodeErrorThreshold int
	// SubscribeRateLimit bounds how many subscribe/unsubscribe commands
	// per minute the client issues upstream, independent of how many
	// Sessions coalesce into a single flushed delta.
	SubscribeRateLimit int
}

// DefaultClientConfig returns the default connection timings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReadDeadline:            40 * time.Second,
		ReconnectBackoffBase:    time.Second,
		ReconnectBackoffMax:     30 * time.Second,
		ReconnectBackoffJitter:  0.2,
		SubscriptionBatchWindow: 100 * time.Millisecond,
		DrainLinger:             30 * time.Second,
		DecodeErrorThreshold:    20,
		SubscribeRateLimit:      180,
	}
}

// Stats exposes the Upstream Feed Client's read-only health counters.
type Stats struct {
	FramesReceived uint64
	TicksDecoded   uint64
	DecodeErrors   uint64
	Generation     uint64
	State          State
}

// Client is the single reference-counted connection to the broker's
// streaming endpoint that multiplexes subscriptions across every
// logged-in Session. It owns the subscription ledger and drives the
// DISCONNECTED/CONNECTING/AUTHENTICATING/LIVE/DRAINING state machine,
// generalizing a single-ticker connect loop to many subscribers.
type Client struct {
	feed    Feed
	ledger  *ledger
	cfg     ClientConfig
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	state       State
	generation  uint64
	credentials Credentials
	haveCreds   bool
	backoff     time.Duration
	decodeRun   int

	framesReceived atomic.Uint64
	ticksDecoded   atomic.Uint64
	decodeErrors   atomic.Uint64

	sinksMu sync.RWMutex
	sinks   map[string]TickSink

	wake chan struct{}

	pendingMu     sync.Mutex
	pendingAdd    map[models.InstrumentKey]struct{}
	pendingRemove map[models.InstrumentKey]struct{}
	pendingTimer  *time.Timer

	drainMu    sync.Mutex
	drainTimer *time.Timer
}

// NewClient builds an Upstream Feed Client over the given transport.
func NewClient(feed Feed, cfg ClientConfig, logger zerolog.Logger) *Client {
	limit := cfg.SubscribeRateLimit
	if limit <= 0 {
		limit = 180
	}
	c := &Client{
		feed:          feed,
		ledger:        newLedger(),
		cfg:           cfg,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(float64(limit)/60), 2),
		state:         StateDisconnected,
		backoff:       cfg.ReconnectBackoffBase,
		sinks:         make(map[string]TickSink),
		wake:          make(chan struct{}, 1),
		pendingAdd:    make(map[models.InstrumentKey]struct{}),
		pendingRemove: make(map[models.InstrumentKey]struct{}),
	}

	feed.OnTick(c.handleTick)
	feed.OnError(c.handleFeedError)
	feed.OnClose(c.handleFeedClose)

	return c
}

// RegisterSink attaches a Session's tick mailbox. Dispatch to a
// missing sink is simply skipped — the Session has no channel yet.
func (c *Client) RegisterSink(sink TickSink) {
	c.sinksMu.Lock()
	c.sinks[sink.SessionID()] = sink
	c.sinksMu.Unlock()
}

// UnregisterSink detaches sessionID's mailbox and drops it from the
// ledger, issuing whatever unsubscribe delta results.
func (c *Client) UnregisterSink(sessionID string) {
	c.sinksMu.Lock()
	delete(c.sinks, sessionID)
	c.sinksMu.Unlock()

	d := c.ledger.removeSession(sessionID)
	c.queueDelta(d)
}

// Subscribe adds sessionID as a subscriber of keys, delegating creds
// for the upstream login if the client has none yet, and wakes the
// connection if it is currently idle.
func (c *Client) Subscribe(sessionID string, creds Credentials, keys []models.InstrumentKey) {
	c.mu.Lock()
	if !c.haveCreds {
		c.credentials = creds
		c.haveCreds = true
	}
	c.mu.Unlock()

	d := c.ledger.add(sessionID, keys)
	c.queueDelta(d)
	c.wakeIfIdle()
}

// Unsubscribe removes sessionID's interest in keys.
func (c *Client) Unsubscribe(sessionID string, keys []models.InstrumentKey) {
	d := c.ledger.remove(sessionID, keys)
	c.queueDelta(d)
}

// IsSubscribed reports the ledger-level invariant check used by
// tests: t ∈ watchlist(S) ↔ S ∈ ledger.subscribers(t).
func (c *Client) IsSubscribed(sessionID string, key models.InstrumentKey) bool {
	return c.ledger.isSubscribed(sessionID, key)
}

// queueDelta coalesces ledger deltas into the 100ms batch window
// before issuing a single subscribe/unsubscribe command to the feed.
func (c *Client) queueDelta(d delta) {
	if len(d.added) == 0 && len(d.removed) == 0 {
		return
	}

	c.pendingMu.Lock()
	for _, k := range d.added {
		delete(c.pendingRemove, k)
		c.pendingAdd[k] = struct{}{}
	}
	for _, k := range d.removed {
		delete(c.pendingAdd, k)
		c.pendingRemove[k] = struct{}{}
	}
	if c.pendingTimer == nil {
		c.pendingTimer = time.AfterFunc(c.cfg.SubscriptionBatchWindow, c.flushDelta)
	}
	c.pendingMu.Unlock()
}

func (c *Client) flushDelta() {
	c.pendingMu.Lock()
	add := make([]uint32, 0, len(c.pendingAdd))
	for k := range c.pendingAdd {
		add = append(add, k.Token)
	}
	remove := make([]uint32, 0, len(c.pendingRemove))
	for k := range c.pendingRemove {
		remove = append(remove, k.Token)
	}
	c.pendingAdd = make(map[models.InstrumentKey]struct{})
	c.pendingRemove = make(map[models.InstrumentKey]struct{})
	c.pendingTimer = nil
	c.pendingMu.Unlock()

	if c.currentState() != StateLive {
		return
	}
	if len(add) > 0 {
		_ = c.limiter.Wait(context.Background())
		if err := c.feed.Subscribe(add); err != nil {
			c.logger.Warn().Err(err).Msg("upstream subscribe delta failed")
		}
	}
	if len(remove) > 0 {
		_ = c.limiter.Wait(context.Background())
		if err := c.feed.Unsubscribe(remove); err != nil {
			c.logger.Warn().Err(err).Msg("upstream unsubscribe delta failed")
		}
	}

	if c.ledger.empty() {
		c.armDrain()
	} else {
		c.disarmDrain()
	}
}

func (c *Client) wakeIfIdle() {
	c.mu.Lock()
	idle := c.state == StateDisconnected
	c.mu.Unlock()
	if !idle {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connection supervisor until ctx is cancelled:
// DISCONNECTED moves to CONNECTING on the first non-empty ledger, or
// on an explicit wake after a backoff tick.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
		}

		if c.ledger.empty() {
			continue
		}

		if err := c.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(apperrors.NewUpstreamError(string(c.currentState()), err)).Msg("upstream connect failed, backing off")
			c.setState(StateDisconnected)
			if !c.sleepBackoff(ctx) {
				return
			}
			c.wakeIfIdle()
			continue
		}

		c.resetBackoff()
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	c.mu.Lock()
	creds := c.credentials
	c.mu.Unlock()

	c.setState(StateAuthenticating)
	if err := c.feed.Connect(ctx, creds); err != nil {
		return err
	}

	c.setState(StateLive)
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()

	// Re-subscribe the entire current ledger in one command on every
	// reconnect, rather than replaying the incremental history.
	snapshot := c.ledger.snapshot()
	if len(snapshot) > 0 {
		tokens := make([]uint32, len(snapshot))
		for i, k := range snapshot {
			tokens[i] = k.Token
		}
		_ = c.limiter.Wait(ctx)
		if err := c.feed.Subscribe(tokens); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sleepBackoff(ctx context.Context) bool {
	c.mu.Lock()
	wait := c.backoff
	jitter := c.cfg.ReconnectBackoffJitter
	next := wait * 2
	if next > c.cfg.ReconnectBackoffMax {
		next = c.cfg.ReconnectBackoffMax
	}
	c.backoff = next
	c.mu.Unlock()

	if jitter > 0 {
		delta := time.Duration(float64(wait) * jitter * (rand.Float64()*2 - 1))
		wait += delta
		if wait < 0 {
			wait = 0
		}
	}

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff = c.cfg.ReconnectBackoffBase
	c.mu.Unlock()
}

func (c *Client) armDrain() {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if c.drainTimer != nil {
		return
	}
	c.drainTimer = time.AfterFunc(c.cfg.DrainLinger, func() {
		c.setState(StateDraining)
		_ = c.feed.Disconnect()
		c.setState(StateDisconnected)
		c.disarmDrain()
	})
}

func (c *Client) disarmDrain() {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
}

func (c *Client) shutdown() {
	c.setState(StateDraining)
	_ = c.feed.Disconnect()
	c.setState(StateDisconnected)
}

// handleTick decodes and fans a tick out to every subscribed Session's
// mailbox. Dispatch is non-blocking by construction: TickSink.Deliver
// overwrites a single slot, an implicit conflate policy.
func (c *Client) handleTick(t models.Tick) {
	c.framesReceived.Add(1)
	c.ticksDecoded.Add(1)
	c.decodeRun = 0

	ids := c.ledger.subscribers(t.Key())
	if len(ids) == 0 {
		return
	}

	c.sinksMu.RLock()
	defer c.sinksMu.RUnlock()
	for _, id := range ids {
		if sink, ok := c.sinks[id]; ok {
			sink.Deliver(t)
		}
	}
}

func (c *Client) handleFeedError(err error) {
	c.decodeErrors.Add(1)
	c.mu.Lock()
	c.decodeRun++
	run := c.decodeRun
	c.mu.Unlock()

	c.logger.Warn().Err(err).Int("run", run).Msg("upstream frame error")

	if run >= c.cfg.DecodeErrorThreshold {
		c.logger.Error().Msg("decode error threshold exceeded, forcing reconnect")
		_ = c.feed.Disconnect()
	}
}

func (c *Client) handleFeedClose(code int, reason string) {
	c.logger.Warn().Int("code", code).Str("reason", reason).Msg("upstream connection closed")
	c.setState(StateDisconnected)
	if !c.ledger.empty() {
		c.wakeIfIdle()
	}
}

// CurrentState reports the client's connection state.
func (c *Client) CurrentState() State { return c.currentState() }

// GetStats returns a snapshot of the health counters.
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	gen := c.generation
	st := c.state
	c.mu.Unlock()
	return Stats{
		FramesReceived: c.framesReceived.Load(),
		TicksDecoded:   c.ticksDecoded.Load(),
		DecodeErrors:   c.decodeErrors.Load(),
		Generation:     gen,
		State:          st,
	}
}
