package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	clk "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/logging"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

// ChannelSink is the narrow contract a bound downstream websocket
// channel presents to a Session. The Downstream Channel Manager
// implements it; a Session never imports that package directly, only
// this interface, so the command loop stays free of I/O concerns.
type ChannelSink interface {
	Send(models.ServerMessage)
}

// Session owns one user's watchlist, alerts, paper-trade book and
// connection identity. Every field above the infra section is mutated
// exclusively by the goroutine running Run — the "single consumer"
// ownership model that replaces field-level locking with a serialized
// command queue and a conflate-on-delivery tick mailbox.
type Session struct {
	id     string
	userID string

	Watchlist        []models.WatchlistItem
	ActiveAlerts     []models.Alert
	AlertLog         []models.AlertLogEntry
	PaperTrades      []models.PaperTrade
	VirtualBalance   float64
	AutoPaperEnabled bool
	AlertsPaused     bool
	ReferenceDate    time.Time
	LastLTP          map[models.InstrumentKey]float64
	LogicalClock     int64

	firedIdx    []int
	channel     ChannelSink
	mbox        *mailbox
	cmdCh       chan envelope
	clock       clk.Clock
	paperEngine *trading.Engine
	feed        *broker.Client
	creds       broker.Credentials
	onDirty     func(userID string)
	logger      zerolog.Logger
	done        chan struct{}
}

// Deps bundles the collaborators a Session needs, threaded in by the
// Session Registry at construction time.
type Deps struct {
	Clock       clk.Clock
	PaperEngine *trading.Engine
	Feed        *broker.Client
	Creds       broker.Credentials
	OnDirty     func(userID string)
	Logger      zerolog.Logger
	QueueSize   int
}

// New builds a Session from a durable snapshot (or a zero-value one
// for a brand-new user).
func New(snapshot models.SessionSnapshot, deps Deps) *Session {
	lastLTP := snapshot.LastLTP
	if lastLTP == nil {
		lastLTP = make(map[models.InstrumentKey]float64)
	}
	queue := deps.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	return &Session{
		id:     snapshot.SessionID,
		userID: snapshot.UserID,

		Watchlist:        snapshot.Watchlist,
		ActiveAlerts:     snapshot.ActiveAlerts,
		AlertLog:         snapshot.AlertLog,
		PaperTrades:      snapshot.PaperTrades,
		VirtualBalance:   snapshot.VirtualBalance,
		AutoPaperEnabled: snapshot.AutoPaperEnabled,
		AlertsPaused:     snapshot.AlertsPaused,
		ReferenceDate:    snapshot.ReferenceDate,
		LastLTP:          lastLTP,
		LogicalClock:     snapshot.LogicalClock,

		mbox:        newMailbox(),
		cmdCh:       make(chan envelope, queue),
		clock:       deps.Clock,
		paperEngine: deps.PaperEngine,
		feed:        deps.Feed,
		creds:       deps.Creds,
		onDirty:     deps.OnDirty,
		logger:      logging.WithSession(deps.Logger, snapshot.SessionID, snapshot.UserID),
		done:        make(chan struct{}),
	}
}

// SessionID and UserID identify this Session for logging, the
// subscription ledger, and the downstream channel bind protocol.
func (s *Session) SessionID() string { return s.id }
func (s *Session) UserID() string    { return s.userID }

// Deliver implements broker.TickSink: ticks overwrite the mailbox's
// single slot per token and wake the command loop without blocking
// the feed client's dispatch goroutine.
func (s *Session) Deliver(tick models.Tick) {
	s.mbox.deliver(tick)
}

// Run drives the command loop until ctx is cancelled or a Shutdown
// command is processed. It is the sole mutator of every exported
// field above; everything else communicates through Submit.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case env := <-s.cmdCh:
			val, err := env.cmd.Execute(s)
			if env.result != nil {
				env.result <- commandResult{value: val, err: err}
			}
			if _, isShutdown := env.cmd.(*ShutdownCmd); isShutdown {
				return
			}
		case <-s.mbox.wake:
			for _, t := range s.mbox.drain() {
				s.evaluateTick(t)
			}
		}
	}
}

// commandResult is the value/error pair a Command's execution yields.
type commandResult struct {
	value interface{}
	err   error
}

// envelope pairs a Command with the channel its caller is waiting on.
type envelope struct {
	cmd    Command
	result chan commandResult
}

// Submit enqueues cmd and blocks for its result, or until ctx expires.
// The enqueue itself never blocks: a full queue fails fast with
// ErrQueueFull rather than letting a slow Session back up its caller.
func (s *Session) Submit(ctx context.Context, cmd Command) (interface{}, error) {
	resultCh := make(chan commandResult, 1)
	select {
	case s.cmdCh <- envelope{cmd: cmd, result: resultCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, apperrors.ErrQueueFull
	}

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// markDirty bumps the logical clock, trims the closed-trade ring, and
// notifies the Session Registry that this user's snapshot needs a
// write-behind flush.
func (s *Session) markDirty() {
	s.LogicalClock++
	s.pruneClosedTrades()
	if s.onDirty != nil {
		s.onDirty(s.userID)
	}
}

// pruneClosedTrades keeps every open trade plus only the most recent
// MaxClosedTrades closed ones, oldest-first, the same ring treatment
// fireAlert gives the alert log.
func (s *Session) pruneClosedTrades() {
	closed := 0
	for _, t := range s.PaperTrades {
		if t.Status != models.TradeOpen {
			closed++
		}
	}
	overflow := closed - models.MaxClosedTrades
	if overflow <= 0 {
		return
	}

	kept := make([]models.PaperTrade, 0, len(s.PaperTrades)-overflow)
	dropped := 0
	for _, t := range s.PaperTrades {
		if t.Status != models.TradeOpen && dropped < overflow {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	s.PaperTrades = kept
}

// Snapshot renders the current durable state. Only ever called from
// inside the command loop (via renderSnapshotCmd), so no locking is
// needed even though the Persistence Adapter's flush worker runs on
// its own timer.
func (s *Session) Snapshot() models.SessionSnapshot {
	return models.SessionSnapshot{
		Version:          models.SnapshotVersion,
		UserID:           s.userID,
		SessionID:        s.id,
		Watchlist:        s.Watchlist,
		ActiveAlerts:     s.ActiveAlerts,
		AlertLog:         s.AlertLog,
		PaperTrades:      s.PaperTrades,
		VirtualBalance:   s.VirtualBalance,
		AutoPaperEnabled: s.AutoPaperEnabled,
		AlertsPaused:     s.AlertsPaused,
		ReferenceDate:    s.ReferenceDate,
		LastLTP:          s.LastLTP,
		LogicalClock:     s.LogicalClock,
	}
}

func (s *Session) pushPriceUpdate(tick models.Tick) {
	if s.channel == nil {
		return
	}
	symbol := ""
	for _, w := range s.Watchlist {
		if w.Instrument.Key() == tick.Key() {
			symbol = w.Instrument.Symbol
			break
		}
	}
	s.channel.Send(models.NewServerMessage(models.MsgPriceUpdate, models.PriceUpdatePayload{
		Token:  tick.Token,
		Symbol: symbol,
		LTP:    tick.LTP,
	}))
}

func (s *Session) pushTradeUpdate() {
	if s.channel == nil {
		return
	}
	trades := make([]models.PaperTrade, len(s.PaperTrades))
	copy(trades, s.PaperTrades)
	s.channel.Send(models.NewServerMessage(models.MsgTradeUpdate, models.TradeUpdatePayload{Trades: trades}))
}
