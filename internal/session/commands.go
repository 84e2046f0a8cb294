package session

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

// Command is one unit of work the command loop executes with
// exclusive access to a Session's state. Execute's return value is
// whatever the caller of Submit needs back; most commands return nil.
type Command interface {
	Execute(s *Session) (interface{}, error)
}

// AddToWatchlistCmd subscribes the Session to a new instrument.
type AddToWatchlistCmd struct {
	Instrument models.Instrument
}

func (c *AddToWatchlistCmd) Execute(s *Session) (interface{}, error) {
	key := c.Instrument.Key()
	for _, w := range s.Watchlist {
		if w.Instrument.Key() == key {
			return nil, apperrors.ErrDuplicateWatchlist
		}
	}
	s.Watchlist = append(s.Watchlist, models.WatchlistItem{
		Instrument: c.Instrument,
		AddedAt:    s.clock.NowWall(),
	})
	if s.feed != nil {
		s.feed.Subscribe(s.SessionID(), s.creds, []models.InstrumentKey{key})
	}
	s.markDirty()
	return s.Watchlist, nil
}

// RemoveFromWatchlistCmd drops an instrument and any alerts on it.
type RemoveFromWatchlistCmd struct {
	Key models.InstrumentKey
}

func (c *RemoveFromWatchlistCmd) Execute(s *Session) (interface{}, error) {
	kept := s.Watchlist[:0:0]
	found := false
	for _, w := range s.Watchlist {
		if w.Instrument.Key() == c.Key {
			found = true
			continue
		}
		kept = append(kept, w)
	}
	if !found {
		return nil, apperrors.ErrSessionNotFound
	}
	s.Watchlist = kept

	keptAlerts := s.ActiveAlerts[:0:0]
	for _, a := range s.ActiveAlerts {
		if a.Instrument.Key() != c.Key {
			keptAlerts = append(keptAlerts, a)
		}
	}
	s.ActiveAlerts = keptAlerts
	delete(s.LastLTP, c.Key)

	if s.feed != nil {
		s.feed.Unsubscribe(s.SessionID(), []models.InstrumentKey{c.Key})
	}
	s.markDirty()
	return nil, nil
}

// SetReferenceDateCmd changes the market day whose OHLC auto-generated
// alerts are pinned to.
type SetReferenceDateCmd struct {
	Date time.Time
}

func (c *SetReferenceDateCmd) Execute(s *Session) (interface{}, error) {
	s.ReferenceDate = s.clock.MarketDayFor(c.Date)
	s.markDirty()
	return nil, nil
}

// CreateAlertCmd installs a manually specified price alert.
type CreateAlertCmd struct {
	Instrument models.Instrument
	Condition  models.AlertCondition
	Price      float64
}

func (c *CreateAlertCmd) Execute(s *Session) (interface{}, error) {
	alert := models.Alert{
		ID:         uuid.NewString(),
		Instrument: c.Instrument,
		Condition:  c.Condition,
		Price:      c.Price,
		Kind:       models.KindManual,
		Armed:      true,
		CreatedAt:  s.clock.NowWall(),
	}
	s.ActiveAlerts = append(s.ActiveAlerts, alert)
	s.markDirty()
	return alert, nil
}

// DeleteAlertCmd removes a single active alert by id.
type DeleteAlertCmd struct {
	AlertID string
}

func (c *DeleteAlertCmd) Execute(s *Session) (interface{}, error) {
	for i, a := range s.ActiveAlerts {
		if a.ID == c.AlertID {
			s.ActiveAlerts = append(s.ActiveAlerts[:i], s.ActiveAlerts[i+1:]...)
			s.markDirty()
			return nil, nil
		}
	}
	return nil, apperrors.ErrAlertNotFound
}

// DeleteAlertsCmd removes several active alerts by id in one command.
type DeleteAlertsCmd struct {
	AlertIDs []string
}

func (c *DeleteAlertsCmd) Execute(s *Session) (interface{}, error) {
	want := make(map[string]struct{}, len(c.AlertIDs))
	for _, id := range c.AlertIDs {
		want[id] = struct{}{}
	}
	kept := s.ActiveAlerts[:0:0]
	removed := 0
	for _, a := range s.ActiveAlerts {
		if _, ok := want[a.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.ActiveAlerts = kept
	if removed > 0 {
		s.markDirty()
	}
	return removed, nil
}

// ClearAlertsCmd removes every active alert, optionally scoped to one
// instrument (Key) when ScopeToKey is set.
type ClearAlertsCmd struct {
	Key        models.InstrumentKey
	ScopeToKey bool
}

func (c *ClearAlertsCmd) Execute(s *Session) (interface{}, error) {
	if !c.ScopeToKey {
		s.ActiveAlerts = nil
		s.markDirty()
		return nil, nil
	}
	kept := s.ActiveAlerts[:0:0]
	for _, a := range s.ActiveAlerts {
		if a.Instrument.Key() != c.Key {
			kept = append(kept, a)
		}
	}
	s.ActiveAlerts = kept
	s.markDirty()
	return nil, nil
}

// PauseAlertsCmd toggles the pause flag: while paused, LastLTP still
// tracks every tick but no alert fires.
type PauseAlertsCmd struct {
	Paused bool
}

func (c *PauseAlertsCmd) Execute(s *Session) (interface{}, error) {
	s.AlertsPaused = c.Paused
	s.markDirty()
	return nil, nil
}

// GenerateAutoAlertsCmd (re)installs the AUTO_HIGH/AUTO_LOW/pivot
// ladder for one instrument, replacing any existing auto alerts on it.
type GenerateAutoAlertsCmd struct {
	Instrument models.Instrument
}

func (c *GenerateAutoAlertsCmd) Execute(s *Session) (interface{}, error) {
	alerts := s.generateAutoAlerts(c.Instrument, s.clock.NowWall())
	s.markDirty()
	return alerts, nil
}

// SetPaperEnabledCmd toggles whether a fired alert opens a paper trade.
type SetPaperEnabledCmd struct {
	Enabled bool
}

func (c *SetPaperEnabledCmd) Execute(s *Session) (interface{}, error) {
	s.AutoPaperEnabled = c.Enabled
	s.markDirty()
	return nil, nil
}

// SetVirtualBalanceCmd replaces the paper-trading cash balance.
type SetVirtualBalanceCmd struct {
	Balance float64
}

func (c *SetVirtualBalanceCmd) Execute(s *Session) (interface{}, error) {
	s.VirtualBalance = c.Balance
	s.markDirty()
	return nil, nil
}

// SetStopLossCmd sets or clears an open trade's stop-loss level.
type SetStopLossCmd struct {
	TradeID  string
	StopLoss *float64
}

func (c *SetStopLossCmd) Execute(s *Session) (interface{}, error) {
	if err := trading.SetStopLoss(s.PaperTrades, c.TradeID, c.StopLoss); err != nil {
		return nil, err
	}
	s.markDirty()
	return nil, nil
}

// SetTargetCmd sets or clears an open trade's target level.
type SetTargetCmd struct {
	TradeID string
	Target  *float64
}

func (c *SetTargetCmd) Execute(s *Session) (interface{}, error) {
	if err := trading.SetTarget(s.PaperTrades, c.TradeID, c.Target); err != nil {
		return nil, err
	}
	s.markDirty()
	return nil, nil
}

// CloseTradeCmd manually closes an open paper trade at the last known
// ltp for its instrument, or ClosePrice when explicitly supplied.
type CloseTradeCmd struct {
	TradeID    string
	ClosePrice *float64
}

func (c *CloseTradeCmd) Execute(s *Session) (interface{}, error) {
	for i := range s.PaperTrades {
		t := &s.PaperTrades[i]
		if t.ID != c.TradeID {
			continue
		}
		if t.Status != models.TradeOpen {
			return nil, apperrors.NewCommandError("CloseTrade", "TRADE_NOT_OPEN", "trade is not open", apperrors.ErrTradeNotFound)
		}
		price := c.ClosePrice
		if price == nil {
			ltp, ok := s.LastLTP[t.Instrument.Key()]
			if !ok {
				ltp = t.EntryPrice
			}
			price = &ltp
		}
		updated, err := s.paperEngine.Close(s.PaperTrades, c.TradeID, *price, s.clock.NowWall())
		if err != nil {
			return nil, err
		}
		s.PaperTrades = updated
		s.markDirty()
		s.pushTradeUpdate()
		return nil, nil
	}
	return nil, apperrors.ErrTradeNotFound
}

// BindChannelCmd attaches a Downstream Channel Manager connection,
// replacing any prior one (reconnect rebind).
type BindChannelCmd struct {
	Channel ChannelSink
}

func (c *BindChannelCmd) Execute(s *Session) (interface{}, error) {
	s.channel = c.Channel
	s.channel.Send(models.NewServerMessage(models.MsgConnected, models.ConnectedPayload{SessionID: s.SessionID()}))
	if len(s.PaperTrades) > 0 {
		s.pushTradeUpdate()
	}
	return nil, nil
}

// UnbindChannelCmd detaches the current channel, e.g. on disconnect.
type UnbindChannelCmd struct {
	Channel ChannelSink
}

func (c *UnbindChannelCmd) Execute(s *Session) (interface{}, error) {
	if s.channel == c.Channel {
		s.channel = nil
	}
	return nil, nil
}

// ShutdownCmd tells the command loop to exit and releases upstream
// subscriptions. It is always the last command a Session processes.
type ShutdownCmd struct{}

func (c *ShutdownCmd) Execute(s *Session) (interface{}, error) {
	if s.feed != nil {
		s.feed.UnregisterSink(s.SessionID())
	}
	close(s.done)
	return nil, nil
}

// renderSnapshotCmd is the internal-only command the Persistence
// Adapter's flush worker uses to obtain a consistent snapshot without
// racing the command loop.
type renderSnapshotCmd struct{}

func (c *renderSnapshotCmd) Execute(s *Session) (interface{}, error) {
	return s.Snapshot(), nil
}
