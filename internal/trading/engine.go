// Package trading implements the Paper Trade Engine: virtual
// positions derived from alert triggers, their live P&L, and their
// stop-loss/target/square-off exit rules. It generalizes a paper
// broker's position averaging and exit-rule catalog from manually
// placed orders to alert-driven entries.
package trading

import (
	"time"

	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// Config holds the Paper Trade Engine's tunables.
type Config struct {
	PerTradeCap    float64
	AllowAveraging bool
	AutoSquareOff  bool
}

// EntrySignal is an alert-derived entry request: the instrument,
// entry price, direction hint, and trigger level that opened it.
type EntrySignal struct {
	Instrument   models.Instrument
	EntryPrice   float64
	Direction    models.DirectionHint
	TriggerLevel models.AlertKind
}

// Engine applies the entry/exit/averaging/P&L rules against a
// Session's own trade book. It holds no state itself — the Session
// command loop owns the []models.PaperTrade slice and passes it in on
// every call, consistent with the single-consumer ownership model a
// Session's command loop enforces.
type Engine struct {
	cfg Config
}

// NewEngine builds a Paper Trade Engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Enter evaluates an entry signal against the current trade book and
// virtual balance, returning the updated book. It refuses the entry
// (returning the unmodified book and an error) when the balance is
// exhausted or an un-averaged duplicate would result.
func (e *Engine) Enter(trades []models.PaperTrade, balance float64, sig EntrySignal, now time.Time, idGen func() string) ([]models.PaperTrade, error) {
	if balance <= 0 {
		return trades, apperrors.NewCommandError("Enter", "INSUFFICIENT_BALANCE", "virtual balance is not positive", apperrors.ErrInsufficientBalance)
	}

	side := models.SideBuy
	if sig.Direction == models.SellOnTouch {
		side = models.SideSell
	}

	capFrac := e.cfg.PerTradeCap
	if capFrac <= 0 || capFrac > 1 {
		capFrac = 1
	}
	quantity := int((balance * capFrac) / sig.EntryPrice)
	if quantity <= 0 {
		return trades, apperrors.NewCommandError("Enter", "INSUFFICIENT_BALANCE", "virtual balance too small for one lot", apperrors.ErrInsufficientBalance)
	}

	key := sig.Instrument.Key()
	for i := range trades {
		t := &trades[i]
		if t.Status != models.TradeOpen || t.Instrument.Key() != key || t.Side != side {
			continue
		}
		if !e.cfg.AllowAveraging {
			return trades, apperrors.NewCommandError("Enter", "DUPLICATE_OPEN_TRADE", "an open trade already exists for this token and side", apperrors.ErrDuplicateOpenTrade)
		}
		totalValue := t.EntryPrice*float64(t.Quantity) + sig.EntryPrice*float64(quantity)
		t.Quantity += quantity
		t.EntryPrice = totalValue / float64(t.Quantity)
		t.Mode = models.ModeAveraged
		return trades, nil
	}

	trade := models.PaperTrade{
		ID:           idGen(),
		Instrument:   sig.Instrument,
		Side:         side,
		Quantity:     quantity,
		EntryPrice:   sig.EntryPrice,
		Status:       models.TradeOpen,
		TriggerLevel: sig.TriggerLevel,
		Mode:         models.ModeNew,
		OpenedAt:     now,
	}
	return append(trades, trade), nil
}

// ApplyTick closes any OPEN trade on key whose stop-loss or target has
// been crossed by the tick's ltp, and reports whether anything closed.
// Live P&L is never stored here — callers derive it via
// models.PaperTrade.PnL on demand.
func (e *Engine) ApplyTick(trades []models.PaperTrade, key models.InstrumentKey, ltp float64, now time.Time) ([]models.PaperTrade, bool) {
	closedAny := false
	for i := range trades {
		t := &trades[i]
		if t.Status != models.TradeOpen || t.Instrument.Key() != key {
			continue
		}
		if exit, ok := e.checkExit(*t, ltp); ok {
			closeTrade(t, exit, now)
			closedAny = true
		}
	}
	return trades, closedAny
}

func (e *Engine) checkExit(t models.PaperTrade, ltp float64) (float64, bool) {
	if t.Side == models.SideBuy {
		if t.StopLoss != nil && ltp <= *t.StopLoss {
			return ltp, true
		}
		if t.Target != nil && ltp >= *t.Target {
			return ltp, true
		}
		return 0, false
	}
	if t.StopLoss != nil && ltp >= *t.StopLoss {
		return ltp, true
	}
	if t.Target != nil && ltp <= *t.Target {
		return ltp, true
	}
	return 0, false
}

// Close manually closes tradeID at closePrice, returning an error if
// no matching OPEN trade exists.
func (e *Engine) Close(trades []models.PaperTrade, tradeID string, closePrice float64, now time.Time) ([]models.PaperTrade, error) {
	for i := range trades {
		t := &trades[i]
		if t.ID != tradeID {
			continue
		}
		if t.Status != models.TradeOpen {
			return trades, apperrors.NewCommandError("Close", "TRADE_NOT_OPEN", "trade is not open", apperrors.ErrTradeNotFound)
		}
		closeTrade(t, closePrice, now)
		return trades, nil
	}
	return trades, apperrors.NewCommandError("Close", "TRADE_NOT_FOUND", "no such trade", apperrors.ErrTradeNotFound)
}

// SquareOffAll closes every OPEN trade at the ltp supplied by
// priceOf, used when the Clock reports the square-off window and
// AutoSquareOff is enabled. priceOf returning false for a token
// leaves that trade open (no quote observed yet).
func (e *Engine) SquareOffAll(trades []models.PaperTrade, priceOf func(models.InstrumentKey) (float64, bool), now time.Time) ([]models.PaperTrade, int) {
	if !e.cfg.AutoSquareOff {
		return trades, 0
	}
	closed := 0
	for i := range trades {
		t := &trades[i]
		if t.Status != models.TradeOpen {
			continue
		}
		ltp, ok := priceOf(t.Instrument.Key())
		if !ok {
			continue
		}
		closeTrade(t, ltp, now)
		closed++
	}
	return trades, closed
}

func closeTrade(t *models.PaperTrade, exitPrice float64, now time.Time) {
	price := exitPrice
	t.ExitPrice = &price
	t.Status = models.TradeClosed
	closedAt := now
	t.ClosedAt = &closedAt
}

// SetStopLoss sets/clears the stop-loss of an OPEN trade.
func SetStopLoss(trades []models.PaperTrade, tradeID string, sl *float64) error {
	for i := range trades {
		if trades[i].ID == tradeID {
			if trades[i].Status != models.TradeOpen {
				return apperrors.NewCommandError("SetStopLoss", "TRADE_NOT_OPEN", "trade is not open", apperrors.ErrTradeNotFound)
			}
			trades[i].StopLoss = sl
			return nil
		}
	}
	return apperrors.NewCommandError("SetStopLoss", "TRADE_NOT_FOUND", "no such trade", apperrors.ErrTradeNotFound)
}

// SetTarget sets/clears the target of an OPEN trade.
func SetTarget(trades []models.PaperTrade, tradeID string, target *float64) error {
	for i := range trades {
		if trades[i].ID == tradeID {
			if trades[i].Status != models.TradeOpen {
				return apperrors.NewCommandError("SetTarget", "TRADE_NOT_OPEN", "trade is not open", apperrors.ErrTradeNotFound)
			}
			trades[i].Target = target
			return nil
		}
	}
	return apperrors.NewCommandError("SetTarget", "TRADE_NOT_FOUND", "no such trade", apperrors.ErrTradeNotFound)
}
