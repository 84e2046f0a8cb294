// Package models provides domain types shared across the server core.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exchange identifies the market segment an instrument trades on.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO"
	CDS Exchange = "CDS"
	MCX Exchange = "MCX"
)

// Instrument identifies a tradeable symbol by (exchange, token).
// Its previous-day OHLC fields hold the values supplied when it was
// added; nothing re-caches them when the market day changes, and no
// code path sets CachedDay.
type Instrument struct {
	Exchange Exchange
	Token    uint32
	Symbol   string

	PDO float64
	PDH float64
	PDL float64
	PDC float64

	CachedDay time.Time
}

// Key returns the ledger/map key for this instrument.
func (i Instrument) Key() InstrumentKey {
	return InstrumentKey{Exchange: i.Exchange, Token: i.Token}
}

// InstrumentKey is the (exchange, token) identity used as a map key.
type InstrumentKey struct {
	Exchange Exchange
	Token    uint32
}

// MarshalText implements encoding.TextMarshaler so InstrumentKey can
// be used as a JSON object key (e.g. in SessionSnapshot.LastLTP).
func (k InstrumentKey) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%s:%d", k.Exchange, k.Token)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *InstrumentKey) UnmarshalText(text []byte) error {
	exch, tokenStr, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("invalid instrument key %q", text)
	}
	token, err := strconv.ParseUint(tokenStr, 10, 32)
	if err != nil {
		return err
	}
	k.Exchange = Exchange(exch)
	k.Token = uint32(token)
	return nil
}

// Tick is a single decoded price observation from the upstream feed.
// Ephemeral: never persisted verbatim.
type Tick struct {
	Exchange Exchange
	Token    uint32
	LTP      float64
	TsServer time.Time
}

// Key returns the (exchange, token) identity a Tick observes.
func (t Tick) Key() InstrumentKey {
	return InstrumentKey{Exchange: t.Exchange, Token: t.Token}
}

// WatchlistItem is a Session's subscription to an Instrument.
type WatchlistItem struct {
	Instrument Instrument
	LTP        float64
	AddedAt    time.Time
}

// AlertCondition is the side of the level an alert watches for.
type AlertCondition string

const (
	ConditionAbove AlertCondition = "ABOVE"
	ConditionBelow AlertCondition = "BELOW"
)

// AlertKind distinguishes manually created alerts from auto-generated
// pivot-level alerts.
type AlertKind string

const (
	KindManual AlertKind = "MANUAL"
	KindHigh   AlertKind = "AUTO_HIGH"
	KindLow    AlertKind = "AUTO_LOW"
	KindR1     AlertKind = "AUTO_R1"
	KindR2     AlertKind = "AUTO_R2"
	KindR3     AlertKind = "AUTO_R3"
	KindR4     AlertKind = "AUTO_R4"
	KindR5     AlertKind = "AUTO_R5"
	KindR6     AlertKind = "AUTO_R6"
	KindS1     AlertKind = "AUTO_S1"
	KindS2     AlertKind = "AUTO_S2"
	KindS3     AlertKind = "AUTO_S3"
	KindS4     AlertKind = "AUTO_S4"
	KindS5     AlertKind = "AUTO_S5"
	KindS6     AlertKind = "AUTO_S6"
)

// IsAuto reports whether the kind is one of the AUTO_* pivot kinds.
func (k AlertKind) IsAuto() bool {
	return k != KindManual
}

// Alert is a price-level rule owned by a Session.
type Alert struct {
	ID         string
	Instrument Instrument
	Condition  AlertCondition
	Price      float64
	Kind       AlertKind
	Armed      bool
	CreatedAt  time.Time
}

// DirectionHintFor derives the Paper Trade Engine's entry bias from
// an alert's condition: a level approached from below (ABOVE) is
// treated as resistance and faded (SELL); a level approached from
// above (BELOW) is treated as support and bought (BUY). This is the
// pinned mean-reversion default (see SPEC_FULL.md §9).
func (a Alert) DirectionHintFor() DirectionHint {
	if a.Condition == ConditionAbove {
		return SellOnTouch
	}
	return BuyOnTouch
}

// AlertLogEntry records a fired alert for the Session's bounded log.
type AlertLogEntry struct {
	Alert         Alert
	TriggeredAt   time.Time
	PriceObserved float64
}

// TradeSide is the direction of a paper trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeStatus is the lifecycle state of a paper trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// TradeMode records whether a trade entry created a new position or
// averaged into an existing one.
type TradeMode string

const (
	ModeNew      TradeMode = "NEW"
	ModeAveraged TradeMode = "AVERAGED"
)

// PaperTrade is a simulated position derived from an alert trigger.
type PaperTrade struct {
	ID           string
	Instrument   Instrument
	Side         TradeSide
	Quantity     int
	EntryPrice   float64
	ExitPrice    *float64
	StopLoss     *float64
	Target       *float64
	Status       TradeStatus
	TriggerLevel AlertKind
	Mode         TradeMode
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// PnL computes the derived, never-stored profit/loss of an OPEN trade
// at the given last traded price. For a CLOSED trade it uses ExitPrice.
func (t PaperTrade) PnL(ltp float64) float64 {
	price := ltp
	if t.Status == TradeClosed && t.ExitPrice != nil {
		price = *t.ExitPrice
	}
	diff := price - t.EntryPrice
	if t.Side == SideSell {
		diff = -diff
	}
	return diff * float64(t.Quantity)
}

// DirectionHint is the entry bias derived from the alert kind that
// opened a paper trade.
type DirectionHint string

const (
	BuyOnTouch  DirectionHint = "BUY_ON_TOUCH"
	SellOnTouch DirectionHint = "SELL_ON_TOUCH"
)
