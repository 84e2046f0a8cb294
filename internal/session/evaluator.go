package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/logging"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

// evaluateTick runs the edge-triggered alert contract for one decoded
// tick against this Session's state, then hands any
// fired alert to the Paper Trade Engine when auto-paper is enabled.
// It is always called from the command loop, so no locking is needed.
func (s *Session) evaluateTick(tick models.Tick) {
	key := tick.Key()

	prev, hadPrev := s.LastLTP[key]
	if !hadPrev {
		if inst, ok := s.instrumentFor(key); ok && inst.PDC != 0 {
			prev = inst.PDC
			hadPrev = true
		}
	}

	if !s.AlertsPaused {
		for i := range s.ActiveAlerts {
			a := &s.ActiveAlerts[i]
			if !a.Armed || a.Instrument.Key() != key {
				continue
			}
			if !hadPrev {
				continue
			}
			if fired(*a, prev, tick.LTP) {
				s.fireAlert(i, tick)
			}
		}
		s.pruneFiredAlerts()
	}

	s.LastLTP[key] = tick.LTP

	for i := range s.Watchlist {
		if s.Watchlist[i].Instrument.Key() == key {
			s.Watchlist[i].LTP = tick.LTP
		}
	}

	updated, closedAny := s.paperEngine.ApplyTick(s.PaperTrades, key, tick.LTP, s.clock.NowWall())
	s.PaperTrades = updated
	if closedAny {
		s.markDirty()
		s.pushTradeUpdate()
	}

	if s.clock.IsSquareOffWindow(s.clock.NowWall()) {
		updated, closed := s.paperEngine.SquareOffAll(s.PaperTrades, s.lastLTPLookup, s.clock.NowWall())
		s.PaperTrades = updated
		if closed > 0 {
			s.markDirty()
			s.pushTradeUpdate()
		}
	}

	s.pushPriceUpdate(tick)
}

// fired implements the edge-triggering crossing contract precisely:
//
//	ABOVE: prev < price  &&  t.ltp >= price
//	BELOW: prev > price  &&  t.ltp <= price
func fired(a models.Alert, prev, ltp float64) bool {
	switch a.Condition {
	case models.ConditionAbove:
		return prev < a.Price && ltp >= a.Price
	case models.ConditionBelow:
		return prev > a.Price && ltp <= a.Price
	default:
		return false
	}
}

// fireAlert disarms active alert i, appends it to the bounded log,
// pushes an alert_triggered frame, and — if auto-paper is enabled —
// opens a paper trade from it.
func (s *Session) fireAlert(i int, tick models.Tick) {
	a := s.ActiveAlerts[i]
	a.Armed = false

	entry := models.AlertLogEntry{
		Alert:         a,
		TriggeredAt:   s.clock.NowWall(),
		PriceObserved: tick.LTP,
	}
	s.AlertLog = append(s.AlertLog, entry)
	if len(s.AlertLog) > models.MaxAlertLog {
		s.AlertLog = s.AlertLog[len(s.AlertLog)-models.MaxAlertLog:]
	}
	s.firedIdx = append(s.firedIdx, i)
	s.markDirty()

	if s.channel != nil {
		s.channel.Send(models.NewServerMessage(models.MsgAlertTriggered, models.AlertTriggeredPayload{
			Alert: a,
			Log:   entry,
		}))
	}

	if s.AutoPaperEnabled {
		sig := trading.EntrySignal{
			Instrument:   a.Instrument,
			EntryPrice:   tick.LTP,
			Direction:    a.DirectionHintFor(),
			TriggerLevel: a.Kind,
		}
		updated, err := s.paperEngine.Enter(s.PaperTrades, s.VirtualBalance, sig, s.clock.NowWall(), uuid.NewString)
		if err != nil {
			l := logging.WithInstrument(s.logger, string(a.Instrument.Exchange), a.Instrument.Token)
			l.Info().Err(err).Str("alert_id", a.ID).Msg("auto paper entry refused")
		} else {
			s.PaperTrades = updated
			s.pushTradeUpdate()
		}
	}
}

// pruneFiredAlerts removes every alert marked in s.firedIdx from the
// active set, highest index first so earlier indices stay valid.
func (s *Session) pruneFiredAlerts() {
	if len(s.firedIdx) == 0 {
		return
	}
	idx := s.firedIdx
	s.firedIdx = nil
	for i := len(idx) - 1; i >= 0; i-- {
		j := idx[i]
		s.ActiveAlerts = append(s.ActiveAlerts[:j], s.ActiveAlerts[j+1:]...)
	}
}

func (s *Session) instrumentFor(key models.InstrumentKey) (models.Instrument, bool) {
	for _, w := range s.Watchlist {
		if w.Instrument.Key() == key {
			return w.Instrument, true
		}
	}
	return models.Instrument{}, false
}

func (s *Session) lastLTPLookup(key models.InstrumentKey) (float64, bool) {
	v, ok := s.LastLTP[key]
	return v, ok
}

// generateAutoAlerts computes the canonical AUTO_* pivot alerts for
// instrument from its cached previous-day OHLC and installs them,
// idempotently replacing any existing armed auto alerts for the same
// token. It returns only the newly generated alerts.
func (s *Session) generateAutoAlerts(instrument models.Instrument, now time.Time) []models.Alert {
	key := instrument.Key()
	kept := make([]models.Alert, 0, len(s.ActiveAlerts))
	for _, a := range s.ActiveAlerts {
		if a.Instrument.Key() == key && a.Kind.IsAuto() {
			continue
		}
		kept = append(kept, a)
	}

	levels := pivotLevels(instrument.PDH, instrument.PDL, instrument.PDC)
	levels[models.KindHigh] = pivotLevel{price: instrument.PDH, condition: models.ConditionAbove}
	levels[models.KindLow] = pivotLevel{price: instrument.PDL, condition: models.ConditionBelow}

	generated := make([]models.Alert, 0, len(levels))
	for kind, lvl := range levels {
		alert := models.Alert{
			ID:         uuid.NewString(),
			Instrument: instrument,
			Condition:  lvl.condition,
			Price:      lvl.price,
			Kind:       kind,
			Armed:      true,
			CreatedAt:  now,
		}
		kept = append(kept, alert)
		generated = append(generated, alert)
	}

	s.ActiveAlerts = kept
	return generated
}

type pivotLevel struct {
	price     float64
	condition models.AlertCondition
}

// pivotLevels implements the standard extended pivot-point formula
// (R1..R6/S1..S6 from PDH/PDL/PDC), resistance levels watched ABOVE
// and support levels watched BELOW.
func pivotLevels(high, low, close float64) map[models.AlertKind]pivotLevel {
	p := (high + low + close) / 3

	r1 := 2*p - low
	s1 := 2*p - high
	r2 := p + (high - low)
	s2 := p - (high - low)
	r3 := high + 2*(p-low)
	s3 := low - 2*(high-p)
	r4 := r3 + (r2 - r1)
	s4 := s3 - (s1 - s2)
	r5 := r4 + (r3 - r2)
	s5 := s4 - (s2 - s3)
	r6 := r5 + (r4 - r3)
	s6 := s5 - (s3 - s4)

	return map[models.AlertKind]pivotLevel{
		models.KindR1: {r1, models.ConditionAbove},
		models.KindR2: {r2, models.ConditionAbove},
		models.KindR3: {r3, models.ConditionAbove},
		models.KindR4: {r4, models.ConditionAbove},
		models.KindR5: {r5, models.ConditionAbove},
		models.KindR6: {r6, models.ConditionAbove},
		models.KindS1: {s1, models.ConditionBelow},
		models.KindS2: {s2, models.ConditionBelow},
		models.KindS3: {s3, models.ConditionBelow},
		models.KindS4: {s4, models.ConditionBelow},
		models.KindS5: {s5, models.ConditionBelow},
		models.KindS6: {s6, models.ConditionBelow},
	}
}
