package session

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clk "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

func testInstrument() models.Instrument {
	return models.Instrument{Exchange: models.NSE, Token: 256265, Symbol: "NIFTY", PDO: 100, PDH: 110, PDL: 90, PDC: 105}
}

func newTestSession() *Session {
	loc := time.UTC
	return &Session{
		LastLTP:     make(map[models.InstrumentKey]float64),
		clock:       clk.NewFakeClock(time.Date(2026, 8, 6, 10, 0, 0, 0, loc), loc, clk.Window{StartMinute: 15*60 + 15, EndMinute: 15*60 + 30}),
		paperEngine: trading.NewEngine(trading.Config{PerTradeCap: 1, AllowAveraging: true}),
		logger:      zerolog.Nop(),
	}
}

// fired implements the edge-triggered crossing contract, not a simple
// above/below level check: a tick observed without a strictly prior
// observation on the wrong side of the level must never fire.
func TestFired_RequiresCrossingFromTheOtherSide(t *testing.T) {
	a := models.Alert{Condition: models.ConditionAbove, Price: 100}

	assert.False(t, fired(a, 100, 101), "prev already at the level, not below it")
	assert.True(t, fired(a, 99, 101))
	assert.True(t, fired(a, 99, 100))
	assert.False(t, fired(a, 101, 102), "prev already above, no crossing happened")

	b := models.Alert{Condition: models.ConditionBelow, Price: 100}
	assert.True(t, fired(b, 101, 99))
	assert.False(t, fired(b, 99, 98), "prev already below, no crossing happened")
}

func TestEvaluateTick_FiresArmedAlertAndDisarmsIt(t *testing.T) {
	s := newTestSession()
	inst := testInstrument()
	s.Watchlist = []models.WatchlistItem{{Instrument: inst}}
	s.ActiveAlerts = []models.Alert{
		{ID: "a1", Instrument: inst, Condition: models.ConditionAbove, Price: 108, Armed: true},
	}
	s.LastLTP[inst.Key()] = 107

	s.evaluateTick(models.Tick{Exchange: inst.Exchange, Token: inst.Token, LTP: 109, TsServer: time.Now()})

	require.Len(t, s.AlertLog, 1)
	assert.Equal(t, "a1", s.AlertLog[0].Alert.ID)
	assert.Empty(t, s.ActiveAlerts, "fired alert must be pruned from the active set")
}

func TestEvaluateTick_SeedsPreviousObservationFromPDC(t *testing.T) {
	s := newTestSession()
	inst := testInstrument()
	s.Watchlist = []models.WatchlistItem{{Instrument: inst}}
	s.ActiveAlerts = []models.Alert{
		{ID: "a1", Instrument: inst, Condition: models.ConditionAbove, Price: inst.PDC + 1, Armed: true},
	}

	// No prior tick observed yet: the first evaluation must treat PDC
	// as the previous observation rather than skip for lack of history.
	s.evaluateTick(models.Tick{Exchange: inst.Exchange, Token: inst.Token, LTP: inst.PDC + 2, TsServer: time.Now()})

	require.Len(t, s.AlertLog, 1)
}

func TestEvaluateTick_PausedAlertsNeverFire(t *testing.T) {
	s := newTestSession()
	inst := testInstrument()
	s.AlertsPaused = true
	s.Watchlist = []models.WatchlistItem{{Instrument: inst}}
	s.ActiveAlerts = []models.Alert{
		{ID: "a1", Instrument: inst, Condition: models.ConditionAbove, Price: 100, Armed: true},
	}
	s.LastLTP[inst.Key()] = 99

	s.evaluateTick(models.Tick{Exchange: inst.Exchange, Token: inst.Token, LTP: 101, TsServer: time.Now()})

	assert.Empty(t, s.AlertLog)
	assert.Len(t, s.ActiveAlerts, 1)
}

func TestGenerateAutoAlerts_ReplacesExistingAutoAlertsIdempotently(t *testing.T) {
	s := newTestSession()
	inst := testInstrument()
	s.ActiveAlerts = []models.Alert{
		{ID: "manual", Instrument: inst, Kind: models.KindManual, Armed: true},
	}

	first := s.generateAutoAlerts(inst, time.Now())
	assert.Len(t, first, 14)          // HIGH, LOW, R1-R6, S1-S6
	assert.Len(t, s.ActiveAlerts, 15) // + the kept manual alert

	second := s.generateAutoAlerts(inst, time.Now())
	assert.Len(t, second, 14, "regenerating must replace, not append, auto alerts")
	assert.Len(t, s.ActiveAlerts, 15)
}

func TestPivotLevels_MatchesStandardFormula(t *testing.T) {
	high, low, close := 110.0, 90.0, 105.0
	p := (high + low + close) / 3

	levels := pivotLevels(high, low, close)

	assert.InDelta(t, 2*p-low, levels[models.KindR1].price, 1e-9)
	assert.InDelta(t, 2*p-high, levels[models.KindS1].price, 1e-9)
	assert.InDelta(t, p+(high-low), levels[models.KindR2].price, 1e-9)
	assert.InDelta(t, p-(high-low), levels[models.KindS2].price, 1e-9)
	assert.InDelta(t, high+2*(p-low), levels[models.KindR3].price, 1e-9)
	assert.InDelta(t, low-2*(high-p), levels[models.KindS3].price, 1e-9)

	assert.Equal(t, models.ConditionAbove, levels[models.KindR1].condition)
	assert.Equal(t, models.ConditionBelow, levels[models.KindS1].condition)
}

// Property: the resistance ladder R1..R6 is always strictly increasing
// and the support ladder S1..S6 strictly decreasing, for any valid
// high > low previous-day range (the recurrence each level is built
// from guarantees monotonicity).
func TestProperty_PivotLaddersAreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	lowGen := gen.Float64Range(10, 1000)

	properties.Property("R ladder increases and S ladder decreases", prop.ForAll(
		func(low, rangeSize, closeFrac float64) bool {
			high := low + rangeSize
			close := low + closeFrac*rangeSize

			levels := pivotLevels(high, low, close)
			rs := []float64{
				levels[models.KindR1].price, levels[models.KindR2].price, levels[models.KindR3].price,
				levels[models.KindR4].price, levels[models.KindR5].price, levels[models.KindR6].price,
			}
			ss := []float64{
				levels[models.KindS1].price, levels[models.KindS2].price, levels[models.KindS3].price,
				levels[models.KindS4].price, levels[models.KindS5].price, levels[models.KindS6].price,
			}
			for i := 1; i < len(rs); i++ {
				if rs[i] <= rs[i-1] {
					return false
				}
			}
			for i := 1; i < len(ss); i++ {
				if ss[i] >= ss[i-1] {
					return false
				}
			}
			return true
		},
		lowGen, gen.Float64Range(1, 500), gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
