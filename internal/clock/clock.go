// Package clock provides the monotonic/wall time indirection every
// time-dependent decision in the server goes through, so tests can
// supply a fake. Market-day and square-off-window arithmetic reads
// time from the injected Clock rather than time.Now() directly.
package clock

import "time"

// Window is an inclusive [start, end] time-of-day window expressed as minutes
// since midnight, in the market timezone.
type Window struct {
	StartMinute int
	EndMinute   int
}

// Clock is the single source of time for the server core.
type Clock interface {
	// NowWall returns the current wall-clock time.
	NowWall() time.Time
	// NowMono returns a monotonic instant suitable only for measuring
	// elapsed durations (backoff timers, deadlines).
	NowMono() time.Time
	// MarketDayFor returns the calendar date (midnight, market tz) that
	// wall belongs to.
	MarketDayFor(wall time.Time) time.Time
	// IsSquareOffWindow reports whether wall falls inside the
	// configured auto square-off window.
	IsSquareOffWindow(wall time.Time) bool
}

// RealClock is the production Clock backed by time.Now() and a fixed
// market timezone (IST for this deployment's trading session windows).
type RealClock struct {
	location  *time.Location
	squareOff Window
}

// NewRealClock builds a RealClock for the given IANA timezone name and
// square-off window (start/end as "HH:MM").
func NewRealClock(tz string, squareOffStart, squareOffEnd string) (*RealClock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	start, err := parseHHMM(squareOffStart)
	if err != nil {
		return nil, err
	}
	end, err := parseHHMM(squareOffEnd)
	if err != nil {
		return nil, err
	}
	return &RealClock{location: loc, squareOff: Window{StartMinute: start, EndMinute: end}}, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *RealClock) NowWall() time.Time { return time.Now().In(c.location) }

func (c *RealClock) NowMono() time.Time { return time.Now() }

func (c *RealClock) MarketDayFor(wall time.Time) time.Time {
	w := wall.In(c.location)
	return time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, c.location)
}

func (c *RealClock) IsSquareOffWindow(wall time.Time) bool {
	return inWindow(wall.In(c.location), c.squareOff)
}

func inWindow(t time.Time, w Window) bool {
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= w.StartMinute && minutes <= w.EndMinute
}

// FakeClock is a test double with a mutable instant, used to exercise
// edge-triggering and square-off boundary behaviors deterministically.
type FakeClock struct {
	instant   time.Time
	location  *time.Location
	squareOff Window
}

// NewFakeClock builds a FakeClock fixed at instant, in the given
// location, with the given square-off window.
func NewFakeClock(instant time.Time, loc *time.Location, squareOff Window) *FakeClock {
	return &FakeClock{instant: instant, location: loc, squareOff: squareOff}
}

// Set moves the fake clock to a new instant.
func (c *FakeClock) Set(t time.Time) { c.instant = t }

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) { c.instant = c.instant.Add(d) }

func (c *FakeClock) NowWall() time.Time { return c.instant.In(c.location) }

func (c *FakeClock) NowMono() time.Time { return c.instant }

func (c *FakeClock) MarketDayFor(wall time.Time) time.Time {
	w := wall.In(c.location)
	return time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, c.location)
}

func (c *FakeClock) IsSquareOffWindow(wall time.Time) bool {
	return inWindow(wall.In(c.location), c.squareOff)
}

var _ Clock = (*RealClock)(nil)
var _ Clock = (*FakeClock)(nil)
