// Package clock isolates the core from the wall clock. Live code reads time
// only through a Clock so that queue scheduling, cache TTLs, and the daily
// reset logic stay deterministic under test.
package clock

import (
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// NowMs returns the clock's time as epoch milliseconds.
func NowMs(c Clock) int64 {
	return c.Now().UnixMilli()
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// FromMs converts epoch milliseconds to a time.Time in UTC.
func FromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ISO renders a time as RFC3339 in UTC.
func ISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nyLocation is loaded once; America/New_York is compiled into the
// binary via the tzdata hosts normally carry.
var nyLocation = mustLoadNY()

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// FixedZone keeps date math sane on hosts without tzdata,
		// at the cost of ignoring DST.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// NY returns the America/New_York location used for all calendar-date
// comparisons (daily loss reset, market open/close, rollovers).
func NY() *time.Location { return nyLocation }

// NYDate returns the calendar date of t in America/New_York as YYYY-MM-DD.
func NYDate(t time.Time) string {
	return t.In(nyLocation).Format("2006-01-02")
}

// SameNYDate reports whether a and b fall on the same New York calendar day.
func SameNYDate(a, b time.Time) bool {
	return NYDate(a) == NYDate(b)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake starts a fake clock at the given time.
func NewFake(at time.Time) *Fake {
	return &Fake{Current: at}
}

func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}

// Set jumps the fake clock to an absolute time.
func (f *Fake) Set(at time.Time) {
	f.Current = at
}
