// Package clock funnels every "now" the engine needs through one fixed,
// explicit timezone. Mixing process-local and zoned time is the classic
// off-by-one-hour scheduling bug, so nothing else in the engine may call
// time.Now directly for schedule math.
package clock

import (
	"fmt"
	"strings"
	"time"
)

type Clock interface {
	// Now returns the current time already converted to the engine zone.
	Now() time.Time
	Location() *time.Location
}

type zoned struct {
	loc *time.Location
}

// NewZoned builds a Clock for the given IANA zone name (e.g. "Asia/Jakarta").
// An empty name means UTC; local time is deliberately not an option.
func NewZoned(tz string) (Clock, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return zoned{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("clock: invalid timezone %q: %w", tz, err)
	}
	return zoned{loc: loc}, nil
}

func (z zoned) Now() time.Time            { return time.Now().In(z.loc) }
func (z zoned) Location() *time.Location  { return z.loc }

// StartOfDay returns midnight of t's calendar day in t's own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the first instant of the following calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// DayKey formats t's calendar day for use in claim keys.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// Fixed is a test clock that returns a settable instant.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time           { return f.T }
func (f *Fixed) Location() *time.Location { return f.T.Location() }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
