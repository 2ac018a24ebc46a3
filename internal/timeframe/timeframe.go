// Package timeframe parses timeframe strings and computes bucket boundaries.
//
// Timeframes at or below one hour align to UTC; intraday timeframes above
// one hour align to the daily trading session, which starts at 18:00 in
// America/New_York. Session starts are DST-aware: computing them goes
// through the time zone database rather than fixed-offset arithmetic, and
// the per-day result is memoized because alignment runs on every trade.
package timeframe

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	// MinuteMs is one minute in milliseconds, the base bar interval.
	MinuteMs int64 = 60_000

	// HourMs is one hour in milliseconds, the UTC/session alignment boundary.
	HourMs int64 = 3_600_000

	// DayMs is one day in milliseconds, the longest supported interval.
	DayMs int64 = 86_400_000
)

// sessionStartHour is the local hour the daily trading session opens at.
const sessionStartHour = 18

// ErrInvalidTimeframe indicates a string that does not match `\d+[mhd]`
// or an interval beyond one day.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

var timeframePattern = regexp.MustCompile(`^(\d+)([mhd])$`)

// Parse converts a timeframe string such as "5m", "4h" or "1d" into an
// interval in milliseconds. Intervals longer than one day are rejected.
func Parse(tf string) (int64, error) {
	m := timeframePattern.FindStringSubmatch(tf)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}

	var unit int64
	switch m[2] {
	case "m":
		unit = MinuteMs
	case "h":
		unit = HourMs
	case "d":
		unit = DayMs
	}

	interval := n * unit
	if interval > DayMs {
		return 0, fmt.Errorf("%w: %q exceeds one day", ErrInvalidTimeframe, tf)
	}
	return interval, nil
}

// Aligner computes bucket boundaries, caching session-start instants keyed
// by local calendar day. A single Aligner is shared across sessions; the
// cache is guarded by a mutex because alignment is called from many
// goroutines.
type Aligner struct {
	loc *time.Location

	mu       sync.Mutex
	sessions map[string]int64 // local calendar day -> 18:00 instant, epoch ms
}

// NewAligner loads the session time zone and returns a ready Aligner.
func NewAligner() (*Aligner, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load session time zone: %w", err)
	}
	return &Aligner{loc: loc, sessions: make(map[string]int64)}, nil
}

// Bucket returns the aligned bucket start for timestamp ts (epoch ms UTC)
// and interval (ms). Intervals at or below one hour align to UTC; longer
// intervals align to the most recent daily session start.
func (a *Aligner) Bucket(ts, interval int64) int64 {
	if interval <= HourMs {
		return (ts / interval) * interval
	}
	s := a.SessionStart(ts)
	return s + ((ts-s)/interval)*interval
}

// SessionStart returns the most recent 18:00 America/New_York instant at or
// before ts, as epoch milliseconds UTC.
func (a *Aligner) SessionStart(ts int64) int64 {
	local := time.UnixMilli(ts).In(a.loc)

	day := local.Format("2006-01-02")
	start := a.sessionStartOfDay(day, local)
	if start <= ts {
		return start
	}

	// Before 18:00 local: the session opened on the previous calendar day.
	prev := local.AddDate(0, 0, -1)
	return a.sessionStartOfDay(prev.Format("2006-01-02"), prev)
}

// sessionStartOfDay resolves and memoizes the 18:00 local instant for the
// calendar day the reference time falls on.
func (a *Aligner) sessionStartOfDay(day string, ref time.Time) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ms, ok := a.sessions[day]; ok {
		return ms
	}

	y, m, d := ref.Date()
	ms := time.Date(y, m, d, sessionStartHour, 0, 0, 0, a.loc).UnixMilli()
	a.sessions[day] = ms
	return ms
}
