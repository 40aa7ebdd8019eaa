package usage

import (
	"fmt"
	"time"
)

// DayKeyLayout formats the calendar day a snapshot belongs to.
const DayKeyLayout = "2006-01-02"

// Boundary is the local wall-clock time at which "today" starts.
// The zero value is local midnight.
type Boundary struct {
	hour   int
	minute int
}

// ParseBoundary parses an HH:MM reset time.
func ParseBoundary(s string) (Boundary, error) {
	if s == "" {
		return Boundary{}, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Boundary{}, fmt.Errorf("invalid reset time %q: %w", s, err)
	}
	return Boundary{hour: t.Hour(), minute: t.Minute()}, nil
}

// String returns the boundary as HH:MM.
func (b Boundary) String() string {
	return fmt.Sprintf("%02d:%02d", b.hour, b.minute)
}

// StartOfDay returns the most recent boundary at or before now, in now's
// location. Built from calendar fields, so a DST day is 23h or 25h long and
// a boundary that falls into a DST gap is normalized forward by time.Date.
func (b Boundary) StartOfDay(now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), b.hour, b.minute, 0, 0, now.Location())
	if now.Before(start) {
		prev := now.AddDate(0, 0, -1)
		start = time.Date(prev.Year(), prev.Month(), prev.Day(), b.hour, b.minute, 0, 0, now.Location())
	}
	return start
}

// NextReset returns the first boundary strictly after now.
func (b Boundary) NextReset(now time.Time) time.Time {
	start := b.StartOfDay(now)
	return time.Date(start.Year(), start.Month(), start.Day()+1, b.hour, b.minute, 0, 0, now.Location())
}

// DayKey names the usage day containing now.
func (b Boundary) DayKey(now time.Time) string {
	return b.StartOfDay(now).Format(DayKeyLayout)
}
