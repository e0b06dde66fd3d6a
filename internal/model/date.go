package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the calendar-date format used by providers, files and the store.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse date %q", s)
	}
	return t, nil
}

// AddDays shifts a calendar date by n days.
func AddDays(d time.Time, n int) time.Time {
	return Day(d).AddDate(0, 0, n)
}

// DaysBetween returns the number of calendar days from a to b (b - a).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// DayOfWeek maps a date to 0 (Monday) through 6 (Sunday).
func DayOfWeek(d time.Time) int {
	return (int(d.UTC().Weekday()) + 6) % 7
}
