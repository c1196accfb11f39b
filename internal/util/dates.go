// Package util provides small helpers shared across components.
package util

import "time"

// DateKeyLayout is the canonical YYYY-MM-DD layout used to key daily
// analytics documents.
const DateKeyLayout = "2006-01-02"

// DateKey returns the UTC calendar-day key for a timestamp.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateKeyLayout)
}

// RangeStart returns the date key of the first day of a range covering the
// last days calendar days up to now, inclusive. days values below 1 are
// treated as 1.
func RangeStart(now time.Time, days int) string {
	if days < 1 {
		days = 1
	}
	return DateKey(now.AddDate(0, 0, -(days - 1)))
}

// SecondsBetween returns the duration between two timestamps in seconds,
// clamped to zero when to precedes from.
func SecondsBetween(from, to time.Time) float64 {
	d := to.Sub(from).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
