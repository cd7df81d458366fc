// Package interval holds the date-range arithmetic used for availability.
// Ranges are half-open: [Start, End). The checkout instant is never occupied,
// so a checkout and a check-in on the same day do not collide.
package interval

import (
	"iter"
	"time"
)

// Day is one calendar day.
const Day = 24 * time.Hour

// DateRange is a half-open interval [Start, End).
type DateRange struct {
	Start time.Time `json:"check_in"`
	End   time.Time `json:"check_out"`
}

// New builds a range without validating it.
func New(start, end time.Time) DateRange {
	return DateRange{Start: start, End: end}
}

// Valid reports whether End is strictly after Start.
func (r DateRange) Valid() bool {
	return r.End.After(r.Start)
}

// Nights counts the day buckets the range touches.
func (r DateRange) Nights() int {
	n := 0
	for range DayBuckets(r) {
		n++
	}
	return n
}

// Overlaps reports whether r intersects other.
func (r DateRange) Overlaps(other DateRange) bool {
	return Overlaps(r, other)
}

func (r DateRange) String() string {
	return r.Start.Format(time.RFC3339) + "/" + r.End.Format(time.RFC3339)
}

// Overlaps reports whether a and b intersect as half-open intervals.
// Touching endpoints do not overlap.
func Overlaps(a, b DateRange) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// StartOfDay normalises t to midnight UTC of its calendar day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBuckets yields the start of every UTC day in [r.Start, r.End).
// The first bucket is the day containing r.Start. The sequence is
// restartable: ranging over it twice yields the same days.
func DayBuckets(r DateRange) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		for day := StartOfDay(r.Start); day.Before(r.End); day = day.Add(Day) {
			if !yield(day) {
				return
			}
		}
	}
}

// NextAvailable scans day by day from the day of `from` and returns the first
// day that is not in blocked. ok is false when every day within horizonDays is
// blocked. Keys of blocked must be StartOfDay values.
func NextAvailable(from time.Time, blocked map[time.Time]struct{}, horizonDays int) (time.Time, bool) {
	day := StartOfDay(from)
	for i := 0; i < horizonDays; i++ {
		if _, taken := blocked[day]; !taken {
			return day, true
		}
		day = day.Add(Day)
	}
	return time.Time{}, false
}
