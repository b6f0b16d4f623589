package util

import (
	"time"
)

const layout = "2006-01-02"

const secondsPerDay = 24 * 60 * 60

func NewDate(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func DateLte(t1, t2 time.Time) bool {
	return t1.Before(t2) || t1.Format(layout) == t2.Format(layout)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func Today() time.Time {
	return Day(time.Now())
}

// EpochDay is the number of whole days since 1970-01-01 UTC.
func EpochDay(t time.Time) int64 {
	return Day(t).Unix() / secondsPerDay
}

func FromEpochDay(d int64) time.Time {
	return time.Unix(d*secondsPerDay, 0).UTC()
}

func MinDate(dates ...time.Time) time.Time {
	var out time.Time
	for i, d := range dates {
		if i == 0 || d.Before(out) {
			out = d
		}
	}
	return out
}
