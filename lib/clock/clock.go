package clock

import (
	"fmt"
	"time"
)

const layout = "2006-01-02T15:04:05Z"

// Clock returns the current time; services take one so tests can pin it.
type Clock func() time.Time

// System is the wall clock in UTC.
func System() time.Time {
	return time.Now().UTC()
}

// Fixed returns a Clock that always reports t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

func Now() string {
	return time.Now().UTC().Format(layout)
}

// Day returns the UTC calendar day of t, used for daily counters.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Duration duration between two times represented as strings
func Duration(from, to string) (time.Duration, error) {
	fromTime, err := time.Parse(layout, from)
	if err != nil {
		return 0, fmt.Errorf("from is not a valid time: %s", from)
	}
	toTime, err := time.Parse(layout, to)
	if err != nil {
		return 0, fmt.Errorf("to is not a valid time: %s", to)
	}
	return toTime.Sub(fromTime), nil
}
