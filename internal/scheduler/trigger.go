package scheduler

import (
	"fmt"
	"time"
)

// Trigger computes fire times. Implementations must be pure: the same
// after yields the same next, strictly later than after.
type Trigger interface {
	NextRun(after time.Time) time.Time
	Describe() string
}

// DailyTrigger fires once per day at a wall-clock time, in the local
// zone of the given reference time.
type DailyTrigger struct {
	Hour   int
	Minute int
}

func (t DailyTrigger) NextRun(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), t.Hour, t.Minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (t DailyTrigger) Describe() string {
	return fmt.Sprintf("daily at %02d:%02d", t.Hour, t.Minute)
}

// IntervalTrigger fires on a fixed period.
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) NextRun(after time.Time) time.Time {
	return after.Add(t.Every)
}

func (t IntervalTrigger) Describe() string {
	return fmt.Sprintf("every %s", t.Every)
}
