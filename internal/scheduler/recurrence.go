package scheduler

import (
	"fmt"
	"time"

	"github.com/Cypherspark/smsync/internal/core"
)

func validPattern(p core.RecurrencePattern) bool {
	switch p {
	case core.RecurMinutes, core.RecurHourly, core.RecurDaily, core.RecurWeekly, core.RecurMonthly:
		return true
	}
	return false
}

// occurrence returns the k-th firing after anchor (k=0 is anchor itself). Calendar patterns
// step in loc so wall-clock time survives DST; monthly clamps to the last day of short months.
func occurrence(anchor time.Time, loc *time.Location, p core.RecurrencePattern, interval, k int) time.Time {
	a := anchor.In(loc)
	n := interval * k
	switch p {
	case core.RecurMinutes:
		return a.Add(time.Duration(n) * time.Minute)
	case core.RecurHourly:
		return a.Add(time.Duration(n) * time.Hour)
	case core.RecurDaily:
		return a.AddDate(0, 0, n)
	case core.RecurWeekly:
		return a.AddDate(0, 0, 7*n)
	default:
		return addMonthsClamped(a, n)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// approxStep is a lower bound on one step, used only to jump close to the answer.
func approxStep(p core.RecurrencePattern, interval int) time.Duration {
	switch p {
	case core.RecurMinutes:
		return time.Duration(interval) * time.Minute
	case core.RecurHourly:
		return time.Duration(interval) * time.Hour
	case core.RecurDaily:
		return time.Duration(interval) * 23 * time.Hour
	case core.RecurWeekly:
		return time.Duration(interval) * (7*24 - 1) * time.Hour
	default:
		return time.Duration(interval) * 28 * 24 * time.Hour
	}
}

// NextOccurrence is the first occurrence of e's series strictly after both after and the
// slot that just fired. Occurrences missed while the process was down are skipped.
func NextOccurrence(e *core.ScheduledExecution, after time.Time) (time.Time, error) {
	if !validPattern(e.Pattern) {
		return time.Time{}, fmt.Errorf("unknown recurrence pattern %q", e.Pattern)
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("timezone %q: %w", e.Timezone, err)
	}
	interval := e.Interval
	if interval < 1 {
		interval = 1
	}
	if e.NextExecutionTime.After(after) {
		after = e.NextExecutionTime
	}

	k := 1
	if gap := after.Sub(e.ScheduledTime); gap > 0 {
		// approxStep underestimates, so this can only overshoot by a few steps
		k = int(gap/approxStep(e.Pattern, interval)) + 1
		for k > 1 && occurrence(e.ScheduledTime, loc, e.Pattern, interval, k-1).After(after) {
			k--
		}
	}
	for !occurrence(e.ScheduledTime, loc, e.Pattern, interval, k).After(after) {
		k++
	}
	return occurrence(e.ScheduledTime, loc, e.Pattern, interval, k).UTC(), nil
}
