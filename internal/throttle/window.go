package throttle

import (
	"sort"
	"time"
)

// rollingWindow is the span of the rolling usage window.
const rollingWindow = 5 * time.Hour

// usageEvent is one assistant message's token cost at a point in time.
type usageEvent struct {
	ts     time.Time
	tokens int64
}

// weeklyBounds computes the current weekly window [lastReset, nextReset) for
// a calendar boundary in a zone. AddDate arithmetic can land on the wrong
// wall clock when a DST transition sits inside the step, so the wall clock
// is re-anchored after each shift, up to three rounds.
func weeklyBounds(now time.Time, weekday time.Weekday, hour, minute int, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	c := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	back := (int(local.Weekday()) - int(weekday) + 7) % 7
	c = anchorWall(c.AddDate(0, 0, -back), hour, minute, loc)

	for i := 0; i < 3 && c.After(now); i++ {
		c = anchorWall(c.AddDate(0, 0, -7), hour, minute, loc)
	}
	next := anchorWall(c.AddDate(0, 0, 7), hour, minute, loc)
	for i := 0; i < 3 && !next.After(now); i++ {
		c = next
		next = anchorWall(c.AddDate(0, 0, 7), hour, minute, loc)
	}
	return c, next
}

// anchorWall rebuilds t at the intended wall-clock time in loc, absorbing
// any offset drift introduced by date arithmetic across a DST change.
func anchorWall(t time.Time, hour, minute int, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), hour, minute, 0, 0, loc)
}

// sumWindow totals the tokens of events inside [start, end).
func sumWindow(events []usageEvent, start, end time.Time) int64 {
	var total int64
	for _, ev := range events {
		if !ev.ts.Before(start) && ev.ts.Before(end) {
			total += ev.tokens
		}
	}
	return total
}

// rollingResumeAt finds when a rolling window drops back under cap: the
// earliest event whose expiry from the window brings usage strictly under
// the cap determines the resume time. Usage equal to the cap still counts
// as capped, matching the window-state trip condition.
func rollingResumeAt(events []usageEvent, start, end time.Time, used, capTokens int64) time.Time {
	if used < capTokens {
		return time.Time{}
	}
	inWindow := make([]usageEvent, 0, len(events))
	for _, ev := range events {
		if !ev.ts.Before(start) && ev.ts.Before(end) {
			inWindow = append(inWindow, ev)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].ts.Before(inWindow[j].ts) })

	remaining := used
	var resume time.Time
	for _, ev := range inWindow {
		remaining -= ev.tokens
		resume = ev.ts.Add(rollingWindow)
		if remaining < capTokens {
			break
		}
	}
	return resume
}
