package orchestrator

import (
	"time"

	"github.com/sms-agents/orchestrator/model"
)

// nextOptimalSendTime picks when a delayed message should be retried,
// preferring the user's observed best-hours/best-weekdays pattern over
// a blind "try again in an hour" (spec.md §4.1 Optimal Send Time). It
// always returns a time strictly after `after`.
//
// With no learned pattern (no BestHours), it returns the next 10:00
// user-local strictly after `after`.
func nextOptimalSendTime(user *model.User, after time.Time) time.Time {
	loc := userLocation(user)
	local := after.In(loc)

	pattern := user.Pattern
	if pattern == nil || len(pattern.BestHours) == 0 {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), 10, 0, 0, 0, loc)
		if !candidate.After(local) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.In(time.UTC)
	}

	for dayOffset := 0; dayOffset < 8; dayOffset++ {
		candidateDay := local.AddDate(0, 0, dayOffset)
		if len(pattern.BestWeekdays) > 0 && !weekdayIn(candidateDay.Weekday(), pattern.BestWeekdays) {
			continue
		}
		for _, h := range sortedHours(pattern.BestHours) {
			candidate := time.Date(candidateDay.Year(), candidateDay.Month(), candidateDay.Day(), h, 0, 0, 0, loc)
			if candidate.After(local) {
				return candidate.In(time.UTC)
			}
		}
	}
	// Pattern named hours/weekdays we never matched within a week; fall
	// back to a one-hour defer rather than scheduling far in the future.
	return after.Add(time.Hour)
}

func weekdayIn(d time.Weekday, days []time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

func sortedHours(hours []int) []int {
	out := make([]int, len(hours))
	copy(out, hours)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func userLocation(user *model.User) *time.Location {
	if user.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// inQuietHours reports whether t, interpreted in the user's timezone,
// falls within [QuietStart, QuietEnd) — or the user's own override
// window when set (spec.md §3 User.quiet_hours).
func inQuietHours(user *model.User, cfg Config, t time.Time) bool {
	start, end := cfg.QuietHoursStart, cfg.QuietHoursEnd
	if user.QuietStart != 0 || user.QuietEnd != 0 {
		start, end = user.QuietStart, user.QuietEnd
	}
	hour := t.In(userLocation(user)).Hour()
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Wraps midnight, e.g. 22 -> 8.
	return hour >= start || hour < end
}

// endOfQuietHours returns the next instant quiet hours end, in UTC.
func endOfQuietHours(user *model.User, cfg Config, t time.Time) time.Time {
	start, end := cfg.QuietHoursStart, cfg.QuietHoursEnd
	if user.QuietStart != 0 || user.QuietEnd != 0 {
		start, end = user.QuietStart, user.QuietEnd
	}
	_ = start
	loc := userLocation(user)
	local := t.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.In(time.UTC)
}
