package scheduler

import (
	"time"

	"github.com/cuemby/taskcore/pkg/types"
)

// nextRun computes the next fire time for a schedule variant, per spec
// §4.8. Grounded on claude_task_scheduler.py's per-kind next-run
// arithmetic, expressed as sealed-variant Go instead of the source's
// stringly-typed schedule dicts.
func nextRun(now time.Time, sched types.ScheduleParams, lastRun *time.Time) *time.Time {
	switch sched.Kind {
	case types.ScheduleInterval:
		return nextInterval(now, sched, lastRun)
	case types.ScheduleDaily:
		return nextDaily(now, sched)
	case types.ScheduleWeekly:
		return nextWeekly(now, sched)
	case types.ScheduleMonthly:
		return nextMonthly(now, sched)
	case types.ScheduleOnce:
		return nextOnce(now, sched)
	default:
		return nil
	}
}

func nextInterval(now time.Time, sched types.ScheduleParams, lastRun *time.Time) *time.Time {
	interval := time.Duration(sched.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	var t time.Time
	if lastRun == nil {
		t = now.Add(interval)
	} else {
		t = lastRun.Add(interval)
		if !t.After(now) {
			t = now.Add(interval)
		}
	}
	return &t
}

func nextDaily(now time.Time, sched types.ScheduleParams) *time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), sched.Hour, sched.Minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return &candidate
}

func nextWeekly(now time.Time, sched types.ScheduleParams) *time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), sched.Hour, sched.Minute, 0, 0, now.Location())
	daysAhead := (int(sched.Weekday) - int(now.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return &candidate
}

func nextMonthly(now time.Time, sched types.ScheduleParams) *time.Time {
	day := sched.DayOfMonth
	if day <= 0 {
		day = 1
	}
	if day > 28 {
		day = 28 // spec §4.8: clamp to 28 to avoid short-month corner cases
	}

	candidate := monthlyCandidate(now.Year(), now.Month(), day, sched.Hour, sched.Minute, now.Location())
	if !candidate.After(now) {
		y, m := now.Year(), now.Month()+1
		if m > 12 {
			m = 1
			y++
		}
		candidate = monthlyCandidate(y, m, day, sched.Hour, sched.Minute, now.Location())
	}
	return &candidate
}

// monthlyCandidate builds hh:mm on the given day of month, rolling to
// the last day of that month if it's shorter than `day` requires.
func monthlyCandidate(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func nextOnce(now time.Time, sched types.ScheduleParams) *time.Time {
	if !sched.Once.After(now) {
		return nil // created disabled: the moment has already passed
	}
	t := sched.Once
	return &t
}
