package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSubmitter) Submit(d types.Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, d.ScheduleEntryID)
	return "task-" + d.ScheduleEntryID, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func TestNextIntervalAdvancesFromLastRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	sched := types.ScheduleParams{Kind: types.ScheduleInterval, IntervalMinutes: 15}
	n := nextRun(now, sched, nil)
	require.Equal(t, now.Add(15*time.Minute), *n)

	last := now.Add(-5 * time.Minute)
	n2 := nextRun(now, sched, &last)
	require.Equal(t, last.Add(15*time.Minute), *n2)
}

func TestNextDailyRollsToTomorrowIfPassed(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	sched := types.ScheduleParams{Kind: types.ScheduleDaily, Hour: 9, Minute: 0}
	n := nextRun(now, sched, nil)
	require.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), *n)

	sched2 := types.ScheduleParams{Kind: types.ScheduleDaily, Hour: 11, Minute: 0}
	n2 := nextRun(now, sched2, nil)
	require.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), *n2)
}

func TestNextMonthlyClampsToDay28(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := types.ScheduleParams{Kind: types.ScheduleMonthly, DayOfMonth: 31, Hour: 0, Minute: 0}
	n := nextRun(now, sched, nil)
	require.Equal(t, 28, n.Day())
}

func TestNextOnceInPastDisablesAtCreation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := types.ScheduleParams{Kind: types.ScheduleOnce, Once: now.Add(-time.Hour)}
	require.Nil(t, nextRun(now, sched, nil))
}

func TestSchedulerFiresDueEntryAndDisablesOnce(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sub := &fakeSubmitter{}
	s := New(Config{TickInterval: time.Millisecond}, fc, sub)

	_, err := s.Add(types.Descriptor{Kind: types.TaskKindFunction, Payload: "x", TaskType: "utility"},
		types.ScheduleParams{Kind: types.ScheduleOnce, Once: fc.Now().Add(time.Minute)})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	fc.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	require.False(t, entries[0].Enabled)
}
