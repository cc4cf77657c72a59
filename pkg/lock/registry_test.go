package lock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, fc clock.Clock) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(Config{StatePath: filepath.Join(dir, "locks.json")}, fc)
}

func TestReaderWriterLockLifecycle(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	r := newRegistry(t, fc)

	require.True(t, r.Request("/x", "A", types.LockRead, time.Minute, "", 1))
	require.False(t, r.Request("/x", "B", types.LockWrite, time.Minute, "", 1))
	require.True(t, r.Request("/x", "C", types.LockRead, time.Minute, "", 1))

	require.True(t, r.Release("/x", "A"))
	require.True(t, r.Release("/x", "C"))

	require.Empty(t, r.Snapshot())

	require.True(t, r.Request("/x", "B", types.LockWrite, time.Minute, "", 1))
}

func TestPriorityPreemption(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	r := newRegistry(t, fc)

	require.True(t, r.Request("/y", "low", types.LockWrite, time.Minute, "wf-low", 4))
	require.False(t, r.Request("/y", "high", types.LockWrite, time.Minute, "wf-high", 6)) // 6 <= 4+2, not enough margin
	require.True(t, r.Request("/y", "high", types.LockWrite, time.Minute, "wf-high", 7))  // 7 > 4+2

	snap := r.Snapshot()
	require.Equal(t, "wf-high", snap["/y"].OwningWorkflowID)
}

func TestReentrantWriterExtendsDuration(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	r := newRegistry(t, fc)

	require.True(t, r.Request("/z", "A", types.LockWrite, 10*time.Second, "", 1))
	require.True(t, r.Request("/z", "A", types.LockWrite, time.Minute, "", 1))

	snap := r.Snapshot()
	require.Equal(t, 60, snap["/z"].ExpectedDurationSeconds)
}

func TestStaleLockSwept(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	r := newRegistry(t, fc)

	require.True(t, r.Request("/stale", "A", types.LockWrite, time.Second, "", 1))
	fc.Advance(time.Second + defaultGrace + time.Second)

	r.Sweep()
	require.Empty(t, r.Snapshot())
}

func TestNonOwningReleaseIsNoOp(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	r := newRegistry(t, fc)

	require.True(t, r.Request("/a", "A", types.LockWrite, time.Minute, "", 1))
	require.False(t, r.Release("/a", "B"))
}

func TestCompleteWorkflowReleasesAllItsLocks(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	r := newRegistry(t, fc)

	require.True(t, r.Request("/a", "A", types.LockWrite, time.Minute, "wf-1", 1))
	require.True(t, r.Request("/b", "A", types.LockWrite, time.Minute, "wf-1", 1))
	require.True(t, r.Request("/c", "A", types.LockWrite, time.Minute, "wf-2", 1))

	r.CompleteWorkflow("wf-1")

	snap := r.Snapshot()
	require.NotContains(t, snap, "/a")
	require.NotContains(t, snap, "/b")
	require.Contains(t, snap, "/c")
}
