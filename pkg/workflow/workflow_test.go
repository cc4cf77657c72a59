package workflow

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRegisterAgentRefusedWhileStopped(t *testing.T) {
	w := New(Config{}, nil)
	err := w.RegisterAgent("a1", types.AgentInfo{})
	require.Error(t, err)
}

func TestPauseMovesActiveAgentsToPaused(t *testing.T) {
	w := New(Config{}, nil)
	require.NoError(t, w.SetState(types.WorkflowRunning))
	require.NoError(t, w.RegisterAgent("a1", types.AgentInfo{}))

	require.NoError(t, w.SetState(types.WorkflowPaused))

	active, paused, _ := w.Agents()
	require.Empty(t, active)
	require.Contains(t, paused, "a1")
}

func TestResumeFromPauseReactivatesPausedAgents(t *testing.T) {
	w := New(Config{}, nil)
	require.NoError(t, w.SetState(types.WorkflowRunning))
	require.NoError(t, w.RegisterAgent("a1", types.AgentInfo{}))
	require.NoError(t, w.SetState(types.WorkflowPaused))
	require.NoError(t, w.SetState(types.WorkflowRunning))

	active, paused, _ := w.Agents()
	require.Contains(t, active, "a1") // resuming moves paused agents back to active
	require.NotContains(t, paused, "a1")
}

func TestFreshStartClearsAgentLists(t *testing.T) {
	w := New(Config{}, nil)
	require.NoError(t, w.SetState(types.WorkflowRunning))
	require.NoError(t, w.RegisterAgent("a1", types.AgentInfo{}))
	require.NoError(t, w.SetState(types.WorkflowStopped))
	require.NoError(t, w.SetState(types.WorkflowRunning))

	active, paused, terminated := w.Agents()
	require.Empty(t, active)
	require.Empty(t, paused)
	require.Empty(t, terminated)
}

func TestUnregisterAgentMovesToTerminated(t *testing.T) {
	w := New(Config{}, nil)
	require.NoError(t, w.SetState(types.WorkflowRunning))
	require.NoError(t, w.RegisterAgent("a1", types.AgentInfo{}))

	require.True(t, w.UnregisterAgent("a1", "completed"))
	require.False(t, w.UnregisterAgent("a1", "completed"))

	counts, _ := w.Stats()
	require.Equal(t, 1, counts.Terminated)
	require.Equal(t, 0, counts.Active)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "workflow_status.json")

	w := New(Config{StatePath: statePath}, nil)
	require.NoError(t, w.SetState(types.WorkflowRunning))
	require.NoError(t, w.RegisterAgent("a1", types.AgentInfo{}))

	w2 := New(Config{StatePath: statePath}, nil)
	require.Equal(t, types.WorkflowRunning, w2.State())
	active, _, _ := w2.Agents()
	require.Contains(t, active, "a1")
}

func TestSentinelFilesWritten(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{AgentDir: dir}, nil)
	require.NoError(t, w.SetState(types.WorkflowPaused))

	require.FileExists(t, filepath.Join(dir, "terminate_status.json"))
	require.FileExists(t, filepath.Join(dir, "workflow_pause.json"))
}
