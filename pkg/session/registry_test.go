package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeLiveness struct {
	dead map[int]bool
}

func (f fakeLiveness) Alive(pid int) bool { return !f.dead[pid] }

func testClassifier(envType string) Classifier {
	return Classifier{
		Getenv:     func(string) string { return envType },
		ParentName: func() string { return "" },
		WorkingDir: func() (string, error) { return "/tmp", nil },
		Args:       []string{"taskcore"},
	}
}

func TestRegistryClassifiesFromEnvOverride(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	dir := t.TempDir()
	r, err := New(Config{StatePath: filepath.Join(dir, "sessions.json")}, fc, fakeLiveness{}, testClassifier("gui_workflow"), 100, 1)
	require.NoError(t, err)
	require.Equal(t, types.SessionGUIWorkflow, r.Current().Type)
}

func TestRegistryConflictsAndArbitration(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	dir := t.TempDir()
	r, err := New(Config{StatePath: filepath.Join(dir, "sessions.json")}, fc, fakeLiveness{}, testClassifier("terminal"), 100, 1)
	require.NoError(t, err)

	peer := types.SessionRecord{SessionID: "peer-1", Type: types.SessionGUIWorkflow, PID: 200, StartedAt: fc.Now()}
	r.active[peer.SessionID] = peer

	conflicts := r.Conflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, "peer-1", conflicts[0].SessionID)

	res := r.Arbitrate()
	require.Equal(t, ResolutionYield, res["peer-1"]) // terminal(8) < gui_workflow(10)
}

func TestRegistrySweepMovesDeadPIDToCompleted(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	dir := t.TempDir()
	r, err := New(Config{StatePath: filepath.Join(dir, "sessions.json"), SweepInterval: time.Second}, fc, fakeLiveness{dead: map[int]bool{200: true}}, testClassifier("terminal"), 100, 1)
	require.NoError(t, err)

	r.active["peer-1"] = types.SessionRecord{SessionID: "peer-1", Type: types.SessionEditorAgent, PID: 200, StartedAt: fc.Now()}

	r.sweep()

	r.mu.Lock()
	_, stillActive := r.active["peer-1"]
	_, completed := r.completed["peer-1"]
	r.mu.Unlock()

	require.False(t, stillActive)
	require.True(t, completed)
}

func TestRegistrySweepMovesStaleRecordToCompleted(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	dir := t.TempDir()
	r, err := New(Config{StatePath: filepath.Join(dir, "sessions.json"), MaxAge: time.Hour}, fc, fakeLiveness{}, testClassifier("terminal"), 100, 1)
	require.NoError(t, err)

	r.active["peer-1"] = types.SessionRecord{SessionID: "peer-1", Type: types.SessionEditorAgent, PID: 999999, StartedAt: fc.Now()}
	fc.Advance(2 * time.Hour)
	r.sweep()

	r.mu.Lock()
	_, completed := r.completed["peer-1"]
	r.mu.Unlock()
	require.True(t, completed)
}
