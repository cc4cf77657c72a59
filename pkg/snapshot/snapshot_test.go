package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSnapshotWriteAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	fc := clock.NewFakeClock(time.Unix(0, 0))

	sources := Sources{
		Strategy: func() types.Strategy { return types.Strategy{Kind: types.StrategyScaleUp, MaxConcurrent: 4} },
		RunningTasks: func() []types.Task {
			return []types.Task{{Descriptor: types.Descriptor{ID: "t1"}, Status: types.TaskRunning}}
		},
	}
	s := New(Config{StatePath: path, Interval: time.Millisecond}, fc, sources)
	s.Start()
	s.Stop()

	state, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, types.StrategyScaleUp, state.Strategy.Kind)
	require.Len(t, state.RunningTasks, 1)
}

func TestLoadMissingFileReturnsNilState(t *testing.T) {
	state, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestLoadCorruptFileArchivesAndReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	state, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, state)

	matches, _ := filepath.Glob(path + ".corrupt.*")
	require.Len(t, matches, 1)
}

func TestLoadChecksumMismatchArchivesAndReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"state":{"schema_version":1},"checksum":"deadbeef"}`), 0o644))

	state, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestRecoverRunningAsStoppedSetsReason(t *testing.T) {
	state := &State{RunningTasks: []types.Task{{Descriptor: types.Descriptor{ID: "t1"}, Status: types.TaskRunning}}}
	now := time.Now()

	recovered := RecoverRunningAsStopped(state, now)
	require.Len(t, recovered, 1)
	require.Equal(t, types.TaskStopped, recovered[0].Status)
	require.Equal(t, "host restart", recovered[0].ErrorBlob)
	require.Equal(t, now, *recovered[0].EndedAt)
}
