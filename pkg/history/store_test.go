package history

import (
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRecordAndGet(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ended := time.Now()
	task := types.Task{
		Descriptor: types.Descriptor{ID: "t1", Kind: types.TaskKindFunction, TaskType: "utility"},
		Status:     types.TaskCompleted,
		EndedAt:    &ended,
	}
	require.NoError(t, store.Record(task))

	got, err := store.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, got.Status)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		ended := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(types.Task{
			Descriptor: types.Descriptor{ID: id, TaskType: "utility"},
			Status:     types.TaskCompleted,
			EndedAt:    &ended,
		}))
	}

	recent, err := store.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "c", recent[0].ID)
	require.Equal(t, "b", recent[1].ID)
}

func TestGetMissingTaskErrors(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("missing")
	require.Error(t, err)
}
