package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadAndClearEmptiesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow_command.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"command":"pause"}`), 0o644))

	data, err := ReadAndClear(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"pause"}`, string(data))

	data2, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data2)
}

func TestReadAndClearMissingFileReturnsNil(t *testing.T) {
	data, err := ReadAndClear(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestAppendAndDrainJSONList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automation_queue.json")

	require.NoError(t, AppendJSONList(path, map[string]string{"id": "1"}))
	require.NoError(t, AppendJSONList(path, map[string]string{"id": "2"}))

	entries, err := DrainJSONList(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	again, err := DrainJSONList(path)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestAppendNotificationTrimsToMax(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gui_notifications.json")

	for i := 0; i < maxGUINotifications+10; i++ {
		require.NoError(t, AppendNotification(path, map[string]int{"n": i}))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, maxGUINotifications)
}

func TestNormalizeTaskCreationQueueMovesEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AppendJSONList(filepath.Join(dir, FileTaskCreationQueue), map[string]string{"payload": "x"}))

	require.NoError(t, NormalizeTaskCreationQueue(dir))

	entries, err := DrainJSONList(filepath.Join(dir, FileAutomationQueue))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	remaining, err := DrainJSONList(filepath.Join(dir, FileTaskCreationQueue))
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestWatcherDebouncesBurstToOneCall(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan string, 10)
	w, err := NewWatcher(dir, func(name string) { calls <- name })
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "workflow_command.json")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case name := <-calls:
		require.Equal(t, "workflow_command.json", name)
	case <-time.After(time.Second):
		t.Fatal("watcher never fired")
	}

	select {
	case <-calls:
		t.Fatal("burst of writes should have debounced into a single call")
	case <-time.After(150 * time.Millisecond):
	}
}
