// Package control is the external control surface (spec §6): a set of
// well-known JSON files through which processes outside this module
// exchange commands, requests, and queued task submissions with the
// core, watched via fsnotify instead of polled.
//
// Every file operation here goes through the same write-temp-then-
// rename atomicity already used by pkg/lock, pkg/scheduler and
// pkg/workflow, rather than introducing flock-style advisory locking
// — keeping one atomicity story across the whole module instead of
// two. The debounced fsnotify watch loop is grounded on
// TheEntropyCollective-noisefs's pkg/sync/file_watcher.go: a
// per-path time.Timer coalesces bursts of writes (e.g. an editor's
// write-then-rename) into one handler call.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/taskcore/pkg/log"
)

// Well-known file names under the control directory.
const (
	FileWorkflowCommand   = "workflow_command.json"
	FileWorkflowRequest   = "workflow_request.json"
	FileAutomationQueue   = "automation_queue.json"
	FileTaskCreationQueue = "task_creation_queue.json"
	FileGUINotifications  = "gui_notifications.json"

	maxGUINotifications = 100
	debounceInterval    = 100 * time.Millisecond
)

// Handler is invoked once per coalesced burst of writes to a watched
// file, named by its base filename.
type Handler func(name string)

// Watcher debounces fsnotify events across a directory of control
// files and invokes Handler once per settled burst.
type Watcher struct {
	dir     string
	fsw     *fsnotify.Watcher
	handler Handler

	debounceMu sync.Mutex
	timers     map[string]*time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher over dir. dir is created if absent.
func NewWatcher(dir string, handler Handler) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("control: create control dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("control: new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("control: watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		fsw:     fsw,
		handler: handler,
		timers:  make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins the debounced event loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.fsw.Close()

	w.debounceMu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.debounceMu.Unlock()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debounce(filepath.Base(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Logger.Error().Err(err).Str("component", "control").Msg("watcher error")
		}
	}
}

func (w *Watcher) debounce(name string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(debounceInterval, func() {
		w.debounceMu.Lock()
		delete(w.timers, name)
		w.debounceMu.Unlock()
		w.handler(name)
	})
}

// ReadAndClear reads path's full contents and atomically truncates it
// to empty, implementing the "read-then-clear" semantics spec §6
// requires for workflow_command / workflow_request. Returns nil, nil
// if the file is absent or empty.
func ReadAndClear(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("control: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if err := atomicWrite(path, nil); err != nil {
		return nil, fmt.Errorf("control: clear %s: %w", path, err)
	}
	return data, nil
}

// DrainJSONList reads a JSON-array file and atomically resets it to
// an empty array, returning the entries that were present.
func DrainJSONList(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) || len(data) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("control: read %s: %w", path, err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("control: decode %s: %w", path, err)
	}
	if err := atomicWrite(path, []byte("[]")); err != nil {
		return nil, fmt.Errorf("control: reset %s: %w", path, err)
	}
	return entries, nil
}

// AppendJSONList appends entry to a JSON-array file, creating it if
// absent.
func AppendJSONList(path string, entry any) error {
	var entries []json.RawMessage
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("control: decode %s: %w", path, err)
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("control: marshal entry: %w", err)
	}
	entries = append(entries, raw)
	buf, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("control: marshal %s: %w", path, err)
	}
	return atomicWrite(path, buf)
}

// AppendNotification appends note to the GUI notification log,
// trimming it to the most recent maxGUINotifications entries.
func AppendNotification(path string, note any) error {
	var entries []json.RawMessage
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &entries)
	}
	raw, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("control: marshal notification: %w", err)
	}
	entries = append(entries, raw)
	if len(entries) > maxGUINotifications {
		entries = entries[len(entries)-maxGUINotifications:]
	}
	buf, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return atomicWrite(path, buf)
}

// WriteJSON marshals v and atomically writes it to path, overwriting
// any existing contents. Used for one-shot command files such as
// workflow_command.json where the writer replaces rather than appends.
func WriteJSON(path string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: marshal %s: %w", path, err)
	}
	return atomicWrite(path, buf)
}

// NormalizeTaskCreationQueue drains task_creation_queue and
// re-appends each entry verbatim onto automation_queue, per spec §6's
// two-stage normalization — task_creation_queue is the narrow
// GUI-facing submission shape, automation_queue is what the Task
// Manager's drain loop actually consumes.
func NormalizeTaskCreationQueue(dir string) error {
	src := filepath.Join(dir, FileTaskCreationQueue)
	dst := filepath.Join(dir, FileAutomationQueue)

	entries, err := DrainJSONList(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := AppendJSONList(dst, e); err != nil {
			return err
		}
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
