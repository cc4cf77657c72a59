// Package snapshot periodically persists a consistency checkpoint of
// the Allocation Controller, Session Registry, File Lock Registry,
// Task Manager, and Scheduler (components C-H), so a restart can
// recover rather than starting cold. Grounded on warren's
// pkg/reconciler ticker-loop shape (one goroutine, one ticker, run on
// both the tick and on Stop), generalized here from "reconcile
// cluster state every 10s" to "checkpoint every 30s and once more on
// shutdown".
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/types"
)

const currentSchemaVersion = 1

// State is the full checkpoint body.
type State struct {
	SchemaVersion int                        `json:"schema_version"`
	Timestamp     time.Time                  `json:"timestamp"`
	Strategy      types.Strategy             `json:"strategy"`
	Locks         map[string]types.LockEntry `json:"locks"`
	Sessions      []types.SessionRecord      `json:"sessions"`
	Schedules     []types.ScheduledEntry     `json:"schedules"`
	RunningTasks  []types.Task               `json:"running_tasks"`
}

type envelope struct {
	State    State  `json:"state"`
	Checksum string `json:"checksum"`
}

// Sources collects the read-only accessors the Snapshotter pulls
// from on each tick. Any nil func is treated as "nothing to report".
type Sources struct {
	Strategy     func() types.Strategy
	Locks        func() map[string]types.LockEntry
	Sessions     func() []types.SessionRecord
	Schedules    func() []types.ScheduledEntry
	RunningTasks func() []types.Task
}

// Config configures a Snapshotter.
type Config struct {
	StatePath string // snapshot.json; empty disables persistence
	Interval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Snapshotter owns the periodic checkpoint loop.
type Snapshotter struct {
	cfg     Config
	clock   clock.Clock
	sources Sources

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Snapshotter.
func New(cfg Config, clk clock.Clock, sources Sources) *Snapshotter {
	return &Snapshotter{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		sources: sources,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic checkpoint loop.
func (s *Snapshotter) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the loop and takes one final checkpoint.
func (s *Snapshotter) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.snapshot()
}

func (s *Snapshotter) run() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.snapshot()
		}
	}
}

func (s *Snapshotter) snapshot() {
	if s.cfg.StatePath == "" {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)

	state := State{
		SchemaVersion: currentSchemaVersion,
		Timestamp:     s.clock.Now(),
	}
	if s.sources.Strategy != nil {
		state.Strategy = s.sources.Strategy()
	}
	if s.sources.Locks != nil {
		state.Locks = s.sources.Locks()
	}
	if s.sources.Sessions != nil {
		state.Sessions = s.sources.Sessions()
	}
	if s.sources.Schedules != nil {
		state.Schedules = s.sources.Schedules()
	}
	if s.sources.RunningTasks != nil {
		state.RunningTasks = s.sources.RunningTasks()
	}

	if err := write(s.cfg.StatePath, state); err != nil {
		metrics.SnapshotFailuresTotal.Inc()
		log.Logger.Error().Err(err).Str("component", "snapshot").Msg("write snapshot failed")
	}
}

func write(path string, state State) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("snapshot: marshal state: %w", err)
	}
	sum := sha256.Sum256(body)
	env := envelope{State: state, Checksum: hex.EncodeToString(sum[:])}

	buf, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal envelope: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads and validates the last checkpoint at path. A missing
// file returns (nil, nil). A checksum mismatch or malformed file
// archives the file and returns (nil, nil) rather than an error —
// recovery degrades to a cold start, it doesn't fail the process.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		archiveCorrupt(path, "malformed json")
		return nil, nil
	}

	body, err := json.Marshal(env.State)
	if err != nil {
		archiveCorrupt(path, "re-marshal failed")
		return nil, nil
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		archiveCorrupt(path, "checksum mismatch")
		return nil, nil
	}
	if env.State.SchemaVersion != currentSchemaVersion {
		archiveCorrupt(path, fmt.Sprintf("unsupported schema version %d", env.State.SchemaVersion))
		return nil, nil
	}

	return &env.State, nil
}

func archiveCorrupt(path, reason string) {
	dest := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	_ = os.Rename(path, dest)
	log.Logger.Warn().Str("component", "snapshot").Str("path", path).Str("archived_to", dest).Str("reason", reason).Msg("corrupt snapshot archived")
}

// RecoverRunningAsStopped marks every running task from a loaded
// snapshot as stopped with an explicit host-restart reason, so the
// Task History Store reflects reality instead of silently dropping
// tasks that were in flight when the process died.
func RecoverRunningAsStopped(state *State, now time.Time) []types.Task {
	if state == nil {
		return nil
	}
	out := make([]types.Task, 0, len(state.RunningTasks))
	for _, t := range state.RunningTasks {
		t.Status = types.TaskStopped
		t.ErrorBlob = "host restart"
		ended := now
		t.EndedAt = &ended
		out = append(out, t)
	}
	return out
}
