// Package scheduler fires descriptor templates into the Task Manager
// on interval/daily/weekly/monthly/once schedules. Grounded on
// warren's pkg/reconciler ticker-loop shape: one goroutine, one
// ticker, a mutex-guarded map, re-evaluated every tick — generalized
// here from "reconcile cluster state" to "fire anything whose next_run
// has arrived".
package scheduler

import (
	"crypto/rand"
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

// Submitter is the Task Manager surface the Scheduler drives.
type Submitter interface {
	Submit(d types.Descriptor) (string, error)
}

// Config configures a Scheduler.
type Config struct {
	StatePath    string        // path to schedule.json; empty disables persistence
	TickInterval time.Duration // how often to scan for due entries
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Scheduler owns the set of recurring/one-shot task templates and
// submits them to the Task Manager as they come due.
type Scheduler struct {
	cfg   Config
	clock clock.Clock
	sub   Submitter

	mu      sync.Mutex
	entries map[string]*types.ScheduledEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler. It loads persisted entries from
// cfg.StatePath if present.
func New(cfg Config, clk clock.Clock, sub Submitter) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		sub:     sub,
		entries: make(map[string]*types.ScheduledEntry),
		stopCh:  make(chan struct{}),
	}
	s.load()
	return s
}

// Start begins the dispatch loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the dispatch loop and persists final state.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.persist()
}

// Add registers a new schedule entry, computing its first next_run. A
// ScheduleOnce entry whose instant has already passed is persisted
// disabled rather than rejected, per spec §4.8.
func (s *Scheduler) Add(template types.Descriptor, sched types.ScheduleParams) (string, error) {
	id, err := randomID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entry := &types.ScheduledEntry{
		ID:       id,
		Template: template,
		Schedule: sched,
		Enabled:  true,
	}
	entry.NextRun = nextRun(now, sched, nil)
	if entry.NextRun == nil {
		entry.Enabled = false
	}
	s.entries[id] = entry
	s.persistLocked()
	log.Logger.Info().Str("component", "scheduler").Str("schedule_id", id).Msg("schedule entry added")
	return id, nil
}

// Remove deletes a schedule entry. Returns false if it didn't exist.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.persistLocked()
	return true
}

// SetEnabled toggles an entry without losing its schedule or history.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.Enabled = enabled
	if enabled && e.NextRun == nil {
		e.NextRun = nextRun(s.clock.Now(), e.Schedule, e.LastRun)
	}
	s.persistLocked()
	return true
}

// Snapshot returns a copy of every schedule entry.
func (s *Scheduler) Snapshot() []types.ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScheduledEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScheduleTickDuration)

	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*types.ScheduledEntry, 0)
	for _, e := range s.entries {
		if !e.Enabled || e.NextRun == nil {
			continue
		}
		if !e.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *types.ScheduledEntry, now time.Time) {
	d := e.Template
	d.SubmittedAt = now
	d.ScheduleEntryID = e.ID

	_, err := s.sub.Submit(d)
	logger := log.Logger.With().Str("component", "scheduler").Str("schedule_id", e.ID).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("scheduled submission failed")
	} else {
		metrics.ScheduledDispatchTotal.WithLabelValues(string(e.Schedule.Kind)).Inc()
		logger.Info().Msg("scheduled task dispatched")
	}

	s.mu.Lock()
	ran := now
	e.LastRun = &ran
	e.NextRun = nextRun(now, e.Schedule, e.LastRun)
	if e.NextRun == nil {
		e.Enabled = false // once-schedules disable themselves after firing
	}
	s.persistLocked()
	s.mu.Unlock()
}

func (s *Scheduler) persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

func (s *Scheduler) persistLocked() {
	if s.cfg.StatePath == "" {
		return
	}
	list := make([]types.ScheduledEntry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, *e)
	}
	buf, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		log.Logger.Error().Err(err).Str("component", "scheduler").Msg("marshal schedule state")
		return
	}
	tmp := s.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		log.Logger.Error().Err(err).Str("component", "scheduler").Msg("write schedule state")
		return
	}
	if err := os.Rename(tmp, s.cfg.StatePath); err != nil {
		log.Logger.Error().Err(err).Str("component", "scheduler").Msg("rename schedule state")
	}
}

func (s *Scheduler) load() {
	if s.cfg.StatePath == "" {
		return
	}
	buf, err := os.ReadFile(s.cfg.StatePath)
	if err != nil {
		return
	}
	var list []types.ScheduledEntry
	if err := json.Unmarshal(buf, &list); err != nil {
		archiveCorrupt(s.cfg.StatePath)
		return
	}
	for i := range list {
		e := list[i]
		if e.Enabled {
			e.NextRun = nextRun(s.clock.Now(), e.Schedule, e.LastRun)
			if e.NextRun == nil {
				e.Enabled = false
			}
		}
		s.entries[e.ID] = &e
	}
}

func archiveCorrupt(path string) {
	dest := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	_ = os.Rename(path, dest)
	log.Logger.Warn().Str("component", "scheduler").Str("path", path).Str("archived_to", dest).Msg("corrupt schedule state archived")
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("scheduler: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
