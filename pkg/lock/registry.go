// Package lock implements the File Lock Registry (component E):
// reader/writer locks keyed by canonical path, with priority
// preemption and TTL-based stale-lock reclamation. It centralizes what
// the source grew as ad-hoc per-file locks in a shared dict (spec §9)
// behind one mutex and a periodic sweep.
package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/rs/zerolog"
)

// defaultExpectedDuration is substituted when a requester passes 0
// (spec §8 boundary behavior).
const defaultExpectedDuration = 60 * time.Second

// defaultGrace is added to ExpectedDuration to compute TTL (spec §4.5).
const defaultGrace = 30 * time.Second

// preemptionMargin is the minimum priority delta a requester must have
// over the current holder to preempt (spec §4.5: "priority > holder + 2").
const preemptionMargin = 2

// Config configures the Registry.
type Config struct {
	StatePath        string
	Grace            time.Duration
	PersistDebounce  time.Duration // default 250ms
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = defaultGrace
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = 250 * time.Millisecond
	}
	return c
}

// entry is the internal lock row. AcquiredAt is the wall time from the
// injected Clock; monotonicAcquired is the acquisition time as an
// offset from the registry's start, used for TTL checks.
type entry struct {
	types.LockEntry
	monotonicAcquired time.Duration
}

// Registry is the File Lock Registry.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	start   time.Time // wall reference for computing a monotonic-like duration from clock.Now()

	persistMu      sync.Mutex
	persistPending bool
	persistTimer   *time.Timer
}

// New constructs a Registry, loading existing state from cfg.StatePath
// if present.
func New(cfg Config, c clock.Clock) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:     cfg,
		clock:   c,
		logger:  log.WithComponent("file_lock_registry"),
		entries: make(map[string]*entry),
		start:   c.Now(),
	}
	r.load()
	return r
}

func (r *Registry) monotonicNow() time.Duration {
	return r.clock.Now().Sub(r.start)
}

// Request implements spec §4.5's request operation.
func (r *Registry) Request(path, role string, mode types.LockMode, expectedDuration time.Duration, workflowID string, requesterPriority int) bool {
	path = canonical(path)
	if expectedDuration <= 0 {
		expectedDuration = defaultExpectedDuration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(path)

	e, ok := r.entries[path]
	if !ok {
		e = &entry{
			LockEntry: types.LockEntry{
				Path:                    path,
				Mode:                    mode,
				Holders:                 map[string]bool{role: true},
				OwningWorkflowID:        workflowID,
				HolderPriority:          requesterPriority,
				AcquiredAt:              r.clock.Now(),
				ExpectedDurationSeconds: int(expectedDuration.Seconds()),
			},
			monotonicAcquired: r.monotonicNow(),
		}
		r.entries[path] = e
		r.schedulePersist()
		metrics.LocksHeld.WithLabelValues(string(mode)).Inc()
		return true
	}

	if e.Mode == types.LockRead && mode == types.LockRead {
		e.Holders[role] = true
		r.schedulePersist()
		return true
	}

	if e.Mode == types.LockWrite && e.Holders[role] {
		newDur := int(expectedDuration.Seconds())
		if newDur > e.ExpectedDurationSeconds {
			e.ExpectedDurationSeconds = newDur
		}
		e.AcquiredAt = r.clock.Now()
		e.monotonicAcquired = r.monotonicNow()
		r.schedulePersist()
		return true
	}

	if requesterPriority > e.HolderPriority+preemptionMargin {
		r.logger.Warn().
			Str("path", path).
			Str("preempted_workflow", e.OwningWorkflowID).
			Int("requester_priority", requesterPriority).
			Int("holder_priority", e.HolderPriority).
			Msg("lock preempted by higher-priority requester")
		metrics.LocksHeld.WithLabelValues(string(e.Mode)).Dec()
		e2 := &entry{
			LockEntry: types.LockEntry{
				Path:                    path,
				Mode:                    mode,
				Holders:                 map[string]bool{role: true},
				OwningWorkflowID:        workflowID,
				HolderPriority:          requesterPriority,
				AcquiredAt:              r.clock.Now(),
				ExpectedDurationSeconds: int(expectedDuration.Seconds()),
			},
			monotonicAcquired: r.monotonicNow(),
		}
		r.entries[path] = e2
		r.schedulePersist()
		metrics.LocksHeld.WithLabelValues(string(mode)).Inc()
		return true
	}

	return false
}

// Release implements spec §4.5's release operation.
func (r *Registry) Release(path, role string) bool {
	path = canonical(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	if !ok || !e.Holders[role] {
		return false
	}

	if e.Mode == types.LockRead {
		delete(e.Holders, role)
		if len(e.Holders) == 0 {
			delete(r.entries, path)
			metrics.LocksHeld.WithLabelValues(string(types.LockRead)).Dec()
		}
		r.schedulePersist()
		return true
	}

	delete(r.entries, path)
	metrics.LocksHeld.WithLabelValues(string(types.LockWrite)).Dec()
	r.schedulePersist()
	return true
}

// Sweep removes all stale entries (TTL exceeded).
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepAllLocked()
}

func (r *Registry) sweepLocked(path string) {
	e, ok := r.entries[path]
	if !ok {
		return
	}
	if r.stale(e) {
		r.logger.Warn().Str("path", path).Msg("stale lock reclaimed")
		delete(r.entries, path)
		metrics.LocksHeld.WithLabelValues(string(e.Mode)).Dec()
		metrics.LocksReclaimedTotal.Inc()
		r.schedulePersist()
	}
}

func (r *Registry) sweepAllLocked() {
	for path, e := range r.entries {
		if r.stale(e) {
			r.logger.Warn().Str("path", path).Msg("stale lock reclaimed")
			delete(r.entries, path)
			metrics.LocksHeld.WithLabelValues(string(e.Mode)).Dec()
			metrics.LocksReclaimedTotal.Inc()
		}
	}
	r.schedulePersist()
}

func (r *Registry) stale(e *entry) bool {
	ttl := time.Duration(e.ExpectedDurationSeconds)*time.Second + r.cfg.Grace
	return r.monotonicNow()-e.monotonicAcquired > ttl
}

// CompleteWorkflow releases every entry owned by wid.
func (r *Registry) CompleteWorkflow(wid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, e := range r.entries {
		if e.OwningWorkflowID == wid {
			delete(r.entries, path)
			metrics.LocksHeld.WithLabelValues(string(e.Mode)).Dec()
		}
	}
	r.schedulePersist()
}

// Snapshot returns a copy of all entries, keyed by path.
func (r *Registry) Snapshot() map[string]types.LockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]types.LockEntry, len(r.entries))
	for path, e := range r.entries {
		cp := e.LockEntry
		holders := make(map[string]bool, len(e.Holders))
		for k, v := range e.Holders {
			holders[k] = v
		}
		cp.Holders = holders
		out[path] = cp
	}
	return out
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// persistence — file shape per spec §6.

type fileState struct {
	FileLocks map[string]types.LockEntry `json:"file_locks"`
	Workflows map[string]any             `json:"workflows"`
	UpdatedAt time.Time                  `json:"last_updated"`
}

func (r *Registry) load() {
	if r.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(r.cfg.StatePath)
	if err != nil {
		return
	}
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		_ = os.Rename(r.cfg.StatePath, r.cfg.StatePath+".corrupt."+r.clock.Now().Format("20060102150405"))
		r.logger.Warn().Err(err).Msg("corrupt lock registry file archived and reset")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.monotonicNow()
	for path, le := range fs.FileLocks {
		r.entries[path] = &entry{LockEntry: le, monotonicAcquired: now}
	}
}

// schedulePersist debounces writes to at most once per PersistDebounce
// (spec §4.5). Must be called with r.mu held.
func (r *Registry) schedulePersist() {
	if r.cfg.StatePath == "" {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.persistPending {
		return
	}
	r.persistPending = true
	r.persistTimer = time.AfterFunc(r.cfg.PersistDebounce, r.persistNow)
}

func (r *Registry) persistNow() {
	r.persistMu.Lock()
	r.persistPending = false
	r.persistMu.Unlock()

	snap := r.Snapshot()
	fs := fileState{FileLocks: snap, Workflows: map[string]any{}, UpdatedAt: r.clock.Now()}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal lock registry state")
		return
	}
	tmp := r.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Error().Err(err).Msg("failed to write lock registry state")
		return
	}
	if err := os.Rename(tmp, r.cfg.StatePath); err != nil {
		r.logger.Error().Err(err).Msg("failed to rename lock registry state")
	}
}
