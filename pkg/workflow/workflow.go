// Package workflow is the Workflow Status Store: a single
// serialized state machine (stopped/running/paused) tracking the set
// of registered agents and their lifecycle, with legacy-compatible
// sentinel control files for external readers that predate this
// module's own control channel.
//
// Grounded on ai_workflow_status.py from original_source/ — the
// active/paused/terminated agent bookkeeping and the
// terminate_status/workflow_pause sentinel files are carried over
// faithfully, expressed as a mutex-guarded struct instead of a
// module-level cache with a 2-second staleness window, and persisted
// the way the rest of this module persists state: atomic temp-file
// plus rename (pkg/lock, pkg/scheduler), not the original's
// unsynchronized read-then-write.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/taskcore/pkg/events"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/types"
)

// Statistics mirrors the original's "statistics" block.
type Statistics struct {
	StartTime             *time.Time `json:"start_time,omitempty"`
	TotalRunTimeSeconds   float64    `json:"total_run_time_seconds"`
	PauseCount            int        `json:"pause_count"`
	CompletionPercentage  float64    `json:"completion_percentage"`
}

type persisted struct {
	State          types.WorkflowState      `json:"workflow_state"`
	LastUpdated    time.Time                `json:"last_updated"`
	ActiveAgents   map[string]types.AgentInfo `json:"active_agents"`
	PausedAgents   map[string]types.AgentInfo `json:"paused_agents"`
	Terminated     map[string]types.AgentInfo `json:"terminated_agents"`
	Stats          Statistics               `json:"statistics"`
}

// Config configures a Workflow store.
type Config struct {
	StatePath string // workflow_status.json; empty disables persistence
	AgentDir  string // directory for legacy sentinel files; empty disables them
}

// Workflow is the Workflow Status Store.
type Workflow struct {
	cfg    Config
	broker *events.Broker

	mu    sync.Mutex
	state persisted
}

// New constructs a Workflow, loading any persisted state.
func New(cfg Config, broker *events.Broker) *Workflow {
	w := &Workflow{
		cfg:    cfg,
		broker: broker,
		state: persisted{
			State:        types.WorkflowStopped,
			ActiveAgents: make(map[string]types.AgentInfo),
			PausedAgents: make(map[string]types.AgentInfo),
			Terminated:   make(map[string]types.AgentInfo),
		},
	}
	w.load()
	return w
}

// State returns the current workflow state.
func (w *Workflow) State() types.WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.State
}

// SetState transitions the workflow to a new state, moving agents
// between lists per the original's transition rules: entering
// "running" from "stopped" clears all agent lists and resets
// statistics; entering "paused" moves every active agent to paused;
// resuming ("paused" -> "running") moves every paused agent back to
// active. The sentinel files are written before the new state becomes
// visible through State.
func (w *Workflow) SetState(state types.WorkflowState) error {
	switch state {
	case types.WorkflowRunning, types.WorkflowPaused, types.WorkflowStopped:
	default:
		return fmt.Errorf("workflow: invalid state %q", state)
	}

	w.mu.Lock()
	previous := w.state.State
	if previous != state {
		switch {
		case state == types.WorkflowRunning && previous == types.WorkflowPaused:
			// resuming: the reverse of entering paused, move every
			// paused agent back to active (resume_paused_agents).
			for id, info := range w.state.PausedAgents {
				w.state.ActiveAgents[id] = info
			}
			w.state.PausedAgents = make(map[string]types.AgentInfo)
		case state == types.WorkflowRunning:
			now := time.Now()
			w.state.Stats = Statistics{StartTime: &now}
			w.state.ActiveAgents = make(map[string]types.AgentInfo)
			w.state.PausedAgents = make(map[string]types.AgentInfo)
			w.state.Terminated = make(map[string]types.AgentInfo)
		case state == types.WorkflowPaused:
			w.state.Stats.PauseCount++
			for id, info := range w.state.ActiveAgents {
				w.state.PausedAgents[id] = info
			}
			w.state.ActiveAgents = make(map[string]types.AgentInfo)
		}
	}
	w.writeSentinels(state)
	w.state.State = state
	w.persistLocked()
	w.mu.Unlock()

	w.notify(previous, state)
	log.Logger.Info().Str("component", "workflow").Str("from", string(previous)).Str("to", string(state)).Msg("workflow state transition")
	return nil
}

// RegisterAgent adds an agent to the active (or paused) list,
// depending on the current workflow state. Registration is refused
// while stopped, per the original.
func (w *Workflow) RegisterAgent(id string, info types.AgentInfo) error {
	info.ID = id
	info.RegisteredAt = time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state.State {
	case types.WorkflowRunning:
		w.state.ActiveAgents[id] = info
	case types.WorkflowPaused:
		w.state.PausedAgents[id] = info
	default:
		return fmt.Errorf("workflow: cannot register agent %q while stopped", id)
	}
	w.persistLocked()
	return nil
}

// UnregisterAgent moves an agent from active/paused into terminated,
// recording reason. Returns false if the agent wasn't tracked.
func (w *Workflow) UnregisterAgent(id, reason string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, ok := w.state.ActiveAgents[id]
	if ok {
		delete(w.state.ActiveAgents, id)
	} else {
		info, ok = w.state.PausedAgents[id]
		if ok {
			delete(w.state.PausedAgents, id)
		}
	}
	if !ok {
		return false
	}
	info.Reason = reason
	w.state.Terminated[id] = info
	w.persistLocked()
	return true
}

// UpdateAgent merges metadata into an already-tracked agent's record.
func (w *Workflow) UpdateAgent(id string, metadata map[string]string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, list := range []map[string]types.AgentInfo{w.state.ActiveAgents, w.state.PausedAgents, w.state.Terminated} {
		if info, ok := list[id]; ok {
			if info.Metadata == nil {
				info.Metadata = make(map[string]string)
			}
			for k, v := range metadata {
				info.Metadata[k] = v
			}
			list[id] = info
			w.persistLocked()
			return true
		}
	}
	return false
}

// AgentCounts mirrors get_agent_count().
type AgentCounts struct {
	Active     int `json:"active"`
	Paused     int `json:"paused"`
	Terminated int `json:"terminated"`
	Total      int `json:"total"`
}

// Stats returns agent population counts and workflow statistics.
func (w *Workflow) Stats() (AgentCounts, Statistics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := AgentCounts{
		Active:     len(w.state.ActiveAgents),
		Paused:     len(w.state.PausedAgents),
		Terminated: len(w.state.Terminated),
	}
	counts.Total = counts.Active + counts.Paused + counts.Terminated
	return counts, w.state.Stats
}

// Agents returns a snapshot of every tracked agent grouped by list.
func (w *Workflow) Agents() (active, paused, terminated map[string]types.AgentInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	clone := func(m map[string]types.AgentInfo) map[string]types.AgentInfo {
		out := make(map[string]types.AgentInfo, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return clone(w.state.ActiveAgents), clone(w.state.PausedAgents), clone(w.state.Terminated)
}

func (w *Workflow) notify(from, to types.WorkflowState) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(&events.Event{
		Type:    events.EventWorkflowTransition,
		Message: fmt.Sprintf("%s -> %s", from, to),
	})
}

// writeSentinels mirrors _notify_agents_of_state_change: legacy
// external readers poll terminate_status.json and workflow_pause.json
// rather than this module's own control channel.
func (w *Workflow) writeSentinels(state types.WorkflowState) {
	if w.cfg.AgentDir == "" {
		return
	}

	terminate := map[string]bool{"terminate": state == types.WorkflowStopped}
	writeJSON(filepath.Join(w.cfg.AgentDir, "terminate_status.json"), terminate)

	pause := map[string]any{"paused": state == types.WorkflowPaused, "timestamp": time.Now().Unix()}
	writeJSON(filepath.Join(w.cfg.AgentDir, "workflow_pause.json"), pause)
}

func writeJSON(path string, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		log.Logger.Error().Err(err).Str("component", "workflow").Str("path", path).Msg("marshal sentinel file")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		log.Logger.Error().Err(err).Str("component", "workflow").Str("path", path).Msg("write sentinel file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Logger.Error().Err(err).Str("component", "workflow").Str("path", path).Msg("rename sentinel file")
	}
}

func (w *Workflow) persistLocked() {
	w.state.LastUpdated = time.Now()
	if w.cfg.StatePath == "" {
		return
	}
	buf, err := json.MarshalIndent(w.state, "", "  ")
	if err != nil {
		log.Logger.Error().Err(err).Str("component", "workflow").Msg("marshal workflow state")
		return
	}
	tmp := w.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		log.Logger.Error().Err(err).Str("component", "workflow").Msg("write workflow state")
		return
	}
	if err := os.Rename(tmp, w.cfg.StatePath); err != nil {
		log.Logger.Error().Err(err).Str("component", "workflow").Msg("rename workflow state")
	}
}

func (w *Workflow) load() {
	if w.cfg.StatePath == "" {
		return
	}
	buf, err := os.ReadFile(w.cfg.StatePath)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal(buf, &p); err != nil {
		dest := fmt.Sprintf("%s.corrupt.%d", w.cfg.StatePath, time.Now().UnixNano())
		_ = os.Rename(w.cfg.StatePath, dest)
		log.Logger.Warn().Str("component", "workflow").Str("archived_to", dest).Msg("corrupt workflow state archived")
		return
	}
	if p.ActiveAgents == nil {
		p.ActiveAgents = make(map[string]types.AgentInfo)
	}
	if p.PausedAgents == nil {
		p.PausedAgents = make(map[string]types.AgentInfo)
	}
	if p.Terminated == nil {
		p.Terminated = make(map[string]types.AgentInfo)
	}
	w.state = p
}
