// Package session implements the Session Registry (component D): it
// classifies the current process's session type, tracks peer sessions
// in a shared state file, sweeps dead or stale records, and arbitrates
// conflicts by a fixed priority table. This replaces the source's
// module-level singleton (SessionDetector / get_session_detector) with
// an explicitly constructed, explicitly wired service (spec §9).
package session

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/rs/zerolog"
)

// conflictSets mirrors spec §4.4's pairwise conflict table.
var conflictSets = map[types.SessionType]map[types.SessionType]bool{
	types.SessionTerminal: {
		types.SessionGUIWorkflow: true,
		types.SessionEditorAgent: true,
	},
	types.SessionGUIWorkflow: {
		types.SessionTerminal:    true,
		types.SessionEditorAgent: true,
	},
	types.SessionEditorAgent: {
		types.SessionTerminal:    true,
		types.SessionGUIWorkflow: true,
	},
}

// LivenessChecker reports whether a pid is still alive, mirroring the
// small Checker seam warren's pkg/health uses for endpoint checks,
// repurposed here for process liveness.
type LivenessChecker interface {
	Alive(pid int) bool
}

// ArbitrationPolicy decides what a lower-priority session does when it
// conflicts with a higher-priority one. Kept as an injectable policy
// object (per spec §9 Open Questions) so tests never block on stdin.
type ArbitrationPolicy interface {
	Resolve(self, other types.SessionRecord) Resolution
}

// Resolution is the sealed set of arbitration outcomes.
type Resolution string

const (
	ResolutionContinue Resolution = "continue"
	ResolutionYield     Resolution = "yield"
	ResolutionAsk       Resolution = "ask"
)

// YieldPolicy is the headless default: the lower-priority session
// always yields, the higher-priority one always continues.
type YieldPolicy struct{}

func (YieldPolicy) Resolve(self, other types.SessionRecord) Resolution {
	if self.Type.Priority() >= other.Type.Priority() {
		return ResolutionContinue
	}
	return ResolutionYield
}

// Classifier identifies the current process's session type. A valid
// TASKCORE_SESSION_TYPE value wins outright; otherwise it checks, in
// order, the parent process name, editor/terminal environment hints,
// and argv[0]. The working directory is recorded as a hint but never
// decides the type.
type Classifier struct {
	Getenv      func(string) string
	ParentName  func() string
	WorkingDir  func() (string, error)
	Args        []string
}

// DefaultClassifier wires Classifier to the process's environment,
// working directory and arguments. Its ParentName always returns an
// empty name, so the parent-process rule never applies to it.
func DefaultClassifier() Classifier {
	return Classifier{
		Getenv:     os.Getenv,
		ParentName: defaultParentName,
		WorkingDir: os.Getwd,
		Args:       os.Args,
	}
}

// Classify returns the session type and the hints that led to it.
func (c Classifier) Classify() (types.SessionType, []string) {
	var hints []string

	if override := c.Getenv("TASKCORE_SESSION_TYPE"); override != "" {
		hints = append(hints, "env:TASKCORE_SESSION_TYPE="+override)
		if t := parseSessionType(override); t != types.SessionUnknown {
			return t, hints
		}
	}

	if parent := c.ParentName(); parent != "" {
		hints = append(hints, "parent:"+parent)
		switch {
		case containsAny(parent, "bash", "zsh", "sh", "fish", "cmd", "powershell", "terminal"):
			return types.SessionTerminal, hints
		case containsAny(parent, "code", "vscode", "idea", "vim", "emacs", "subl"):
			return types.SessionEditorAgent, hints
		case containsAny(parent, "gui", "workflow", "electron"):
			return types.SessionGUIWorkflow, hints
		}
	}

	for _, key := range []string{"TERM_PROGRAM", "VSCODE_PID", "EDITOR_AGENT"} {
		if v := c.Getenv(key); v != "" {
			hints = append(hints, "env:"+key+"="+v)
			if key == "VSCODE_PID" || key == "EDITOR_AGENT" {
				return types.SessionEditorAgent, hints
			}
			if key == "TERM_PROGRAM" {
				return types.SessionTerminal, hints
			}
		}
	}

	if cwd, err := c.WorkingDir(); err == nil {
		hints = append(hints, "cwd:"+cwd)
	}

	if len(c.Args) > 0 {
		hints = append(hints, "argv0:"+c.Args[0])
		if containsAny(c.Args[0], "script", "automation") {
			return types.SessionManualScript, hints
		}
	}

	return types.SessionUnknown, hints
}

func parseSessionType(s string) types.SessionType {
	switch types.SessionType(strings.ToLower(s)) {
	case types.SessionTerminal, types.SessionGUIWorkflow, types.SessionEditorAgent, types.SessionManualScript:
		return types.SessionType(strings.ToLower(s))
	default:
		return types.SessionUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	h := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(h, n) {
			return true
		}
	}
	return false
}

func defaultParentName() string {
	return ""
}

// Config configures the Registry.
type Config struct {
	StatePath     string
	SweepInterval time.Duration // default 30s
	MaxAge        time.Duration // default 24h
	Policy        ArbitrationPolicy
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.Policy == nil {
		c.Policy = YieldPolicy{}
	}
	return c
}

// fileState is the JSON shape of the shared sessions file (spec §6).
type fileState struct {
	ActiveSessions    map[string]types.SessionRecord `json:"active_sessions"`
	CompletedSessions map[string]types.SessionRecord `json:"completed_sessions"`
	LastUpdated       time.Time                       `json:"last_updated"`
}

// Registry is the Session Registry.
type Registry struct {
	cfg      Config
	clock    clock.Clock
	liveness LivenessChecker
	logger   zerolog.Logger

	mu        sync.Mutex
	active    map[string]types.SessionRecord
	completed map[string]types.SessionRecord
	self      types.SessionRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs and registers the current process's session record.
func New(cfg Config, c clock.Clock, liveness LivenessChecker, classifier Classifier, pid, parentPID int) (*Registry, error) {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:       cfg,
		clock:     c,
		liveness:  liveness,
		logger:    log.WithComponent("session_registry"),
		active:    make(map[string]types.SessionRecord),
		completed: make(map[string]types.SessionRecord),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if err := r.load(); err != nil {
		r.logger.Warn().Err(err).Msg("sessions state file unreadable, starting fresh")
	}

	sessionType, hints := classifier.Classify()
	r.self = types.SessionRecord{
		SessionID: c.NewID(),
		Type:      sessionType,
		PID:       pid,
		ParentPID: parentPID,
		StartedAt: c.Now(),
		Hints:     hints,
	}

	r.mu.Lock()
	r.active[r.self.SessionID] = r.self
	r.mu.Unlock()
	metrics.SessionsActive.WithLabelValues(string(sessionType)).Inc()

	if err := r.persist(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist session registration")
	}

	return r, nil
}

// Current returns this process's own session record.
func (r *Registry) Current() types.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Active returns all active session records.
func (r *Registry) Active() []types.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SessionRecord, 0, len(r.active))
	for _, rec := range r.active {
		out = append(out, rec)
	}
	return out
}

// Conflicts returns active peers whose type conflicts with this
// session's type.
func (r *Registry) Conflicts() []types.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := conflictSets[r.self.Type]
	var out []types.SessionRecord
	for id, rec := range r.active {
		if id == r.self.SessionID {
			continue
		}
		if set[rec.Type] {
			out = append(out, rec)
		}
	}
	if len(out) > 0 {
		metrics.SessionConflictsTotal.Add(float64(len(out)))
	}
	return out
}

// Arbitrate resolves every current conflict using the configured
// policy. It runs only when called: New does not call it, and the file
// lock registry does not consult it on lock requests.
func (r *Registry) Arbitrate() map[string]Resolution {
	conflicts := r.Conflicts()
	self := r.Current()
	results := make(map[string]Resolution, len(conflicts))
	for _, peer := range conflicts {
		results[peer.SessionID] = r.cfg.Policy.Resolve(self, peer)
	}
	return results
}

// Start begins the background sweep loop.
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) run() {
	defer close(r.doneCh)
	ticker := r.clock.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep moves dead-pid or >MaxAge records from active to completed.
func (r *Registry) sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	var toComplete []string
	for id, rec := range r.active {
		dead := !r.liveness.Alive(rec.PID)
		stale := now.Sub(rec.StartedAt) > r.cfg.MaxAge
		if dead || stale {
			toComplete = append(toComplete, id)
		}
	}
	for _, id := range toComplete {
		rec := r.active[id]
		ended := now
		rec.EndedAt = &ended
		r.completed[id] = rec
		delete(r.active, id)
	}
	r.mu.Unlock()

	if len(toComplete) > 0 {
		if err := r.persist(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to persist session sweep")
		}
	}
}

// UnregisterCurrent moves this process's own session to completed,
// called on clean shutdown.
func (r *Registry) UnregisterCurrent() error {
	now := r.clock.Now()
	r.mu.Lock()
	rec := r.self
	rec.EndedAt = &now
	r.completed[rec.SessionID] = rec
	delete(r.active, rec.SessionID)
	r.mu.Unlock()
	return r.persist()
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		archiveCorrupt(r.cfg.StatePath, r.clock.Now())
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fs.ActiveSessions != nil {
		r.active = fs.ActiveSessions
	}
	if fs.CompletedSessions != nil {
		r.completed = fs.CompletedSessions
	}
	return nil
}

func (r *Registry) persist() error {
	if r.cfg.StatePath == "" {
		return nil
	}
	r.mu.Lock()
	fs := fileState{
		ActiveSessions:    r.active,
		CompletedSessions: r.completed,
		LastUpdated:       r.clock.Now(),
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(r.cfg.StatePath, data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func archiveCorrupt(path string, now time.Time) {
	_ = os.Rename(path, path+".corrupt."+now.Format("20060102150405"))
}
