// Package types holds the sealed value types shared across every
// taskcore component: task descriptors and state, resource snapshots,
// allocation strategies, session records, file locks, workflow state,
// and scheduled entries. Centralizing them here is deliberate — the
// source this module generalizes from scattered status strings and
// duck-typed descriptors across half a dozen files; this package is
// the sealed-variant replacement for all of them.
package types

import "time"

// TaskKind tags the strongly-typed payload a task descriptor carries,
// replacing the dynamic/duck-typed descriptors of the source system.
type TaskKind string

const (
	TaskKindScript   TaskKind = "script"
	TaskKindFunction TaskKind = "function"
	TaskKindCommand  TaskKind = "command"
)

// TaskStatus is the sealed set of states a task can occupy.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskStopped   TaskStatus = "stopped"

	// DefaultTaskType is used when a submitted descriptor omits task_type
	// and none can be inferred from its payload.
	DefaultTaskType = "utility"
)

// IsTerminal reports whether status is one from which no further
// mutation is permitted.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut, TaskStopped:
		return true
	default:
		return false
	}
}

// Requirements optionally narrows the resources a task expects to use;
// zero fields mean "unspecified".
type Requirements struct {
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemPercent  float64 `json:"mem_percent,omitempty"`
	DiskPercent float64 `json:"disk_percent,omitempty"`
	GPU         bool    `json:"gpu,omitempty"`
}

// Descriptor is the immutable submission record for a task.
type Descriptor struct {
	ID              string        `json:"id"`
	Kind            TaskKind      `json:"kind"`
	Payload         string        `json:"payload"`
	Args            []string      `json:"args,omitempty"`
	TaskType        string        `json:"task_type"`
	Priority        int           `json:"priority"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	Deadline        *time.Time    `json:"deadline,omitempty"`
	TimeoutSeconds  int           `json:"timeout_seconds"`
	Requirements    *Requirements `json:"requirements,omitempty"`
	ScheduleEntryID string        `json:"schedule_entry_id,omitempty"`
}

// Task is a Descriptor plus its mutable state, single-writer owned by
// the Task Manager.
type Task struct {
	Descriptor

	Status      TaskStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	WorkerKind  string     `json:"worker_kind,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	ResultBlob  string     `json:"result_blob,omitempty"`
	ErrorBlob   string     `json:"error_blob,omitempty"`
	CancelToken string     `json:"cancel_token,omitempty"`
}

// ResourceSnapshot is one tick of the Resource Sampler.
type ResourceSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	DiskPercent  float64   `json:"disk_percent"`
	NetworkBytes uint64    `json:"network_bytes"`
	Unknown      []string  `json:"unknown,omitempty"`
}

// StrategyKind is the sealed set of allocation decisions.
type StrategyKind string

const (
	StrategyScaleUp       StrategyKind = "scale_up"
	StrategyMaintain      StrategyKind = "maintain"
	StrategyScaleDown     StrategyKind = "scale_down"
	StrategyStopNew       StrategyKind = "stop_new"
	StrategyEmergencyStop StrategyKind = "emergency_stop"
)

// Strategy is the Allocation Controller's current recommendation.
type Strategy struct {
	Kind          StrategyKind   `json:"kind"`
	MaxConcurrent int            `json:"max_concurrent"`
	PerTypeCaps   map[string]int `json:"per_type_caps"`
	Rationale     string         `json:"rationale"`
	IssuedAt      time.Time      `json:"issued_at"`
}

// SessionType is the sealed set of session classifications.
type SessionType string

const (
	SessionTerminal     SessionType = "terminal"
	SessionGUIWorkflow  SessionType = "gui_workflow"
	SessionEditorAgent  SessionType = "editor_agent"
	SessionManualScript SessionType = "manual_script"
	SessionUnknown      SessionType = "unknown"
)

// Priority is the fixed arbitration priority table from spec §4.4.
func (t SessionType) Priority() int {
	switch t {
	case SessionGUIWorkflow:
		return 10
	case SessionTerminal:
		return 8
	case SessionEditorAgent:
		return 6
	case SessionManualScript:
		return 4
	default:
		return 2
	}
}

// SessionRecord tracks one process-wide session.
type SessionRecord struct {
	SessionID string      `json:"session_id"`
	Type      SessionType `json:"type"`
	PID       int         `json:"pid"`
	ParentPID int         `json:"parent_pid"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Hints     []string    `json:"hints,omitempty"`
}

// LockMode is read or write.
type LockMode string

const (
	LockRead  LockMode = "read"
	LockWrite LockMode = "write"
)

// LockEntry is one File Lock Registry row, keyed externally by
// canonical path.
type LockEntry struct {
	Path                    string          `json:"path"`
	Mode                    LockMode        `json:"mode"`
	Holders                 map[string]bool `json:"holders"`
	OwningWorkflowID        string          `json:"owning_workflow_id,omitempty"`
	HolderPriority          int             `json:"holder_priority"`
	AcquiredAt              time.Time       `json:"acquired_at"`
	ExpectedDurationSeconds int             `json:"expected_duration_seconds"`
	PID                     int             `json:"pid"`
}

// WorkflowState is the sealed set of workflow states.
type WorkflowState string

const (
	WorkflowStopped WorkflowState = "stopped"
	WorkflowRunning WorkflowState = "running"
	WorkflowPaused  WorkflowState = "paused"
)

// AgentInfo is the per-agent record a Workflow tracks.
type AgentInfo struct {
	ID           string            `json:"id"`
	RegisteredAt time.Time         `json:"registered_at"`
	Reason       string            `json:"reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ScheduleKind is the sealed set of schedule variants.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleMonthly  ScheduleKind = "monthly"
	ScheduleOnce     ScheduleKind = "once"
)

// ScheduleParams is a tagged-union-shaped struct for the five schedule
// variants; only the fields relevant to Kind are populated.
type ScheduleParams struct {
	Kind ScheduleKind `json:"kind"`

	IntervalMinutes int `json:"interval_minutes,omitempty"`

	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`

	Weekday time.Weekday `json:"weekday,omitempty"`

	DayOfMonth int `json:"day_of_month,omitempty"`

	Once time.Time `json:"once,omitempty"`
}

// ScheduledEntry is one row of the Scheduler's map.
type ScheduledEntry struct {
	ID       string         `json:"id"`
	Template Descriptor     `json:"template"`
	Schedule ScheduleParams `json:"schedule"`
	LastRun  *time.Time     `json:"last_run,omitempty"`
	NextRun  *time.Time     `json:"next_run,omitempty"`
	Enabled  bool           `json:"enabled"`
}
