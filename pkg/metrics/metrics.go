package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task manager metrics
	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_tasks_running",
			Help: "Number of tasks currently running, by task type",
		},
		[]string{"task_type"},
	)

	TasksQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_tasks_queued",
			Help: "Number of tasks currently queued, by priority",
		},
		[]string{"priority"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type", "status"},
	)

	TaskQueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_queue_wait_seconds",
			Help:    "Time a task spent queued before dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resource sampler / allocation controller metrics
	ResourceUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_resource_usage_percent",
			Help: "Sampled resource usage percentage",
		},
		[]string{"metric"},
	)

	AllocationMaxConcurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcore_allocation_max_concurrent",
			Help: "Current global max concurrent task allowance",
		},
	)

	AllocationStrategyChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_allocation_strategy_changes_total",
			Help: "Total number of allocation strategy changes, by kind",
		},
		[]string{"kind"},
	)

	// Session registry metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_sessions_active",
			Help: "Active sessions by type",
		},
		[]string{"session_type"},
	)

	SessionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_session_conflicts_total",
			Help: "Total number of detected session conflicts",
		},
	)

	// File lock registry metrics
	LocksHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcore_locks_held",
			Help: "Locks currently held, by lock kind",
		},
		[]string{"kind"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcore_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LocksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_locks_reclaimed_total",
			Help: "Total number of stale locks reclaimed by the TTL sweep",
		},
	)

	// Scheduler metrics
	ScheduledDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_schedule_dispatch_total",
			Help: "Total number of scheduled entries dispatched, by schedule kind",
		},
		[]string{"kind"},
	)

	ScheduleTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcore_schedule_tick_duration_seconds",
			Help:    "Time taken to process one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcore_snapshot_duration_seconds",
			Help:    "Time taken to write a full snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcore_snapshot_failures_total",
			Help: "Total number of snapshot write or restore failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksRunning,
		TasksQueued,
		TasksTotal,
		TaskDuration,
		TaskQueueWait,
		ResourceUsage,
		AllocationMaxConcurrent,
		AllocationStrategyChangesTotal,
		SessionsActive,
		SessionConflictsTotal,
		LocksHeld,
		LockWaitDuration,
		LocksReclaimedTotal,
		ScheduledDispatchTotal,
		ScheduleTickDuration,
		SnapshotDuration,
		SnapshotFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
