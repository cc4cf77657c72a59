/*
Package metrics provides Prometheus metrics collection and exposition for
taskcore, plus a small component health registry for the /health, /ready,
and /live endpoints.

# Metrics

All metrics are registered at package init time via prometheus.MustRegister
and exposed over HTTP with promhttp.Handler (see Handler).

Task manager:

	taskcore_tasks_running{task_type}           gauge
	taskcore_tasks_queued{priority}              gauge
	taskcore_tasks_total{status}                 counter
	taskcore_task_duration_seconds{task_type,status}  histogram
	taskcore_task_queue_wait_seconds             histogram

Resource sampler / allocation controller:

	taskcore_resource_usage_percent{metric}              gauge
	taskcore_allocation_max_concurrent                   gauge
	taskcore_allocation_strategy_changes_total{kind}     counter

Session registry:

	taskcore_sessions_active{session_type}   gauge
	taskcore_session_conflicts_total         counter

File lock registry:

	taskcore_locks_held{kind}             gauge
	taskcore_lock_wait_seconds            histogram
	taskcore_locks_reclaimed_total        counter

Scheduler:

	taskcore_schedule_dispatch_total{kind}          counter
	taskcore_schedule_tick_duration_seconds         histogram

Snapshot:

	taskcore_snapshot_duration_seconds     histogram
	taskcore_snapshot_failures_total       counter

# Timer

Timer is a small helper for recording an operation's duration into a
histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScheduleTickDuration)

ObserveDurationVec does the same for a HistogramVec that needs label
values at observe time.

# Health registry

RegisterComponent/UpdateComponent record whether a named component
(sampler, taskmanager, scheduler, ...) is healthy. GetHealth aggregates
all registered components; GetReadiness additionally requires the
components listed in the scheduler/sampler/taskmanager critical set to
be present and healthy before reporting ready. HealthHandler,
ReadyHandler, and LivenessHandler wrap these into http.HandlerFunc
values for mounting on the daemon's metrics server.
*/
package metrics
