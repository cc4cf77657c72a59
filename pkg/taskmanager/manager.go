// Package taskmanager implements the Task Manager / dispatcher
// (component G): admission against the Allocation Controller's current
// strategy, per-type concurrency caps with starvation-safe deferral,
// worker spawn for script/function/command task kinds, cooperative
// cancellation with a forced-kill grace period, and timeout
// enforcement. Grounded on warren's pkg/worker container lifecycle
// (heartbeat/executor ticking loops, SIGTERM-then-grace-then-kill) and
// pkg/manager/token.go's token map (adapted here as the cancel-token
// registry in pkg/taskmanager/canceltoken).
package taskmanager

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/queue"
	"github.com/cuemby/taskcore/pkg/taskmanager/canceltoken"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/rs/zerolog"
)

// FunctionHandler is the in-process implementation behind a Function
// task kind, looked up by Descriptor.Payload.
type FunctionHandler func(ctx context.Context, args []string) (result string, err error)

// HistoryRecorder durably records completed tasks. Satisfied by
// pkg/history.Store; kept as an interface so tests can use a no-op.
type HistoryRecorder interface {
	Record(types.Task) error
}

type noopHistory struct{}

func (noopHistory) Record(types.Task) error { return nil }

// Config configures the Manager.
type Config struct {
	DispatchPollInterval time.Duration // default 200ms; Queue.Pop timeout, not a busy sleep
	ReapGrace            time.Duration // default 5s
	CompletedRetained    int           // default 100
	DefaultTaskType      string
	History              HistoryRecorder
	Functions            map[string]FunctionHandler
}

func (c Config) withDefaults() Config {
	if c.DispatchPollInterval <= 0 {
		c.DispatchPollInterval = 200 * time.Millisecond
	}
	if c.ReapGrace <= 0 {
		c.ReapGrace = 5 * time.Second
	}
	if c.CompletedRetained <= 0 {
		c.CompletedRetained = 100
	}
	if c.DefaultTaskType == "" {
		c.DefaultTaskType = types.DefaultTaskType
	}
	if c.History == nil {
		c.History = noopHistory{}
	}
	if c.Functions == nil {
		c.Functions = map[string]FunctionHandler{}
	}
	return c
}

type runningTask struct {
	task     types.Task
	deadline time.Time
	cancel   context.CancelFunc // set for function/command/script kinds alike; subprocess kinds also get cmd
	cmd      *exec.Cmd
	timedOut atomic.Bool
}

type completionEvent struct {
	taskID   string
	status   types.TaskStatus
	exitCode *int
	result   string
	errMsg   string
}

// StrategyProvider returns the Allocation Controller's current
// strategy without blocking (an atomic pointer read).
type StrategyProvider func() types.Strategy

// Manager is the Task Manager (component G).
type Manager struct {
	cfg      Config
	clock    clock.Clock
	q        *queue.Queue
	strategy StrategyProvider
	cancels  *canceltoken.Registry
	logger   zerolog.Logger

	mu         sync.Mutex
	running    map[string]*runningTask
	deferred   map[string][]types.Descriptor
	completed  []types.Task

	completions chan completionEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. Start must be called to begin dispatch.
func New(cfg Config, c clock.Clock, q *queue.Queue, strategy StrategyProvider) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		clock:       c,
		q:           q,
		strategy:    strategy,
		cancels:     canceltoken.New(),
		logger:      log.WithComponent("task_manager"),
		running:     make(map[string]*runningTask),
		deferred:    make(map[string][]types.Descriptor),
		completions: make(chan completionEvent, 64),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the dispatch loop and the completion-processing loop,
// one goroutine each (spec §5).
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.dispatchLoop()
	go m.completionLoop()
}

// Stop halts both loops and waits for them to exit. It does not cancel
// running tasks; callers that want a clean drain should Cancel them
// explicitly first.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Submit enqueues a new task descriptor, assigning an id and
// submitted-at time, inferring task_type when omitted (carried forward
// from claude_parallel_manager.py's add_script_task heuristic).
func (m *Manager) Submit(d types.Descriptor) (string, error) {
	if d.ID == "" {
		d.ID = m.clock.NewID()
	}
	d.SubmittedAt = m.clock.Now()
	if d.TaskType == "" {
		d.TaskType = inferTaskType(d.Payload, m.cfg.DefaultTaskType)
	}
	m.q.Push(d)
	metrics.TasksQueued.WithLabelValues(fmt.Sprint(d.Priority)).Inc()
	return d.ID, nil
}

// SubmitBatch submits many descriptors in one call, carried forward
// from claude_parallel_manager.py's add_batch_tasks.
func (m *Manager) SubmitBatch(ds []types.Descriptor) ([]string, error) {
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		id, err := m.Submit(d)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func inferTaskType(payload, fallback string) string {
	lower := strings.ToLower(payload)
	switch {
	case strings.Contains(lower, "render"):
		return "heavy-render"
	case strings.Contains(lower, "simulation"):
		return "simulation"
	case strings.Contains(lower, "analysis"):
		return "analysis"
	default:
		return fallback
	}
}

// Cancel cancels a running task cooperatively, or removes a queued one.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	rt, isRunning := m.running[id]
	m.mu.Unlock()

	if isRunning {
		m.cancels.Cancel(id)
		if rt.cancel != nil {
			rt.cancel()
		}
		if rt.cmd != nil && rt.cmd.Process != nil {
			_ = rt.cmd.Process.Signal(syscall.SIGTERM)
		}
		return true
	}

	if m.q.RemoveByID(id) {
		metrics.TasksTotal.WithLabelValues(string(types.TaskCancelled)).Inc()
		return true
	}
	return false
}

// CancelAllRunning cooperatively cancels every currently running task,
// used on an emergency_stop strategy transition (spec §4.7 Backpressure,
// §8 scenario 3) so the manager sheds load instead of merely refusing
// new admissions.
func (m *Manager) CancelAllRunning() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
	if len(ids) > 0 {
		m.logger.Warn().Int("count", len(ids)).Msg("emergency stop: cancelling all running tasks")
	}
}

// StatusSummary is the observability surface from spec §4.7.
type StatusSummary struct {
	Strategy  types.Strategy
	Running   []types.Task
	Completed []types.Task
	Queued    []types.Descriptor
}

// Status returns a consistent snapshot of manager state.
func (m *Manager) Status() StatusSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := make([]types.Task, 0, len(m.running))
	for _, rt := range m.running {
		running = append(running, rt.task)
	}
	completed := make([]types.Task, len(m.completed))
	copy(completed, m.completed)

	return StatusSummary{
		Strategy:  m.strategy(),
		Running:   running,
		Completed: completed,
		Queued:    m.q.Snapshot(),
	}
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) runningCountByType(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rt := range m.running {
		if rt.task.TaskType == taskType {
			n++
		}
	}
	return n
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	m.logger.Info().Msg("task manager dispatch loop started")

	for {
		select {
		case <-m.stopCh:
			m.logger.Info().Msg("task manager dispatch loop stopped")
			return
		default:
		}

		strat := m.strategy()
		if strat.Kind == types.StrategyStopNew || strat.Kind == types.StrategyEmergencyStop || m.runningCount() >= strat.MaxConcurrent {
			select {
			case <-m.clock.After(m.cfg.DispatchPollInterval):
			case <-m.stopCh:
				return
			}
			continue
		}

		d, ok := m.q.Pop(m.cfg.DispatchPollInterval)
		if !ok {
			continue
		}

		if cap, hasCap := strat.PerTypeCaps[d.TaskType]; hasCap && m.runningCountByType(d.TaskType) >= cap {
			m.deferLocked(d)
			continue
		}

		m.admit(d)
	}
}

func (m *Manager) deferLocked(d types.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred[d.TaskType] = append(m.deferred[d.TaskType], d)
}

// sweepDeferred re-pushes one deferred descriptor of taskType back
// onto the queue if any exists, called after every completion event
// so per-type cap deferral never starves higher-priority work of other
// types (spec §5 Starvation avoidance).
func (m *Manager) sweepDeferred(taskType string) {
	m.mu.Lock()
	list := m.deferred[taskType]
	if len(list) == 0 {
		m.mu.Unlock()
		return
	}
	head := list[0]
	m.deferred[taskType] = list[1:]
	m.mu.Unlock()

	m.q.Push(head)
}

func (m *Manager) admit(d types.Descriptor) {
	now := m.clock.Now()
	deadline := now
	if d.TimeoutSeconds > 0 {
		deadline = now.Add(time.Duration(d.TimeoutSeconds) * time.Second)
	} else {
		deadline = now.Add(24 * time.Hour) // "no timeout" is a soft ceiling, not infinite
	}

	token, err := m.cancels.Issue(d.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", d.ID).Msg("failed to issue cancel token")
		return
	}

	task := types.Task{
		Descriptor:  d,
		Status:      types.TaskRunning,
		StartedAt:   &now,
		CancelToken: token,
	}

	rt := &runningTask{task: task, deadline: deadline}

	m.mu.Lock()
	m.running[d.ID] = rt
	m.mu.Unlock()

	metrics.TasksRunning.WithLabelValues(d.TaskType).Inc()
	metrics.TaskQueueWait.Observe(now.Sub(d.SubmittedAt).Seconds())

	logger := log.WithTaskID(d.ID)
	logger.Info().Str("task_type", d.TaskType).Str("kind", string(d.Kind)).Msg("task admitted")

	switch d.Kind {
	case types.TaskKindFunction:
		m.runFunction(rt)
	default:
		m.runProcess(rt)
	}

	m.watchDeadline(rt)
}

func (m *Manager) runFunction(rt *runningTask) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	handler, ok := m.cfg.Functions[rt.task.Payload]
	if !ok {
		go func() {
			m.completions <- completionEvent{taskID: rt.task.ID, status: types.TaskFailed, errMsg: "no function registered for payload " + rt.task.Payload}
		}()
		return
	}

	go func() {
		result, err := handler(ctx, rt.task.Args)
		if ctx.Err() == context.Canceled {
			m.completions <- completionEvent{taskID: rt.task.ID, status: cancelStatus(rt)}
			return
		}
		if err != nil {
			m.completions <- completionEvent{taskID: rt.task.ID, status: types.TaskFailed, errMsg: err.Error()}
			return
		}
		m.completions <- completionEvent{taskID: rt.task.ID, status: types.TaskCompleted, result: result}
	}()
}

func (m *Manager) runProcess(rt *runningTask) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	cmd := exec.CommandContext(ctx, rt.task.Payload, rt.task.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Cancelling ctx sends SIGTERM; Wait kills the process if it is still
	// running ReapGrace later.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = m.cfg.ReapGrace
	rt.cmd = cmd

	if err := cmd.Start(); err != nil {
		go func() {
			m.completions <- completionEvent{taskID: rt.task.ID, status: types.TaskFailed, errMsg: "failed to start: " + err.Error()}
		}()
		return
	}

	go func() {
		err := cmd.Wait()
		if ctx.Err() == context.Canceled {
			m.completions <- completionEvent{taskID: rt.task.ID, status: cancelStatus(rt), exitCode: exitCodeOf(cmd)}
			return
		}
		if err != nil {
			code := exitCodeOf(cmd)
			m.completions <- completionEvent{
				taskID:   rt.task.ID,
				status:   types.TaskFailed,
				exitCode: code,
				errMsg:   tail(stderr.String(), 4096),
			}
			return
		}
		m.completions <- completionEvent{
			taskID:   rt.task.ID,
			status:   types.TaskCompleted,
			exitCode: exitCodeOf(cmd),
			result:   tail(stdout.String(), 4096),
		}
	}()
}

func cancelStatus(rt *runningTask) types.TaskStatus {
	if rt.timedOut.Load() {
		return types.TaskTimedOut
	}
	return types.TaskCancelled
}

func exitCodeOf(cmd *exec.Cmd) *int {
	if cmd.ProcessState == nil {
		return nil
	}
	code := cmd.ProcessState.ExitCode()
	return &code
}

func tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

// watchDeadline enforces the task's timeout: cooperative cancel first,
// forced kill after cfg.ReapGrace.
func (m *Manager) watchDeadline(rt *runningTask) {
	go func() {
		wait := rt.deadline.Sub(m.clock.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-m.clock.After(wait):
		case <-m.stopCh:
			return
		}

		m.mu.Lock()
		_, stillRunning := m.running[rt.task.ID]
		m.mu.Unlock()
		if !stillRunning {
			return
		}

		log.WithTaskID(rt.task.ID).Warn().Msg("task deadline exceeded, cancelling")
		rt.timedOut.Store(true)
		if rt.cancel != nil {
			rt.cancel()
		}

		select {
		case <-m.clock.After(m.cfg.ReapGrace):
		case <-m.stopCh:
			return
		}

		m.mu.Lock()
		_, stillRunning2 := m.running[rt.task.ID]
		m.mu.Unlock()
		if stillRunning2 && rt.cmd != nil && rt.cmd.Process != nil {
			_ = rt.cmd.Process.Kill()
		}
	}()
}

func (m *Manager) completionLoop() {
	defer m.wg.Done()
	m.logger.Info().Msg("task manager completion loop started")

	for {
		select {
		case ev := <-m.completions:
			m.processCompletion(ev)
		case <-m.stopCh:
			m.drainPendingCompletions()
			m.logger.Info().Msg("task manager completion loop stopped")
			return
		}
	}
}

func (m *Manager) drainPendingCompletions() {
	for {
		select {
		case ev := <-m.completions:
			m.processCompletion(ev)
		default:
			return
		}
	}
}

func (m *Manager) processCompletion(ev completionEvent) {
	m.mu.Lock()
	rt, ok := m.running[ev.taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.running, ev.taskID)
	m.mu.Unlock()

	now := m.clock.Now()
	task := rt.task
	task.Status = ev.status
	task.EndedAt = &now
	task.ExitCode = ev.exitCode
	task.ErrorBlob = ev.errMsg
	task.ResultBlob = ev.result

	m.cancels.Release(ev.taskID)
	metrics.TasksRunning.WithLabelValues(task.TaskType).Dec()
	metrics.TasksTotal.WithLabelValues(string(ev.status)).Inc()
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(task.TaskType, string(ev.status)).Observe(now.Sub(*task.StartedAt).Seconds())
	}

	m.mu.Lock()
	m.completed = append(m.completed, task)
	if len(m.completed) > m.cfg.CompletedRetained {
		m.completed = m.completed[len(m.completed)-m.cfg.CompletedRetained:]
	}
	m.mu.Unlock()

	if err := m.cfg.History.Record(task); err != nil {
		m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to record task history")
	}

	log.WithTaskID(task.ID).Info().Str("status", string(task.Status)).Msg("task completed")

	m.sweepDeferred(task.TaskType)
}
