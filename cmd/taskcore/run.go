package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cuemby/taskcore/pkg/allocation"
	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/config"
	"github.com/cuemby/taskcore/pkg/control"
	"github.com/cuemby/taskcore/pkg/events"
	"github.com/cuemby/taskcore/pkg/history"
	"github.com/cuemby/taskcore/pkg/lock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/queue"
	"github.com/cuemby/taskcore/pkg/resource"
	"github.com/cuemby/taskcore/pkg/scheduler"
	"github.com/cuemby/taskcore/pkg/session"
	"github.com/cuemby/taskcore/pkg/snapshot"
	"github.com/cuemby/taskcore/pkg/taskmanager"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/cuemby/taskcore/pkg/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the taskcore daemon: resource sampling, allocation, scheduling, and task execution",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return wrapConfigError(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return wrapConfigError(fmt.Errorf("create data dir: %w", err))
	}
	stateDir := filepath.Join(cfg.DataDir, "v1")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return wrapConfigError(fmt.Errorf("create state dir: %w", err))
	}

	pidPath := filepath.Join(cfg.DataDir, "taskcore.pid")
	release, err := acquirePIDLock(pidPath)
	if err != nil {
		return &errAlreadyRunning{err: err}
	}
	defer release()

	clk := clock.SystemClock{}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// B. Resource Sampler
	sampler := resource.New(resource.Config{Interval: cfg.SampleInterval(), DiskRoot: "/"}, clk, resource.NewProcReader())
	sampler.Start()
	defer sampler.Stop()
	metrics.RegisterComponent("sampler", true, "")

	// C. Allocation Controller
	controller := allocation.New(allocation.Config{Interval: cfg.SampleInterval() * 3}, clk, sampler)
	controller.Start()
	defer controller.Stop()

	// D. Session Registry
	sessions, err := session.New(session.Config{StatePath: filepath.Join(stateDir, "sessions.json")},
		clk, session.ProcessLiveness{}, session.DefaultClassifier(), os.Getpid(), os.Getppid())
	if err != nil {
		return fmt.Errorf("session registry: %w", err)
	}
	sessions.Start()
	defer sessions.Stop()

	// E. File Lock Registry
	locks := lock.New(lock.Config{StatePath: filepath.Join(stateDir, "locks.json")}, clk)

	// History store (bbolt)
	hist, err := history.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer hist.Close()

	// G. Task Manager
	manager := taskmanager.New(taskmanager.Config{
		DispatchPollInterval: cfg.DispatchPollInterval(),
		ReapGrace:            cfg.ReapGrace(),
		History:              hist,
	}, clk, queue.New(), controller.Current)
	manager.Start()
	defer manager.Stop()
	metrics.RegisterComponent("taskmanager", true, "")

	// Shed load on emergency_stop instead of merely refusing new
	// admissions (spec §4.7 Backpressure, §8 scenario 3).
	controller.Subscribe(func(strat types.Strategy) {
		if strat.Kind == types.StrategyEmergencyStop {
			manager.CancelAllRunning()
		}
	})

	// H. Scheduler
	sched := scheduler.New(scheduler.Config{StatePath: filepath.Join(stateDir, "schedule.json"), TickInterval: cfg.ScheduleTick()}, clk, manager)
	sched.Start()
	defer sched.Stop()
	metrics.RegisterComponent("scheduler", true, "")

	// I. Workflow Status Store
	wf := workflow.New(workflow.Config{StatePath: filepath.Join(stateDir, "workflow.json"), AgentDir: cfg.ControlDir}, broker)

	// J. Snapshot / recovery
	snapPath := filepath.Join(stateDir, "resources.json")
	if prior, err := snapshot.Load(snapPath); err == nil && prior != nil {
		for _, t := range snapshot.RecoverRunningAsStopped(prior, time.Now()) {
			if err := hist.Record(t); err != nil {
				log.Logger.Error().Err(err).Msg("record recovered task failed")
			}
		}
		log.Logger.Info().Int("count", len(prior.RunningTasks)).Msg("recovered running tasks from prior snapshot as stopped")
	}
	snapper := snapshot.New(snapshot.Config{StatePath: snapPath, Interval: cfg.SnapshotInterval()}, clk, snapshot.Sources{
		Strategy: controller.Current,
		Locks:    locks.Snapshot,
		Sessions: sessions.Active,
		Schedules: func() []types.ScheduledEntry { return sched.Snapshot() },
		RunningTasks: func() []types.Task { return manager.Status().Running },
	})
	snapper.Start()
	defer snapper.Stop()

	// External control surface
	watcher, err := control.NewWatcher(cfg.ControlDir, func(name string) { handleControlFile(cfg.ControlDir, name, manager, wf) })
	if err != nil {
		return fmt.Errorf("control watcher: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer srv.Close()

	if err := wf.SetState(types.WorkflowRunning); err != nil {
		log.Logger.Warn().Err(err).Msg("set initial workflow state")
	}

	log.Logger.Info().Str("data_dir", cfg.DataDir).Msg("taskcore daemon started")
	waitForSignal()
	log.Logger.Info().Msg("taskcore daemon shutting down")
	return nil
}

// handleControlFile dispatches a settled write on one of the
// well-known control files (spec §6) to the component that owns it.
func handleControlFile(dir, name string, manager *taskmanager.Manager, wf *workflow.Workflow) {
	switch name {
	case control.FileTaskCreationQueue:
		if err := control.NormalizeTaskCreationQueue(dir); err != nil {
			log.Logger.Error().Err(err).Msg("normalize task creation queue")
			return
		}
		fallthrough
	case control.FileAutomationQueue:
		entries, err := control.DrainJSONList(filepath.Join(dir, control.FileAutomationQueue))
		if err != nil {
			log.Logger.Error().Err(err).Msg("drain automation queue")
			return
		}
		for _, raw := range entries {
			var d types.Descriptor
			if err := json.Unmarshal(raw, &d); err != nil {
				log.Logger.Error().Err(err).Msg("decode automation queue entry")
				continue
			}
			if _, err := manager.Submit(d); err != nil {
				log.Logger.Error().Err(err).Msg("submit automation queue entry")
			}
		}
	case control.FileWorkflowCommand:
		data, err := control.ReadAndClear(filepath.Join(dir, control.FileWorkflowCommand))
		if err != nil || data == nil {
			return
		}
		var cmd struct {
			State      string `json:"state"`
			CancelTask string `json:"cancel_task_id"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			return
		}
		if cmd.State != "" {
			_ = wf.SetState(types.WorkflowState(cmd.State))
		}
		if cmd.CancelTask != "" {
			if !manager.Cancel(cmd.CancelTask) {
				log.Logger.Warn().Str("task_id", cmd.CancelTask).Msg("cancel requested for unknown or already-finished task")
			}
		}
	}
}

func acquirePIDLock(path string) (release func(), err error) {
	if data, err := os.ReadFile(path); err == nil {
		if pid, convErr := strconv.Atoi(string(data)); convErr == nil && pid > 0 {
			if syscall.Kill(pid, 0) == nil {
				return nil, fmt.Errorf("taskcore already running with pid %d", pid)
			}
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(path) }, nil
}
