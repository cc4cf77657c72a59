// Package allocation implements the Allocation Controller (component
// C): it consumes Resource Sampler snapshots, applies the four-band
// threshold decision rule, and publishes an allocation Strategy the
// Task Manager reads on every admission decision. The controller never
// calls back into the manager — breaking the cyclic controller/manager
// state the source exhibited — the strategy is an atomically swapped
// immutable value (spec §9 Design Notes).
package allocation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/resource"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/rs/zerolog"
)

// Bands holds the four per-metric thresholds: low, medium, high, critical.
type Bands struct {
	Low, Medium, High, Critical float64
}

// Thresholds holds Bands for the three sampled metrics. Defaults mirror
// the source resource monitor's configured thresholds.
type Thresholds struct {
	CPU  Bands
	Mem  Bands
	Disk Bands
}

// DefaultThresholds matches claude_resource_monitor.py's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:  Bands{Low: 20, Medium: 50, High: 80, Critical: 90},
		Mem:  Bands{Low: 20, Medium: 60, High: 80, Critical: 90},
		Disk: Bands{Low: 50, Medium: 70, High: 85, Critical: 95},
	}
}

// TypeWeight is the per-task-type weight used to derive per-type caps.
type TypeWeight struct {
	CPU, Mem, Disk float64
}

func (w TypeWeight) avg() float64 {
	return (w.CPU + w.Mem + w.Disk) / 3
}

// Config configures the Allocation Controller.
type Config struct {
	Interval           time.Duration // default 15s
	Thresholds         Thresholds
	TypeWeights        map[string]TypeWeight
	AdaptiveAllocation bool // when false, adaptive clamps are skipped
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if (c.Thresholds == Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.TypeWeights == nil {
		c.TypeWeights = map[string]TypeWeight{
			"heavy-render": {CPU: 4, Mem: 3, Disk: 1},
			"simulation":   {CPU: 3, Mem: 2, Disk: 1},
			"analysis":     {CPU: 2, Mem: 2, Disk: 1},
			"utility":      {CPU: 1, Mem: 1, Disk: 1},
		}
	}
	return c
}

type band int

const (
	bandNone band = iota
	bandLow
	bandMedium
	bandHigh
	bandCritical
)

func classify(value float64, b Bands) band {
	switch {
	case value >= b.Critical:
		return bandCritical
	case value >= b.High:
		return bandHigh
	case value >= b.Medium:
		return bandMedium
	case value >= b.Low:
		return bandLow
	default:
		return bandNone
	}
}

// Controller runs the periodic allocation decision loop.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	sampler *resource.Sampler
	logger  zerolog.Logger

	current atomic.Pointer[types.Strategy]

	mu          sync.Mutex
	subscribers []func(types.Strategy)
	alertLog    []string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Controller reading snapshots from sampler.
func New(cfg Config, c clock.Clock, sampler *resource.Sampler) *Controller {
	cfg = cfg.withDefaults()
	ctrl := &Controller{
		cfg:     cfg,
		clock:   c,
		sampler: sampler,
		logger:  log.WithComponent("allocation_controller"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	initial := types.Strategy{
		Kind:          types.StrategyScaleUp,
		MaxConcurrent: 5,
		PerTypeCaps:   map[string]int{},
		Rationale:     "initial default before first tick",
		IssuedAt:      c.Now(),
	}
	ctrl.current.Store(&initial)
	return ctrl
}

// Start begins the decision loop in its own goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Stop halts the decision loop and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Subscribe registers a callback invoked exactly once per new strategy.
func (c *Controller) Subscribe(fn func(types.Strategy)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Current returns the current strategy without blocking.
func (c *Controller) Current() types.Strategy {
	return *c.current.Load()
}

// Alerts returns a copy of the bounded band-transition alert log,
// carried forward from project_resource_manager.py's resource_alerts.
func (c *Controller) Alerts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.alertLog))
	copy(out, c.alertLog)
	return out
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.cfg.Interval).Msg("allocation controller started")

	for {
		select {
		case <-ticker.C():
			c.decide()
		case <-c.stopCh:
			c.logger.Info().Msg("allocation controller stopped")
			return
		}
	}
}

func (c *Controller) decide() {
	snap, ok := c.sampler.Current()
	if !ok {
		return
	}

	prev := c.Current()
	next := c.evaluate(snap, prev)
	c.current.Store(&next)

	if next.Kind != prev.Kind {
		metrics.AllocationStrategyChangesTotal.WithLabelValues(string(next.Kind)).Inc()
		c.recordAlert(fmt.Sprintf("%s -> %s at %s: %s", prev.Kind, next.Kind, next.IssuedAt.Format(time.RFC3339), next.Rationale))
	}
	metrics.AllocationMaxConcurrent.Set(float64(next.MaxConcurrent))

	c.mu.Lock()
	subs := append([]func(types.Strategy){}, c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

func (c *Controller) recordAlert(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alertLog = append(c.alertLog, msg)
	if len(c.alertLog) > 100 {
		c.alertLog = c.alertLog[len(c.alertLog)-100:]
	}
}

// evaluate applies the four-band decision rule in order (spec §4.3).
func (c *Controller) evaluate(snap types.ResourceSnapshot, prev types.Strategy) types.Strategy {
	th := c.cfg.Thresholds
	cpuBand := classify(snap.CPUPercent, th.CPU)
	memBand := classify(snap.MemPercent, th.Mem)
	diskBand := classify(snap.DiskPercent, th.Disk)

	worst, worstValue, worstBands := worstOf(
		cpuBand, snap.CPUPercent, th.CPU,
		memBand, snap.MemPercent, th.Mem,
		diskBand, snap.DiskPercent, th.Disk,
	)

	now := c.clock.Now()
	switch worst {
	case bandCritical:
		return types.Strategy{
			Kind:          types.StrategyEmergencyStop,
			MaxConcurrent: 0,
			PerTypeCaps:   perTypeCaps(0, c.cfg.TypeWeights),
			Rationale:     "a sampled metric reached the critical band",
			IssuedAt:      now,
		}
	case bandHigh:
		base := 2
		if worstValue <= worstBands.High+5 {
			base = 3
		}
		max := base
		if c.cfg.AdaptiveAllocation && prev.MaxConcurrent > 0 {
			if floor := prev.MaxConcurrent - 1; max < floor {
				max = floor
			}
			if max > prev.MaxConcurrent {
				max = prev.MaxConcurrent
			}
		}
		return types.Strategy{
			Kind:          types.StrategyScaleDown,
			MaxConcurrent: max,
			PerTypeCaps:   perTypeCaps(max, c.cfg.TypeWeights),
			Rationale:     "a sampled metric is in the high band",
			IssuedAt:      now,
		}
	case bandMedium:
		base := 5
		span := worstBands.High - worstBands.Medium
		if span > 0 {
			pos := (worstValue - worstBands.Medium) / span
			base -= int(pos * 3)
		}
		if base < 1 {
			base = 1
		}
		max := base
		if c.cfg.AdaptiveAllocation && prev.MaxConcurrent > 0 {
			if max < prev.MaxConcurrent-1 {
				max = prev.MaxConcurrent - 1
			}
			if max > prev.MaxConcurrent+1 {
				max = prev.MaxConcurrent + 1
			}
		}
		return types.Strategy{
			Kind:          types.StrategyMaintain,
			MaxConcurrent: max,
			PerTypeCaps:   perTypeCaps(max, c.cfg.TypeWeights),
			Rationale:     "sampled metrics are in the medium band",
			IssuedAt:      now,
		}
	default:
		base := 8
		if allAtMostHalfLow(snap, th) {
			base = 10
		}
		max := base
		if c.cfg.AdaptiveAllocation && prev.MaxConcurrent > 0 && max > prev.MaxConcurrent+2 {
			max = prev.MaxConcurrent + 2
		}
		return types.Strategy{
			Kind:          types.StrategyScaleUp,
			MaxConcurrent: max,
			PerTypeCaps:   perTypeCaps(max, c.cfg.TypeWeights),
			Rationale:     "sampled metrics are below the medium band",
			IssuedAt:      now,
		}
	}
}

func worstOf(cb band, cv float64, cBands Bands, mb band, mv float64, mBands Bands, db band, dv float64, dBands Bands) (band, float64, Bands) {
	worst, value, bands := cb, cv, cBands
	if mb > worst || (mb == worst && mv > value) {
		worst, value, bands = mb, mv, mBands
	}
	if db > worst || (db == worst && dv > value) {
		worst, value, bands = db, dv, dBands
	}
	return worst, value, bands
}

func allAtMostHalfLow(snap types.ResourceSnapshot, th Thresholds) bool {
	return snap.CPUPercent <= th.CPU.Low/2 &&
		snap.MemPercent <= th.Mem.Low/2 &&
		snap.DiskPercent <= th.Disk.Low/2
}

func perTypeCaps(maxConcurrent int, weights map[string]TypeWeight) map[string]int {
	caps := make(map[string]int, len(weights))
	for taskType, w := range weights {
		var cap int
		if taskType == "heavy-render" {
			cap = roundInt(float64(maxConcurrent) / 4)
		} else {
			avg := w.avg()
			if avg <= 0 {
				avg = 1
			}
			cap = roundInt(float64(maxConcurrent) / avg)
		}
		if cap < 1 {
			cap = 1
		}
		if cap > maxConcurrent && maxConcurrent > 0 {
			cap = maxConcurrent
		}
		caps[taskType] = cap
	}
	return caps
}

func roundInt(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}
