// Package resource implements the Resource Sampler (component B): a
// ticking loop that reads host CPU/memory/disk/network usage, appends
// to a bounded ring buffer, and publishes the latest sample without
// ever blocking its consumers.
package resource

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/log"
	"github.com/cuemby/taskcore/pkg/metrics"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/rs/zerolog"
)

// Reader is the host-metrics source. No library in the retrieved
// example pack imports a resource-sampling dependency (gopsutil never
// appears as a direct import in any full repo), so this is read
// through the stdlib/proc-backed implementation in reader.go; see
// DESIGN.md for the justification.
type Reader interface {
	CPUPercent() (float64, error)
	MemPercent() (float64, error)
	DiskPercent(root string) (float64, error)
	NetworkBytes() (uint64, error)
}

// Config configures the Sampler.
type Config struct {
	Interval   time.Duration // default 5s
	MaxHistory int           // default 100
	DiskRoot   string        // default "/"
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	if c.DiskRoot == "" {
		c.DiskRoot = "/"
	}
	return c
}

// Sampler periodically samples host resource usage.
type Sampler struct {
	cfg    Config
	clock  clock.Clock
	reader Reader
	logger zerolog.Logger

	current atomic.Pointer[types.ResourceSnapshot]
	changes chan types.ResourceSnapshot

	ring      []types.ResourceSnapshot
	ringPos   int
	ringFull  bool
	ringMu    chan struct{} // binary semaphore guarding ring fields

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Sampler. It does not start sampling until Start is
// called.
func New(cfg Config, c clock.Clock, reader Reader) *Sampler {
	cfg = cfg.withDefaults()
	s := &Sampler{
		cfg:     cfg,
		clock:   c,
		reader:  reader,
		logger:  log.WithComponent("resource_sampler"),
		changes: make(chan types.ResourceSnapshot, 1),
		ring:    make([]types.ResourceSnapshot, cfg.MaxHistory),
		ringMu:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.ringMu <- struct{}{}
	return s
}

// Start begins the sampling loop in its own goroutine.
func (s *Sampler) Start() {
	go s.run()
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sampler) run() {
	defer close(s.doneCh)
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("resource sampler started")

	for {
		select {
		case <-ticker.C():
			s.sample()
		case <-s.stopCh:
			s.logger.Info().Msg("resource sampler stopped")
			return
		}
	}
}

func (s *Sampler) sample() {
	snap := types.ResourceSnapshot{Timestamp: s.clock.Now()}

	snap.CPUPercent, snap.Unknown = readWithRetry(snap.Unknown, "cpu", s.reader.CPUPercent)
	snap.MemPercent, snap.Unknown = readWithRetry(snap.Unknown, "mem", s.reader.MemPercent)
	snap.DiskPercent, snap.Unknown = readWithRetryRoot(snap.Unknown, "disk", s.cfg.DiskRoot, s.reader.DiskPercent)
	var netBytes float64
	netBytes, snap.Unknown = readWithRetry(snap.Unknown, "network", func() (float64, error) {
		b, err := s.reader.NetworkBytes()
		return float64(b), err
	})
	snap.NetworkBytes = uint64(netBytes)

	s.publish(snap)
}

// readWithRetry implements the "Transient host error" taxonomy entry:
// retry locally with exponential backoff up to 3 attempts before
// tagging the field unknown.
func readWithRetry(unknown []string, field string, read func() (float64, error)) (float64, []string) {
	var last error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		v, err := read()
		if err == nil {
			return v, unknown
		}
		last = err
		if attempt < 2 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	_ = last
	return 0, append(unknown, field)
}

func readWithRetryRoot(unknown []string, field, root string, read func(string) (float64, error)) (float64, []string) {
	return readWithRetry(unknown, field, func() (float64, error) { return read(root) })
}

func (s *Sampler) publish(snap types.ResourceSnapshot) {
	s.current.Store(&snap)

	<-s.ringMu
	s.ring[s.ringPos] = snap
	s.ringPos = (s.ringPos + 1) % len(s.ring)
	if s.ringPos == 0 {
		s.ringFull = true
	}
	s.ringMu <- struct{}{}

	select {
	case s.changes <- snap:
	default:
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- snap:
		default:
		}
	}

	metrics.ResourceUsage.WithLabelValues("cpu").Set(snap.CPUPercent)
	metrics.ResourceUsage.WithLabelValues("mem").Set(snap.MemPercent)
	metrics.ResourceUsage.WithLabelValues("disk").Set(snap.DiskPercent)

	if len(snap.Unknown) > 0 {
		s.logger.Warn().Strs("unknown_fields", snap.Unknown).Msg("resource sample has unknown fields")
	}
}

// Current returns the most recent snapshot without blocking the
// producer. Returns false if no sample has been taken yet.
func (s *Sampler) Current() (types.ResourceSnapshot, bool) {
	p := s.current.Load()
	if p == nil {
		return types.ResourceSnapshot{}, false
	}
	return *p, true
}

// Changes returns the depth-1, drop-oldest-on-overflow change channel.
func (s *Sampler) Changes() <-chan types.ResourceSnapshot {
	return s.changes
}

// History returns a copy of the ring buffer in chronological order.
func (s *Sampler) History() []types.ResourceSnapshot {
	<-s.ringMu
	defer func() { s.ringMu <- struct{}{} }()

	if !s.ringFull {
		out := make([]types.ResourceSnapshot, s.ringPos)
		copy(out, s.ring[:s.ringPos])
		return out
	}
	out := make([]types.ResourceSnapshot, len(s.ring))
	copy(out, s.ring[s.ringPos:])
	copy(out[len(s.ring)-s.ringPos:], s.ring[:s.ringPos])
	return out
}
