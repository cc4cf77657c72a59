// Package clock provides the injectable time and identifier source that
// taskcore's core components read from, so schedules, TTL sweeps, and
// timeouts can be driven deterministically in tests instead of through
// real sleeps.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the seam between the orchestration core and wall-clock time.
// The sampler, allocation controller, session and lock registries,
// scheduler and task manager read "now" through an injected Clock; the
// workflow store and the corrupt-file archive names call time.Now()
// directly.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// NewID returns a new globally unique identifier.
	NewID() string
	// After returns a channel that fires once after d, honoring the
	// clock's notion of time (real for SystemClock, manual for FakeClock).
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of *time.Ticker this module relies on, so a
// FakeClock can hand back a controllable substitute in tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the production Clock, backed by the real time package.
type SystemClock struct{}

// NewSystemClock returns the default, real-time Clock.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewID() string { return uuid.NewString() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
