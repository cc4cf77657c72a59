package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually-advanced Clock used by tests so schedule math,
// TTL sweeps, and timeout ladders can be exercised without real sleeps.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "fake-id-" + itoa(f.nextID)
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{interval: d, ch: make(chan time.Time, 1), next: f.now.Add(d)}
	f.tickers = append(f.tickers, t)
	return t
}

type fakeTicker struct {
	mu       sync.Mutex
	interval time.Duration
	ch       chan time.Time
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- now:
		default:
		}
		t.next = t.next.Add(t.interval)
	}
}

// Advance moves the fake clock forward by d, firing any waiters and
// tickers whose deadline has elapsed.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.fired && !w.deadline.After(now) {
			w.fired = true
			select {
			case w.ch <- now:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	tickers := f.tickers
	f.mu.Unlock()

	for _, t := range tickers {
		t.maybeFire(now)
	}
}

var _ = sort.Ints // keep sort imported if future use needs stable ordering

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
