package allocation

import (
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/resource"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

type constReader struct{ cpu, mem, disk float64 }

func (r constReader) CPUPercent() (float64, error)        { return r.cpu, nil }
func (r constReader) MemPercent() (float64, error)        { return r.mem, nil }
func (r constReader) DiskPercent(string) (float64, error) { return r.disk, nil }
func (r constReader) NetworkBytes() (uint64, error)       { return 0, nil }

func newSampler(t *testing.T, fc clock.Clock, reader resource.Reader) *resource.Sampler {
	t.Helper()
	s := resource.New(resource.Config{Interval: time.Second}, fc, reader)
	return s
}

func TestControllerEmergencyStopOnCritical(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sampler := newSampler(t, fc, constReader{cpu: 96})
	sampler.Start()
	defer sampler.Stop()
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { _, ok := sampler.Current(); return ok }, time.Second, time.Millisecond)

	ctrl := New(Config{Interval: time.Second}, fc, sampler)
	ctrl.decide()

	strat := ctrl.Current()
	require.Equal(t, types.StrategyEmergencyStop, strat.Kind)
	require.Equal(t, 0, strat.MaxConcurrent)
}

func TestControllerScaleDownOnHigh(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sampler := newSampler(t, fc, constReader{cpu: 85})
	sampler.Start()
	defer sampler.Stop()
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { _, ok := sampler.Current(); return ok }, time.Second, time.Millisecond)

	ctrl := New(Config{Interval: time.Second}, fc, sampler)
	ctrl.decide()

	require.Equal(t, types.StrategyScaleDown, ctrl.Current().Kind)
}

func TestControllerScaleUpWhenIdle(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sampler := newSampler(t, fc, constReader{cpu: 1, mem: 1, disk: 1})
	sampler.Start()
	defer sampler.Stop()
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { _, ok := sampler.Current(); return ok }, time.Second, time.Millisecond)

	ctrl := New(Config{Interval: time.Second}, fc, sampler)
	ctrl.decide()

	strat := ctrl.Current()
	require.Equal(t, types.StrategyScaleUp, strat.Kind)
	require.Equal(t, 10, strat.MaxConcurrent)
}

func TestControllerHeavyRenderCapIsQuarterOfMax(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sampler := newSampler(t, fc, constReader{cpu: 1, mem: 1, disk: 1})
	sampler.Start()
	defer sampler.Stop()
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { _, ok := sampler.Current(); return ok }, time.Second, time.Millisecond)

	ctrl := New(Config{Interval: time.Second}, fc, sampler)
	ctrl.decide()

	strat := ctrl.Current()
	require.Equal(t, roundInt(float64(strat.MaxConcurrent)/4), strat.PerTypeCaps["heavy-render"])
}

func TestControllerSubscribeFiresOncePerChange(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	sampler := newSampler(t, fc, constReader{cpu: 1})
	sampler.Start()
	defer sampler.Stop()
	fc.Advance(time.Second)
	require.Eventually(t, func() bool { _, ok := sampler.Current(); return ok }, time.Second, time.Millisecond)

	ctrl := New(Config{Interval: time.Second}, fc, sampler)
	var seen []types.StrategyKind
	ctrl.Subscribe(func(s types.Strategy) { seen = append(seen, s.Kind) })

	ctrl.decide()
	require.Len(t, seen, 1)
}
