package taskmanager

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/cuemby/taskcore/pkg/queue"
	"github.com/cuemby/taskcore/pkg/types"
	"github.com/stretchr/testify/require"
)

func alwaysStrategy(s types.Strategy) StrategyProvider {
	return func() types.Strategy { return s }
}

func unlimitedStrategy() types.Strategy {
	return types.Strategy{Kind: types.StrategyScaleUp, MaxConcurrent: 100, PerTypeCaps: map[string]int{}}
}

func TestSubmitAndRunFunctionTask(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	q := queue.New()
	done := make(chan struct{})
	fns := map[string]FunctionHandler{
		"noop": func(ctx context.Context, args []string) (string, error) {
			close(done)
			return "ok", nil
		},
	}
	m := New(Config{Functions: fns, DispatchPollInterval: time.Millisecond}, fc, q, alwaysStrategy(unlimitedStrategy()))
	m.Start()
	defer m.Stop()

	id, err := m.Submit(types.Descriptor{Kind: types.TaskKindFunction, Payload: "noop", TaskType: "utility", Priority: 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function handler never ran")
	}

	require.Eventually(t, func() bool {
		status := m.Status()
		for _, task := range status.Completed {
			if task.ID == id && task.Status == types.TaskCompleted {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEmergencyStopBlocksAdmission(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	q := queue.New()
	strat := types.Strategy{Kind: types.StrategyEmergencyStop, MaxConcurrent: 0}
	m := New(Config{DispatchPollInterval: time.Millisecond}, fc, q, alwaysStrategy(strat))
	m.Start()
	defer m.Stop()

	_, err := m.Submit(types.Descriptor{Kind: types.TaskKindFunction, Payload: "x", TaskType: "utility", Priority: 1})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, q.Count())
}

func TestCancelQueuedTask(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	q := queue.New()
	strat := types.Strategy{Kind: types.StrategyEmergencyStop, MaxConcurrent: 0}
	m := New(Config{DispatchPollInterval: time.Millisecond}, fc, q, alwaysStrategy(strat))
	m.Start()
	defer m.Stop()

	id, _ := m.Submit(types.Descriptor{Kind: types.TaskKindFunction, Payload: "x", TaskType: "utility", Priority: 1})
	require.True(t, m.Cancel(id))
	require.Equal(t, 0, q.Count())
}

func TestPerTypeCapDefersWithoutStarvingOtherTypes(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	q := queue.New()
	gate := make(chan struct{})
	release := make(chan struct{})
	calls := make(chan string, 8)
	fns := map[string]FunctionHandler{
		"block": func(ctx context.Context, args []string) (string, error) {
			calls <- "block"
			gate <- struct{}{}
			<-release
			return "ok", nil
		},
		"fast": func(ctx context.Context, args []string) (string, error) {
			calls <- "fast"
			return "ok", nil
		},
	}
	strat := types.Strategy{Kind: types.StrategyScaleUp, MaxConcurrent: 4, PerTypeCaps: map[string]int{"heavy": 1, "utility": 4}}
	m := New(Config{Functions: fns, DispatchPollInterval: time.Millisecond}, fc, q, alwaysStrategy(strat))
	m.Start()
	defer m.Stop()

	_, _ = m.Submit(types.Descriptor{Kind: types.TaskKindFunction, Payload: "block", TaskType: "heavy", Priority: 5})
	<-gate // first heavy is now running and blocked
	// the first heavy task's own call record is already in calls
	require.Equal(t, "block", <-calls)

	_, _ = m.Submit(types.Descriptor{Kind: types.TaskKindFunction, Payload: "block", TaskType: "heavy", Priority: 5})
	_, _ = m.Submit(types.Descriptor{Kind: types.TaskKindFunction, Payload: "fast", TaskType: "utility", Priority: 5})

	select {
	case v := <-calls:
		require.Equal(t, "fast", v)
	case <-time.After(time.Second):
		t.Fatal("utility task starved behind deferred heavy task")
	}

	close(release)
}
