package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvanceFiresAfter(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	ch := fc.After(5 * time.Second)

	fc.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	fc.Advance(3 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("expected waiter to fire")
	}
}

func TestFakeClockTicker(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	ticker := fc.NewTicker(time.Second)
	defer ticker.Stop()

	fc.Advance(3500 * time.Millisecond)

	count := 0
	for {
		select {
		case <-ticker.C():
			count++
		default:
			require.GreaterOrEqual(t, count, 1)
			return
		}
	}
}

func TestFakeClockNewIDUnique(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	a := fc.NewID()
	b := fc.NewID()
	require.NotEqual(t, a, b)
}
