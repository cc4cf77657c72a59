package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/taskcore/pkg/clock"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	cpu, mem, disk float64
	net            uint64
	err            error
	calls          int
}

func (f *fakeReader) CPUPercent() (float64, error)         { f.calls++; return f.cpu, f.err }
func (f *fakeReader) MemPercent() (float64, error)         { return f.mem, f.err }
func (f *fakeReader) DiskPercent(string) (float64, error)  { return f.disk, f.err }
func (f *fakeReader) NetworkBytes() (uint64, error)        { return f.net, f.err }

func TestSamplerPublishesSnapshot(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	reader := &fakeReader{cpu: 42, mem: 55, disk: 60, net: 1024}
	s := New(Config{Interval: time.Second, MaxHistory: 3}, fc, reader)
	s.Start()
	defer s.Stop()

	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		_, ok := s.Current()
		return ok
	}, time.Second, time.Millisecond)

	snap, ok := s.Current()
	require.True(t, ok)
	require.Equal(t, 42.0, snap.CPUPercent)
	require.Equal(t, uint64(1024), snap.NetworkBytes)
}

func TestSamplerTagsUnknownOnFailure(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	reader := &fakeReader{err: errors.New("boom")}
	s := New(Config{Interval: time.Second}, fc, reader)
	s.sample()

	snap, ok := s.Current()
	require.True(t, ok)
	require.Contains(t, snap.Unknown, "cpu")
	require.Contains(t, snap.Unknown, "mem")
}

func TestSamplerHistoryBoundedRing(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	reader := &fakeReader{cpu: 1}
	s := New(Config{Interval: time.Second, MaxHistory: 2}, fc, reader)

	s.sample()
	s.sample()
	s.sample()

	require.Len(t, s.History(), 2)
}
