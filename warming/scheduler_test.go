package warming_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rate-engine/cache"
	"github.com/warp/rate-engine/monitoring"
	"github.com/warp/rate-engine/warming"
)

func newScheduler(t *testing.T, maxConcurrent int, opts ...warming.Option) (*warming.Scheduler, *cache.MemoryCache) {
	t.Helper()
	c := cache.NewMemoryCache(cache.WithCleanupInterval(0))
	cfg := warming.DefaultConfig()
	cfg.Interval = time.Hour
	cfg.MaxConcurrent = maxConcurrent
	cfg.RetryDelay = time.Millisecond
	s := warming.New(c, cfg, opts...)
	t.Cleanup(func() {
		s.Stop()
		_ = c.Close()
	})
	return s, c
}

func constant(v string) cache.Factory {
	return func(context.Context) ([]byte, error) { return []byte(v), nil }
}

func blocking(release <-chan struct{}, v string) cache.Factory {
	return func(context.Context) ([]byte, error) {
		<-release
		return []byte(v), nil
	}
}

// =============================================================================
// ORDERING
// =============================================================================

func TestRunCycle_HigherPriorityDispatchedFirst(t *testing.T) {
	// GIVEN: keys with priorities [1, 1, 5]
	s, _ := newScheduler(t, 3)
	release := make(chan struct{})
	defer close(release)
	s.Register("low-a", blocking(release, "a"), 1)
	s.Register("low-b", blocking(release, "b"), 1)
	s.Register("high", blocking(release, "h"), 5)

	// WHEN
	got := s.RunCycle(context.Background())

	// THEN: the priority-5 key goes strictly first
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0])
	assert.ElementsMatch(t, []string{"low-a", "low-b"}, got[1:])
}

func TestRunCycle_OnlyFreeSlotsAreFilled(t *testing.T) {
	// GIVEN: one worker slot
	s, _ := newScheduler(t, 1)
	release := make(chan struct{})
	s.Register("low", blocking(release, "l"), 1)
	s.Register("high", blocking(release, "h"), 5)

	// WHEN/THEN: only the high-priority key fits
	assert.Equal(t, []string{"high"}, s.RunCycle(context.Background()))
	assert.Empty(t, s.RunCycle(context.Background()), "slot still busy")

	close(release)
	s.Stop()
	assert.Equal(t, []string{"high"}, s.RunCycle(context.Background()), "freed slot goes to the highest priority again")
}

func TestRunCycle_RecentAccessBreaksTies(t *testing.T) {
	s, _ := newScheduler(t, 1)
	release := make(chan struct{})
	defer close(release)
	s.Register("older", blocking(release, "o"), 1)
	s.Register("newer", blocking(release, "n"), 1)

	time.Sleep(2 * time.Millisecond)
	s.RecordAccess("older")

	assert.Equal(t, []string{"older"}, s.RunCycle(context.Background()))
}

func TestRunCycle_InFlightKeyNotDispatchedTwice(t *testing.T) {
	s, _ := newScheduler(t, 4)
	release := make(chan struct{})
	var calls int32
	s.Register("k", func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("v"), nil
	}, 1)

	assert.Equal(t, []string{"k"}, s.RunCycle(context.Background()))
	assert.Empty(t, s.RunCycle(context.Background()))
	assert.Equal(t, 1, s.GetStats().InFlight)

	close(release)
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// =============================================================================
// RETRY
// =============================================================================

func TestRefresh_RetriesThenSucceeds(t *testing.T) {
	// GIVEN: a factory failing twice
	mon := monitoring.New(10)
	s, c := newScheduler(t, 1, warming.WithReporter(mon))
	var calls int32
	s.Register("k", func(context.Context) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errors.New("provider unavailable")
		}
		return []byte("fresh"), nil
	}, 1)

	// WHEN
	s.RunCycle(context.Background())
	s.Stop()

	// THEN: the third attempt wrote the value
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("fresh"), v)

	m := mon.GetMetrics()
	assert.Equal(t, int64(1), m.Refreshes)
	assert.Zero(t, m.RefreshFailures)
}

func TestRefresh_ExhaustedRetriesKeepKeyRegistered(t *testing.T) {
	// GIVEN: a factory that always fails
	mon := monitoring.New(10)
	s, c := newScheduler(t, 1, warming.WithReporter(mon))
	var calls int32
	s.Register("k", func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	}, 1)

	// WHEN
	s.RunCycle(context.Background())
	s.Stop()

	// THEN: 1 attempt + 2 retries, failure surfaced, key kept
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	_, ok, _ := c.Get(context.Background(), "k")
	assert.False(t, ok)

	st := s.GetStats()
	assert.Equal(t, 1, st.Registered)
	assert.Equal(t, int64(1), st.Failed)
	require.Len(t, st.Keys, 1)
	assert.Equal(t, 1, st.Keys[0].ConsecutiveFailures)
	assert.Equal(t, int64(1), mon.GetMetrics().RefreshFailures)

	// Next cycle retries it.
	assert.Equal(t, []string{"k"}, s.RunCycle(context.Background()))
}

func TestRefresh_PanicIsContained(t *testing.T) {
	s, _ := newScheduler(t, 1)
	s.Register("k", func(context.Context) ([]byte, error) { panic("boom") }, 1)

	s.RunCycle(context.Background())
	s.Stop()

	assert.Equal(t, int64(1), s.GetStats().Failed)
	assert.Equal(t, 0, s.GetStats().InFlight)
}

// =============================================================================
// UNREGISTER
// =============================================================================

func TestUnregister_MidCycleNeverWrites(t *testing.T) {
	// GIVEN: a refresh in progress
	s, c := newScheduler(t, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	s.Register("k", func(context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte("stale"), nil
	}, 1)
	s.RunCycle(context.Background())
	<-started

	// WHEN: the key is unregistered before the factory returns
	s.Unregister("k")
	close(release)
	s.Stop()

	// THEN: nothing was written
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.GetStats().Registered)
	assert.Empty(t, s.RunCycle(context.Background()))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestStart_IsIdempotentAndWarmsImmediately(t *testing.T) {
	s, c := newScheduler(t, 2)
	s.Register("k", constant("v"), 1, warming.WithTTL(time.Minute))

	s.Start()
	s.Start()
	assert.True(t, s.GetStats().Running)

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(context.Background(), "k")
		return ok
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	st := s.GetStats()
	assert.False(t, st.Running)
	assert.Equal(t, int64(1), st.Cycles, "second Start did not launch another loop")
}

func TestStart_TicksOnInterval(t *testing.T) {
	c := cache.NewMemoryCache(cache.WithCleanupInterval(0))
	defer c.Close()
	cfg := warming.DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s := warming.New(c, cfg)
	var calls int32
	s.Register("k", func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v"), nil
	}, 1)

	s.Start()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestStop_WaitsForInFlightRefresh(t *testing.T) {
	// GIVEN: a running scheduler with one refresh blocked in its factory
	c := cache.NewMemoryCache(cache.WithCleanupInterval(0))
	defer c.Close()
	cfg := warming.DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s := warming.New(c, cfg)
	release := make(chan struct{})
	s.Register("k", blocking(release, "v"), 1, warming.WithTTL(time.Minute))
	s.Start()
	require.Eventually(t, func() bool { return s.GetStats().InFlight == 1 }, time.Second, time.Millisecond)

	// WHEN
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// THEN: Stop returns only once the refresh has written its value
	select {
	case <-stopped:
		t.Fatal("Stop returned while a refresh was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the refresh finished")
	}

	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	cycles := s.GetStats().Cycles
	time.Sleep(5 * cfg.Interval)
	assert.Equal(t, cycles, s.GetStats().Cycles, "no cycle runs after Stop")
}
