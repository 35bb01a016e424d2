package monitoring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/rate-engine/monitoring"
)

func TestMonitor_EmptySample_ReportsZero(t *testing.T) {
	m := monitoring.New(10)

	got := m.GetMetrics()

	assert.Zero(t, got.AvgLatencyMs)
	assert.Zero(t, got.P95)
	assert.Zero(t, got.P99)
	assert.Zero(t, got.HitRate)
}

func TestMonitor_HitRateAndPercentiles(t *testing.T) {
	// GIVEN: 100 hits with latencies 1..100ms and 100 misses
	m := monitoring.New(1000)
	for i := 1; i <= 100; i++ {
		m.RecordHit(time.Duration(i) * time.Millisecond)
		m.RecordMiss()
	}

	got := m.GetMetrics()

	assert.Equal(t, int64(100), got.Hits)
	assert.Equal(t, int64(100), got.Misses)
	assert.InDelta(t, 0.5, got.HitRate, 1e-9)
	assert.InDelta(t, 50.5, got.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 95, got.P95, 1e-9)
	assert.InDelta(t, 99, got.P99, 1e-9)
}

func TestMonitor_SampleIsBounded(t *testing.T) {
	// GIVEN: a 10-slot sample
	// WHEN: 5 slow hits are followed by 10 fast ones
	// THEN: only the fast ones remain in the sample
	m := monitoring.New(10)
	for i := 0; i < 5; i++ {
		m.RecordHit(500 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		m.RecordHit(2 * time.Millisecond)
	}

	got := m.GetMetrics()

	assert.Equal(t, int64(15), got.Hits, "counters cover the full history")
	assert.InDelta(t, 2, got.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 2, got.P99, 1e-9)
}

func TestMonitor_RefreshFailuresCountAsErrors(t *testing.T) {
	m := monitoring.New(0)
	m.RecordRefresh(true)
	m.RecordRefresh(false)
	m.RecordError()
	m.RecordEviction(3)
	m.RecordLockTimeout()
	m.SetMemoryUsage(func() int64 { return 4096 })

	got := m.GetMetrics()

	assert.Equal(t, int64(2), got.Refreshes)
	assert.Equal(t, int64(1), got.RefreshFailures)
	assert.Equal(t, int64(2), got.Errors)
	assert.Equal(t, int64(3), got.Evictions)
	assert.Equal(t, int64(1), got.LockTimeouts)
	assert.Equal(t, int64(4096), got.MemoryUsageBytes)

	m.Reset()
	assert.Equal(t, monitoring.Metrics{MemoryUsageBytes: 4096}, m.GetMetrics())
}
