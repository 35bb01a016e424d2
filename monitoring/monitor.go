/*
Package monitoring collects cache and warming counters.

PURPOSE:
  The Cache Store and the Warming Scheduler report every hit, miss, error,
  eviction and refresh here. GetMetrics returns a point-in-time snapshot
  used by the /api/cache/metrics endpoint and by tests.

LATENCY SAMPLING:
  Hit latencies go into a fixed-size ring buffer, so memory stays bounded
  no matter how long the process runs. Average and percentiles are computed
  over the current sample only. An empty sample reports 0 for all of them.

SEE ALSO:
  - cache/memory.go, cache/redis.go: Report hits/misses/evictions
  - warming/scheduler.go: Reports refresh outcomes
*/
package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultSampleSize is the number of latency samples kept.
const DefaultSampleSize = 1000

// Metrics is a snapshot of the monitor's counters.
type Metrics struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Errors           int64   `json:"errors"`
	HitRate          float64 `json:"hit_rate"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	P95              float64 `json:"p95"`
	P99              float64 `json:"p99"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	Evictions        int64   `json:"evictions"`
	LockTimeouts     int64   `json:"lock_timeouts"`
	Refreshes        int64   `json:"refreshes"`
	RefreshFailures  int64   `json:"refresh_failures"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	hits, misses, errors int64
	evictions            int64
	lockTimeouts         int64
	refreshes            int64
	refreshFailures      int64

	samples []float64 // ring buffer, milliseconds
	next    int
	filled  bool

	memoryUsage func() int64
}

// New creates a monitor keeping sampleSize latency samples.
func New(sampleSize int) *Monitor {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Monitor{samples: make([]float64, sampleSize)}
}

// RecordHit counts a hit and samples its latency.
func (m *Monitor) RecordHit(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
	m.samples[m.next] = ms
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
}

func (m *Monitor) RecordMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

func (m *Monitor) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func (m *Monitor) RecordEviction(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.evictions += int64(n)
	m.mu.Unlock()
}

// RecordLockTimeout counts a GetOrSet that fell back to computing without
// the per-key lock.
func (m *Monitor) RecordLockTimeout() {
	m.mu.Lock()
	m.lockTimeouts++
	m.mu.Unlock()
}

// RecordRefresh counts a warming refresh outcome (after retries).
func (m *Monitor) RecordRefresh(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if !ok {
		m.refreshFailures++
		m.errors++
	}
}

// SetMemoryUsage installs the gauge used for MemoryUsageBytes.
func (m *Monitor) SetMemoryUsage(fn func() int64) {
	m.mu.Lock()
	m.memoryUsage = fn
	m.mu.Unlock()
}

// GetMetrics returns the current snapshot.
func (m *Monitor) GetMetrics() Metrics {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	sample := make([]float64, n)
	copy(sample, m.samples[:n])
	out := Metrics{
		Hits:            m.hits,
		Misses:          m.misses,
		Errors:          m.errors,
		Evictions:       m.evictions,
		LockTimeouts:    m.lockTimeouts,
		Refreshes:       m.refreshes,
		RefreshFailures: m.refreshFailures,
	}
	memFn := m.memoryUsage
	m.mu.Unlock()

	// The gauge may take the cache's own lock; call it outside ours.
	if memFn != nil {
		out.MemoryUsageBytes = memFn()
	}

	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}
	if len(sample) == 0 {
		return out
	}

	sort.Float64s(sample)
	var sum float64
	for _, v := range sample {
		sum += v
	}
	out.AvgLatencyMs = sum / float64(len(sample))
	out.P95 = percentile(sample, 0.95)
	out.P99 = percentile(sample, 0.99)
	return out
}

// Reset zeroes all counters and the latency sample.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits, m.misses, m.errors = 0, 0, 0
	m.evictions, m.lockTimeouts = 0, 0
	m.refreshes, m.refreshFailures = 0, 0
	m.next, m.filled = 0, false
}

// percentile uses the nearest-rank method on a sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
