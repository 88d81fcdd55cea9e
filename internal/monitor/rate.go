package monitor

import (
	"sync"
	"time"
)

const defaultRateWindowSeconds = 5

// RateMonitor tracks throughput over a sliding window of one-second buckets
// for a deterministic operations-per-second figure. A short window reacts
// quickly to bursts, a long one smooths them out.
type RateMonitor struct {
	buckets    []int
	currentPos int
	lastTick   time.Time
	mu         sync.Mutex
}

// NewRateMonitor creates a monitor averaging over windowSeconds one-second
// buckets. windowSeconds <= 0 falls back to the 5s default.
func NewRateMonitor(windowSeconds int) *RateMonitor {
	if windowSeconds <= 0 {
		windowSeconds = defaultRateWindowSeconds
	}
	return &RateMonitor{
		buckets:  make([]int, windowSeconds),
		lastTick: time.Now(),
	}
}

// Record adds count to the current second's bucket, advancing the window and
// zeroing any seconds that passed without a Record call.
func (m *RateMonitor) Record(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := int(now.Sub(m.lastTick).Seconds())
	if elapsed >= 1 {
		if elapsed >= len(m.buckets) {
			// 整个窗口都过期了，清空重来
			for i := range m.buckets {
				m.buckets[i] = 0
			}
			m.currentPos = 0
		} else {
			for i := 0; i < elapsed; i++ {
				m.currentPos = (m.currentPos + 1) % len(m.buckets)
				m.buckets[m.currentPos] = 0
			}
		}
		m.lastTick = now
	}
	m.buckets[m.currentPos] += count
}

// Rate returns the average ops/sec over the window.
func (m *RateMonitor) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 长时间没有 Record，窗口内全部过期
	if time.Since(m.lastTick) > time.Duration(len(m.buckets))*time.Second {
		return 0.0
	}

	sum := 0
	for _, b := range m.buckets {
		sum += b
	}
	return float64(sum) / float64(len(m.buckets))
}

// WindowSeconds returns the configured averaging window.
func (m *RateMonitor) WindowSeconds() int {
	return len(m.buckets)
}
