package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuotaMonitor_UsagePercent(t *testing.T) {
	m := NewQuotaMonitor(1000)
	defer m.Stop()

	for i := 0; i < 250; i++ {
		m.Inc()
	}
	assert.InDelta(t, 25.0, m.GetUsagePercent(), 1e-9)
}

func TestQuotaMonitor_DefaultQuota(t *testing.T) {
	m := NewQuotaMonitor(0)
	defer m.Stop()
	assert.Equal(t, uint64(DefaultDailyQuota), m.dailyQuota)
}

func TestQuotaMonitor_ResetDaily(t *testing.T) {
	m := NewQuotaMonitor(100)
	defer m.Stop()

	m.Inc()
	m.Inc()
	assert.Greater(t, m.GetUsagePercent(), 0.0)

	m.ResetDaily()
	assert.Equal(t, 0.0, m.GetUsagePercent())
}
