package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultDailyQuota = 300000 // 商业节点每日免费额度上限（CU）
	AlertThreshold    = 0.80   // 80% 预警阈值
	CriticalThreshold = 0.90   // 90% 临界阈值
)

// promauto 注册全局唯一，多个 QuotaMonitor 实例（测试）共享同一组 gauge
var (
	quotaGaugesOnce sync.Once
	quotaUsageGauge prometheus.Gauge
	quotaStateGauge prometheus.Gauge
)

func quotaGauges() (prometheus.Gauge, prometheus.Gauge) {
	quotaGaugesOnce.Do(func() {
		quotaUsageGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_quota_usage_percent",
			Help: "Percentage of daily provider quota used (0-100)",
		})
		quotaStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_quota_status",
			Help: "Provider quota status: 0=Safe, 1=Warning, 2=Critical",
		})
	})
	return quotaUsageGauge, quotaStateGauge
}

// QuotaMonitor 全池每日 Provider 额度监控器
type QuotaMonitor struct {
	dailyQuota  uint64
	dailyCalls  uint64    // 当天调用次数
	resetTime   time.Time // 下次重置时间（UTC 0 点）
	usageGauge  prometheus.Gauge
	statusGauge prometheus.Gauge
	stopCh      chan struct{}
}

// NewQuotaMonitor 创建新的额度监控器。dailyQuota <= 0 使用缺省值.
func NewQuotaMonitor(dailyQuota uint64) *QuotaMonitor {
	if dailyQuota == 0 {
		dailyQuota = DefaultDailyQuota
	}
	usage, status := quotaGauges()
	qm := &QuotaMonitor{
		dailyQuota:  dailyQuota,
		usageGauge:  usage,
		statusGauge: status,
		stopCh:      make(chan struct{}),
	}
	qm.resetTime = qm.calculateNextReset()
	go qm.resetLoop()

	slog.Info("🛡️ quota_monitor_initialized",
		"daily_quota", dailyQuota,
		"alert_threshold", AlertThreshold*100,
		"critical_threshold", CriticalThreshold*100)

	return qm
}

// Inc 每次向 Provider 发出调用前计数
func (m *QuotaMonitor) Inc() {
	current := atomic.AddUint64(&m.dailyCalls, 1)
	usagePercent := float64(current) / float64(m.dailyQuota)

	m.usageGauge.Set(usagePercent * 100)

	status := 0.0 // Safe
	if usagePercent >= CriticalThreshold {
		status = 2.0 // Critical
	} else if usagePercent >= AlertThreshold {
		status = 1.0 // Warning
	}
	m.statusGauge.Set(status)

	// 阈值检查每 100 次一次，避免日志刷屏
	if current%100 == 0 {
		if usagePercent >= CriticalThreshold {
			slog.Error("🛑 quota_critical",
				"usage_percent", usagePercent*100,
				"calls", current,
				"daily_quota", m.dailyQuota)
		} else if usagePercent >= AlertThreshold {
			slog.Warn("⚠️  quota_warning",
				"usage_percent", usagePercent*100,
				"calls", current,
				"remaining", m.dailyQuota-current)
		}
	}
}

// GetUsagePercent 返回当前使用率（0-100）
func (m *QuotaMonitor) GetUsagePercent() float64 {
	current := atomic.LoadUint64(&m.dailyCalls)
	return float64(current) / float64(m.dailyQuota) * 100
}

// Stop terminates the daily reset loop.
func (m *QuotaMonitor) Stop() {
	close(m.stopCh)
}

// calculateNextReset 计算下一个 UTC 0 点
func (m *QuotaMonitor) calculateNextReset() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

// resetLoop 每日 UTC 0 点重置计数器
func (m *QuotaMonitor) resetLoop() {
	for {
		duration := time.Until(m.resetTime)
		if duration < 0 {
			duration = 0
		}
		select {
		case <-m.stopCh:
			return
		case <-time.After(duration):
		}
		m.ResetDaily()
		m.resetTime = m.calculateNextReset()
	}
}

// ResetDaily 重置每日计数器
func (m *QuotaMonitor) ResetDaily() {
	atomic.StoreUint64(&m.dailyCalls, 0)
	m.usageGauge.Set(0)
	m.statusGauge.Set(0)
	slog.Info("📅 quota_counter_reset",
		"time_utc", time.Now().UTC().Format(time.RFC3339))
}
