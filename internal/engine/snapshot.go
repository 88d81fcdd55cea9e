package engine

import "time"

// MetricsSnapshot 不可变的时点聚合视图：定期重建，永不原地更新
type MetricsSnapshot struct {
	TakenAt time.Time `json:"taken_at"`

	TotalRequests    uint64 `json:"total_requests"`
	FailedRequests   uint64 `json:"failed_requests"`
	TotalOperations  uint64 `json:"total_operations"`
	FailedOperations uint64 `json:"failed_operations"`

	Endpoints []EndpointStats `json:"endpoints"`

	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ThroughputOPS float64 `json:"throughput_ops"`

	Fee FeeStats `json:"fee"`
}

// PoolStatus 池的即时运行状态
type PoolStatus struct {
	HealthyEndpoints   int `json:"healthy_endpoints"`
	UnhealthyEndpoints int `json:"unhealthy_endpoints"`
	IdleConnections    int `json:"idle_connections"`
	ActiveConnections  int `json:"active_connections"`
	QueueDepth         int `json:"queue_depth"`
	InFlight           int `json:"in_flight"`
	PendingOperations  int `json:"pending_operations"`

	DailyQuotaUsedPercent float64 `json:"daily_quota_used_percent,omitempty"`
}

// buildSnapshot assembles a fresh immutable snapshot from the live stores.
func buildSnapshot(registry *Registry, metrics *Metrics, oracle *FeeOracle, throughput float64) *MetricsSnapshot {
	totalReq, failedReq, totalOps, failedOps := metrics.Totals()
	endpoints := registry.Stats()

	// 全局平均延迟 = 各端点 EMA 的请求数加权平均
	var weighted float64
	var totalWeight uint64
	for _, ep := range endpoints {
		weighted += ep.AvgResponseMs * float64(ep.TotalRequests)
		totalWeight += ep.TotalRequests
	}
	avgLatency := 0.0
	if totalWeight > 0 {
		avgLatency = weighted / float64(totalWeight)
	}

	return &MetricsSnapshot{
		TakenAt:          time.Now(),
		TotalRequests:    totalReq,
		FailedRequests:   failedReq,
		TotalOperations:  totalOps,
		FailedOperations: failedOps,
		Endpoints:        endpoints,
		AvgLatencyMs:     avgLatency,
		ThroughputOPS:    throughput,
		Fee:              oracle.Stats(),
	}
}
