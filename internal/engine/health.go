package engine

import (
	"context"
	"time"

	"web3-txpool-go/internal/recovery"
)

// HealthMonitor 周期性探测所有端点的存活状态
// 探测结果只影响 healthy 标记，不计入熔断器的失败率统计
type HealthMonitor struct {
	registry *Registry
	conns    *ConnPool
	metrics  *Metrics
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
}

// NewHealthMonitor creates the monitor.
func NewHealthMonitor(registry *Registry, conns *ConnPool, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthMonitor{
		registry: registry,
		conns:    conns,
		metrics:  GetMetrics(),
		interval: interval,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (h *HealthMonitor) Start() {
	recovery.WithRecovery(h.loop, "health_monitor")
}

func (h *HealthMonitor) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckAll()
		}
	}
}

// CheckAll probes every endpoint once and returns whether any endpoint is
// currently healthy.
func (h *HealthMonitor) CheckAll() bool {
	healthy := 0
	for _, ep := range h.registry.All() {
		if h.probe(ep) {
			healthy++
		}
	}
	h.metrics.UpdateHealthyEndpoints(h.registry.HealthyCount())
	return healthy > 0
}

// probe issues a lightweight header fetch against one endpoint.
func (h *HealthMonitor) probe(ep *Endpoint) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	conn, err := h.conns.Acquire(ctx, ep, ModeRead, "")
	if err != nil {
		ep.setHealthy(false)
		return false
	}

	_, err = conn.client.HeaderByNumber(ctx, nil)
	if err != nil {
		ep.setHealthy(false)
		h.conns.Release(conn, isTransportError(err))
		return false
	}

	ep.setHealthy(true)
	h.conns.Release(conn, false)
	return true
}

// Stop halts the probe loop.
func (h *HealthMonitor) Stop() {
	close(h.stopCh)
}
