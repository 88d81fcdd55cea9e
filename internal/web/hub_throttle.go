package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"web3-txpool-go/internal/engine"
)

// ThrottledHub 带节流的 WebSocket Hub
// 高频派发环境下聚合 operation_done 洪峰，避免推送风暴
type ThrottledHub struct {
	*Hub

	// 🔥 节流配置
	throttleInterval time.Duration // 节流间隔（默认 200ms）
	aggregateEvents  []interface{} // 聚合的事件缓冲区
	aggregateMu      sync.Mutex    // 聚合缓冲区锁
	lastBroadcast    time.Time     // 上次广播时间
	ticker           *time.Ticker  // 定时广播触发器

	// 统计
	totalEvents       uint64
	droppedEvents     uint64
	aggregatedBatches uint64
}

// NewThrottledHub 创建带节流的 Hub
func NewThrottledHub(throttleInterval time.Duration) *ThrottledHub {
	// 默认 200ms (5 FPS)，再高前端也渲染不过来
	if throttleInterval > 200*time.Millisecond {
		throttleInterval = 200 * time.Millisecond
	}
	baseHub := NewHub()
	return &ThrottledHub{
		Hub:              baseHub,
		throttleInterval: throttleInterval,
		aggregateEvents:  make([]interface{}, 0, 1000), // 预分配 1000 容量
		lastBroadcast:    time.Now(),
	}
}

// Publish implements engine.EventSink with throttling on high-volume types.
func (h *ThrottledHub) Publish(ev engine.PoolEvent) {
	h.BroadcastWithThrottle(WSEvent{Type: ev.Type, Data: ev.Data})
}

// RunWithThrottling 启动带节流的 Hub
func (h *ThrottledHub) RunWithThrottling(ctx context.Context) {
	h.logger.Info("🔥 throttled_hub_started",
		"throttle_interval", h.throttleInterval,
		"buffer_size", cap(h.aggregateEvents))

	h.ticker = time.NewTicker(h.throttleInterval)
	defer h.ticker.Stop()

	// 节流广播协程
	go h.throttledBroadcaster(ctx)

	// 运行基础 Hub 逻辑
	h.Hub.Run(ctx)
}

// throttledBroadcaster 定期聚合广播
func (h *ThrottledHub) throttledBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ticker.C:
			h.flushAggregatedEvents()
		}
	}
}

// BroadcastWithThrottle 带节流的广播（聚合高频事件）
func (h *ThrottledHub) BroadcastWithThrottle(event interface{}) {
	h.totalEvents++

	// 🔥 关键事件类型立即推送（不节流）
	eventType := getEventType(event)
	if shouldImmediateBroadcast(eventType) {
		h.Hub.Broadcast(event)
		return
	}

	// 其他事件类型聚合推送
	h.aggregateMu.Lock()
	defer h.aggregateMu.Unlock()

	h.aggregateEvents = append(h.aggregateEvents, event)

	// 如果缓冲区快满了，立即触发广播（防止内存溢出）
	if len(h.aggregateEvents) >= cap(h.aggregateEvents) {
		h.logger.Warn("🔥 throttled_hub_buffer_full",
			"buffer_size", len(h.aggregateEvents))
		h.aggregateMu.Unlock()
		h.flushAggregatedEvents()
		h.aggregateMu.Lock()
	}
}

// flushAggregatedEvents 刷新聚合事件到广播
func (h *ThrottledHub) flushAggregatedEvents() {
	h.aggregateMu.Lock()
	defer h.aggregateMu.Unlock()

	if len(h.aggregateEvents) == 0 {
		return
	}

	// 🔥 智能聚合：同类型事件只保留最新状态，丢弃中间过渡状态
	aggregated := h.smartAggregate(h.aggregateEvents)

	h.aggregatedBatches++
	h.logger.Debug("📊 throttled_hub_flush",
		"total_events", len(h.aggregateEvents),
		"aggregated_to", len(aggregated),
		"total_batches", h.aggregatedBatches)

	// 批量广播
	for _, event := range aggregated {
		message, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("ws_json_marshal_error", slog.String("error", err.Error()))
			continue
		}

		for client := range h.Hub.clients {
			select {
			case client.send <- message:
			default:
				// 客户端阻塞，丢弃
				h.droppedEvents++
			}
		}
	}

	// 清空缓冲区
	h.aggregateEvents = h.aggregateEvents[:0]
	h.lastBroadcast = time.Now()
}

// smartAggregate 智能聚合：每种事件类型只保留最新一条
func (h *ThrottledHub) smartAggregate(events []interface{}) []interface{} {
	typeLatest := make(map[string]interface{})

	for _, event := range events {
		eventType := getEventType(event)
		typeLatest[eventType] = event
	}

	result := make([]interface{}, 0, len(typeLatest))
	for _, event := range typeLatest {
		result = append(result, event)
	}

	return result
}

// getEventType 获取事件类型
func getEventType(event interface{}) string {
	if wsEvent, ok := event.(WSEvent); ok {
		return wsEvent.Type
	}
	return "unknown"
}

// shouldImmediateBroadcast 判断是否应该立即广播
func shouldImmediateBroadcast(eventType string) bool {
	// 🔥 关键事件立即推送，不得聚合吞掉
	immediateTypes := map[string]bool{
		"breaker_change":   true, // 熔断状态迁移
		"dependency_cycle": true, // 依赖成环
		"pool_shutdown":    true, // 池关闭
	}

	return immediateTypes[eventType]
}

// GetStats 获取节流统计（用于监控）
func (h *ThrottledHub) GetStats() map[string]interface{} {
	h.aggregateMu.Lock()
	defer h.aggregateMu.Unlock()

	return map[string]interface{}{
		"total_events":       h.totalEvents,
		"dropped_events":     h.droppedEvents,
		"aggregated_batches": h.aggregatedBatches,
		"pending_events":     len(h.aggregateEvents),
		"buffer_capacity":    cap(h.aggregateEvents),
		"throttle_interval":  h.throttleInterval.String(),
		"last_broadcast":     h.lastBroadcast.Format(time.RFC3339),
	}
}
