package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmartAggregate_KeepsLatestPerType(t *testing.T) {
	h := NewThrottledHub(100 * time.Millisecond)

	events := []interface{}{
		WSEvent{Type: "operation_done", Data: map[string]any{"id": "op-1"}},
		WSEvent{Type: "operation_done", Data: map[string]any{"id": "op-2"}},
		WSEvent{Type: "batch_cut", Data: map[string]any{"size": 5}},
		WSEvent{Type: "operation_done", Data: map[string]any{"id": "op-3"}},
	}

	aggregated := h.smartAggregate(events)
	require.Len(t, aggregated, 2)

	byType := make(map[string]WSEvent)
	for _, ev := range aggregated {
		wsEv := ev.(WSEvent)
		byType[wsEv.Type] = wsEv
	}
	// 同类型只留最新一条
	assert.Equal(t, "op-3", byType["operation_done"].Data.(map[string]any)["id"])
	assert.Equal(t, 5, byType["batch_cut"].Data.(map[string]any)["size"])
}

func TestShouldImmediateBroadcast(t *testing.T) {
	assert.True(t, shouldImmediateBroadcast("breaker_change"))
	assert.True(t, shouldImmediateBroadcast("dependency_cycle"))
	assert.True(t, shouldImmediateBroadcast("pool_shutdown"))
	assert.False(t, shouldImmediateBroadcast("operation_done"))
	assert.False(t, shouldImmediateBroadcast("batch_cut"))
}

func TestThrottledHub_AggregatesNonCriticalEvents(t *testing.T) {
	h := NewThrottledHub(100 * time.Millisecond)

	for i := 0; i < 10; i++ {
		h.BroadcastWithThrottle(WSEvent{Type: "operation_done", Data: map[string]any{"i": i}})
	}

	stats := h.GetStats()
	assert.Equal(t, uint64(10), stats["total_events"])
	assert.Equal(t, 10, stats["pending_events"])
}
