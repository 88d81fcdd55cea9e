package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := GetMetrics()
	assert.NotNil(t, m)

	// Record various metrics to ensure no panics and some coverage
	m.RecordRequest("http://node1", "eth_call", 10*time.Millisecond, nil)
	m.RecordRequest("http://node1", "eth_call", 5*time.Millisecond, errors.New("boom"))
	m.RecordOperationSubmitted()
	m.RecordOperationTerminal(StatusSucceeded)
	m.RecordOperationTerminal(StatusFailed)
	m.RecordOperationTerminal(StatusCancelled)
	m.RecordRetry()
	m.RecordBatchCut(7)
	m.RecordBatchDispatched(120 * time.Millisecond)
	m.RecordDependencyCycle(2)
	m.UpdateQueueDepth(3)
	m.UpdateHealthyEndpoints(5)
	m.UpdateBreakerState("http://node1", BreakerOpen)
	m.UpdateActiveConnections("http://node1", 4)
	m.UpdateEndpointLatency("http://node1", 12.5)
	m.UpdateFeeStats(FeeStats{Congestion: 0.3, Last: uint256.NewInt(1), Peak: uint256.NewInt(2)})

	totalReq, failedReq, totalOps, failedOps := m.Totals()
	assert.GreaterOrEqual(t, totalReq, uint64(2))
	assert.GreaterOrEqual(t, failedReq, uint64(1))
	assert.GreaterOrEqual(t, totalOps, uint64(1))
	assert.GreaterOrEqual(t, failedOps, uint64(1))
}

func TestMetrics_Singleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())
}
