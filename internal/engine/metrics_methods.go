package engine

import (
	"sync/atomic"
	"time"
)

// RecordRequest records a completed read request
func (m *Metrics) RecordRequest(endpoint, method string, duration time.Duration, err error) {
	ep := maskURL(endpoint)
	m.RequestsTotal.WithLabelValues(ep, method).Inc()
	m.RequestLatency.WithLabelValues(ep, method).Observe(duration.Seconds())
	atomic.AddUint64(&m.totalRequests, 1)
	if err != nil {
		m.RequestsFailed.WithLabelValues(ep, method).Inc()
		atomic.AddUint64(&m.failedRequests, 1)
	}
}

// RecordOperationSubmitted records an operation entering the queue
func (m *Metrics) RecordOperationSubmitted() {
	m.OperationsSubmitted.Inc()
	atomic.AddUint64(&m.totalOperations, 1)
}

// RecordOperationTerminal records an operation reaching its terminal state
func (m *Metrics) RecordOperationTerminal(status OpStatus) {
	switch status {
	case StatusSucceeded:
		m.OperationsSucceeded.Inc()
	case StatusCancelled:
		m.OperationsCancelled.Inc()
	default:
		m.OperationsFailed.Inc()
		atomic.AddUint64(&m.failedOperations, 1)
	}
}

// RecordRetry records one retry attempt
func (m *Metrics) RecordRetry() {
	m.OperationRetries.Inc()
}

// RecordBatchCut records a newly formed batch
func (m *Metrics) RecordBatchCut(size int) {
	m.BatchesCut.Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordBatchDispatched records a fully resolved batch
func (m *Metrics) RecordBatchDispatched(duration time.Duration) {
	m.BatchDispatchTime.Observe(duration.Seconds())
}

// RecordDependencyCycle records a detected cycle
func (m *Metrics) RecordDependencyCycle(members int) {
	m.DependencyCycles.Add(float64(members))
}

// UpdateQueueDepth reports the current queue depth
func (m *Metrics) UpdateQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// UpdateHealthyEndpoints reports the current healthy endpoint count
func (m *Metrics) UpdateHealthyEndpoints(count int) {
	m.HealthyEndpoints.Set(float64(count))
}

// UpdateBreakerState reports a breaker state change
func (m *Metrics) UpdateBreakerState(endpoint string, state BreakerState) {
	m.BreakerState.WithLabelValues(maskURL(endpoint)).Set(float64(state))
}

// UpdateActiveConnections reports the live connection count for an endpoint
func (m *Metrics) UpdateActiveConnections(endpoint string, active int) {
	m.ActiveConnections.WithLabelValues(maskURL(endpoint)).Set(float64(active))
}

// UpdateEndpointLatency reports the rolling latency EMA for an endpoint
func (m *Metrics) UpdateEndpointLatency(endpoint string, avgMs float64) {
	m.EndpointLatency.WithLabelValues(maskURL(endpoint)).Set(avgMs)
}

// UpdateFeeStats reports the oracle's current view
func (m *Metrics) UpdateFeeStats(stats FeeStats) {
	m.FeeCongestion.Set(stats.Congestion)
	m.FeeLastPrice.Set(float64FromWei(stats.Last))
	m.FeePeakPrice.Set(float64FromWei(stats.Peak))
}

// Totals returns the running in-memory counters for snapshots.
func (m *Metrics) Totals() (totalReq, failedReq, totalOps, failedOps uint64) {
	return atomic.LoadUint64(&m.totalRequests),
		atomic.LoadUint64(&m.failedRequests),
		atomic.LoadUint64(&m.totalOperations),
		atomic.LoadUint64(&m.failedOperations)
}
