package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pool
type Metrics struct {
	// Request metrics
	RequestsTotal  *prometheus.CounterVec
	RequestsFailed *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	// Operation metrics
	OperationsSubmitted prometheus.Counter
	OperationsSucceeded prometheus.Counter
	OperationsFailed    prometheus.Counter
	OperationsCancelled prometheus.Counter
	OperationRetries    prometheus.Counter

	// Batch metrics
	BatchesCut        prometheus.Counter
	BatchSize         prometheus.Histogram
	BatchDispatchTime prometheus.Histogram
	DependencyCycles  prometheus.Counter
	QueueDepth        prometheus.Gauge

	// Endpoint metrics
	HealthyEndpoints  prometheus.Gauge
	BreakerState      *prometheus.GaugeVec
	ActiveConnections *prometheus.GaugeVec
	EndpointLatency   *prometheus.GaugeVec

	// Fee oracle metrics
	FeeCongestion prometheus.Gauge
	FeeLastPrice  prometheus.Gauge
	FeePeakPrice  prometheus.Gauge

	// System metrics
	StartTime prometheus.Gauge

	// 实时计数器（供 MetricsSnapshot 使用，与 Prometheus 并行维护）
	totalRequests    uint64
	failedRequests   uint64
	totalOperations  uint64
	failedOperations uint64
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics returns the singleton Metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics()
	})
	return metrics
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "txpool_requests_total",
			Help: "Total number of RPC requests by endpoint and method",
		}, []string{"endpoint", "method"}),
		RequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "txpool_requests_failed_total",
			Help: "Total number of failed RPC requests by endpoint and method",
		}, []string{"endpoint", "method"}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txpool_request_duration_seconds",
			Help:    "RPC request latency by endpoint and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),

		OperationsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_operations_submitted_total",
			Help: "Total number of operations submitted to the pool",
		}),
		OperationsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_operations_succeeded_total",
			Help: "Total number of operations that reached a successful terminal state",
		}),
		OperationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_operations_failed_total",
			Help: "Total number of operations that terminally failed",
		}),
		OperationsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_operations_cancelled_total",
			Help: "Total number of operations cancelled before dispatch",
		}),
		OperationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_operation_retries_total",
			Help: "Total number of retry attempts across all operations",
		}),

		BatchesCut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_batches_cut_total",
			Help: "Total number of batches formed",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "txpool_batch_size",
			Help:    "Number of operations per batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		BatchDispatchTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "txpool_batch_dispatch_duration_seconds",
			Help:    "Time from batch cut to all members terminally resolved",
			Buckets: prometheus.DefBuckets,
		}),
		DependencyCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "txpool_dependency_cycles_total",
			Help: "Total number of dependency cycles detected during batch resolution",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_queue_depth",
			Help: "Current number of operations waiting in the priority queue",
		}),

		HealthyEndpoints: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_healthy_endpoints",
			Help: "Number of endpoints currently healthy and selectable",
		}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txpool_breaker_state",
			Help: "Circuit breaker state per endpoint: 0=closed, 1=open, 2=half_open",
		}, []string{"endpoint"}),
		ActiveConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txpool_active_connections",
			Help: "Live connections per endpoint, idle included",
		}, []string{"endpoint"}),
		EndpointLatency: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txpool_endpoint_avg_latency_ms",
			Help: "Rolling average response time per endpoint in milliseconds",
		}, []string{"endpoint"}),

		FeeCongestion: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_fee_congestion",
			Help: "Current congestion estimate derived from fee samples (0-1)",
		}),
		FeeLastPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_fee_last_price_wei",
			Help: "Most recent fee price in wei (approximate float)",
		}),
		FeePeakPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_fee_peak_price_wei",
			Help: "Peak observed fee price in wei (approximate float)",
		}),

		StartTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txpool_start_time_seconds",
			Help: "Unix timestamp when the pool started",
		}),
	}
}
