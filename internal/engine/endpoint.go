package engine

import (
	"strings"
	"sync"
	"time"

	"web3-txpool-go/internal/limiter"
)

// Endpoint 单个 RPC 端点的运行时记录
// 统计字段由多个并发 executor 更新，全部经 mu 串行化，避免丢失更新
type Endpoint struct {
	URL string

	// 能力标记：composite 策略在得分接近时偏向功能更全的端点
	SupportsStreaming bool // ws:// / wss:// 传输
	SupportsBatch     bool // 支持 JSON-RPC 批量调用

	breaker *Breaker
	limiter *limiter.RateLimiter         // 单端点令牌桶节流（秒级）
	quota   *limiter.SlidingWindowLimiter // 分钟级配额窗口（商业 Provider 免费档）

	mu             sync.Mutex
	healthy        bool
	active         int // 当前存活连接数（含空闲），受 maxConnectionsPerEndpoint 约束
	totalRequests  uint64
	failedRequests uint64
	avgResponseMs  float64
	lastUsedAt     time.Time
}

// NewEndpoint builds an endpoint record. rps <= 0 disables per-endpoint
// throttling; quotaPerMin <= 0 disables the per-minute quota window.
func NewEndpoint(url string, breaker *Breaker, rps float64, quotaPerMin int, supportsBatch bool) *Endpoint {
	ep := &Endpoint{
		URL:               url,
		SupportsStreaming: strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://"),
		SupportsBatch:     supportsBatch,
		breaker:           breaker,
		limiter:           limiter.NewRateLimiter(rps),
		healthy:           true,
	}
	if quotaPerMin > 0 {
		ep.quota = limiter.NewSlidingWindowLimiter(quotaPerMin, time.Minute)
	}
	return ep
}

// Breaker exposes the endpoint's circuit breaker.
func (e *Endpoint) Breaker() *Breaker { return e.breaker }

// Limiter exposes the endpoint's token bucket.
func (e *Endpoint) Limiter() *limiter.RateLimiter { return e.limiter }

// QuotaAllow consumes one slot of the per-minute quota window.
// Always true when no quota window is configured.
func (e *Endpoint) QuotaAllow() bool {
	if e.quota == nil {
		return true
	}
	return e.quota.Allow()
}

// QuotaUsage returns the fraction of the per-minute quota consumed,
// 0 when no quota window is configured.
func (e *Endpoint) QuotaUsage() float64 {
	if e.quota == nil {
		return 0
	}
	return e.quota.UsageFraction()
}

// RecordSuccess folds a successful call into the rolling stats.
// Latency EMA uses equal weight for old and new values.
func (e *Endpoint) RecordSuccess(elapsed time.Duration) {
	ms := float64(elapsed.Milliseconds())
	e.mu.Lock()
	e.totalRequests++
	if e.avgResponseMs == 0 {
		e.avgResponseMs = ms
	} else {
		e.avgResponseMs = e.avgResponseMs*0.5 + ms*0.5
	}
	e.lastUsedAt = time.Now()
	wasUnhealthy := !e.healthy
	e.healthy = true
	e.mu.Unlock()

	e.breaker.OnSuccess()
	if wasUnhealthy {
		LogEndpointRecovered(e.URL)
	}
}

// RecordFailure folds a failed call into the rolling stats and feeds the
// breaker. Returns true if this failure tripped the breaker open.
func (e *Endpoint) RecordFailure() bool {
	e.mu.Lock()
	e.totalRequests++
	e.failedRequests++
	e.lastUsedAt = time.Now()
	fr := float64(e.failedRequests) / float64(e.totalRequests)
	total := e.totalRequests
	failed := e.failedRequests
	e.mu.Unlock()

	tripped := e.breaker.OnFailure(fr, total)
	if tripped {
		e.mu.Lock()
		e.healthy = false
		e.mu.Unlock()
		LogEndpointUnhealthy(e.URL, fr, failed)
	}
	return tripped
}

// FailureRate returns failed/total, 0 when no requests were observed.
func (e *Endpoint) FailureRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.totalRequests == 0 {
		return 0
	}
	return float64(e.failedRequests) / float64(e.totalRequests)
}

// AvgResponseMs returns the latency EMA in milliseconds.
func (e *Endpoint) AvgResponseMs() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgResponseMs
}

// ActiveConnections returns the number of live connections bound to the
// endpoint, idle included.
func (e *Endpoint) ActiveConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// reserveConnection increments the connection count if below the cap.
func (e *Endpoint) reserveConnection(max int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active >= max {
		return false
	}
	e.active++
	return true
}

// releaseConnection decrements the connection count after a connection is
// destroyed.
func (e *Endpoint) releaseConnection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active > 0 {
		e.active--
	}
}

// Healthy reports the health monitor's current verdict combined with the
// breaker state.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	h := e.healthy
	e.mu.Unlock()
	return h && e.breaker.State() != BreakerOpen
}

// setHealthy is used by the health monitor's probe loop.
func (e *Endpoint) setHealthy(h bool) {
	e.mu.Lock()
	was := e.healthy
	e.healthy = h
	e.mu.Unlock()
	if !was && h {
		LogEndpointRecovered(e.URL)
	}
}

// weight computes the load-balancing score used by the weighted and
// composite strategies: (1 - failureRate) × max(0, 1000 - avgMs)/1000.
func (e *Endpoint) weight() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	fr := 0.0
	if e.totalRequests > 0 {
		fr = float64(e.failedRequests) / float64(e.totalRequests)
	}
	latencyScore := (1000 - e.avgResponseMs) / 1000
	if latencyScore < 0 {
		latencyScore = 0
	}
	w := (1 - fr) * latencyScore
	if w <= 0 {
		// 永远保留极小权重，避免端点被彻底饿死
		w = 0.001
	}
	return w
}

// Stats returns a consistent copy of the endpoint counters.
func (e *Endpoint) Stats() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	fr := 0.0
	if e.totalRequests > 0 {
		fr = float64(e.failedRequests) / float64(e.totalRequests)
	}
	return EndpointStats{
		URL:               e.URL,
		Healthy:           e.healthy,
		BreakerState:      e.breaker.State().String(),
		ActiveConnections: e.active,
		TotalRequests:     e.totalRequests,
		FailedRequests:    e.failedRequests,
		FailureRate:       fr,
		AvgResponseMs:     e.avgResponseMs,
		LastUsedAt:        e.lastUsedAt,
	}
}

// EndpointStats 端点统计快照（只读）
type EndpointStats struct {
	URL               string    `json:"url"`
	Healthy           bool      `json:"healthy"`
	BreakerState      string    `json:"breaker_state"`
	ActiveConnections int       `json:"active_connections"`
	TotalRequests     uint64    `json:"total_requests"`
	FailedRequests    uint64    `json:"failed_requests"`
	FailureRate       float64   `json:"failure_rate"`
	AvgResponseMs     float64   `json:"avg_response_ms"`
	LastUsedAt        time.Time `json:"last_used_at"`
}
