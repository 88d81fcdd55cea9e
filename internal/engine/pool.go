package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"web3-txpool-go/internal/monitor"
	"web3-txpool-go/internal/recovery"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// PoolConfig 池的全部可调参数，启动时装配一次，之后只读
type PoolConfig struct {
	Endpoints []string
	ChainID   int64

	MaxConnectionsPerEndpoint int
	ConnectionTimeout         time.Duration
	RequestTimeout            time.Duration

	MaxRetries             int
	RetryBaseDelay         time.Duration
	RetryBackoffMultiplier float64

	LoadBalancingStrategy Strategy

	CircuitBreakerThreshold float64
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration

	NodeRPS            float64 // 单端点令牌桶速率，<=0 不限速
	NodeQuotaPerMin    int     // 单端点分钟级配额窗口，<=0 不启用
	DailyQuota         int64   // 全池每日 Provider 额度（CU），<=0 不启用
	EndpointsBatchCall bool    // 端点是否支持 JSON-RPC 批量调用（composite 加成）

	Batch BatcherConfig

	PriceMultiplier       float64
	CongestionSensitivity float64
	MaxPriceWei           *uint256.Int
	PriorityBoostWei      *uint256.Int
	PriceHistorySize      int
	FeeRefreshInterval    time.Duration

	SignerKeys map[string]string // name → hex private key

	MetricsInterval time.Duration
}

// Validate fills defaults and rejects unusable configurations.
func (c *PoolConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no RPC endpoints configured")
	}
	if c.MaxConnectionsPerEndpoint <= 0 {
		c.MaxConnectionsPerEndpoint = 5
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffMultiplier < 1 {
		c.RetryBackoffMultiplier = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.CircuitBreakerThreshold <= 0 || c.CircuitBreakerThreshold > 1 {
		c.CircuitBreakerThreshold = 0.5
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.PriceMultiplier <= 0 {
		c.PriceMultiplier = 1.1
	}
	if c.CongestionSensitivity < 0 {
		c.CongestionSensitivity = 0.5
	}
	if c.PriceHistorySize <= 0 {
		c.PriceHistorySize = 50
	}
	if c.FeeRefreshInterval <= 0 {
		c.FeeRefreshInterval = 30 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	return nil
}

// RequestOptions 单次调用选项
type RequestOptions struct {
	Endpoint string        // 固定端点
	Timeout  time.Duration // 0 = 默认
	Retries  int           // -1 = 默认
	Mode     ConnMode      // 连接模式，默认 read
	Identity string        // write 模式下的签名身份
}

// OperationSpec 一次写操作的提交参数
type OperationSpec struct {
	Kind          OpKind
	Payload       OpPayload
	Priority      int
	DependsOn     []string
	Identity      string
	Deadline      time.Time
	MaxPrice      *uint256.Int
	PriorityBoost bool
	Callback      func(*OperationResult)
}

// Pool is the single logical client over all configured endpoints. Many
// concurrent callers share one Pool; all state is in-memory and rebuilt
// from configuration on restart.
type Pool struct {
	cfg      PoolConfig
	registry *Registry
	selector *Selector
	conns    *ConnPool
	executor *Executor
	oracle   *FeeOracle
	batcher  *Batcher
	health   *HealthMonitor
	metrics  *Metrics
	ops      *monitor.RateMonitor
	quota    *monitor.QuotaMonitor

	snapshot atomic.Pointer[MetricsSnapshot]
	stopCh   chan struct{}
	down     atomic.Bool
}

// PoolOption 装配期可选项
type PoolOption func(*poolDeps)

type poolDeps struct {
	dialer    Dialer
	events    EventSink
	journalFn func(*OperationResult)
	seed      int64
}

// WithDialer overrides the connection dialer (tests).
func WithDialer(d Dialer) PoolOption { return func(p *poolDeps) { p.dialer = d } }

// WithEventSink attaches a pool event observer.
func WithEventSink(s EventSink) PoolOption { return func(p *poolDeps) { p.events = s } }

// WithJournal attaches a terminal-outcome journal hook.
func WithJournal(fn func(*OperationResult)) PoolOption { return func(p *poolDeps) { p.journalFn = fn } }

// WithSelectorSeed pins the weighted draw's RNG seed (tests).
func WithSelectorSeed(seed int64) PoolOption { return func(p *poolDeps) { p.seed = seed } }

// NewPool assembles the pool. Call Start to launch the background loops.
func NewPool(cfg PoolConfig, opts ...PoolOption) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps := &poolDeps{seed: time.Now().UnixNano()}
	for _, opt := range opts {
		opt(deps)
	}

	metrics := GetMetrics()

	registry := NewRegistry(cfg.Endpoints, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, cfg.NodeRPS, cfg.NodeQuotaPerMin, cfg.EndpointsBatchCall,
		func(url string, from, to BreakerState) {
			metrics.UpdateBreakerState(url, to)
			if deps.events != nil {
				deps.events.Publish(PoolEvent{Type: "breaker_change", Data: map[string]any{
					"endpoint": maskURL(url),
					"from":     from.String(),
					"to":       to.String(),
				}})
			}
		})

	selector := NewSelector(registry, cfg.LoadBalancingStrategy, deps.seed)
	conns := NewConnPool(cfg.MaxConnectionsPerEndpoint, cfg.ConnectionTimeout, cfg.RequestTimeout, deps.dialer)

	var signers *SignerSet
	if len(cfg.SignerKeys) > 0 {
		var err error
		signers, err = NewSignerSet(cfg.ChainID, cfg.SignerKeys)
		if err != nil {
			return nil, err
		}
	}

	oracle := NewFeeOracle(cfg.PriceHistorySize, cfg.PriceMultiplier, cfg.CongestionSensitivity, cfg.MaxPriceWei, cfg.PriorityBoostWei)

	executor := NewExecutor(registry, selector, conns, signers, oracle, ExecutorConfig{
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.RetryBaseDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		RequestTimeout:    cfg.RequestTimeout,
	})

	var quota *monitor.QuotaMonitor
	if cfg.DailyQuota > 0 {
		quota = monitor.NewQuotaMonitor(uint64(cfg.DailyQuota))
		executor.SetQuotaMonitor(quota)
	}

	p := &Pool{
		cfg:      cfg,
		registry: registry,
		selector: selector,
		conns:    conns,
		executor: executor,
		oracle:   oracle,
		metrics:  metrics,
		ops:      monitor.NewRateMonitor(0),
		quota:    quota,
		stopCh:   make(chan struct{}),
	}

	journalFn := deps.journalFn
	p.batcher = NewBatcher(cfg.Batch, executor, deps.events, func(res *OperationResult) {
		p.ops.Record(1)
		if journalFn != nil {
			journalFn(res)
		}
	})
	p.health = NewHealthMonitor(registry, conns, cfg.HealthCheckInterval)

	p.snapshot.Store(buildSnapshot(registry, metrics, oracle, 0))
	return p, nil
}

// Start launches the pool's background loops: batch cutting, health
// probing, fee refresh, and snapshot regeneration.
func (p *Pool) Start() {
	p.metrics.StartTime.Set(float64(time.Now().Unix()))
	p.batcher.Start()
	p.health.Start()
	recovery.WithRecovery(p.feeRefreshLoop, "fee_refresh")
	recovery.WithRecovery(p.snapshotLoop, "metrics_snapshot")
	Logger.Info("pool_started",
		"endpoints", len(p.cfg.Endpoints),
		"strategy", string(p.selector.Strategy()),
		"max_conns_per_endpoint", p.cfg.MaxConnectionsPerEndpoint,
	)
}

// Request issues one direct call. opts may be nil; the default is a read
// connection, ModeWrite requires opts.Identity.
func (p *Pool) Request(ctx context.Context, method string, params []any, opts *RequestOptions) (json.RawMessage, error) {
	if p.down.Load() {
		return nil, ErrPoolShutdown
	}
	req := &Request{Method: method, Params: params, Retries: -1, Mode: ModeRead}
	if opts != nil {
		req.Endpoint = opts.Endpoint
		req.Mode = opts.Mode
		req.Identity = opts.Identity
		if opts.Retries >= 0 {
			req.Retries = opts.Retries
		}
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
	}
	return p.executor.ExecuteRequest(ctx, req)
}

// SubmitOperation enqueues one write operation and returns its id
// immediately; the terminal outcome is delivered via the result table and
// the optional callback.
func (p *Pool) SubmitOperation(spec OperationSpec) (string, error) {
	if p.down.Load() {
		return "", ErrPoolShutdown
	}
	op, err := p.buildOperation(spec, "")
	if err != nil {
		return "", err
	}
	p.batcher.Results().Register(op.ID)
	if err := p.batcher.Submit(op); err != nil {
		return "", err
	}
	return op.ID, nil
}

// SubmitBatch enqueues many operations atomically under one batch hint.
// Dependency resolution still applies; the hint only names the group.
func (p *Pool) SubmitBatch(specs []OperationSpec) ([]string, error) {
	if p.down.Load() {
		return nil, ErrPoolShutdown
	}
	hint := fmt.Sprintf("group-%d", time.Now().UnixNano())
	ops := make([]*PendingOperation, 0, len(specs))
	for _, spec := range specs {
		op, err := p.buildOperation(spec, hint)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	// 先全部注册再入队，保证组内依赖可见
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		p.batcher.Results().Register(op.ID)
		ids = append(ids, op.ID)
	}
	for _, op := range ops {
		if err := p.batcher.Submit(op); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func (p *Pool) buildOperation(spec OperationSpec, hint string) (*PendingOperation, error) {
	if spec.Payload == nil {
		return nil, fmt.Errorf("invalid params: missing payload")
	}
	if spec.Payload.opKind() != spec.Kind {
		return nil, fmt.Errorf("invalid params: payload does not match kind %s", spec.Kind)
	}
	if spec.Kind != OpRawTx && spec.Identity == "" {
		return nil, ErrSignerRequired
	}
	id, seq := newOperationID()
	return &PendingOperation{
		ID:            id,
		Kind:          spec.Kind,
		Payload:       spec.Payload,
		Priority:      spec.Priority,
		DependsOn:     spec.DependsOn,
		Identity:      spec.Identity,
		MaxPrice:      spec.MaxPrice,
		PriorityBoost: spec.PriorityBoost,
		Deadline:      spec.Deadline,
		CreatedAt:     time.Now(),
		Callback:      spec.Callback,
		seq:           seq,
		batchHint:     hint,
	}, nil
}

// GetOperationResult returns the terminal result, or (nil, nil) while the
// operation is still pending, or ErrUnknownOperation.
func (p *Pool) GetOperationResult(id string) (*OperationResult, error) {
	res, known := p.batcher.Results().Get(id)
	if res != nil {
		return res, nil
	}
	if known {
		return nil, nil
	}
	return nil, ErrUnknownOperation
}

// WaitForOperation blocks until the operation terminally resolves.
func (p *Pool) WaitForOperation(ctx context.Context, id string) (*OperationResult, error) {
	return p.batcher.Results().Wait(ctx, id)
}

// CancelOperation removes a queued operation. Returns false once the
// operation has been handed to a connection (in-flight work runs to
// completion) or is already terminal.
func (p *Pool) CancelOperation(id string) bool {
	return p.batcher.Cancel(id)
}

// Flush forces an immediate batch cut.
func (p *Pool) Flush() {
	p.batcher.Flush()
}

// ObserveFee feeds an externally observed fee level into the oracle.
func (p *Pool) ObserveFee(price *uint256.Int) {
	p.oracle.Observe(price)
}

// FeeStats returns the oracle's current view.
func (p *Pool) FeeStats() FeeStats {
	return p.oracle.Stats()
}

// GetMetrics returns the latest immutable metrics snapshot.
func (p *Pool) GetMetrics() *MetricsSnapshot {
	return p.snapshot.Load()
}

// GetStatus returns instantaneous pool health/queue numbers.
func (p *Pool) GetStatus() PoolStatus {
	healthy := p.registry.HealthyCount()
	active := 0
	for _, ep := range p.registry.All() {
		active += ep.ActiveConnections()
	}
	status := PoolStatus{
		HealthyEndpoints:   healthy,
		UnhealthyEndpoints: len(p.registry.All()) - healthy,
		IdleConnections:    p.conns.IdleCount(),
		ActiveConnections:  active,
		QueueDepth:         p.batcher.QueueDepth(),
		InFlight:           p.batcher.InFlightCount(),
		PendingOperations:  p.batcher.Results().PendingCount(),
	}
	if p.quota != nil {
		status.DailyQuotaUsedPercent = p.quota.GetUsagePercent()
	}
	return status
}

// feeRefreshLoop periodically samples the network base fee through the
// normal read path so the oracle tracks live congestion.
func (p *Pool) feeRefreshLoop() {
	ticker := time.NewTicker(p.cfg.FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
			raw, err := p.executor.ExecuteRequest(ctx, &Request{Method: "eth_gasPrice", Retries: 0, Mode: ModeRead})
			cancel()
			if err != nil {
				continue
			}
			var price hexutil.Big
			if err := json.Unmarshal(raw, &price); err != nil {
				continue
			}
			if u, overflow := uint256.FromBig(price.ToInt()); !overflow {
				p.oracle.Observe(u)
			}
			p.metrics.UpdateFeeStats(p.oracle.Stats())
		}
	}
}

// snapshotLoop regenerates the immutable metrics snapshot.
func (p *Pool) snapshotLoop() {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.snapshot.Store(buildSnapshot(p.registry, p.metrics, p.oracle, p.ops.Rate()))
			p.metrics.UpdateHealthyEndpoints(p.registry.HealthyCount())
		}
	}
}

// Shutdown stops timers, fails all queued work with ErrPoolShutdown, waits
// for in-flight batches, and releases all connections.
func (p *Pool) Shutdown() {
	if !p.down.CompareAndSwap(false, true) {
		return
	}
	Logger.Info("pool_shutting_down")
	close(p.stopCh)
	p.health.Stop()
	if p.quota != nil {
		p.quota.Stop()
	}
	p.batcher.Shutdown()
	p.registry.StopBreakers()
	p.conns.Close()
	Logger.Info("pool_stopped")
}
