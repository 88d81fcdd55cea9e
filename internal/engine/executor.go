package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"web3-txpool-go/internal/monitor"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Request 单次只读调用
type Request struct {
	Method string
	Params []any

	// Options
	Endpoint string        // 固定到指定端点，空则由选择器决定
	Timeout  time.Duration // 0 = 池默认 requestTimeout
	Retries  int           // -1 = 池默认 maxRetries
	Mode     ConnMode      // 连接模式，write 必须带 Identity
	Identity string        // write 模式下复用哪个签名身份的连接
}

// ExecutorConfig 执行器配置（来自池配置，启动后不变）
type ExecutorConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	RequestTimeout    time.Duration
	RateLimitCooldown time.Duration // 429 后端点的加长熔断冷却
}

// Executor issues a single call against a chosen connection, times it,
// classifies the outcome, and feeds results back into endpoint stats.
// It owns the retry/backoff loop: retryable failures are re-attempted on a
// (possibly different) endpoint with exponential backoff until the retry
// budget or the operation deadline runs out.
type Executor struct {
	selector *Selector
	registry *Registry
	conns    *ConnPool
	signers  *SignerSet
	oracle   *FeeOracle
	metrics  *Metrics
	quota    *monitor.QuotaMonitor // 可选：全池每日 Provider 额度计数
	cfg      ExecutorConfig
}

// SetQuotaMonitor attaches the daily provider quota counter. Must be called
// before the pool starts serving; every remote call increments it.
func (e *Executor) SetQuotaMonitor(q *monitor.QuotaMonitor) {
	e.quota = q
}

// NewExecutor wires the executor. signers may be nil for a read-only pool.
func NewExecutor(registry *Registry, selector *Selector, conns *ConnPool, signers *SignerSet, oracle *FeeOracle, cfg ExecutorConfig) *Executor {
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 5 * time.Minute
	}
	return &Executor{
		selector: selector,
		registry: registry,
		conns:    conns,
		signers:  signers,
		oracle:   oracle,
		metrics:  GetMetrics(),
		cfg:      cfg,
	}
}

// backoffDelay = baseDelay × multiplier^attempt
func (e *Executor) backoffDelay(attempt int) time.Duration {
	d := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.BackoffMultiplier, float64(attempt))
	const maxBackoff = float64(30 * time.Second)
	if d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(d)
}

// pickEndpoint resolves a pinned endpoint or consults the selector. The
// breaker's admission (including the single half-open probe token) happens
// here; endpoints that refuse admission are excluded and selection retried.
func (e *Executor) pickEndpoint(pinned string, exclude map[string]bool) (*Endpoint, error) {
	if pinned != "" {
		ep := e.registry.Get(pinned)
		if ep == nil {
			return nil, fmt.Errorf("%w: unknown endpoint %s", ErrNoHealthyEndpoint, maskURL(pinned))
		}
		if !ep.Breaker().Allow() {
			return nil, fmt.Errorf("%w: pinned endpoint breaker is %s", ErrNoHealthyEndpoint, ep.Breaker().State())
		}
		return ep, nil
	}

	for i := 0; i < len(e.registry.All()); i++ {
		ep, err := e.selector.Pick(exclude)
		if err != nil {
			return nil, err
		}
		if ep.Breaker().Allow() {
			return ep, nil
		}
		// 选择与准入之间的竞态：排除后重选
		if exclude == nil {
			exclude = make(map[string]bool)
		}
		exclude[ep.URL] = true
	}
	return nil, ErrNoHealthyEndpoint
}

// runOnEndpoint executes fn on one connection of the endpoint, with timing,
// rate limiting, stats feedback and connection recycling.
func (e *Executor) runOnEndpoint(ctx context.Context, ep *Endpoint, mode ConnMode, identity, method string, fn func(ctx context.Context, conn *Conn) error) error {
	// 分钟级配额窗口先行检查：耗尽时立刻换端点，不烧远端请求
	if !ep.QuotaAllow() {
		return fmt.Errorf("%w: endpoint %s", ErrQuotaExhausted, maskURL(ep.URL))
	}
	if err := ep.Limiter().Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	conn, err := e.conns.Acquire(ctx, ep, mode, identity)
	if err != nil {
		// 缺失签名身份是调用方配置错误，与端点健康无关
		if errors.Is(err, ErrSignerRequired) {
			return err
		}
		// 拿不到连接也算端点失败，推动熔断
		ep.RecordFailure()
		e.pushBreakerMetrics(ep)
		return err
	}
	if e.quota != nil {
		e.quota.Inc()
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	start := time.Now()
	err = fn(reqCtx, conn)
	elapsed := time.Since(start)
	cancel()

	conn.requests++
	e.metrics.RecordRequest(ep.URL, method, elapsed, err)

	if err != nil {
		// 远端从未参与的本地错误不计入端点健康
		if errors.Is(err, ErrSignerRequired) {
			e.conns.Release(conn, false)
			return err
		}
		conn.failures++
		class := Classify(err)
		if class == ClassRateLimited {
			// 429：直接长冷却熔断，保护剩余配额
			ep.RecordFailure()
			ep.Breaker().ForceOpen(e.cfg.RateLimitCooldown)
			Logger.Warn("🛑 endpoint_rate_limited",
				"endpoint", maskURL(ep.URL),
				"cooldown", e.cfg.RateLimitCooldown.String(),
			)
		} else {
			ep.RecordFailure()
		}
		e.pushBreakerMetrics(ep)
		e.conns.Release(conn, class == ClassFatal || isTransportError(err))
		return err
	}

	ep.RecordSuccess(elapsed)
	e.pushBreakerMetrics(ep)
	e.metrics.UpdateEndpointLatency(ep.URL, ep.AvgResponseMs())
	e.conns.Release(conn, false)
	return nil
}

func (e *Executor) pushBreakerMetrics(ep *Endpoint) {
	e.metrics.UpdateBreakerState(ep.URL, ep.Breaker().State())
	e.metrics.UpdateHealthyEndpoints(e.registry.HealthyCount())
}

// isTransportError reports whether the connection itself is unusable and
// must be destroyed rather than returned to the idle list.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range []string{"connection refused", "connection reset", "broken pipe", "EOF", "use of closed network connection"} {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// ExecuteRequest runs one read call with failover and retry.
func (e *Executor) ExecuteRequest(ctx context.Context, req *Request) (json.RawMessage, error) {
	retries := req.Retries
	if retries < 0 {
		retries = e.cfg.MaxRetries
	}

	var result json.RawMessage
	var lastErr error
	exclude := make(map[string]bool)

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := e.backoffDelay(attempt - 1)
			LogRetry(req.Method, attempt, delay.String(), lastErr)
			e.metrics.RecordRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		ep, err := e.pickEndpoint(req.Endpoint, exclude)
		if err != nil {
			lastErr = err
			if req.Endpoint != "" {
				return nil, err
			}
			continue
		}

		err = e.runOnEndpoint(ctx, ep, req.Mode, req.Identity, req.Method, func(ctx context.Context, conn *Conn) error {
			return conn.client.CallContext(ctx, &result, req.Method, req.Params...)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if Classify(err) == ClassFatal {
			return nil, err
		}
		// 重试换端点
		exclude[ep.URL] = true
	}

	if lastErr == nil {
		lastErr = ErrNoHealthyEndpoint
	}
	return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// ExecuteOperation drives one write operation to a terminal result,
// retrying retryable failures with exponential backoff on alternate
// endpoints. The returned result is final: the caller must not re-dispatch.
func (e *Executor) ExecuteOperation(ctx context.Context, op *PendingOperation) *OperationResult {
	res := &OperationResult{ID: op.ID, Kind: op.Kind, Status: StatusFailed}

	// 签名身份先行解析：配置缺失是本地错误，不挑端点、不烧重试预算、
	// 更不能污染端点的失败率统计
	if op.Kind != OpRawTx {
		if err := e.resolveSigner(op.Identity); err != nil {
			op.Attempts = 1
			res.Err = err
			res.Attempts = 1
			res.CompletedAt = time.Now()
			return res
		}
	}

	exclude := make(map[string]bool)

	for {
		now := time.Now()
		if op.expired(now) {
			res.Err = fmt.Errorf("%w: operation %s", ErrDeadlineExceeded, op.ID)
			break
		}
		if op.Attempts > 0 {
			// 指数退避，但不越过操作自身的截止时间
			delay := e.backoffDelay(op.Attempts - 1)
			if !op.Deadline.IsZero() {
				remaining := time.Until(op.Deadline)
				if remaining <= 0 {
					res.Err = fmt.Errorf("%w: operation %s", ErrDeadlineExceeded, op.ID)
					break
				}
				if delay > remaining {
					delay = remaining
				}
			}
			LogRetry(op.ID, op.Attempts, delay.String(), res.Err)
			e.metrics.RecordRetry()
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				res.Attempts = op.Attempts
				res.CompletedAt = time.Now()
				return res
			case <-time.After(delay):
			}
		}
		op.Attempts++

		ep, err := e.pickEndpoint("", exclude)
		if err != nil {
			res.Err = err
			if op.Attempts > e.cfg.MaxRetries {
				break
			}
			// 全部被排除时重置，下一轮允许重新命中之前失败的端点
			exclude = make(map[string]bool)
			continue
		}

		// 预签名裸交易不占用签名身份的写连接
		mode := ModeWrite
		if op.Kind == OpRawTx {
			mode = ModeRead
		}

		var txHash common.Hash
		var paid *uint256.Int
		err = e.runOnEndpoint(ctx, ep, mode, op.Identity, op.Kind.String(), func(ctx context.Context, conn *Conn) error {
			h, p, sendErr := e.sendOperation(ctx, conn, op)
			txHash, paid = h, p
			return sendErr
		})
		if err == nil {
			res.Status = StatusSucceeded
			res.TxHash = txHash
			res.Endpoint = ep.URL
			res.PricePaid = paid
			res.Err = nil
			break
		}

		res.Err = err
		res.Endpoint = ep.URL
		if Classify(err) == ClassFatal {
			break
		}
		if op.Attempts > e.cfg.MaxRetries {
			res.Err = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, op.Attempts, err)
			break
		}
		exclude[ep.URL] = true
	}

	res.Attempts = op.Attempts
	res.CompletedAt = time.Now()
	return res
}

// resolveSigner verifies the named identity exists before any endpoint is
// involved.
func (e *Executor) resolveSigner(name string) error {
	if e.signers == nil {
		return fmt.Errorf("%w: no signing identities configured", ErrSignerRequired)
	}
	_, err := e.signers.Get(name)
	return err
}

// sendOperation builds, prices, signs, and submits the transaction for one
// operation attempt. Dispatch over the closed OpKind set is exhaustive.
func (e *Executor) sendOperation(ctx context.Context, conn *Conn, op *PendingOperation) (common.Hash, *uint256.Int, error) {
	if op.Kind == OpRawTx {
		payload, ok := op.Payload.(RawTxPayload)
		if !ok {
			return common.Hash{}, nil, fmt.Errorf("invalid params: %s payload mismatch", op.Kind)
		}
		var hash common.Hash
		err := conn.client.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(payload.Raw))
		return hash, nil, err
	}

	if e.signers == nil {
		return common.Hash{}, nil, ErrSignerRequired
	}
	identity, err := e.signers.Get(op.Identity)
	if err != nil {
		return common.Hash{}, nil, err
	}

	// 当前网络基准价 → oracle 调整价
	basePrice, err := conn.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("suggest gas price: %w", err)
	}
	base, overflow := uint256.FromBig(basePrice)
	if overflow {
		return common.Hash{}, nil, fmt.Errorf("invalid argument: base price overflows uint256")
	}
	price := e.oracle.AdjustedPrice(base, op.PriorityBoost, op.MaxPrice)

	nonce, err := conn.client.PendingNonceAt(ctx, identity.Address)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("pending nonce: %w", err)
	}

	to, value, data, gasLimit, err := buildCall(op)
	if err != nil {
		return common.Hash{}, nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price.ToBig(),
		Gas:      gasLimit,
		To:       &to,
		Value:    value.ToBig(),
		Data:     data,
	})
	signed, err := e.signers.Sign(op.Identity, tx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("invalid signature: %w", err)
	}

	if err := conn.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, nil, err
	}
	return signed.Hash(), price, nil
}

// 各操作类别的缺省 gas 上限
const (
	gasNativeTransfer = 21_000
	gasTokenTransfer  = 65_000
	gasApprove        = 60_000
	gasSwap           = 300_000
)

// erc20 method selectors
var (
	selectorApprove  = []byte{0x09, 0x5e, 0xa7, 0xb3}
	selectorTransfer = []byte{0xa9, 0x05, 0x9c, 0xbb}
)

// buildCall lowers a typed payload to raw transaction fields.
func buildCall(op *PendingOperation) (to common.Address, value *uint256.Int, data []byte, gasLimit uint64, err error) {
	value = uint256.NewInt(0)
	switch p := op.Payload.(type) {
	case ApprovePayload:
		to = p.Token
		data = packAddressAmount(selectorApprove, p.Spender, p.Amount)
		gasLimit = gasApprove
	case TransferPayload:
		if p.Token == (common.Address{}) {
			to = p.To
			value = p.Amount.Clone()
			gasLimit = gasNativeTransfer
		} else {
			to = p.Token
			data = packAddressAmount(selectorTransfer, p.To, p.Amount)
			gasLimit = gasTokenTransfer
		}
	case SwapPayload:
		to = p.Router
		data = p.CallData
		if p.Value != nil {
			value = p.Value.Clone()
		}
		gasLimit = gasSwap
	case CallPayload:
		to = p.To
		data = p.CallData
		if p.Value != nil {
			value = p.Value.Clone()
		}
		gasLimit = p.GasLimit
		if gasLimit == 0 {
			gasLimit = gasSwap
		}
	default:
		err = fmt.Errorf("invalid params: %s payload mismatch", op.Kind)
	}
	return to, value, data, gasLimit, err
}

// packAddressAmount ABI-packs selector + address + uint256.
func packAddressAmount(selector []byte, addr common.Address, amount *uint256.Int) []byte {
	out := make([]byte, 0, 4+32+32)
	out = append(out, selector...)
	out = append(out, common.LeftPadBytes(addr.Bytes(), 32)...)
	amt := amount.Bytes32()
	out = append(out, amt[:]...)
	return out
}
