package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试专用私钥（公开的 devnet 默认账户，无任何真实价值）
const testSignerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestExecutor(t *testing.T, reg *Registry, dialer *fakeDialer, withSigner bool) *Executor {
	t.Helper()
	sel := NewSelector(reg, StrategyRoundRobin, 1)
	conns := NewConnPool(5, time.Second, time.Second, dialer.dial)
	t.Cleanup(conns.Close)

	var signers *SignerSet
	if withSigner {
		var err error
		signers, err = NewSignerSet(1337, map[string]string{"ops": testSignerKey})
		require.NoError(t, err)
	}
	oracle := NewFeeOracle(50, 1.1, 0.5, uint256.NewInt(500_000_000_000), nil)
	return NewExecutor(reg, sel, conns, signers, oracle, ExecutorConfig{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2,
		RequestTimeout:    time.Second,
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"timeout", errors.New("request timeout"), ClassRetryable},
		{"conn_refused", errors.New("dial tcp: connection refused"), ClassRetryable},
		{"nonce_too_low", errors.New("nonce too low"), ClassRetryable},
		{"underpriced", errors.New("replacement transaction underpriced"), ClassRetryable},
		{"rate_limited_429", errors.New("429 Too Many Requests"), ClassRateLimited},
		{"quota", errors.New("daily quota exceeded"), ClassRateLimited},
		{"revert", errors.New("execution reverted: ERC20: insufficient allowance"), ClassFatal},
		{"invalid_params", errors.New("invalid params"), ClassFatal},
		{"insufficient_funds", errors.New("insufficient funds for gas * price + value"), ClassFatal},
		{"unknown_defaults_retryable", errors.New("weird provider hiccup"), ClassRetryable},
		{"local_quota_sentinel", ErrQuotaExhausted, ClassRetryable},
		{"missing_signer_identity", ErrSignerRequired, ClassFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestExecutor_ReadSuccess(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			raw := result.(*json.RawMessage)
			*raw = json.RawMessage(`"0x10"`)
			return nil
		},
	})
	exec := newTestExecutor(t, reg, dialer, false)

	res, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_blockNumber", Retries: -1})
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(res))
}

func TestExecutor_RetriesOnAlternateEndpoint(t *testing.T) {
	reg := newTestRegistry("http://bad", "http://good")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	bad := dialer.add("http://bad", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			return errors.New("connection reset by peer")
		},
	})
	dialer.add("http://good", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, false)

	_, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_chainId", Retries: -1})
	require.NoError(t, err)
	// 失败端点最多被打一次，重试换到好端点
	assert.LessOrEqual(t, bad.callCount(), 1)
}

func TestExecutor_FatalErrorNoRetry(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	client := dialer.add("http://a", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			return errors.New("execution reverted")
		},
	})
	exec := newTestExecutor(t, reg, dialer, false)

	_, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_call", Retries: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
	assert.Equal(t, 1, client.callCount())
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			return errors.New("service unavailable")
		},
	})
	exec := newTestExecutor(t, reg, dialer, false)

	_, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_chainId", Retries: 2})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestExecutor_PinnedEndpoint(t *testing.T) {
	reg := newTestRegistry("http://a", "http://b")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	a := dialer.add("http://a", &fakeNodeClient{})
	b := dialer.add("http://b", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, false)

	for i := 0; i < 3; i++ {
		_, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_chainId", Endpoint: "http://b", Retries: 0})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, a.callCount())
	assert.Equal(t, 3, b.callCount())

	// 未知端点直接报错
	_, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_chainId", Endpoint: "http://nope", Retries: 0})
	assert.ErrorIs(t, err, ErrNoHealthyEndpoint)
}

func TestExecutor_RateLimitForcesLongCooldown(t *testing.T) {
	reg := newTestRegistry("http://a", "http://b")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			return errors.New("429 too many requests")
		},
	})
	dialer.add("http://b", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			return errors.New("429 too many requests")
		},
	})
	exec := newTestExecutor(t, reg, dialer, false)

	_, _ = exec.ExecuteRequest(context.Background(), &Request{Method: "eth_chainId", Retries: -1})

	// 两个端点都吃了 429 → 都被强制熔断
	assert.Equal(t, BreakerOpen, reg.Get("http://a").Breaker().State())
	assert.Equal(t, BreakerOpen, reg.Get("http://b").Breaker().State())
}

func TestExecutor_OperationSucceeds(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, true)

	id, seq := newOperationID()
	op := &PendingOperation{
		ID:   id,
		Kind: OpTransfer,
		Payload: TransferPayload{
			To:     addr("0x1111111111111111111111111111111111111111"),
			Amount: uint256.NewInt(1000),
		},
		Identity:  "ops",
		CreatedAt: time.Now(),
		seq:       seq,
	}

	res := exec.ExecuteOperation(context.Background(), op)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, OpTransfer, res.Kind)
	assert.Equal(t, "http://a", res.Endpoint)
	assert.Equal(t, 1, res.Attempts)
	assert.NotNil(t, res.PricePaid)
	// 1 gwei 基准价 × 1.1 倍率，无拥堵
	assert.Equal(t, uint256.NewInt(1_100_000_000), res.PricePaid)
}

func TestExecutor_OperationDeadline(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, true)

	id, seq := newOperationID()
	op := &PendingOperation{
		ID:        id,
		Kind:      OpTransfer,
		Payload:   TransferPayload{Amount: uint256.NewInt(1)},
		Identity:  "ops",
		Deadline:  time.Now().Add(-time.Second), // 已过期
		CreatedAt: time.Now(),
		seq:       seq,
	}

	res := exec.ExecuteOperation(context.Background(), op)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrDeadlineExceeded)
}

func TestExecutor_RawTxBypassesSigner(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	client := dialer.add("http://a", &fakeNodeClient{})
	// 无 signer 的只读池也能发裸交易
	exec := newTestExecutor(t, reg, dialer, false)

	id, seq := newOperationID()
	op := &PendingOperation{
		ID:        id,
		Kind:      OpRawTx,
		Payload:   RawTxPayload{Raw: []byte{0xf8, 0x01}},
		Identity:  "ops",
		CreatedAt: time.Now(),
		seq:       seq,
	}

	res := exec.ExecuteOperation(context.Background(), op)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, client.callCount())
}

func TestExecutor_UnknownIdentityFailsWithoutRemoteCall(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	client := dialer.add("http://a", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, true)

	id, seq := newOperationID()
	op := &PendingOperation{
		ID:        id,
		Kind:      OpTransfer,
		Payload:   TransferPayload{Amount: uint256.NewInt(1)},
		Identity:  "ghost", // 未配置的签名身份
		CreatedAt: time.Now(),
		seq:       seq,
	}

	res := exec.ExecuteOperation(context.Background(), op)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrSignerRequired)
	// 本地配置错误：一次尝试就终结，不烧重试预算
	assert.Equal(t, 1, res.Attempts)
	// 端点没被打过，熔断器也不能因此受罚
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, BreakerClosed, reg.Get("http://a").Breaker().State())
	assert.Equal(t, uint64(0), reg.Get("http://a").Stats().FailedRequests)
}

func TestExecutor_NoSignersConfiguredFailsWithoutRemoteCall(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	client := dialer.add("http://a", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, false)

	id, seq := newOperationID()
	op := &PendingOperation{
		ID:        id,
		Kind:      OpTransfer,
		Payload:   TransferPayload{Amount: uint256.NewInt(1)},
		Identity:  "ops",
		CreatedAt: time.Now(),
		seq:       seq,
	}

	res := exec.ExecuteOperation(context.Background(), op)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrSignerRequired)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, BreakerClosed, reg.Get("http://a").Breaker().State())
}

func TestExecutor_WriteRequestRequiresIdentity(t *testing.T) {
	reg := newTestRegistry("http://a")
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	client := dialer.add("http://a", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, true)

	// write 模式缺身份：立即失败，不算端点的账
	_, err := exec.ExecuteRequest(context.Background(), &Request{
		Method: "eth_sendRawTransaction", Retries: -1, Mode: ModeWrite,
	})
	assert.ErrorIs(t, err, ErrSignerRequired)
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, BreakerClosed, reg.Get("http://a").Breaker().State())

	// 带身份的 write 请求走 write 连接
	_, err = exec.ExecuteRequest(context.Background(), &Request{
		Method: "eth_chainId", Retries: -1, Mode: ModeWrite, Identity: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, client.callCount())
}

func TestExecutor_QuotaExhaustedFailsOver(t *testing.T) {
	// a 的分钟配额只有 1，耗尽后流量切到 b
	reg := NewRegistry([]string{"http://a", "http://b"}, 0.5, time.Minute, 0, 1, false, nil)
	defer reg.StopBreakers()
	dialer := newFakeDialer()
	a := dialer.add("http://a", &fakeNodeClient{})
	b := dialer.add("http://b", &fakeNodeClient{})
	exec := newTestExecutor(t, reg, dialer, false)

	for i := 0; i < 4; i++ {
		_, err := exec.ExecuteRequest(context.Background(), &Request{Method: "eth_chainId", Retries: -1})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, a.callCount(), 1)
	assert.GreaterOrEqual(t, b.callCount(), 3)
}

func TestBackoffDelay(t *testing.T) {
	exec := &Executor{cfg: ExecutorConfig{BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 2}}
	assert.Equal(t, 100*time.Millisecond, exec.backoffDelay(0))
	assert.Equal(t, 200*time.Millisecond, exec.backoffDelay(1))
	assert.Equal(t, 400*time.Millisecond, exec.backoffDelay(2))
	// 上限 30s
	assert.Equal(t, 30*time.Second, exec.backoffDelay(20))
}
