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

func testPoolConfig(urls ...string) PoolConfig {
	return PoolConfig{
		Endpoints:                 urls,
		ChainID:                   1337,
		MaxConnectionsPerEndpoint: 5,
		ConnectionTimeout:         time.Second,
		RequestTimeout:            time.Second,
		MaxRetries:                3,
		RetryBaseDelay:            time.Millisecond,
		RetryBackoffMultiplier:    2,
		LoadBalancingStrategy:     StrategyRoundRobin,
		CircuitBreakerThreshold:   0.5,
		CircuitBreakerTimeout:     time.Minute,
		HealthCheckInterval:       time.Hour, // 测试内不做周期探活
		Batch: BatcherConfig{
			MinBatchSize: 1,
			MaxBatchSize: 10,
			BatchTimeout: 20 * time.Millisecond,
		},
		MaxPriceWei: uint256.NewInt(500_000_000_000),
		SignerKeys:  map[string]string{"ops": testSignerKey},
	}
}

func newStartedPool(t *testing.T, cfg PoolConfig, dialer *fakeDialer, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append(opts, WithDialer(dialer.dial), WithSelectorSeed(1))
	p, err := NewPool(cfg, opts...)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Shutdown)
	return p
}

func TestPool_RejectsEmptyEndpoints(t *testing.T) {
	_, err := NewPool(PoolConfig{})
	assert.Error(t, err)
}

func TestPool_RequestRoundTrip(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			raw := result.(*json.RawMessage)
			*raw = json.RawMessage(`"0x539"`)
			return nil
		},
	})
	p := newStartedPool(t, testPoolConfig("http://a"), dialer)

	res, err := p.Request(context.Background(), "eth_chainId", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x539"`, string(res))
}

func TestPool_RequestConnectionMode(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	p := newStartedPool(t, testPoolConfig("http://a"), dialer)

	// write 模式要求签名身份
	_, err := p.Request(context.Background(), "eth_sendRawTransaction", nil,
		&RequestOptions{Mode: ModeWrite})
	assert.ErrorIs(t, err, ErrSignerRequired)

	_, err = p.Request(context.Background(), "eth_chainId", nil,
		&RequestOptions{Mode: ModeWrite, Identity: "ops"})
	require.NoError(t, err)
}

func TestPool_SubmitOperationLifecycle(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	p := newStartedPool(t, testPoolConfig("http://a"), dialer)

	id, err := p.SubmitOperation(OperationSpec{
		Kind: OpTransfer,
		Payload: TransferPayload{
			To:     addr("0x2222222222222222222222222222222222222222"),
			Amount: uint256.NewInt(42),
		},
		Identity: "ops",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.WaitForOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, OpTransfer, res.Kind)

	// 终态之后随时可查
	got, err := p.GetOperationResult(id)
	require.NoError(t, err)
	assert.Same(t, res, got)
}

func TestPool_GetOperationResultStates(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	cfg := testPoolConfig("http://a")
	cfg.Batch.MinBatchSize = 100 // 留在队列里不派发
	cfg.Batch.MaxBatchSize = 100
	cfg.Batch.BatchTimeout = time.Hour
	p := newStartedPool(t, cfg, dialer)

	// 未知 ID
	_, err := p.GetOperationResult("op-nope")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	// 未决：nil, nil
	id, err := p.SubmitOperation(OperationSpec{
		Kind:     OpTransfer,
		Payload:  TransferPayload{Amount: uint256.NewInt(1)},
		Identity: "ops",
	})
	require.NoError(t, err)
	res, err := p.GetOperationResult(id)
	assert.NoError(t, err)
	assert.Nil(t, res)

	// 取消后终态可查
	assert.True(t, p.CancelOperation(id))
	res, err = p.GetOperationResult(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestPool_SubmitValidation(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	p := newStartedPool(t, testPoolConfig("http://a"), dialer)

	// payload 与 kind 不匹配
	_, err := p.SubmitOperation(OperationSpec{
		Kind:     OpApprove,
		Payload:  TransferPayload{Amount: uint256.NewInt(1)},
		Identity: "ops",
	})
	assert.Error(t, err)

	// 除 raw_tx 外必须带签名身份
	_, err = p.SubmitOperation(OperationSpec{
		Kind:    OpTransfer,
		Payload: TransferPayload{Amount: uint256.NewInt(1)},
	})
	assert.ErrorIs(t, err, ErrSignerRequired)

	// 缺 payload
	_, err = p.SubmitOperation(OperationSpec{Kind: OpTransfer, Identity: "ops"})
	assert.Error(t, err)
}

func TestPool_SubmitBatchAllResolve(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	p := newStartedPool(t, testPoolConfig("http://a"), dialer)

	specs := make([]OperationSpec, 0, 5)
	for i := 0; i < 5; i++ {
		specs = append(specs, OperationSpec{
			Kind:     OpTransfer,
			Payload:  TransferPayload{Amount: uint256.NewInt(uint64(i + 1))},
			Identity: "ops",
		})
	}
	ids, err := p.SubmitBatch(specs)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		res, err := p.WaitForOperation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
	}
}

func TestPool_FailingEndpointTripsAndTrafficContinues(t *testing.T) {
	dialer := newFakeDialer()
	urls := []string{"http://n1", "http://n2", "http://n3", "http://n4", "http://down"}
	for _, u := range urls[:4] {
		dialer.add(u, &fakeNodeClient{})
	}
	dialer.add("http://down", &fakeNodeClient{
		callFn: func(result interface{}, method string, args ...interface{}) error {
			return errors.New("connection refused")
		},
	})
	p := newStartedPool(t, testPoolConfig(urls...), dialer)

	// 坏端点靠重试兜底，所有请求都必须成功
	for i := 0; i < 20; i++ {
		_, err := p.Request(context.Background(), "eth_chainId", nil, nil)
		require.NoError(t, err)
	}

	// 失败率 100% ≥ 阈值 → 熔断打开，后续流量绕开
	assert.Equal(t, BreakerOpen, p.registry.Get("http://down").Breaker().State())
	assert.Equal(t, 4, p.registry.HealthyCount())
}

func TestPool_StatusAndFeeStats(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	p := newStartedPool(t, testPoolConfig("http://a"), dialer)

	status := p.GetStatus()
	assert.Equal(t, 1, status.HealthyEndpoints)
	assert.Equal(t, 0, status.UnhealthyEndpoints)

	p.ObserveFee(uint256.NewInt(1_000_000_000))
	p.ObserveFee(uint256.NewInt(2_000_000_000))
	stats := p.FeeStats()
	assert.Equal(t, uint64(2), stats.SampleCount)
	assert.Equal(t, uint256.NewInt(2_000_000_000), stats.Last)
}

func TestPool_ShutdownRejectsWork(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	cfg := testPoolConfig("http://a")
	p, err := NewPool(cfg, WithDialer(dialer.dial))
	require.NoError(t, err)
	p.Start()
	p.Shutdown()

	_, err = p.Request(context.Background(), "eth_chainId", nil, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)

	_, err = p.SubmitOperation(OperationSpec{
		Kind:     OpTransfer,
		Payload:  TransferPayload{Amount: uint256.NewInt(1)},
		Identity: "ops",
	})
	assert.ErrorIs(t, err, ErrPoolShutdown)

	// 二次关停幂等
	p.Shutdown()
}

func TestPool_EventsPublished(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})
	sink := &collectSink{}
	p := newStartedPool(t, testPoolConfig("http://a"), dialer, WithEventSink(sink))

	id, err := p.SubmitOperation(OperationSpec{
		Kind:     OpTransfer,
		Payload:  TransferPayload{Amount: uint256.NewInt(1)},
		Identity: "ops",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.WaitForOperation(ctx, id)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sink.byType("batch_cut")) > 0 && len(sink.byType("operation_done")) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestPool_JournalHookReceivesTerminalResults(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("http://a", &fakeNodeClient{})

	var mu = make(chan *OperationResult, 1)
	p := newStartedPool(t, testPoolConfig("http://a"), dialer, WithJournal(func(res *OperationResult) {
		select {
		case mu <- res:
		default:
		}
	}))

	id, err := p.SubmitOperation(OperationSpec{
		Kind:     OpTransfer,
		Payload:  TransferPayload{Amount: uint256.NewInt(1)},
		Identity: "ops",
	})
	require.NoError(t, err)

	select {
	case res := <-mu:
		assert.Equal(t, id, res.ID)
		assert.Equal(t, StatusSucceeded, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("journal hook not invoked")
	}
}
