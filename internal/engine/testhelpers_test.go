package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func addr(s string) common.Address { return common.HexToAddress(s) }

// fakeNodeClient 可编程的 NodeClient 测试替身，默认全部成功
type fakeNodeClient struct {
	mu     sync.Mutex
	calls  int
	closed bool

	callFn    func(result interface{}, method string, args ...interface{}) error
	headerFn  func(number *big.Int) (*types.Header, error)
	suggestFn func() (*big.Int, error)
	nonceFn   func(account common.Address) (uint64, error)
	sendFn    func(tx *types.Transaction) error
}

func (f *fakeNodeClient) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	f.calls++
	fn := f.callFn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		return fn(result, method, args...)
	}
	return nil
}

func (f *fakeNodeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	f.calls++
	fn := f.headerFn
	f.mu.Unlock()
	if fn != nil {
		return fn(number)
	}
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (f *fakeNodeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	fn := f.suggestFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return big.NewInt(1_000_000_000), nil // 1 gwei
}

func (f *fakeNodeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	fn := f.nonceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(account)
	}
	return 0, nil
}

func (f *fakeNodeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(tx)
	}
	return nil
}

func (f *fakeNodeClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeNodeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDialer 按 URL 分发预置客户端；未注册的 URL 拒绝连接
type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeNodeClient
	dials   map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		clients: make(map[string]*fakeNodeClient),
		dials:   make(map[string]int),
	}
}

func (d *fakeDialer) add(url string, client *fakeNodeClient) *fakeNodeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[url] = client
	return client
}

func (d *fakeDialer) dial(ctx context.Context, url string) (NodeClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[url]++
	client, ok := d.clients[url]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return client, nil
}

func (d *fakeDialer) dialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

// collectSink 线程安全地收集池事件
type collectSink struct {
	mu     sync.Mutex
	events []PoolEvent
}

func (s *collectSink) Publish(ev PoolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *collectSink) byType(eventType string) []PoolEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PoolEvent
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
