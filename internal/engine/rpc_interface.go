package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// NodeClient 定义连接级 RPC 客户端接口，用于测试和生产代码
type NodeClient interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// gethClient combines the raw rpc.Client (arbitrary method calls) with the
// typed ethclient wrapper over the same underlying connection.
type gethClient struct {
	raw *rpc.Client
	eth *ethclient.Client
}

var _ NodeClient = (*gethClient)(nil)

func (c *gethClient) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.raw.CallContext(ctx, result, method, args...)
}

func (c *gethClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

func (c *gethClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

func (c *gethClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *gethClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *gethClient) Close() {
	c.raw.Close()
}

// Dialer opens a NodeClient for an endpoint URL. Swappable in tests.
type Dialer func(ctx context.Context, url string) (NodeClient, error)

// DefaultDialer dials over HTTP(S) or websocket depending on the URL scheme.
func DefaultDialer(ctx context.Context, url string) (NodeClient, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &gethClient{raw: raw, eth: ethclient.NewClient(raw)}, nil
}
