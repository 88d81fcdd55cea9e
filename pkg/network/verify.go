package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNetworkMismatch 端点接在了非预期的链上
var ErrNetworkMismatch = errors.New("network mismatch")

// 预定义的网络 ID（常量）
const (
	MainnetChainID = 1
	SepoliaChainID = 11155111
	AnvilChainID   = 31337
	GoerliChainID  = 5
	HoleskyChainID = 17000
)

// Name 返回 Chain ID 对应的网络名称
func Name(chainID int64) string {
	switch chainID {
	case MainnetChainID:
		return "Ethereum Mainnet"
	case SepoliaChainID:
		return "Sepolia Testnet"
	case AnvilChainID:
		return "Anvil Local"
	case GoerliChainID:
		return "Goerli Testnet"
	case HoleskyChainID:
		return "Holesky Testnet"
	default:
		return fmt.Sprintf("Unknown Network (Chain ID: %d)", chainID)
	}
}

// VerifyEndpoint 校验单个 RPC 端点的 Chain ID
// 如果与预期不符或获取失败，返回 error
func VerifyEndpoint(ctx context.Context, url string, expectedChainID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer client.Close()

	actualChainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}

	if actualChainID.Cmp(big.NewInt(expectedChainID)) != 0 {
		slog.Error("🛑 [SECURITY ALERT] 网络配置冲突！",
			"expected", fmt.Sprintf("%s (ID: %d)", Name(expectedChainID), expectedChainID),
			"actual", fmt.Sprintf("%s (ID: %d)", Name(actualChainID.Int64()), actualChainID.Int64()),
			"impact", "错链签名风险",
		)
		return fmt.Errorf("%w: expected %d, got %d", ErrNetworkMismatch, expectedChainID, actualChainID.Int64())
	}
	return nil
}

// VerifyEndpoints 启动前校验所有配置端点的 Chain ID。
// 单个端点不可达只警告（池靠熔断兜底）；任何一个端点接错链则整体失败，
// 避免签名后的交易落到错误网络。
func VerifyEndpoints(ctx context.Context, urls []string, expectedChainID int64) error {
	slog.Info("📡 网络校验中...",
		"expected_chain_id", expectedChainID,
		"expected_network", Name(expectedChainID),
		"endpoints", len(urls),
	)

	reachable := 0
	for _, url := range urls {
		if err := VerifyEndpoint(ctx, url, expectedChainID); err != nil {
			if errors.Is(err, ErrNetworkMismatch) {
				return fmt.Errorf("endpoint %s: %w", url, err)
			}
			slog.Warn("⚠️  端点预检不可达，留给熔断器处理", "url", url, "error", err.Error())
			continue
		}
		reachable++
	}

	if reachable == 0 {
		return fmt.Errorf("no endpoint reachable during preflight (%d configured)", len(urls))
	}
	slog.Info("✅ 网络校验通过，环境匹配",
		"network", Name(expectedChainID),
		"chain_id", expectedChainID,
		"reachable", reachable,
	)
	return nil
}
