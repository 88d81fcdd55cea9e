package limiter

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// 🛡️ 工业级硬编码保护
const (
	// MaxSafetyRPS 单端点绝对安全上限：商业 Provider 免费档普遍在 25-30 RPS 封顶
	MaxSafetyRPS     = 25.0
	DefaultBurstSize = 2
)

// RateLimiter 端点级速率限制器，带有工业级安全保护
type RateLimiter struct {
	limiter *rate.Limiter
	maxRPS  float64 // 记录配置的 RPS（用于审计）
}

// NewRateLimiter 创建一个新的限流器
// rps <= 0 表示不限速；超过硬编码上限则强制降级
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		return &RateLimiter{
			limiter: rate.NewLimiter(rate.Inf, 0),
			maxRPS:  0,
		}
	}

	// 核心安全审计：如果外部传入的值超过了硬编码上限，强制降级
	if rps > MaxSafetyRPS {
		slog.Warn("⚠️  Unsafe RPS config detected, forcing safe threshold",
			"requested_rps", rps,
			"forced_rps", MaxSafetyRPS,
			"reason", "commercial_quota_protection")
		rps = MaxSafetyRPS
	}

	burst := int(rps)
	if burst < DefaultBurstSize {
		burst = DefaultBurstSize
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		maxRPS:  rps,
	}
}

// Wait 阻塞直到获取令牌（或上下文取消）
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// MaxRPS 返回当前配置的最大 RPS（用于监控）
func (rl *RateLimiter) MaxRPS() float64 {
	return rl.maxRPS
}

// SetLimit 动态调整限速
func (rl *RateLimiter) SetLimit(rps float64, burst int) {
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
	rl.maxRPS = rps
}

// Limiter 返回内部 rate.Limiter 实例（用于兼容现有代码）
func (rl *RateLimiter) Limiter() *rate.Limiter {
	return rl.limiter
}
