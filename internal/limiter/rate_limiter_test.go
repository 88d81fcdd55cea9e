package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimiter_UnlimitedWhenZero(t *testing.T) {
	rl := NewRateLimiter(0)
	assert.Equal(t, 0.0, rl.MaxRPS())
	assert.Equal(t, rate.Inf, rl.Limiter().Limit())

	// 不限速时 Wait 不阻塞
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
}

func TestRateLimiter_ForcesSafetyThreshold(t *testing.T) {
	// 超过硬编码上限的配置被强制降级
	rl := NewRateLimiter(1000)
	assert.Equal(t, MaxSafetyRPS, rl.MaxRPS())
	assert.Equal(t, rate.Limit(MaxSafetyRPS), rl.Limiter().Limit())
}

func TestRateLimiter_KeepsSafeConfig(t *testing.T) {
	rl := NewRateLimiter(10)
	assert.Equal(t, 10.0, rl.MaxRPS())
	assert.Equal(t, 10, rl.Limiter().Burst())
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	// RPS 1 的极低配置也保底 burst=2，避免完全串行
	rl := NewRateLimiter(1)
	assert.Equal(t, DefaultBurstSize, rl.Limiter().Burst())
}

func TestRateLimiter_SetLimit(t *testing.T) {
	rl := NewRateLimiter(10)
	rl.SetLimit(5, 3)
	assert.Equal(t, 5.0, rl.MaxRPS())
	assert.Equal(t, rate.Limit(5), rl.Limiter().Limit())
	assert.Equal(t, 3, rl.Limiter().Burst())
}

func TestRateLimiter_WaitHonoursCancel(t *testing.T) {
	rl := NewRateLimiter(1)
	// 耗尽 burst
	require.NoError(t, rl.Wait(context.Background()))
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}
