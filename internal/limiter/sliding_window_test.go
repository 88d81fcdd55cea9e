package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_AllowUpToLimit(t *testing.T) {
	s := NewSlidingWindowLimiter(3, time.Minute)

	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	// 第 4 个请求超出窗口配额
	assert.False(t, s.Allow())

	assert.Equal(t, 3, s.QuotaUsed())
	assert.Equal(t, 0, s.QuotaRemaining())
}

func TestSlidingWindow_EvictionFreesQuota(t *testing.T) {
	s := NewSlidingWindowLimiter(2, 50*time.Millisecond)

	require.True(t, s.Allow())
	require.True(t, s.Allow())
	require.False(t, s.Allow())

	// 窗口滑过后，旧时间戳被驱逐，配额回收
	assert.Eventually(t, s.Allow, time.Second, 10*time.Millisecond)
}

func TestSlidingWindow_UsageFraction(t *testing.T) {
	s := NewSlidingWindowLimiter(4, time.Minute)
	assert.Equal(t, 0.0, s.UsageFraction())

	s.Allow()
	s.Allow()
	assert.InDelta(t, 0.5, s.UsageFraction(), 1e-9)

	s.Allow()
	s.Allow()
	assert.InDelta(t, 1.0, s.UsageFraction(), 1e-9)
}

func TestSlidingWindow_ThrottleModes(t *testing.T) {
	s := NewSlidingWindowLimiter(10, time.Minute)

	// < 50%：全速
	for i := 0; i < 4; i++ {
		require.True(t, s.Allow())
	}
	assert.Equal(t, ThrottleAggressive, s.CurrentMode())
	assert.Equal(t, 20.0, s.RecommendedRPS(20))

	// 50–80%：线性降速（0.6 用量 → scale 0.7）
	require.True(t, s.Allow())
	require.True(t, s.Allow())
	assert.Equal(t, ThrottleBalanced, s.CurrentMode())
	assert.InDelta(t, 14.0, s.RecommendedRPS(20), 1e-9)

	// ≥ 80%：Eco 心跳档，10% of max
	require.True(t, s.Allow())
	require.True(t, s.Allow())
	assert.Equal(t, ThrottleEco, s.CurrentMode())
	assert.InDelta(t, 2.0, s.RecommendedRPS(20), 1e-9)
}

func TestSlidingWindow_WaitBlocksUntilCancelled(t *testing.T) {
	s := NewSlidingWindowLimiter(1, time.Minute)
	require.NoError(t, s.Wait(context.Background()))

	// 配额满，Wait 必须可被取消
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlidingWindow_WaitResumesAfterWindow(t *testing.T) {
	s := NewSlidingWindowLimiter(1, 40*time.Millisecond)
	require.NoError(t, s.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, s.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSlidingWindow_WindowResetIn(t *testing.T) {
	s := NewSlidingWindowLimiter(5, time.Minute)
	assert.Equal(t, time.Duration(0), s.WindowResetIn())

	s.Allow()
	reset := s.WindowResetIn()
	assert.Greater(t, reset, 59*time.Second)
	assert.LessOrEqual(t, reset, time.Minute)
}
