package engine

import (
	"context"
	"errors"
	"strings"
)

// 错误分类体系：调用方根据错误种类决定是否可以重新提交
var (
	// ErrNoHealthyEndpoint 所有端点熔断或不健康
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")
	// ErrPoolSaturated 连接池饱和，等待超时
	ErrPoolSaturated = errors.New("connection pool saturated")
	// ErrConnectionTimeout 建立连接超时
	ErrConnectionTimeout = errors.New("connection timed out")
	// ErrRequestTimeout 单次请求超时
	ErrRequestTimeout = errors.New("request timed out")
	// ErrDeadlineExceeded 操作整体截止时间已过
	ErrDeadlineExceeded = errors.New("operation deadline exceeded")
	// ErrDependencyCycle 批次内依赖成环
	ErrDependencyCycle = errors.New("dependency cycle detected")
	// ErrOperationCancelled 操作在派发前被取消
	ErrOperationCancelled = errors.New("operation cancelled")
	// ErrPoolShutdown 池已关闭，未完成操作以此错误终结
	ErrPoolShutdown = errors.New("pool shut down")
	// ErrRetriesExhausted 重试次数耗尽
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrUnknownOperation 查询/取消了不存在的操作 ID
	ErrUnknownOperation = errors.New("unknown operation id")
	// ErrSignerRequired 写连接缺少签名身份
	ErrSignerRequired = errors.New("write connection requires a signing identity")
	// ErrQuotaExhausted 本地分钟级配额窗口耗尽，换端点即可，无需长冷却
	ErrQuotaExhausted = errors.New("endpoint minute quota exhausted")
)

// ErrorClass groups remote errors by how the retry engine must treat them.
type ErrorClass int

const (
	// ClassRetryable transient network/ordering/pricing errors, retried with backoff
	ClassRetryable ErrorClass = iota
	// ClassRateLimited provider quota exceeded; retried, but the endpoint gets a long cooldown
	ClassRateLimited
	// ClassFatal malformed call, revert, signature failure; surfaced immediately
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// 远端错误没有统一错误码，只能按 Provider 返回的文本匹配
var rateLimitMarkers = []string{
	"429",
	"too many requests",
	"limit exceeded",
	"quota",
}

var retryableMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"no such host",
	"temporarily unavailable",
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"service unavailable",
	"bad gateway",
}

var fatalMarkers = []string{
	"execution reverted",
	"invalid argument",
	"invalid params",
	"method not found",
	"insufficient funds",
	"invalid signature",
	"invalid sender",
	"gas limit reached",
	"exceeds block gas limit",
	"intrinsic gas too low",
}

// Classify maps a remote/transport error onto the retry taxonomy.
// Local sentinel errors keep their own semantics and are handled before
// classification; everything unrecognized defaults to retryable, matching
// the pool's bias towards failover over hard failure.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassRetryable
	}

	// 本地配置错误：重试换端点救不了缺失的签名身份
	if errors.Is(err, ErrSignerRequired) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrConnectionTimeout) || errors.Is(err, ErrPoolSaturated) ||
		errors.Is(err, ErrQuotaExhausted) {
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())

	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return ClassFatal
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return ClassRateLimited
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return ClassRetryable
		}
	}

	return ClassRetryable
}

// IsRetryable reports whether the executor may schedule another attempt.
func IsRetryable(err error) bool {
	return Classify(err) != ClassFatal
}
