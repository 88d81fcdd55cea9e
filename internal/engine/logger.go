package engine

import (
	"log/slog"
	"os"
)

// Logger 全局结构化日志器
var Logger *slog.Logger = slog.Default()

// InitLogger 初始化结构化日志，format 取 "text" 或 "json"
func InitLogger(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "text" {
		// 文本格式，便于开发调试
		Logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	} else {
		// JSON 格式，便于日志收集系统处理
		Logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	slog.SetDefault(Logger)
}

// maskURL 掩码 URL（保护密钥）
func maskURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "..." + url[len(url)-10:]
	}
	return url
}

// LogBreakerStateChange 记录熔断器状态迁移
func LogBreakerStateChange(endpoint string, from, to BreakerState) {
	Logger.Warn("breaker_state_change",
		slog.String("endpoint", maskURL(endpoint)),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// LogEndpointUnhealthy 记录端点标记为不健康
func LogEndpointUnhealthy(endpoint string, failureRate float64, failCount uint64) {
	Logger.Warn("🚨 endpoint_unhealthy",
		slog.String("endpoint", maskURL(endpoint)),
		slog.Float64("failure_rate", failureRate),
		slog.Uint64("fail_count", failCount),
	)
}

// LogEndpointRecovered 记录端点恢复
func LogEndpointRecovered(endpoint string) {
	Logger.Info("✅ endpoint_recovered",
		slog.String("endpoint", maskURL(endpoint)),
	)
}

// LogRetry 记录重试日志
func LogRetry(id string, attempt int, delay string, err error) {
	Logger.Warn("operation_retry",
		slog.String("id", id),
		slog.Int("attempt", attempt),
		slog.String("backoff", delay),
		slog.String("error", err.Error()),
	)
}

// LogBatchCut 记录批次切割
func LogBatchCut(batchID string, size int, reason string) {
	Logger.Info("batch_cut",
		slog.String("batch_id", batchID),
		slog.Int("size", size),
		slog.String("reason", reason),
	)
}

// LogDependencyCycle 记录依赖环
func LogDependencyCycle(batchID string, ids []string) {
	Logger.Error("dependency_cycle_detected",
		slog.String("batch_id", batchID),
		slog.Any("operations", ids),
	)
}

// LogOperationTerminal 记录操作终态
func LogOperationTerminal(id string, status string, attempts int, err error) {
	if err != nil {
		Logger.Warn("operation_terminal",
			slog.String("id", id),
			slog.String("status", status),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return
	}
	Logger.Info("operation_terminal",
		slog.String("id", id),
		slog.String("status", status),
		slog.Int("attempts", attempts),
	)
}

// LogFeePriceAdjusted 记录费价调整
func LogFeePriceAdjusted(base, adjusted string, congestion float64) {
	Logger.Debug("fee_price_adjusted",
		slog.String("base", base),
		slog.String("adjusted", adjusted),
		slog.Float64("congestion", congestion),
	)
}
