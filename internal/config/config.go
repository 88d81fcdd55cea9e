package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"

	"web3-txpool-go/internal/engine"
)

type Config struct {
	RPCURLs []string // 支持多个RPC URL
	ChainID int64

	MaxConnectionsPerEndpoint int
	ConnectionTimeout         time.Duration
	RequestTimeout            time.Duration

	MaxRetries             int
	RetryBaseDelay         time.Duration
	RetryBackoffMultiplier float64

	LoadBalancingStrategy string

	CircuitBreakerThreshold float64
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration

	NodeRPS            float64
	NodeQuotaPerMin    int
	DailyQuota         int64
	EndpointsBatchCall bool

	MinBatchSize         int
	MaxBatchSize         int
	BatchTimeout         time.Duration
	MaxConcurrentBatches int

	PriceMultiplier       float64
	CongestionSensitivity float64
	MaxPriceWei           *uint256.Int
	PriorityBoostWei      *uint256.Int
	PriceHistorySize      int
	FeeRefreshInterval    time.Duration

	SignerKeys map[string]string // name → hex private key

	DatabaseURL string // 可选：终态流水归档
	ListenAddr  string
	LogLevel    string
	LogFormat   string
}

func Load() *Config {
	_ = godotenv.Load() // .env文件是可选的

	// 解析RPC URL列表（支持逗号分隔）
	rpcUrlsStr := getEnv("RPC_URLS", "https://eth.llamarpc.com")
	rpcUrls := strings.Split(rpcUrlsStr, ",")
	for i, url := range rpcUrls {
		rpcUrls[i] = strings.TrimSpace(url)
	}

	return &Config{
		RPCURLs: rpcUrls,
		ChainID: getEnvAsInt64("CHAIN_ID", 1),

		MaxConnectionsPerEndpoint: int(getEnvAsInt64("MAX_CONNECTIONS_PER_ENDPOINT", 5)),
		ConnectionTimeout:         getEnvAsSeconds("CONNECTION_TIMEOUT_SECONDS", 10),
		RequestTimeout:            getEnvAsSeconds("REQUEST_TIMEOUT_SECONDS", 10),

		MaxRetries:             int(getEnvAsInt64("MAX_RETRIES", 3)),
		RetryBaseDelay:         time.Duration(getEnvAsInt64("RETRY_BASE_DELAY_MS", 100)) * time.Millisecond,
		RetryBackoffMultiplier: getEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),

		LoadBalancingStrategy: getEnv("LOAD_BALANCING_STRATEGY", "composite"),

		CircuitBreakerThreshold: getEnvAsFloat("CIRCUIT_BREAKER_THRESHOLD", 0.5),
		CircuitBreakerTimeout:   getEnvAsSeconds("CIRCUIT_BREAKER_TIMEOUT_SECONDS", 30),
		HealthCheckInterval:     getEnvAsSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 15),

		NodeRPS:            getEnvAsFloat("NODE_RPS", 0),
		NodeQuotaPerMin:    int(getEnvAsInt64("NODE_QUOTA_PER_MIN", 0)),
		DailyQuota:         getEnvAsInt64("DAILY_QUOTA", 0),
		EndpointsBatchCall: getEnvAsBool("ENDPOINTS_BATCH_CALL", false),

		MinBatchSize:         int(getEnvAsInt64("MIN_BATCH_SIZE", 1)),
		MaxBatchSize:         int(getEnvAsInt64("MAX_BATCH_SIZE", 10)),
		BatchTimeout:         time.Duration(getEnvAsInt64("BATCH_TIMEOUT_MS", 200)) * time.Millisecond,
		MaxConcurrentBatches: int(getEnvAsInt64("MAX_CONCURRENT_BATCHES", 4)),

		PriceMultiplier:       getEnvAsFloat("PRICE_MULTIPLIER", 1.1),
		CongestionSensitivity: getEnvAsFloat("CONGESTION_SENSITIVITY", 0.5),
		MaxPriceWei:           getEnvAsWei("MAX_PRICE_WEI"),
		PriorityBoostWei:      getEnvAsWei("PRIORITY_BOOST_WEI"),
		PriceHistorySize:      int(getEnvAsInt64("PRICE_HISTORY_SIZE", 50)),
		FeeRefreshInterval:    getEnvAsSeconds("FEE_REFRESH_INTERVAL_SECONDS", 30),

		SignerKeys: parseSignerKeys(getEnv("SIGNER_KEYS", "")),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
}

// PoolConfig lowers the env-level config into the engine's typed config.
func (c *Config) PoolConfig() engine.PoolConfig {
	return engine.PoolConfig{
		Endpoints: c.RPCURLs,
		ChainID:   c.ChainID,

		MaxConnectionsPerEndpoint: c.MaxConnectionsPerEndpoint,
		ConnectionTimeout:         c.ConnectionTimeout,
		RequestTimeout:            c.RequestTimeout,

		MaxRetries:             c.MaxRetries,
		RetryBaseDelay:         c.RetryBaseDelay,
		RetryBackoffMultiplier: c.RetryBackoffMultiplier,

		LoadBalancingStrategy: engine.Strategy(c.LoadBalancingStrategy),

		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   c.CircuitBreakerTimeout,
		HealthCheckInterval:     c.HealthCheckInterval,

		NodeRPS:            c.NodeRPS,
		NodeQuotaPerMin:    c.NodeQuotaPerMin,
		DailyQuota:         c.DailyQuota,
		EndpointsBatchCall: c.EndpointsBatchCall,

		Batch: engine.BatcherConfig{
			MinBatchSize:         c.MinBatchSize,
			MaxBatchSize:         c.MaxBatchSize,
			BatchTimeout:         c.BatchTimeout,
			MaxConcurrentBatches: c.MaxConcurrentBatches,
		},

		PriceMultiplier:       c.PriceMultiplier,
		CongestionSensitivity: c.CongestionSensitivity,
		MaxPriceWei:           c.MaxPriceWei,
		PriorityBoostWei:      c.PriorityBoostWei,
		PriceHistorySize:      c.PriceHistorySize,
		FeeRefreshInterval:    c.FeeRefreshInterval,

		SignerKeys: c.SignerKeys,
	}
}

// parseSignerKeys 解析 "name1:hexkey1,name2:hexkey2" 格式
func parseSignerKeys(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("Invalid SIGNER_KEYS entry %q, skipping", pair)
			continue
		}
		keys[parts[0]] = parts[1]
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		log.Printf("Invalid %s: %s, using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid %s: %s, using default %g", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid %s: %s, using default %v", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultSeconds int64) time.Duration {
	return time.Duration(getEnvAsInt64(key, defaultSeconds)) * time.Second
}

// getEnvAsWei 解析十进制 wei 数值，空或非法时返回 nil（不设上限）
func getEnvAsWei(key string) *uint256.Int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	u, err := uint256.FromDecimal(valueStr)
	if err != nil {
		log.Printf("Invalid %s: %s, ignoring", key, valueStr)
		return nil
	}
	return u
}

// Validate rejects configurations the pool cannot start with.
func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("RPC_URLS must list at least one endpoint")
	}
	if c.MinBatchSize > c.MaxBatchSize {
		return fmt.Errorf("MIN_BATCH_SIZE (%d) exceeds MAX_BATCH_SIZE (%d)", c.MinBatchSize, c.MaxBatchSize)
	}
	return nil
}
