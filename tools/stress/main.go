package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"web3-txpool-go/internal/config"
	"web3-txpool-go/internal/engine"
)

// 只读路径压测器：用真实配置拉起一个池，并发打 eth_blockNumber，
// 观察选路/熔断/限流在高压下的表现
func main() {
	workers := flag.Int("workers", 32, "concurrent request workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	method := flag.String("method", "eth_blockNumber", "JSON-RPC method to hammer")
	flag.Parse()

	fmt.Println("🚀 Initializing Read-Path Stress Tester")

	// Use a quiet logger to avoid I/O bottlenecks during stress test
	engine.InitLogger("error", "text")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Println("❌ Config Error:", err)
		return
	}

	pool, err := engine.NewPool(cfg.PoolConfig())
	if err != nil {
		fmt.Println("❌ Pool Error:", err)
		return
	}
	pool.Start()
	defer pool.Shutdown()

	var ok, failed atomic.Int64
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				current := ok.Load()
				status := pool.GetStatus()
				fmt.Printf("📊 Metrics: OK=%d, Failed=%d, RPS=%.2f, Healthy=%d, ActiveConns=%d\n",
					current, failed.Load(), float64(current)/elapsed,
					status.HealthyEndpoints, status.ActiveConnections)
			}
		}
	}()

	fmt.Printf("⚡ Starting Load Injection: %d workers, %s, method=%s\n", *workers, *duration, *method)

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := pool.Request(ctx, *method, nil, nil); err != nil {
					failed.Add(1)
					continue
				}
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	totalTime := time.Since(startTime)
	fmt.Printf("🏁 Stress Test Completed!\nTotal OK: %d\nTotal Failed: %d\nTotal Time: %v\nAverage RPS: %.2f\n",
		ok.Load(), failed.Load(), totalTime, float64(ok.Load())/totalTime.Seconds())
}
