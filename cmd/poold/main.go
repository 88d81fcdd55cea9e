package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"web3-txpool-go/internal/config"
	"web3-txpool-go/internal/engine"
	"web3-txpool-go/internal/journal"
	"web3-txpool-go/internal/web"
	"web3-txpool-go/pkg/network"

	_ "github.com/jackc/pgx/v5/stdlib" // PGX Driver
	"github.com/jmoiron/sqlx"
)

func main() {
	log.Println("Starting Web3 TxPool - Resilient RPC Endpoint Pool")

	// 1. 加载配置
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config Error: %v", err)
	}
	engine.InitLogger(cfg.LogLevel, cfg.LogFormat)

	// 2. 启动前校验端点没接错链（错链签名是不可逆事故）
	if err := network.VerifyEndpoints(context.Background(), cfg.RPCURLs, cfg.ChainID); err != nil {
		log.Fatalf("Network Preflight Error: %v", err)
	}

	// 3. 可选：终态流水归档（只追加，池从不读回）
	var opts []engine.PoolOption
	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("DB Connect Error: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)

		jrn := journal.New(db)
		migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := jrn.Migrate(migrateCtx); err != nil {
			cancel()
			log.Fatalf("Journal Migrate Error: %v", err)
		}
		cancel()
		slog.Info("journal_enabled")

		opts = append(opts, engine.WithJournal(func(res *engine.OperationResult) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := jrn.Append(ctx, res); err != nil {
				slog.Warn("journal_append_error", "id", res.ID, "error", err.Error())
			}
		}))
	}

	// 4. WebSocket 事件推送（节流聚合）
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := web.NewThrottledHub(200 * time.Millisecond)
	go hub.RunWithThrottling(hubCtx)
	opts = append(opts, engine.WithEventSink(hub))

	// 5. 装配并启动池
	pool, err := engine.NewPool(cfg.PoolConfig(), opts...)
	if err != nil {
		log.Fatalf("Pool Init Error: %v", err)
	}
	pool.Start()

	// 6. HTTP API + Prometheus 指标
	server := NewServer(pool, hub, cfg.ListenAddr)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("server_stopped", "error", err.Error())
		}
	}()

	// 7. 优雅退出处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %v, initiating shutdown...", sig)

	pool.Shutdown()
	hubCancel()
	log.Println("Shutdown complete.")
}
