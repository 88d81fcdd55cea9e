package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"web3-txpool-go/internal/engine"
	"web3-txpool-go/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 包装 HTTP 服务
type Server struct {
	pool  *engine.Pool
	wsHub *web.ThrottledHub
	addr  string
}

func NewServer(pool *engine.Pool, wsHub *web.ThrottledHub, addr string) *Server {
	return &Server{
		pool:  pool,
		wsHub: wsHub,
		addr:  addr,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	// 存活探针
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := s.pool.GetStatus()
		if status.HealthyEndpoints == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"reason": "no healthy endpoint",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	// 池即时状态
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.pool.GetStatus())
	})

	// 聚合指标快照（JSON 视图，与 /metrics 的 Prometheus 视图并存）
	mux.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.pool.GetMetrics())
	})

	// 费价统计
	mux.HandleFunc("/api/fees", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.pool.FeeStats())
	})

	// WebSocket 节流统计
	mux.HandleFunc("/api/ws/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.wsHub.GetStats())
	})

	// 实时事件推送
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.wsHub.HandleWS(w, r)
	})

	// Prometheus 指标
	mux.Handle("/metrics", promhttp.Handler())

	slog.Info("🌐 Server listening", "addr", s.addr)
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api_encode_error", "error", err.Error())
	}
}
