package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/brokerflow/api/handlers"
	"github.com/BaSui01/brokerflow/config"
	"github.com/BaSui01/brokerflow/internal/metrics"
	"github.com/BaSui01/brokerflow/internal/server"
	"github.com/BaSui01/brokerflow/internal/telemetry"
)

// 不需要认证的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// =============================================================================
// 🌐 路由
// =============================================================================

// newRouter 注册所有路由并套上中间件链
func newRouter(a *App, version string) http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", a.health.HandleHealth)
	mux.HandleFunc("GET /healthz", a.health.HandleHealth)
	mux.HandleFunc("GET /ready", a.health.HandleReady)
	mux.HandleFunc("GET /readyz", a.health.HandleReady)
	mux.HandleFunc("GET /version", a.health.HandleVersion(version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	// 工作流 API
	handlers.NewWorkflowHandler(a.orch, a.bus, a.cfg.Server.AllowedOrigins, a.logger).Register(mux)

	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(a.logger),
		MetricsMiddleware(a.collector),
		OTelTracing(),
		CORS(a.cfg.Server.AllowedOrigins),
		RateLimiter(a.runContext(), a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst),
		JWTAuth(a.cfg.Server.JWTSecret, publicPaths, a.logger),
	)
}

// =============================================================================
// 🖥️ serve
// =============================================================================

// serve 装配并运行服务，直到 ctx 结束
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if providers == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("brokerflow", logger)
	app, err := NewApp(cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("assemble components: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if err := app.Start(ctx); err != nil {
		return err
	}

	httpManager := server.NewManager(app.Handler(Version), server.ConfigFrom(cfg.Server), logger)
	if err := httpManager.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	logger.Info("BrokerFlow started", zap.String("addr", httpManager.Addr()))

	return httpManager.Wait(ctx)
}
