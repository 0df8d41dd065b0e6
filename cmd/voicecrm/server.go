package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BaSui01/voicecrm/config"
	"github.com/BaSui01/voicecrm/internal/server"
	"github.com/BaSui01/voicecrm/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🖥️ 服务运行
// =============================================================================

// poolStatsInterval 连接池指标采样间隔
const poolStatsInterval = 15 * time.Second

// Run 启动业务与指标服务，阻塞到收到 SIGINT/SIGTERM 或任一服务失败
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger, telemetry.WithVersion(Version))
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if providers == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close history store", zap.Error(err))
		}
	}()

	httpManager := server.NewManager("http", app.Handler(ctx), server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	if err := httpManager.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpManager.Serve(gctx) })

	if cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}))
		metricsManager := server.NewManager("metrics", metricsMux, server.Config{
			Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     time.Minute,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
		if err := metricsManager.Listen(); err != nil {
			_ = httpManager.Shutdown(context.Background())
			return err
		}
		g.Go(func() error { return metricsManager.Serve(gctx) })
		logger.Info("metrics server listening", zap.String("addr", metricsManager.Addr()))
	}

	g.Go(func() error { return app.reportPoolStats(gctx, poolStatsInterval) })

	logger.Info("VoiceCRM listening",
		zap.String("addr", httpManager.Addr()),
		zap.String("history_backend", cfg.History.Backend),
		zap.Bool("auth_enabled", cfg.Auth.Enabled()),
	)

	return g.Wait()
}
