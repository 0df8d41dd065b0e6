package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/voicecrm/api/handlers"
	"github.com/BaSui01/voicecrm/config"
	"github.com/BaSui01/voicecrm/internal/database"
	"github.com/BaSui01/voicecrm/internal/metrics"
	"github.com/BaSui01/voicecrm/llm/dashscope"
	"github.com/BaSui01/voicecrm/types"
	"github.com/BaSui01/voicecrm/voice/asr"
	"github.com/BaSui01/voicecrm/voice/audio"
	"github.com/BaSui01/voicecrm/voice/history"
	"github.com/BaSui01/voicecrm/voice/pipeline"
	"github.com/BaSui01/voicecrm/voice/token"
	"github.com/BaSui01/voicecrm/voice/tts"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 组件装配
// =============================================================================

// App 持有一次运行所需的全部组件
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector

	asrTokens  *token.Manager
	ttsTokens  *token.Manager
	normalizer *audio.Normalizer
	pipeline   *pipeline.Orchestrator
	tts        *tts.Client
	history    history.Store

	voiceHandler  *handlers.VoiceHandler
	streamHandler *handlers.StreamHandler
	healthHandler *handlers.HealthHandler
}

// NewApp 按配置装配各组件，不发起任何网络调用（sql/redis 历史后端除外）
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("voicecrm", registry, logger)

	store, err := history.Open(ctx, cfg.History, cfg.Redis, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		collector: collector,
		history:   store,
	}
	a.initPipeline()
	a.initHandlers()
	return a, nil
}

func (a *App) initPipeline() {
	cfg, logger := a.cfg, a.logger
	stats := pipeline.NewStats()
	observer := types.Observers{stats, a.collector}

	tokenCfg := token.Config{
		Endpoint:      cfg.Token.Endpoint,
		RegionID:      cfg.Token.RegionID,
		RefreshMargin: cfg.Token.RefreshMargin,
		Timeout:       cfg.Token.Timeout,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		RetryDelay:    cfg.Retry.InitialDelay,
	}
	a.asrTokens = token.NewManager("asr", token.Credentials{
		AccessKeyID:     cfg.ASR.AccessKeyID,
		AccessKeySecret: cfg.ASR.AccessKeySecret,
		AppKey:          cfg.ASR.AppKey,
	}, tokenCfg, logger, token.WithRefreshRecorder(a.collector))
	a.ttsTokens = token.NewManager("tts", token.Credentials{
		AccessKeyID:     cfg.TTS.AccessKeyID,
		AccessKeySecret: cfg.TTS.AccessKeySecret,
		AppKey:          cfg.TTS.AppKey,
	}, tokenCfg, logger, token.WithRefreshRecorder(a.collector))

	a.normalizer = audio.NewDefaultNormalizer(audio.Config{
		FFmpegPath:     cfg.Audio.FFmpegPath,
		ConvertTimeout: cfg.Audio.ConvertTimeout,
		DisableFFmpeg:  cfg.Audio.DisableFFmpeg,
	}, logger)
	a.normalizer.SetRecorder(a.collector)

	recognizer := asr.NewClient(asr.Config{
		Endpoint:                 cfg.ASR.Endpoint,
		AppKey:                   cfg.ASR.AppKey,
		Format:                   cfg.ASR.Format,
		SampleRate:               cfg.ASR.SampleRate,
		EnablePunctuation:        cfg.ASR.EnablePunctuation,
		EnableInverseNormalizing: cfg.ASR.EnableITN,
		Timeout:                  cfg.ASR.Timeout,
		MaxAttempts:              cfg.Retry.MaxAttempts,
		RetryDelay:               cfg.Retry.InitialDelay,
	}, a.asrTokens, a.normalizer, logger, asr.WithObserver(observer))

	generator := dashscope.NewClient(dashscope.Config{
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		Timeout:       cfg.LLM.Timeout,
		StreamTimeout: cfg.LLM.StreamTimeout,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		RetryDelay:    cfg.Retry.InitialDelay,
	}, logger, dashscope.WithObserver(observer))

	a.tts = tts.NewClient(tts.Config{
		Endpoint:      cfg.TTS.Endpoint,
		AppKey:        cfg.TTS.AppKey,
		Voice:         cfg.TTS.Voice,
		Format:        cfg.TTS.Format,
		SampleRate:    cfg.TTS.SampleRate,
		Timeout:       cfg.TTS.Timeout,
		StreamTimeout: cfg.TTS.StreamTimeout,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		RetryDelay:    cfg.Retry.InitialDelay,
	}, a.ttsTokens, logger, tts.WithObserver(observer))

	a.pipeline = pipeline.New(recognizer, generator, a.tts, logger,
		pipeline.WithStats(stats),
		pipeline.WithMetrics(a.collector),
		pipeline.WithSystemPrompts(cfg.Pipeline.SystemPrompt, cfg.Pipeline.StreamSystemPrompt),
		pipeline.WithFFmpegProbe(a.ffmpegAvailable),
	)
}

func (a *App) initHandlers() {
	cfg := a.cfg
	a.voiceHandler = handlers.NewVoiceHandler(a.pipeline, a.logger,
		handlers.WithHistory(a.history, cfg.History.Limit),
		handlers.WithSynthesizer(a.tts),
		handlers.WithUploadLimits(cfg.Audio.MinUploadBytes, cfg.Server.MaxUploadBytes),
		handlers.WithAudioFormat(cfg.TTS.Format),
	)

	streamCfg := handlers.DefaultStreamConfig()
	streamCfg.MaxAudioBytes = cfg.Server.MaxUploadBytes
	a.streamHandler = handlers.NewStreamHandler(a.pipeline, streamCfg, a.logger)

	a.healthHandler = handlers.NewHealthHandler(a.logger)
	a.healthHandler.RegisterCheck(handlers.NewCheck("history", a.history.Ping))
	a.healthHandler.RegisterCheck(handlers.NewOptionalCheck("ffmpeg", func(context.Context) error {
		if !a.ffmpegAvailable() {
			return fmt.Errorf("ffmpeg not available, using software normalization")
		}
		return nil
	}))
	a.healthHandler.RegisterCheck(handlers.NewOptionalCheck("credentials", func(context.Context) error {
		caps := a.pipeline.Capabilities()
		if !caps.Recognition || !caps.Generation || !caps.Synthesis {
			return fmt.Errorf("recognition=%t generation=%t synthesis=%t",
				caps.Recognition, caps.Generation, caps.Synthesis)
		}
		return nil
	}))
}

func (a *App) ffmpegAvailable() bool {
	for _, c := range a.normalizer.Converters() {
		if c.Name() == "ffmpeg" {
			return c.Available()
		}
	}
	return false
}

// =============================================================================
// 🌐 路由
// =============================================================================

// skipAuthPaths 探针与版本信息不需要认证
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/version"}

// Handler 返回挂载全部中间件的业务路由
func (a *App) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", a.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", a.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", a.healthHandler.HandleReady)
	mux.HandleFunc("/version", a.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/api/v1/voice/process", a.voiceHandler.HandleProcess)
	mux.HandleFunc("/api/v1/voice/stats", a.voiceHandler.HandleStats)
	mux.HandleFunc("/api/v1/voice/capabilities", a.voiceHandler.HandleCapabilities)
	mux.HandleFunc("/api/v1/voice/history/{session_id}", a.voiceHandler.HandleHistory)
	mux.HandleFunc("/api/v1/tts", a.voiceHandler.HandleSynthesize)
	mux.Handle("/api/v1/voice/stream", a.streamHandler)

	if !a.cfg.Auth.Enabled() {
		a.logger.Warn("authentication disabled, set auth.api_keys or auth.jwt_secret in production")
	}

	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(a.collector),
		RequestLogger(a.logger),
		RateLimiter(ctx, float64(a.cfg.Server.RateLimitRPS), a.cfg.Server.RateLimitBurst, a.logger),
		Authenticate(a.cfg.Auth, skipAuthPaths, a.logger),
	)
}

// =============================================================================
// 🔧 后台任务
// =============================================================================

// poolReporter 暴露连接池统计的历史存储
type poolReporter interface {
	PoolStats() database.PoolStats
}

// reportPoolStats 周期采样 sql 历史后端的连接池，直到 ctx 结束
func (a *App) reportPoolStats(ctx context.Context, interval time.Duration) error {
	reporter, ok := a.history.(poolReporter)
	if !ok {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s := reporter.PoolStats()
		a.collector.RecordDBConnections(a.cfg.Database.Driver, s.OpenConnections, s.Idle)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close 释放历史存储
func (a *App) Close() error {
	return a.history.Close()
}
