// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/BaSui01/voicecrm/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 语音链路指标
	stageTotal         *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	// 服务请求与重试
	providerAttempts *prometheus.CounterVec
	providerRetries  *prometheus.CounterVec

	// 令牌与音频
	tokenRefreshTotal    *prometheus.CounterVec
	tokenRefreshDuration *prometheus.HistogramVec
	normalizationTotal   *prometheus.CounterVec
	normalizationLatency *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 在 reg 上注册全部指标；reg 为空时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 语音链路指标
	c.stageTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_total",
			Help:      "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	c.invocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_invocations_total",
			Help:      "Total number of pipeline invocations",
		},
		[]string{"mode", "status"},
	)

	c.invocationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_invocation_duration_seconds",
			Help:      "End-to-end pipeline duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	c.providerAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Total number of requests sent to cloud services",
		},
		[]string{"stage"},
	)

	c.providerRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Total number of retried cloud service requests",
		},
		[]string{"stage", "attempt"},
	)

	// 令牌与音频
	c.tokenRefreshTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total number of access token refreshes",
		},
		[]string{"service", "status"},
	)

	c.tokenRefreshDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Access token refresh duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	c.normalizationTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_normalization_total",
			Help:      "Total number of audio normalizations by path",
		},
		[]string{"path"},
	)

	c.normalizationLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_normalization_duration_seconds",
			Help:      "Audio normalization duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"path"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🎙️ 语音链路指标记录
// =============================================================================

// RecordStage 记录单个阶段的结果与耗时
func (c *Collector) RecordStage(stage types.Stage, success bool, d time.Duration) {
	c.stageTotal.WithLabelValues(string(stage), outcome(success)).Inc()
	c.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// RecordInvocation 记录一次完整调用，mode 为 blocking、query 或 streaming
func (c *Collector) RecordInvocation(mode string, success bool, d time.Duration) {
	c.invocationsTotal.WithLabelValues(mode, outcome(success)).Inc()
	c.invocationDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveAttempt 实现 types.StageObserver
func (c *Collector) ObserveAttempt(stage types.Stage) {
	c.providerAttempts.WithLabelValues(string(stage)).Inc()
}

// ObserveRetry 实现 types.StageObserver
func (c *Collector) ObserveRetry(stage types.Stage, attempt int, err error, delay time.Duration) {
	c.providerRetries.WithLabelValues(string(stage), strconv.Itoa(attempt)).Inc()
	c.logger.Debug("provider retry",
		zap.String("stage", string(stage)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

// RecordTokenRefresh 记录令牌刷新
func (c *Collector) RecordTokenRefresh(service string, success bool, d time.Duration) {
	c.tokenRefreshTotal.WithLabelValues(service, outcome(success)).Inc()
	c.tokenRefreshDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordNormalization 记录音频规整采用的路径
func (c *Collector) RecordNormalization(path string, d time.Duration) {
	c.normalizationTotal.WithLabelValues(path).Inc()
	c.normalizationLatency.WithLabelValues(path).Observe(d.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
