// =============================================================================
// 📦 VoiceCRM 配置结构
// =============================================================================
// 配置优先级: 默认值 → .env → YAML 文件 → 环境变量（前缀 VOICECRM）
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/voicecrm/internal/cache"
	"github.com/BaSui01/voicecrm/internal/database"
	"github.com/BaSui01/voicecrm/voice/history"
)

// Config 是 VoiceCRM 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Token 阿里云访问令牌服务
	Token TokenConfig `yaml:"token" env:"TOKEN"`

	// ASR 一句话识别
	ASR ASRConfig `yaml:"asr" env:"ASR"`

	// TTS 语音合成
	TTS TTSConfig `yaml:"tts" env:"TTS"`

	// LLM 通义千问文本生成
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Retry 各云服务共用的重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Audio 音频规整
	Audio AudioConfig `yaml:"audio" env:"AUDIO"`

	// Pipeline 编排器
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// History 会话历史存储
	History history.Config `yaml:"history" env:"HISTORY"`

	// Redis 会话历史 redis 后端
	Redis cache.Config `yaml:"redis" env:"REDIS"`

	// Database 会话历史 sql 后端
	Database database.Config `yaml:"database" env:"DATABASE"`

	// Auth 接口认证
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，需覆盖一次完整的识别、生成与合成
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 上传音频大小上限（字节）
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// 每个客户端 IP 每秒请求数
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// TokenConfig 令牌服务配置，识别与合成共用
type TokenConfig struct {
	Endpoint      string        `yaml:"endpoint" env:"ENDPOINT"`
	RegionID      string        `yaml:"region_id" env:"REGION_ID"`
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"REFRESH_MARGIN"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ASRConfig 识别服务配置，持有独立的一组凭据
type ASRConfig struct {
	AccessKeyID       string        `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	AccessKeySecret   string        `yaml:"access_key_secret" env:"ACCESS_KEY_SECRET"`
	AppKey            string        `yaml:"app_key" env:"APP_KEY"`
	Endpoint          string        `yaml:"endpoint" env:"ENDPOINT"`
	Format            string        `yaml:"format" env:"FORMAT"`
	SampleRate        int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	EnablePunctuation bool          `yaml:"enable_punctuation" env:"ENABLE_PUNCTUATION"`
	EnableITN         bool          `yaml:"enable_itn" env:"ENABLE_ITN"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TTSConfig 合成服务配置
type TTSConfig struct {
	AccessKeyID     string        `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	AccessKeySecret string        `yaml:"access_key_secret" env:"ACCESS_KEY_SECRET"`
	AppKey          string        `yaml:"app_key" env:"APP_KEY"`
	Endpoint        string        `yaml:"endpoint" env:"ENDPOINT"`
	Voice           string        `yaml:"voice" env:"VOICE"`
	Format          string        `yaml:"format" env:"FORMAT"`
	SampleRate      int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	StreamTimeout   time.Duration `yaml:"stream_timeout" env:"STREAM_TIMEOUT"`
}

// LLMConfig 文本生成配置
type LLMConfig struct {
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	BaseURL       string        `yaml:"base_url" env:"BASE_URL"`
	Model         string        `yaml:"model" env:"MODEL"`
	Temperature   float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens     int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	StreamTimeout time.Duration `yaml:"stream_timeout" env:"STREAM_TIMEOUT"`
}

// RetryConfig 重试策略：总尝试次数与首次退避，之后逐次翻倍
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
}

// AudioConfig 音频规整配置
type AudioConfig struct {
	FFmpegPath     string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	ConvertTimeout time.Duration `yaml:"convert_timeout" env:"CONVERT_TIMEOUT"`
	DisableFFmpeg  bool          `yaml:"disable_ffmpeg" env:"DISABLE_FFMPEG"`
	// 小于该字节数的上传直接拒绝
	MinUploadBytes int `yaml:"min_upload_bytes" env:"MIN_UPLOAD_BYTES"`
}

// PipelineConfig 编排器配置，提示词为空时使用内置人设
type PipelineConfig struct {
	SystemPrompt       string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	StreamSystemPrompt string `yaml:"stream_system_prompt" env:"STREAM_SYSTEM_PROMPT"`
}

// AuthConfig 认证配置，API Key 与 JWT 都为空时不启用认证
type AuthConfig struct {
	APIKeys          []string `yaml:"api_keys" env:"API_KEYS"`
	AllowQueryAPIKey bool     `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	JWTSecret        string   `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer        string   `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience      string   `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// Enabled 是否配置了任意一种认证方式
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 不使用 TLS 连接 OTLP 端点
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate 验证配置，返回全部问题
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay < 0 {
		errs = append(errs, "retry.initial_delay must not be negative")
	}
	if c.Token.RefreshMargin < 0 {
		errs = append(errs, "token.refresh_margin must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if c.Audio.MinUploadBytes < 0 {
		errs = append(errs, "audio.min_upload_bytes must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	switch c.History.Backend {
	case history.BackendMemory, history.BackendRedis:
	case history.BackendSQL:
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported history backend %q", c.History.Backend))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unsupported log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
