// =============================================================================
// 📦 VoiceCRM 默认配置
// =============================================================================
// 云服务相关默认值取自各客户端包，保证配置与客户端一致
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/voicecrm/internal/cache"
	"github.com/BaSui01/voicecrm/internal/database"
	"github.com/BaSui01/voicecrm/llm/dashscope"
	"github.com/BaSui01/voicecrm/voice/asr"
	"github.com/BaSui01/voicecrm/voice/audio"
	"github.com/BaSui01/voicecrm/voice/history"
	"github.com/BaSui01/voicecrm/voice/token"
	"github.com/BaSui01/voicecrm/voice/tts"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Token:     DefaultTokenConfig(),
		ASR:       DefaultASRConfig(),
		TTS:       DefaultTTSConfig(),
		LLM:       DefaultLLMConfig(),
		Retry:     DefaultRetryConfig(),
		Audio:     DefaultAudioConfig(),
		History:   history.DefaultConfig(),
		Redis:     cache.DefaultConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8003,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		MaxUploadBytes:  10 << 20,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultTokenConfig 返回默认令牌服务配置
func DefaultTokenConfig() TokenConfig {
	d := token.DefaultConfig()
	return TokenConfig{
		Endpoint:      d.Endpoint,
		RegionID:      "cn-shanghai",
		RefreshMargin: d.RefreshMargin,
		Timeout:       d.Timeout,
	}
}

// DefaultASRConfig 返回默认识别配置
func DefaultASRConfig() ASRConfig {
	d := asr.DefaultConfig()
	return ASRConfig{
		Endpoint:          d.Endpoint,
		Format:            d.Format,
		SampleRate:        d.SampleRate,
		EnablePunctuation: d.EnablePunctuation,
		EnableITN:         d.EnableInverseNormalizing,
		Timeout:           d.Timeout,
	}
}

// DefaultTTSConfig 返回默认合成配置
func DefaultTTSConfig() TTSConfig {
	d := tts.DefaultConfig()
	return TTSConfig{
		Endpoint:      d.Endpoint,
		Voice:         d.Voice,
		Format:        d.Format,
		SampleRate:    d.SampleRate,
		Timeout:       d.Timeout,
		StreamTimeout: d.StreamTimeout,
	}
}

// DefaultLLMConfig 返回默认文本生成配置
func DefaultLLMConfig() LLMConfig {
	d := dashscope.DefaultConfig()
	return LLMConfig{
		BaseURL:       d.BaseURL,
		Model:         d.Model,
		Temperature:   0.3,
		MaxTokens:     d.MaxTokens,
		Timeout:       d.Timeout,
		StreamTimeout: d.StreamTimeout,
	}
}

// DefaultRetryConfig 3 次尝试，退避 1s、2s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
	}
}

// DefaultAudioConfig 返回默认音频配置
func DefaultAudioConfig() AudioConfig {
	d := audio.DefaultConfig()
	return AudioConfig{
		FFmpegPath:     d.FFmpegPath,
		ConvertTimeout: d.ConvertTimeout,
		MinUploadBytes: 100,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，仅在 history.backend=sql 时使用
func DefaultDatabaseConfig() database.Config {
	return database.Config{
		Driver:  "sqlite",
		Host:    "localhost",
		Name:    "voicecrm.db",
		SSLMode: "disable",
		Pool:    database.DefaultPoolConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "voicecrm",
		SampleRate:   0.1,
	}
}
