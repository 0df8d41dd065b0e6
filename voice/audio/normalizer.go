package audio

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Converter 将任意音频转换为 16 kHz 单声道 16-bit PCM WAV。
type Converter interface {
	Name() string
	Available() bool
	Convert(ctx context.Context, in []byte) ([]byte, error)
}

// PathRecorder 记录每次规整最终采用的路径（passthrough、ffmpeg、software、original）。
type PathRecorder interface {
	RecordNormalization(path string, duration time.Duration)
}

// Normalizer 依次尝试转换器，全部失败时原样返回输入。
type Normalizer struct {
	converters []Converter
	logger     *zap.Logger
	metrics    PathRecorder
}

// NewNormalizer 按给定顺序组装转换链。
func NewNormalizer(logger *zap.Logger, converters ...Converter) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		converters: converters,
		logger:     logger.With(zap.String("component", "audio_normalizer")),
	}
}

// NewDefaultNormalizer ffmpeg 优先，软件重采样兜底。
func NewDefaultNormalizer(cfg Config, logger *zap.Logger) *Normalizer {
	var chain []Converter
	if !cfg.DisableFFmpeg {
		chain = append(chain, NewFFmpegConverter(cfg.FFmpegPath, cfg.ConvertTimeout, logger))
	}
	chain = append(chain, SoftwareConverter{})
	return NewNormalizer(logger, chain...)
}

// SetRecorder 设置路径记录器。
func (n *Normalizer) SetRecorder(r PathRecorder) {
	n.metrics = r
}

// Converters 返回转换链，用于能力报告。
func (n *Normalizer) Converters() []Converter {
	return n.converters
}

// Normalize 已符合要求的输入按原字节返回；否则逐个尝试转换器。
// 只有 ctx 被取消时返回错误，其余失败均退化为原样返回。
func (n *Normalizer) Normalize(ctx context.Context, in []byte) ([]byte, error) {
	start := time.Now()
	if Validate(in) {
		n.record("passthrough", start)
		return in, nil
	}

	for _, c := range n.converters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.Available() {
			n.logger.Debug("converter unavailable", zap.String("converter", c.Name()))
			continue
		}
		out, err := c.Convert(ctx, in)
		if err != nil {
			n.logger.Warn("audio conversion failed",
				zap.String("converter", c.Name()),
				zap.Int("input_bytes", len(in)),
				zap.Error(err),
			)
			continue
		}
		if !Validate(out) {
			n.logger.Warn("converter produced non-canonical audio", zap.String("converter", c.Name()))
			continue
		}
		n.logger.Debug("audio normalized",
			zap.String("converter", c.Name()),
			zap.Int("input_bytes", len(in)),
			zap.Int("output_bytes", len(out)),
		)
		n.record(c.Name(), start)
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.logger.Warn("all audio converters failed, sending original bytes", zap.Int("input_bytes", len(in)))
	n.record("original", start)
	return in, nil
}

func (n *Normalizer) record(path string, start time.Time) {
	if n.metrics != nil {
		n.metrics.RecordNormalization(path, time.Since(start))
	}
}

// Config 音频规整配置
type Config struct {
	FFmpegPath     string        `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	ConvertTimeout time.Duration `yaml:"convert_timeout" json:"convert_timeout"`
	DisableFFmpeg  bool          `yaml:"disable_ffmpeg" json:"disable_ffmpeg"`
}

// DefaultConfig 默认使用 PATH 中的 ffmpeg，超时 10s。
func DefaultConfig() Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		ConvertTimeout: 10 * time.Second,
	}
}

// SoftwareConverter 仅处理可解析的 WAV：解码、混为单声道、线性重采样到 16 kHz。
type SoftwareConverter struct{}

func (SoftwareConverter) Name() string { return "software" }

func (SoftwareConverter) Available() bool { return true }

func (SoftwareConverter) Convert(_ context.Context, in []byte) ([]byte, error) {
	w, err := ParseWAV(in)
	if err != nil {
		return nil, err
	}
	mono, err := DecodeMono(w)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(ResampleLinear(mono, w.Format.SampleRate, TargetSampleRate), TargetSampleRate)
}
