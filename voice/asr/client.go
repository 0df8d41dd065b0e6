// Package asr 阿里云一句话识别 RESTful 客户端。
package asr

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BaSui01/voicecrm/internal/tlsutil"
	"github.com/BaSui01/voicecrm/llm/retry"
	"github.com/BaSui01/voicecrm/types"
	"github.com/BaSui01/voicecrm/voice/audio"
	"github.com/BaSui01/voicecrm/voice/nls"
	"github.com/BaSui01/voicecrm/voice/token"
	"go.uber.org/zap"
)

const stage = types.StageRecognition

// Config 识别客户端配置
type Config struct {
	Endpoint                 string        `yaml:"endpoint" json:"endpoint"`
	AppKey                   string        `yaml:"app_key" json:"app_key"`
	Format                   string        `yaml:"format" json:"format"`
	SampleRate               int           `yaml:"sample_rate" json:"sample_rate"`
	EnablePunctuation        bool          `yaml:"enable_punctuation" json:"enable_punctuation"`
	EnableInverseNormalizing bool          `yaml:"enable_itn" json:"enable_itn"`
	Timeout                  time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts              int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay               time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultConfig 返回默认配置：pcm/16kHz，30s 超时，3 次尝试，退避 1s、2s、4s。
func DefaultConfig() Config {
	return Config{
		Endpoint:                 nls.DefaultGateway + "/stream/v1/asr",
		Format:                   "pcm",
		SampleRate:               audio.TargetSampleRate,
		EnablePunctuation:        true,
		EnableInverseNormalizing: true,
		Timeout:                  30 * time.Second,
		MaxAttempts:              3,
		RetryDelay:               time.Second,
	}
}

// Normalizer 在发送前规整音频格式。
type Normalizer interface {
	Normalize(ctx context.Context, in []byte) ([]byte, error)
}

// Client 语音识别客户端，可并发使用。
type Client struct {
	config     Config
	tokens     token.Source
	normalizer Normalizer
	client     *http.Client
	observer   types.StageObserver
	logger     *zap.Logger
	retryer    retry.Retryer
}

// Option 配置 Client
type Option func(*Client)

// WithHTTPClient 替换默认 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithObserver 设置请求与重试观察者。
func WithObserver(o types.StageObserver) Option {
	return func(cl *Client) { cl.observer = o }
}

// NewClient 创建识别客户端。normalizer 为空时不做格式转换。
func NewClient(cfg Config, tokens token.Source, normalizer Normalizer, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.Endpoint
	}
	if cfg.Format == "" {
		cfg.Format = d.Format
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = d.SampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}

	c := &Client{
		config:     cfg,
		tokens:     tokens,
		normalizer: normalizer,
		observer:   types.NopObserver{},
		logger:     logger.With(zap.String("component", "asr")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = tlsutil.SecureHTTPClient(cfg.Timeout)
	}

	policy := retry.AttemptsPolicy(cfg.MaxAttempts, cfg.RetryDelay)
	policy.MaxDelay = 4 * policy.InitialDelay
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.observer.ObserveRetry(stage, attempt, err, delay)
	}
	c.retryer = retry.NewBackoffRetryer(policy, c.logger)
	return c
}

// Configured 是否配置了 AppKey。
func (c *Client) Configured() bool {
	return c.config.AppKey != ""
}

// Recognize 识别一段音频。服务返回空结果时返回空字符串且不报错。
func (c *Client) Recognize(ctx context.Context, data []byte, sessionID string) (string, error) {
	if len(data) == 0 {
		return "", types.NewError(types.ErrValidation, "audio data is empty").WithStage(stage)
	}
	log := c.logger.With(zap.String("session_id", sessionID))

	if _, err := c.tokens.Token(ctx); err != nil {
		log.Error("token unavailable", zap.Error(err))
		return "", nls.TokenUnavailable(stage, err)
	}

	body := data
	if c.normalizer != nil && !audio.Validate(data) {
		normalized, err := c.normalizer.Normalize(ctx, data)
		if err != nil {
			return "", types.NewError(types.ErrValidation, "audio normalization canceled").WithCause(err).WithStage(stage)
		}
		body = normalized
	}

	start := time.Now()
	text, err := retry.DoWithResultTyped(c.retryer, ctx, func() (string, error) {
		text, err := c.attempt(ctx, body, sessionID)
		if err == nil || !nls.IsTokenRejected(err) {
			return text, err
		}
		// 令牌被拒绝：作废后立即重发一次，不计入重试次数
		log.Warn("token rejected by gateway, refreshing", zap.Error(err))
		c.tokens.Invalidate()
		return c.attempt(ctx, body, sessionID)
	})
	if err != nil {
		log.Error("recognition failed", zap.Error(err), zap.Duration("latency", time.Since(start)))
		return "", err
	}

	log.Info("recognition succeeded",
		zap.Int("audio_bytes", len(body)),
		zap.Int("text_len", len([]rune(text))),
		zap.Duration("latency", time.Since(start)),
	)
	return text, nil
}

func (c *Client) attempt(ctx context.Context, body []byte, sessionID string) (string, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", nls.TokenUnavailable(stage, err)
	}
	c.observer.ObserveAttempt(stage)

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.requestURL(tok.ID), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build recognition request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-NLS-Token", tok.ID)
	req.Header.Set("X-NLS-Session-Id", sessionID)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nls.TransportFailure(reqCtx, stage, err)
	}
	defer resp.Body.Close()

	raw, err := nls.ReadBody(resp)
	if err != nil {
		return "", nls.TransportFailure(reqCtx, stage, err)
	}

	reply, decoded := nls.DecodeReply(raw)
	if decoded && nls.IsTokenStatus(reply.Status) {
		return "", nls.TokenRejected(stage, reply.Status, reply.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nls.HTTPFailure(stage, resp.StatusCode, raw)
	}
	if !decoded {
		return "", types.NewError(types.ErrDomain, "undecodable recognition response: "+nls.Snippet(raw, 128)).WithStage(stage)
	}

	switch reply.Status {
	case nls.StatusSuccess, 0:
		return reply.Result, nil
	default:
		return "", types.NewError(types.ErrDomain,
			fmt.Sprintf("recognition failed: %s (status %d)", reply.Message, reply.Status)).
			WithProviderStatus(reply.Status).
			WithStage(stage)
	}
}

func (c *Client) requestURL(tok string) string {
	q := url.Values{}
	q.Set("appkey", c.config.AppKey)
	q.Set("token", tok)
	q.Set("format", c.config.Format)
	q.Set("sample_rate", strconv.Itoa(c.config.SampleRate))
	q.Set("channels", strconv.Itoa(audio.TargetChannels))
	q.Set("bits", strconv.Itoa(audio.TargetBitDepth))
	q.Set("enable_punctuation_prediction", strconv.FormatBool(c.config.EnablePunctuation))
	q.Set("enable_inverse_text_normalization", strconv.FormatBool(c.config.EnableInverseNormalizing))
	return c.config.Endpoint + "?" + q.Encode()
}
