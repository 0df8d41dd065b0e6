// Package tts 阿里云语音合成 RESTful 客户端，支持整段合成与流式合成。
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/voicecrm/internal/tlsutil"
	"github.com/BaSui01/voicecrm/llm/retry"
	"github.com/BaSui01/voicecrm/types"
	"github.com/BaSui01/voicecrm/voice/audio"
	"github.com/BaSui01/voicecrm/voice/nls"
	"github.com/BaSui01/voicecrm/voice/token"
	"go.uber.org/zap"
)

const stage = types.StageSynthesis

// Config 合成客户端配置
type Config struct {
	Endpoint      string        `yaml:"endpoint" json:"endpoint"`
	AppKey        string        `yaml:"app_key" json:"app_key"`
	Voice         string        `yaml:"voice" json:"voice"`
	Format        string        `yaml:"format" json:"format"`
	SampleRate    int           `yaml:"sample_rate" json:"sample_rate"`
	MinAudioBytes int           `yaml:"min_audio_bytes" json:"min_audio_bytes"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout" json:"stream_timeout"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultConfig 默认发音人 xiaoyun，wav 输出，低于 100 字节的音频视为失败。
func DefaultConfig() Config {
	return Config{
		Endpoint:      nls.DefaultGateway + "/stream/v1/tts",
		Voice:         "xiaoyun",
		Format:        "wav",
		SampleRate:    audio.TargetSampleRate,
		MinAudioBytes: 100,
		Timeout:       30 * time.Second,
		StreamTimeout: 60 * time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.MinAudioBytes <= 0 {
		c.MinAudioBytes = d.MinAudioBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = d.StreamTimeout
	}
	return c
}

// Client 语音合成客户端，可并发使用。
type Client struct {
	config       Config
	tokens       token.Source
	client       *http.Client
	streamClient *http.Client
	observer     types.StageObserver
	logger       *zap.Logger
	retryer      retry.Retryer
}

// Option 配置 Client
type Option func(*Client)

// WithHTTPClient 同时替换整段与流式请求使用的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
		cl.streamClient = c
	}
}

// WithObserver 设置请求与重试观察者。
func WithObserver(o types.StageObserver) Option {
	return func(cl *Client) { cl.observer = o }
}

// NewClient 创建合成客户端。
func NewClient(cfg Config, tokens token.Source, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	c := &Client{
		config:   cfg,
		tokens:   tokens,
		observer: types.NopObserver{},
		logger:   logger.With(zap.String("component", "tts")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = tlsutil.SecureHTTPClient(cfg.Timeout)
	}
	if c.streamClient == nil {
		c.streamClient = tlsutil.StreamingHTTPClient()
	}

	policy := retry.AttemptsPolicy(cfg.MaxAttempts, cfg.RetryDelay)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.observer.ObserveRetry(stage, attempt, err, delay)
	}
	c.retryer = retry.NewBackoffRetryer(policy, c.logger)
	return c
}

// Voice 返回配置的发音人。
func (c *Client) Voice() string {
	return c.config.Voice
}

// Configured 是否配置了 AppKey。
func (c *Client) Configured() bool {
	return c.config.AppKey != ""
}

type request struct {
	AppKey     string `json:"appkey"`
	Token      string `json:"token"`
	Text       string `json:"text"`
	Format     string `json:"format"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	SessionID  string `json:"session_id,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

// Synthesize 整段合成。空白文本直接返回空结果，不发起任何请求。
func (c *Client) Synthesize(ctx context.Context, text, sessionID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("synthesis text is empty", zap.String("session_id", sessionID))
		return []byte{}, nil
	}
	log := c.logger.With(zap.String("session_id", sessionID))

	if _, err := c.tokens.Token(ctx); err != nil {
		log.Error("token unavailable", zap.Error(err))
		return nil, nls.TokenUnavailable(stage, err)
	}

	start := time.Now()
	data, err := retry.DoWithResultTyped(c.retryer, ctx, func() ([]byte, error) {
		data, err := c.synthesizeOnce(ctx, text, sessionID)
		if err == nil || !nls.IsTokenRejected(err) {
			return data, err
		}
		log.Warn("token rejected by gateway, refreshing", zap.Error(err))
		c.tokens.Invalidate()
		return c.synthesizeOnce(ctx, text, sessionID)
	})
	if err != nil {
		log.Error("synthesis failed", zap.Error(err), zap.Duration("latency", time.Since(start)))
		return nil, err
	}

	if len(data) < c.config.MinAudioBytes {
		log.Error("synthesis returned too little audio", zap.Int("audio_bytes", len(data)))
		return nil, types.NewError(types.ErrEmptyResult,
			fmt.Sprintf("synthesized audio too short: %d bytes", len(data))).WithStage(stage)
	}

	log.Info("synthesis succeeded",
		zap.Int("text_len", len([]rune(text))),
		zap.Int("audio_bytes", len(data)),
		zap.Duration("latency", time.Since(start)),
	)
	return data, nil
}

func (c *Client) synthesizeOnce(ctx context.Context, text, sessionID string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.post(reqCtx, c.client, c.config.Endpoint, text, sessionID, c.config.Format, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := nls.ReadBody(resp)
	if err != nil {
		return nil, nls.TransportFailure(reqCtx, stage, err)
	}
	if err := checkResponse(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Stream 流式合成，音频块按接收顺序原样输出。
// 建立连接阶段按策略重试；一旦开始输出不再重试，中途失败以携带 Err 的最后一块结束。
func (c *Client) Stream(ctx context.Context, text, sessionID string) (<-chan types.AudioChunk, error) {
	ch := make(chan types.AudioChunk)
	if strings.TrimSpace(text) == "" {
		close(ch)
		return ch, nil
	}

	if _, err := c.tokens.Token(ctx); err != nil {
		return nil, nls.TokenUnavailable(stage, err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.config.StreamTimeout)
	endpoint := c.config.Endpoint + "?enable_subtitle=true"

	open := func() (*http.Response, error) {
		resp, err := c.post(streamCtx, c.streamClient, endpoint, text, sessionID, "pcm", true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK && !isJSON(resp) {
			return resp, nil
		}
		defer resp.Body.Close()
		body, _ := nls.ReadBody(resp)
		return nil, checkResponse(resp, body)
	}

	resp, err := retry.DoWithResultTyped(c.retryer, streamCtx, func() (*http.Response, error) {
		resp, err := open()
		if err == nil || !nls.IsTokenRejected(err) {
			return resp, err
		}
		c.tokens.Invalidate()
		return open()
	})
	if err != nil {
		cancel()
		c.logger.Error("stream synthesis connect failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer close(ch)

		total := 0
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				total += n
				select {
				case ch <- types.AudioChunk{Data: chunk}:
				case <-streamCtx.Done():
					return
				}
			}
			if readErr == nil {
				continue
			}
			if !errors.Is(readErr, io.EOF) {
				c.logger.Warn("stream synthesis truncated",
					zap.String("session_id", sessionID),
					zap.Int("audio_bytes", total),
					zap.Error(readErr),
				)
				select {
				case ch <- types.AudioChunk{Err: nls.TransportFailure(streamCtx, stage, readErr)}:
				case <-streamCtx.Done():
				}
				return
			}
			c.logger.Debug("stream synthesis finished", zap.String("session_id", sessionID), zap.Int("audio_bytes", total))
			return
		}
	}()

	return ch, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, endpoint, text, sessionID, format string, stream bool) (*http.Response, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, nls.TokenUnavailable(stage, err)
	}

	payload, err := json.Marshal(request{
		AppKey:     c.config.AppKey,
		Token:      tok.ID,
		Text:       text,
		Format:     format,
		Voice:      c.config.Voice,
		SampleRate: c.config.SampleRate,
		SessionID:  sessionID,
		Stream:     stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.observer.ObserveAttempt(stage)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nls.TransportFailure(ctx, stage, err)
	}
	return resp, nil
}

// checkResponse 网关出错时返回 JSON；正文出现 token 字样视为令牌失效。
func checkResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusOK && !isJSON(resp) {
		return nil
	}

	reply, _ := nls.DecodeReply(body)
	if strings.Contains(strings.ToLower(string(body)), "token") {
		status := reply.Status
		if !nls.IsTokenStatus(status) {
			status = nls.StatusTokenInvalid
		}
		return nls.TokenRejected(stage, status, nls.Snippet(body, 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nls.HTTPFailure(stage, resp.StatusCode, body)
	}
	return types.NewError(types.ErrDomain,
		fmt.Sprintf("synthesis failed: %s (status %d)", reply.Message, reply.Status)).
		WithProviderStatus(reply.Status).
		WithStage(stage)
}

func isJSON(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json")
}
