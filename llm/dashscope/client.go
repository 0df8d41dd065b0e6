// Package dashscope 通义千问 DashScope 原生文本生成接口客户端，支持阻塞与 SSE 流式两种调用。
package dashscope

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
	"go.uber.org/zap"
)

const (
	stage = types.StageGeneration

	// DefaultBaseURL DashScope 服务地址。
	DefaultBaseURL = "https://dashscope.aliyuncs.com"
	// GenerationPath 文本生成接口路径。
	GenerationPath = "/api/v1/services/aigc/text-generation/generation"
	// DefaultModel 默认模型。
	DefaultModel = "qwen-turbo"
)

// Config 生成客户端配置
type Config struct {
	APIKey        string        `yaml:"api_key" json:"-"`
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	Model         string        `yaml:"model" json:"model"`
	Temperature   float64       `yaml:"temperature" json:"temperature"`
	MaxTokens     int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout" json:"stream_timeout"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultConfig 阻塞调用 60s 超时，流式 120s。
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		Model:         DefaultModel,
		Timeout:       60 * time.Second,
		StreamTimeout: 120 * time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = d.StreamTimeout
	}
	return c
}

// Completion 一次阻塞生成的结果。
type Completion struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Client DashScope 生成客户端，可并发使用。
type Client struct {
	config       Config
	client       *http.Client
	streamClient *http.Client
	observer     types.StageObserver
	logger       *zap.Logger
	retryer      retry.Retryer
}

// Option 配置 Client
type Option func(*Client)

// WithHTTPClient 同时替换阻塞与流式请求的 HTTP 客户端。
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

// NewClient 创建生成客户端。
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	c := &Client{
		config:   cfg,
		observer: types.NopObserver{},
		logger:   logger.With(zap.String("component", "dashscope"), zap.String("model", cfg.Model)),
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

// Model 返回使用的模型名。
func (c *Client) Model() string {
	return c.config.Model
}

// Configured 是否配置了 API Key。
func (c *Client) Configured() bool {
	return c.config.APIKey != ""
}

type generationRequest struct {
	Model      string     `json:"model"`
	Input      input      `json:"input"`
	Parameters parameters `json:"parameters"`
}

type input struct {
	Messages []types.Message `json:"messages"`
}

type parameters struct {
	ResultFormat      string   `json:"result_format"`
	IncrementalOutput bool     `json:"incremental_output,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
}

type generationResponse struct {
	Output struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Complete 阻塞生成。超时、429 与 5xx 按策略重试；
// HTTP 200 但响应携带 code 或输出为空同样作为错误返回。
func (c *Client) Complete(ctx context.Context, messages []types.Message) (*Completion, error) {
	if len(messages) == 0 {
		return nil, types.NewError(types.ErrValidation, "messages are empty").WithStage(stage)
	}
	payload, err := c.marshal(messages, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := retry.DoWithResultTyped(c.retryer, ctx, func() (*Completion, error) {
		return c.completeOnce(ctx, payload)
	})
	if err != nil {
		c.logger.Error("generation failed", zap.Error(err), zap.Duration("latency", time.Since(start)))
		return nil, err
	}

	c.logger.Info("generation succeeded",
		zap.String("request_id", out.RequestID),
		zap.Int("input_tokens", out.InputTokens),
		zap.Int("output_tokens", out.OutputTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return out, nil
}

// Generate 返回生成的文本。
func (c *Client) Generate(ctx context.Context, messages []types.Message) (string, error) {
	out, err := c.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *Client) completeOnce(ctx context.Context, payload []byte) (*Completion, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.do(reqCtx, c.client, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transportFailure(reqCtx, err)
	}

	var parsed generationResponse
	decodeErr := json.Unmarshal(body, &parsed)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && parsed.Message != "" {
			msg = parsed.Code + ": " + parsed.Message
		}
		return nil, types.NewTransportError(resp.StatusCode, msg).WithStage(stage)
	}
	if decodeErr != nil {
		return nil, types.NewError(types.ErrDomain, "decode generation response").WithCause(decodeErr).WithStage(stage)
	}
	if parsed.Code != "" {
		return nil, types.NewError(types.ErrDomain, parsed.Code+": "+parsed.Message).WithStage(stage)
	}
	if strings.TrimSpace(parsed.Output.Text) == "" {
		return nil, types.NewError(types.ErrEmptyResult, "generation returned empty text").WithStage(stage)
	}

	return &Completion{
		Text:         parsed.Output.Text,
		FinishReason: parsed.Output.FinishReason,
		RequestID:    parsed.RequestID,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func (c *Client) marshal(messages []types.Message, stream bool) ([]byte, error) {
	req := generationRequest{
		Model: c.config.Model,
		Input: input{Messages: messages},
		Parameters: parameters{
			ResultFormat:      "text",
			IncrementalOutput: stream,
			MaxTokens:         c.config.MaxTokens,
		},
	}
	if c.config.Temperature > 0 {
		t := c.config.Temperature
		req.Parameters.Temperature = &t
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}
	return b, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, payload []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+GenerationPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("X-DashScope-SSE", "enable")
	}

	c.observer.ObserveAttempt(stage)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, err)
	}
	return resp, nil
}

func transportFailure(ctx context.Context, err error) *types.Error {
	var netErr interface{ Timeout() bool }
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewTimeoutError("generation request timed out", err).WithStage(stage)
	}
	return types.NewTransportError(0, "generation request failed").WithCause(err).WithStage(stage)
}
