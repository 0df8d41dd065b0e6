package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BaSui01/voicecrm/internal/tlsutil"
	"github.com/BaSui01/voicecrm/llm/retry"
	"github.com/BaSui01/voicecrm/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Source 提供可用的访问令牌。识别与合成客户端只依赖该接口。
type Source interface {
	Token(ctx context.Context) (Token, error)
	Invalidate()
}

// RefreshRecorder 记录令牌刷新结果，由指标收集器实现。
type RefreshRecorder interface {
	RecordTokenRefresh(service string, success bool, duration time.Duration)
}

// Manager 为一个凭据集合缓存并刷新访问令牌，可被多个会话并发使用。
type Manager struct {
	name    string
	creds   Credentials
	config  Config
	client  *http.Client
	logger  *zap.Logger
	retryer retry.Retryer
	metrics RefreshRecorder

	// refresh 保证同一时刻只有一个刷新请求在途
	refresh *semaphore.Weighted

	mu      sync.RWMutex
	current Token

	now   func() time.Time
	nonce func() string
}

// Option 配置 Manager
type Option func(*Manager)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNonce 替换 SignatureNonce 生成器。
func WithNonce(nonce func() string) Option {
	return func(m *Manager) { m.nonce = nonce }
}

// WithRefreshRecorder 设置刷新结果记录器。
func WithRefreshRecorder(r RefreshRecorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager 创建 Token Manager。name 用于日志和指标区分服务（如 asr、tts）。
func NewManager(name string, creds Credentials, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		name:    name,
		creds:   creds,
		config:  cfg,
		logger:  logger.With(zap.String("component", "token_manager"), zap.String("service", name)),
		refresh: semaphore.NewWeighted(1),
		now:     time.Now,
		nonce:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = tlsutil.SecureHTTPClient(cfg.Timeout)
	}

	policy := retry.AttemptsPolicy(cfg.MaxAttempts, cfg.RetryDelay)
	// 刷新阶段任何失败都值得重试，调用方取消除外
	policy.ShouldRetry = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	m.retryer = retry.NewBackoffRetryer(policy, m.logger)

	return m
}

// Token 返回可用的令牌，必要时刷新。并发调用方共享同一次刷新。
func (m *Manager) Token(ctx context.Context) (Token, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	if err := m.refresh.Acquire(ctx, 1); err != nil {
		return Token{}, types.NewError(types.ErrToken, "等待令牌刷新被取消").
			WithCause(err).WithStage(types.StageToken)
	}
	defer m.refresh.Release(1)

	// 持锁后再检查：等待期间可能已有其他调用方完成刷新
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	return m.doRefresh(ctx)
}

// Invalidate 清除缓存令牌，下一次 Token 调用必然刷新。
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = Token{}
	m.mu.Unlock()
	m.logger.Debug("token invalidated")
}

// Current 返回缓存中的令牌（可能已过期），仅用于诊断。
func (m *Manager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) cached() (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.Fresh(m.now(), m.config.RefreshMargin) {
		return m.current, true
	}
	return Token{}, false
}

func (m *Manager) doRefresh(ctx context.Context) (Token, error) {
	if !m.creds.Configured() {
		return Token{}, types.NewError(types.ErrToken, "access key 未配置").WithStage(types.StageToken)
	}

	start := time.Now()
	tok, err := retry.DoWithResultTyped(m.retryer, ctx, func() (Token, error) {
		return m.fetch(ctx)
	})
	if m.metrics != nil {
		m.metrics.RecordTokenRefresh(m.name, err == nil, time.Since(start))
	}
	if err != nil {
		m.logger.Error("token refresh failed", zap.Error(err))
		return Token{}, types.NewError(types.ErrToken, "获取访问令牌失败").
			WithCause(err).WithStage(types.StageToken)
	}

	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()

	m.logger.Info("token refreshed",
		zap.Time("expires_at", tok.ExpiresAt),
		zap.Duration("latency", time.Since(start)),
	)
	return tok, nil
}

type createTokenResponse struct {
	Token struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
	} `json:"Token"`
	ErrMsg    string `json:"ErrMsg"`
	RequestID string `json:"RequestId"`
}

func (m *Manager) params() url.Values {
	params := url.Values{}
	params.Set("AccessKeyId", m.creds.AccessKeyID)
	params.Set("Action", "CreateToken")
	params.Set("Format", "JSON")
	params.Set("SignatureMethod", "HMAC-SHA1")
	params.Set("SignatureNonce", m.nonce())
	params.Set("SignatureVersion", "1.0")
	params.Set("Timestamp", m.now().UTC().Format("2006-01-02T15:04:05Z"))
	params.Set("Version", "2019-02-28")
	if m.config.RegionID != "" {
		params.Set("RegionId", m.config.RegionID)
	}
	return params
}

func (m *Manager) fetch(ctx context.Context) (Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	endpoint := m.config.Endpoint + "?" + SignedQuery(m.params(), m.creds.AccessKeySecret)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return Token{}, types.NewTimeoutError("token request timed out", err)
		}
		return Token{}, types.NewTransportError(0, "token request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, types.NewTransportError(resp.StatusCode, "read token response").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, types.NewTransportError(resp.StatusCode,
			fmt.Sprintf("token endpoint returned HTTP %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	var parsed createTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, types.NewError(types.ErrDomain, "decode token response").WithCause(err)
	}
	if parsed.Token.ID == "" {
		return Token{}, types.NewError(types.ErrDomain, "token response missing Id: "+parsed.ErrMsg)
	}

	return Token{ID: parsed.Token.ID, ExpiresAt: m.expiry(parsed.Token.ExpireTime)}, nil
}

// expiry 解析 ExpireTime：大于 1e9 视为 Unix 秒级时间戳，其余正数视为相对秒数，缺省使用 DefaultTTL。
func (m *Manager) expiry(expireTime int64) time.Time {
	now := m.now()
	switch {
	case expireTime > 1_000_000_000:
		return time.Unix(expireTime, 0)
	case expireTime > 0:
		return now.Add(time.Duration(expireTime) * time.Second)
	default:
		return now.Add(m.config.DefaultTTL)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
