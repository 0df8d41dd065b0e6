// Package nls 收拢阿里云智能语音交互网关的公共约定：业务状态码、错误映射与响应读取。
package nls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/voicecrm/types"
)

const (
	// StatusSuccess 网关业务成功状态。
	StatusSuccess = 20000000
	// StatusTokenInvalid 令牌无效。
	StatusTokenInvalid = 40000001
	// StatusTokenExpired 令牌过期或与 appkey 不匹配。
	StatusTokenExpired = 40000004

	// DefaultGateway 上海区域网关地址。
	DefaultGateway = "https://nls-gateway.cn-shanghai.aliyuncs.com"

	maxBodyBytes = 32 << 20
)

// Reply 网关 JSON 响应的公共字段。
type Reply struct {
	TaskID  string `json:"task_id"`
	Result  string `json:"result"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// IsTokenStatus 报告业务状态是否表示令牌失效。
func IsTokenStatus(status int) bool {
	return status == StatusTokenInvalid || status == StatusTokenExpired
}

// TokenRejected 构造令牌被网关拒绝的错误。
func TokenRejected(stage types.Stage, status int, message string) *types.Error {
	return types.NewError(types.ErrDomain, fmt.Sprintf("token rejected: %s", message)).
		WithProviderStatus(status).
		WithStage(stage)
}

// IsTokenRejected 报告错误是否由令牌失效引起。
func IsTokenRejected(err error) bool {
	e, ok := types.AsError(err)
	return ok && e.Code == types.ErrDomain && IsTokenStatus(e.ProviderStatus)
}

// TokenUnavailable 令牌获取失败时返回给调用方的错误。
func TokenUnavailable(stage types.Stage, cause error) *types.Error {
	return types.NewError(types.ErrToken, "token unavailable").WithCause(cause).WithStage(stage)
}

// TransportFailure 将 http.Client.Do 的错误映射为超时或连接错误，二者均可重试。
func TransportFailure(reqCtx context.Context, stage types.Stage, err error) *types.Error {
	var netErr interface{ Timeout() bool }
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewTimeoutError("request timed out", err).WithStage(stage)
	}
	return types.NewTransportError(0, "request failed").WithCause(err).WithStage(stage)
}

// HTTPFailure 将非成功 HTTP 状态映射为传输错误：408、429、5xx 可重试。
func HTTPFailure(stage types.Stage, status int, body []byte) *types.Error {
	return types.NewTransportError(status, fmt.Sprintf("HTTP %d: %s", status, Snippet(body, 256))).WithStage(stage)
}

// ReadBody 读取响应体，上限 32 MiB。
func ReadBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// DecodeReply 尽力解析网关 JSON，失败时返回 false。
func DecodeReply(body []byte) (Reply, bool) {
	var r Reply
	if err := json.Unmarshal(body, &r); err != nil {
		return Reply{}, false
	}
	return r, true
}

// Snippet 截断响应体用于日志和错误信息。
func Snippet(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
