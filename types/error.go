package types

import (
	"errors"
	"fmt"
)

// ErrorCode 语音链路统一错误码。
type ErrorCode string

const (
	// ErrToken 令牌获取或刷新失败。
	ErrToken ErrorCode = "TOKEN_ERROR"
	// ErrTransportTimeout 请求超时，可重试。
	ErrTransportTimeout ErrorCode = "TRANSPORT_TIMEOUT"
	// ErrTransport 连接失败或非成功 HTTP 状态。
	ErrTransport ErrorCode = "TRANSPORT_ERROR"
	// ErrDomain HTTP 成功但服务端业务状态失败。
	ErrDomain ErrorCode = "DOMAIN_ERROR"
	// ErrValidation 输入不合法，例如音频为空。
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	// ErrEmptyResult 服务返回了空结果。
	ErrEmptyResult ErrorCode = "EMPTY_RESULT"
	// ErrInternal 其他未分类错误。
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// 接口层错误码
const (
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrPayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
)

// Error 结构化错误，携带错误码、状态与所属阶段。
type Error struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	HTTPStatus     int       `json:"http_status,omitempty"`
	ProviderStatus int       `json:"provider_status,omitempty"`
	Retryable      bool      `json:"retryable"`
	Stage          Stage     `json:"stage,omitempty"`
	Cause          error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProviderStatus 设置服务端业务状态码（如 20000000 以外的 status）。
func (e *Error) WithProviderStatus(status int) *Error {
	e.ProviderStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage 标记错误所属阶段。
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// AsError 沿错误链查找 *Error。
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable 检查错误链中是否存在可重试的 *Error。
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewTimeoutError 构造可重试的超时错误。
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTransportTimeout, message).WithCause(cause).WithRetryable(true)
}

// NewTransportError 根据 HTTP 状态构造传输错误；408、429 与 5xx 可重试。
func NewTransportError(status int, message string) *Error {
	retryable := status == 0 || status == 408 || status == 429 || status >= 500
	return NewError(ErrTransport, message).WithHTTPStatus(status).WithRetryable(retryable)
}
