package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransport, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithStage(StageRecognition)

	assert.Equal(t, ErrTransport, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "TRANSPORT_ERROR")
	assert.Equal(t, StageRecognition, err.Stage)
}

func TestError_FoundThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrDomain, "status 40000003").WithProviderStatus(40000003)
	wrapped := fmt.Errorf("重试 2 次后仍失败: %w", inner)

	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, 40000003, got.ProviderStatus)
	assert.True(t, IsErrorCode(wrapped, ErrDomain))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestNewTransportError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		retryable bool
	}{
		{0, true},
		{400, false},
		{401, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		err := NewTransportError(tt.status, "x")
		assert.Equal(t, tt.retryable, err.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.status, err.HTTPStatus)
	}
	assert.True(t, NewTimeoutError("slow", nil).Retryable)
}
