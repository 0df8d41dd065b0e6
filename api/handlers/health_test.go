package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func pass(context.Context) error { return nil }

func TestHealthHandler_Liveness(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	for path, fn := range map[string]http.HandlerFunc{
		"/health":  handler.HandleHealth,
		"/healthz": handler.HandleHealthz,
	} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			fn(w, httptest.NewRequest(http.MethodGet, path, nil))

			assert.Equal(t, http.StatusOK, w.Code)

			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, "healthy", status.Status)
			assert.False(t, status.Timestamp.IsZero())
		})
	}
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name           string
		checks         []HealthCheck
		expectedStatus int
		check          func(*testing.T, *HealthStatus)
	}{
		{
			name:           "no checks",
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "healthy", s.Status)
			},
		},
		{
			name:           "all pass",
			checks:         []HealthCheck{NewCheck("history", pass), NewOptionalCheck("ffmpeg", pass)},
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "healthy", s.Status)
				assert.Equal(t, "pass", s.Checks["history"].Status)
				assert.True(t, s.Checks["ffmpeg"].Optional)
			},
		},
		{
			name: "optional check fails",
			checks: []HealthCheck{
				NewCheck("history", pass),
				NewOptionalCheck("ffmpeg", func(context.Context) error { return errors.New("ffmpeg not found") }),
			},
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "degraded", s.Status)
				assert.Equal(t, "warn", s.Checks["ffmpeg"].Status)
				assert.Equal(t, "ffmpeg not found", s.Checks["ffmpeg"].Message)
			},
		},
		{
			name: "required check fails",
			checks: []HealthCheck{
				NewCheck("history", func(context.Context) error { return errors.New("connection refused") }),
				NewOptionalCheck("ffmpeg", func(context.Context) error { return errors.New("ffmpeg not found") }),
			},
			expectedStatus: http.StatusServiceUnavailable,
			check: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "unhealthy", s.Status)
				assert.Equal(t, "fail", s.Checks["history"].Status)
				assert.Equal(t, "connection refused", s.Checks["history"].Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)

			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			tt.check(t, &status)
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("1.0.0", "2024-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", data["version"])
	assert.Equal(t, "2024-01-01T00:00:00Z", data["build_time"])
	assert.Equal(t, "abc123", data["git_commit"])
}

func TestHealthHandler_ConcurrentChecks(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	for i := 0; i < 10; i++ {
		handler.RegisterCheck(NewCheck(string(rune('a'+i)), pass))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}
