package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/voicecrm/api/handlers"
	"github.com/BaSui01/voicecrm/config"
	"github.com/BaSui01/voicecrm/internal/ctxkeys"
	"github.com/BaSui01/voicecrm/internal/metrics"
	"github.com/BaSui01/voicecrm/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *handlers.ErrorInfo {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	handler := Chain(okHandler(), SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	handler := RequestID()(inner)

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Regexp(t, `^req-[0-9a-f-]{36}$`, w.Header().Get("X-Request-ID"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	})

	t.Run("propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "upstream-1")
		handler.ServeHTTP(w, r)
		assert.Equal(t, "upstream-1", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "upstream-1", seen)
	})
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := Chain(panicking, Recovery(zap.NewNop()), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/voice/process", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	info := decodeError(t, w)
	assert.Equal(t, string(types.ErrInternal), info.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := APIKeyAuth([]string{"secret-key-1"}, []string{"/health"}, true, zap.NewNop())(inner)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"skip path", "/health", "", http.StatusOK},
		{"valid header", "/api/v1/voice/stats", "secret-key-1", http.StatusOK},
		{"valid query", "/api/v1/voice/stats?api_key=secret-key-1", "", http.StatusOK},
		{"wrong key", "/api/v1/voice/stats", "nope", http.StatusUnauthorized},
		{"missing key", "/api/v1/voice/stats", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), decodeError(t, w).Code)
			}
		})
	}
	assert.Equal(t, "apikey:secr****", subject)
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "jwt-secret", JWTIssuer: "crm", JWTAudience: "voice"}
	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(cfg, nil, zap.NewNop())(inner)

	valid := jwt.RegisteredClaims{
		Subject:   "agent-7",
		Issuer:    "crm",
		Audience:  jwt.ClaimStrings{"voice"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid
	wrongIssuer.Issuer = "other"

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"valid", signToken(t, "jwt-secret", valid), http.StatusOK},
		{"expired", signToken(t, "jwt-secret", expired), http.StatusUnauthorized},
		{"wrong issuer", signToken(t, "jwt-secret", wrongIssuer), http.StatusUnauthorized},
		{"wrong secret", signToken(t, "other-secret", valid), http.StatusUnauthorized},
		{"garbage", "not.a.token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil)
			r.Header.Set("Authorization", "Bearer "+tt.token)
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "agent-7", subject)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestAuthenticate_EitherMethod(t *testing.T) {
	cfg := config.AuthConfig{APIKeys: []string{"key-1"}, JWTSecret: "jwt-secret"}
	handler := Authenticate(cfg, []string{"/health"}, zap.NewNop())(okHandler())

	token := signToken(t, "jwt-secret", jwt.RegisteredClaims{
		Subject:   "agent-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	byKey := httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil)
	byKey.Header.Set("X-API-Key", "key-1")
	byToken := httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil)
	byToken.Header.Set("Authorization", "Bearer "+token)
	neither := httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil)

	for name, tc := range map[string]struct {
		r    *http.Request
		want int
	}{
		"api key": {byKey, http.StatusOK},
		"jwt":     {byToken, http.StatusOK},
		"neither": {neither, http.StatusUnauthorized},
		"skipped": {httptest.NewRequest(http.MethodGet, "/health", nil), http.StatusOK},
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tc.r)
			assert.Equal(t, tc.want, w.Code)
		})
	}

	open := Authenticate(config.AuthConfig{}, nil, zap.NewNop())(okHandler())
	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
			assert.Equal(t, string(types.ErrRateLimited), decodeError(t, w).Code)
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 其他 IP 不受影响
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/voice/stats", nil)
	r.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/api/v1/voice/process", "/api/v1/voice/process"},
		{"/api/v1/voice/history/caller-138", "/api/v1/voice/history/:session_id"},
		{"/api/v1/voice/history/", "/api/v1/voice/history/"},
		{"/unknown/12345", "/unknown/:id"},
		{"/unknown/550e8400-e29b-41d4-a716-446655440000", "/unknown/:id"},
		{"/unknown/name", "/unknown/name"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("voicecrm_test", reg, zap.NewNop())
	handler := MetricsMiddleware(collector)(okHandler())

	for _, p := range []string{"/api/v1/voice/history/a", "/api/v1/voice/history/b"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	count, err := testutil.GatherAndCount(reg, "voicecrm_test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "session ids collapse into one series")
}
