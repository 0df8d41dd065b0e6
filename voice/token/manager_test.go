package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/voicecrm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCreds = Credentials{AccessKeyID: "test-id", AccessKeySecret: "test-secret", AppKey: "app"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type tokenServer struct {
	*httptest.Server
	requests   atomic.Int32
	expireTime func() int64
	failFirst  int32
	delay      time.Duration
	lastQuery  atomic.Value
}

func newTokenServer(t *testing.T, expireTime func() int64) *tokenServer {
	ts := &tokenServer{expireTime: expireTime}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.requests.Add(1)
		ts.lastQuery.Store(r.URL.RawQuery)
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if n <= ts.failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"ErrMsg":"busy"}`))
			return
		}
		resp := map[string]any{
			"Token": map[string]any{"Id": "tok-" + string(rune('a'+n-1)), "ExpireTime": ts.expireTime()},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(ts *tokenServer, clock *fakeClock, opts ...Option) *Manager {
	cfg := Config{
		Endpoint:   ts.URL + "/",
		Timeout:    2 * time.Second,
		RetryDelay: time.Millisecond,
	}
	all := append([]Option{WithHTTPClient(ts.Client()), WithNonce(func() string { return "nonce" })}, opts...)
	if clock != nil {
		all = append(all, WithClock(clock.Now))
	}
	return NewManager("asr", testCreds, cfg, zap.NewNop(), all...)
}

func TestManager_CachesFreshToken(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ts := newTokenServer(t, func() int64 { return clock.Now().Add(time.Hour).Unix() })
	m := newTestManager(ts, clock)

	first, err := m.Token(context.Background())
	require.NoError(t, err)
	second, err := m.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), ts.requests.Load())
	assert.Equal(t, time.Unix(1_700_003_600, 0), first.ExpiresAt)
}

func TestManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return time.Now().Add(time.Hour).Unix() })
	ts.delay = 50 * time.Millisecond
	m := newTestManager(ts, nil)

	const callers = 32
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			ids[i], errs[i] = tok.ID, err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.requests.Load(), "只应发出一次刷新请求")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestManager_TokenInsideMarginTriggersRefresh(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	// 相对 30s 到期，在 60s 余量内
	ts := newTokenServer(t, func() int64 { return 30 })
	m := newTestManager(ts, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	_, err = m.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), ts.requests.Load())
}

func TestManager_TokenOutsideMarginIsReused(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ts := newTokenServer(t, func() int64 { return clock.Now().Add(61 * time.Second).Unix() })
	m := newTestManager(ts, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.requests.Load())

	// 推进到余量之内后必须刷新
	clock.Advance(2 * time.Second)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.requests.Load())
}

func TestManager_MissingExpireTimeUsesDefaultTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ts := newTokenServer(t, func() int64 { return 0 })
	m := newTestManager(ts, clock)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTTL), tok.ExpiresAt)
}

func TestManager_InvalidateForcesRefresh(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return time.Now().Add(time.Hour).Unix() })
	m := newTestManager(ts, nil)

	first, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Invalidate()
	assert.Empty(t, m.Current().ID)

	second, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int32(2), ts.requests.Load())
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return time.Now().Add(time.Hour).Unix() })
	ts.failFirst = 2
	m := newTestManager(ts, nil)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, int32(3), ts.requests.Load())
}

func TestManager_ExhaustedRetriesReturnTokenError(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return 0 })
	ts.failFirst = 100
	m := newTestManager(ts, nil)

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrToken, types.GetErrorCode(err))
	assert.Equal(t, int32(3), ts.requests.Load())
}

func TestManager_MissingCredentialsSkipsNetwork(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return 0 })
	m := NewManager("tts", Credentials{}, Config{Endpoint: ts.URL + "/"}, nil, WithHTTPClient(ts.Client()))

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrToken, types.GetErrorCode(err))
	assert.Equal(t, int32(0), ts.requests.Load())
}

func TestManager_SignsRequest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)}
	ts := newTokenServer(t, func() int64 { return 0 })
	m := NewManager("tts", testCreds, Config{
		Endpoint: ts.URL + "/",
		RegionID: "cn-shanghai",
	}, zap.NewNop(), WithHTTPClient(ts.Client()), WithClock(clock.Now), WithNonce(func() string { return "fixed-nonce" }))

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	q, err := url.ParseQuery(ts.lastQuery.Load().(string))
	require.NoError(t, err)
	assert.Equal(t, "CreateToken", q.Get("Action"))
	assert.Equal(t, "2024-05-01T08:30:00Z", q.Get("Timestamp"))
	assert.Equal(t, "fixed-nonce", q.Get("SignatureNonce"))
	assert.Equal(t, "cn-shanghai", q.Get("RegionId"))
	assert.Equal(t, "2019-02-28", q.Get("Version"))

	sig := q.Get("Signature")
	q.Del("Signature")
	assert.Equal(t, Sign(q, testCreds.AccessKeySecret), sig)
}

type recorder struct {
	mu       sync.Mutex
	outcomes []bool
}

func (r *recorder) RecordTokenRefresh(_ string, success bool, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, success)
	r.mu.Unlock()
}

func TestManager_RecordsRefreshOutcome(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return time.Now().Add(time.Hour).Unix() })
	rec := &recorder{}
	m := newTestManager(ts, nil, WithRefreshRecorder(rec))

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, rec.outcomes)
}

func TestManager_CanceledWaiter(t *testing.T) {
	ts := newTokenServer(t, func() int64 { return time.Now().Add(time.Hour).Unix() })
	ts.delay = 200 * time.Millisecond
	m := newTestManager(ts, nil)

	go func() { _, _ = m.Token(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Token(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrToken, types.GetErrorCode(err))
}

func TestToken_Fresh(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, Token{}.Fresh(now, time.Minute))
	assert.False(t, Token{ID: "x", ExpiresAt: now.Add(30 * time.Second)}.Fresh(now, time.Minute))
	assert.False(t, Token{ID: "x", ExpiresAt: now.Add(60 * time.Second)}.Fresh(now, time.Minute))
	assert.True(t, Token{ID: "x", ExpiresAt: now.Add(61 * time.Second)}.Fresh(now, time.Minute))
}
