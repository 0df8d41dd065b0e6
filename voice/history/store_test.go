package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/voicecrm/internal/cache"
	"github.com/BaSui01/voicecrm/internal/database"
	"github.com/BaSui01/voicecrm/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := database.Open(database.Config{
		Driver: "sqlite",
		Name:   ":memory:",
		Pool:   database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
	}, zap.NewNop())
	require.NoError(t, err)

	s, err := NewSQLStore(context.Background(), pool, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "voicecrm:"}, zap.NewNop())
	require.NoError(t, err)
	s := NewRedisStore(m, Config{MaxMessages: 4, TTL: time.Hour})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(4),
		"redis":  redisStore,
		"sql":    newSQLiteStore(t),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Ping(ctx))

			msgs, err := s.Recent(ctx, "s1", 10)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			require.NoError(t, s.Append(ctx, "s1",
				types.NewUserMessage("你好"),
				types.NewAssistantMessage("你好，我是小云"),
			))
			require.NoError(t, s.Append(ctx, "s1", types.NewUserMessage("查订单")))
			require.NoError(t, s.Append(ctx, "s2", types.NewUserMessage("别的会话")))
			require.NoError(t, s.Append(ctx, "s1"))

			msgs, err = s.Recent(ctx, "s1", 0)
			require.NoError(t, err)
			assert.Equal(t, []types.Message{
				types.NewUserMessage("你好"),
				types.NewAssistantMessage("你好，我是小云"),
				types.NewUserMessage("查订单"),
			}, msgs)

			msgs, err = s.Recent(ctx, "s1", 2)
			require.NoError(t, err)
			assert.Equal(t, []types.Message{
				types.NewAssistantMessage("你好，我是小云"),
				types.NewUserMessage("查订单"),
			}, msgs)

			require.NoError(t, s.Clear(ctx, "s1"))
			msgs, err = s.Recent(ctx, "s1", 0)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			msgs, err = s.Recent(ctx, "s2", 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
		})
	}
}

func TestStore_RejectsBadSession(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Recent(ctx, " ", 1)
			assert.True(t, types.IsErrorCode(err, types.ErrValidation))

			long := fmt.Sprintf("%065d", 0)
			err = s.Append(ctx, long, types.NewUserMessage("x"))
			assert.True(t, types.IsErrorCode(err, types.ErrValidation))
		})
	}
}

func TestMemoryStore_TrimsAndCopies(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "s", types.NewUserMessage(fmt.Sprint(i))))
	}
	msgs, err := s.Recent(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "2", msgs[0].Content)

	msgs[0].Content = "changed"
	again, _ := s.Recent(ctx, "s", 0)
	assert.Equal(t, "2", again[0].Content)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(ctx, "s", types.NewUserMessage("x"))
			_, _ = s.Recent(ctx, "s", 5)
		}()
	}
	wg.Wait()
	msgs, _ := s.Recent(ctx, "s", 0)
	assert.Len(t, msgs, 50)
}

func TestRedisStore_TrimAndTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(ctx, "s", types.NewUserMessage(fmt.Sprint(i))))
	}
	msgs, err := s.Recent(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "2", msgs[0].Content)
	assert.Equal(t, time.Hour, mr.TTL("voicecrm:history:s"))

	mr.FastForward(2 * time.Hour)
	msgs, err = s.Recent(ctx, "s", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, DefaultConfig(), cache.Config{}, database.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, Config{Backend: "redis"}, cache.Config{Addr: mr.Addr()}, database.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Backend: "sql", AutoMigrate: true}, cache.Config{},
		database.Config{Driver: "sqlite", Name: ":memory:", Pool: database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: "mongo"}, cache.Config{}, database.Config{}, nil)
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: "sql"}, cache.Config{}, database.Config{}, nil)
	assert.Error(t, err)
}
