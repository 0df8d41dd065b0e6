package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/voicecrm/internal/cache"
	"github.com/BaSui01/voicecrm/types"
)

// RedisStore 每个会话一个 Redis 列表，写入时截断并刷新过期时间。
type RedisStore struct {
	cache       *cache.Manager
	maxMessages int64
	ttl         time.Duration
}

// NewRedisStore 基于缓存管理器创建存储。
func NewRedisStore(m *cache.Manager, cfg Config) *RedisStore {
	return &RedisStore{
		cache:       m,
		maxMessages: int64(cfg.MaxMessages),
		ttl:         cfg.TTL,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.cache.Key("history", sessionID)
}

func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []types.Message
	err := s.cache.TailJSON(ctx, s.key(sessionID), int64(limit), func(raw []byte) error {
		var m types.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs ...types.Message) error {
	if err := checkSession(sessionID); err != nil {
		return err
	}
	values := make([]any, len(msgs))
	for i, m := range msgs {
		values[i] = m
	}
	if err := s.cache.PushJSON(ctx, s.key(sessionID), s.maxMessages, s.ttl, values...); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.cache.Delete(ctx, s.key(sessionID))
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

func (s *RedisStore) Close() error {
	return s.cache.Close()
}
