package history

import (
	"context"
	"fmt"

	"github.com/BaSui01/voicecrm/internal/cache"
	"github.com/BaSui01/voicecrm/internal/database"
	"go.uber.org/zap"
)

// Open 按 cfg.Backend 创建存储。
func Open(ctx context.Context, cfg Config, redisCfg cache.Config, dbCfg database.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(cfg.MaxMessages), nil
	case BackendRedis:
		m, err := cache.NewManager(redisCfg, logger)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(m, cfg), nil
	case BackendSQL:
		pool, err := database.Open(dbCfg, logger)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLStore(ctx, pool, cfg.AutoMigrate)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported history backend: %s (supported: memory, redis, sql)", cfg.Backend)
	}
}
