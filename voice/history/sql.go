package history

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/voicecrm/internal/database"
	"github.com/BaSui01/voicecrm/types"
	"gorm.io/gorm"
)

// Turn 一条持久化的对话消息。
type Turn struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement"`
	SessionID string     `gorm:"size:64;not null;index:idx_turns_session_id,priority:1"`
	Role      types.Role `gorm:"size:16;not null"`
	Content   string     `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// TableName 固定表名。
func (Turn) TableName() string {
	return "conversation_turns"
}

// SQLStore 基于 GORM 的存储，支持 postgres、mysql 与 sqlite。
type SQLStore struct {
	pool *database.PoolManager
}

// NewSQLStore 创建存储；migrate 为 true 时通过 AutoMigrate 建表。
func NewSQLStore(ctx context.Context, pool *database.PoolManager, migrate bool) (*SQLStore, error) {
	if migrate {
		if err := pool.DB().WithContext(ctx).AutoMigrate(&Turn{}); err != nil {
			return nil, fmt.Errorf("migrate conversation_turns: %w", err)
		}
	}
	return &SQLStore{pool: pool}, nil
}

// PoolStats 连接池统计，用于导出连接数指标。
func (s *SQLStore) PoolStats() database.PoolStats {
	return s.pool.GetStats()
}

func (s *SQLStore) Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}

	q := s.pool.DB().WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var turns []Turn
	if err := q.Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	slices.Reverse(turns)

	out := make([]types.Message, len(turns))
	for i, t := range turns {
		out[i] = types.Message{Role: t.Role, Content: t.Content}
	}
	return out, nil
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, msgs ...types.Message) error {
	if err := checkSession(sessionID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	turns := make([]Turn, len(msgs))
	now := time.Now().UTC()
	for i, m := range msgs {
		turns[i] = Turn{SessionID: sessionID, Role: m.Role, Content: m.Content, CreatedAt: now}
	}

	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Create(&turns).Error
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, sessionID string) error {
	err := s.pool.DB().WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Turn{}).Error
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
