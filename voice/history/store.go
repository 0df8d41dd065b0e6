// Package history 保存会话的对话轮次，供下一次请求作为上下文加载。
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/voicecrm/types"
)

// Store 会话历史存储，实现需可并发使用。
type Store interface {
	// Recent 按时间顺序返回会话最近 limit 条消息，limit<=0 返回全部。
	Recent(ctx context.Context, sessionID string, limit int) ([]types.Message, error)
	// Append 按顺序追加消息。
	Append(ctx context.Context, sessionID string, msgs ...types.Message) error
	// Clear 删除会话全部消息。
	Clear(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// 存储后端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Config 历史存储配置
type Config struct {
	// memory、redis 或 sql
	Backend string `yaml:"backend" json:"backend" env:"BACKEND"`
	// 每次请求加载的消息条数
	Limit int `yaml:"limit" json:"limit" env:"LIMIT"`
	// 单个会话最多保留的消息条数，0 不限制
	MaxMessages int `yaml:"max_messages" json:"max_messages" env:"MAX_MESSAGES"`
	// 会话过期时间，仅 redis 生效
	TTL time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
	// sql 后端启动时自动建表
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// DefaultConfig 默认使用内存存储，加载最近 10 条。
func DefaultConfig() Config {
	return Config{
		Backend:     BackendMemory,
		Limit:       10,
		MaxMessages: 100,
		TTL:         24 * time.Hour,
		AutoMigrate: true,
	}
}

func checkSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return types.NewError(types.ErrValidation, "session id is empty")
	}
	if len(sessionID) > 64 {
		return types.NewError(types.ErrValidation, fmt.Sprintf("session id too long: %d", len(sessionID)))
	}
	return nil
}
