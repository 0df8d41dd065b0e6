package history

import (
	"context"
	"sync"

	"github.com/BaSui01/voicecrm/types"
)

// MemoryStore 进程内存储，重启丢失。
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string][]types.Message
	maxMessages int
}

// NewMemoryStore 创建内存存储，maxMessages 为 0 时不截断。
func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string][]types.Message),
		maxMessages: maxMessages,
	}
}

func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]types.Message, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...types.Message) error {
	if err := checkSession(sessionID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append(s.sessions[sessionID], msgs...)
	if s.maxMessages > 0 && len(all) > s.maxMessages {
		all = append([]types.Message(nil), all[len(all)-s.maxMessages:]...)
	}
	s.sessions[sessionID] = all
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
