package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked 锁已被其他周期持有
var ErrLocked = errors.New("lock is held by another cycle")

// Release 释放锁
type Release func(ctx context.Context) error

// Locker 每站至多一个进行中的周期
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory 进程内锁，单实例部署使用
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

// NewMemory 创建进程内锁
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), now: time.Now}
}

// Acquire 获取锁，过期的锁视为已释放
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	m.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.held[key]; ok && e.token == token {
			delete(m.held, key)
		}
		return nil
	}, nil
}
