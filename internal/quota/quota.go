package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrExhausted 免费额度已用完，窗口重置前不再调用
var ErrExhausted = errors.New("free tier quota exhausted")

// Window 计数窗口
type Window string

const (
	Daily   Window = "daily"
	Monthly Window = "monthly"
)

// Limit 单个数据源的额度；Max 为 0 表示不限
type Limit struct {
	Source string `yaml:"source"`
	Window Window `yaml:"window"`
	Max    int64  `yaml:"max"`
}

// Usage 额度使用情况
type Usage struct {
	Source    string    `json:"source"`
	Window    Window    `json:"window"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	Available bool      `json:"can_use"`
	ResetAt   time.Time `json:"reset_at"`
}

// Backend 计数存储
type Backend interface {
	// IncrBy 增加计数并返回新值，expireAt 之后计数失效
	IncrBy(ctx context.Context, key string, n int64, expireAt time.Time) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// Monitor 按数据源跟踪 API 调用额度
type Monitor struct {
	backend Backend
	limits  map[string]Limit
	now     func() time.Time
}

// NewMonitor 创建额度监控
func NewMonitor(backend Backend, limits []Limit) *Monitor {
	m := &Monitor{backend: backend, limits: make(map[string]Limit, len(limits)), now: time.Now}
	for _, l := range limits {
		if l.Window == "" {
			l.Window = Daily
		}
		m.limits[l.Source] = l
	}
	return m
}

// period 当前窗口标识与重置时间 (UTC)
func period(w Window, now time.Time) (string, time.Time) {
	now = now.UTC()
	if w == Monthly {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01"), start.AddDate(0, 1, 0)
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start.Format("2006-01-02"), start.AddDate(0, 0, 1)
}

func key(source, p string) string {
	return fmt.Sprintf("quota:%s:%s", source, p)
}

// Reserve 预占 n 次调用；超出额度时回滚并返回 ErrExhausted
func (m *Monitor) Reserve(ctx context.Context, source string, n int64) error {
	l, ok := m.limits[source]
	if !ok || l.Max <= 0 {
		return nil
	}
	p, resetAt := period(l.Window, m.now())
	k := key(source, p)

	used, err := m.backend.IncrBy(ctx, k, n, resetAt)
	if err != nil {
		return fmt.Errorf("reserve quota for %s: %w", source, err)
	}
	if used > l.Max {
		if _, err := m.backend.IncrBy(ctx, k, -n, resetAt); err != nil {
			return fmt.Errorf("rollback quota for %s: %w", source, err)
		}
		return fmt.Errorf("%s %s limit %d: %w", source, l.Window, l.Max, ErrExhausted)
	}
	return nil
}

// Usage 所有数据源的使用情况，按名称排序
func (m *Monitor) Usage(ctx context.Context) ([]Usage, error) {
	out := make([]Usage, 0, len(m.limits))
	for _, l := range m.limits {
		p, resetAt := period(l.Window, m.now())
		used, err := m.backend.Get(ctx, key(l.Source, p))
		if err != nil {
			return nil, fmt.Errorf("get quota usage for %s: %w", l.Source, err)
		}
		u := Usage{Source: l.Source, Window: l.Window, Used: used, Limit: l.Max, ResetAt: resetAt}
		if l.Max <= 0 {
			u.Unlimited = true
			u.Available = true
		} else {
			u.Remaining = l.Max - used
			if u.Remaining < 0 {
				u.Remaining = 0
			}
			u.Available = used < l.Max
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

type memoryCounter struct {
	value    int64
	expireAt time.Time
}

// MemoryBackend 进程内计数，进程重启后清零
type MemoryBackend struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
	now      func() time.Time
}

// NewMemoryBackend 创建进程内计数
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{counters: make(map[string]memoryCounter), now: time.Now}
}

// IncrBy 实现 Backend
func (b *MemoryBackend) IncrBy(_ context.Context, key string, n int64, expireAt time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[key]
	if !ok || !b.now().Before(c.expireAt) {
		c = memoryCounter{}
	}
	c.value += n
	c.expireAt = expireAt
	b.counters[key] = c
	return c.value, nil
}

// Get 实现 Backend
func (b *MemoryBackend) Get(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[key]
	if !ok || !b.now().Before(c.expireAt) {
		return 0, nil
	}
	return c.value, nil
}
