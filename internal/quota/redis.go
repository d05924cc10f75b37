package quota

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend 基于 INCRBY + EXPIREAT 的计数，多实例共享额度
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 创建 Redis 计数
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// IncrBy 实现 Backend
func (b *RedisBackend) IncrBy(ctx context.Context, key string, n int64, expireAt time.Time) (int64, error) {
	k := b.prefix + key
	pipe := b.client.TxPipeline()
	incr := pipe.IncrBy(ctx, k, n)
	pipe.ExpireAt(ctx, k, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Get 实现 Backend
func (b *RedisBackend) Get(ctx context.Context, key string) (int64, error) {
	v, err := b.client.Get(ctx, b.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
