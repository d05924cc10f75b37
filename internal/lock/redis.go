package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis 基于 SET NX PX 的分布式锁，多实例部署使用
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis 创建 Redis 锁
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(key string) string {
	return fmt.Sprintf("%slock:%s", r.prefix, key)
}

// Acquire 获取锁
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	k := r.key(key)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", k, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release lock %s: %w", k, err)
		}
		return nil
	}, nil
}
