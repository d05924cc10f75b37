package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/quota"
)

// RetryPolicy 协作方调用的超时与重试
type RetryPolicy struct {
	Attempts int           // 总尝试次数
	Timeout  time.Duration // 单次超时
	Initial  time.Duration // 首次退避
	Factor   float64       // 退避倍数
	Max      time.Duration // 退避上限
}

// DefaultRetryPolicy 默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Timeout:  30 * time.Second,
		Initial:  time.Second,
		Factor:   2.0,
		Max:      30 * time.Second,
	}
}

// backoff 第 n 次失败后的等待时间：initial * factor^(n-1)，不超过 max
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.Initial
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// retryable 额度耗尽与上层取消不重试
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, quota.ErrExhausted)
}

// retry 按策略执行 fn，每次尝试单独设置超时
func (c *Coordinator) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := c.opts.Retry
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if n == attempts || !retryable(ctx, err) {
			break
		}

		wait := p.backoff(n)
		c.logger.Warn("Collaborator call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", n),
			zap.Duration("backoff", wait),
			zap.Error(err))
		c.metrics.Retry(op)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return wrap(KindCollaborator, op, "", fmt.Errorf("%w (last error: %v)", ctx.Err(), err))
		case <-timer.C:
		}
	}
	return wrap(KindCollaborator, op, "", err)
}
