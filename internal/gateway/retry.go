package gateway

import (
	"context"
	"time"

	"gridtrader/internal/logger"
)

// RetryPolicy 对瞬时网关错误做指数退避重试
type RetryPolicy struct {
	Attempts     int           // 总尝试次数, 至少为 1
	InitialDelay time.Duration // 首次重试前的等待时间, 之后逐次翻倍
}

// DefaultRetryPolicy 返回适合大多数调用的重试参数
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: 500 * time.Millisecond}
}

// Do 执行 fn，遇到瞬时错误时退避后重试。
// 拒绝类错误和其它永久错误立即返回，ctx 取消时停止等待。
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		logger.S().Warnf("%s failed (attempt %d/%d), retrying in %v: %v", op, i+1, attempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
