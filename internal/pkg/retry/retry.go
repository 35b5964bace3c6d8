// Package retry 指数退避重试
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy 退避策略
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// permanentError 标记不应重试的错误
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 包装一个不可重试的错误，Do 遇到后立即返回
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否被标记为不可重试
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff 第 attempt 次失败后的等待时长(attempt 从1开始)
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	return time.Duration(d)
}

// Sleeper 等待函数，测试可替换为不等待的实现
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep 可被 ctx 取消的等待
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do 执行 fn 直到成功、遇到永久错误、次数耗尽或 ctx 取消
// 返回实际尝试次数和最后一次错误
func Do(ctx context.Context, p Policy, sleep Sleeper, fn func(attempt int) error) (int, error) {
	if sleep == nil {
		sleep = ContextSleep
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if IsPermanent(lastErr) {
			return attempt, lastErr
		}
		if attempt < maxAttempts {
			if err := sleep(ctx, p.Backoff(attempt)); err != nil {
				return attempt, lastErr
			}
		}
	}
	return maxAttempts, lastErr
}
