// Package backoff 提供重试之间的等待策略。
package backoff

import (
	"context"
	"time"
)

// Linear 返回第 attempt 次失败后的等待时长：base * attempt。
func Linear(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// Sleep 阻塞 d 时长，ctx 提前结束时返回 ctx.Err()。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
