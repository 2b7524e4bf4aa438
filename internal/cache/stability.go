package cache

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/logging"
)

const (
	// DefaultStabilityInterval 是两次采样文件大小的间隔。
	DefaultStabilityInterval = 100 * time.Millisecond
	// DefaultStabilityTimeout 是等待文件稳定的最长时间。
	DefaultStabilityTimeout = 5 * time.Second
)

// Watcher 通过轮询文件大小判断并发写入是否已经结束。
// 这是启发式判断：只要连续两次采样得到相同的非零大小即视为稳定。
type Watcher struct {
	interval time.Duration
	timeout  time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewWatcher 构造稳定性检测器，非正数参数回退到默认值。
func NewWatcher(interval, timeout time.Duration, logger logrus.FieldLogger) *Watcher {
	if interval <= 0 {
		interval = DefaultStabilityInterval
	}
	if timeout <= 0 {
		timeout = DefaultStabilityTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// AwaitStable 阻塞直到 path 的大小稳定、超时或 ctx 结束。
// 返回值表示是否观察到稳定状态；超时只记录告警，调用方按现状继续校验。
func (w *Watcher) AwaitStable(ctx context.Context, path string) bool {
	started := w.now()
	var lastSize int64
	polls := 0

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for w.now().Sub(started) < w.timeout {
		polls++
		if info, err := os.Stat(path); err == nil {
			size := info.Size()
			if size > 0 && size == lastSize {
				w.logger.WithFields(logging.AssetFields("stability_wait", path)).
					WithField("size", size).
					WithField("polls", polls).
					Debug("file_stable")
				return true
			}
			lastSize = size
		} else {
			lastSize = 0
		}

		timer.Reset(w.interval)
		select {
		case <-ctx.Done():
			w.logger.WithError(ctx.Err()).WithFields(logging.AssetFields("stability_wait", path)).Warn("stability_wait_cancelled")
			return false
		case <-timer.C:
		}
	}

	w.logger.WithFields(logging.AssetFields("stability_wait", path)).
		WithField("timeout_ms", w.timeout.Milliseconds()).
		Warn("file_stability_timeout")
	return false
}
