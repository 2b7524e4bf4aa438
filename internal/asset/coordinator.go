// Package asset 负责把远端图片可靠地落到本地缓存：命中校验、回源下载、
// 稳定性等待，以及一次性的损坏恢复。
package asset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/astro-cache/astro-cache/internal/backoff"
	"github.com/astro-cache/astro-cache/internal/cache"
	"github.com/astro-cache/astro-cache/internal/logging"
)

// DefaultRecoveryDelay 是删除损坏文件后、重新下载前的等待时间。
const DefaultRecoveryDelay = time.Second

var (
	// ErrEmptyAsset 表示上游响应成功但落盘文件为空，不做重试。
	ErrEmptyAsset = errors.New("downloaded file is empty")
	// ErrCorruptAsset 表示损坏恢复后文件仍未通过校验。
	ErrCorruptAsset = errors.New("failed to download valid image after cleanup and retry")
	// ErrMissingAsset 表示下载调用返回成功但目标文件不存在。
	ErrMissingAsset = errors.New("failed to create image file")
)

// Key 描述一张待解析的图片：Date/Identifier 决定缓存路径，Resource 是上游资源路径。
type Key struct {
	Date       string
	Identifier string
	Resource   string
	Params     url.Values
}

// Fetcher 把远端资源下载到 dest，内部自带网络层重试。
type Fetcher interface {
	FetchToFile(ctx context.Context, resource string, params url.Values, dest string) error
}

// StabilityWatcher 等待并发写入结束，返回是否观察到稳定。
type StabilityWatcher interface {
	AwaitStable(ctx context.Context, path string) bool
}

// Option 调整 Coordinator 的可选行为。
type Option func(*Coordinator)

// WithRecoveryDelay 覆盖损坏恢复前的等待时间。
func WithRecoveryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.recoveryDelay = d
		}
	}
}

// WithValidator 替换文件校验函数，默认为 cache.IsValidPNG。
func WithValidator(fn func(path string) bool) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.validate = fn
		}
	}
}

// WithSleeper 替换等待函数，便于测试观察退避。
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// Coordinator 编排“查缓存 → 校验 → 回源 → 等待稳定 → 再校验 → 损坏恢复”的流程。
// 同一路径的并发请求通过 singleflight 合并为一次下载。
type Coordinator struct {
	store         *cache.Store
	fetcher       Fetcher
	watcher       StabilityWatcher
	logger        logrus.FieldLogger
	validate      func(path string) bool
	sleep         func(context.Context, time.Duration) error
	recoveryDelay time.Duration
	group         singleflight.Group
}

// NewCoordinator 构造 Coordinator，store/fetcher/watcher 均不能为空。
func NewCoordinator(store *cache.Store, fetcher Fetcher, watcher StabilityWatcher, logger logrus.FieldLogger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if watcher == nil {
		return nil, errors.New("stability watcher is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Coordinator{
		store:         store,
		fetcher:       fetcher,
		watcher:       watcher,
		logger:        logger,
		validate:      cache.IsValidPNG,
		sleep:         backoff.Sleep,
		recoveryDelay: DefaultRecoveryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve 返回 key 对应的、已通过完整性校验的本地文件路径。
// 下载一旦开始便独立于任一调用方的取消运行到结束；调用方取消只会让自己提前返回。
func (c *Coordinator) Resolve(ctx context.Context, key Key) (string, error) {
	path := c.store.ImagePath(key.Date, key.Identifier)
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(path, func() (any, error) {
		return c.resolve(detached, key, path)
	})

	select {
	case <-ctx.Done():
		c.logger.WithFields(logging.AssetFields("asset_resolve", path)).Warn("asset_request_cancelled")
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.logger.WithFields(logging.AssetFields("asset_resolve", path)).Debug("asset_request_coalesced")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Coordinator) resolve(ctx context.Context, key Key, path string) (string, error) {
	fields := c.fields(key, path)

	if c.store.Exists(path) {
		if c.validate(path) {
			c.logger.WithFields(fields).Info("asset_cache_hit")
			return path, nil
		}
		c.logger.WithFields(fields).Warn("asset_cache_corrupted")
		return c.recover(ctx, key, path)
	}

	c.logger.WithFields(fields).Info("asset_download_start")
	if err := c.fetcher.FetchToFile(ctx, key.Resource, key.Params, path); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("asset_download_failed")
		return "", fmt.Errorf("download %s: %w", key.Identifier, err)
	}

	size, err := c.settle(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMissingAsset, key.Identifier)
	}
	if size == 0 {
		c.logger.WithFields(fields).Error("asset_empty")
		if err := c.store.Remove(path); err != nil {
			c.logger.WithError(err).WithFields(fields).Warn("asset_remove_failed")
		}
		return "", fmt.Errorf("%w: %s", ErrEmptyAsset, key.Identifier)
	}
	if !c.validate(path) {
		c.logger.WithFields(fields).WithField("size", size).Warn("asset_download_invalid")
		return c.recover(ctx, key, path)
	}

	c.logger.WithFields(fields).WithField("size", size).Info("asset_download_complete")
	return path, nil
}

// recover 是唯一一次损坏恢复：删除文件、等待、重新下载并校验，再次失败即终止。
func (c *Coordinator) recover(ctx context.Context, key Key, path string) (string, error) {
	fields := c.fields(key, path)

	if err := c.store.Remove(path); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("asset_remove_failed")
	} else {
		c.logger.WithFields(fields).Warn("asset_corrupted_removed")
	}

	if err := c.sleep(ctx, c.recoveryDelay); err != nil {
		return "", fmt.Errorf("recover %s: %w", key.Identifier, err)
	}

	c.logger.WithFields(fields).Info("asset_retry_download")
	if err := c.fetcher.FetchToFile(ctx, key.Resource, key.Params, path); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("asset_retry_failed")
		return "", fmt.Errorf("retry download %s: %w", key.Identifier, err)
	}

	size, err := c.settle(ctx, path)
	if err == nil && size > 0 && c.validate(path) {
		c.logger.WithFields(fields).WithField("size", size).Info("asset_retry_complete")
		return path, nil
	}

	c.logger.WithFields(fields).WithField("size", size).Error("asset_retry_invalid")
	if err := c.store.Remove(path); err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("asset_remove_failed")
	}
	return "", fmt.Errorf("%w: %s", ErrCorruptAsset, key.Identifier)
}

// settle 等待文件稳定后返回其大小；超时只告警，按现状继续。
func (c *Coordinator) settle(ctx context.Context, path string) (int64, error) {
	c.watcher.AwaitStable(ctx, path)

	info, err := os.Stat(path)
	if err != nil {
		c.logger.WithError(err).WithFields(logging.AssetFields("asset_stat", path)).Error("asset_missing_after_download")
		return 0, err
	}
	return info.Size(), nil
}

func (c *Coordinator) fields(key Key, path string) logrus.Fields {
	fields := logging.AssetFields("asset_resolve", path)
	fields["identifier"] = key.Identifier
	fields["date"] = key.Date
	return fields
}
