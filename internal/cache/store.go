package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/logging"
)

// Store 负责管理磁盘缓存的读写。磁盘布局需与既有缓存目录保持一致：
//
//	<root>/<key>/<key>_<kind>.json         # JSON 响应
//	<root>/<date>/images/<identifier>.png  # 图片正文
//
// 条目写入后不会被原地修改，也不会过期；校验失败的条目由调用方删除后整体重建。
type Store struct {
	root   string
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore 以 root 为根目录构建磁盘缓存，root 不存在时自动创建。
func NewStore(root string, logger logrus.FieldLogger) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	if logger == nil {
		logger = logging.Discard()
	}

	return &Store{
		root:   abs,
		logger: logger,
		locks:  make(map[string]*entryLock),
	}, nil
}

// Root 返回缓存根目录的绝对路径。
func (s *Store) Root() string {
	return s.root
}

// PathFor 计算 JSON 条目的存储路径，不做任何 I/O。
func (s *Store) PathFor(key, kind string) string {
	return filepath.Join(s.root, key, key+"_"+kind+".json")
}

// ImagePath 计算图片条目的存储路径，不做任何 I/O。
func (s *Store) ImagePath(date, identifier string) string {
	return filepath.Join(s.root, date, "images", identifier+".png")
}

// Exists 仅判断 path 是否为普通文件，不检查内容。
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Read 将 path 中的 JSON 解码到 dest。文件缺失、为空或无法解析时返回 false，
// 损坏的条目只记录告警，调用方应当回源重新获取。
func (s *Store) Read(path string, dest any) bool {
	if !s.Exists(path) {
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.AssetFields("cache_read", path)).Warn("cache_read_failed")
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.WithError(err).WithFields(logging.AssetFields("cache_read", path)).Warn("cache_decode_failed")
		return false
	}

	s.logger.WithFields(logging.AssetFields("cache_read", path)).Debug("cache_hit")
	return true
}

// Write 将 value 序列化为 JSON 后原子写入 path，失败时返回错误。
func (s *Store) Write(ctx context.Context, path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if _, err := s.WriteFile(ctx, path, bytes.NewReader(data)); err != nil {
		s.logger.WithError(err).WithFields(logging.AssetFields("cache_write", path)).Error("cache_write_failed")
		return err
	}
	s.logger.WithFields(logging.AssetFields("cache_write", path)).Info("cache_written")
	return nil
}

// WriteFile 将 body 流式写入 path。实现通过同目录临时文件 + rename 保证原子性，
// 读者永远不会看到半截文件；失败时清理临时文件。同一 path 的写入串行执行。
func (s *Store) WriteFile(ctx context.Context, path string, body io.Reader) (int64, error) {
	unlock := s.lockEntry(path)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return written, err
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return written, err
	}
	return written, nil
}

// Remove 删除 path，文件不存在视为成功。
func (s *Store) Remove(path string) error {
	unlock := s.lockEntry(path)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) lockEntry(path string) func() {
	s.mu.Lock()
	lock := s.locks[path]
	if lock == nil {
		lock = &entryLock{}
		s.locks[path] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, path)
		}
		s.mu.Unlock()
	}
}
