// Package epic 提供 EPIC 影像元数据查询与图片解析，元数据按日期落盘缓存。
package epic

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/astro-cache/astro-cache/internal/asset"
	"github.com/astro-cache/astro-cache/internal/cache"
	"github.com/astro-cache/astro-cache/internal/logging"
	"github.com/astro-cache/astro-cache/internal/upstream"
)

// DateLayout 是 EPIC 接口使用的日期格式。
const DateLayout = "2006-01-02"

// ErrInvalidIdentifier 表示无法从影像标识中提取日期。
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierDate = regexp.MustCompile(`20\d{6}`)

// JSONFetcher 由 upstream.Client 实现。
type JSONFetcher interface {
	FetchJSON(ctx context.Context, resource string, params url.Values, dest any) (upstream.RateLimit, error)
}

// ImageResolver 由 asset.Coordinator 实现。
type ImageResolver interface {
	Resolve(ctx context.Context, key asset.Key) (string, error)
}

// Query 描述元数据查询条件。Date 为空时取当天，Natural 为 false 时查询 enhanced。
type Query struct {
	Date    string
	Natural bool
}

// Service 组合缓存、上游与图片解析。
type Service struct {
	store    *cache.Store
	fetcher  JSONFetcher
	resolver ImageResolver
	logger   logrus.FieldLogger
	now      func() time.Time
	group    singleflight.Group
}

// NewService 构建 EPIC 服务，store 应当是 EPIC 专用的缓存目录。
func NewService(store *cache.Store, fetcher JSONFetcher, resolver ImageResolver, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:    store,
		fetcher:  fetcher,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Images 返回指定日期的影像列表：缓存中存在非空列表时直接返回，否则回源并写入缓存。
func (s *Service) Images(ctx context.Context, q Query) (upstream.Result[[]Image], error) {
	date := q.Date
	if date == "" {
		date = s.now().Format(DateLayout)
	}
	kind := TypeEnhanced
	if q.Natural {
		kind = TypeNatural
	}

	path := s.store.PathFor(date, string(kind))
	var cached []Image
	if s.store.Read(path, &cached) && len(cached) > 0 {
		s.logger.WithFields(s.fields("epic_images", date, kind)).Info("epic_images_cached")
		return upstream.Result[[]Image]{Data: cached, Status: upstream.StatusCached}, nil
	}

	// 同一缓存文件的并发未命中只回源一次
	v, err, _ := s.group.Do(path, func() (any, error) {
		return s.fetchImages(context.WithoutCancel(ctx), path, date, kind)
	})
	if err != nil {
		return upstream.Result[[]Image]{}, err
	}
	return v.(upstream.Result[[]Image]), nil
}

func (s *Service) fetchImages(ctx context.Context, path, date string, kind Type) (upstream.Result[[]Image], error) {
	s.logger.WithFields(s.fields("epic_images", date, kind)).Info("epic_images_fetch")
	var images []Image
	limit, err := s.fetcher.FetchJSON(ctx, fmt.Sprintf("EPIC/api/%s/date/%s", kind, date), nil, &images)
	if err != nil {
		return upstream.Result[[]Image]{}, err
	}
	if images == nil {
		images = []Image{}
	}

	if err := s.store.Write(ctx, path, images); err != nil {
		return upstream.Result[[]Image]{}, fmt.Errorf("cache epic images: %w", err)
	}

	s.logger.WithFields(s.fields("epic_images", date, kind)).WithField("count", len(images)).Info("epic_images_fetched")
	return upstream.Result[[]Image]{Data: images, Status: upstream.StatusSuccess, RateLimit: limit}, nil
}

// AvailableDates 返回上游可用的日期列表，不做缓存。
func (s *Service) AvailableDates(ctx context.Context, kind Type) (upstream.Result[[]string], error) {
	if kind == "" {
		kind = TypeNatural
	}
	var dates []string
	limit, err := s.fetcher.FetchJSON(ctx, fmt.Sprintf("EPIC/api/%s/available", kind), nil, &dates)
	if err != nil {
		return upstream.Result[[]string]{}, err
	}
	if dates == nil {
		dates = []string{}
	}
	return upstream.Result[[]string]{Data: dates, Status: upstream.StatusSuccess, RateLimit: limit}, nil
}

// Latest 返回最新一批 natural 影像，不做缓存。
func (s *Service) Latest(ctx context.Context) (upstream.Result[[]Image], error) {
	var images []Image
	limit, err := s.fetcher.FetchJSON(ctx, "EPIC/api/natural/latest", nil, &images)
	if err != nil {
		return upstream.Result[[]Image]{}, err
	}
	if images == nil {
		images = []Image{}
	}
	return upstream.Result[[]Image]{Data: images, Status: upstream.StatusSuccess, RateLimit: limit}, nil
}

// ImagePath 返回 identifier 对应的本地 PNG 路径，必要时回源下载。
func (s *Service) ImagePath(ctx context.Context, identifier string) (string, error) {
	date, ok := DateFromIdentifier(identifier)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidIdentifier, identifier)
	}

	return s.resolver.Resolve(ctx, asset.Key{
		Date:       date,
		Identifier: identifier,
		Resource:   archiveResource(date, identifier),
	})
}

// DateFromIdentifier 从形如 epic_1b_20190530011359 的标识中提取 YYYY-MM-DD。
func DateFromIdentifier(identifier string) (string, bool) {
	match := identifierDate.FindString(identifier)
	if match == "" {
		return "", false
	}
	return match[0:4] + "-" + match[4:6] + "-" + match[6:8], true
}

func archiveResource(date, identifier string) string {
	// date 已是 YYYY-MM-DD
	return fmt.Sprintf("EPIC/archive/natural/%s/%s/%s/png/%s.png", date[0:4], date[5:7], date[8:10], identifier)
}

func (s *Service) fields(action, date string, kind Type) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"date":   date,
		"type":   string(kind),
	}
}
