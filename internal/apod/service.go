// Package apod 提供每日天文图（APOD）元数据查询，按日期区间落盘缓存。
package apod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/astro-cache/astro-cache/internal/cache"
	"github.com/astro-cache/astro-cache/internal/logging"
	"github.com/astro-cache/astro-cache/internal/upstream"
)

const (
	resource  = "planetary/apod"
	cacheKind = "apod"
)

// Image 对应 APOD API 返回的单条记录。
type Image struct {
	Date           string `json:"date"`
	Title          string `json:"title"`
	Explanation    string `json:"explanation"`
	URL            string `json:"url"`
	HDURL          string `json:"hdurl,omitempty"`
	MediaType      string `json:"media_type"`
	ServiceVersion string `json:"service_version"`
	Copyright      string `json:"copyright,omitempty"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
}

// Query 描述日期区间，两端均可省略。
type Query struct {
	StartDate string
	EndDate   string
}

// CacheKey 按区间生成缓存键。
func (q Query) CacheKey() string {
	switch {
	case q.StartDate != "" && q.EndDate != "":
		return q.StartDate + "_to_" + q.EndDate
	case q.StartDate != "":
		return "from_" + q.StartDate
	case q.EndDate != "":
		return "until_" + q.EndDate
	default:
		return "latest"
	}
}

func (q Query) params() url.Values {
	params := url.Values{}
	if q.StartDate != "" {
		params.Set("start_date", q.StartDate)
	}
	if q.EndDate != "" {
		params.Set("end_date", q.EndDate)
	}
	return params
}

// JSONFetcher 由 upstream.Client 实现。
type JSONFetcher interface {
	FetchJSON(ctx context.Context, resource string, params url.Values, dest any) (upstream.RateLimit, error)
}

type Service struct {
	store   *cache.Store
	fetcher JSONFetcher
	logger  logrus.FieldLogger
	group   singleflight.Group
}

func NewService(store *cache.Store, fetcher JSONFetcher, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, fetcher: fetcher, logger: logger}
}

// Images 返回区间内的 APOD 列表。上游在未指定区间时返回单个对象，这里统一成列表。
// 同一区间的并发未命中合并为一次回源。
func (s *Service) Images(ctx context.Context, q Query) (upstream.Result[[]Image], error) {
	key := q.CacheKey()
	path := s.store.PathFor(key, cacheKind)
	fields := logrus.Fields{"action": "apod_images", "cache_key": key}

	var cached []Image
	if s.store.Read(path, &cached) && len(cached) > 0 {
		s.logger.WithFields(fields).Info("apod_images_cached")
		return upstream.Result[[]Image]{Data: cached, Status: upstream.StatusCached}, nil
	}

	v, err, _ := s.group.Do(path, func() (any, error) {
		return s.fetchImages(context.WithoutCancel(ctx), q, path, fields)
	})
	if err != nil {
		return upstream.Result[[]Image]{}, err
	}
	return v.(upstream.Result[[]Image]), nil
}

func (s *Service) fetchImages(ctx context.Context, q Query, path string, fields logrus.Fields) (upstream.Result[[]Image], error) {
	s.logger.WithFields(fields).Info("apod_images_fetch")
	var raw json.RawMessage
	limit, err := s.fetcher.FetchJSON(ctx, resource, q.params(), &raw)
	if err != nil {
		return upstream.Result[[]Image]{}, err
	}

	images, err := decodeImages(raw)
	if err != nil {
		return upstream.Result[[]Image]{}, fmt.Errorf("decode apod: %w", err)
	}

	if err := s.store.Write(ctx, path, images); err != nil {
		return upstream.Result[[]Image]{}, fmt.Errorf("cache apod images: %w", err)
	}

	s.logger.WithFields(fields).WithField("count", len(images)).Info("apod_images_fetched")
	return upstream.Result[[]Image]{Data: images, Status: upstream.StatusSuccess, RateLimit: limit}, nil
}

func decodeImages(raw json.RawMessage) ([]Image, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Image{}, nil
	}
	if trimmed[0] == '{' {
		var single Image
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, err
		}
		return []Image{single}, nil
	}

	images := []Image{}
	if err := json.Unmarshal(trimmed, &images); err != nil {
		return nil, err
	}
	return images, nil
}
