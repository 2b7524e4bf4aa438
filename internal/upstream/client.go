package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/backoff"
	"github.com/astro-cache/astro-cache/internal/config"
	"github.com/astro-cache/astro-cache/internal/logging"
	"github.com/astro-cache/astro-cache/internal/version"
)

// DefaultMaxPayloadSize 是单次响应体的默认上限（50MB）。
const DefaultMaxPayloadSize = 50 * 1024 * 1024

const (
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitLimit     = "X-RateLimit-Limit"
)

// RateLimit 透传上游返回的限流信息。字段为 nil 表示响应未携带对应头，
// 指向 0 则表示额度确实已耗尽，两者不可混淆。
type RateLimit struct {
	Remaining *int
	Limit     *int
}

// Present 表示上游是否返回了任意限流头。
func (r RateLimit) Present() bool {
	return r.Remaining != nil || r.Limit != nil
}

// FileWriter 负责把响应体原子写入磁盘，由 cache.Store 实现。
type FileWriter interface {
	WriteFile(ctx context.Context, path string, body io.Reader) (int64, error)
}

// Client 封装对远端 API 的 GET 请求：JSON 请求单次执行，
// 文件下载带有独立的有限次重试与线性退避。
type Client struct {
	httpClient  *http.Client
	base        *url.URL
	apiKey      string
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	maxPayload  int64
	files       FileWriter
	logger      logrus.FieldLogger
	sleep       func(context.Context, time.Duration) error
}

// NewClient 根据上游配置构建 Client，files 用于 FetchToFile 的落盘。
func NewClient(cfg config.UpstreamConfig, httpClient *http.Client, files FileWriter, logger logrus.FieldLogger) (*Client, error) {
	base, err := url.Parse(cfg.UpstreamBase)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base: %s", cfg.UpstreamBase)
	}
	if files == nil {
		return nil, errors.New("file writer is required")
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := cfg.UpstreamTimeout.DurationValue()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxPayload := cfg.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	return &Client{
		httpClient:  httpClient,
		base:        base,
		apiKey:      cfg.APIKey,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoff:     cfg.InitialBackoff.DurationValue(),
		maxPayload:  maxPayload,
		files:       files,
		logger:      logger,
		sleep:       backoff.Sleep,
	}, nil
}

// FetchJSON 执行一次 GET 并把响应体解码到 dest，同时返回限流信息。
// 非 2xx 响应返回 *StatusError。
func (c *Client) FetchJSON(ctx context.Context, resource string, params url.Values, dest any) (RateLimit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.get(ctx, resource, params)
	if err != nil {
		c.logFetch(resource, 0, started, err)
		return RateLimit{}, fmt.Errorf("fetch %s: %w", resource, err)
	}
	defer resp.Body.Close()

	limit := parseRateLimit(resp.Header)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := newStatusError(resp)
		c.logFetch(resource, resp.StatusCode, started, statusErr)
		return limit, statusErr
	}

	if err := json.NewDecoder(newCapReader(resp.Body, c.maxPayload)).Decode(dest); err != nil {
		c.logFetch(resource, resp.StatusCode, started, err)
		return limit, fmt.Errorf("decode %s: %w", resource, err)
	}

	c.logFetch(resource, resp.StatusCode, started, nil)
	return limit, nil
}

// FetchToFile 将资源流式下载到 dest。每次尝试独立计时并受 MaxPayloadSize 约束，
// 失败后按 InitialBackoff * attempt 退避；写入经由临时文件完成，失败的尝试不会在
// dest 留下残缺文件。耗尽重试后返回 *RetryError；ctx 被取消时直接返回 ctx 的错误。
func (c *Client) FetchToFile(ctx context.Context, resource string, params url.Values, dest string) error {
	var (
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attempts = attempt
		started := time.Now()
		written, err := c.downloadOnce(ctx, resource, params, dest)
		fields := logging.AssetFields("upstream_download", dest)
		fields["resource"] = resource
		fields["attempt"] = attempt
		fields["elapsed_ms"] = time.Since(started).Milliseconds()

		if err == nil {
			fields["size"] = written
			c.logger.WithFields(fields).Info("download_complete")
			return nil
		}

		lastErr = err
		c.logger.WithError(err).WithFields(fields).Warn("download_attempt_failed")

		if ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, backoff.Linear(c.backoff, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	// 调用方取消不算上游失败，不计入“重试耗尽”
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("download %s: %w", resource, err)
	}
	return &RetryError{Resource: resource, Attempts: attempts, Err: lastErr}
}

func (c *Client) downloadOnce(ctx context.Context, resource string, params url.Values, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.get(ctx, resource, params)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, newStatusError(resp)
	}
	if resp.ContentLength > c.maxPayload {
		return 0, fmt.Errorf("%w: content-length %d", ErrPayloadTooLarge, resp.ContentLength)
	}

	return c.files.WriteFile(ctx, dest, newCapReader(resp.Body, c.maxPayload))
}

func (c *Client) get(ctx context.Context, resource string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(resource, params), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return c.httpClient.Do(req)
}

// endpoint 拼接 base + resource，并追加 api_key 参数。
func (c *Client) endpoint(resource string, params url.Values) string {
	target := *c.base
	target.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(resource, "/")

	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}
	target.RawQuery = query.Encode()
	return target.String()
}

func (c *Client) logFetch(resource string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":          "upstream_fetch",
		"resource":        resource,
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("upstream_fetch_failed")
		return
	}
	c.logger.WithFields(fields).Info("upstream_fetch_complete")
}

func parseRateLimit(header http.Header) RateLimit {
	return RateLimit{
		Remaining: parseIntHeader(header, headerRateLimitRemaining),
		Limit:     parseIntHeader(header, headerRateLimitLimit),
	}
}

func parseIntHeader(header http.Header, key string) *int {
	raw := strings.TrimSpace(header.Get(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &value
}

// capReader 在读取量超过 limit 时返回 ErrPayloadTooLarge。
type capReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func newCapReader(r io.Reader, limit int64) *capReader {
	return &capReader{r: io.LimitReader(r, limit+1), limit: limit}
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, ErrPayloadTooLarge
	}
	return n, err
}
