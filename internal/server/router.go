package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/apod"
	"github.com/astro-cache/astro-cache/internal/epic"
	"github.com/astro-cache/astro-cache/internal/logging"
	"github.com/astro-cache/astro-cache/internal/upstream"
)

// EpicService 由 epic.Service 实现，测试中可替换。
type EpicService interface {
	Images(ctx context.Context, q epic.Query) (upstream.Result[[]epic.Image], error)
	AvailableDates(ctx context.Context, kind epic.Type) (upstream.Result[[]string], error)
	Latest(ctx context.Context) (upstream.Result[[]epic.Image], error)
	ImagePath(ctx context.Context, identifier string) (string, error)
}

// ApodService 由 apod.Service 实现。
type ApodService interface {
	Images(ctx context.Context, q apod.Query) (upstream.Result[[]apod.Image], error)
}

// AppOptions 汇总构建 Fiber 应用所需的依赖。
type AppOptions struct {
	Logger    logrus.FieldLogger
	Epic      EpicService
	Apod      ApodService
	APIPrefix string
}

const contextKeyRequestID = "_astro_request_id"

// NewApp 构建带有 recover/CORS/请求 ID/访问日志中间件与统一错误处理的 Fiber 应用。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Epic == nil {
		return nil, errors.New("epic service is required")
	}
	if opts.Apod == nil {
		return nil, errors.New("apod service is required")
	}

	app := fiber.New(fiber.Config{
		AppName:       "astro-cache",
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(cors.New(cors.Config{
		ExposeHeaders: []string{headerRateLimitRemaining, headerRateLimitLimit, headerCacheStatus, fiber.HeaderXRequestID},
	}))
	app.Use(accessLogMiddleware(opts.Logger))

	h := &handlers{epic: opts.Epic, apod: opts.Apod, logger: opts.Logger}

	api := app.Group(groupPrefix(opts.APIPrefix))
	api.Get("/epic", h.epicImages)
	api.Get("/epic/available-dates", h.epicAvailableDates)
	api.Get("/epic/latest", h.epicLatest)
	api.Get("/epic/image/:identifier", h.epicImage)
	api.Get("/apod", h.apodImages)
	api.Get("/version", h.showVersion)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set(fiber.HeaderXRequestID, reqID)
		return c.Next()
	}
}

// accessLogMiddleware 在请求结束后输出一条结构化访问日志。
func accessLogMiddleware(logger logrus.FieldLogger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
			var statusErr *upstream.StatusError
			if errors.As(err, &statusErr) {
				status = statusErr.Code
			}
		}

		fields := logging.RequestFields(RequestID(c), c.Method(), c.Path())
		fields["status"] = status
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		logger.WithFields(fields).Info("http_request")
		return err
	}
}

// RequestID 返回中间件写入的请求 ID。
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func groupPrefix(prefix string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}
