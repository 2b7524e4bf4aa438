package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/upstream"
)

const serviceVersion = "v1"

// upstreamErrorBody 与上游错误体保持同一结构，客户端无需区分来源。
type upstreamErrorBody struct {
	Code           int    `json:"code"`
	Msg            string `json:"msg"`
	ServiceVersion string `json:"service_version"`
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
	Method     string `json:"method"`
	Message    string `json:"message"`
}

// errorHandler 统一渲染错误：上游状态错误原样透传，其余按 HTTP 错误或 500 处理。
func errorHandler(logger logrus.FieldLogger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		fields := logrus.Fields{
			"action":     "http_error",
			"request_id": RequestID(c),
			"method":     c.Method(),
			"path":       c.OriginalURL(),
		}

		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			fields["status"] = statusErr.Code
			logger.WithError(err).WithFields(fields).Error("upstream_error")
			return c.Status(statusErr.Code).JSON(upstreamErrorBody{
				Code:           statusErr.Code,
				Msg:            statusErr.Msg,
				ServiceVersion: serviceVersion,
			})
		}

		status := fiber.StatusInternalServerError
		message := "Internal server error"
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			message = fiberErr.Message
		}

		fields["status"] = status
		entry := logger.WithError(err).WithFields(fields)
		if status >= fiber.StatusInternalServerError {
			entry.Error("request_failed")
		} else {
			entry.Warn("request_rejected")
		}

		return c.Status(status).JSON(errorBody{
			StatusCode: status,
			Timestamp:  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Path:       c.OriginalURL(),
			Method:     c.Method(),
			Message:    message,
		})
	}
}
