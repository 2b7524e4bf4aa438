package server

import (
	"errors"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/astro-cache/astro-cache/internal/apod"
	"github.com/astro-cache/astro-cache/internal/epic"
	"github.com/astro-cache/astro-cache/internal/logging"
	"github.com/astro-cache/astro-cache/internal/upstream"
	"github.com/astro-cache/astro-cache/internal/version"
)

const (
	headerRateLimitRemaining = "x-ratelimit-remaining"
	headerRateLimitLimit     = "x-ratelimit-limit"
	headerCacheStatus        = "X-Astro-Cache"

	imageCacheControl = "public, max-age=31536000, immutable"
)

type handlers struct {
	epic   EpicService
	apod   ApodService
	logger logrus.FieldLogger
}

func (h *handlers) epicImages(c fiber.Ctx) error {
	params, err := queryParams(c, "date", "natural")
	if err != nil {
		return err
	}
	if err := validateDate("date", params["date"]); err != nil {
		return err
	}
	natural, err := parseNatural(params["natural"])
	if err != nil {
		return err
	}

	result, err := h.epic.Images(c.Context(), epic.Query{Date: params["date"], Natural: natural})
	if err != nil {
		return err
	}
	return sendResult(c, result)
}

func (h *handlers) epicAvailableDates(c fiber.Ctx) error {
	params, err := queryParams(c, "type")
	if err != nil {
		return err
	}
	kind, ok := epic.ParseType(params["type"])
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "type must be one of natural, enhanced")
	}

	result, err := h.epic.AvailableDates(c.Context(), kind)
	if err != nil {
		return err
	}
	return sendResult(c, result)
}

func (h *handlers) epicLatest(c fiber.Ctx) error {
	if _, err := queryParams(c); err != nil {
		return err
	}
	result, err := h.epic.Latest(c.Context())
	if err != nil {
		return err
	}
	return sendResult(c, result)
}

// epicImage 以流的方式返回 PNG；图片不存在或下载失败统一为 404。
func (h *handlers) epicImage(c fiber.Ctx) error {
	identifier := c.Params("identifier")

	path, err := h.epic.ImagePath(c.Context(), identifier)
	if err != nil {
		switch {
		case errors.Is(err, epic.ErrInvalidIdentifier):
			return fiber.NewError(fiber.StatusNotFound, "Invalid identifier")
		case errors.Is(err, upstream.ErrNotFoundAfterRetries):
			return fiber.NewError(fiber.StatusNotFound, "Image not found")
		default:
			return err
		}
	}

	fields := logging.AssetFields("serve_image", path)
	fields["request_id"] = RequestID(c)

	file, err := os.Open(path)
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Error("image_open_failed")
		return fiber.NewError(fiber.StatusNotFound, "Image not found")
	}
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		file.Close()
		h.logger.WithError(err).WithFields(fields).Error("image_empty")
		return fiber.NewError(fiber.StatusNotFound, "Image file is empty or incomplete")
	}

	fields["size"] = info.Size()
	h.logger.WithFields(fields).Info("image_stream_start")

	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, imageCacheControl)
	// size 同时决定 Content-Length；fasthttp 在发送完毕后关闭 file
	return c.SendStream(file, int(info.Size()))
}

func (h *handlers) apodImages(c fiber.Ctx) error {
	params, err := queryParams(c, "start_date", "end_date")
	if err != nil {
		return err
	}
	if err := validateDate("start_date", params["start_date"]); err != nil {
		return err
	}
	if err := validateDate("end_date", params["end_date"]); err != nil {
		return err
	}

	result, err := h.apod.Images(c.Context(), apod.Query{StartDate: params["start_date"], EndDate: params["end_date"]})
	if err != nil {
		return err
	}
	return sendResult(c, result)
}

func (h *handlers) showVersion(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version": version.Version,
		"commit":  version.Commit,
	})
}

// sendResult 写入限流与缓存状态头后输出 Data。额度为 0 时同样透传。
func sendResult[T any](c fiber.Ctx, result upstream.Result[T]) error {
	if result.RateLimit.Remaining != nil {
		c.Set(headerRateLimitRemaining, strconv.Itoa(*result.RateLimit.Remaining))
	}
	if result.RateLimit.Limit != nil {
		c.Set(headerRateLimitLimit, strconv.Itoa(*result.RateLimit.Limit))
	}
	if result.Status != "" {
		c.Set(headerCacheStatus, result.Status)
	}
	return c.JSON(result.Data)
}
