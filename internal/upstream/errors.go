package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNotFoundAfterRetries 表示下载在耗尽全部重试后仍未成功。
var ErrNotFoundAfterRetries = errors.New("not found after retries")

// ErrPayloadTooLarge 表示响应体超过 MaxPayloadSize。
var ErrPayloadTooLarge = errors.New("upstream payload too large")

// RetryError 记录最后一次失败原因与尝试次数，errors.Is 可匹配 ErrNotFoundAfterRetries。
type RetryError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s not found after %d retries: %v", e.Resource, e.Attempts, e.Err)
}

// Is 让 errors.Is(err, ErrNotFoundAfterRetries) 成立。
func (e *RetryError) Is(target error) bool {
	return target == ErrNotFoundAfterRetries
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// StatusError 表示上游返回了非 2xx 状态码，Msg 尽量取自上游错误体。
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// upstreamErrorBody 同时兼容 APOD 与 api.nasa.gov 网关的两种错误格式。
type upstreamErrorBody struct {
	Msg   string `json:"msg"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newStatusError 读取最多 4KB 错误体并提取可读信息。
func newStatusError(resp *http.Response) *StatusError {
	msg := http.StatusText(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body upstreamErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Msg != "":
			msg = body.Msg
		case body.Error.Message != "":
			msg = body.Error.Message
		}
	} else if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 256 {
		msg = text
	}

	return &StatusError{Code: resp.StatusCode, Msg: msg}
}
