package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if !strings.HasPrefix(g.APIPrefix, "/") {
		return newFieldError("Global.APIPrefix", "必须以 / 开头")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}

	u := c.Upstream
	if err := validateUpstream(u.UpstreamBase); err != nil {
		return fmt.Errorf("Upstream.UpstreamBase: %w", err)
	}
	if strings.TrimSpace(u.APIKey) == "" {
		return newFieldError("Upstream.APIKey", "不能为空")
	}
	if u.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Upstream.UpstreamTimeout", "必须大于 0")
	}
	if u.MaxRetries < 1 {
		return newFieldError("Upstream.MaxRetries", "至少为 1")
	}
	if u.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Upstream.InitialBackoff", "必须大于 0")
	}
	if u.MaxPayloadSize <= 0 {
		return newFieldError("Upstream.MaxPayloadSize", "必须大于 0")
	}

	a := c.Asset
	if a.StabilityTimeout.DurationValue() <= 0 {
		return newFieldError("Asset.StabilityTimeout", "必须大于 0")
	}
	if a.StabilityInterval.DurationValue() <= 0 {
		return newFieldError("Asset.StabilityInterval", "必须大于 0")
	}
	if a.StabilityInterval.DurationValue() > a.StabilityTimeout.DurationValue() {
		return newFieldError("Asset.StabilityInterval", "不能大于 StabilityTimeout")
	}
	if a.RecoveryDelay.DurationValue() < 0 {
		return newFieldError("Asset.RecoveryDelay", "不能为负数")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
