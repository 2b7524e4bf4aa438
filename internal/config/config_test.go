package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	t.Setenv("NASA_API_KEY", "")
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 4300 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.APIPrefix != "/api/v1" {
		t.Fatalf("APIPrefix 应使用默认值，得到 %s", cfg.Global.APIPrefix)
	}
	if cfg.Upstream.MaxPayloadSize != 50*1024*1024 {
		t.Fatalf("MaxPayloadSize 应使用默认 50MB，得到 %d", cfg.Upstream.MaxPayloadSize)
	}
	if cfg.Asset.StabilityInterval.DurationValue() != 100*time.Millisecond {
		t.Fatalf("StabilityInterval 解析错误: %s", cfg.Asset.StabilityInterval.DurationValue())
	}
	if cfg.Asset.RecoveryDelay.DurationValue() != time.Second {
		t.Fatalf("纯数字秒值应被解析为 1s，得到 %s", cfg.Asset.RecoveryDelay.DurationValue())
	}
}

func TestValidateRejectsBadUpstream(t *testing.T) {
	if _, err := Load(testConfigPath(t, "invalid.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRequiresRetryBudget(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.MaxRetries = 0

	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Upstream.MaxRetries" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateStabilityIntervalWithinTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Asset.StabilityInterval = Duration(10 * time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("轮询间隔大于超时时间应报错")
	}
}

func TestMaskedAPIKey(t *testing.T) {
	u := UpstreamConfig{APIKey: "abcdefgh"}
	if got := u.MaskedAPIKey(); got != "abcd****" {
		t.Fatalf("掩码结果错误: %s", got)
	}
	u.APIKey = "abc"
	if got := u.MaskedAPIKey(); got != "***" {
		t.Fatalf("短密钥应全部掩码: %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:  4200,
			APIPrefix:   "/api/v1",
			StoragePath: "./.cache",
		},
		Upstream: UpstreamConfig{
			UpstreamBase:    "https://api.nasa.gov",
			APIKey:          "DEMO_KEY",
			UpstreamTimeout: Duration(30 * time.Second),
			MaxRetries:      3,
			InitialBackoff:  Duration(time.Second),
			MaxPayloadSize:  1024,
		},
		Asset: AssetConfig{
			StabilityTimeout:  Duration(5 * time.Second),
			StabilityInterval: Duration(100 * time.Millisecond),
			RecoveryDelay:     Duration(time.Second),
		},
	}
}
