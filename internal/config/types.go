package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"100ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述服务运行时行为：监听、日志、缓存目录以及上游访问参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	APIPrefix     string `mapstructure:"APIPrefix"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
}

// UpstreamConfig 决定如何访问远端 API 以及下载失败时的重试节奏。
type UpstreamConfig struct {
	UpstreamBase    string   `mapstructure:"UpstreamBase"`
	APIKey          string   `mapstructure:"APIKey"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxPayloadSize  int64    `mapstructure:"MaxPayloadSize"`
}

// AssetConfig 控制图片下载完成后的稳定性检测与损坏恢复。
type AssetConfig struct {
	StabilityTimeout  Duration `mapstructure:"StabilityTimeout"`
	StabilityInterval Duration `mapstructure:"StabilityInterval"`
	RecoveryDelay     Duration `mapstructure:"RecoveryDelay"`
}

// Config 是 TOML 文件映射的整体结构，所有字段均位于顶层。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Upstream UpstreamConfig `mapstructure:",squash"`
	Asset    AssetConfig    `mapstructure:",squash"`
}

// MaskedAPIKey 仅保留前 4 位，供日志输出。
func (u UpstreamConfig) MaskedAPIKey() string {
	if len(u.APIKey) <= 4 {
		return strings.Repeat("*", len(u.APIKey))
	}
	return u.APIKey[:4] + strings.Repeat("*", len(u.APIKey)-4)
}
