package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort     = 4200
	defaultAPIPrefix      = "/api/v1"
	defaultStoragePath    = "./.cache"
	defaultUpstreamBase   = "https://api.nasa.gov"
	defaultAPIKey         = "DEMO_KEY"
	defaultMaxRetries     = 3
	defaultMaxPayloadSize = 50 * 1024 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// APIKey 允许通过 NASA_API_KEY 环境变量覆盖，避免把密钥写进配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.BindEnv("APIKey", "NASA_API_KEY"); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("APIPrefix", defaultAPIPrefix)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", defaultStoragePath)
	v.SetDefault("UpstreamBase", defaultUpstreamBase)
	v.SetDefault("APIKey", defaultAPIKey)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", defaultMaxRetries)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("MaxPayloadSize", defaultMaxPayloadSize)
	v.SetDefault("StabilityTimeout", "5s")
	v.SetDefault("StabilityInterval", "100ms")
	v.SetDefault("RecoveryDelay", "1s")
}

// applyDefaults 补齐配置文件显式写成零值的字段。
func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.APIPrefix) == "" {
		g.APIPrefix = defaultAPIPrefix
	}
	g.APIPrefix = strings.TrimRight(g.APIPrefix, "/")
	if g.APIPrefix == "" {
		g.APIPrefix = "/"
	}

	u := &cfg.Upstream
	u.UpstreamBase = strings.TrimRight(strings.TrimSpace(u.UpstreamBase), "/")
	if u.UpstreamTimeout.DurationValue() == 0 {
		u.UpstreamTimeout = Duration(30 * time.Second)
	}
	if u.InitialBackoff.DurationValue() == 0 {
		u.InitialBackoff = Duration(time.Second)
	}
	if u.MaxPayloadSize == 0 {
		u.MaxPayloadSize = defaultMaxPayloadSize
	}

	a := &cfg.Asset
	if a.StabilityTimeout.DurationValue() == 0 {
		a.StabilityTimeout = Duration(5 * time.Second)
	}
	if a.StabilityInterval.DurationValue() == 0 {
		a.StabilityInterval = Duration(100 * time.Millisecond)
	}
	if a.RecoveryDelay.DurationValue() == 0 {
		a.RecoveryDelay = Duration(time.Second)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
