// Package config 提供了统一的配置加载与管理能力.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/pstree/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 全局顶级配置结构.
type Config struct {
	Version string        `mapstructure:"version" toml:"version"`
	Server  ServerConfig  `mapstructure:"server"  toml:"server"`
	Log     LogConfig     `mapstructure:"log"     toml:"log"`
	Tree    TreeConfig    `mapstructure:"tree"    toml:"tree"`
	Store   StoreConfig   `mapstructure:"store"   toml:"store"`
	Metrics MetricsConfig `mapstructure:"metrics" toml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" toml:"tracing"`
}

// ServerConfig 进程级标识.
type ServerConfig struct {
	Name        string `mapstructure:"name"        toml:"name"        validate:"required"`
	Environment string `mapstructure:"environment" toml:"environment" validate:"oneof=dev test prod"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"       validate:"oneof=debug info warn error"` // 日志级别。
	Output     string `mapstructure:"output"      toml:"output"      validate:"oneof=stdout file both"`      // 日志输出目标。
	File       string `mapstructure:"file"        toml:"file"        validate:"required_unless=Output stdout"`
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`    // 单个文件最大大小 (MB)。
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"` // 最大备份数。
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`     // 最大保留天数。
	Compress   bool   `mapstructure:"compress"    toml:"compress"`    // 是否启用压缩。
}

// TreeConfig 多版本区间容器的构造参数.
type TreeConfig struct {
	DomainSize int `mapstructure:"domain_size" toml:"domain_size" validate:"min=1"`
	MaxNodes   int `mapstructure:"max_nodes"   toml:"max_nodes"   validate:"min=0"` // 0 表示不限。
	ChunkSize  int `mapstructure:"chunk_size"  toml:"chunk_size"  validate:"min=1"`
	Origin     int `mapstructure:"origin"      toml:"origin"`
}

// StoreConfig 版本仓库的缓存与并发参数.
type StoreConfig struct {
	CacheEnabled     bool          `mapstructure:"cache_enabled"     toml:"cache_enabled"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"         toml:"cache_ttl"`
	CacheMaxMB       int           `mapstructure:"cache_max_mb"      toml:"cache_max_mb"      validate:"min=0"`
	BatchConcurrency int           `mapstructure:"batch_concurrency" toml:"batch_concurrency" validate:"min=1"`
	ArenaWarnRatio   float64       `mapstructure:"arena_warn_ratio"  toml:"arena_warn_ratio"  validate:"gte=0,lte=1"`
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Port    string `mapstructure:"port"    toml:"port"`
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// TracingConfig 分布式链路追踪（OpenTelemetry）配置.
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint" validate:"required_if=Enabled true"`
	SamplerRatio float64 `mapstructure:"sampler_ratio" toml:"sampler_ratio" validate:"gte=0,lte=1"`
	Enabled      bool    `mapstructure:"enabled"       toml:"enabled"`
}

var (
	mu        sync.Mutex
	vInstance = viper.New()
	onReload  []func(*Config)
)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	onReload = append(onReload, hook)
}

// setDefaults 未出现在配置文件中的键取以下默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("tree.chunk_size", 1<<12)
	v.SetDefault("store.cache_ttl", 10*time.Minute)
	v.SetDefault("store.cache_max_mb", 64)
	v.SetDefault("store.batch_concurrency", 8)
	v.SetDefault("store.arena_warn_ratio", 0.8)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("tracing.sampler_ratio", 1.0)
}

// Load 读取 TOML 配置文件，叠加 APP_ 前缀的环境变量，校验后开始监听文件变化.
func Load(path string, conf any) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}

	if err := v.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	vInstance = v
	mu.Unlock()

	v.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		if unmarshalErr := v.Unmarshal(conf); unmarshalErr != nil {
			slog.Error("reload config unmarshal failed", "error", unmarshalErr)

			return
		}

		if validateErr := validate.Struct(conf); validateErr != nil {
			slog.Error("reload config validation failed", "error", validateErr)

			return
		}
		slog.Info("config hot-reloaded and validated successfully")

		applyReload(conf)
	})
	v.WatchConfig()

	return nil
}

// applyReload 同步日志级别并依次调用热更新回调。
func applyReload(conf any) {
	if c, ok := conf.(*Config); ok {
		logging.SetLevel(c.Log.Level)

		mu.Lock()
		hooks := append([]func(*Config){}, onReload...)
		mu.Unlock()
		for _, hook := range hooks {
			hook(c)
		}
		return
	}

	// 尝试使用反射获取 Log.Level
	val := reflect.ValueOf(conf)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return
	}
	logField := val.FieldByName("Log")
	if logField.IsValid() && logField.Kind() == reflect.Struct {
		levelField := logField.FieldByName("Level")
		if levelField.IsValid() && levelField.Kind() == reflect.String {
			logging.SetLevel(levelField.String())
		}
	}
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	masked, err := MaskedJSON(conf)
	if err != nil {
		slog.Error("failed to mask config for printing", "error", err)

		return
	}

	slog.Info("Current effective configuration", "config", masked)
}

// MaskedJSON 返回敏感字段已脱敏的配置 JSON.
func MaskedJSON(conf any) (string, error) {
	data, err := json.Marshal(conf)
	if err != nil {
		return "", err
	}

	var configMap map[string]any
	if unmarshalErr := json.Unmarshal(data, &configMap); unmarshalErr != nil {
		return "", unmarshalErr
	}

	mask(configMap)

	maskedJSON, marshalErr := json.MarshalIndent(configMap, "  ", "  ")
	if marshalErr != nil {
		return "", marshalErr
	}
	return string(maskedJSON), nil
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "key", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)

			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}

			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"

				break
			}
		}
	}
}

// GetViper 返回最近一次 Load 使用的 Viper 实例.
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return vInstance
}
